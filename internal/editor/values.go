package editor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var (
	// ErrValidation indicates that form values failed validation before any network call.
	ErrValidation = errors.New("editor: validation failed")
	// ErrUnsavedChanges indicates that an action requires a clean form.
	ErrUnsavedChanges = errors.New("editor: unsaved changes")
	// ErrSessionNotLoaded indicates that the session has no product loaded yet.
	ErrSessionNotLoaded = errors.New("editor: session not loaded")
	// ErrSaveInProgress indicates that a manual save is already running.
	ErrSaveInProgress = errors.New("editor: save in progress")
)

// FieldTitle is the only field required before a save is attempted.
const FieldTitle = "title"

var valueComparer = []cmp.Option{cmpopts.EquateEmpty()}

// FormValues holds the JSON-like field values of a product form.
type FormValues map[string]any

// Clone returns a deep copy so snapshots never share mutable state with the live form.
func (values FormValues) Clone() FormValues {
	if values == nil {
		return FormValues{}
	}
	cloned := make(FormValues, len(values))
	for field, value := range values {
		cloned[field] = cloneValue(value)
	}
	return cloned
}

// Equal reports whether both forms hold the same values field by field.
func (values FormValues) Equal(other FormValues) bool {
	return cmp.Equal(map[string]any(values), map[string]any(other), valueComparer...)
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, nested := range typed {
			cloned[key] = cloneValue(nested)
		}
		return cloned
	case FormValues:
		return typed.Clone()
	case []any:
		cloned := make([]any, len(typed))
		for index, nested := range typed {
			cloned[index] = cloneValue(nested)
		}
		return cloned
	case []string:
		return append([]string(nil), typed...)
	default:
		return typed
	}
}

func valuesEqual(left, right any) bool {
	return cmp.Equal(left, right, valueComparer...)
}

// FieldSet is an unordered set of form field names.
type FieldSet map[string]struct{}

// NewFieldSet builds a set from the provided names.
func NewFieldSet(fields ...string) FieldSet {
	set := make(FieldSet, len(fields))
	for _, field := range fields {
		set[field] = struct{}{}
	}
	return set
}

// Has reports membership.
func (set FieldSet) Has(field string) bool {
	_, ok := set[field]
	return ok
}

// Len returns the number of fields in the set.
func (set FieldSet) Len() int {
	return len(set)
}

// Sorted returns the members in lexical order.
func (set FieldSet) Sorted() []string {
	fields := make([]string, 0, len(set))
	for field := range set {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func (set FieldSet) clone() FieldSet {
	cloned := make(FieldSet, len(set))
	for field := range set {
		cloned[field] = struct{}{}
	}
	return cloned
}

// ValidateForSave performs the checks that must pass before any save request leaves the process.
func ValidateForSave(values FormValues) error {
	title, _ := values[FieldTitle].(string)
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, FieldTitle)
	}
	return nil
}
