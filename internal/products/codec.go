package products

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"golang.org/x/text/unicode/norm"
)

// FieldChecksum fingerprints a single field value. encoding/json sorts map keys,
// and strings are NFC normalized, so a storefront that recomposes accents does not
// look like a remote edit.
func FieldChecksum(value any) (string, error) {
	payload, err := json.Marshal(normalizeStrings(value))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeStrings(value any) any {
	switch typed := value.(type) {
	case string:
		return norm.NFC.String(typed)
	case []any:
		normalized := make([]any, len(typed))
		for index, item := range typed {
			normalized[index] = normalizeStrings(item)
		}
		return normalized
	case map[string]any:
		normalized := make(map[string]any, len(typed))
		for key, item := range typed {
			normalized[key] = normalizeStrings(item)
		}
		return normalized
	case editor.FormValues:
		return normalizeStrings(map[string]any(typed))
	default:
		return value
	}
}

// FieldChecksums fingerprints every field of values.
func FieldChecksums(values editor.FormValues) (map[string]string, error) {
	checksums := make(map[string]string, len(values))
	for field, value := range values {
		checksum, err := FieldChecksum(value)
		if err != nil {
			return nil, err
		}
		checksums[field] = checksum
	}
	return checksums, nil
}

func encodeJSON(value any) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func decodeValues(raw string) (editor.FormValues, error) {
	values := editor.FormValues{}
	if raw == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func decodeChecksums(raw string) (map[string]string, error) {
	checksums := map[string]string{}
	if raw == "" {
		return checksums, nil
	}
	if err := json.Unmarshal([]byte(raw), &checksums); err != nil {
		return nil, err
	}
	return checksums, nil
}

func decodeFields(raw string) ([]string, error) {
	fields := []string{}
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	sort.Strings(fields)
	return fields, nil
}

func decodeProduct(model Product) (Record, error) {
	formData, err := decodeValues(model.FormDataJSON)
	if err != nil {
		return Record{}, err
	}
	remoteData, err := decodeValues(model.RemoteDataJSON)
	if err != nil {
		return Record{}, err
	}
	pulled, err := decodeChecksums(model.PulledChecksumsJSON)
	if err != nil {
		return Record{}, err
	}
	remote, err := decodeChecksums(model.RemoteChecksumsJSON)
	if err != nil {
		return Record{}, err
	}
	dirty, err := decodeFields(model.DirtyFieldsJSON)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ProductID:       ProductID(model.ProductID),
		StoreID:         model.StoreID,
		Platform:        Platform(model.Platform),
		FormData:        formData,
		RemoteData:      remoteData,
		PulledChecksums: pulled,
		RemoteChecksums: remote,
		DirtyFields:     dirty,
		LastSyncedAt:    model.LastSyncedAt,
		RemoteUpdatedAt: model.RemoteUpdatedAt,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
		Revision:        model.Revision,
	}, nil
}

// encodeFormState writes form data and the dirty field list derived from it.
func encodeFormState(model *Product, formData, remoteData editor.FormValues) error {
	formJSON, err := encodeJSON(formData)
	if err != nil {
		return err
	}
	dirtyJSON, err := encodeJSON(editor.ComputeDirtyFields(formData, remoteData, nil).Sorted())
	if err != nil {
		return err
	}
	model.FormDataJSON = formJSON
	model.DirtyFieldsJSON = dirtyJSON
	return nil
}
