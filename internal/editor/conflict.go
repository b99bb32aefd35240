package editor

import (
	"context"
	"time"
)

// SyncState is the display state of a field or of the whole record.
type SyncState string

const (
	SyncStateSynced   SyncState = "synced"
	SyncStatePending  SyncState = "pending"
	SyncStateConflict SyncState = "conflict"
)

// ProductRecord is the editor's view of a persisted product.
type ProductRecord struct {
	ProductID       string
	Values          FormValues
	LastSyncedAt    time.Time
	RemoteUpdatedAt time.Time
	PulledChecksums map[string]string
	RemoteChecksums map[string]string
}

// RecordStore persists and fetches product records.
type RecordStore interface {
	Fetch(ctx context.Context, productID string) (ProductRecord, error)
	Update(ctx context.Context, productID string, values FormValues) (ProductRecord, error)
}

// ConflictReport lists editable fields the remote store changed since the last sync.
type ConflictReport struct {
	HasConflict bool
	Fields      []string
	CheckedAt   time.Time
}

// FieldSet returns the conflicting fields as a set.
func (report ConflictReport) FieldSet() FieldSet {
	return NewFieldSet(report.Fields...)
}

// ConflictDetectorConfig wires the detector.
type ConflictDetectorConfig struct {
	Store RecordStore
	// EditableFields restricts reporting; empty means every field that is not read-only.
	EditableFields []string
	ReadOnlyFields []string
	Clock          Clock
}

// ConflictDetector compares remote modification fingerprints against what was last pulled.
type ConflictDetector struct {
	store    RecordStore
	editable FieldSet
	readOnly FieldSet
	clock    Clock
}

// NewConflictDetector constructs a detector.
func NewConflictDetector(cfg ConflictDetectorConfig) *ConflictDetector {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	var editable FieldSet
	if len(cfg.EditableFields) > 0 {
		editable = NewFieldSet(cfg.EditableFields...)
	}
	return &ConflictDetector{
		store:    cfg.Store,
		editable: editable,
		readOnly: NewFieldSet(cfg.ReadOnlyFields...),
		clock:    clock,
	}
}

// DetectConflicts re-fetches the record and computes its conflict set.
// localDirty is consulted only when the record carries no per-field checksums.
func (detector *ConflictDetector) DetectConflicts(ctx context.Context, productID string, localDirty FieldSet) (ConflictReport, error) {
	record, err := detector.store.Fetch(ctx, productID)
	if err != nil {
		return ConflictReport{}, err
	}
	return detector.Evaluate(record, localDirty), nil
}

// Evaluate computes the conflict set of an already fetched record.
func (detector *ConflictDetector) Evaluate(record ProductRecord, localDirty FieldSet) ConflictReport {
	var candidates FieldSet
	if len(record.RemoteChecksums) > 0 {
		candidates = ChangedChecksums(record.PulledChecksums, record.RemoteChecksums)
	} else if record.RemoteUpdatedAt.After(record.LastSyncedAt) {
		candidates = localDirty.clone()
	}

	fields := make(FieldSet)
	for field := range candidates {
		if detector.readOnly.Has(field) {
			continue
		}
		if detector.editable != nil && !detector.editable.Has(field) {
			continue
		}
		fields[field] = struct{}{}
	}
	sorted := fields.Sorted()
	return ConflictReport{
		HasConflict: len(sorted) > 0,
		Fields:      sorted,
		CheckedAt:   detector.clock.Now(),
	}
}

// ChangedChecksums returns fields whose remote checksum differs from the pulled one.
func ChangedChecksums(pulled, remote map[string]string) FieldSet {
	changed := make(FieldSet)
	for field, checksum := range remote {
		if pulled[field] != checksum {
			changed[field] = struct{}{}
		}
	}
	for field := range pulled {
		if _, ok := remote[field]; !ok {
			changed[field] = struct{}{}
		}
	}
	return changed
}

// FieldState resolves one field's display state; conflict outranks pending.
func FieldState(field string, dirty, conflicts FieldSet) SyncState {
	switch {
	case conflicts.Has(field):
		return SyncStateConflict
	case dirty.Has(field):
		return SyncStatePending
	default:
		return SyncStateSynced
	}
}

// RecordState resolves the whole record's display state.
func RecordState(dirty, conflicts FieldSet) SyncState {
	switch {
	case conflicts.Len() > 0:
		return SyncStateConflict
	case dirty.Len() > 0:
		return SyncStatePending
	default:
		return SyncStateSynced
	}
}
