package editor

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestConflictDetectorUsesChecksumsForEditableFields(t *testing.T) {
	clock := newManualClock(testEpoch)
	store := newFakeRecordStore(clock)
	store.put(ProductRecord{
		ProductID:       testProductID,
		Values:          baseValues(),
		LastSyncedAt:    testEpoch,
		RemoteUpdatedAt: testEpoch.Add(time.Minute),
		PulledChecksums: map[string]string{"title": "a", "price": "b", "average_rating": "c", "sku": "d"},
		RemoteChecksums: map[string]string{"title": "a2", "price": "b", "average_rating": "c2", "sku": "d2"},
	})
	detector := NewConflictDetector(ConflictDetectorConfig{
		Store:          store,
		EditableFields: []string{"title", "price", "average_rating"},
		ReadOnlyFields: []string{"average_rating"},
		Clock:          clock,
	})

	report, err := detector.DetectConflicts(context.Background(), testProductID, nil)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if !report.HasConflict {
		t.Fatalf("expected a conflict")
	}
	if diff := cmp.Diff([]string{"title"}, report.Fields); diff != "" {
		t.Fatalf("unexpected conflict fields (-want +got):\n%s", diff)
	}
}

func TestConflictDetectorFallsBackToTimestamps(t *testing.T) {
	clock := newManualClock(testEpoch)
	detector := NewConflictDetector(ConflictDetectorConfig{Clock: clock})

	stale := ProductRecord{LastSyncedAt: testEpoch, RemoteUpdatedAt: testEpoch.Add(time.Second)}
	report := detector.Evaluate(stale, NewFieldSet("title", "price"))
	if diff := cmp.Diff([]string{"price", "title"}, report.Fields); diff != "" {
		t.Fatalf("unexpected conflict fields (-want +got):\n%s", diff)
	}

	fresh := ProductRecord{LastSyncedAt: testEpoch.Add(time.Second), RemoteUpdatedAt: testEpoch}
	if report := detector.Evaluate(fresh, NewFieldSet("title")); report.HasConflict {
		t.Fatalf("did not expect conflict when remote is older than last sync")
	}
}

func TestConflictTakesPrecedenceOverPending(t *testing.T) {
	dirty := NewFieldSet("title", "price")
	conflicts := NewFieldSet("title")

	tests := []struct {
		field string
		want  SyncState
	}{
		{field: "title", want: SyncStateConflict},
		{field: "price", want: SyncStatePending},
		{field: "sku", want: SyncStateSynced},
	}
	for _, tt := range tests {
		if got := FieldState(tt.field, dirty, conflicts); got != tt.want {
			t.Fatalf("field %s: want %s, got %s", tt.field, tt.want, got)
		}
	}
	if RecordState(dirty, conflicts) != SyncStateConflict {
		t.Fatalf("record with conflicts must display as conflict")
	}
	if RecordState(dirty, nil) != SyncStatePending {
		t.Fatalf("record with only dirty fields must display as pending")
	}
	if RecordState(nil, nil) != SyncStateSynced {
		t.Fatalf("clean record must display as synced")
	}
}
