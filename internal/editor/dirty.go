package editor

import (
	"sync"
	"time"
)

const (
	// DefaultFetchStabilization is the quiet period after a remote fetch.
	DefaultFetchStabilization = 700 * time.Millisecond
	// DefaultSaveStabilization is the narrower quiet period after a save re-baselines the form.
	DefaultSaveStabilization = 200 * time.Millisecond
)

// ComputeDirtyFields compares current against lastSynced field by field and by value.
// Fields listed in readOnly are never reported.
func ComputeDirtyFields(current, lastSynced FormValues, readOnly FieldSet) FieldSet {
	dirty := make(FieldSet)
	for field, value := range current {
		if readOnly.Has(field) {
			continue
		}
		synced, ok := lastSynced[field]
		if !ok || !valuesEqual(value, synced) {
			dirty[field] = struct{}{}
		}
	}
	for field, synced := range lastSynced {
		if readOnly.Has(field) {
			continue
		}
		if _, ok := current[field]; !ok && !valuesEqual(nil, synced) {
			dirty[field] = struct{}{}
		}
	}
	return dirty
}

// DirtyTrackerConfig wires the tracker's collaborators.
type DirtyTrackerConfig struct {
	ReadOnlyFields []string
	Clock          Clock
}

// DirtyTracker reports which fields differ from the last persisted values while
// ignoring changes that normalization produced without any user interaction.
type DirtyTracker struct {
	mu          sync.Mutex
	clock       Clock
	readOnly    FieldSet
	baseline    FormValues
	touched     FieldSet
	stableAfter time.Time
	stabilized  bool
	rebaselines int
}

// NewDirtyTracker constructs a tracker with an empty baseline.
func NewDirtyTracker(cfg DirtyTrackerConfig) *DirtyTracker {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &DirtyTracker{
		clock:    clock,
		readOnly: NewFieldSet(cfg.ReadOnlyFields...),
		baseline: FormValues{},
		touched:  make(FieldSet),
	}
}

// Rebaseline makes values the last persisted reference and opens a stabilization window.
func (tracker *DirtyTracker) Rebaseline(values FormValues, window time.Duration) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.baseline = values.Clone()
	tracker.touched = make(FieldSet)
	tracker.stableAfter = tracker.clock.Now().Add(window)
	tracker.stabilized = window <= 0
}

// Commit moves the baseline to persisted values without reopening the stabilization window.
// Touched fields stay touched so edits made after the persisted payload remain dirty.
func (tracker *DirtyTracker) Commit(values FormValues) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.baseline = values.Clone()
}

// Touch records that the user interacted with field.
func (tracker *DirtyTracker) Touch(field string) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.touched[field] = struct{}{}
}

// Dirty returns the fields of current that differ from the baseline.
// Before the stabilization window elapses only user-touched fields are reported.
// Once it elapses, differing fields the user never touched are absorbed into the baseline.
func (tracker *DirtyTracker) Dirty(current FormValues) FieldSet {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	dirty := ComputeDirtyFields(current, tracker.baseline, tracker.readOnly)
	if !tracker.stabilized && !tracker.clock.Now().Before(tracker.stableAfter) {
		tracker.stabilized = true
	}

	for field := range dirty {
		if tracker.touched.Has(field) {
			continue
		}
		if tracker.stabilized {
			if value, ok := current[field]; ok {
				tracker.baseline[field] = cloneValue(value)
			} else {
				delete(tracker.baseline, field)
			}
			tracker.rebaselines++
		}
		delete(dirty, field)
	}
	return dirty
}

// Stabilized reports whether the post-fetch or post-save window has elapsed.
func (tracker *DirtyTracker) Stabilized() bool {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if !tracker.stabilized && !tracker.clock.Now().Before(tracker.stableAfter) {
		tracker.stabilized = true
	}
	return tracker.stabilized
}

// Baseline returns a copy of the last persisted reference.
func (tracker *DirtyTracker) Baseline() FormValues {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	return tracker.baseline.Clone()
}

// SilentRebaselines counts fields absorbed into the baseline after stabilization.
func (tracker *DirtyTracker) SilentRebaselines() int {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	return tracker.rebaselines
}

// ReadOnly reports whether field is excluded from dirty tracking.
func (tracker *DirtyTracker) ReadOnly(field string) bool {
	return tracker.readOnly.Has(field)
}
