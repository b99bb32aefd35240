package editor

import (
	"sync"
	"time"
)

const (
	defaultHistoryCapacity = 50
	defaultCaptureDebounce = 500 * time.Millisecond
	noSavedIndex           = -1

	// LabelEdit marks snapshots captured from debounced form changes.
	LabelEdit = "edit"
	// LabelInitial marks the snapshot captured when a product is loaded.
	LabelInitial = "initial"
	// LabelRestoredVersion marks the checkpoint captured after a version restore.
	LabelRestoredVersion = "restored version"
)

// FormSnapshot is an immutable capture of every form value at one point in time.
type FormSnapshot struct {
	values     FormValues
	label      string
	capturedAt time.Time
}

// Values returns a copy of the captured values.
func (snapshot FormSnapshot) Values() FormValues {
	return snapshot.values.Clone()
}

// Label returns the human readable label.
func (snapshot FormSnapshot) Label() string {
	return snapshot.label
}

// CapturedAt returns the capture time.
func (snapshot FormSnapshot) CapturedAt() time.Time {
	return snapshot.capturedAt
}

// HistoryConfig tunes the undo/redo buffer.
type HistoryConfig struct {
	Capacity int
	Debounce time.Duration
	Clock    Clock
}

// History is a bounded linear undo/redo buffer of form snapshots.
type History struct {
	mu         sync.Mutex
	clock      Clock
	capacity   int
	debounce   time.Duration
	snapshots  []FormSnapshot
	index      int
	savedIndex int
	restoring  bool
	pending    FormValues
	timer      Timer
	generation uint64
}

// NewHistory constructs an empty history buffer.
func NewHistory(cfg HistoryConfig) *History {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultCaptureDebounce
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &History{
		clock:      clock,
		capacity:   capacity,
		debounce:   debounce,
		index:      -1,
		savedIndex: noSavedIndex,
	}
}

// Capture records values immediately under the given label.
func (history *History) Capture(values FormValues, label string) {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.stopPendingLocked()
	history.appendLocked(values, label)
}

// ScheduleCapture records values once no further changes arrive within the debounce window.
// Calls made while a restore is running are ignored.
func (history *History) ScheduleCapture(values FormValues) {
	history.mu.Lock()
	defer history.mu.Unlock()
	if history.restoring {
		return
	}
	history.pending = values.Clone()
	if history.timer != nil {
		history.timer.Stop()
	}
	history.generation++
	generation := history.generation
	history.timer = history.clock.AfterFunc(history.debounce, func() {
		history.fireCapture(generation)
	})
}

// Flush records a pending debounced capture right away.
func (history *History) Flush() {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.flushPendingLocked()
}

func (history *History) fireCapture(generation uint64) {
	history.mu.Lock()
	defer history.mu.Unlock()
	if generation != history.generation {
		return
	}
	history.flushPendingLocked()
}

func (history *History) flushPendingLocked() {
	history.generation++
	if history.timer != nil {
		history.timer.Stop()
		history.timer = nil
	}
	pending := history.pending
	history.pending = nil
	if pending == nil || history.restoring {
		return
	}
	history.appendLocked(pending, LabelEdit)
}

func (history *History) stopPendingLocked() {
	history.generation++
	if history.timer != nil {
		history.timer.Stop()
		history.timer = nil
	}
	history.pending = nil
}

func (history *History) appendLocked(values FormValues, label string) {
	if history.index >= 0 && history.snapshots[history.index].values.Equal(values) {
		return
	}
	if history.index < len(history.snapshots)-1 {
		history.snapshots = history.snapshots[:history.index+1]
		if history.savedIndex > history.index {
			history.savedIndex = noSavedIndex
		}
	}
	history.snapshots = append(history.snapshots, FormSnapshot{
		values:     values.Clone(),
		label:      label,
		capturedAt: history.clock.Now(),
	})
	history.index = len(history.snapshots) - 1

	if overflow := len(history.snapshots) - history.capacity; overflow > 0 {
		kept := make([]FormSnapshot, history.capacity)
		copy(kept, history.snapshots[overflow:])
		history.snapshots = kept
		history.index -= overflow
		if history.savedIndex != noSavedIndex {
			history.savedIndex -= overflow
			if history.savedIndex < 0 {
				history.savedIndex = noSavedIndex
			}
		}
	}
}

// Undo steps back one snapshot and returns it. The boolean is false when nothing moved.
func (history *History) Undo() (FormSnapshot, bool) {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.flushPendingLocked()
	if history.index <= 0 {
		return FormSnapshot{}, false
	}
	history.index--
	return history.snapshots[history.index], true
}

// Redo steps forward one snapshot and returns it. The boolean is false when nothing moved.
// A pending edit is recorded first, which discards the redo future.
func (history *History) Redo() (FormSnapshot, bool) {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.flushPendingLocked()
	if history.index < 0 || history.index >= len(history.snapshots)-1 {
		return FormSnapshot{}, false
	}
	history.index++
	return history.snapshots[history.index], true
}

// MarkAsSaved pins the current index as the saved reference.
func (history *History) MarkAsSaved() {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.flushPendingLocked()
	history.savedIndex = history.index
}

// BeginRestore suppresses debounced captures until EndRestore and drops any pending one.
func (history *History) BeginRestore() {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.stopPendingLocked()
	history.restoring = true
}

// EndRestore re-enables debounced captures.
func (history *History) EndRestore() {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.restoring = false
}

// Restoring reports whether a restore is running.
func (history *History) Restoring() bool {
	history.mu.Lock()
	defer history.mu.Unlock()
	return history.restoring
}

// Current returns the snapshot at the current index.
func (history *History) Current() (FormSnapshot, bool) {
	history.mu.Lock()
	defer history.mu.Unlock()
	if history.index < 0 {
		return FormSnapshot{}, false
	}
	return history.snapshots[history.index], true
}

// CanUndo reports whether Undo would move.
func (history *History) CanUndo() bool {
	history.mu.Lock()
	defer history.mu.Unlock()
	return history.index > 0
}

// CanRedo reports whether Redo would move.
func (history *History) CanRedo() bool {
	history.mu.Lock()
	defer history.mu.Unlock()
	if history.index < 0 || history.index >= len(history.snapshots)-1 {
		return false
	}
	return history.pending == nil || history.pending.Equal(history.snapshots[history.index].values)
}

// Len returns the number of retained snapshots.
func (history *History) Len() int {
	history.mu.Lock()
	defer history.mu.Unlock()
	return len(history.snapshots)
}

// Index returns the current position, or -1 for an empty buffer.
func (history *History) Index() int {
	history.mu.Lock()
	defer history.mu.Unlock()
	return history.index
}

// AtSavedState reports whether the current index is the one pinned by MarkAsSaved.
func (history *History) AtSavedState() bool {
	history.mu.Lock()
	defer history.mu.Unlock()
	return history.savedIndex != noSavedIndex && history.savedIndex == history.index
}

// Reset drops every snapshot and pending capture.
func (history *History) Reset() {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.stopPendingLocked()
	history.snapshots = nil
	history.index = -1
	history.savedIndex = noSavedIndex
}
