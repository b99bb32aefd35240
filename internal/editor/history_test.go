package editor

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func numbered(index int) FormValues {
	return FormValues{"title": fmt.Sprintf("title-%d", index)}
}

func TestHistoryStaysWithinCapacity(t *testing.T) {
	clock := newManualClock(testEpoch)
	history := NewHistory(HistoryConfig{Capacity: 50, Clock: clock})

	for index := 0; index < 137; index++ {
		history.Capture(numbered(index), LabelEdit)
		if history.Len() > 50 {
			t.Fatalf("history length %d exceeds capacity after %d captures", history.Len(), index+1)
		}
		if history.Index() < 0 || history.Index() >= history.Len() {
			t.Fatalf("history index %d out of range [0,%d)", history.Index(), history.Len())
		}
	}

	current, ok := history.Current()
	if !ok {
		t.Fatalf("expected a current snapshot")
	}
	if current.Values()["title"] != "title-136" {
		t.Fatalf("expected newest snapshot to be current, got %v", current.Values()["title"])
	}

	steps := 0
	for history.CanUndo() {
		history.Undo()
		steps++
	}
	if steps != 49 {
		t.Fatalf("expected 49 undo steps in a full buffer, got %d", steps)
	}
	oldest, _ := history.Current()
	if oldest.Values()["title"] != "title-87" {
		t.Fatalf("expected oldest retained snapshot title-87, got %v", oldest.Values()["title"])
	}
}

func TestHistoryUndoThenEditTruncatesRedo(t *testing.T) {
	clock := newManualClock(testEpoch)
	history := NewHistory(HistoryConfig{Clock: clock})
	history.Capture(numbered(0), LabelInitial)
	history.Capture(numbered(1), LabelEdit)
	history.Capture(numbered(2), LabelEdit)

	snapshot, ok := history.Undo()
	if !ok || snapshot.Values()["title"] != "title-1" {
		t.Fatalf("expected undo to return title-1, got %v", snapshot.Values()["title"])
	}
	if !history.CanRedo() {
		t.Fatalf("expected redo to be available after undo")
	}

	history.Capture(FormValues{"title": "branch"}, LabelEdit)
	if history.CanRedo() {
		t.Fatalf("expected redo to be unavailable after a new edit")
	}
	if history.Len() != 3 {
		t.Fatalf("expected truncated history of 3 snapshots, got %d", history.Len())
	}
	if _, ok := history.Redo(); ok {
		t.Fatalf("redo must not reach the discarded snapshot")
	}
	for index := 0; index < history.Len(); index++ {
		history.Undo()
	}
	for history.CanRedo() {
		snapshot, _ := history.Redo()
		if snapshot.Values()["title"] == "title-2" {
			t.Fatalf("discarded snapshot became reachable")
		}
	}
}

func TestHistorySavedPointerTracksEviction(t *testing.T) {
	clock := newManualClock(testEpoch)
	history := NewHistory(HistoryConfig{Capacity: 3, Clock: clock})
	history.Capture(numbered(0), LabelInitial)
	history.Capture(numbered(1), LabelEdit)
	history.MarkAsSaved()
	if !history.AtSavedState() {
		t.Fatalf("expected saved state right after MarkAsSaved")
	}

	history.Capture(numbered(2), LabelEdit)
	history.Capture(numbered(3), LabelEdit)
	if history.AtSavedState() {
		t.Fatalf("did not expect saved state after further edits")
	}

	history.Undo()
	history.Undo()
	current, _ := history.Current()
	if current.Values()["title"] != "title-1" {
		t.Fatalf("expected saved snapshot after two undos, got %v", current.Values()["title"])
	}
	if !history.AtSavedState() {
		t.Fatalf("expected saved pointer to follow the shifted snapshot")
	}

	history.Redo()
	history.Redo()
	history.Capture(numbered(4), LabelEdit)
	history.Capture(numbered(5), LabelEdit)
	for history.CanUndo() {
		history.Undo()
		if history.AtSavedState() {
			t.Fatalf("evicted saved snapshot must not be reported as saved")
		}
	}
}

func TestHistoryScheduleCaptureDebouncesAndSkipsRestores(t *testing.T) {
	clock := newManualClock(testEpoch)
	history := NewHistory(HistoryConfig{Debounce: 500 * time.Millisecond, Clock: clock})
	history.Capture(numbered(0), LabelInitial)

	history.ScheduleCapture(numbered(1))
	clock.Advance(300 * time.Millisecond)
	history.ScheduleCapture(numbered(2))
	clock.Advance(300 * time.Millisecond)
	if history.Len() != 1 {
		t.Fatalf("expected debounce to hold captures, got %d snapshots", history.Len())
	}
	clock.Advance(300 * time.Millisecond)
	if history.Len() != 2 {
		t.Fatalf("expected one coalesced capture, got %d snapshots", history.Len())
	}

	history.BeginRestore()
	history.ScheduleCapture(numbered(3))
	clock.Advance(time.Second)
	history.EndRestore()
	if history.Len() != 2 {
		t.Fatalf("captures during restore must be ignored, got %d snapshots", history.Len())
	}
}

func TestHistoryRedoRecordsPendingEditFirst(t *testing.T) {
	clock := newManualClock(testEpoch)
	history := NewHistory(HistoryConfig{Debounce: 500 * time.Millisecond, Clock: clock})
	history.Capture(numbered(0), LabelInitial)
	history.Capture(numbered(1), LabelEdit)
	history.Undo()

	history.ScheduleCapture(FormValues{"title": "typed after undo"})
	if history.CanRedo() {
		t.Fatalf("expected a pending edit to rule out redo")
	}
	if _, ok := history.Redo(); ok {
		t.Fatalf("redo must not move past a pending edit")
	}
	current, _ := history.Current()
	if current.Values()["title"] != "typed after undo" {
		t.Fatalf("expected the pending edit to be current, got %v", current.Values()["title"])
	}
	if history.Len() != 2 {
		t.Fatalf("expected the redo future to be truncated, got %d snapshots", history.Len())
	}

	history.Undo()
	history.ScheduleCapture(numbered(0))
	if !history.CanRedo() {
		t.Fatalf("a pending capture equal to the current snapshot must keep redo available")
	}
}
