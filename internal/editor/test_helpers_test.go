package editor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// manualClock runs timer callbacks synchronously from Advance in due order.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock    *manualClock
	at       time.Time
	seq      int
	callback func()
	done     bool
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (clock *manualClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) AfterFunc(delay time.Duration, callback func()) Timer {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.seq++
	timer := &manualTimer{clock: clock, at: clock.now.Add(delay), seq: clock.seq, callback: callback}
	clock.timers = append(clock.timers, timer)
	return timer
}

func (timer *manualTimer) Stop() bool {
	timer.clock.mu.Lock()
	defer timer.clock.mu.Unlock()
	if timer.done {
		return false
	}
	timer.done = true
	return true
}

// Advance moves time forward, firing every timer that comes due on the way.
func (clock *manualClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	target := clock.now.Add(delta)
	clock.mu.Unlock()
	for {
		clock.mu.Lock()
		var next *manualTimer
		live := clock.timers[:0]
		for _, timer := range clock.timers {
			if timer.done {
				continue
			}
			live = append(live, timer)
			if timer.at.After(target) {
				continue
			}
			if next == nil || timer.at.Before(next.at) || (timer.at.Equal(next.at) && timer.seq < next.seq) {
				next = timer
			}
		}
		clock.timers = live
		if next == nil {
			clock.now = target
			clock.mu.Unlock()
			return
		}
		next.done = true
		if next.at.After(clock.now) {
			clock.now = next.at
		}
		clock.mu.Unlock()
		next.callback()
	}
}

// AdvanceTo moves the clock to an absolute instant.
func (clock *manualClock) AdvanceTo(instant time.Time) {
	clock.Advance(instant.Sub(clock.Now()))
}

type updateCall struct {
	productID string
	values    FormValues
	at        time.Time
}

// fakeRecordStore is an in-memory RecordStore with hooks for failures and blocking.
type fakeRecordStore struct {
	mu        sync.Mutex
	clock     Clock
	records   map[string]ProductRecord
	updates   []updateCall
	inFlight  int
	maxFlight int
	updateErr error
	block     chan struct{}
	entered   chan struct{}
}

func newFakeRecordStore(clock Clock) *fakeRecordStore {
	return &fakeRecordStore{clock: clock, records: make(map[string]ProductRecord)}
}

func (store *fakeRecordStore) put(record ProductRecord) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.records[record.ProductID] = record
}

func (store *fakeRecordStore) Fetch(_ context.Context, productID string) (ProductRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.records[productID]
	if !ok {
		return ProductRecord{}, fmt.Errorf("product %s not found", productID)
	}
	record.Values = record.Values.Clone()
	return record, nil
}

func (store *fakeRecordStore) Update(_ context.Context, productID string, values FormValues) (ProductRecord, error) {
	store.mu.Lock()
	store.inFlight++
	if store.inFlight > store.maxFlight {
		store.maxFlight = store.inFlight
	}
	store.updates = append(store.updates, updateCall{productID: productID, values: values.Clone(), at: store.clock.Now()})
	block := store.block
	entered := store.entered
	updateErr := store.updateErr
	store.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	store.inFlight--
	if updateErr != nil {
		return ProductRecord{}, updateErr
	}
	record := store.records[productID]
	record.ProductID = productID
	record.Values = values.Clone()
	store.records[productID] = record
	return record, nil
}

func (store *fakeRecordStore) updateCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.updates)
}

func (store *fakeRecordStore) updateCalls() []updateCall {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]updateCall(nil), store.updates...)
}

// fakeVersionStore assigns version numbers as max+1 per product.
type fakeVersionStore struct {
	mu        sync.Mutex
	clock     Clock
	versions  []ProductVersion
	createErr error
}

func newFakeVersionStore(clock Clock) *fakeVersionStore {
	return &fakeVersionStore{clock: clock}
}

func (store *fakeVersionStore) Create(_ context.Context, params CreateVersionParams) (ProductVersion, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createErr != nil {
		return ProductVersion{}, store.createErr
	}
	var next int64 = 1
	for _, version := range store.versions {
		if version.ProductID == params.ProductID && version.Number >= next {
			next = version.Number + 1
		}
	}
	version := ProductVersion{
		ID:        fmt.Sprintf("%s-v%d", params.ProductID, next),
		ProductID: params.ProductID,
		Number:    next,
		Values:    params.Values.Clone(),
		Trigger:   params.Trigger,
		Metadata:  params.Metadata,
		CreatedAt: store.clock.Now(),
	}
	store.versions = append(store.versions, version)
	return version, nil
}

func (store *fakeVersionStore) Get(_ context.Context, versionID string) (ProductVersion, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, version := range store.versions {
		if version.ID == versionID {
			version.Values = version.Values.Clone()
			return version, nil
		}
	}
	return ProductVersion{}, errors.New("version not found")
}

func (store *fakeVersionStore) Latest(_ context.Context, productID string) (ProductVersion, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var latest ProductVersion
	found := false
	for _, version := range store.versions {
		if version.ProductID != productID {
			continue
		}
		if !found || version.Number > latest.Number {
			latest = version
			found = true
		}
	}
	return latest, found, nil
}

func (store *fakeVersionStore) all() []ProductVersion {
	store.mu.Lock()
	defer store.mu.Unlock()
	versions := append([]ProductVersion(nil), store.versions...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Number < versions[j].Number })
	return versions
}

type fakeSubForm struct {
	mu      sync.Mutex
	pending bool
	saveErr error
	saves   int
}

func (form *fakeSubForm) HasPendingChanges() bool {
	form.mu.Lock()
	defer form.mu.Unlock()
	return form.pending
}

func (form *fakeSubForm) Save(context.Context) error {
	form.mu.Lock()
	defer form.mu.Unlock()
	form.saves++
	return form.saveErr
}

var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

const testProductID = "prod-1"

func baseValues() FormValues {
	return FormValues{
		"title":          "Linen Shirt",
		"description":    "",
		"price":          49.0,
		"tags":           []any{"summer"},
		"average_rating": 4.5,
	}
}

func newTestSession(t *testing.T, clock *manualClock, store *fakeRecordStore, versions *fakeVersionStore) *Session {
	t.Helper()
	cfg := SessionConfig{
		ProductID:      testProductID,
		Store:          store,
		Clock:          clock,
		ReadOnlyFields: []string{"average_rating"},
	}
	if versions != nil {
		cfg.Versions = versions
	}
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func loadedSession(t *testing.T, clock *manualClock, store *fakeRecordStore, versions *fakeVersionStore) *Session {
	t.Helper()
	store.put(ProductRecord{ProductID: testProductID, Values: baseValues(), LastSyncedAt: clock.Now()})
	session := newTestSession(t, clock, store, versions)
	if err := session.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return session
}
