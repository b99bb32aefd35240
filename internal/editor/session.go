package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/failure"
	"go.uber.org/zap"
)

// SaveChannel distinguishes manual saves from background auto-saves.
type SaveChannel string

const (
	ChannelManual SaveChannel = "manual"
	ChannelAuto   SaveChannel = "auto"
)

const (
	opSessionNew     = "editor.session.new"
	opLoad           = "editor.load"
	opManualSave     = "editor.manual_save"
	opCreateVersion  = "editor.create_version"
	opRestoreVersion = "editor.restore_version"
	opApproveDraft   = "editor.approve_draft"
	opDetectConflict = "editor.detect_conflicts"
	opAfterPublish   = "editor.after_publish"

	reasonFetchFailed        = "fetch_failed"
	reasonUpdateFailed       = "update_failed"
	reasonSubFormFailed      = "sub_form_failed"
	reasonVersionFailed      = "version_failed"
	reasonVersionLookup      = "version_lookup_failed"
	reasonVersionMismatch    = "version_product_mismatch"
	reasonLockFailed         = "lock_failed"
	reasonMissingStore       = "missing_store"
	reasonMissingProductID   = "missing_product_id"
	reasonMissingVersions    = "missing_version_store"
	labelPublished           = "published"
	labelDraftPrefix         = "ai draft: "
	backgroundVersionTimeout = 10 * time.Second
)

var (
	errMissingStore        = errors.New("record store is required")
	errMissingProductID    = errors.New("product id is required")
	errMissingVersionStore = errors.New("version store is required")
	// ErrConflictUnresolved indicates that remote conflicts must be resolved first.
	ErrConflictUnresolved = errors.New("editor: unresolved conflicts")
)

// SubForm is a secondary editor, such as variations, saved after the main record.
type SubForm interface {
	HasPendingChanges() bool
	Save(ctx context.Context) error
}

// Timing collects the tuning constants of a session.
type Timing struct {
	HistoryCapacity     int
	HistoryDebounce     time.Duration
	FetchStabilization  time.Duration
	SaveStabilization   time.Duration
	AutoSaveDebounce    time.Duration
	ManualSaveCooldown  time.Duration
	SavedStatusDisplay  time.Duration
	ErrorStatusDisplay  time.Duration
	RequestTimeout      time.Duration
	AutoVersionInterval time.Duration
}

// DefaultTiming returns the hybrid manual plus auto-save tuning.
func DefaultTiming() Timing {
	return Timing{
		HistoryCapacity:     defaultHistoryCapacity,
		HistoryDebounce:     defaultCaptureDebounce,
		FetchStabilization:  DefaultFetchStabilization,
		SaveStabilization:   DefaultSaveStabilization,
		AutoSaveDebounce:    defaultAutoSaveDebounce,
		ManualSaveCooldown:  defaultManualSaveCooldown,
		SavedStatusDisplay:  defaultSavedStatusDisplay,
		ErrorStatusDisplay:  defaultErrorStatusDisplay,
		RequestTimeout:      defaultSaveRequestTimeout,
		AutoVersionInterval: defaultAutoVersionInterval,
	}
}

// Transition is one recorded save status change.
type Transition struct {
	Channel SaveChannel
	Status  SaveStatus
	At      time.Time
}

// SessionConfig wires a session; every collaborator is injected.
type SessionConfig struct {
	ProductID      string
	Store          RecordStore
	Versions       VersionStore
	Clock          Clock
	Logger         *zap.Logger
	Timing         Timing
	ReadOnlyFields []string
	EditableFields []string
	// OnTransition observes every save status change on both channels.
	OnTransition func(Transition)
}

// SaveResult reports the outcome of a manual save whose main record was persisted.
type SaveResult struct {
	Record        ProductRecord
	SubFormErr    error
	CooldownUntil time.Time
}

// SessionState is an immutable view of the session for presentation layers.
type SessionState struct {
	ProductID    string
	Values       FormValues
	DirtyFields  []string
	Conflicts    ConflictReport
	SyncState    SyncState
	ManualStatus SaveStatus
	AutoStatus   SaveStatus
	CanUndo      bool
	CanRedo      bool
	HistoryLen   int
	HistoryIndex int
	AtSavedState bool
	LastSyncedAt time.Time
}

// Session coordinates one product's edit form against the record store.
type Session struct {
	productID string
	store     RecordStore
	clock     Clock
	logger    *zap.Logger
	timing    Timing

	history   *History
	tracker   *DirtyTracker
	autoSaver *AutoSaver
	detector  *ConflictDetector
	versions  *VersionManager

	onTransition func(Transition)

	mu           sync.Mutex
	values       FormValues
	loaded       bool
	record       ProductRecord
	conflicts    ConflictReport
	manualStatus SaveStatus
	manualRevert Timer
	revertGen    uint64
	subForm      SubForm
	transitions  []Transition

	background sync.WaitGroup
}

// NewSession constructs an unloaded session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, failure.New(opSessionNew, reasonMissingStore, errMissingStore)
	}
	if cfg.ProductID == "" {
		return nil, failure.New(opSessionNew, reasonMissingProductID, errMissingProductID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timing := mergeTiming(cfg.Timing)

	session := &Session{
		productID:    cfg.ProductID,
		store:        cfg.Store,
		clock:        clock,
		logger:       logger.With(zap.String(logFieldProductID, cfg.ProductID)),
		timing:       timing,
		onTransition: cfg.OnTransition,
		values:       FormValues{},
		manualStatus: SaveStatusIdle,
	}
	session.history = NewHistory(HistoryConfig{
		Capacity: timing.HistoryCapacity,
		Debounce: timing.HistoryDebounce,
		Clock:    clock,
	})
	session.tracker = NewDirtyTracker(DirtyTrackerConfig{
		ReadOnlyFields: cfg.ReadOnlyFields,
		Clock:          clock,
	})
	session.detector = NewConflictDetector(ConflictDetectorConfig{
		Store:          cfg.Store,
		EditableFields: cfg.EditableFields,
		ReadOnlyFields: cfg.ReadOnlyFields,
		Clock:          clock,
	})
	if cfg.Versions != nil {
		session.versions = NewVersionManager(VersionManagerConfig{
			Store:               cfg.Versions,
			Clock:               clock,
			AutoVersionInterval: timing.AutoVersionInterval,
			Logger:              logger,
		})
	}
	session.autoSaver = NewAutoSaver(AutoSaverConfig{
		Save:           session.persistAutoSave,
		Clock:          clock,
		Debounce:       timing.AutoSaveDebounce,
		Cooldown:       timing.ManualSaveCooldown,
		SavedDisplay:   timing.SavedStatusDisplay,
		ErrorDisplay:   timing.ErrorStatusDisplay,
		RequestTimeout: timing.RequestTimeout,
		Gate:           session.tracker.Stabilized,
		OnStatus: func(status SaveStatus) {
			session.recordTransition(ChannelAuto, status)
		},
		OnSaved: session.afterAutoSave,
		Logger:  logger,
	})
	return session, nil
}

func mergeTiming(timing Timing) Timing {
	defaults := DefaultTiming()
	if timing.HistoryCapacity <= 0 {
		timing.HistoryCapacity = defaults.HistoryCapacity
	}
	timing.HistoryDebounce = durationOrDefault(timing.HistoryDebounce, defaults.HistoryDebounce)
	timing.FetchStabilization = durationOrDefault(timing.FetchStabilization, defaults.FetchStabilization)
	timing.SaveStabilization = durationOrDefault(timing.SaveStabilization, defaults.SaveStabilization)
	timing.AutoSaveDebounce = durationOrDefault(timing.AutoSaveDebounce, defaults.AutoSaveDebounce)
	timing.ManualSaveCooldown = durationOrDefault(timing.ManualSaveCooldown, defaults.ManualSaveCooldown)
	timing.SavedStatusDisplay = durationOrDefault(timing.SavedStatusDisplay, defaults.SavedStatusDisplay)
	timing.ErrorStatusDisplay = durationOrDefault(timing.ErrorStatusDisplay, defaults.ErrorStatusDisplay)
	timing.RequestTimeout = durationOrDefault(timing.RequestTimeout, defaults.RequestTimeout)
	timing.AutoVersionInterval = durationOrDefault(timing.AutoVersionInterval, defaults.AutoVersionInterval)
	return timing
}

// Load fetches the product, re-baselines the form and seeds history.
func (session *Session) Load(ctx context.Context) error {
	record, err := session.store.Fetch(ctx, session.productID)
	if err != nil {
		session.logError(opLoad, reasonFetchFailed, err)
		return failure.New(opLoad, reasonFetchFailed, err)
	}
	session.applyFetchedRecord(record, LabelInitial)
	return nil
}

func (session *Session) applyFetchedRecord(record ProductRecord, label string) {
	values := record.Values.Clone()
	report := session.detector.Evaluate(record, nil)

	session.mu.Lock()
	session.values = values.Clone()
	session.record = record
	session.loaded = true
	session.conflicts = report
	session.mu.Unlock()

	session.autoSaver.Cancel()
	session.tracker.Rebaseline(values, session.timing.FetchStabilization)
	if label == LabelInitial {
		session.history.Reset()
	}
	session.history.Capture(values, label)
	session.history.MarkAsSaved()
}

// RegisterSubForm attaches a secondary editor saved after the main record.
func (session *Session) RegisterSubForm(subForm SubForm) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.subForm = subForm
}

// SetField applies a user edit.
func (session *Session) SetField(field string, value any) error {
	snapshot, err := session.mutate(func(values FormValues) {
		values[field] = cloneValue(value)
	})
	if err != nil {
		return err
	}
	session.tracker.Touch(field)
	session.history.ScheduleCapture(snapshot)
	session.scheduleAutoSave(snapshot)
	return nil
}

// Normalize applies a programmatic change, such as rich-text canonicalization,
// that must not count as a user edit.
func (session *Session) Normalize(field string, value any) error {
	_, err := session.mutate(func(values FormValues) {
		values[field] = cloneValue(value)
	})
	return err
}

func (session *Session) mutate(apply func(FormValues)) (FormValues, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.loaded {
		return nil, ErrSessionNotLoaded
	}
	apply(session.values)
	return session.values.Clone(), nil
}

func (session *Session) scheduleAutoSave(snapshot FormValues) {
	if session.tracker.Dirty(snapshot).Len() == 0 {
		return
	}
	session.autoSaver.Schedule(session.productID, snapshot)
}

// Values returns a copy of the live form values.
func (session *Session) Values() FormValues {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.values.Clone()
}

// DirtyFields returns the fields that differ from the last persisted values.
func (session *Session) DirtyFields() FieldSet {
	return session.tracker.Dirty(session.Values())
}

// Undo restores the previous snapshot into the live form.
func (session *Session) Undo() bool {
	snapshot, ok := session.history.Undo()
	if !ok {
		return false
	}
	session.applySnapshot(snapshot.Values())
	return true
}

// Redo re-applies the next snapshot into the live form.
func (session *Session) Redo() bool {
	snapshot, ok := session.history.Redo()
	if !ok {
		return false
	}
	session.applySnapshot(snapshot.Values())
	return true
}

// applySnapshot swaps the live values under the restoring flag so the swap is not captured as an edit.
func (session *Session) applySnapshot(values FormValues) {
	session.history.BeginRestore()
	session.mu.Lock()
	previous := session.values
	session.values = values.Clone()
	session.mu.Unlock()
	for field := range ComputeDirtyFields(values, previous, nil) {
		session.tracker.Touch(field)
	}
	session.history.EndRestore()
	session.scheduleAutoSave(values)
}

// CanUndo reports whether Undo would move.
func (session *Session) CanUndo() bool { return session.history.CanUndo() }

// CanRedo reports whether Redo would move.
func (session *Session) CanRedo() bool { return session.history.CanRedo() }

// Save runs the manual save sequence. values become the live form before they are
// persisted, so a caller may pass a snapshot taken from Values or an edited copy of one.
// A sub-form failure does not undo the main save; it is returned in SaveResult.SubFormErr
// alongside a nil error.
func (session *Session) Save(ctx context.Context, values FormValues) (SaveResult, error) {
	if err := ValidateForSave(values); err != nil {
		return SaveResult{}, err
	}
	if !session.isLoaded() {
		return SaveResult{}, ErrSessionNotLoaded
	}

	if err := session.autoSaver.LockManual(ctx); err != nil {
		if errors.Is(err, ErrSaveInProgress) {
			return SaveResult{}, err
		}
		session.logError(opManualSave, reasonLockFailed, err)
		return SaveResult{}, failure.New(opManualSave, reasonLockFailed, err)
	}
	defer session.autoSaver.UnlockManual()

	session.adoptSaveValues(values)
	session.setManualStatus(SaveStatusSaving)
	record, err := session.store.Update(ctx, session.productID, values)
	if err != nil {
		session.setManualStatus(SaveStatusError)
		session.scheduleManualRevert(session.timing.ErrorStatusDisplay)
		session.logError(opManualSave, reasonUpdateFailed, err)
		return SaveResult{}, failure.New(opManualSave, reasonUpdateFailed, err)
	}
	result := SaveResult{Record: record}

	session.mu.Lock()
	subForm := session.subForm
	session.record = record
	session.mu.Unlock()
	if subForm != nil && subForm.HasPendingChanges() {
		if subErr := subForm.Save(ctx); subErr != nil {
			session.logError(opManualSave, reasonSubFormFailed, subErr)
			result.SubFormErr = failure.New(opManualSave, reasonSubFormFailed, subErr)
		}
	}

	session.rebaselineAfterSave(values)
	session.history.MarkAsSaved()
	result.CooldownUntil = session.autoSaver.ArmCooldown()
	session.setManualStatus(SaveStatusSaved)
	session.scheduleManualRevert(session.timing.SavedStatusDisplay)

	session.createVersionInBackground(CreateVersionParams{
		ProductID: session.productID,
		Values:    values,
		Trigger:   TriggerManualSave,
	})
	return result, nil
}

func (session *Session) adoptSaveValues(values FormValues) {
	session.mu.Lock()
	if session.values.Equal(values) {
		session.mu.Unlock()
		return
	}
	previous := session.values
	session.values = values.Clone()
	session.mu.Unlock()
	for field := range ComputeDirtyFields(values, previous, nil) {
		session.tracker.Touch(field)
	}
	session.history.ScheduleCapture(values)
}

// rebaselineAfterSave clears dirty state for saved values while keeping later edits dirty.
func (session *Session) rebaselineAfterSave(saved FormValues) {
	current := session.Values()
	session.tracker.Rebaseline(saved, session.timing.SaveStabilization)
	for field := range ComputeDirtyFields(current, saved, nil) {
		session.tracker.Touch(field)
	}
}

func (session *Session) persistAutoSave(ctx context.Context, productID string, values FormValues) error {
	record, err := session.store.Update(ctx, productID, values)
	if err != nil {
		return err
	}
	session.mu.Lock()
	session.record = record
	session.mu.Unlock()
	return nil
}

func (session *Session) afterAutoSave(ctx context.Context, productID string, values FormValues) {
	session.tracker.Commit(values)
	if session.versions == nil {
		return
	}
	versionCtx, cancel := context.WithTimeout(ctx, backgroundVersionTimeout)
	defer cancel()
	if _, _, err := session.versions.CreateAutoVersion(versionCtx, productID, values); err != nil {
		session.logError(opCreateVersion, reasonVersionFailed, err, zap.String("trigger", string(TriggerAutoSave)))
	}
}

func (session *Session) createVersionInBackground(params CreateVersionParams) {
	if session.versions == nil {
		return
	}
	session.background.Add(1)
	go func() {
		defer session.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundVersionTimeout)
		defer cancel()
		if _, err := session.versions.CreateVersion(ctx, params); err != nil {
			session.logError(opCreateVersion, reasonVersionFailed, err, zap.String("trigger", string(params.Trigger)))
		}
	}()
}

// RestoreVersion applies a stored version to the live form and appends a restore version.
// History is never rewritten; the source version is left untouched.
func (session *Session) RestoreVersion(ctx context.Context, versionID string) (ProductVersion, error) {
	if session.versions == nil {
		return ProductVersion{}, failure.New(opRestoreVersion, reasonMissingVersions, errMissingVersionStore)
	}
	if !session.isLoaded() {
		return ProductVersion{}, ErrSessionNotLoaded
	}
	source, err := session.versions.GetVersion(ctx, versionID)
	if err != nil {
		session.logError(opRestoreVersion, reasonVersionLookup, err, zap.String("version_id", versionID))
		return ProductVersion{}, failure.New(opRestoreVersion, reasonVersionLookup, err)
	}
	if source.ProductID != session.productID {
		return ProductVersion{}, failure.New(opRestoreVersion, reasonVersionMismatch, ErrVersionProductMismatch)
	}

	session.history.Flush()
	session.applySnapshot(source.Values)
	session.history.Capture(source.Values, LabelRestoredVersion)

	restored, err := session.versions.RecordRestore(ctx, source)
	if err != nil {
		session.logError(opRestoreVersion, reasonVersionFailed, err, zap.String("version_id", versionID))
		return ProductVersion{}, failure.New(opRestoreVersion, reasonVersionFailed, err)
	}
	return restored, nil
}

// ApproveDraft applies an AI generated value to field and appends an ai_approval version.
func (session *Session) ApproveDraft(ctx context.Context, field string, value any) (ProductVersion, error) {
	if session.versions == nil {
		return ProductVersion{}, failure.New(opApproveDraft, reasonMissingVersions, errMissingVersionStore)
	}
	snapshot, err := session.mutate(func(values FormValues) {
		values[field] = cloneValue(value)
	})
	if err != nil {
		return ProductVersion{}, err
	}
	session.tracker.Touch(field)
	session.history.Capture(snapshot, labelDraftPrefix+field)
	session.scheduleAutoSave(snapshot)

	version, err := session.versions.CreateVersion(ctx, CreateVersionParams{
		ProductID: session.productID,
		Values:    snapshot,
		Trigger:   TriggerAIApproval,
		Metadata:  map[string]any{MetadataApprovedField: field},
	})
	if err != nil {
		session.logError(opApproveDraft, reasonVersionFailed, err, zap.String("field", field))
		return ProductVersion{}, failure.New(opApproveDraft, reasonVersionFailed, err)
	}
	return version, nil
}

// RefreshConflicts re-queries the record store; call it after any resolution action.
func (session *Session) RefreshConflicts(ctx context.Context) (ConflictReport, error) {
	report, err := session.detector.DetectConflicts(ctx, session.productID, session.DirtyFields())
	if err != nil {
		session.logError(opDetectConflict, reasonFetchFailed, err)
		return ConflictReport{}, failure.New(opDetectConflict, reasonFetchFailed, err)
	}
	session.mu.Lock()
	session.conflicts = report
	session.mu.Unlock()
	return report, nil
}

// Conflicts returns the last computed conflict report.
func (session *Session) Conflicts() ConflictReport {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.conflicts
}

// CheckPublishable refuses publishing while a save runs, edits are unsaved or conflicts are open.
func (session *Session) CheckPublishable() error {
	if session.ManualStatus() == SaveStatusSaving || session.autoSaver.Status() == SaveStatusSaving {
		return ErrSaveInProgress
	}
	if dirty := session.DirtyFields(); dirty.Len() > 0 {
		return fmt.Errorf("%w: %v", ErrUnsavedChanges, dirty.Sorted())
	}
	if session.Conflicts().HasConflict {
		return ErrConflictUnresolved
	}
	return nil
}

// AfterPublish refetches the record once the storefront push completed.
func (session *Session) AfterPublish(ctx context.Context) error {
	record, err := session.store.Fetch(ctx, session.productID)
	if err != nil {
		session.logError(opAfterPublish, reasonFetchFailed, err)
		return failure.New(opAfterPublish, reasonFetchFailed, err)
	}
	session.applyFetchedRecord(record, labelPublished)
	return nil
}

// ManualStatus returns the manual channel status.
func (session *Session) ManualStatus() SaveStatus {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.manualStatus
}

// AutoStatus returns the auto-save channel status.
func (session *Session) AutoStatus() SaveStatus {
	return session.autoSaver.Status()
}

// Transitions returns every recorded save status change.
func (session *Session) Transitions() []Transition {
	session.mu.Lock()
	defer session.mu.Unlock()
	return append([]Transition(nil), session.transitions...)
}

// AutoSaveRequests counts auto-save requests issued.
func (session *Session) AutoSaveRequests() int {
	return session.autoSaver.Requests()
}

// CooldownUntil returns the end of the post manual save cooldown.
func (session *Session) CooldownUntil() time.Time {
	return session.autoSaver.CooldownUntil()
}

// History exposes the undo/redo buffer for read access.
func (session *Session) History() *History {
	return session.history
}

// State returns an immutable view of the session.
func (session *Session) State() SessionState {
	values := session.Values()
	dirty := session.tracker.Dirty(values)
	session.mu.Lock()
	conflicts := session.conflicts
	manual := session.manualStatus
	lastSynced := session.record.LastSyncedAt
	session.mu.Unlock()

	return SessionState{
		ProductID:    session.productID,
		Values:       values,
		DirtyFields:  dirty.Sorted(),
		Conflicts:    conflicts,
		SyncState:    RecordState(dirty, conflicts.FieldSet()),
		ManualStatus: manual,
		AutoStatus:   session.autoSaver.Status(),
		CanUndo:      session.history.CanUndo(),
		CanRedo:      session.history.CanRedo(),
		HistoryLen:   session.history.Len(),
		HistoryIndex: session.history.Index(),
		AtSavedState: session.history.AtSavedState(),
		LastSyncedAt: lastSynced,
	}
}

// Wait blocks until background version writes finish.
func (session *Session) Wait() {
	session.background.Wait()
}

// Close stops timers and waits for background work.
func (session *Session) Close() {
	session.autoSaver.Close()
	session.mu.Lock()
	if session.manualRevert != nil {
		session.manualRevert.Stop()
	}
	session.revertGen++
	session.mu.Unlock()
	session.background.Wait()
}

func (session *Session) isLoaded() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.loaded
}

func (session *Session) setManualStatus(status SaveStatus) {
	session.mu.Lock()
	changed := session.manualStatus != status
	session.manualStatus = status
	session.mu.Unlock()
	if changed {
		session.recordTransition(ChannelManual, status)
	}
}

func (session *Session) scheduleManualRevert(delay time.Duration) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.manualRevert != nil {
		session.manualRevert.Stop()
	}
	session.revertGen++
	generation := session.revertGen
	session.manualRevert = session.clock.AfterFunc(delay, func() {
		session.mu.Lock()
		if generation != session.revertGen || session.manualStatus == SaveStatusSaving {
			session.mu.Unlock()
			return
		}
		session.mu.Unlock()
		session.setManualStatus(SaveStatusIdle)
	})
}

func (session *Session) recordTransition(channel SaveChannel, status SaveStatus) {
	transition := Transition{Channel: channel, Status: status, At: session.clock.Now()}
	session.mu.Lock()
	session.transitions = append(session.transitions, transition)
	observer := session.onTransition
	session.mu.Unlock()
	session.logger.Debug("save status transition",
		zap.String("channel", string(channel)),
		zap.String(logFieldStatus, string(status)))
	if observer != nil {
		observer(transition)
	}
}

func (session *Session) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	session.logger.Error("editor session error", attrs...)
}
