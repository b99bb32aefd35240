package editor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SaveStatus is the user visible state of one save channel.
type SaveStatus string

const (
	SaveStatusIdle   SaveStatus = "idle"
	SaveStatusSaving SaveStatus = "saving"
	SaveStatusSaved  SaveStatus = "saved"
	SaveStatusError  SaveStatus = "error"
)

const (
	defaultAutoSaveDebounce    = 5 * time.Second
	defaultManualSaveCooldown  = 15 * time.Second
	defaultSavedStatusDisplay  = 3 * time.Second
	defaultErrorStatusDisplay  = 5 * time.Second
	defaultSaveRequestTimeout  = 10 * time.Second
	opAutoSave                 = "editor.auto_save"
	reasonAutoSaveFailed       = "save_failed"
	skipReasonManualSave       = "manual_save_in_flight"
	skipReasonCooldown         = "manual_save_cooldown"
	skipReasonNotStabilized    = "not_stabilized"
	skipReasonClosed           = "closed"
	logFieldProductID          = "product_id"
	logFieldStatus             = "status"
	logFieldSkipReason         = "skip_reason"
	logMessageAutoSaveStatus   = "auto-save status changed"
	logMessageAutoSaveSkipped  = "auto-save schedule skipped"
	logMessageAutoSaveFailure  = "auto-save failed"
	logMessageAutoSaveCoalesce = "auto-save queued behind in-flight request"
)

var errAutoSaverClosed = errors.New("editor: auto-saver closed")

// SaveFunc persists a product's form values.
type SaveFunc func(ctx context.Context, productID string, values FormValues) error

// AutoSaverConfig wires the auto-save scheduler.
type AutoSaverConfig struct {
	Save           SaveFunc
	Clock          Clock
	Debounce       time.Duration
	Cooldown       time.Duration
	SavedDisplay   time.Duration
	ErrorDisplay   time.Duration
	RequestTimeout time.Duration
	// Gate must report true before any save is scheduled; typically the dirty tracker's stabilization.
	Gate func() bool
	// OnStatus receives every status transition in order.
	OnStatus func(SaveStatus)
	// OnSaved runs after each successful request with the payload that was persisted.
	OnSaved func(ctx context.Context, productID string, values FormValues)
	Logger  *zap.Logger
}

// AutoSaver debounces background saves and keeps them out of the way of manual saves.
type AutoSaver struct {
	mu             sync.Mutex
	save           SaveFunc
	clock          Clock
	debounce       time.Duration
	cooldown       time.Duration
	savedDisplay   time.Duration
	errorDisplay   time.Duration
	requestTimeout time.Duration
	gate           func() bool
	onStatus       func(SaveStatus)
	onSaved        func(ctx context.Context, productID string, values FormValues)
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	status           SaveStatus
	notifications    []SaveStatus
	timer            Timer
	generation       uint64
	revertTimer      Timer
	revertGeneration uint64
	pendingID        string
	pending          FormValues
	inFlight         bool
	drained          chan struct{}
	queued           bool
	manualLock       bool
	cooldownUntil    time.Time
	closed           bool
	requests         int
}

// NewAutoSaver constructs an idle scheduler.
func NewAutoSaver(cfg AutoSaverConfig) *AutoSaver {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AutoSaver{
		save:           cfg.Save,
		clock:          clock,
		debounce:       durationOrDefault(cfg.Debounce, defaultAutoSaveDebounce),
		cooldown:       durationOrDefault(cfg.Cooldown, defaultManualSaveCooldown),
		savedDisplay:   durationOrDefault(cfg.SavedDisplay, defaultSavedStatusDisplay),
		errorDisplay:   durationOrDefault(cfg.ErrorDisplay, defaultErrorStatusDisplay),
		requestTimeout: durationOrDefault(cfg.RequestTimeout, defaultSaveRequestTimeout),
		gate:           cfg.Gate,
		onStatus:       cfg.OnStatus,
		onSaved:        cfg.OnSaved,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		status:         SaveStatusIdle,
	}
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Schedule queues payload to be saved after the debounce window. It returns false,
// without error, when a manual save holds the lock, the post-save cooldown is active,
// or the form has not stabilized yet.
func (saver *AutoSaver) Schedule(productID string, payload FormValues) bool {
	saver.mu.Lock()
	defer saver.unlockAndNotify()

	if skipReason := saver.refusalLocked(); skipReason != "" {
		saver.logger.Debug(logMessageAutoSaveSkipped,
			zap.String(logFieldProductID, productID),
			zap.String(logFieldSkipReason, skipReason))
		return false
	}

	saver.pendingID = productID
	saver.pending = payload.Clone()
	if saver.timer != nil {
		saver.timer.Stop()
	}
	saver.generation++
	generation := saver.generation
	saver.timer = saver.clock.AfterFunc(saver.debounce, func() {
		saver.fire(generation)
	})
	return true
}

func (saver *AutoSaver) refusalLocked() string {
	switch {
	case saver.closed:
		return skipReasonClosed
	case saver.manualLock:
		return skipReasonManualSave
	case saver.clock.Now().Before(saver.cooldownUntil):
		return skipReasonCooldown
	case saver.gate != nil && !saver.gate():
		return skipReasonNotStabilized
	default:
		return ""
	}
}

func (saver *AutoSaver) fire(generation uint64) {
	saver.mu.Lock()
	if generation != saver.generation {
		saver.unlockAndNotify()
		return
	}
	saver.timer = nil
	if saver.manualLock || saver.closed || saver.clock.Now().Before(saver.cooldownUntil) {
		saver.pending = nil
		saver.unlockAndNotify()
		return
	}
	if saver.inFlight {
		saver.queued = true
		saver.logger.Debug(logMessageAutoSaveCoalesce, zap.String(logFieldProductID, saver.pendingID))
		saver.unlockAndNotify()
		return
	}
	saver.runLocked()
	saver.unlockAndNotify()
}

// runLocked drains pending payloads one request at a time. It is entered and left with mu held.
func (saver *AutoSaver) runLocked() {
	for saver.pending != nil {
		productID := saver.pendingID
		payload := saver.pending
		saver.pending = nil
		saver.queued = false
		saver.inFlight = true
		saver.drained = make(chan struct{})
		saver.requests++
		saver.wg.Add(1)
		saver.setStatusLocked(SaveStatusSaving)
		baseCtx := saver.ctx
		saver.unlockAndNotify()

		requestCtx, cancel := context.WithTimeout(baseCtx, saver.requestTimeout)
		err := saver.invokeSave(requestCtx, productID, payload)
		cancel()
		if err == nil && saver.onSaved != nil {
			saver.onSaved(baseCtx, productID, payload)
		}

		saver.mu.Lock()
		saver.inFlight = false
		close(saver.drained)
		saver.drained = nil
		saver.wg.Done()
		if err != nil {
			saver.logger.Warn(logMessageAutoSaveFailure,
				zap.String("operation", opAutoSave),
				zap.String("reason", reasonAutoSaveFailed),
				zap.String(logFieldProductID, productID),
				zap.Error(err))
			saver.setStatusLocked(SaveStatusError)
			saver.scheduleRevertLocked(saver.errorDisplay)
		} else {
			saver.setStatusLocked(SaveStatusSaved)
			saver.scheduleRevertLocked(saver.savedDisplay)
		}

		if !saver.queued || saver.manualLock || saver.closed || saver.clock.Now().Before(saver.cooldownUntil) {
			saver.queued = false
			return
		}
	}
}

func (saver *AutoSaver) invokeSave(ctx context.Context, productID string, payload FormValues) error {
	if saver.save == nil {
		return nil
	}
	return saver.save(ctx, productID, payload)
}

func (saver *AutoSaver) scheduleRevertLocked(delay time.Duration) {
	if saver.revertTimer != nil {
		saver.revertTimer.Stop()
	}
	saver.revertGeneration++
	generation := saver.revertGeneration
	saver.revertTimer = saver.clock.AfterFunc(delay, func() {
		saver.mu.Lock()
		defer saver.unlockAndNotify()
		if generation != saver.revertGeneration || saver.status == SaveStatusSaving {
			return
		}
		saver.revertTimer = nil
		saver.setStatusLocked(SaveStatusIdle)
	})
}

func (saver *AutoSaver) setStatusLocked(status SaveStatus) {
	if saver.status == status {
		return
	}
	saver.status = status
	saver.notifications = append(saver.notifications, status)
	saver.logger.Debug(logMessageAutoSaveStatus, zap.String(logFieldStatus, string(status)))
}

func (saver *AutoSaver) unlockAndNotify() {
	notifications := saver.notifications
	saver.notifications = nil
	saver.mu.Unlock()
	if saver.onStatus == nil {
		return
	}
	for _, status := range notifications {
		saver.onStatus(status)
	}
}

// Cancel drops the pending debounced save. A request already sent is left to finish.
func (saver *AutoSaver) Cancel() {
	saver.mu.Lock()
	defer saver.unlockAndNotify()
	saver.cancelLocked()
}

func (saver *AutoSaver) cancelLocked() {
	saver.generation++
	if saver.timer != nil {
		saver.timer.Stop()
		saver.timer = nil
	}
	saver.pending = nil
	saver.queued = false
}

// LockManual blocks auto-save for the duration of a manual save, cancels any pending
// timer and waits for an in-flight auto-save request to finish.
func (saver *AutoSaver) LockManual(ctx context.Context) error {
	saver.mu.Lock()
	if saver.closed {
		saver.unlockAndNotify()
		return errAutoSaverClosed
	}
	if saver.manualLock {
		saver.unlockAndNotify()
		return ErrSaveInProgress
	}
	saver.manualLock = true
	saver.cancelLocked()
	drained := saver.drained
	saver.unlockAndNotify()

	if drained == nil {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		saver.UnlockManual()
		return ctx.Err()
	}
}

// UnlockManual releases the manual-save lock.
func (saver *AutoSaver) UnlockManual() {
	saver.mu.Lock()
	defer saver.unlockAndNotify()
	saver.manualLock = false
}

// ArmCooldown suppresses auto-save for the cooldown window starting now.
func (saver *AutoSaver) ArmCooldown() time.Time {
	saver.mu.Lock()
	defer saver.unlockAndNotify()
	saver.cooldownUntil = saver.clock.Now().Add(saver.cooldown)
	return saver.cooldownUntil
}

// CooldownUntil returns the end of the current cooldown window.
func (saver *AutoSaver) CooldownUntil() time.Time {
	saver.mu.Lock()
	defer saver.unlockAndNotify()
	return saver.cooldownUntil
}

// ManualLocked reports whether a manual save holds the lock.
func (saver *AutoSaver) ManualLocked() bool {
	saver.mu.Lock()
	defer saver.unlockAndNotify()
	return saver.manualLock
}

// Status returns the current auto-save status.
func (saver *AutoSaver) Status() SaveStatus {
	saver.mu.Lock()
	defer saver.unlockAndNotify()
	return saver.status
}

// Pending reports whether a debounced save is waiting for its timer.
func (saver *AutoSaver) Pending() bool {
	saver.mu.Lock()
	defer saver.unlockAndNotify()
	return saver.pending != nil
}

// Requests counts save requests issued so far.
func (saver *AutoSaver) Requests() int {
	saver.mu.Lock()
	defer saver.unlockAndNotify()
	return saver.requests
}

// Close stops all timers, cancels the base context of in-flight requests and waits for them.
func (saver *AutoSaver) Close() {
	saver.mu.Lock()
	saver.closed = true
	saver.cancelLocked()
	if saver.revertTimer != nil {
		saver.revertTimer.Stop()
		saver.revertTimer = nil
	}
	saver.revertGeneration++
	saver.unlockAndNotify()
	saver.cancel()
	saver.wg.Wait()
}
