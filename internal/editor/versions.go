package editor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// TriggerType records why a durable version was written.
type TriggerType string

const (
	TriggerAutoSave   TriggerType = "auto_save"
	TriggerManualSave TriggerType = "manual_save"
	TriggerAIApproval TriggerType = "ai_approval"
	TriggerRestore    TriggerType = "restore"
)

const (
	defaultAutoVersionInterval = 5 * time.Minute

	// MetadataRestoredFromID names the source version of a restore.
	MetadataRestoredFromID = "restored_from_version_id"
	// MetadataRestoredFromNumber carries the source version number of a restore.
	MetadataRestoredFromNumber = "restored_from_version_number"
	// MetadataApprovedField names the field an approved AI draft was applied to.
	MetadataApprovedField = "approved_field"
)

// ErrVersionProductMismatch indicates a restore of a version belonging to another product.
var ErrVersionProductMismatch = errors.New("editor: version belongs to another product")

// Valid reports whether the trigger is one of the known kinds.
func (trigger TriggerType) Valid() bool {
	switch trigger {
	case TriggerAutoSave, TriggerManualSave, TriggerAIApproval, TriggerRestore:
		return true
	default:
		return false
	}
}

// ProductVersion is a durable snapshot used for audit and rollback.
type ProductVersion struct {
	ID        string
	ProductID string
	Number    int64
	Values    FormValues
	Trigger   TriggerType
	Metadata  map[string]any
	CreatedAt time.Time
}

// CreateVersionParams describes a version to append.
type CreateVersionParams struct {
	ProductID string
	Values    FormValues
	Trigger   TriggerType
	Metadata  map[string]any
}

// VersionStore is the append-only version table.
type VersionStore interface {
	Create(ctx context.Context, params CreateVersionParams) (ProductVersion, error)
	Get(ctx context.Context, versionID string) (ProductVersion, error)
	// Latest returns the newest version of the product; the boolean is false when none exists.
	Latest(ctx context.Context, productID string) (ProductVersion, bool, error)
}

// VersionManagerConfig wires the manager.
type VersionManagerConfig struct {
	Store               VersionStore
	Clock               Clock
	AutoVersionInterval time.Duration
	Logger              *zap.Logger
}

// VersionManager rate limits automatic versions on top of a VersionStore.
type VersionManager struct {
	store        VersionStore
	clock        Clock
	autoInterval time.Duration
	logger       *zap.Logger
}

// NewVersionManager constructs a manager.
func NewVersionManager(cfg VersionManagerConfig) *VersionManager {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VersionManager{
		store:        cfg.Store,
		clock:        clock,
		autoInterval: durationOrDefault(cfg.AutoVersionInterval, defaultAutoVersionInterval),
		logger:       logger,
	}
}

// CreateVersion appends a version.
func (manager *VersionManager) CreateVersion(ctx context.Context, params CreateVersionParams) (ProductVersion, error) {
	return manager.store.Create(ctx, params)
}

// GetVersion loads a version by id.
func (manager *VersionManager) GetVersion(ctx context.Context, versionID string) (ProductVersion, error) {
	return manager.store.Get(ctx, versionID)
}

// CanCreateAutoVersion reports whether the newest version of any trigger is older than the interval.
func (manager *VersionManager) CanCreateAutoVersion(ctx context.Context, productID string) (bool, error) {
	latest, found, err := manager.store.Latest(ctx, productID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return manager.clock.Now().Sub(latest.CreatedAt) >= manager.autoInterval, nil
}

// CreateAutoVersion appends an auto_save version when the rate limit allows it.
// The boolean reports whether a version was written.
func (manager *VersionManager) CreateAutoVersion(ctx context.Context, productID string, values FormValues) (ProductVersion, bool, error) {
	allowed, err := manager.CanCreateAutoVersion(ctx, productID)
	if err != nil || !allowed {
		return ProductVersion{}, false, err
	}
	version, err := manager.store.Create(ctx, CreateVersionParams{
		ProductID: productID,
		Values:    values,
		Trigger:   TriggerAutoSave,
	})
	if err != nil {
		return ProductVersion{}, false, err
	}
	return version, true, nil
}

// RecordRestore appends a restore version pointing at source.
func (manager *VersionManager) RecordRestore(ctx context.Context, source ProductVersion) (ProductVersion, error) {
	return manager.store.Create(ctx, CreateVersionParams{
		ProductID: source.ProductID,
		Values:    source.Values,
		Trigger:   TriggerRestore,
		Metadata: map[string]any{
			MetadataRestoredFromID:     source.ID,
			MetadataRestoredFromNumber: source.Number,
		},
	})
}
