package products

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew          = "products.service.new"
	opCreate              = "products.create"
	opFetch               = "products.fetch"
	opUpdate              = "products.update"
	opMarkSynced          = "products.mark_synced"
	opRecordRemoteChange  = "products.record_remote_change"
	opList                = "products.list"
	fieldProductID        = "product_id"
	queryProductID        = fieldProductID + " = ?"
	orderUpdatedDesc      = "updated_at DESC"
	reasonMissingDatabase = "missing_database"
	reasonMissingIDs      = "missing_id_provider"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonConflict        = "already_exists"
	reasonSelectFailed    = "select_failed"
	reasonSaveFailed      = "save_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonQueryFailed     = "query_failed"
	defaultListLimit      = 200
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig wires the product record store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service persists product records and their sync bookkeeping.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, failure.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, failure.New(opServiceNew, reasonMissingIDs, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create inserts a new product whose remote side is still empty.
func (service *Service) Create(ctx context.Context, request CreateRequest) (Record, error) {
	productID := request.ProductID
	if productID == "" {
		generated, err := service.idProvider.NewID()
		if err != nil {
			service.logError(opCreate, reasonIDFailed, err)
			return Record{}, failure.New(opCreate, reasonIDFailed, err)
		}
		productID = ProductID(generated)
	}
	productID, err := NewProductID(productID.String())
	if err != nil {
		return Record{}, failure.New(opCreate, reasonInvalidInput, err)
	}
	if request.StoreID == "" || len(request.StoreID) > maxIdentifierLength {
		return Record{}, failure.New(opCreate, reasonInvalidInput, ErrInvalidStoreID)
	}
	if _, err := NewPlatform(string(request.Platform)); err != nil {
		return Record{}, failure.New(opCreate, reasonInvalidInput, err)
	}

	formData := request.FormData
	if formData == nil {
		formData = editor.FormValues{}
	}
	now := service.clock().UTC()
	model := Product{
		ProductID:           productID.String(),
		StoreID:             request.StoreID,
		Platform:            string(request.Platform),
		RemoteDataJSON:      "{}",
		PulledChecksumsJSON: "{}",
		RemoteChecksumsJSON: "{}",
		CreatedAt:           now,
		UpdatedAt:           now,
		Revision:            1,
	}
	if err := encodeFormState(&model, formData, editor.FormValues{}); err != nil {
		service.logError(opCreate, reasonEncodeFailed, err, zap.String(fieldProductID, productID.String()))
		return Record{}, failure.New(opCreate, reasonEncodeFailed, err)
	}

	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Product{}).Where(queryProductID, model.ProductID).Count(&count).Error; err != nil {
			service.logError(opCreate, reasonSelectFailed, err, zap.String(fieldProductID, model.ProductID))
			return failure.New(opCreate, reasonSelectFailed, err)
		}
		if count > 0 {
			return failure.New(opCreate, reasonConflict, fmt.Errorf("%w: %s", ErrProductExists, model.ProductID))
		}
		if err := tx.Create(&model).Error; err != nil {
			service.logError(opCreate, reasonSaveFailed, err, zap.String(fieldProductID, model.ProductID))
			return failure.New(opCreate, reasonSaveFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return service.decode(opCreate, model)
}

// Fetch loads a product record.
func (service *Service) Fetch(ctx context.Context, productID ProductID) (Record, error) {
	var model Product
	err := service.db.WithContext(ctx).Where(queryProductID, productID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, failure.New(opFetch, reasonNotFound, fmt.Errorf("%w: %s", ErrProductNotFound, productID))
	}
	if err != nil {
		service.logError(opFetch, reasonSelectFailed, err, zap.String(fieldProductID, productID.String()))
		return Record{}, failure.New(opFetch, reasonSelectFailed, err)
	}
	return service.decode(opFetch, model)
}

// Update stores new form data and recomputes the dirty field list against the remote values.
func (service *Service) Update(ctx context.Context, productID ProductID, formData editor.FormValues) (Record, error) {
	if formData == nil {
		formData = editor.FormValues{}
	}
	return service.mutate(ctx, opUpdate, productID, func(model *Product, record Record) error {
		if err := encodeFormState(model, formData, record.RemoteData); err != nil {
			service.logError(opUpdate, reasonEncodeFailed, err, zap.String(fieldProductID, productID.String()))
			return failure.New(opUpdate, reasonEncodeFailed, err)
		}
		return nil
	})
}

// MarkSynced records a completed pull or push. Afterwards the local and remote sides agree,
// the pulled and remote checksums match and no field is dirty.
func (service *Service) MarkSynced(ctx context.Context, productID ProductID, request SyncRequest) (Record, error) {
	switch request.Direction {
	case SyncDirectionPull:
		if request.RemoteData == nil {
			return Record{}, failure.New(opMarkSynced, reasonInvalidInput, fmt.Errorf("%w: pull without remote data", ErrInvalidSyncRequest))
		}
	case SyncDirectionPush:
	default:
		return Record{}, failure.New(opMarkSynced, reasonInvalidInput, fmt.Errorf("%w: direction %q", ErrInvalidSyncRequest, request.Direction))
	}

	return service.mutate(ctx, opMarkSynced, productID, func(model *Product, record Record) error {
		synced := record.FormData
		if request.Direction == SyncDirectionPull {
			synced = request.RemoteData
		}
		syncedAt := request.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = service.clock()
		}
		checksums, err := FieldChecksums(synced)
		if err != nil {
			service.logError(opMarkSynced, reasonEncodeFailed, err, zap.String(fieldProductID, productID.String()))
			return failure.New(opMarkSynced, reasonEncodeFailed, err)
		}
		remoteJSON, err := encodeJSON(synced)
		if err != nil {
			return failure.New(opMarkSynced, reasonEncodeFailed, err)
		}
		checksumJSON, err := encodeJSON(checksums)
		if err != nil {
			return failure.New(opMarkSynced, reasonEncodeFailed, err)
		}
		if err := encodeFormState(model, synced, synced); err != nil {
			return failure.New(opMarkSynced, reasonEncodeFailed, err)
		}
		model.RemoteDataJSON = remoteJSON
		model.PulledChecksumsJSON = checksumJSON
		model.RemoteChecksumsJSON = checksumJSON
		model.LastSyncedAt = syncedAt.UTC()
		model.RemoteUpdatedAt = syncedAt.UTC()
		return nil
	})
}

// RecordRemoteChange stores the fingerprints a storefront reported for changed fields.
// Form data is left alone; the difference against the pulled checksums is what the
// conflict detector reports.
func (service *Service) RecordRemoteChange(ctx context.Context, productID ProductID, change RemoteChange) (Record, error) {
	return service.mutate(ctx, opRecordRemoteChange, productID, func(model *Product, record Record) error {
		checksums := record.RemoteChecksums
		for field, value := range change.Fields {
			checksum, err := FieldChecksum(value)
			if err != nil {
				service.logError(opRecordRemoteChange, reasonEncodeFailed, err,
					zap.String(fieldProductID, productID.String()),
					zap.String("field", field))
				return failure.New(opRecordRemoteChange, reasonEncodeFailed, err)
			}
			checksums[field] = checksum
		}
		checksumJSON, err := encodeJSON(checksums)
		if err != nil {
			return failure.New(opRecordRemoteChange, reasonEncodeFailed, err)
		}
		changedAt := change.ChangedAt
		if changedAt.IsZero() {
			changedAt = service.clock()
		}
		model.RemoteChecksumsJSON = checksumJSON
		if changedAt.After(model.RemoteUpdatedAt) {
			model.RemoteUpdatedAt = changedAt.UTC()
		}
		return nil
	})
}

// List returns products ordered by most recent update.
func (service *Service) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := service.db.WithContext(ctx).Order(orderUpdatedDesc).Limit(limit)
	if filter.StoreID != "" {
		query = query.Where("store_id = ?", filter.StoreID)
	}
	if filter.DirtyOnly {
		query = query.Where("dirty_fields <> ?", "[]")
	}
	var models []Product
	if err := query.Find(&models).Error; err != nil {
		service.logError(opList, reasonQueryFailed, err, zap.String("store_id", filter.StoreID))
		return nil, failure.New(opList, reasonQueryFailed, err)
	}
	records := make([]Record, 0, len(models))
	for _, model := range models {
		record, err := service.decode(opList, model)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// mutate locks the row, applies change and bumps the revision in one transaction.
func (service *Service) mutate(ctx context.Context, operation string, productID ProductID, change func(*Product, Record) error) (Record, error) {
	if _, err := NewProductID(productID.String()); err != nil {
		return Record{}, failure.New(operation, reasonInvalidInput, err)
	}
	var updated Product
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model Product
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryProductID, productID.String()).
			Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failure.New(operation, reasonNotFound, fmt.Errorf("%w: %s", ErrProductNotFound, productID))
		}
		if err != nil {
			service.logError(operation, reasonSelectFailed, err, zap.String(fieldProductID, productID.String()))
			return failure.New(operation, reasonSelectFailed, err)
		}
		record, err := decodeProduct(model)
		if err != nil {
			service.logError(operation, reasonDecodeFailed, err, zap.String(fieldProductID, productID.String()))
			return failure.New(operation, reasonDecodeFailed, err)
		}
		if err := change(&model, record); err != nil {
			return err
		}
		model.Revision++
		model.UpdatedAt = service.clock().UTC()
		if err := tx.Save(&model).Error; err != nil {
			service.logError(operation, reasonSaveFailed, err, zap.String(fieldProductID, productID.String()))
			return failure.New(operation, reasonSaveFailed, err)
		}
		updated = model
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return service.decode(operation, updated)
}

func (service *Service) decode(operation string, model Product) (Record, error) {
	record, err := decodeProduct(model)
	if err != nil {
		service.logError(operation, reasonDecodeFailed, err, zap.String(fieldProductID, model.ProductID))
		return Record{}, failure.New(operation, reasonDecodeFailed, err)
	}
	return record, nil
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.logger.Error("products service error", attrs...)
}
