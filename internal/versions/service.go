package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew          = "versions.service.new"
	opCreate              = "versions.create"
	opGet                 = "versions.get"
	opGetByNumber         = "versions.get_by_number"
	opLatest              = "versions.latest"
	opList                = "versions.list"
	opDiff                = "versions.diff"
	fieldProductID        = "product_id"
	fieldVersionID        = "version_id"
	columnLastNumber      = "last_number"
	queryProductID        = fieldProductID + " = ?"
	queryVersionID        = fieldVersionID + " = ?"
	queryProductNumber    = fieldProductID + " = ? AND version_number = ?"
	orderNumberDesc       = "version_number DESC"
	reasonMissingDatabase = "missing_database"
	reasonMissingIDs      = "missing_id_provider"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonCounterFailed   = "counter_failed"
	reasonInsertFailed    = "insert_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonQueryFailed     = "query_failed"
	defaultListLimit      = 100
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig wires the version store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

var _ editor.VersionStore = (*Service)(nil)

// Service is the append-only product version store.
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

// Create appends a version numbered one past the product's highest number. The counter
// row is bumped inside the insert transaction, so concurrent creators never share a number.
func (service *Service) Create(ctx context.Context, params editor.CreateVersionParams) (editor.ProductVersion, error) {
	productID := strings.TrimSpace(params.ProductID)
	if productID == "" {
		return editor.ProductVersion{}, failure.New(opCreate, reasonInvalidInput, ErrInvalidProductID)
	}
	if !params.Trigger.Valid() {
		return editor.ProductVersion{}, failure.New(opCreate, reasonInvalidInput, fmt.Errorf("%w: %q", ErrInvalidTrigger, params.Trigger))
	}
	formJSON, err := encodeJSON(params.Values, "{}")
	if err != nil {
		service.logError(opCreate, reasonEncodeFailed, err, zap.String(fieldProductID, productID))
		return editor.ProductVersion{}, failure.New(opCreate, reasonEncodeFailed, err)
	}
	metadataJSON, err := encodeJSON(params.Metadata, "{}")
	if err != nil {
		service.logError(opCreate, reasonEncodeFailed, err, zap.String(fieldProductID, productID))
		return editor.ProductVersion{}, failure.New(opCreate, reasonEncodeFailed, err)
	}
	versionID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opCreate, reasonIDFailed, err, zap.String(fieldProductID, productID))
		return editor.ProductVersion{}, failure.New(opCreate, reasonIDFailed, err)
	}

	model := Version{
		VersionID:    versionID,
		ProductID:    productID,
		FormDataJSON: formJSON,
		TriggerType:  string(params.Trigger),
		MetadataJSON: metadataJSON,
		CreatedAt:    service.clock().UTC(),
	}
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := nextNumber(tx, productID)
		if err != nil {
			service.logError(opCreate, reasonCounterFailed, err, zap.String(fieldProductID, productID))
			return failure.New(opCreate, reasonCounterFailed, err)
		}
		model.VersionNumber = number
		if err := tx.Create(&model).Error; err != nil {
			service.logError(opCreate, reasonInsertFailed, err,
				zap.String(fieldProductID, productID),
				zap.Int64("version_number", number))
			return failure.New(opCreate, reasonInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return editor.ProductVersion{}, txErr
	}
	service.logger.Info("product version created",
		zap.String(fieldProductID, productID),
		zap.String(fieldVersionID, versionID),
		zap.Int64("version_number", model.VersionNumber),
		zap.String("trigger_type", model.TriggerType))
	return service.decode(opCreate, model)
}

func nextNumber(tx *gorm.DB, productID string) (int64, error) {
	counter := Counter{ProductID: productID, LastNumber: 1}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: fieldProductID}},
		DoUpdates: clause.Assignments(map[string]any{
			columnLastNumber: gorm.Expr(columnLastNumber + " + 1"),
		}),
	}).Create(&counter).Error
	if err != nil {
		return 0, err
	}
	var stored Counter
	if err := tx.Where(queryProductID, productID).Take(&stored).Error; err != nil {
		return 0, err
	}
	return stored.LastNumber, nil
}

// Get loads a version by id.
func (service *Service) Get(ctx context.Context, versionID string) (editor.ProductVersion, error) {
	return service.take(opGet, service.db.WithContext(ctx).Where(queryVersionID, versionID),
		zap.String(fieldVersionID, versionID))
}

// GetByNumber loads a version by its per-product number.
func (service *Service) GetByNumber(ctx context.Context, productID string, number int64) (editor.ProductVersion, error) {
	return service.take(opGetByNumber, service.db.WithContext(ctx).Where(queryProductNumber, productID, number),
		zap.String(fieldProductID, productID), zap.Int64("version_number", number))
}

// Latest returns the highest numbered version; the boolean is false when the product has none.
func (service *Service) Latest(ctx context.Context, productID string) (editor.ProductVersion, bool, error) {
	var model Version
	err := service.db.WithContext(ctx).
		Where(queryProductID, productID).
		Order(orderNumberDesc).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return editor.ProductVersion{}, false, nil
	}
	if err != nil {
		service.logError(opLatest, reasonQueryFailed, err, zap.String(fieldProductID, productID))
		return editor.ProductVersion{}, false, failure.New(opLatest, reasonQueryFailed, err)
	}
	version, err := service.decode(opLatest, model)
	if err != nil {
		return editor.ProductVersion{}, false, err
	}
	return version, true, nil
}

// List returns the product's versions, newest first.
func (service *Service) List(ctx context.Context, productID string, limit int) ([]editor.ProductVersion, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var models []Version
	if err := service.db.WithContext(ctx).
		Where(queryProductID, productID).
		Order(orderNumberDesc).
		Limit(limit).
		Find(&models).Error; err != nil {
		service.logError(opList, reasonQueryFailed, err, zap.String(fieldProductID, productID))
		return nil, failure.New(opList, reasonQueryFailed, err)
	}
	versions := make([]editor.ProductVersion, 0, len(models))
	for _, model := range models {
		version, err := service.decode(opList, model)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, nil
}

// Diff compares two versions of a product by number.
func (service *Service) Diff(ctx context.Context, productID string, fromNumber, toNumber int64) (Comparison, error) {
	if fromNumber <= 0 || toNumber <= 0 {
		return Comparison{}, failure.New(opDiff, reasonInvalidInput, fmt.Errorf("%w: numbers %d and %d", ErrVersionNotFound, fromNumber, toNumber))
	}
	from, err := service.GetByNumber(ctx, productID, fromNumber)
	if err != nil {
		return Comparison{}, err
	}
	to, err := service.GetByNumber(ctx, productID, toNumber)
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{
		ProductID:  productID,
		FromNumber: fromNumber,
		ToNumber:   toNumber,
		Fields:     CompareValues(from.Values, to.Values),
	}, nil
}

func (service *Service) take(operation string, query *gorm.DB, fields ...zap.Field) (editor.ProductVersion, error) {
	var model Version
	err := query.Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return editor.ProductVersion{}, failure.New(operation, reasonNotFound, ErrVersionNotFound)
	}
	if err != nil {
		service.logError(operation, reasonQueryFailed, err, fields...)
		return editor.ProductVersion{}, failure.New(operation, reasonQueryFailed, err)
	}
	return service.decode(operation, model)
}

func (service *Service) decode(operation string, model Version) (editor.ProductVersion, error) {
	values := editor.FormValues{}
	if err := json.Unmarshal([]byte(model.FormDataJSON), &values); err != nil {
		service.logError(operation, reasonDecodeFailed, err, zap.String(fieldVersionID, model.VersionID))
		return editor.ProductVersion{}, failure.New(operation, reasonDecodeFailed, err)
	}
	metadata := map[string]any{}
	if err := json.Unmarshal([]byte(model.MetadataJSON), &metadata); err != nil {
		service.logError(operation, reasonDecodeFailed, err, zap.String(fieldVersionID, model.VersionID))
		return editor.ProductVersion{}, failure.New(operation, reasonDecodeFailed, err)
	}
	return editor.ProductVersion{
		ID:        model.VersionID,
		ProductID: model.ProductID,
		Number:    model.VersionNumber,
		Values:    values,
		Trigger:   editor.TriggerType(model.TriggerType),
		Metadata:  metadata,
		CreatedAt: model.CreatedAt,
	}, nil
}

func encodeJSON(value any, empty string) (string, error) {
	switch typed := value.(type) {
	case editor.FormValues:
		if typed == nil {
			return empty, nil
		}
	case map[string]any:
		if typed == nil {
			return empty, nil
		}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(payload), nil
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
	service.logger.Error("versions service error", attrs...)
}
