package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew          = "studio.service.new"
	opCreateJobs          = "studio.create_jobs"
	opCompleteJob         = "studio.complete_job"
	opMarkJob             = "studio.mark_job"
	opListJobs            = "studio.list_jobs"
	opProgress            = "studio.progress"
	fieldBatchID          = "batch_id"
	fieldJobID            = "job_id"
	queryBatchID          = fieldBatchID + " = ?"
	queryJobID            = fieldJobID + " = ?"
	orderCreatedAsc       = "created_at ASC, job_id ASC"
	reasonMissingDatabase = "missing_database"
	reasonMissingIDs      = "missing_id_provider"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonFinished        = "already_finished"
	reasonIDFailed        = "id_generation_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonInsertFailed    = "insert_failed"
	reasonSaveFailed      = "save_failed"
	reasonQueryFailed     = "query_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig wires the job store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// JobIDs issues job identifiers; BatchIDs issues sortable batch identifiers.
	JobIDs   ids.Provider
	BatchIDs ids.Provider
	Logger   *zap.Logger
}

// Service persists Photo Studio batch jobs.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	jobIDs   ids.Provider
	batchIDs ids.Provider
	logger   *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, failure.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.JobIDs == nil || cfg.BatchIDs == nil {
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
		db:       cfg.Database,
		clock:    clock,
		jobIDs:   cfg.JobIDs,
		batchIDs: cfg.BatchIDs,
		logger:   logger,
	}, nil
}

// CreateJobs inserts one pending job per distinct product under a fresh batch id.
func (service *Service) CreateJobs(ctx context.Context, request CreateJobsRequest) (Batch, error) {
	if _, err := NewAction(string(request.Action)); err != nil {
		return Batch{}, failure.New(opCreateJobs, reasonInvalidInput, err)
	}
	productIDs := distinctProductIDs(request.ProductIDs)
	if len(productIDs) == 0 {
		return Batch{}, failure.New(opCreateJobs, reasonInvalidInput, fmt.Errorf("%w: no products", ErrInvalidBatch))
	}
	settings := request.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	settingsPayload, err := json.Marshal(settings)
	if err != nil {
		service.logError(opCreateJobs, reasonEncodeFailed, err)
		return Batch{}, failure.New(opCreateJobs, reasonEncodeFailed, err)
	}
	batchID, err := service.batchIDs.NewID()
	if err != nil {
		service.logError(opCreateJobs, reasonIDFailed, err)
		return Batch{}, failure.New(opCreateJobs, reasonIDFailed, err)
	}

	now := service.clock().UTC()
	models := make([]Job, 0, len(productIDs))
	for _, productID := range productIDs {
		jobID, err := service.jobIDs.NewID()
		if err != nil {
			service.logError(opCreateJobs, reasonIDFailed, err, zap.String(fieldBatchID, batchID))
			return Batch{}, failure.New(opCreateJobs, reasonIDFailed, err)
		}
		models = append(models, Job{
			JobID:        jobID,
			BatchID:      batchID,
			ProductID:    productID,
			Action:       string(request.Action),
			SettingsJSON: string(settingsPayload),
			Status:       string(JobStatusPending),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := service.db.WithContext(ctx).Create(&models).Error; err != nil {
		service.logError(opCreateJobs, reasonInsertFailed, err, zap.String(fieldBatchID, batchID))
		return Batch{}, failure.New(opCreateJobs, reasonInsertFailed, err)
	}

	batch := Batch{ID: batchID, Jobs: make([]JobView, 0, len(models))}
	for _, model := range models {
		view, err := service.decode(opCreateJobs, model)
		if err != nil {
			return Batch{}, err
		}
		batch.Jobs = append(batch.Jobs, view)
	}
	service.logger.Info("studio batch created",
		zap.String(fieldBatchID, batchID),
		zap.String("action", string(request.Action)),
		zap.Int("jobs", len(models)))
	return batch, nil
}

// CompleteJob records the terminal outcome reported by the processing endpoint.
func (service *Service) CompleteJob(ctx context.Context, jobID string, result JobResult) (JobView, error) {
	if !result.Status.Terminal() {
		return JobView{}, failure.New(opCompleteJob, reasonInvalidInput, fmt.Errorf("%w: status %q", ErrInvalidResult, result.Status))
	}
	return service.transition(ctx, opCompleteJob, jobID, func(job *Job) error {
		if JobStatus(job.Status).Terminal() {
			return failure.New(opCompleteJob, reasonFinished, fmt.Errorf("%w: %s", ErrJobFinished, jobID))
		}
		job.Status = string(result.Status)
		job.ResultURL = result.ResultURL
		job.Error = result.Error
		return nil
	})
}

// markRunning moves a pending job to running once the processing endpoint accepted it.
// A job that already finished (a fast callback) is left alone.
func (service *Service) markRunning(ctx context.Context, jobID string) (JobView, error) {
	return service.transition(ctx, opMarkJob, jobID, func(job *Job) error {
		if JobStatus(job.Status) == JobStatusPending {
			job.Status = string(JobStatusRunning)
		}
		return nil
	})
}

// markFailed records a dispatch failure unless the job already finished.
func (service *Service) markFailed(ctx context.Context, jobID string, reason string) (JobView, error) {
	return service.transition(ctx, opMarkJob, jobID, func(job *Job) error {
		if !JobStatus(job.Status).Terminal() {
			job.Status = string(JobStatusFailed)
			job.Error = reason
		}
		return nil
	})
}

// Jobs lists the jobs of a batch in creation order.
func (service *Service) Jobs(ctx context.Context, batchID string) ([]JobView, error) {
	models, err := service.batchJobs(ctx, opListJobs, batchID)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(models))
	for _, model := range models {
		view, err := service.decode(opListJobs, model)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Progress aggregates job statuses of a batch.
func (service *Service) Progress(ctx context.Context, batchID string) (Progress, error) {
	models, err := service.batchJobs(ctx, opProgress, batchID)
	if err != nil {
		return Progress{}, err
	}
	return aggregate(batchID, models), nil
}

func (service *Service) batchJobs(ctx context.Context, operation string, batchID string) ([]Job, error) {
	var models []Job
	if err := service.db.WithContext(ctx).
		Where(queryBatchID, batchID).
		Order(orderCreatedAsc).
		Find(&models).Error; err != nil {
		service.logError(operation, reasonQueryFailed, err, zap.String(fieldBatchID, batchID))
		return nil, failure.New(operation, reasonQueryFailed, err)
	}
	if len(models) == 0 {
		return nil, failure.New(operation, reasonNotFound, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID))
	}
	return models, nil
}

func (service *Service) transition(ctx context.Context, operation string, jobID string, apply func(*Job) error) (JobView, error) {
	var updated Job
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryJobID, jobID).
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failure.New(operation, reasonNotFound, fmt.Errorf("%w: %s", ErrJobNotFound, jobID))
		}
		if err != nil {
			service.logError(operation, reasonQueryFailed, err, zap.String(fieldJobID, jobID))
			return failure.New(operation, reasonQueryFailed, err)
		}
		if err := apply(&job); err != nil {
			return err
		}
		job.UpdatedAt = service.clock().UTC()
		if err := tx.Save(&job).Error; err != nil {
			service.logError(operation, reasonSaveFailed, err, zap.String(fieldJobID, jobID))
			return failure.New(operation, reasonSaveFailed, err)
		}
		updated = job
		return nil
	})
	if txErr != nil {
		return JobView{}, txErr
	}
	return service.decode(operation, updated)
}

func (service *Service) decode(operation string, model Job) (JobView, error) {
	settings := map[string]any{}
	if model.SettingsJSON != "" {
		if err := json.Unmarshal([]byte(model.SettingsJSON), &settings); err != nil {
			service.logError(operation, reasonDecodeFailed, err, zap.String(fieldJobID, model.JobID))
			return JobView{}, failure.New(operation, reasonDecodeFailed, err)
		}
	}
	return JobView{
		JobID:     model.JobID,
		BatchID:   model.BatchID,
		ProductID: model.ProductID,
		Action:    Action(model.Action),
		Settings:  settings,
		Status:    JobStatus(model.Status),
		ResultURL: model.ResultURL,
		Error:     model.Error,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

func distinctProductIDs(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	productIDs := make([]string, 0, len(raw))
	for _, value := range raw {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		productIDs = append(productIDs, trimmed)
	}
	return productIDs
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
	service.logger.Error("studio service error", attrs...)
}
