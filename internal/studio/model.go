package studio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrBatchNotFound indicates that no job carries the batch identifier.
	ErrBatchNotFound = errors.New("studio: batch not found")
	// ErrJobNotFound indicates that no job matches the identifier.
	ErrJobNotFound = errors.New("studio: job not found")
	// ErrJobFinished indicates a result reported for a job that already reached a terminal status.
	ErrJobFinished = errors.New("studio: job already finished")
	// ErrInvalidAction indicates an unsupported studio action.
	ErrInvalidAction = errors.New("studio: invalid action")
	// ErrInvalidBatch indicates a batch request without products.
	ErrInvalidBatch = errors.New("studio: invalid batch request")
	// ErrInvalidResult indicates a job result that is not terminal.
	ErrInvalidResult = errors.New("studio: invalid job result")
)

// Action names the processing a job asks for.
type Action string

const (
	ActionSceneGeneration   Action = "scene_generation"
	ActionBackgroundRemoval Action = "background_removal"
	ActionEnhance           Action = "enhance"
)

// NewAction validates raw input and returns an Action.
func NewAction(rawInput string) (Action, error) {
	action := Action(strings.TrimSpace(rawInput))
	switch action {
	case ActionSceneGeneration, ActionBackgroundRemoval, ActionEnhance:
		return action, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, rawInput)
	}
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether the job will not change any more.
func (status JobStatus) Terminal() bool {
	return status == JobStatusDone || status == JobStatusFailed
}

// Job is a studio_jobs row.
type Job struct {
	JobID        string    `gorm:"column:job_id;primaryKey;size:190;not null"`
	BatchID      string    `gorm:"column:batch_id;size:64;not null;index:idx_studio_jobs_batch"`
	ProductID    string    `gorm:"column:product_id;size:190;not null"`
	Action       string    `gorm:"column:action;size:64;not null"`
	SettingsJSON string    `gorm:"column:settings;type:text;not null"`
	Status       string    `gorm:"column:status;size:16;not null;default:'pending'"`
	ResultURL    string    `gorm:"column:result_url;type:text;not null;default:''"`
	Error        string    `gorm:"column:error;type:text;not null;default:''"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Job) TableName() string {
	return "studio_jobs"
}

// JobView is the decoded view of a Job.
type JobView struct {
	JobID     string         `json:"job_id"`
	BatchID   string         `json:"batch_id"`
	ProductID string         `json:"product_id"`
	Action    Action         `json:"action"`
	Settings  map[string]any `json:"settings"`
	Status    JobStatus      `json:"status"`
	ResultURL string         `json:"result_url,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Batch groups the jobs created by one request.
type Batch struct {
	ID   string    `json:"batch_id"`
	Jobs []JobView `json:"jobs"`
}

// CreateJobsRequest asks for one job per product.
type CreateJobsRequest struct {
	ProductIDs []string
	Action     Action
	Settings   map[string]any
}

// JobResult is what the processing endpoint reports back for a job.
type JobResult struct {
	Status    JobStatus
	ResultURL string
	Error     string
}

// Progress aggregates job statuses of a batch.
type Progress struct {
	BatchID  string `json:"batch_id"`
	Total    int    `json:"total"`
	Pending  int    `json:"pending"`
	Running  int    `json:"running"`
	Done     int    `json:"done"`
	Failed   int    `json:"failed"`
	Complete bool   `json:"complete"`
}

func aggregate(batchID string, jobs []Job) Progress {
	progress := Progress{BatchID: batchID, Total: len(jobs)}
	for _, job := range jobs {
		switch JobStatus(job.Status) {
		case JobStatusPending:
			progress.Pending++
		case JobStatusRunning:
			progress.Running++
		case JobStatusDone:
			progress.Done++
		case JobStatusFailed:
			progress.Failed++
		}
	}
	progress.Complete = progress.Total > 0 && progress.Done+progress.Failed == progress.Total
	return progress
}
