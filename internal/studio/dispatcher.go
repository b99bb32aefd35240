package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency    = 4
	defaultRequestTimeout = 30 * time.Second
	defaultBatchTimeout   = 5 * time.Minute
	abandonTimeout        = 10 * time.Second
	abandonReasonPrefix   = "dispatch interrupted: "
	maxErrorBodyBytes     = 512
	callbackPathFormat    = "%s/studio/jobs/%s/result"
)

var (
	errMissingEndpoint = errors.New("processing endpoint is required")
	errMissingService  = errors.New("studio service is required")
)

// DispatcherConfig wires the dispatcher.
type DispatcherConfig struct {
	Store *Service
	// Endpoint receives one POST per job.
	Endpoint string
	// CallbackBaseURL is the public base URL the processing service reports results to.
	CallbackBaseURL string
	Concurrency     int
	RequestTimeout  time.Duration
	// BatchTimeout bounds a whole Dispatch call; jobs not posted by then are failed.
	BatchTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Dispatcher fires processing requests for the jobs of a batch.
type Dispatcher struct {
	store           *Service
	endpoint        string
	callbackBaseURL string
	concurrency     int
	requestTimeout  time.Duration
	batchTimeout    time.Duration
	client          *http.Client
	logger          *zap.Logger
}

type jobRequest struct {
	JobID       string         `json:"job_id"`
	BatchID     string         `json:"batch_id"`
	ProductID   string         `json:"product_id"`
	Action      Action         `json:"action"`
	Settings    map[string]any `json:"settings"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

// NewDispatcher validates the configuration and constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errMissingService
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errMissingEndpoint
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dispatcher{
		store:           cfg.Store,
		endpoint:        cfg.Endpoint,
		callbackBaseURL: strings.TrimRight(cfg.CallbackBaseURL, "/"),
		concurrency:     concurrency,
		requestTimeout:  timeout,
		batchTimeout:    batchTimeout,
		client:          client,
		logger:          logger,
	}, nil
}

// Dispatch posts every pending job of batch with bounded concurrency. It runs detached
// from ctx cancellation and is bounded by the batch timeout instead. A rejected or
// unreachable request fails only its own job. When dispatch is cut short by the timeout
// or a store failure, every job still pending is marked failed and the cause is returned.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, batch Batch) error {
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcher.batchTimeout)
	defer cancel()

	group, groupCtx := errgroup.WithContext(batchCtx)
	group.SetLimit(dispatcher.concurrency)
	for _, job := range batch.Jobs {
		if job.Status != JobStatusPending {
			continue
		}
		group.Go(func() error {
			return dispatcher.dispatchJob(groupCtx, job)
		})
	}
	err := group.Wait()
	if err == nil {
		return nil
	}
	if abandonErr := dispatcher.abandonPending(ctx, batch.ID, err); abandonErr != nil {
		return errors.Join(err, abandonErr)
	}
	return err
}

// abandonPending fails the jobs of batchID that were never posted, so pollers see the
// batch reach a terminal state.
func (dispatcher *Dispatcher) abandonPending(parent context.Context, batchID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), abandonTimeout)
	defer cancel()

	jobs, err := dispatcher.store.Jobs(ctx, batchID)
	if err != nil {
		return err
	}
	var failures []error
	abandoned := 0
	for _, job := range jobs {
		if job.Status != JobStatusPending {
			continue
		}
		if _, err := dispatcher.store.markFailed(ctx, job.JobID, abandonReasonPrefix+cause.Error()); err != nil {
			failures = append(failures, err)
			continue
		}
		abandoned++
	}
	dispatcher.logger.Warn("studio batch dispatch interrupted",
		zap.String(fieldBatchID, batchID),
		zap.Int("abandoned", abandoned),
		zap.Error(cause))
	return errors.Join(failures...)
}

func (dispatcher *Dispatcher) dispatchJob(ctx context.Context, job JobView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	postErr := dispatcher.post(ctx, job)
	if postErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dispatcher.logger.Warn("studio job dispatch failed",
			zap.String(fieldBatchID, job.BatchID),
			zap.String(fieldJobID, job.JobID),
			zap.Error(postErr))
		_, err := dispatcher.store.markFailed(ctx, job.JobID, postErr.Error())
		return err
	}
	_, err := dispatcher.store.markRunning(ctx, job.JobID)
	return err
}

func (dispatcher *Dispatcher) post(ctx context.Context, job JobView) error {
	payload := jobRequest{
		JobID:     job.JobID,
		BatchID:   job.BatchID,
		ProductID: job.ProductID,
		Action:    job.Action,
		Settings:  job.Settings,
	}
	if dispatcher.callbackBaseURL != "" {
		payload.CallbackURL = fmt.Sprintf(callbackPathFormat, dispatcher.callbackBaseURL, job.JobID)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	requestCtx, cancel := context.WithTimeout(ctx, dispatcher.requestTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, dispatcher.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := dispatcher.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return fmt.Errorf("processing endpoint returned %d: %s", response.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}
