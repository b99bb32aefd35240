package server

import (
	"crypto/subtle"
	"maps"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/studio"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sseEventBatchProgress = "batch-progress"
	sseEventBatchComplete = "batch-complete"
	settingPresetID       = "preset_id"
	settingPrompt         = "prompt"
	defaultPresetLimit    = 5
)

type createBatchPayload struct {
	ProductIDs []string       `json:"product_ids"`
	Action     string         `json:"action"`
	PresetID   string         `json:"preset_id"`
	Settings   map[string]any `json:"settings"`
}

type jobResultPayload struct {
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     string `json:"error"`
}

type batchResponse struct {
	Progress studio.Progress  `json:"progress"`
	Jobs     []studio.JobView `json:"jobs"`
}

// handleCreateBatch creates one job per product and fires the processing requests before
// answering, so the returned jobs already show which requests were accepted.
func (h *httpHandler) handleCreateBatch(c *gin.Context) {
	if h.dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorUnavailable})
		return
	}
	var request createBatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	action, err := studio.NewAction(request.Action)
	if err != nil {
		h.respondError(c, "invalid studio action", err)
		return
	}
	settings := make(map[string]any, len(request.Settings)+2)
	maps.Copy(settings, request.Settings)
	if presetID := strings.TrimSpace(request.PresetID); presetID != "" {
		preset, found := h.presets.Preset(presetID)
		if !found {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown_preset"})
			return
		}
		settings[settingPresetID] = preset.ID
		settings[settingPrompt] = preset.Prompt
	}

	ctx := c.Request.Context()
	batch, err := h.studio.CreateJobs(ctx, studio.CreateJobsRequest{
		ProductIDs: request.ProductIDs,
		Action:     action,
		Settings:   settings,
	})
	if err != nil {
		h.respondError(c, "failed to create studio batch", err)
		return
	}
	if err := h.dispatcher.Dispatch(ctx, batch); err != nil {
		h.logger.Error("studio batch dispatch interrupted", zap.String("batch_id", batch.ID), zap.Error(err))
	}
	h.respondBatch(c, http.StatusAccepted, batch.ID)
}

func (h *httpHandler) handleBatchProgress(c *gin.Context) {
	h.respondBatch(c, http.StatusOK, c.Param("id"))
}

func (h *httpHandler) respondBatch(c *gin.Context, status int, batchID string) {
	ctx := c.Request.Context()
	progress, err := h.studio.Progress(ctx, batchID)
	if err != nil {
		h.respondError(c, "failed to read batch progress", err)
		return
	}
	jobs, err := h.studio.Jobs(ctx, batchID)
	if err != nil {
		h.respondError(c, "failed to list batch jobs", err)
		return
	}
	c.JSON(status, batchResponse{Progress: progress, Jobs: jobs})
}

// handleBatchStream emits progress as server-sent events until every job is terminal.
func (h *httpHandler) handleBatchStream(c *gin.Context) {
	batchID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.studio.Progress(ctx, batchID); err != nil {
		h.respondError(c, "failed to read batch progress", err)
		return
	}
	setStreamHeaders(c)
	final, err := h.watcher.Watch(ctx, batchID, func(progress studio.Progress) {
		c.SSEvent(sseEventBatchProgress, progress)
		c.Writer.Flush()
	})
	if err != nil {
		h.logger.Debug("studio batch stream closed", zap.String("batch_id", batchID), zap.Error(err))
		return
	}
	c.SSEvent(sseEventBatchComplete, final)
	c.Writer.Flush()
}

// handleJobResult is the processing service callback. It sits outside session auth and
// checks the shared studio token instead when one is configured.
func (h *httpHandler) handleJobResult(c *gin.Context) {
	if h.callbackToken != "" {
		provided := c.GetHeader(studioTokenHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.callbackToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}
	var request jobResultPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	job, err := h.studio.CompleteJob(c.Request.Context(), c.Param("id"), studio.JobResult{
		Status:    studio.JobStatus(strings.ToLower(strings.TrimSpace(request.Status))),
		ResultURL: request.ResultURL,
		Error:     request.Error,
	})
	if err != nil {
		h.respondError(c, "failed to record studio job result", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *httpHandler) handlePresets(c *gin.Context) {
	limit, err := optionalInt(c.Query("limit"))
	if err != nil {
		respondInvalidRequest(c)
		return
	}
	if limit <= 0 {
		limit = defaultPresetLimit
	}
	var tags []string
	if raw := c.Query("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}
	matches := h.presets.Match(c.Query("category"), tags, limit)
	c.JSON(http.StatusOK, gin.H{"presets": matches})
}

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}
