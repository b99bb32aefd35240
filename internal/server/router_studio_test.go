package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/studio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStudioBatchLifecycle(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	created := env.do(t, http.MethodPost, "/studio/batches", map[string]any{
		"product_ids": []string{"prod-a", "prod-b"},
		"action":      "scene_generation",
		"preset_id":   "linen-flatlay",
	})
	expectStatus(t, created, http.StatusAccepted)
	batch := decodeBody[batchResponse](t, created)
	require.Len(t, batch.Jobs, 2)
	assert.Equal(t, studio.Progress{BatchID: batch.Progress.BatchID, Total: 2, Running: 2}, batch.Progress)

	received := env.processing.received()
	require.Len(t, received, 2)
	for _, request := range received {
		settings, ok := request["settings"].(map[string]any)
		require.True(t, ok, "settings missing from %v", request)
		assert.Equal(t, "linen-flatlay", settings[settingPresetID])
		assert.Contains(t, settings[settingPrompt], "washed linen")
	}

	first, second := batch.Jobs[0].JobID, batch.Jobs[1].JobID
	resultPath := func(jobID string) string { return "/studio/jobs/" + jobID + "/result" }
	callbackHeaders := map[string]string{studioTokenHeader: testCallbackToken}

	unauthenticated := env.doWithHeaders(t, http.MethodPost, resultPath(first), map[string]any{"status": "done"}, nil)
	expectStatus(t, unauthenticated, http.StatusUnauthorized)

	done := env.doWithHeaders(t, http.MethodPost, resultPath(first), map[string]any{
		"status":     "done",
		"result_url": "https://cdn.flowz.test/a.png",
	}, callbackHeaders)
	expectStatus(t, done, http.StatusOK)
	assert.Equal(t, studio.JobStatusDone, decodeBody[studio.JobView](t, done).Status)

	again := env.doWithHeaders(t, http.MethodPost, resultPath(first), map[string]any{"status": "failed", "error": "late"}, callbackHeaders)
	expectStatus(t, again, http.StatusConflict)

	expectStatus(t, env.doWithHeaders(t, http.MethodPost, resultPath(second), map[string]any{
		"status": "failed",
		"error":  "model timeout",
	}, callbackHeaders), http.StatusOK)

	progress := env.do(t, http.MethodGet, "/studio/batches/"+batch.Progress.BatchID, nil)
	expectStatus(t, progress, http.StatusOK)
	final := decodeBody[batchResponse](t, progress)
	assert.Equal(t, studio.Progress{BatchID: batch.Progress.BatchID, Total: 2, Done: 1, Failed: 1, Complete: true}, final.Progress)

	stream := env.do(t, http.MethodGet, "/studio/batches/"+batch.Progress.BatchID+"/stream", nil)
	expectStatus(t, stream, http.StatusOK)
	body := stream.Body.String()
	assert.Contains(t, body, "event:"+sseEventBatchProgress)
	assert.Contains(t, body, "event:"+sseEventBatchComplete)
	assert.True(t, strings.Index(body, "event:"+sseEventBatchComplete) > strings.Index(body, "event:"+sseEventBatchProgress))
}

func TestStudioRoutesRejectInvalidRequests(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "unknown preset", method: http.MethodPost, path: "/studio/batches", body: map[string]any{"product_ids": []string{"p"}, "action": "enhance", "preset_id": "moon-base"}, status: http.StatusBadRequest},
		{name: "unknown action", method: http.MethodPost, path: "/studio/batches", body: map[string]any{"product_ids": []string{"p"}, "action": "paint"}, status: http.StatusBadRequest},
		{name: "empty batch", method: http.MethodPost, path: "/studio/batches", body: map[string]any{"product_ids": []string{}, "action": "enhance"}, status: http.StatusBadRequest},
		{name: "missing batch", method: http.MethodGet, path: "/studio/batches/does-not-exist", status: http.StatusNotFound},
		{name: "missing batch stream", method: http.MethodGet, path: "/studio/batches/does-not-exist/stream", status: http.StatusNotFound},
		{name: "bad preset limit", method: http.MethodGet, path: "/studio/presets?limit=many", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, env.do(t, tt.method, tt.path, tt.body), tt.status)
		})
	}

	missingJob := env.doWithHeaders(t, http.MethodPost, "/studio/jobs/nope/result", map[string]any{"status": "done"},
		map[string]string{studioTokenHeader: testCallbackToken})
	expectStatus(t, missingJob, http.StatusNotFound)
}

func TestStudioBatchesUnavailableWithoutProcessingEndpoint(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{withoutDispatcher: true})

	response := env.do(t, http.MethodPost, "/studio/batches", map[string]any{
		"product_ids": []string{"prod-a"},
		"action":      "enhance",
	})
	expectStatus(t, response, http.StatusServiceUnavailable)
	assert.Equal(t, errorUnavailable, decodeBody[map[string]string](t, response)["error"])
}

func TestStudioPresetsAreRanked(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	response := env.do(t, http.MethodGet, "/studio/presets?category=apparel&tags=summer&limit=2", nil)
	expectStatus(t, response, http.StatusOK)
	payload := decodeBody[struct {
		Presets []studio.PresetMatch `json:"presets"`
	}](t, response)
	require.Len(t, payload.Presets, 2)
	assert.Equal(t, "linen-flatlay", payload.Presets[0].Preset.ID)
	assert.Equal(t, "beach-sunset", payload.Presets[1].Preset.ID)
}
