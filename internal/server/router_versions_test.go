package server

import (
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/versions"
)

type createdVersionResponse struct {
	Created bool            `json:"created"`
	Version *versionPayload `json:"version"`
}

func TestRestoreAppendsVersionAndKeepsSource(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	env.createSyncedProduct(t, map[string]any{"title": "Draft"})

	for _, title := range []string{"First", "Second"} {
		expectStatus(t, env.do(t, http.MethodPut, "/products/prod-1", map[string]any{
			"form_data": map[string]any{"title": title},
		}), http.StatusOK)
	}

	listed := env.do(t, http.MethodGet, "/products/prod-1/versions", nil)
	expectStatus(t, listed, http.StatusOK)
	list := decodeBody[struct {
		Versions []versionPayload `json:"versions"`
	}](t, listed)
	if len(list.Versions) != 2 || list.Versions[0].Number != 2 || list.Versions[1].Number != 1 {
		t.Fatalf("unexpected version list %+v", list.Versions)
	}

	diffed := env.do(t, http.MethodGet, "/products/prod-1/versions/1/diff/2", nil)
	expectStatus(t, diffed, http.StatusOK)
	comparison := decodeBody[versions.Comparison](t, diffed)
	if len(comparison.Fields) != 1 || comparison.Fields[0].Field != "title" || comparison.Fields[0].Kind != versions.ChangeChanged {
		t.Fatalf("unexpected comparison %+v", comparison)
	}

	restored := env.do(t, http.MethodPost, "/products/prod-1/versions/1/restore", nil)
	expectStatus(t, restored, http.StatusCreated)
	restore := decodeBody[restoreResponse](t, restored)
	if restore.Version.Number != 3 || restore.Version.Trigger != editor.TriggerRestore {
		t.Fatalf("unexpected restore version %+v", restore.Version)
	}
	if restore.Version.Metadata[editor.MetadataRestoredFromNumber] != float64(1) {
		t.Fatalf("expected restore metadata to name version 1, got %+v", restore.Version.Metadata)
	}
	if restore.Product.FormData["title"] != "First" {
		t.Fatalf("expected product to carry restored values, got %+v", restore.Product.FormData)
	}

	source := env.do(t, http.MethodGet, "/products/prod-1/versions/1", nil)
	expectStatus(t, source, http.StatusOK)
	original := decodeBody[versionPayload](t, source)
	if original.Trigger != editor.TriggerManualSave || original.FormData["title"] != "First" {
		t.Fatalf("source version changed: %+v", original)
	}
}

func TestCreateVersionHonoursTriggers(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	env.createSyncedProduct(t, map[string]any{"title": "Draft"})

	auto := env.do(t, http.MethodPost, "/products/prod-1/versions", map[string]any{"trigger_type": "auto_save"})
	expectStatus(t, auto, http.StatusCreated)
	if created := decodeBody[createdVersionResponse](t, auto); !created.Created || created.Version.Number != 1 {
		t.Fatalf("unexpected auto version %+v", created)
	}

	limited := env.do(t, http.MethodPost, "/products/prod-1/versions", map[string]any{"trigger_type": "auto_save"})
	expectStatus(t, limited, http.StatusOK)
	if created := decodeBody[createdVersionResponse](t, limited); created.Created || created.Version != nil {
		t.Fatalf("expected the second auto version to be skipped, got %+v", created)
	}

	approval := env.do(t, http.MethodPost, "/products/prod-1/versions", map[string]any{
		"trigger_type": "ai_approval",
		"form_data":    map[string]any{"title": "Generated title"},
		"metadata":     map[string]any{editor.MetadataApprovedField: "title"},
	})
	expectStatus(t, approval, http.StatusCreated)
	approved := decodeBody[createdVersionResponse](t, approval)
	if approved.Version.Number != 2 || approved.Version.Trigger != editor.TriggerAIApproval {
		t.Fatalf("unexpected approval version %+v", approved.Version)
	}
	if approved.Version.Metadata[editor.MetadataApprovedField] != "title" {
		t.Fatalf("expected approval metadata, got %+v", approved.Version.Metadata)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "restore trigger", method: http.MethodPost, path: "/products/prod-1/versions", body: map[string]any{"trigger_type": "restore"}, status: http.StatusBadRequest},
		{name: "unknown trigger", method: http.MethodPost, path: "/products/prod-1/versions", body: map[string]any{"trigger_type": "cron"}, status: http.StatusBadRequest},
		{name: "non numeric version", method: http.MethodGet, path: "/products/prod-1/versions/latest", status: http.StatusBadRequest},
		{name: "zero version", method: http.MethodGet, path: "/products/prod-1/versions/0", status: http.StatusBadRequest},
		{name: "missing version", method: http.MethodGet, path: "/products/prod-1/versions/99", status: http.StatusNotFound},
		{name: "restore missing version", method: http.MethodPost, path: "/products/prod-1/versions/99/restore", status: http.StatusNotFound},
		{name: "diff missing version", method: http.MethodGet, path: "/products/prod-1/versions/1/diff/99", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, env.do(t, tt.method, tt.path, tt.body), tt.status)
		})
	}
}
