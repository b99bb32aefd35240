package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/database"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/products"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/studio"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/versions"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "router-secret"
	testStoreID       = "store-1"
	testCallbackToken = "studio-callback-token"
)

type testEnvOptions struct {
	withoutDispatcher bool
	storeIDs          []string
}

// processingStub plays the Photo Studio processing endpoint.
type processingStub struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (stub *processingStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	stub.mu.Lock()
	stub.requests = append(stub.requests, payload)
	stub.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (stub *processingStub) received() []map[string]any {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return append([]map[string]any(nil), stub.requests...)
}

type testEnv struct {
	handler    http.Handler
	products   *products.Service
	studio     *studio.Service
	realtime   *RealtimeDispatcher
	processing *processingStub
	token      string
}

func newTestEnv(t *testing.T, options testEnvOptions) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:flowz_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	productService, err := products.NewService(products.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build products service: %v", err)
	}
	versionService, err := versions.NewService(versions.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build versions service: %v", err)
	}
	studioService, err := studio.NewService(studio.ServiceConfig{
		Database: db,
		JobIDs:   ids.NewUUIDProvider(),
		BatchIDs: ids.NewULIDProvider(nil),
	})
	if err != nil {
		t.Fatalf("failed to build studio service: %v", err)
	}
	catalog, err := studio.DefaultCatalog()
	if err != nil {
		t.Fatalf("failed to load presets: %v", err)
	}

	stub := &processingStub{}
	var dispatcher *studio.Dispatcher
	if !options.withoutDispatcher {
		processingServer := httptest.NewServer(stub)
		t.Cleanup(processingServer.Close)
		dispatcher, err = studio.NewDispatcher(studio.DispatcherConfig{
			Store:           studioService,
			Endpoint:        processingServer.URL,
			CallbackBaseURL: "https://api.flowz.test",
			HTTPClient:      processingServer.Client(),
		})
		if err != nil {
			t.Fatalf("failed to build dispatcher: %v", err)
		}
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	storeIDs := options.storeIDs
	if storeIDs == nil {
		storeIDs = []string{testStoreID}
	}
	token, _, err := issuer.Issue(auth.Identity{UserID: "user-1", StoreIDs: storeIDs})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		Products:          productService,
		Versions:          versionService,
		Studio:            studioService,
		Dispatcher:        dispatcher,
		Watcher:           studio.NewWatcher(studioService, 5*time.Millisecond, nil),
		Presets:           catalog,
		Realtime:          realtime,
		Timing:            editor.DefaultTiming(),
		CallbackToken:     testCallbackToken,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testEnv{
		handler:    handler,
		products:   productService,
		studio:     studioService,
		realtime:   realtime,
		processing: stub,
		token:      token,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return env.doWithHeaders(t, method, path, body, map[string]string{"Authorization": "Bearer " + env.token})
}

func (env *testEnv) doWithHeaders(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, recorder.Code, recorder.Body.String())
	}
}

// createSyncedProduct creates prod-1 in the test store and records a pull of values.
func (env *testEnv) createSyncedProduct(t *testing.T, values map[string]any) {
	t.Helper()
	expectStatus(t, env.do(t, http.MethodPost, "/products", map[string]any{
		"product_id": "prod-1",
		"store_id":   testStoreID,
		"platform":   "shopify",
		"form_data":  values,
	}), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/products/prod-1/sync", map[string]any{
		"direction":   "pull",
		"remote_data": values,
	}), http.StatusOK)
}
