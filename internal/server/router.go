package server

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editorstore"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/products"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/studio"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/versions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey  = "flowz_session_claims"
	studioTokenHeader        = "X-Studio-Token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProductsService  = errors.New("products service dependency required")
	errMissingVersionsService  = errors.New("versions service dependency required")
	errMissingStudioService    = errors.New("studio service dependency required")
	errMissingPresetCatalog    = errors.New("preset catalog dependency required")
)

// SessionValidator authenticates a request and returns its session claims.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	Sessions SessionValidator
	Products *products.Service
	Versions *versions.Service
	Studio   *studio.Service
	// Dispatcher is optional; without it batch creation answers 503.
	Dispatcher *studio.Dispatcher
	Watcher    *studio.Watcher
	Presets    *studio.Catalog
	Realtime   *RealtimeDispatcher
	Timing     editor.Timing
	// ReadOnlyFields never surface as conflicts.
	ReadOnlyFields    []string
	AllowedOrigins    []string
	CallbackToken     string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Products == nil:
		return nil, errMissingProductsService
	case deps.Versions == nil:
		return nil, errMissingVersionsService
	case deps.Studio == nil:
		return nil, errMissingStudioService
	case deps.Presets == nil:
		return nil, errMissingPresetCatalog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	watcher := deps.Watcher
	if watcher == nil {
		watcher = studio.NewWatcher(deps.Studio, studio.DefaultPollInterval, logger)
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions: deps.Sessions,
		products: deps.Products,
		versions: deps.Versions,
		versionManager: editor.NewVersionManager(editor.VersionManagerConfig{
			Store:               deps.Versions,
			AutoVersionInterval: deps.Timing.AutoVersionInterval,
			Logger:              logger,
		}),
		conflicts: editor.NewConflictDetector(editor.ConflictDetectorConfig{
			Store:          editorstore.NewRecords(deps.Products),
			ReadOnlyFields: deps.ReadOnlyFields,
		}),
		studio:            deps.Studio,
		dispatcher:        deps.Dispatcher,
		watcher:           watcher,
		presets:           deps.Presets,
		realtime:          realtime,
		timing:            deps.Timing,
		callbackToken:     deps.CallbackToken,
		heartbeatInterval: heartbeat,
		upgrader:          newSocketUpgrader(deps.AllowedOrigins),
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/studio/jobs/:id/result", handler.handleJobResult)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/editor/settings", handler.handleEditorSettings)
	protected.GET("/events", handler.handleEvents)
	protected.GET("/events/ws", handler.handleEventsSocket)

	protected.GET("/products", handler.handleListProducts)
	protected.POST("/products", handler.handleCreateProduct)
	protected.GET("/products/:id", handler.handleGetProduct)
	protected.PUT("/products/:id", handler.handleSaveProduct)
	protected.POST("/products/:id/sync", handler.handleSyncProduct)
	protected.POST("/products/:id/remote-changes", handler.handleRemoteChange)
	protected.GET("/products/:id/conflicts", handler.handleConflicts)

	protected.GET("/products/:id/versions", handler.handleListVersions)
	protected.POST("/products/:id/versions", handler.handleCreateVersion)
	protected.GET("/products/:id/versions/:number", handler.handleGetVersion)
	protected.POST("/products/:id/versions/:number/restore", handler.handleRestoreVersion)
	protected.GET("/products/:id/versions/:number/diff/:to", handler.handleDiffVersions)

	protected.POST("/studio/batches", handler.handleCreateBatch)
	protected.GET("/studio/batches/:id", handler.handleBatchProgress)
	protected.GET("/studio/batches/:id/stream", handler.handleBatchStream)
	protected.GET("/studio/presets", handler.handlePresets)

	return router, nil
}

type httpHandler struct {
	sessions          SessionValidator
	products          *products.Service
	versions          *versions.Service
	versionManager    *editor.VersionManager
	conflicts         *editor.ConflictDetector
	studio            *studio.Service
	dispatcher        *studio.Dispatcher
	watcher           *studio.Watcher
	presets           *studio.Catalog
	realtime          *RealtimeDispatcher
	timing            editor.Timing
	callbackToken     string
	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader
	logger            *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", studioTokenHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type editorSettingsPayload struct {
	HistoryCapacity       int   `json:"history_capacity"`
	HistoryDebounceMS     int64 `json:"history_debounce_ms"`
	FetchStabilizationMS  int64 `json:"fetch_stabilization_ms"`
	SaveStabilizationMS   int64 `json:"save_stabilization_ms"`
	AutoSaveDebounceMS    int64 `json:"auto_save_debounce_ms"`
	ManualSaveCooldownMS  int64 `json:"manual_save_cooldown_ms"`
	SavedStatusDisplayMS  int64 `json:"saved_status_display_ms"`
	ErrorStatusDisplayMS  int64 `json:"error_status_display_ms"`
	RequestTimeoutMS      int64 `json:"request_timeout_ms"`
	AutoVersionIntervalMS int64 `json:"auto_version_interval_ms"`
}

// handleEditorSettings publishes the session tuning so browser editors share it.
func (h *httpHandler) handleEditorSettings(c *gin.Context) {
	timing := h.timing
	c.JSON(http.StatusOK, editorSettingsPayload{
		HistoryCapacity:       timing.HistoryCapacity,
		HistoryDebounceMS:     timing.HistoryDebounce.Milliseconds(),
		FetchStabilizationMS:  timing.FetchStabilization.Milliseconds(),
		SaveStabilizationMS:   timing.SaveStabilization.Milliseconds(),
		AutoSaveDebounceMS:    timing.AutoSaveDebounce.Milliseconds(),
		ManualSaveCooldownMS:  timing.ManualSaveCooldown.Milliseconds(),
		SavedStatusDisplayMS:  timing.SavedStatusDisplay.Milliseconds(),
		ErrorStatusDisplayMS:  timing.ErrorStatusDisplay.Milliseconds(),
		RequestTimeoutMS:      timing.RequestTimeout.Milliseconds(),
		AutoVersionIntervalMS: timing.AutoVersionInterval.Milliseconds(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func sessionClaims(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

// authorizeStore aborts with 403 unless the session may act on storeID.
func authorizeStore(c *gin.Context, storeID string) bool {
	if sessionClaims(c).CanAccessStore(storeID) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	return false
}

func (h *httpHandler) publish(eventType string, storeID string, productIDs ...string) {
	h.realtime.Publish(RealtimeMessage{
		Topic:      storeID,
		EventType:  eventType,
		ProductIDs: productIDs,
		Timestamp:  time.Now().UTC(),
	})
}
