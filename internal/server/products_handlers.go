package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editorstore"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/products"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	saveKindManual = "manual"
	saveKindAuto   = "auto"
)

type createProductPayload struct {
	ProductID string         `json:"product_id"`
	StoreID   string         `json:"store_id"`
	Platform  string         `json:"platform"`
	FormData  map[string]any `json:"form_data"`
}

type saveProductPayload struct {
	FormData map[string]any `json:"form_data"`
	// SaveKind is "manual" (default) or "auto"; it selects the version trigger.
	SaveKind string `json:"save_kind"`
}

type syncProductPayload struct {
	Direction  string         `json:"direction"`
	RemoteData map[string]any `json:"remote_data"`
	SyncedAt   time.Time      `json:"synced_at"`
}

type remoteChangePayload struct {
	Fields    map[string]any `json:"fields"`
	ChangedAt time.Time      `json:"changed_at"`
}

type conflictPayload struct {
	HasConflict bool                        `json:"has_conflict"`
	Fields      []string                    `json:"fields"`
	CheckedAt   time.Time                   `json:"checked_at"`
	State       editor.SyncState            `json:"state"`
	FieldStates map[string]editor.SyncState `json:"field_states"`
}

type saveProductResponse struct {
	Product   products.Record `json:"product"`
	Version   *versionPayload `json:"version,omitempty"`
	Conflicts conflictPayload `json:"conflicts"`
}

func (h *httpHandler) handleListProducts(c *gin.Context) {
	storeID := strings.TrimSpace(c.Query("store_id"))
	if storeID == "" {
		respondInvalidRequest(c)
		return
	}
	if !authorizeStore(c, storeID) {
		return
	}
	limit, err := optionalInt(c.Query("limit"))
	if err != nil {
		respondInvalidRequest(c)
		return
	}
	records, err := h.products.List(c.Request.Context(), products.ListFilter{
		StoreID:   storeID,
		DirtyOnly: c.Query("dirty") == "true",
		Limit:     limit,
	})
	if err != nil {
		h.respondError(c, "failed to list products", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": records})
}

func (h *httpHandler) handleCreateProduct(c *gin.Context) {
	var request createProductPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	if !authorizeStore(c, request.StoreID) {
		return
	}
	platform, err := products.NewPlatform(request.Platform)
	if err != nil {
		h.respondError(c, "failed to create product", err)
		return
	}
	record, err := h.products.Create(c.Request.Context(), products.CreateRequest{
		ProductID: products.ProductID(request.ProductID),
		StoreID:   request.StoreID,
		Platform:  platform,
		FormData:  editor.FormValues(request.FormData),
	})
	if err != nil {
		h.respondError(c, "failed to create product", err)
		return
	}
	h.publish(RealtimeEventProductChanged, record.StoreID, record.ProductID.String())
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleGetProduct(c *gin.Context) {
	record, ok := h.loadProduct(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleSaveProduct persists the editor form. Validation runs before anything is written;
// a failed version write is logged and never fails the save.
func (h *httpHandler) handleSaveProduct(c *gin.Context) {
	var request saveProductPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.FormData == nil {
		respondInvalidRequest(c)
		return
	}
	saveKind := strings.ToLower(strings.TrimSpace(request.SaveKind))
	if saveKind == "" {
		saveKind = saveKindManual
	}
	if saveKind != saveKindManual && saveKind != saveKindAuto {
		respondInvalidRequest(c)
		return
	}
	values := editor.FormValues(request.FormData)
	if err := editor.ValidateForSave(values); err != nil {
		h.respondError(c, "product validation failed", err)
		return
	}
	current, ok := h.loadProduct(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	record, err := h.products.Update(ctx, current.ProductID, values)
	if err != nil {
		h.respondError(c, "failed to save product", err)
		return
	}

	response := saveProductResponse{Product: record}
	productID := record.ProductID.String()
	if saveKind == saveKindAuto {
		version, created, versionErr := h.versionManager.CreateAutoVersion(ctx, productID, record.FormData)
		if versionErr != nil {
			h.logger.Warn("auto version creation failed", zap.String("product_id", productID), zap.Error(versionErr))
		} else if created {
			response.Version = newVersionPayload(version)
		}
	} else {
		version, versionErr := h.versionManager.CreateVersion(ctx, editor.CreateVersionParams{
			ProductID: productID,
			Values:    record.FormData,
			Trigger:   editor.TriggerManualSave,
		})
		if versionErr != nil {
			h.logger.Warn("manual version creation failed", zap.String("product_id", productID), zap.Error(versionErr))
		} else {
			response.Version = newVersionPayload(version)
		}
	}

	response.Conflicts = h.evaluateConflicts(record)
	h.publish(RealtimeEventProductChanged, record.StoreID, productID)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSyncProduct(c *gin.Context) {
	var request syncProductPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	current, ok := h.loadProduct(c)
	if !ok {
		return
	}
	record, err := h.products.MarkSynced(c.Request.Context(), current.ProductID, products.SyncRequest{
		Direction:  products.SyncDirection(strings.ToLower(strings.TrimSpace(request.Direction))),
		RemoteData: editor.FormValues(request.RemoteData),
		SyncedAt:   request.SyncedAt,
	})
	if err != nil {
		h.respondError(c, "failed to mark product synced", err)
		return
	}
	h.publish(RealtimeEventProductChanged, record.StoreID, record.ProductID.String())
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleRemoteChange(c *gin.Context) {
	var request remoteChangePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Fields) == 0 {
		respondInvalidRequest(c)
		return
	}
	current, ok := h.loadProduct(c)
	if !ok {
		return
	}
	record, err := h.products.RecordRemoteChange(c.Request.Context(), current.ProductID, products.RemoteChange{
		Fields:    editor.FormValues(request.Fields),
		ChangedAt: request.ChangedAt,
	})
	if err != nil {
		h.respondError(c, "failed to record remote change", err)
		return
	}
	conflicts := h.evaluateConflicts(record)
	eventType := RealtimeEventProductChanged
	if conflicts.HasConflict {
		eventType = RealtimeEventProductConflict
	}
	h.publish(eventType, record.StoreID, record.ProductID.String())
	c.JSON(http.StatusOK, conflicts)
}

func (h *httpHandler) handleConflicts(c *gin.Context) {
	record, ok := h.loadProduct(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.evaluateConflicts(record))
}

func (h *httpHandler) evaluateConflicts(record products.Record) conflictPayload {
	dirty := editor.NewFieldSet(record.DirtyFields...)
	report := h.conflicts.Evaluate(editorstore.ToEditorRecord(record), dirty)
	conflicts := report.FieldSet()

	fieldStates := make(map[string]editor.SyncState, dirty.Len()+conflicts.Len())
	for field := range dirty {
		fieldStates[field] = editor.FieldState(field, dirty, conflicts)
	}
	for field := range conflicts {
		fieldStates[field] = editor.FieldState(field, dirty, conflicts)
	}
	fields := report.Fields
	if fields == nil {
		fields = []string{}
	}
	return conflictPayload{
		HasConflict: report.HasConflict,
		Fields:      fields,
		CheckedAt:   report.CheckedAt,
		State:       editor.RecordState(dirty, conflicts),
		FieldStates: fieldStates,
	}
}

// loadProduct resolves :id and enforces store access, writing the error response itself.
func (h *httpHandler) loadProduct(c *gin.Context) (products.Record, bool) {
	productID, err := products.NewProductID(c.Param("id"))
	if err != nil {
		h.respondError(c, "invalid product id", err)
		return products.Record{}, false
	}
	record, err := h.products.Fetch(c.Request.Context(), productID)
	if err != nil {
		h.respondError(c, "failed to fetch product", err)
		return products.Record{}, false
	}
	if !authorizeStore(c, record.StoreID) {
		return products.Record{}, false
	}
	return record, true
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
