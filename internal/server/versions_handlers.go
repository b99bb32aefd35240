package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/products"
	"github.com/gin-gonic/gin"
)

type versionPayload struct {
	ID        string             `json:"version_id"`
	ProductID string             `json:"product_id"`
	Number    int64              `json:"version_number"`
	FormData  editor.FormValues  `json:"form_data"`
	Trigger   editor.TriggerType `json:"trigger_type"`
	Metadata  map[string]any     `json:"metadata"`
	CreatedAt time.Time          `json:"created_at"`
}

func newVersionPayload(version editor.ProductVersion) *versionPayload {
	return &versionPayload{
		ID:        version.ID,
		ProductID: version.ProductID,
		Number:    version.Number,
		FormData:  version.Values,
		Trigger:   version.Trigger,
		Metadata:  version.Metadata,
		CreatedAt: version.CreatedAt,
	}
}

type createVersionPayload struct {
	Trigger  string         `json:"trigger_type"`
	FormData map[string]any `json:"form_data"`
	Metadata map[string]any `json:"metadata"`
}

type restoreResponse struct {
	Product products.Record `json:"product"`
	Version *versionPayload `json:"version"`
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	record, ok := h.loadProduct(c)
	if !ok {
		return
	}
	limit, err := optionalInt(c.Query("limit"))
	if err != nil {
		respondInvalidRequest(c)
		return
	}
	list, err := h.versions.List(c.Request.Context(), record.ProductID.String(), limit)
	if err != nil {
		h.respondError(c, "failed to list versions", err)
		return
	}
	payload := make([]*versionPayload, 0, len(list))
	for _, version := range list {
		payload = append(payload, newVersionPayload(version))
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

// handleCreateVersion appends a version of the stored form, or of form_data when given.
// auto_save versions are rate limited and may be skipped; restores use their own route.
func (h *httpHandler) handleCreateVersion(c *gin.Context) {
	var request createVersionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	trigger := editor.TriggerType(request.Trigger)
	if trigger == editor.TriggerRestore {
		respondInvalidRequest(c)
		return
	}
	record, ok := h.loadProduct(c)
	if !ok {
		return
	}
	values := record.FormData
	if request.FormData != nil {
		values = editor.FormValues(request.FormData)
	}
	ctx := c.Request.Context()
	productID := record.ProductID.String()

	if trigger == editor.TriggerAutoSave {
		version, created, err := h.versionManager.CreateAutoVersion(ctx, productID, values)
		if err != nil {
			h.respondError(c, "failed to create auto version", err)
			return
		}
		if !created {
			c.JSON(http.StatusOK, gin.H{"created": false})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"created": true, "version": newVersionPayload(version)})
		return
	}

	version, err := h.versionManager.CreateVersion(ctx, editor.CreateVersionParams{
		ProductID: productID,
		Values:    values,
		Trigger:   trigger,
		Metadata:  request.Metadata,
	})
	if err != nil {
		h.respondError(c, "failed to create version", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"created": true, "version": newVersionPayload(version)})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	record, ok := h.loadProduct(c)
	if !ok {
		return
	}
	number, ok := versionNumberParam(c, "number")
	if !ok {
		return
	}
	version, err := h.versions.GetByNumber(c.Request.Context(), record.ProductID.String(), number)
	if err != nil {
		h.respondError(c, "failed to load version", err)
		return
	}
	c.JSON(http.StatusOK, newVersionPayload(version))
}

// handleRestoreVersion writes the source version's values back to the product and appends a
// restore version. The source version is never modified.
func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	record, ok := h.loadProduct(c)
	if !ok {
		return
	}
	number, ok := versionNumberParam(c, "number")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	source, err := h.versions.GetByNumber(ctx, record.ProductID.String(), number)
	if err != nil {
		h.respondError(c, "failed to load version", err)
		return
	}
	updated, err := h.products.Update(ctx, record.ProductID, source.Values)
	if err != nil {
		h.respondError(c, "failed to restore product", err)
		return
	}
	restored, err := h.versionManager.RecordRestore(ctx, source)
	if err != nil {
		h.respondError(c, "failed to record restore", err)
		return
	}
	h.publish(RealtimeEventProductChanged, updated.StoreID, updated.ProductID.String())
	c.JSON(http.StatusCreated, restoreResponse{Product: updated, Version: newVersionPayload(restored)})
}

func (h *httpHandler) handleDiffVersions(c *gin.Context) {
	record, ok := h.loadProduct(c)
	if !ok {
		return
	}
	from, ok := versionNumberParam(c, "number")
	if !ok {
		return
	}
	to, ok := versionNumberParam(c, "to")
	if !ok {
		return
	}
	comparison, err := h.versions.Diff(c.Request.Context(), record.ProductID.String(), from, to)
	if err != nil {
		h.respondError(c, "failed to diff versions", err)
		return
	}
	c.JSON(http.StatusOK, comparison)
}

func versionNumberParam(c *gin.Context, name string) (int64, bool) {
	number, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || number <= 0 {
		respondInvalidRequest(c)
		return 0, false
	}
	return number, true
}
