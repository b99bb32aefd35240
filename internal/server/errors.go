package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/products"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/studio"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/versions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorInvalidRequest = "invalid_request"
	errorNotFound       = "not_found"
	errorConflict       = "conflict"
	errorInternal       = "internal_error"
	errorUnavailable    = "studio_unavailable"
)

var (
	badRequestErrors = []error{
		editor.ErrValidation,
		editor.ErrVersionProductMismatch,
		products.ErrInvalidProductID,
		products.ErrInvalidStoreID,
		products.ErrInvalidPlatform,
		products.ErrInvalidSyncRequest,
		versions.ErrInvalidTrigger,
		versions.ErrInvalidProductID,
		studio.ErrInvalidAction,
		studio.ErrInvalidBatch,
		studio.ErrInvalidResult,
	}
	notFoundErrors = []error{
		products.ErrProductNotFound,
		versions.ErrVersionNotFound,
		studio.ErrBatchNotFound,
		studio.ErrJobNotFound,
	}
	conflictErrors = []error{
		products.ErrProductExists,
		studio.ErrJobFinished,
	}
)

func classifyError(err error) (int, string) {
	switch {
	case matchesAny(err, badRequestErrors):
		return http.StatusBadRequest, errorInvalidRequest
	case matchesAny(err, notFoundErrors):
		return http.StatusNotFound, errorNotFound
	case matchesAny(err, conflictErrors):
		return http.StatusConflict, errorConflict
	default:
		return http.StatusInternalServerError, errorInternal
	}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// respondError writes {"error", "code"} and logs server side failures.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, reason := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": reason, "code": failure.Code(err)})
}

func respondInvalidRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
}
