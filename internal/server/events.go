package server

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type realtimeEventPayload struct {
	StoreID    string    `json:"store_id"`
	ProductIDs []string  `json:"product_ids,omitempty"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// handleEvents streams product change notifications of one store until the client leaves.
func (h *httpHandler) handleEvents(c *gin.Context) {
	storeID := strings.TrimSpace(c.Query("store_id"))
	if storeID == "" {
		respondInvalidRequest(c)
		return
	}
	if !authorizeStore(c, storeID) {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, storeID)
	defer cleanup()
	defer h.logStreamClosed(storeID)
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	setStreamHeaders(c)
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				StoreID:    message.Topic,
				ProductIDs: message.ProductIDs,
				Source:     realtimeSourceBackend,
				Timestamp:  message.Timestamp,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				StoreID:   storeID,
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC(),
			})
			return true
		}
	})
}

func (h *httpHandler) logStreamClosed(storeID string) {
	h.logger.Debug("event stream closed",
		zap.String("store_id", storeID),
		zap.Uint64("dropped_total", h.realtime.DroppedMessages()),
	)
}
