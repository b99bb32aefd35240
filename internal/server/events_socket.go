package server

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const socketWriteTimeout = 10 * time.Second

type realtimeSocketMessage struct {
	Event string `json:"event"`
	realtimeEventPayload
}

func newSocketUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
}

// handleEventsSocket carries the same notifications as handleEvents over a websocket, for
// clients that keep one bidirectional connection per editor tab.
func (h *httpHandler) handleEventsSocket(c *gin.Context) {
	storeID := strings.TrimSpace(c.Query("store_id"))
	if storeID == "" {
		respondInvalidRequest(c)
		return
	}
	if !authorizeStore(c, storeID) {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("store_id", storeID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	stream, cleanup := h.realtime.Subscribe(ctx, storeID)
	defer cleanup()
	defer h.logStreamClosed(storeID)
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	write := func(message realtimeSocketMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		if err := conn.WriteJSON(message); err != nil {
			h.logger.Debug("websocket write failed", zap.String("store_id", storeID), zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			if !write(realtimeSocketMessage{
				Event: message.EventType,
				realtimeEventPayload: realtimeEventPayload{
					StoreID:    message.Topic,
					ProductIDs: message.ProductIDs,
					Source:     realtimeSourceBackend,
					Timestamp:  message.Timestamp,
				},
			}) {
				return
			}
		case tick := <-heartbeat.C:
			if !write(realtimeSocketMessage{
				Event: realtimeEventHeartbeat,
				realtimeEventPayload: realtimeEventPayload{
					StoreID:   storeID,
					Source:    realtimeSourceBackend,
					Timestamp: tick.UTC(),
				},
			}) {
				return
			}
		}
	}
}
