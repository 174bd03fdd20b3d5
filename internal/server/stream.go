package server

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsReadLimitBytes = 4096
)

type heartbeatPayload struct {
	At time.Time `json:"at"`
}

// subscribe checks participation before registering a stream for the conversation.
func (h *httpHandler) subscribe(c *gin.Context) (<-chan realtime.Event, func(), bool) {
	conversationID := c.Param("id")
	if _, _, err := h.conversations.Participant(c.Request.Context(), conversationID, actorID(c)); err != nil {
		h.abortWithError(c, err)
		return nil, nil, false
	}
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), conversationID)
	return stream, cleanup, true
}

// handleStream serves conversation events as server-sent events named after the event type.
func (h *httpHandler) handleStream(c *gin.Context) {
	stream, cleanup, ok := h.subscribe(c)
	if !ok {
		return
	}
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(string(realtime.EventHeartbeat), heartbeatPayload{At: tick.UTC()})
			return true
		}
	})
}

// handleWebSocket serves the same events as JSON frames. Client frames are ignored apart from
// close and pong handling.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	stream, cleanup, ok := h.subscribe(c)
	if !ok {
		return
	}
	defer cleanup()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	conn.SetReadLimit(wsReadLimitBytes)
	pongWait := 2 * h.heartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			return
		case event, open := <-stream:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || allowsAnyOrigin(h.allowedOrigins) {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), parsed.Scheme+"://"+parsed.Host) {
			return true
		}
	}
	return false
}
