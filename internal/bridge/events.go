package bridge

import (
	"io"
	"time"

	"histeeria-chatsync/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventBuffer       = 64
	heartbeatInterval = 25 * time.Second
)

// Events handles GET /events: notices as a server-sent event stream. A
// client that falls behind loses notices rather than stalling the engine.
func (h *Handler) Events(c *gin.Context) {
	ch := make(chan models.Notice, eventBuffer)
	unsubscribe := h.engine.Subscribe(func(n models.Notice) {
		select {
		case ch <- n:
		default:
			h.logger.Debug("Bridge: event stream behind, dropping notice", zap.String("kind", string(n.Kind)))
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"online": h.engine.Online()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case n := <-ch:
			c.SSEvent(string(n.Kind), n)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"queueLength": h.engine.QueueLength()})
			return true
		}
	})
}
