package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/tablepay/internal/events"
)

type streamHandler struct {
	cfg HandlerConfig
}

// RegisterStreamRoutes registers the server-sent event streams for order
// tracking and establishment dashboards.
func RegisterStreamRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &streamHandler{cfg: withDefaults(cfg)}
	if h.cfg.Broker == nil {
		return
	}
	r.GET("/orders/:id/events", h.order)
	r.GET("/establishments/:id/events", h.establishment)
}

func (h *streamHandler) order(c *gin.Context) {
	// subscribe before reading the snapshot so no change falls between them
	sub := h.cfg.Broker.Subscribe(events.ForOrder(c.Param("id")))
	defer sub.Close()

	o, err := h.cfg.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, body := orderError(err)
		c.JSON(status, body)
		return
	}

	// the snapshot goes first; later events with a lower version are stale
	h.stream(c, sub, func() {
		c.SSEvent(events.TypeOrderUpdated, events.Event{
			ID:         h.cfg.NewID(),
			Type:       events.TypeOrderUpdated,
			Order:      o.View(),
			OccurredAt: o.UpdatedAt,
		})
	})
}

func (h *streamHandler) establishment(c *gin.Context) {
	sub := h.cfg.Broker.Subscribe(events.ForEstablishment(c.Param("id")))
	defer sub.Close()

	h.stream(c, sub, func() {
		c.SSEvent("ready", gin.H{"establishment_id": c.Param("id")})
	})
}

func (h *streamHandler) stream(c *gin.Context, sub *events.Subscription, hello func()) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	hello()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.cfg.StreamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
