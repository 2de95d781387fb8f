package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/logger"
	"github.com/imrishuroy/tablepay/internal/orders"
	"github.com/imrishuroy/tablepay/internal/reconcile"
)

type webhookHandler struct {
	cfg HandlerConfig
}

// RegisterWebhookRoutes registers the gateway notification endpoint.
func RegisterWebhookRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &webhookHandler{cfg: withDefaults(cfg)}
	r.POST("/webhooks/payment", h.payment)
}

func (h *webhookHandler) payment(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	n := parseNotification(c, body)
	log := logger.FromGin(c).With(zap.String("type", n.Type), zap.String("payment_id", n.PaymentID))

	res, err := h.cfg.Reconciler.Handle(c.Request.Context(), n)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrUnresolved),
			errors.Is(err, reconcile.ErrForeignOrder),
			errors.Is(err, orders.ErrNotFound),
			errors.Is(err, gateway.ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			// a 5xx makes the gateway redeliver
			log.Error("webhook processing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		}
		return
	}

	if res.Outcome == reconcile.OutcomeIgnored && res.OrderID == "" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"orderId":       res.OrderID,
		"paymentStatus": res.PaymentStatus,
		"orderStatus":   res.OrderStatus,
	})
}

// parseNotification reads the JSON body, falling back to the query string
// form (?type=payment&data.id=123) some gateway notifications use.
func parseNotification(c *gin.Context, body []byte) reconcile.Notification {
	var n reconcile.Notification
	if gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		n.Type = doc.Get("type").String()
		n.Action = doc.Get("action").String()
		n.PaymentID = doc.Get("data.id").String()
	}
	if n.Type == "" {
		n.Type = c.Query("type")
		if n.Type == "" {
			n.Type = c.Query("topic")
		}
	}
	if n.PaymentID == "" {
		n.PaymentID = c.Query("data.id")
		if n.PaymentID == "" {
			n.PaymentID = c.Query("id")
		}
	}
	return n
}
