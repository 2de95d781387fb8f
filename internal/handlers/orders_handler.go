package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/events"
	"github.com/imrishuroy/tablepay/internal/logger"
	"github.com/imrishuroy/tablepay/internal/orders"
	"github.com/imrishuroy/tablepay/internal/validation"
)

type ordersHandler struct {
	cfg HandlerConfig
}

type actionRequest struct {
	Reason string `json:"reason" validate:"max=280"`
}

// RegisterOrdersRoutes registers order intake, lookup and lifecycle routes.
func RegisterOrdersRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &ordersHandler{cfg: withDefaults(cfg)}

	r.POST("/orders", h.create)
	r.GET("/orders/:id", h.get)
	r.POST("/orders/:id/accept", h.action(orders.EventEstablishmentAccept))
	r.POST("/orders/:id/reject", h.action(orders.EventEstablishmentReject))
	r.POST("/orders/:id/complete", h.action(orders.EventComplete))
	r.POST("/orders/:id/cancel", h.action(orders.EventCustomerCancel))
}

func (h *ordersHandler) create(c *gin.Context) {
	ctx := c.Request.Context()

	// an order placed twice is two meals, so the key is mandatory here
	if c.GetHeader(idempotencyHeader) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "code": "missing_idempotency_key", "message": "Idempotency-Key header is required"})
		return
	}
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("could not read request body"))
		return
	}
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.cfg.Validator); err != nil {
		return
	}

	orderID := h.cfg.NewID()
	keyed(c, h.cfg.Idempotency, "orders", orderID, body, func() (int, any) {
		created, err := h.cfg.Orders.Create(ctx, req.Order(orderID))
		if err != nil {
			logger.FromGin(c).Error("create order", zap.String("order_id", orderID), zap.Error(err))
			return http.StatusInternalServerError, errorBody("could not create order")
		}
		if h.cfg.Publisher != nil {
			if err := h.cfg.Publisher.Publish(ctx, created); err != nil {
				logger.FromGin(c).Warn("new order not fully propagated", zap.String("order_id", orderID), zap.Error(err))
			}
		}
		c.Header("Location", fmt.Sprintf("/orders/%s", orderID))
		return http.StatusCreated, gin.H{"success": true, "order": created.View()}
	})
}

func (h *ordersHandler) get(c *gin.Context) {
	o, err := h.cfg.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, body := orderError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, o.View())
}

func (h *ordersHandler) action(kind orders.EventKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		orderID := c.Param("id")

		var req actionRequest
		if c.Request.ContentLength > 0 {
			if err := validation.BindAndValidate(c, &req, h.cfg.Validator); err != nil {
				return
			}
		}

		res, err := h.cfg.Orders.Apply(ctx, orderID, orders.Event{Kind: kind, Reason: req.Reason})
		if err != nil {
			status, body := orderError(err)
			if status >= http.StatusInternalServerError {
				logger.FromGin(c).Error("order action failed", zap.String("order_id", orderID), zap.String("event", string(kind)), zap.Error(err))
			}
			c.JSON(status, body)
			return
		}
		events.Notify(ctx, h.cfg.Publisher, res, logger.FromGin(c))
		c.JSON(http.StatusOK, gin.H{"success": true, "order": res.Order.View()})
	}
}

func orderError(err error) (int, gin.H) {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound, errorBody("order not found")
	case errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict, errorBody(err.Error())
	default:
		return http.StatusInternalServerError, errorBody("internal error")
	}
}

func withDefaults(cfg HandlerConfig) HandlerConfig {
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = defaultHeartbeat
	}
	if cfg.Publisher == nil && cfg.Broker != nil {
		cfg.Publisher = cfg.Broker
	}
	return cfg
}
