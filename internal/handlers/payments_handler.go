package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/logger"
	"github.com/imrishuroy/tablepay/internal/orders"
	"github.com/imrishuroy/tablepay/internal/payments"
	"github.com/imrishuroy/tablepay/internal/validation"
)

type paymentsHandler struct {
	cfg HandlerConfig
}

// RegisterPaymentsRoutes registers payment initiation.
func RegisterPaymentsRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &paymentsHandler{cfg: withDefaults(cfg)}
	r.POST("/payments", h.initiate)
}

func (h *paymentsHandler) initiate(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("could not read request body"))
		return
	}
	var req validation.InitiatePaymentRequest
	if err := validation.BindAndValidate(c, &req, h.cfg.Validator); err != nil {
		return
	}
	method, err := payments.ParseMethod(req.MethodInput())
	if err != nil {
		status, payload := paymentError(err)
		c.JSON(status, payload)
		return
	}

	keyed(c, h.cfg.Idempotency, "payments", req.OrderID, body, func() (int, any) {
		resp, err := h.cfg.Payments.Initiate(c.Request.Context(), payments.Request{
			OrderID:         req.OrderID,
			EstablishmentID: req.RestaurantID,
			Amount:          req.Amount,
			Method:          method,
		})
		if err != nil {
			status, payload := paymentError(err)
			if status >= http.StatusInternalServerError {
				logger.FromGin(c).Error("payment initiation failed", zap.String("order_id", req.OrderID), zap.Error(err))
			}
			return status, payload
		}
		return http.StatusOK, paymentBody(resp)
	})
}

func paymentBody(resp *payments.Response) gin.H {
	switch {
	case resp.PIX != nil:
		return gin.H{"success": true, "orderId": resp.Order.ID, "pixData": resp.PIX}
	case resp.Card != nil:
		return gin.H{"success": true, "orderId": resp.Order.ID, "payment": resp.Card}
	default:
		return gin.H{"success": true, "orderId": resp.Order.ID, "message": resp.Message}
	}
}

func paymentError(err error) (int, gin.H) {
	var (
		verr *payments.ValidationError
		rej  *gateway.RejectionError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, gin.H{"error": true, "message": verr.Message, "field": verr.Field}
	case errors.Is(err, payments.ErrAmountMismatch):
		return http.StatusBadRequest, errorBody(err.Error())
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound, errorBody("order not found")
	case errors.Is(err, payments.ErrPaymentsNotConfigured):
		return http.StatusUnprocessableEntity, gin.H{
			"error":   true,
			"code":    "payments_not_configured",
			"message": "Online payments are not available for this establishment. Choose pay at the counter or add to your tab.",
		}
	case errors.Is(err, payments.ErrOrderNotPayable), errors.Is(err, payments.ErrPaymentInProgress):
		return http.StatusConflict, errorBody(err.Error())
	case errors.As(err, &rej):
		msg := rej.Message
		if msg == "" {
			msg = "Payment declined"
		}
		return http.StatusPaymentRequired, gin.H{"error": true, "message": msg, "code": rej.Code}
	case errors.Is(err, gateway.ErrTransient):
		return http.StatusBadGateway, errorBody("payment provider unavailable, please try again")
	default:
		return http.StatusInternalServerError, errorBody("internal error")
	}
}
