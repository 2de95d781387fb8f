package handlers

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/credentials"
	"github.com/imrishuroy/tablepay/internal/events"
	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/idempotency"
	"github.com/imrishuroy/tablepay/internal/orders"
	"github.com/imrishuroy/tablepay/internal/payments"
	"github.com/imrishuroy/tablepay/internal/reconcile"
)

// OrderStore is what the order routes need from the order store.
type OrderStore interface {
	Create(ctx context.Context, o orders.Order) (orders.Order, error)
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	Apply(ctx context.Context, orderID string, ev orders.Event) (orders.Result, error)
}

// PaymentInitiator starts payments.
type PaymentInitiator interface {
	Initiate(ctx context.Context, req payments.Request) (*payments.Response, error)
}

// Reconciler handles gateway notifications.
type Reconciler interface {
	Handle(ctx context.Context, n reconcile.Notification) (reconcile.Result, error)
}

// CredentialManager stores establishment credentials.
type CredentialManager interface {
	Get(ctx context.Context, establishmentID string) (*credentials.Credential, error)
	Upsert(ctx context.Context, c credentials.Credential) error
	Delete(ctx context.Context, establishmentID string) error
}

// CodeExchanger trades an OAuth authorization code for a token.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*gateway.Token, error)
}

// HandlerConfig groups dependencies for the API routes. Idempotency and
// Broker may be nil, which disables keyed replays and event streams.
type HandlerConfig struct {
	Orders      OrderStore
	Payments    PaymentInitiator
	Reconciler  Reconciler
	Credentials CredentialManager
	OAuth       CodeExchanger
	Idempotency *idempotency.Store
	Broker      *events.Broker
	Publisher   events.Publisher
	Validator   *validatorv10.Validate
	Logger      *zap.Logger

	// StreamHeartbeat is the keep-alive interval on event streams.
	StreamHeartbeat time.Duration
	NewID           func() string
	Now             func() time.Time
}

const defaultHeartbeat = 25 * time.Second

// readBody returns the raw request body and puts it back for binding.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}

func errorBody(message string) gin.H {
	return gin.H{"error": true, "message": message}
}
