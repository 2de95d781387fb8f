// Package reconcile applies gateway payment notifications to orders.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/credentials"
	"github.com/imrishuroy/tablepay/internal/events"
	"github.com/imrishuroy/tablepay/internal/fees"
	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/metrics"
	"github.com/imrishuroy/tablepay/internal/orders"
)

var (
	// ErrUnresolved means no stored credential can see the payment. The
	// gateway keeps retrying on its own schedule.
	ErrUnresolved = errors.New("payment does not belong to any configured establishment")
	// ErrForeignOrder means the payment's external reference names an order
	// of another establishment, or not the order its initiation indexed.
	ErrForeignOrder = errors.New("order does not belong to the payment's establishment")
)

// Notification is the gateway webhook payload.
type Notification struct {
	Type      string
	Action    string
	PaymentID string
}

// Outcome summarizes what a notification did.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeConflict is an approval for money the order was not settled
	// with. It is acknowledged so the gateway stops retrying, and alerted.
	OutcomeConflict Outcome = "conflict"
)

// Result is returned for every notification that did not fail.
type Result struct {
	Outcome         Outcome
	PaymentID       string
	OrderID         string
	EstablishmentID string
	PaymentStatus   orders.PaymentStatus
	OrderStatus     orders.OrderStatus
}

// OrderStore reads orders and applies events to them.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	Apply(ctx context.Context, orderID string, ev orders.Event) (orders.Result, error)
}

// CredentialSource resolves credentials by establishment and lists them all
// for the fallback scan.
type CredentialSource interface {
	Resolve(ctx context.Context, establishmentID string) (*credentials.Credential, error)
	List(ctx context.Context) ([]credentials.Credential, error)
}

// PaymentIndex maps payment ids to establishments.
type PaymentIndex interface {
	Lookup(ctx context.Context, paymentID string) (*credentials.IndexEntry, error)
	Put(ctx context.Context, e credentials.IndexEntry) error
}

// PaymentFetcher fetches a payment with a seller's access token.
type PaymentFetcher interface {
	GetPayment(ctx context.Context, accessToken, paymentID string) (*gateway.Payment, error)
}

// Engine is the webhook reconciliation engine.
type Engine struct {
	orders    OrderStore
	creds     CredentialSource
	index     PaymentIndex
	gateway   PaymentFetcher
	fees      *fees.Calculator
	publisher events.Publisher
	metrics   metrics.Recorder
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// NewEngine wires an Engine. index, publisher and recorder may be nil.
func NewEngine(store OrderStore, creds CredentialSource, index PaymentIndex, gw PaymentFetcher, calc *fees.Calculator, pub events.Publisher, rec metrics.Recorder, logger *zap.Logger) *Engine {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		orders:    store,
		creds:     creds,
		index:     index,
		gateway:   gw,
		fees:      calc,
		publisher: pub,
		metrics:   rec,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Handle reconciles one notification. It is safe to call concurrently and
// repeatedly for the same payment.
func (e *Engine) Handle(ctx context.Context, n Notification) (Result, error) {
	if n.Type != "payment" || n.PaymentID == "" {
		e.metrics.Count(ctx, metrics.WebhookIgnored, map[string]string{"type": n.Type})
		return Result{Outcome: OutcomeIgnored, PaymentID: n.PaymentID}, nil
	}
	log := e.logger.With(zap.String("payment_id", n.PaymentID), zap.String("action", n.Action))

	res, err := e.handlePayment(ctx, n.PaymentID, log)
	switch {
	case err == nil:
		e.metrics.Count(ctx, metrics.WebhookProcessed, map[string]string{"outcome": string(res.Outcome)})
	case errors.Is(err, ErrUnresolved), errors.Is(err, ErrForeignOrder), errors.Is(err, orders.ErrNotFound):
		log.Warn("webhook dropped", zap.Error(err))
		e.metrics.Count(ctx, metrics.WebhookUnresolved, nil)
	default:
		log.Error("webhook failed", zap.Error(err))
		e.metrics.Count(ctx, metrics.WebhookFailed, nil)
	}
	return res, err
}

func (e *Engine) handlePayment(ctx context.Context, paymentID string, log *zap.Logger) (Result, error) {
	payment, estID, err := e.resolve(ctx, paymentID, log)
	if err != nil {
		return Result{PaymentID: paymentID}, err
	}
	out := Result{PaymentID: paymentID, OrderID: payment.ExternalReference, EstablishmentID: estID}
	log = log.With(
		zap.String("order_id", payment.ExternalReference),
		zap.String("establishment_id", estID),
		zap.String("gateway_status", string(payment.Status)),
	)
	if payment.ExternalReference == "" {
		return out, fmt.Errorf("%w: payment %s has no external reference", orders.ErrNotFound, paymentID)
	}

	o, err := e.orders.Get(ctx, payment.ExternalReference)
	if err != nil {
		return out, err
	}
	if o.EstablishmentID != estID {
		return out, fmt.Errorf("%w: order %s, establishment %s", ErrForeignOrder, o.ID, estID)
	}

	ev, ok, err := e.event(o, payment, log)
	if err != nil {
		return out, err
	}
	if !ok {
		out.Outcome = OutcomeIgnored
		out.PaymentStatus, out.OrderStatus = o.PaymentStatus(), o.OrderStatus()
		return out, nil
	}

	applied, err := e.orders.Apply(ctx, o.ID, ev)
	if err != nil {
		return out, fmt.Errorf("apply %s to order %s: %w", ev.Kind, o.ID, err)
	}
	events.Notify(ctx, e.publisher, applied, log)

	out.PaymentStatus = applied.Order.PaymentStatus()
	out.OrderStatus = applied.Order.OrderStatus()
	switch applied.Outcome {
	case orders.Applied:
		out.Outcome = OutcomeApplied
		log.Info("order reconciled",
			zap.String("payment_status", string(out.PaymentStatus)),
			zap.String("order_status", string(out.OrderStatus)),
			zap.Bool("settled", applied.Settled))
	case orders.Unchanged:
		out.Outcome = OutcomeDuplicate
		log.Debug("duplicate notification")
	case orders.Conflicting:
		out.Outcome = OutcomeConflict
		log.Error("approved payment does not match the order's settlement, refund required",
			zap.String("settled_payment_id", applied.Order.GatewayPaymentID),
			zap.String("payment_method", applied.Order.PaymentMethod),
			zap.String("payment_status", string(out.PaymentStatus)))
		e.metrics.Count(ctx, metrics.PaymentConflict, map[string]string{"source": "webhook"})
	default:
		out.Outcome = OutcomeDiscarded
		log.Info("out-of-order notification discarded",
			zap.String("payment_status", string(out.PaymentStatus)))
	}
	return out, nil
}

// event maps the gateway payment onto a state machine event. ok is false
// for statuses that carry no information for the order.
func (e *Engine) event(o *orders.Order, p *gateway.Payment, log *zap.Logger) (orders.Event, bool, error) {
	ev := orders.Event{PaymentID: p.ID}
	switch p.Status.Category() {
	case gateway.CategoryApproved:
		if p.Amount.IsPositive() && !p.Amount.Equal(o.TotalAmount) {
			log.Error("approved amount differs from order total, not confirming",
				zap.String("paid", p.Amount.String()),
				zap.String("total", o.TotalAmount.String()))
			return ev, false, nil
		}
		split, err := e.fees.Split(o.TotalAmount)
		if err != nil {
			return ev, false, fmt.Errorf("fee split for order %s: %w", o.ID, err)
		}
		ev.Kind, ev.Fee, ev.Net = orders.EventGatewayApproved, split.Fee, split.Net
	case gateway.CategoryPending:
		ev.Kind = orders.EventGatewayPending
	case gateway.CategoryFailed:
		ev.Kind, ev.Reason = orders.EventGatewayRejected, reason(p)
	case gateway.CategoryReversed:
		ev.Kind, ev.Reason = orders.EventGatewayReversed, reason(p)
	default:
		log.Warn("unknown gateway status ignored")
		return ev, false, nil
	}
	return ev, true, nil
}

func reason(p *gateway.Payment) string {
	if p.StatusDetail != "" {
		return p.StatusDetail
	}
	return string(p.Status)
}

// resolve finds the payment and the establishment that owns it: the payment
// index first, then every stored credential.
func (e *Engine) resolve(ctx context.Context, paymentID string, log *zap.Logger) (*gateway.Payment, string, error) {
	if e.index != nil {
		entry, err := e.index.Lookup(ctx, paymentID)
		switch {
		case err == nil:
			return e.fetchIndexed(ctx, paymentID, entry)
		case errors.Is(err, credentials.ErrNotIndexed):
		default:
			log.Warn("payment index lookup failed, scanning credentials", zap.Error(err))
		}
	}

	payment, estID, err := e.scan(ctx, paymentID, log)
	if err != nil {
		return nil, "", err
	}
	if e.index != nil {
		entry := credentials.IndexEntry{PaymentID: paymentID, EstablishmentID: estID, OrderID: payment.ExternalReference}
		if err := e.index.Put(ctx, entry); err != nil {
			log.Warn("payment index backfill failed", zap.Error(err))
		}
	}
	return payment, estID, nil
}

func (e *Engine) fetchIndexed(ctx context.Context, paymentID string, entry *credentials.IndexEntry) (*gateway.Payment, string, error) {
	estID := entry.EstablishmentID
	cred, err := e.creds.Resolve(ctx, estID)
	if errors.Is(err, credentials.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: establishment %s removed its credential", ErrUnresolved, estID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("resolve credential %s: %w", estID, err)
	}
	p, err := e.gateway.GetPayment(ctx, cred.AccessToken, paymentID)
	if errors.Is(err, gateway.ErrPaymentNotFound) || errors.Is(err, gateway.ErrUnauthorized) {
		return nil, "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	if err != nil {
		return nil, "", err
	}
	if entry.OrderID != "" && p.ExternalReference != entry.OrderID {
		return nil, "", fmt.Errorf("%w: payment %s was created for order %s, reports %q",
			ErrForeignOrder, paymentID, entry.OrderID, p.ExternalReference)
	}
	return p, estID, nil
}

// scan tries each credential until one can fetch the payment. Transient
// failures are reported only when no credential succeeds, so the gateway
// redelivers instead of the notification being dropped.
func (e *Engine) scan(ctx context.Context, paymentID string, log *zap.Logger) (*gateway.Payment, string, error) {
	all, err := e.creds.List(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("list credentials: %w", err)
	}
	e.metrics.Count(ctx, metrics.CredentialScanUsed, nil)

	now := e.nowFunc()
	var transient error
	for _, c := range all {
		if c.Expired(now) {
			refreshed, err := e.creds.Resolve(ctx, c.EstablishmentID)
			if err != nil {
				log.Debug("skipping expired credential", zap.String("establishment_id", c.EstablishmentID), zap.Error(err))
				continue
			}
			c = *refreshed
		}
		p, err := e.gateway.GetPayment(ctx, c.AccessToken, paymentID)
		switch {
		case err == nil:
			return p, c.EstablishmentID, nil
		case errors.Is(err, gateway.ErrPaymentNotFound), errors.Is(err, gateway.ErrUnauthorized):
		case gateway.Retryable(err):
			transient = err
		default:
			log.Debug("credential lookup failed", zap.String("establishment_id", c.EstablishmentID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
	}
	if transient != nil {
		return nil, "", fmt.Errorf("payment %s unresolved after transient failures: %w", paymentID, transient)
	}
	return nil, "", ErrUnresolved
}
