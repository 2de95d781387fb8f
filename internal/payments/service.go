// Package payments initiates payments for orders.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/credentials"
	"github.com/imrishuroy/tablepay/internal/events"
	"github.com/imrishuroy/tablepay/internal/fees"
	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/metrics"
	"github.com/imrishuroy/tablepay/internal/orders"
)

// DefaultStaleClaim is how long an attempt may hold an order without a
// gateway payment id before another attempt may take over.
const DefaultStaleClaim = 2 * time.Minute

const releaseTimeout = 5 * time.Second

// OrderStore reads orders and applies state machine events to them.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	Apply(ctx context.Context, orderID string, ev orders.Event) (orders.Result, error)
}

// CredentialResolver returns a usable credential for an establishment.
type CredentialResolver interface {
	Resolve(ctx context.Context, establishmentID string) (*credentials.Credential, error)
}

// Gateway creates payments.
type Gateway interface {
	CreatePayment(ctx context.Context, accessToken string, req gateway.PaymentRequest) (*gateway.Payment, error)
}

// Indexer records which establishment owns a gateway payment id.
type Indexer interface {
	Put(ctx context.Context, e credentials.IndexEntry) error
}

// Config tunes the Service.
type Config struct {
	WebhookURL string
	StaleClaim time.Duration
}

// Request initiates payment of an order.
type Request struct {
	OrderID         string
	EstablishmentID string
	Amount          decimal.Decimal
	Method          Method
}

// PIXResult is what the customer needs to pay a PIX charge.
type PIXResult struct {
	QRCode     string `json:"qrCode"` // base64 image
	QRCodeText string `json:"qrCodeText"`
	PaymentID  string `json:"paymentId"`
	TicketURL  string `json:"ticketUrl,omitempty"`
}

// CardResult is the synchronous outcome of a card charge.
type CardResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	StatusDetail string `json:"status_detail"`
}

// Response is the outcome of a successful initiation. Exactly one of PIX
// and Card is set for gateway methods.
type Response struct {
	Order   orders.Order
	Method  string
	PIX     *PIXResult
	Card    *CardResult
	Message string
}

// Service initiates payments.
type Service struct {
	orders      OrderStore
	credentials CredentialResolver
	gateway     Gateway
	index       Indexer
	fees        *fees.Calculator
	publisher   events.Publisher
	metrics     metrics.Recorder
	cfg         Config
	logger      *zap.Logger
	nowFunc     func() time.Time
}

// NewService wires a Service. index, publisher and recorder may be nil.
func NewService(store OrderStore, cr CredentialResolver, gw Gateway, index Indexer, calc *fees.Calculator, pub events.Publisher, rec metrics.Recorder, cfg Config, logger *zap.Logger) *Service {
	if cfg.StaleClaim <= 0 {
		cfg.StaleClaim = DefaultStaleClaim
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		orders:      store,
		credentials: cr,
		gateway:     gw,
		index:       index,
		fees:        calc,
		publisher:   pub,
		metrics:     rec,
		cfg:         cfg,
		logger:      logger,
		nowFunc:     time.Now,
	}
}

// Initiate starts payment of an order with the requested method.
func (s *Service) Initiate(ctx context.Context, req Request) (*Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.EstablishmentID != req.EstablishmentID {
		return nil, &ValidationError{Field: "restaurantId", Message: "order does not belong to this establishment"}
	}
	if !req.Amount.Equal(o.TotalAmount) {
		return nil, fmt.Errorf("%w: requested %s, order total %s", ErrAmountMismatch, req.Amount, o.TotalAmount)
	}

	log := s.logger.With(
		zap.String("order_id", o.ID),
		zap.String("establishment_id", o.EstablishmentID),
		zap.String("method", req.Method.Name()),
	)

	var resp *Response
	switch m := req.Method.(type) {
	case Pindura:
		resp, err = s.settleLocally(ctx, o, orders.EventChoosePindura, m.Name())
	case PayAtLocation:
		resp, err = s.settleLocally(ctx, o, orders.EventChoosePayAtLocation, m.Name())
	case Card, PIX:
		resp, err = s.chargeGateway(ctx, o, req.Method, log)
	default:
		err = &ValidationError{Field: "paymentMethod", Message: "unsupported payment method"}
	}

	outcome := "ok"
	if err != nil {
		outcome = errorOutcome(err)
		log.Info("payment initiation failed", zap.Error(err))
	}
	s.metrics.Count(ctx, metrics.PaymentInitiated, map[string]string{"method": req.Method.Name(), "outcome": outcome})
	return resp, err
}

func validateRequest(req Request) error {
	switch {
	case req.OrderID == "":
		return &ValidationError{Field: "orderId", Message: "is required"}
	case req.EstablishmentID == "":
		return &ValidationError{Field: "restaurantId", Message: "is required"}
	case !req.Amount.IsPositive():
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	case req.Method == nil:
		return &ValidationError{Field: "paymentMethod", Message: "is required"}
	}
	return nil
}

// settleLocally confirms an order settled outside the gateway. Repeating the
// same choice succeeds without a second Transaction.
func (s *Service) settleLocally(ctx context.Context, o *orders.Order, kind orders.EventKind, method string) (*Response, error) {
	if err := s.checkAbandonable(o); err != nil {
		return nil, err
	}
	split := fees.NoFee(o.TotalAmount)
	res, err := s.orders.Apply(ctx, o.ID, orders.Event{Kind: kind, Fee: split.Fee, Net: split.Net})
	if errors.Is(err, orders.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: payment is %s", ErrOrderNotPayable, o.PaymentStatus())
	}
	if err != nil {
		return nil, err
	}
	events.Notify(ctx, s.publisher, res, s.logger)

	msg := "Order confirmed, pay at the counter"
	if kind == orders.EventChoosePindura {
		msg = "Order confirmed, added to your tab"
	}
	return &Response{Order: res.Order, Method: method, Message: msg}, nil
}

func (s *Service) chargeGateway(ctx context.Context, o *orders.Order, method Method, log *zap.Logger) (*Response, error) {
	resume, err := s.checkPayable(o, method)
	if err != nil {
		return nil, err
	}

	cred, err := s.credentials.Resolve(ctx, o.EstablishmentID)
	if errors.Is(err, credentials.ErrNotFound) || errors.Is(err, gateway.ErrUnauthorized) {
		return nil, fmt.Errorf("%w: %v", ErrPaymentsNotConfigured, err)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	split, err := s.fees.Split(o.TotalAmount)
	if err != nil {
		return nil, &ValidationError{Field: "amount", Message: err.Error()}
	}

	claimed := *o
	if resume {
		log.Info("resuming payment attempt with an unknown outcome", zap.String("attempt_key", attemptKey(o)))
	} else if claimed, err = s.claim(ctx, o, method.Name()); err != nil {
		return nil, err
	}

	greq := gateway.PaymentRequest{
		Amount:            o.TotalAmount,
		ApplicationFee:    split.Fee,
		ExternalReference: o.ID,
		NotificationURL:   s.cfg.WebhookURL,
		Description:       "Order " + o.ID,
		IdempotencyKey:    attemptKey(&claimed),
	}
	switch m := method.(type) {
	case Card:
		greq.MethodID = m.BrandID
		greq.CardToken = m.Token
		greq.Installments = m.Installments
		greq.IssuerID = m.IssuerID
		greq.Payer = m.Payer
	case PIX:
		greq.MethodID = "pix"
		greq.Payer = m.Payer
	}

	payment, err := s.gateway.CreatePayment(ctx, cred.AccessToken, greq)
	if err != nil {
		if !createRefused(err) {
			// the gateway may have created the payment; keep the claim so a
			// retry sends the same idempotency key
			log.Warn("payment create outcome unknown, claim kept", zap.String("attempt_key", greq.IdempotencyKey), zap.Error(err))
			return nil, err
		}
		s.release(ctx, o.ID, log)
		if errors.Is(err, gateway.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", ErrPaymentsNotConfigured, err)
		}
		return nil, err
	}
	log = log.With(zap.String("payment_id", payment.ID), zap.String("gateway_status", string(payment.Status)))

	if s.index != nil {
		entry := credentials.IndexEntry{PaymentID: payment.ID, EstablishmentID: o.EstablishmentID, OrderID: o.ID}
		if err := s.index.Put(ctx, entry); err != nil {
			log.Warn("payment index write failed, webhook will fall back to credential scan", zap.Error(err))
		}
	}

	ev := orders.Event{PaymentID: payment.ID}
	switch payment.Status.Category() {
	case gateway.CategoryApproved:
		ev.Kind, ev.Fee, ev.Net = orders.EventGatewayApproved, split.Fee, split.Net
	case gateway.CategoryFailed:
		ev.Kind, ev.Reason = orders.EventGatewayRejected, payment.StatusDetail
	case gateway.CategoryPending:
		ev.Kind = orders.EventGatewayPending
	default:
		// the webhook will deliver the real outcome
		log.Warn("unexpected status on payment creation")
		ev.Kind = orders.EventGatewayPending
	}
	res, err := s.orders.Apply(ctx, o.ID, ev)
	if err != nil {
		return nil, fmt.Errorf("record gateway payment %s: %w", payment.ID, err)
	}
	events.Notify(ctx, s.publisher, res, s.logger)
	if res.Outcome == orders.Conflicting {
		log.Error("gateway approved a payment the order was not settled with, refund required",
			zap.String("settled_payment_id", res.Order.GatewayPaymentID),
			zap.String("payment_method", res.Order.PaymentMethod))
		s.metrics.Count(ctx, metrics.PaymentConflict, map[string]string{"source": "initiation"})
		return nil, fmt.Errorf("%w: payment is %s", ErrOrderNotPayable, res.Order.PaymentStatus())
	}

	if ev.Kind == orders.EventGatewayRejected {
		detail := payment.StatusDetail
		if detail == "" {
			detail = string(payment.Status)
		}
		s.metrics.Count(ctx, metrics.PaymentRejected, map[string]string{"method": method.Name(), "detail": detail})
		return nil, &gateway.RejectionError{Code: detail, Message: rejectionMessage(detail)}
	}

	resp := &Response{Order: res.Order, Method: method.Name()}
	if _, ok := method.(PIX); ok {
		pix, err := pixResult(payment)
		if err != nil {
			return nil, err
		}
		resp.PIX = pix
		return resp, nil
	}
	resp.Card = &CardResult{ID: payment.ID, Status: string(payment.Status), StatusDetail: payment.StatusDetail}
	return resp, nil
}

// checkPayable admits a pending order. An order held by an earlier attempt
// is resumed when the attempt used the same method and has no gateway
// payment yet, since its create may have reached the gateway; resuming
// reuses the attempt's idempotency key. A stale attempt with another method
// may be taken over with a new key.
func (s *Service) checkPayable(o *orders.Order, method Method) (resume bool, err error) {
	switch o.State {
	case orders.StatePending:
		return false, nil
	case orders.StateAwaitingGateway:
		switch {
		case o.GatewayPaymentID != "":
			return false, outstanding(o)
		case o.PaymentMethod == method.Name():
			return true, nil
		case s.stale(o):
			return false, nil
		}
		return false, ErrPaymentInProgress
	default:
		return false, fmt.Errorf("%w: payment is %s", ErrOrderNotPayable, o.PaymentStatus())
	}
}

// checkAbandonable decides whether a local settlement may replace the
// current gateway attempt. An issued PIX charge can be abandoned: nothing is
// taken until the customer pays it, and paying it later is reported as a
// conflict. A card attempt may already have captured money.
func (s *Service) checkAbandonable(o *orders.Order) error {
	if o.State != orders.StateAwaitingGateway {
		return nil
	}
	switch {
	case o.GatewayPaymentID != "" && o.PaymentMethod == (PIX{}).Name():
		return nil
	case o.GatewayPaymentID != "":
		return outstanding(o)
	case s.stale(o):
		return nil
	}
	return ErrPaymentInProgress
}

func outstanding(o *orders.Order) error {
	if o.PaymentMethod == (PIX{}).Name() {
		return fmt.Errorf("%w: PIX charge %s is waiting for the customer's transfer", ErrPaymentInProgress, o.GatewayPaymentID)
	}
	return fmt.Errorf("%w: %s payment %s is being processed", ErrPaymentInProgress, o.PaymentMethod, o.GatewayPaymentID)
}

func (s *Service) stale(o *orders.Order) bool {
	return o.GatewayPaymentID == "" && s.nowFunc().Sub(o.UpdatedAt) >= s.cfg.StaleClaim
}

// attemptKey is the gateway idempotency key of the order's current claim.
func attemptKey(o *orders.Order) string {
	if o.AttemptKey != "" {
		return o.AttemptKey
	}
	return fmt.Sprintf("%s:%d", o.ID, o.Version)
}

// createRefused reports whether the gateway definitely did not create the
// payment, so the claim can be released.
func createRefused(err error) bool {
	var rej *gateway.RejectionError
	return errors.Is(err, gateway.ErrUnauthorized) || errors.As(err, &rej)
}

// claim moves the order to awaiting_gateway, taking over a stale claim first.
func (s *Service) claim(ctx context.Context, o *orders.Order, method string) (orders.Order, error) {
	if o.State == orders.StateAwaitingGateway {
		res, err := s.orders.Apply(ctx, o.ID, orders.Event{Kind: orders.EventReleaseClaim})
		if err != nil {
			return orders.Order{}, fmt.Errorf("release stale claim: %w", err)
		}
		events.Notify(ctx, s.publisher, res, s.logger)
	}
	res, err := s.orders.Apply(ctx, o.ID, orders.Event{Kind: orders.EventInitiate, Method: method})
	if errors.Is(err, orders.ErrInvalidTransition) {
		if res.Order.State == orders.StateAwaitingGateway {
			return orders.Order{}, ErrPaymentInProgress
		}
		return orders.Order{}, fmt.Errorf("%w: payment is %s", ErrOrderNotPayable, res.Order.PaymentStatus())
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("claim order: %w", err)
	}
	events.Notify(ctx, s.publisher, res, s.logger)
	return res.Order, nil
}

// release returns the order to pending after a failed gateway call. It runs
// even when the request context is done.
func (s *Service) release(ctx context.Context, orderID string, log *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	res, err := s.orders.Apply(rctx, orderID, orders.Event{Kind: orders.EventReleaseClaim})
	if err != nil {
		log.Error("failed to release payment claim", zap.Error(err))
		return
	}
	events.Notify(rctx, s.publisher, res, s.logger)
}

func pixResult(p *gateway.Payment) (*PIXResult, error) {
	if p.PIX == nil || p.PIX.QRCode == "" {
		return nil, fmt.Errorf("gateway payment %s has no PIX code", p.ID)
	}
	img := p.PIX.QRCodeBase64
	if img == "" {
		var err error
		if img, err = gateway.RenderQR(p.PIX.QRCode); err != nil {
			return nil, err
		}
	}
	return &PIXResult{
		QRCode:     img,
		QRCodeText: p.PIX.QRCode,
		PaymentID:  p.ID,
		TicketURL:  p.PIX.TicketURL,
	}, nil
}

func rejectionMessage(detail string) string {
	switch detail {
	case "cc_rejected_insufficient_amount":
		return "Card declined: insufficient funds"
	case "cc_rejected_bad_filled_security_code":
		return "Card declined: check the security code"
	case "cc_rejected_bad_filled_date":
		return "Card declined: check the expiration date"
	case "cc_rejected_call_for_authorize":
		return "Card declined: authorize the payment with your card issuer"
	case "cc_rejected_high_risk":
		return "Card declined by fraud prevention"
	default:
		return "Payment declined"
	}
}

func errorOutcome(err error) string {
	var (
		verr *ValidationError
		rej  *gateway.RejectionError
	)
	switch {
	case errors.As(err, &verr), errors.Is(err, ErrAmountMismatch):
		return "invalid"
	case errors.Is(err, ErrPaymentsNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrOrderNotPayable), errors.Is(err, ErrPaymentInProgress):
		return "conflict"
	case errors.As(err, &rej):
		return "rejected"
	case gateway.Retryable(err):
		return "transient"
	default:
		return "error"
	}
}
