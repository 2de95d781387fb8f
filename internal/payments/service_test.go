package payments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/tablepay/internal/credentials"
	"github.com/imrishuroy/tablepay/internal/events"
	"github.com/imrishuroy/tablepay/internal/fees"
	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/orders"
	"github.com/imrishuroy/tablepay/internal/testutil"
)

type harness struct {
	db     *testutil.Dynamo
	gw     *testutil.Gateway
	orders *orders.Store
	creds  *credentials.Directory
	index  *credentials.PaymentIndex
	broker *events.Broker
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDynamo(map[string]string{
		"orders":              "order_id",
		"transactions":        "transaction_id",
		"gateway_credentials": "establishment_id",
		"payment_index":       "payment_id",
	})
	gw := testutil.NewGateway(t)
	client := gateway.NewClient(gateway.Config{BaseURL: gw.URL(), Timeout: 2 * time.Second})
	calc, err := fees.NewCalculator(fees.DefaultRate)
	require.NoError(t, err)

	h := &harness{
		db:     db,
		gw:     gw,
		orders: orders.NewStore(db, "orders", "transactions"),
		index:  credentials.NewPaymentIndex(db, "payment_index"),
		broker: events.NewBroker(nil),
	}
	h.creds = credentials.NewDirectory(credentials.NewStore(db, "gateway_credentials"), nil, client, nil, credentials.DirectoryConfig{}, nil)
	h.svc = NewService(h.orders, h.creds, client, h.index, calc, h.broker, nil, Config{WebhookURL: "https://api.test/webhooks/payment"}, nil)
	return h
}

func (h *harness) seedOrder(t *testing.T, id, est, total string) {
	t.Helper()
	_, err := h.orders.Create(context.Background(), orders.Order{
		ID:              id,
		EstablishmentID: est,
		TotalAmount:     decimal.RequireFromString(total),
	})
	require.NoError(t, err)
}

func (h *harness) configure(t *testing.T, est, token string) {
	t.Helper()
	require.NoError(t, h.creds.Upsert(context.Background(), credentials.Credential{EstablishmentID: est, AccessToken: token}))
}

func (h *harness) order(t *testing.T, id string) *orders.Order {
	t.Helper()
	o, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

var payer = gateway.Payer{Email: "diner@example.test", IdentificationType: "CPF", IdentificationNumber: "12345678909"}

func pixRequest(orderID, est, amount string) Request {
	return Request{OrderID: orderID, EstablishmentID: est, Amount: decimal.RequireFromString(amount), Method: PIX{Payer: payer}}
}

func cardRequest(orderID, est, amount string) Request {
	return Request{
		OrderID:         orderID,
		EstablishmentID: est,
		Amount:          decimal.RequireFromString(amount),
		Method:          Card{Token: "card-tok", BrandID: "visa", Installments: 1, Payer: payer},
	}
}

func TestInitiate_PIXUnconfiguredEstablishment(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "est-1", "50.00")

	_, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentsNotConfigured)

	o := h.order(t, "ord-1")
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus())
	assert.Equal(t, orders.OrderPending, o.OrderStatus())
	assert.Equal(t, int64(1), o.Version)
	assert.Empty(t, h.gw.Creates())
}

func TestInitiate_PIXReturnsQRAndStaysPending(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "est-1", "50.00")
	h.configure(t, "est-1", "tok-est-1")
	sub := h.broker.Subscribe(events.ForOrder("ord-1"))
	defer sub.Close()

	resp, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
	require.NoError(t, err)
	require.NotNil(t, resp.PIX)
	assert.NotEmpty(t, resp.PIX.QRCodeText)
	assert.NotEmpty(t, resp.PIX.QRCode)
	assert.NotEmpty(t, resp.PIX.PaymentID)

	o := h.order(t, "ord-1")
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus())
	assert.Equal(t, orders.OrderPending, o.OrderStatus())
	assert.Equal(t, resp.PIX.PaymentID, o.GatewayPaymentID)
	assert.Equal(t, 0, h.db.Len("transactions"))

	creates := h.gw.Creates()
	require.Len(t, creates, 1)
	assert.Equal(t, "tok-est-1", creates[0].Token)
	assert.Equal(t, "ord-1:2", creates[0].IdempotencyKey)
	assert.Equal(t, "ord-1", creates[0].Body["external_reference"])
	assert.Equal(t, "1.50", creates[0].Body["application_fee"].(json.Number).String())
	assert.Equal(t, "https://api.test/webhooks/payment", creates[0].Body["notification_url"])

	entry, err := h.index.Lookup(context.Background(), resp.PIX.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "est-1", entry.EstablishmentID)
	assert.Equal(t, "ord-1", entry.OrderID)

	// claim and payment id recording
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			assert.Equal(t, orders.PaymentPending, ev.Order.PaymentStatus)
		case <-time.After(time.Second):
			t.Fatal("expected order event")
		}
	}

	_, err = h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
	assert.ErrorIs(t, err, ErrPaymentInProgress)
	assert.Len(t, h.gw.Creates(), 1)
}

func TestInitiate_PIXRendersMissingQRImage(t *testing.T) {
	h := newHarness(t)
	h.gw.OmitQRImage = true
	h.seedOrder(t, "ord-1", "est-1", "20.00")
	h.configure(t, "est-1", "tok")

	resp, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "20.00"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.PIX.QRCode)
	assert.NotEqual(t, "iVBORw0KGgoAAAANSUhEUg==", resp.PIX.QRCode)
}

func TestInitiate_CardApproved(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "est-1", "100.00")
	h.configure(t, "est-1", "tok")

	resp, err := h.svc.Initiate(context.Background(), cardRequest("ord-1", "est-1", "100.00"))
	require.NoError(t, err)
	require.NotNil(t, resp.Card)
	assert.Equal(t, "approved", resp.Card.Status)

	o := h.order(t, "ord-1")
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus())
	assert.Equal(t, orders.OrderConfirmed, o.OrderStatus())

	txn, err := h.orders.GetTransaction(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.True(t, txn.Gross.Equal(decimal.RequireFromString("100")))
	assert.True(t, txn.Fee.Equal(decimal.RequireFromString("3")))
	assert.True(t, txn.Net.Equal(decimal.RequireFromString("97")))
	assert.Equal(t, resp.Card.ID, txn.GatewayPaymentID)

	_, err = h.svc.Initiate(context.Background(), cardRequest("ord-1", "est-1", "100.00"))
	assert.ErrorIs(t, err, ErrOrderNotPayable)
	assert.Equal(t, 1, h.db.Len("transactions"))
}

func TestInitiate_CardRejected(t *testing.T) {
	h := newHarness(t)
	h.gw.CreateStatus = func(string) (string, string) { return "rejected", "cc_rejected_insufficient_amount" }
	h.seedOrder(t, "ord-1", "est-1", "100.00")
	h.configure(t, "est-1", "tok")

	_, err := h.svc.Initiate(context.Background(), cardRequest("ord-1", "est-1", "100.00"))
	var rej *gateway.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "cc_rejected_insufficient_amount", rej.Code)
	assert.Contains(t, rej.Message, "insufficient funds")

	o := h.order(t, "ord-1")
	assert.Equal(t, orders.PaymentFailed, o.PaymentStatus())
	assert.Equal(t, orders.OrderCancelledByEstablishment, o.OrderStatus())
	assert.Equal(t, 0, h.db.Len("transactions"))
}

func TestInitiate_LostCreateResponseIsResumedWithSameKey(t *testing.T) {
	h := newHarness(t)
	h.gw.LoseCreates = 1
	h.seedOrder(t, "ord-1", "est-1", "50.00")
	h.configure(t, "est-1", "tok")

	_, err := h.svc.Initiate(context.Background(), cardRequest("ord-1", "est-1", "50.00"))
	assert.ErrorIs(t, err, gateway.ErrTransient)
	o := h.order(t, "ord-1")
	assert.Equal(t, orders.StateAwaitingGateway, o.State)
	assert.Equal(t, "ord-1:2", o.AttemptKey)

	resp, err := h.svc.Initiate(context.Background(), cardRequest("ord-1", "est-1", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPaid, resp.Order.PaymentStatus())

	creates := h.gw.Creates()
	require.Len(t, creates, 2)
	assert.Equal(t, creates[0].IdempotencyKey, creates[1].IdempotencyKey)
	assert.Equal(t, 1, h.gw.PaymentCount())
	assert.Equal(t, 1, h.db.Len("transactions"))
	assert.Equal(t, resp.Card.ID, h.order(t, "ord-1").GatewayPaymentID)
}

func TestInitiate_CreateFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		target error
		state  orders.State
	}{
		{"unavailable keeps claim", 503, gateway.ErrTransient, orders.StateAwaitingGateway},
		{"bad request releases claim", 400, nil, orders.StatePending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.gw.CreateError = tc.status
			h.seedOrder(t, "ord-1", "est-1", "50.00")
			h.configure(t, "est-1", "tok")

			_, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
			require.Error(t, err)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			} else {
				var rej *gateway.RejectionError
				assert.True(t, errors.As(err, &rej))
			}
			assert.Equal(t, tc.state, h.order(t, "ord-1").State)

			h.gw.CreateError = 0
			resp, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
			require.NoError(t, err)
			assert.Equal(t, resp.PIX.PaymentID, h.order(t, "ord-1").GatewayPaymentID)
			assert.Equal(t, 1, h.gw.PaymentCount())
		})
	}
}

func TestInitiate_RevokedTokenIsNotConfigured(t *testing.T) {
	h := newHarness(t)
	h.gw.Revoked["tok"] = true
	h.seedOrder(t, "ord-1", "est-1", "50.00")
	h.configure(t, "est-1", "tok")

	_, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
	assert.ErrorIs(t, err, ErrPaymentsNotConfigured)
	assert.Equal(t, orders.StatePending, h.order(t, "ord-1").State)
}

func TestInitiate_StaleClaimIsTakenOver(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "est-1", "50.00")
	h.configure(t, "est-1", "tok")
	_, err := h.orders.Apply(context.Background(), "ord-1", orders.Event{Kind: orders.EventInitiate, Method: "credit_card"})
	require.NoError(t, err)

	_, err = h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
	assert.ErrorIs(t, err, ErrPaymentInProgress)
	_, err = h.svc.Initiate(context.Background(), Request{OrderID: "ord-1", EstablishmentID: "est-1", Amount: decimal.RequireFromString("50"), Method: Pindura{}})
	assert.ErrorIs(t, err, ErrPaymentInProgress)
	assert.Empty(t, h.gw.Creates())

	h.svc.nowFunc = func() time.Time { return time.Now().Add(DefaultStaleClaim + time.Second) }
	resp, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
	require.NoError(t, err)
	o := h.order(t, "ord-1")
	assert.Equal(t, resp.PIX.PaymentID, o.GatewayPaymentID)
	assert.Equal(t, "pix", o.PaymentMethod)

	creates := h.gw.Creates()
	require.Len(t, creates, 1)
	assert.Equal(t, "ord-1:4", creates[0].IdempotencyKey)
}

func TestInitiate_SameMethodResumesClaim(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "est-1", "50.00")
	h.configure(t, "est-1", "tok")
	res, err := h.orders.Apply(context.Background(), "ord-1", orders.Event{Kind: orders.EventInitiate, Method: "credit_card"})
	require.NoError(t, err)

	_, err = h.svc.Initiate(context.Background(), cardRequest("ord-1", "est-1", "50.00"))
	require.NoError(t, err)
	creates := h.gw.Creates()
	require.Len(t, creates, 1)
	assert.Equal(t, res.Order.AttemptKey, creates[0].IdempotencyKey)
}

func TestInitiate_LocalChoiceWhilePIXOutstanding(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "est-1", "50.00")
	h.configure(t, "est-1", "tok")
	pix, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
	require.NoError(t, err)

	_, err = h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "50.00"))
	assert.ErrorIs(t, err, ErrPaymentInProgress)
	assert.Contains(t, err.Error(), pix.PIX.PaymentID)

	resp, err := h.svc.Initiate(context.Background(), Request{OrderID: "ord-1", EstablishmentID: "est-1", Amount: decimal.RequireFromString("50"), Method: Pindura{}})
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPindura, resp.Order.PaymentStatus())
	assert.Equal(t, orders.OrderConfirmed, resp.Order.OrderStatus())
	assert.Empty(t, resp.Order.GatewayPaymentID)

	// the abandoned charge is paid anyway
	res, err := h.orders.Apply(context.Background(), "ord-1", orders.Event{Kind: orders.EventGatewayApproved, PaymentID: pix.PIX.PaymentID})
	require.NoError(t, err)
	assert.Equal(t, orders.Conflicting, res.Outcome)
	assert.Equal(t, orders.PaymentPindura, h.order(t, "ord-1").PaymentStatus())
	assert.Equal(t, 1, h.db.Len("transactions"))
}

func TestInitiate_LocalChoiceWhileCardOutstanding(t *testing.T) {
	h := newHarness(t)
	h.gw.CreateStatus = func(string) (string, string) { return "in_process", "pending_contingency" }
	h.seedOrder(t, "ord-1", "est-1", "50.00")
	h.configure(t, "est-1", "tok")
	card, err := h.svc.Initiate(context.Background(), cardRequest("ord-1", "est-1", "50.00"))
	require.NoError(t, err)

	_, err = h.svc.Initiate(context.Background(), Request{OrderID: "ord-1", EstablishmentID: "est-1", Amount: decimal.RequireFromString("50"), Method: PayAtLocation{}})
	assert.ErrorIs(t, err, ErrPaymentInProgress)
	assert.Contains(t, err.Error(), card.Card.ID)
	assert.Equal(t, orders.StateAwaitingGateway, h.order(t, "ord-1").State)
}

func TestInitiate_LocalSettlement(t *testing.T) {
	cases := []struct {
		method Method
		status orders.PaymentStatus
	}{
		{Pindura{}, orders.PaymentPindura},
		{PayAtLocation{}, orders.PaymentPayAtLocation},
	}
	for _, tc := range cases {
		t.Run(tc.method.Name(), func(t *testing.T) {
			h := newHarness(t)
			h.seedOrder(t, "ord-1", "est-1", "80.00")
			req := Request{OrderID: "ord-1", EstablishmentID: "est-1", Amount: decimal.RequireFromString("80"), Method: tc.method}

			resp, err := h.svc.Initiate(context.Background(), req)
			require.NoError(t, err)
			assert.NotEmpty(t, resp.Message)
			assert.Equal(t, tc.status, resp.Order.PaymentStatus())
			assert.Equal(t, orders.OrderConfirmed, resp.Order.OrderStatus())

			txn, err := h.orders.GetTransaction(context.Background(), "ord-1")
			require.NoError(t, err)
			assert.True(t, txn.Fee.IsZero())
			assert.True(t, txn.Net.Equal(decimal.RequireFromString("80")))

			_, err = h.svc.Initiate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, 1, h.db.Len("transactions"))

			_, err = h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "80.00"))
			assert.ErrorIs(t, err, ErrOrderNotPayable)
			assert.Empty(t, h.gw.Creates())
		})
	}
}

func TestInitiate_RequestValidation(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "est-1", "50.00")

	_, err := h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "49.99"))
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, err = h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-2", "50.00"))
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = h.svc.Initiate(context.Background(), pixRequest("ord-1", "est-1", "0"))
	assert.True(t, errors.As(err, &verr))

	_, err = h.svc.Initiate(context.Background(), pixRequest("missing", "est-1", "50.00"))
	assert.ErrorIs(t, err, orders.ErrNotFound)
}
