package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the single source of truth for an order's lifecycle. The
// payment_status/order_status pair exposed to clients is derived from it.
type State string

const (
	StatePending                  State = "pending"
	StateAwaitingGateway          State = "awaiting_gateway"
	StateConfirmed                State = "confirmed"
	StateFailed                   State = "failed"
	StateCompleted                State = "completed"
	StateCancelledByCustomer      State = "cancelled_by_customer"
	StateCancelledByEstablishment State = "cancelled_by_establishment"
)

// Settlement records how a confirmed order's bill was settled.
type Settlement string

const (
	SettlementNone          Settlement = ""
	SettlementGateway       Settlement = "gateway"
	SettlementPindura       Settlement = "pindura"
	SettlementPayAtLocation Settlement = "pay_at_location"
)

// PaymentStatus is the client-facing payment field.
type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "pending"
	PaymentPaid          PaymentStatus = "paid"
	PaymentFailed        PaymentStatus = "failed"
	PaymentPindura       PaymentStatus = "pindura"
	PaymentPayAtLocation PaymentStatus = "pay_at_location"
)

// OrderStatus is the client-facing fulfilment field.
type OrderStatus string

const (
	OrderPending                  OrderStatus = "pending"
	OrderConfirmed                OrderStatus = "confirmed"
	OrderCompleted                OrderStatus = "completed"
	OrderCancelledByCustomer      OrderStatus = "cancelled_by_customer"
	OrderCancelledByEstablishment OrderStatus = "cancelled_by_establishment"
)

// Item is a single order line.
type Item struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// Order is the aggregate reconciled between the customer, the initiation
// path and the gateway webhook.
type Order struct {
	ID              string
	EstablishmentID string
	TableNumber     string
	CustomerID      string // empty for walk-ins
	Items           []Item
	TotalAmount     decimal.Decimal

	// ApplicationFee and NetAmount are set when the order is settled.
	ApplicationFee decimal.Decimal
	NetAmount      decimal.Decimal

	State            State
	Settlement       Settlement
	PaymentMethod    string
	GatewayPaymentID string
	FailureReason    string
	// AttemptKey is the gateway idempotency key of the current claim. It
	// changes only when a new claim is made, so a retried create after an
	// unknown outcome reaches the gateway with the same key.
	AttemptKey string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentStatus projects State and Settlement onto the payment field.
func (o Order) PaymentStatus() PaymentStatus {
	if o.State == StateFailed {
		return PaymentFailed
	}
	switch o.Settlement {
	case SettlementGateway:
		return PaymentPaid
	case SettlementPindura:
		return PaymentPindura
	case SettlementPayAtLocation:
		return PaymentPayAtLocation
	default:
		return PaymentPending
	}
}

// OrderStatus projects State onto the fulfilment field.
func (o Order) OrderStatus() OrderStatus {
	switch o.State {
	case StateConfirmed:
		return OrderConfirmed
	case StateCompleted:
		return OrderCompleted
	case StateCancelledByCustomer:
		return OrderCancelledByCustomer
	case StateFailed, StateCancelledByEstablishment:
		return OrderCancelledByEstablishment
	default:
		return OrderPending
	}
}

// Terminal reports whether the order accepts no further fulfilment changes.
func (o Order) Terminal() bool {
	switch o.State {
	case StateCompleted, StateFailed, StateCancelledByCustomer, StateCancelledByEstablishment:
		return true
	}
	return false
}

// ItemsTotal sums unit price times quantity over the order lines.
func (o Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// View is the JSON shape of an order sent to clients and subscribers.
type View struct {
	ID               string          `json:"id"`
	EstablishmentID  string          `json:"establishment_id"`
	TableNumber      string          `json:"table_number,omitempty"`
	CustomerID       string          `json:"customer_id,omitempty"`
	Items            []Item          `json:"items"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	ApplicationFee   decimal.Decimal `json:"application_fee"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	OrderStatus      OrderStatus     `json:"order_status"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// View returns the client-facing representation.
func (o Order) View() View {
	items := o.Items
	if items == nil {
		items = []Item{}
	}
	return View{
		ID:               o.ID,
		EstablishmentID:  o.EstablishmentID,
		TableNumber:      o.TableNumber,
		CustomerID:       o.CustomerID,
		Items:            items,
		TotalAmount:      o.TotalAmount,
		ApplicationFee:   o.ApplicationFee,
		NetAmount:        o.NetAmount,
		PaymentStatus:    o.PaymentStatus(),
		OrderStatus:      o.OrderStatus(),
		PaymentMethod:    o.PaymentMethod,
		GatewayPaymentID: o.GatewayPaymentID,
		FailureReason:    o.FailureReason,
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

// Transaction is the append-only record of money settled for an order.
// There is at most one per order; its id is the order id.
type Transaction struct {
	ID               string
	OrderID          string
	EstablishmentID  string
	Method           string
	GatewayPaymentID string
	Gross            decimal.Decimal
	Fee              decimal.Decimal
	Net              decimal.Decimal
	CreatedAt        time.Time
}

// TransactionFor builds the settlement record for a freshly settled order.
func TransactionFor(o Order) Transaction {
	return Transaction{
		ID:               o.ID,
		OrderID:          o.ID,
		EstablishmentID:  o.EstablishmentID,
		Method:           o.PaymentMethod,
		GatewayPaymentID: o.GatewayPaymentID,
		Gross:            o.ApplicationFee.Add(o.NetAmount),
		Fee:              o.ApplicationFee,
		Net:              o.NetAmount,
		CreatedAt:        o.UpdatedAt,
	}
}
