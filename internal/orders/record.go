package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// orderRecord is the item persisted in the orders table. Money is stored as
// decimal strings so no precision is lost to DynamoDB number handling.
type orderRecord struct {
	OrderID          string       `dynamodbav:"order_id"` // PK
	EstablishmentID  string       `dynamodbav:"establishment_id"`
	TableNumber      string       `dynamodbav:"table_number,omitempty"`
	CustomerID       string       `dynamodbav:"customer_id,omitempty"`
	Items            []itemRecord `dynamodbav:"items,omitempty"`
	TotalAmount      string       `dynamodbav:"total_amount"`
	ApplicationFee   string       `dynamodbav:"application_fee,omitempty"`
	NetAmount        string       `dynamodbav:"net_amount,omitempty"`
	State            string       `dynamodbav:"state"`
	Settlement       string       `dynamodbav:"settlement,omitempty"`
	PaymentStatus    string       `dynamodbav:"payment_status"`
	OrderStatus      string       `dynamodbav:"order_status"`
	PaymentMethod    string       `dynamodbav:"payment_method,omitempty"`
	GatewayPaymentID string       `dynamodbav:"gateway_payment_id,omitempty"`
	FailureReason    string       `dynamodbav:"failure_reason,omitempty"`
	AttemptKey       string       `dynamodbav:"attempt_key,omitempty"`
	Version          int64        `dynamodbav:"version"`
	CreatedAt        time.Time    `dynamodbav:"created_at"`
	UpdatedAt        time.Time    `dynamodbav:"updated_at"`
}

type itemRecord struct {
	Name      string `dynamodbav:"name"`
	UnitPrice string `dynamodbav:"unit_price"`
	Quantity  int    `dynamodbav:"quantity"`
}

type transactionRecord struct {
	TransactionID    string    `dynamodbav:"transaction_id"` // PK
	OrderID          string    `dynamodbav:"order_id"`
	EstablishmentID  string    `dynamodbav:"establishment_id"`
	Method           string    `dynamodbav:"method"`
	GatewayPaymentID string    `dynamodbav:"gateway_payment_id,omitempty"`
	Gross            string    `dynamodbav:"gross"`
	Fee              string    `dynamodbav:"fee"`
	Net              string    `dynamodbav:"net"`
	CreatedAt        time.Time `dynamodbav:"created_at"`
}

func toRecord(o Order) orderRecord {
	items := make([]itemRecord, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemRecord{Name: it.Name, UnitPrice: it.UnitPrice.String(), Quantity: it.Quantity})
	}
	rec := orderRecord{
		OrderID:          o.ID,
		EstablishmentID:  o.EstablishmentID,
		TableNumber:      o.TableNumber,
		CustomerID:       o.CustomerID,
		Items:            items,
		TotalAmount:      o.TotalAmount.String(),
		State:            string(o.State),
		Settlement:       string(o.Settlement),
		PaymentStatus:    string(o.PaymentStatus()),
		OrderStatus:      string(o.OrderStatus()),
		PaymentMethod:    o.PaymentMethod,
		GatewayPaymentID: o.GatewayPaymentID,
		FailureReason:    o.FailureReason,
		AttemptKey:       o.AttemptKey,
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	if o.Settlement != SettlementNone {
		rec.ApplicationFee = o.ApplicationFee.String()
		rec.NetAmount = o.NetAmount.String()
	}
	return rec
}

func fromRecord(rec orderRecord) (Order, error) {
	total, err := parseAmount(rec.TotalAmount)
	if err != nil {
		return Order{}, fmt.Errorf("order %s total_amount: %w", rec.OrderID, err)
	}
	fee, err := parseAmount(rec.ApplicationFee)
	if err != nil {
		return Order{}, fmt.Errorf("order %s application_fee: %w", rec.OrderID, err)
	}
	net, err := parseAmount(rec.NetAmount)
	if err != nil {
		return Order{}, fmt.Errorf("order %s net_amount: %w", rec.OrderID, err)
	}
	items := make([]Item, 0, len(rec.Items))
	for _, it := range rec.Items {
		price, err := parseAmount(it.UnitPrice)
		if err != nil {
			return Order{}, fmt.Errorf("order %s item %q: %w", rec.OrderID, it.Name, err)
		}
		items = append(items, Item{Name: it.Name, UnitPrice: price, Quantity: it.Quantity})
	}
	return Order{
		ID:               rec.OrderID,
		EstablishmentID:  rec.EstablishmentID,
		TableNumber:      rec.TableNumber,
		CustomerID:       rec.CustomerID,
		Items:            items,
		TotalAmount:      total,
		ApplicationFee:   fee,
		NetAmount:        net,
		State:            State(rec.State),
		Settlement:       Settlement(rec.Settlement),
		PaymentMethod:    rec.PaymentMethod,
		GatewayPaymentID: rec.GatewayPaymentID,
		FailureReason:    rec.FailureReason,
		AttemptKey:       rec.AttemptKey,
		Version:          rec.Version,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}, nil
}

func toTransactionRecord(t Transaction) transactionRecord {
	return transactionRecord{
		TransactionID:    t.ID,
		OrderID:          t.OrderID,
		EstablishmentID:  t.EstablishmentID,
		Method:           t.Method,
		GatewayPaymentID: t.GatewayPaymentID,
		Gross:            t.Gross.String(),
		Fee:              t.Fee.String(),
		Net:              t.Net.String(),
		CreatedAt:        t.CreatedAt,
	}
}

func fromTransactionRecord(rec transactionRecord) (Transaction, error) {
	gross, err := parseAmount(rec.Gross)
	if err != nil {
		return Transaction{}, err
	}
	fee, err := parseAmount(rec.Fee)
	if err != nil {
		return Transaction{}, err
	}
	net, err := parseAmount(rec.Net)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		ID:               rec.TransactionID,
		OrderID:          rec.OrderID,
		EstablishmentID:  rec.EstablishmentID,
		Method:           rec.Method,
		GatewayPaymentID: rec.GatewayPaymentID,
		Gross:            gross,
		Fee:              fee,
		Net:              net,
		CreatedAt:        rec.CreatedAt,
	}, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
