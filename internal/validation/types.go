package validation

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/orders"
	"github.com/imrishuroy/tablepay/internal/payments"
)

// Item represents a single order line.
type Item struct {
	Name      string          `json:"name" validate:"required"`
	Quantity  int             `json:"quantity" validate:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"required,gt=0"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	EstablishmentID string          `json:"establishment_id" validate:"required"`
	TableNumber     string          `json:"table_number,omitempty" validate:"max=16"`
	CustomerID      string          `json:"customer_id,omitempty"`
	Items           []Item          `json:"items" validate:"required,min=1,dive"`
	Amount          decimal.Decimal `json:"amount" validate:"required,gt=0"` // total the client claims
}

// Order builds the pending order the request describes.
func (r CreateOrderRequest) Order(id string) orders.Order {
	items := make([]orders.Item, len(r.Items))
	for i, it := range r.Items {
		items[i] = orders.Item{Name: it.Name, UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}
	return orders.Order{
		ID:              id,
		EstablishmentID: r.EstablishmentID,
		TableNumber:     r.TableNumber,
		CustomerID:      r.CustomerID,
		Items:           items,
		TotalAmount:     r.Amount,
	}
}

// Payer identifies the person paying through the gateway.
type Payer struct {
	Email          string          `json:"email" validate:"omitempty,email"`
	FirstName      string          `json:"first_name,omitempty"`
	LastName       string          `json:"last_name,omitempty"`
	Identification *Identification `json:"identification,omitempty"`
}

// Identification is a payer document, CPF or CNPJ.
type Identification struct {
	Type   string `json:"type" validate:"required,oneof=CPF CNPJ"`
	Number string `json:"number" validate:"required,numeric,min=11,max=14"`
}

// InitiatePaymentRequest is the payload for POST /payments. Cards arrive
// tokenized; raw card data is refused.
type InitiatePaymentRequest struct {
	Amount          decimal.Decimal `json:"amount" validate:"required,gt=0"`
	OrderID         string          `json:"orderId" validate:"required"`
	RestaurantID    string          `json:"restaurantId" validate:"required"`
	PaymentMethod   string          `json:"paymentMethod" validate:"required,oneof=card credit_card debit_card pix pindura pay_at_location local"`
	Payer           *Payer          `json:"payer,omitempty"`
	CardToken       string          `json:"cardToken,omitempty"`
	PaymentMethodID string          `json:"paymentMethodId,omitempty"`
	Installments    int             `json:"installments,omitempty" validate:"omitempty,min=1,max=12"`
	IssuerID        string          `json:"issuerId,omitempty"`
	CardData        json.RawMessage `json:"cardData,omitempty"`
}

// MethodInput maps the request onto the payment method parser.
func (r InitiatePaymentRequest) MethodInput() payments.MethodInput {
	in := payments.MethodInput{
		Name:         strings.ToLower(r.PaymentMethod),
		CardToken:    r.CardToken,
		BrandID:      r.PaymentMethodID,
		Installments: r.Installments,
		IssuerID:     r.IssuerID,
	}
	if r.Payer != nil {
		in.Payer = gateway.Payer{
			Email:     r.Payer.Email,
			FirstName: r.Payer.FirstName,
			LastName:  r.Payer.LastName,
		}
		if id := r.Payer.Identification; id != nil {
			in.Payer.IdentificationType = id.Type
			in.Payer.IdentificationNumber = id.Number
		}
	}
	return in
}
