package payments

import (
	"strings"

	"github.com/imrishuroy/tablepay/internal/gateway"
)

// Method is the closed set of ways to settle an order: Card, PIX, Pindura
// and PayAtLocation.
type Method interface {
	Name() string
	gatewayMethod() bool
}

// Card is a tokenized card charged synchronously.
type Card struct {
	Token        string
	BrandID      string // gateway payment_method_id, e.g. "visa"
	Installments int
	IssuerID     string
	Payer        gateway.Payer
}

// PIX is an instant transfer; the customer pays a QR code and the result
// arrives by webhook.
type PIX struct {
	Payer gateway.Payer
}

// Pindura puts the bill on the establishment's tab.
type Pindura struct{}

// PayAtLocation settles at the counter.
type PayAtLocation struct{}

func (Card) Name() string          { return "credit_card" }
func (PIX) Name() string           { return "pix" }
func (Pindura) Name() string       { return "pindura" }
func (PayAtLocation) Name() string { return "pay_at_location" }

func (Card) gatewayMethod() bool          { return true }
func (PIX) gatewayMethod() bool           { return true }
func (Pindura) gatewayMethod() bool       { return false }
func (PayAtLocation) gatewayMethod() bool { return false }

// MethodInput is the loosely typed method data of a request.
type MethodInput struct {
	Name         string
	CardToken    string
	BrandID      string
	Installments int
	IssuerID     string
	Payer        gateway.Payer
}

// ParseMethod validates in and returns the matching Method.
func ParseMethod(in MethodInput) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(in.Name)) {
	case "card", "credit_card", "debit_card":
		if in.CardToken == "" {
			return nil, &ValidationError{Field: "cardToken", Message: "card payments require a gateway card token"}
		}
		if in.BrandID == "" {
			return nil, &ValidationError{Field: "paymentMethodId", Message: "card payments require the card brand"}
		}
		if err := validatePayer(in.Payer); err != nil {
			return nil, err
		}
		installments := in.Installments
		if installments <= 0 {
			installments = 1
		}
		return Card{
			Token:        in.CardToken,
			BrandID:      in.BrandID,
			Installments: installments,
			IssuerID:     in.IssuerID,
			Payer:        in.Payer,
		}, nil
	case "pix":
		if err := validatePayer(in.Payer); err != nil {
			return nil, err
		}
		return PIX{Payer: in.Payer}, nil
	case "pindura":
		return Pindura{}, nil
	case "pay_at_location", "local":
		return PayAtLocation{}, nil
	default:
		return nil, &ValidationError{Field: "paymentMethod", Message: "unsupported payment method " + in.Name}
	}
}

func validatePayer(p gateway.Payer) error {
	if p.Email == "" {
		return &ValidationError{Field: "payer.email", Message: "payer email is required"}
	}
	if p.IdentificationNumber != "" && p.IdentificationType == "" {
		return &ValidationError{Field: "payer.identification.type", Message: "identification type is required with a number"}
	}
	return nil
}
