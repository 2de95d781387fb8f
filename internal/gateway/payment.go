package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payment status string reported by the gateway.
type Status string

const (
	StatusApproved    Status = "approved"
	StatusAuthorized  Status = "authorized"
	StatusPending     Status = "pending"
	StatusInProcess   Status = "in_process"
	StatusInMediation Status = "in_mediation"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusChargedBack Status = "charged_back"
)

// Category groups gateway statuses by their effect on an order.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryPending
	CategoryApproved
	CategoryFailed
	// CategoryReversed is money returned after an approval.
	CategoryReversed
)

// Category maps the status onto the order state machine's inputs.
func (s Status) Category() Category {
	switch s {
	case StatusApproved:
		return CategoryApproved
	case StatusPending, StatusInProcess, StatusInMediation, StatusAuthorized:
		return CategoryPending
	case StatusRejected, StatusCancelled:
		return CategoryFailed
	case StatusRefunded, StatusChargedBack:
		return CategoryReversed
	default:
		return CategoryUnknown
	}
}

// Payer identifies the person paying.
type Payer struct {
	Email                string
	FirstName            string
	LastName             string
	IdentificationType   string
	IdentificationNumber string
}

// PaymentRequest creates a card or PIX payment under a seller account with
// the platform's application fee.
type PaymentRequest struct {
	Amount            decimal.Decimal
	ApplicationFee    decimal.Decimal
	ExternalReference string
	NotificationURL   string
	Description       string
	// MethodID is "pix" or a card brand such as "visa".
	MethodID       string
	CardToken      string
	Installments   int
	IssuerID       string
	Payer          Payer
	IdempotencyKey string
}

// Payment is the subset of a gateway payment the reconciler needs.
type Payment struct {
	ID                string
	Status            Status
	StatusDetail      string
	ExternalReference string
	Amount            decimal.Decimal
	MethodID          string
	PIX               *PIXData
}

// PIXData is what the customer needs to pay a PIX charge.
type PIXData struct {
	QRCode       string // copy-paste code
	QRCodeBase64 string
	TicketURL    string
}

// Token is an OAuth grant for a seller account.
type Token struct {
	AccessToken  string
	RefreshToken string
	PublicKey    string
	UserID       string
	ExpiresIn    time.Duration
}
