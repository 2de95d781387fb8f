package payments

import (
	"errors"
	"fmt"
)

var (
	// ErrPaymentsNotConfigured means the establishment has no usable gateway
	// credential; the customer should pick a non-gateway method.
	ErrPaymentsNotConfigured = errors.New("online payments are not configured for this establishment")
	// ErrOrderNotPayable means the order's payment is no longer pending.
	ErrOrderNotPayable = errors.New("order is not awaiting payment")
	// ErrPaymentInProgress means another attempt holds the order.
	ErrPaymentInProgress = errors.New("a payment attempt is already in progress")
	// ErrAmountMismatch means the requested amount is not the order total.
	ErrAmountMismatch = errors.New("amount does not match order total")
)

// ValidationError is a bad request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
