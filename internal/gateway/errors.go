package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient covers network failures, timeouts, 429 and 5xx responses.
	// The operation may be retried; nothing should be recorded as final.
	ErrTransient = errors.New("gateway temporarily unavailable")
	// ErrUnauthorized means the access token was refused (401/403).
	ErrUnauthorized = errors.New("gateway rejected credentials")
	// ErrPaymentNotFound means the payment id is unknown to this account.
	ErrPaymentNotFound = errors.New("gateway payment not found")
)

// RejectionError is a terminal business rejection, either a 4xx response
// or a card payment created with a rejected status.
type RejectionError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway rejected payment: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("gateway rejected payment: %s", e.Message)
}

// Retryable reports whether err is worth retrying later.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
