// Package fees computes the marketplace split between the platform fee and
// the establishment's net amount.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultRate is the platform's cut of every gateway payment.
var DefaultRate = decimal.RequireFromString("0.03")

var (
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	ErrSubCentAmount     = errors.New("amount has more than two decimal places")
	ErrInvalidRate       = errors.New("fee rate must be in [0, 1)")
)

// Split is the result of dividing a gross amount. Fee + Net == Gross.
type Split struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

// Calculator splits gross amounts at a fixed rate.
type Calculator struct {
	rate decimal.Decimal
}

// NewCalculator returns a Calculator for rate.
func NewCalculator(rate decimal.Decimal) (*Calculator, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}
	return &Calculator{rate: rate}, nil
}

// Rate returns the configured rate.
func (c *Calculator) Rate() decimal.Decimal { return c.rate }

// Split returns fee = round(gross*rate, 2) and net = gross - fee.
func (c *Calculator) Split(gross decimal.Decimal) (Split, error) {
	if !gross.IsPositive() {
		return Split{}, ErrNonPositiveAmount
	}
	if !gross.Equal(gross.Round(2)) {
		return Split{}, fmt.Errorf("%w: %s", ErrSubCentAmount, gross)
	}
	fee := gross.Mul(c.rate).Round(2)
	return Split{
		Gross: gross,
		Fee:   fee,
		Net:   gross.Sub(fee),
	}, nil
}

// NoFee is the split recorded for payments settled outside the gateway, where
// no marketplace fee is withheld.
func NoFee(gross decimal.Decimal) Split {
	return Split{Gross: gross, Fee: decimal.Zero, Net: gross}
}
