package validation

import (
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// New returns a configured validator with the request struct-level rules
// registered. Decimal fields validate as numbers and errors are reported
// under their JSON names.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	v.RegisterStructValidation(initiatePaymentStructValidation, InitiatePaymentRequest{})

	return v
}

func decimalValue(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		return d.InexactFloat64()
	}
	return nil
}

// createOrderStructValidation verifies the items add up to Amount exactly.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	sum := decimal.Zero
	for _, it := range req.Items {
		sum = sum.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	if !sum.Equal(req.Amount) {
		sl.ReportError(req.Amount, "amount", "Amount", "amount_match_items", fmt.Sprintf("items sum %s != amount %s", sum.StringFixed(2), req.Amount.StringFixed(2)))
	}
}

func initiatePaymentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(InitiatePaymentRequest)

	if len(req.CardData) > 0 && string(req.CardData) != "null" {
		sl.ReportError(req.CardData, "cardData", "CardData", "tokenized", "")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		sl.ReportError(req.Amount, "amount", "Amount", "cents", "")
	}
}
