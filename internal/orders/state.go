package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned when a caller-driven event is not allowed
// from the order's current state. Gateway-driven events never return it:
// out-of-order gateway reports are discarded instead.
var ErrInvalidTransition = errors.New("invalid order transition")

// EventKind names a state machine input.
type EventKind string

const (
	// EventInitiate claims a pending order for a gateway payment attempt.
	EventInitiate EventKind = "initiate"
	// EventReleaseClaim returns an attempt that never reached the gateway to pending.
	EventReleaseClaim EventKind = "release_claim"

	EventGatewayApproved EventKind = "gateway_approved"
	EventGatewayPending  EventKind = "gateway_pending"
	EventGatewayRejected EventKind = "gateway_rejected"
	// EventGatewayReversed covers refunds and chargebacks, which may arrive
	// after the order was confirmed.
	EventGatewayReversed EventKind = "gateway_reversed"

	EventChoosePindura       EventKind = "choose_pindura"
	EventChoosePayAtLocation EventKind = "choose_pay_at_location"

	EventEstablishmentAccept EventKind = "establishment_accept"
	EventEstablishmentReject EventKind = "establishment_reject"
	EventComplete            EventKind = "complete"
	EventCustomerCancel      EventKind = "customer_cancel"
)

// Event is an input to Apply. Only the fields relevant to Kind are read.
type Event struct {
	Kind      EventKind
	Method    string
	PaymentID string
	Reason    string
	Fee       decimal.Decimal
	Net       decimal.Decimal
}

// Outcome classifies what Apply did with an event.
type Outcome int

const (
	// Applied means the order changed and must be persisted.
	Applied Outcome = iota
	// Unchanged means the event restates the current state (a replay).
	Unchanged
	// Discarded means the event would move the order backwards and was dropped.
	Discarded
	// Conflicting means the gateway approved a payment the order was not
	// settled with, such as a second charge or an abandoned PIX paid after a
	// local settlement. The order is left as is and the money needs a refund.
	Conflicting
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case Discarded:
		return "discarded"
	case Conflicting:
		return "conflicting"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the output of Apply.
type Result struct {
	Order   Order
	Outcome Outcome
	// Settled is true only on the edge into a settled state, where exactly
	// one Transaction must be recorded.
	Settled bool
}

// Apply is the only place order state changes are decided. It returns the
// next order without persisting it; the caller writes it conditionally on
// the previous Version.
func Apply(o Order, ev Event, now time.Time) (Result, error) {
	next := o
	keep := Result{Order: o, Outcome: Unchanged}
	drop := Result{Order: o, Outcome: Discarded}
	conflict := Result{Order: o, Outcome: Conflicting}

	switch ev.Kind {
	case EventInitiate:
		if o.State != StatePending {
			return keep, invalid(o, ev)
		}
		next.State = StateAwaitingGateway
		next.PaymentMethod = ev.Method
		next.GatewayPaymentID = ""
		next.FailureReason = ""
		next.AttemptKey = fmt.Sprintf("%s:%d", o.ID, o.Version+1)

	case EventReleaseClaim:
		if o.State != StateAwaitingGateway {
			return keep, nil
		}
		next.State = StatePending
		next.GatewayPaymentID = ""
		next.AttemptKey = ""

	case EventGatewayApproved:
		switch {
		case o.State == StatePending || o.State == StateAwaitingGateway:
			next.State = StateConfirmed
			next.Settlement = SettlementGateway
			next.ApplicationFee = ev.Fee
			next.NetAmount = ev.Net
			next.FailureReason = ""
			if ev.PaymentID != "" {
				next.GatewayPaymentID = ev.PaymentID
			}
		case !samePayment(o, ev):
			return conflict, nil
		case o.Settlement == SettlementGateway && (o.State == StateConfirmed || o.State == StateCompleted):
			return keep, nil
		case o.State == StateFailed:
			return drop, nil
		default:
			return conflict, nil
		}

	case EventGatewayPending:
		switch o.State {
		case StateAwaitingGateway:
			if ev.PaymentID == "" || ev.PaymentID == o.GatewayPaymentID {
				return keep, nil
			}
			if o.GatewayPaymentID != "" {
				// a pending report for another attempt says nothing about this one
				return drop, nil
			}
			next.GatewayPaymentID = ev.PaymentID
		case StatePending:
			return keep, nil
		default:
			return drop, nil
		}

	case EventGatewayRejected:
		switch {
		case o.State == StateFailed:
			return keep, nil
		case o.State == StatePending || o.State == StateAwaitingGateway:
			if staleAttempt(o, ev) {
				return drop, nil
			}
			next.State = StateFailed
			next.FailureReason = ev.Reason
			if ev.PaymentID != "" {
				next.GatewayPaymentID = ev.PaymentID
			}
		default:
			return drop, nil
		}

	case EventGatewayReversed:
		switch {
		case o.State == StateFailed:
			return keep, nil
		case o.State == StatePending || o.State == StateAwaitingGateway:
			if staleAttempt(o, ev) {
				return drop, nil
			}
			next.State = StateFailed
			next.FailureReason = ev.Reason
		case o.State == StateConfirmed && o.Settlement == SettlementGateway:
			next.State = StateFailed
			next.FailureReason = ev.Reason
		default:
			return drop, nil
		}

	case EventChoosePindura, EventChoosePayAtLocation:
		settlement, method := SettlementPindura, "pindura"
		if ev.Kind == EventChoosePayAtLocation {
			settlement, method = SettlementPayAtLocation, "pay_at_location"
		}
		if o.Settlement == settlement && o.State == StateConfirmed {
			return keep, nil
		}
		// an outstanding gateway attempt may be abandoned; whether that is
		// safe for the attempt at hand is the caller's decision
		if o.State != StatePending && o.State != StateAwaitingGateway {
			return keep, invalid(o, ev)
		}
		next.State = StateConfirmed
		next.Settlement = settlement
		next.PaymentMethod = method
		next.GatewayPaymentID = ""
		next.AttemptKey = ""
		next.ApplicationFee = ev.Fee
		next.NetAmount = ev.Net

	case EventEstablishmentAccept:
		if o.State == StateConfirmed {
			return keep, nil
		}
		return keep, invalid(o, ev)

	case EventEstablishmentReject:
		switch o.State {
		case StateCancelledByEstablishment:
			return keep, nil
		case StatePending, StateAwaitingGateway:
			next.State = StateCancelledByEstablishment
			next.FailureReason = ev.Reason
		default:
			return keep, invalid(o, ev)
		}

	case EventComplete:
		switch o.State {
		case StateCompleted:
			return keep, nil
		case StateConfirmed:
			next.State = StateCompleted
		default:
			return keep, invalid(o, ev)
		}

	case EventCustomerCancel:
		switch o.State {
		case StateCancelledByCustomer:
			return keep, nil
		case StatePending:
			next.State = StateCancelledByCustomer
			next.FailureReason = ev.Reason
		default:
			return keep, invalid(o, ev)
		}

	default:
		return keep, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
	}

	next.Version = o.Version + 1
	next.UpdatedAt = now
	if next.UpdatedAt.Before(o.UpdatedAt) {
		next.UpdatedAt = o.UpdatedAt
	}
	settled := o.Settlement == SettlementNone && next.Settlement != SettlementNone
	return Result{Order: next, Outcome: Applied, Settled: settled}, nil
}

// samePayment reports whether ev is about the payment the order is tied to.
// An event without a payment id, or an order without one, matches.
func samePayment(o Order, ev Event) bool {
	return o.GatewayPaymentID == "" || ev.PaymentID == "" || o.GatewayPaymentID == ev.PaymentID
}

// staleAttempt reports whether a failure report belongs to an earlier
// payment attempt than the one the order is waiting on.
func staleAttempt(o Order, ev Event) bool {
	return o.GatewayPaymentID != "" && ev.PaymentID != "" && o.GatewayPaymentID != ev.PaymentID
}

func invalid(o Order, ev Event) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, o.State)
}

// Validate checks that State and Settlement describe a possible order.
func (o Order) Validate() error {
	switch o.State {
	case StatePending, StateAwaitingGateway, StateCancelledByCustomer, StateCancelledByEstablishment:
		if o.Settlement != SettlementNone {
			return fmt.Errorf("order %s: state %s cannot carry settlement %s", o.ID, o.State, o.Settlement)
		}
	case StateConfirmed, StateCompleted:
		if o.Settlement == SettlementNone {
			return fmt.Errorf("order %s: state %s requires a settlement", o.ID, o.State)
		}
	case StateFailed:
		if o.Settlement != SettlementNone && o.Settlement != SettlementGateway {
			return fmt.Errorf("order %s: only gateway payments can fail, got %s", o.ID, o.Settlement)
		}
	default:
		return fmt.Errorf("order %s: unknown state %q", o.ID, o.State)
	}
	return nil
}
