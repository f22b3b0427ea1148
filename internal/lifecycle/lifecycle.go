// Package lifecycle holds the cycle state machine and the gates that decide which
// operations are legal in which state.
package lifecycle

import (
	"fmt"
	"time"

	"coopcycle/models"
)

// Operation is a write the lifecycle gates.
type Operation string

const (
	OpEditOffer       Operation = "edit_offer"
	OpEditComposition Operation = "edit_composition"
	OpOrder           Operation = "order"
	OpAllocate        Operation = "allocate"
	OpSettle          Operation = "settle"
	OpClose           Operation = "close"
)

// StateError reports an operation attempted outside its legal window.
type StateError struct {
	Op     Operation
	Status models.CycleStatus
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed while cycle is %s: %s", e.Op, e.Status, e.Reason)
}

var forward = map[models.CycleStatus]models.CycleStatus{
	models.CyclePlanning:   models.CycleOffering,
	models.CycleOffering:   models.CycleComposing,
	models.CycleComposing:  models.CycleDelivering,
	models.CycleDelivering: models.CycleWithdrawal,
	models.CycleWithdrawal: models.CycleClosed,
}

// Known reports whether s is a cycle status.
func Known(s models.CycleStatus) bool {
	if s == models.CycleClosed || s == models.CycleCanceled {
		return true
	}
	_, ok := forward[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func Terminal(s models.CycleStatus) bool {
	return s == models.CycleClosed || s == models.CycleCanceled
}

// Next returns the state that follows s, if any.
func Next(s models.CycleStatus) (models.CycleStatus, bool) {
	n, ok := forward[s]
	return n, ok
}

// CanTransition checks a single step of the state machine. Closing has extra
// guards (windows, shortfall) enforced by CheckClose and the caller.
func CanTransition(from, to models.CycleStatus) error {
	if !Known(to) {
		return fmt.Errorf("unknown cycle status %q", to)
	}
	if Terminal(from) {
		return &StateError{Op: Operation("transition"), Status: from, Reason: "cycle is terminal"}
	}
	if to == models.CycleCanceled {
		return nil
	}
	if n, ok := Next(from); ok && n == to {
		return nil
	}
	return &StateError{
		Op:     Operation("transition"),
		Status: from,
		Reason: fmt.Sprintf("cannot move to %s", to),
	}
}

// OfferWindowOpen reports whether suppliers may still be submitting offers.
func OfferWindowOpen(c *models.Cycle, now time.Time) bool {
	if c.Status == models.CyclePlanning || c.Status == models.CycleOffering {
		return true
	}
	return !c.OfferEnd.IsZero() && now.Before(c.OfferEnd)
}

// ExtraWindowOpen reports whether the additional-items sub-window is running.
func ExtraWindowOpen(c *models.Cycle, now time.Time) bool {
	if c.ExtraEnd == nil {
		return false
	}
	if c.ExtraStart != nil && now.Before(*c.ExtraStart) {
		return false
	}
	return now.Before(*c.ExtraEnd)
}

// Check returns a *StateError when op is not legal for c at time now.
func Check(op Operation, c *models.Cycle, now time.Time) error {
	deny := func(reason string) error {
		return &StateError{Op: op, Status: c.Status, Reason: reason}
	}

	switch op {
	case OpEditOffer:
		if c.Status != models.CycleOffering {
			return deny("offers are editable only while offering")
		}
	case OpEditComposition:
		switch c.Status {
		case models.CyclePlanning, models.CycleOffering, models.CycleComposing:
		default:
			return deny("compositions are frozen after composing")
		}
	case OpOrder:
		switch c.Status {
		case models.CycleOffering:
		case models.CycleComposing:
			if !ExtraWindowOpen(c, now) {
				return deny("additional-items window is not open")
			}
		default:
			return deny("ordering is closed")
		}
	case OpAllocate:
		switch c.Status {
		case models.CycleComposing, models.CycleDelivering, models.CycleWithdrawal:
		default:
			return deny("allocation runs from composing until closure")
		}
	case OpSettle:
		if c.Status != models.CycleClosed {
			return deny("cycle is not closed")
		}
	case OpClose:
		return CheckClose(c, now)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	return nil
}

// CheckClose validates the manual close: the cycle must be in withdrawal and no
// offer or additional-items window may still be open.
func CheckClose(c *models.Cycle, now time.Time) error {
	if OfferWindowOpen(c, now) {
		return &StateError{Op: OpClose, Status: c.Status, Reason: "offer window is still open"}
	}
	if ExtraWindowOpen(c, now) {
		return &StateError{Op: OpClose, Status: c.Status, Reason: "additional-items window is still open"}
	}
	if c.Status != models.CycleWithdrawal {
		return &StateError{Op: OpClose, Status: c.Status, Reason: "cycle must be in withdrawal"}
	}
	return nil
}
