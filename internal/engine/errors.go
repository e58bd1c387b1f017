// Package engine implements the order matcher, the settlement engine, and
// the HTTP surface that exposes them.
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/politikon/market-engine/internal/model"
)

// ErrInvalidResolution is returned when settlement is invoked with a
// non-terminal target state.
var ErrInvalidResolution = errors.New("engine: resolution must be FINISHED_YES, FINISHED_NO or CANCELLED")

// The business errors below are expected, recoverable conditions — never
// process-fatal. Each carries the refreshed snapshot the caller needs to
// reconcile client-side state without a second round trip; call sites
// dispatch on them with errors.As.

// EventNotFoundError reports a trade or settlement against an unknown
// event id.
type EventNotFoundError struct {
	EventID string
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("event %s does not exist", e.EventID)
}

// EventNotInProgressError reports a trade against a terminal event. There
// is no retry path.
type EventNotInProgressError struct {
	Event model.EventDict
	State model.EventState
}

func (e *EventNotInProgressError) Error() string {
	return fmt.Sprintf("event %s is not in progress (state %s)", e.Event.EventID, e.State)
}

// UnknownOutcomeError reports a malformed outcome or side token.
type UnknownOutcomeError struct {
	Outcome model.Outcome
	Side    model.Side
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("unknown outcome %q / side %q", e.Outcome, e.Side)
}

// PriceMismatchError reports a stale price assumption: the client proposed
// the price it last observed and a concurrent mutation landed in between.
// Event carries the refreshed snapshot so the caller can resubmit.
type PriceMismatchError struct {
	Expected int
	Current  int
	Event    model.EventDict
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("price changed from %d to %d, resubmit with the current price", e.Expected, e.Current)
}

// InsufficientCashError reports that the user's balance cannot cover the
// trade. User carries the current balance snapshot.
type InsufficientCashError struct {
	Needed decimal.Decimal
	User   model.UserDict
}

func (e *InsufficientCashError) Error() string {
	return fmt.Sprintf("balance %s cannot cover cost %s", e.User.Balance, e.Needed)
}

// InsufficientBetsError reports a sell of more shares than the user holds.
// Bet carries the current holding snapshot (zero-valued when the user
// holds no shares of that outcome at all).
type InsufficientBetsError struct {
	Requested int64
	Bet       model.BetDict
}

func (e *InsufficientBetsError) Error() string {
	return fmt.Sprintf("holding %d shares, cannot sell %d", e.Bet.Quantity, e.Requested)
}
