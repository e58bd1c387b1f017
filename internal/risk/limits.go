// Package risk enforces per-user position limits on top of the solvency
// and inventory checks the order matcher already performs.
package risk

import "errors"

var (
	// ErrPerEventLimitExceeded is returned when a trade would push a user's
	// holding in one event beyond the per-event maximum.
	ErrPerEventLimitExceeded = errors.New("risk: per-event position limit exceeded")

	// ErrTotalExposureExceeded is returned when a trade would push a user's
	// aggregate open shares across all events beyond the total maximum.
	ErrTotalExposureExceeded = errors.New("risk: total exposure limit exceeded")
)

// PositionLimiter caps how many shares a single user may hold. Zero for
// either limit disables that check.
type PositionLimiter struct {
	// MaxPerEvent is the maximum shares of one outcome a user may hold in
	// any single event.
	MaxPerEvent int64

	// MaxTotal is the maximum aggregate shares a user may hold across all
	// events and outcomes.
	MaxTotal int64
}

// NewPositionLimiter creates a limiter with the given caps.
func NewPositionLimiter(maxPerEvent, maxTotal int64) *PositionLimiter {
	return &PositionLimiter{MaxPerEvent: maxPerEvent, MaxTotal: maxTotal}
}

// CheckLimit validates a buy of delta shares in one event.
//
//   - heldInEvent: the user's current holding of the traded outcome
//   - heldTotal: the user's current holdings summed across all bets
//
// Returns nil if the trade respects both caps.
func (l *PositionLimiter) CheckLimit(heldInEvent, heldTotal, delta int64) error {
	if l.MaxPerEvent > 0 && heldInEvent+delta > l.MaxPerEvent {
		return ErrPerEventLimitExceeded
	}
	if l.MaxTotal > 0 && heldTotal+delta > l.MaxTotal {
		return ErrTotalExposureExceeded
	}
	return nil
}
