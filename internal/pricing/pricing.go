// Package pricing maps an event's aggregate signed exposure to its next
// buy/sell price pair.
//
// The curve is a linear impact function on the 0-100 probability-cents
// scale: each share of net YES demand moves the YES buy price by Step,
// clamped to [Floor, Ceil] so a market never reads as certain. The load
// bearing contract is monotonicity (price moves in the direction of
// aggregate demand) plus the two price identities:
//
//	buyFor + buyAgainst == 100
//	sell = buy - Spread (floored at 0)
package pricing

import (
	"errors"

	"github.com/politikon/market-engine/internal/model"
)

var (
	// ErrInvalidSpread is returned when the spread does not fit the scale.
	ErrInvalidSpread = errors.New("pricing: spread must be in [0, 100)")

	// ErrInvalidBounds is returned when floor/ceiling do not bracket the
	// begin price inside the 0-100 scale.
	ErrInvalidBounds = errors.New("pricing: bounds must satisfy 0 <= floor <= begin <= ceil <= 100")

	// ErrInvalidStep is returned when the impact step is not positive.
	ErrInvalidStep = errors.New("pricing: impact step must be positive")
)

// Quote is a full bid/ask pair for both outcomes of one event.
type Quote struct {
	BuyFor      int
	BuyAgainst  int
	SellFor     int
	SellAgainst int
}

// Pricer computes quotes from aggregate demand. It is stateless — event
// quantities are passed as arguments, not stored.
type Pricer struct {
	begin  int
	spread int
	step   int
	floor  int
	ceil   int
}

// New creates a Pricer. begin is the price of a fresh market, spread the
// fixed buy/sell gap, step the price impact per share of net demand, and
// floor/ceil the clamp bounds for the YES buy price.
func New(begin, spread, step, floor, ceil int) (*Pricer, error) {
	if spread < 0 || spread >= 100 {
		return nil, ErrInvalidSpread
	}
	if floor < 0 || ceil > 100 || floor > begin || begin > ceil {
		return nil, ErrInvalidBounds
	}
	if step <= 0 {
		return nil, ErrInvalidStep
	}
	return &Pricer{begin: begin, spread: spread, step: step, floor: floor, ceil: ceil}, nil
}

// Begin returns the fresh-market price.
func (p *Pricer) Begin() int { return p.begin }

// Spread returns the fixed buy/sell gap.
func (p *Pricer) Spread() int { return p.spread }

// Quote returns the price pair for an event holding qYes and qNo
// outstanding shares.
func (p *Pricer) Quote(qYes, qNo int64) Quote {
	net := qYes - qNo

	buyFor := p.begin + int(net)*p.step
	if buyFor < p.floor {
		buyFor = p.floor
	}
	if buyFor > p.ceil {
		buyFor = p.ceil
	}

	buyAgainst := 100 - buyFor
	return Quote{
		BuyFor:      buyFor,
		BuyAgainst:  buyAgainst,
		SellFor:     sellPrice(buyFor, p.spread),
		SellAgainst: sellPrice(buyAgainst, p.spread),
	}
}

// Apply writes the quote onto the event's current prices.
func (q Quote) Apply(e *model.Event) {
	e.CurrentBuyFor = q.BuyFor
	e.CurrentBuyAgainst = q.BuyAgainst
	e.CurrentSellFor = q.SellFor
	e.CurrentSellAgainst = q.SellAgainst
}

func sellPrice(buy, spread int) int {
	if s := buy - spread; s > 0 {
		return s
	}
	return 0
}
