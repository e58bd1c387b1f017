// Package model defines the core domain types shared across the market engine.
// Prices live on the 0-100 probability-cents scale and are plain ints; all
// cash amounts use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one of the two mutually exclusive resolutions of a binary event.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Opposite returns the other outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Valid reports whether o is a recognized outcome token.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Side is the direction of an order: BUY opens or increases a position,
// SELL closes or reduces one.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a recognized side token.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// EventState is the lifecycle state of an event. An event starts
// IN_PROGRESS and transitions exactly once to one terminal state.
type EventState string

const (
	EventInProgress  EventState = "IN_PROGRESS"
	EventFinishedYes EventState = "FINISHED_YES"
	EventFinishedNo  EventState = "FINISHED_NO"
	EventCancelled   EventState = "CANCELLED"
)

// Terminal reports whether the state accepts no further orders.
func (s EventState) Terminal() bool {
	return s != EventInProgress
}

// TransactionType classifies a cash movement in the transaction log.
type TransactionType string

const (
	TransactionBuy        TransactionType = "BUY"
	TransactionSell       TransactionType = "SELL"
	TransactionPayout     TransactionType = "PAYOUT"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// ErrUnknownOutcome is returned for any outcome or side token other than
// the recognized ones.
var ErrUnknownOutcome = errors.New("model: unknown outcome")

// PricePoint is one sample of the price history: the YES buy price at a
// moment in time. One sample is appended per price mutation.
type PricePoint struct {
	Time  time.Time `json:"time" db:"recorded_at"`
	Price int       `json:"price" db:"price"`
}

// Event is a binary-outcome market. Current prices are mutated only by the
// order matcher; once the state is terminal they are frozen.
type Event struct {
	ID    string     `json:"id" db:"id"`
	Title string     `json:"title" db:"title"`
	Slug  string     `json:"slug" db:"slug"`
	State EventState `json:"state" db:"state"`

	// RelativeURL is the event's page path, derived from id and slug for
	// the JSON payloads. Not persisted.
	RelativeURL string `json:"relative_url,omitempty" db:"-"`

	CurrentBuyFor      int `json:"current_buy_for" db:"buy_for"`
	CurrentBuyAgainst  int `json:"current_buy_against" db:"buy_against"`
	CurrentSellFor     int `json:"current_sell_for" db:"sell_for"`
	CurrentSellAgainst int `json:"current_sell_against" db:"sell_against"`

	// QYes/QNo are the aggregate outstanding shares per outcome across all
	// users; the pricing function derives the next quote from them.
	QYes int64 `json:"q_yes" db:"q_yes"`
	QNo  int64 `json:"q_no" db:"q_no"`

	// Turnover is the cumulative notional value traded, the popularity
	// ranking signal. Signed increments are allowed for corrections.
	Turnover int64 `json:"turnover" db:"turnover"`

	// AbsolutePriceChange is |price now - price 24h ago|, the sort key for
	// the "changed" listing mode. Recomputed on every trade.
	AbsolutePriceChange int `json:"absolute_price_change" db:"absolute_price_change"`

	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	EstimatedEndDate time.Time  `json:"estimated_end_date" db:"estimated_end_date"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`

	// PriceHistory holds the ordered YES-buy-price samples. Monotonic in
	// timestamp; last write wins within the same instant.
	PriceHistory []PricePoint `json:"price_history,omitempty"`
}

// EventDict is the price snapshot consumed by list/detail views and the
// JSON update payloads.
type EventDict struct {
	EventID          string `json:"event_id"`
	BuyForPrice      int    `json:"buy_for_price"`
	BuyAgainstPrice  int    `json:"buy_against_price"`
	SellForPrice     int    `json:"sell_for_price"`
	SellAgainstPrice int    `json:"sell_against_price"`
}

// Dict returns the event's price snapshot.
func (e *Event) Dict() EventDict {
	return EventDict{
		EventID:          e.ID,
		BuyForPrice:      e.CurrentBuyFor,
		BuyAgainstPrice:  e.CurrentBuyAgainst,
		SellForPrice:     e.CurrentSellFor,
		SellAgainstPrice: e.CurrentSellAgainst,
	}
}

// IsInProgress reports whether the event still accepts orders.
func (e *Event) IsInProgress() bool {
	return e.State == EventInProgress
}

// PriceForOutcome returns the current buy or sell price for the given
// outcome. Fails with ErrUnknownOutcome for unrecognized tokens.
func (e *Event) PriceForOutcome(outcome Outcome, side Side) (int, error) {
	if !outcome.Valid() || !side.Valid() {
		return 0, fmt.Errorf("%w: outcome=%q side=%q", ErrUnknownOutcome, outcome, side)
	}
	switch {
	case outcome == OutcomeYes && side == SideBuy:
		return e.CurrentBuyFor, nil
	case outcome == OutcomeYes && side == SideSell:
		return e.CurrentSellFor, nil
	case outcome == OutcomeNo && side == SideBuy:
		return e.CurrentBuyAgainst, nil
	default:
		return e.CurrentSellAgainst, nil
	}
}

// IncrementTurnover adds a signed delta to the cumulative turnover.
// No lower bound is enforced, so correction deltas may drive it down.
func (e *Event) IncrementTurnover(delta int64) {
	e.Turnover += delta
}

// RecordPricePoint appends a YES-buy-price sample. Samples sharing a
// timestamp collapse to the latest value.
func (e *Event) RecordPricePoint(at time.Time, price int) {
	n := len(e.PriceHistory)
	if n > 0 && e.PriceHistory[n-1].Time.Equal(at) {
		e.PriceHistory[n-1].Price = price
		return
	}
	e.PriceHistory = append(e.PriceHistory, PricePoint{Time: at, Price: price})
}

// PriceAt returns the last recorded YES buy price at or before t,
// or begin when no sample precedes t.
func (e *Event) PriceAt(t time.Time, begin int) int {
	price := begin
	for _, p := range e.PriceHistory {
		if p.Time.After(t) {
			break
		}
		price = p.Price
	}
	return price
}

// Bet is a user's aggregate holding of one outcome of one event. There is
// at most one Bet per (user, event, outcome); repeated trades merge into it.
type Bet struct {
	ID       string  `json:"id" db:"id"`
	UserID   string  `json:"user_id" db:"user_id"`
	EventID  string  `json:"event_id" db:"event_id"`
	Outcome  Outcome `json:"outcome" db:"outcome"`
	Quantity int64   `json:"quantity" db:"quantity"`

	// TotalCost is the exact remaining entry cost of the holding, updated
	// additively on buys and reduced proportionally on sells. It is the
	// refund amount at cancellation; AvgBuyPrice is derived from it.
	TotalCost decimal.Decimal `json:"total_cost" db:"total_cost"`

	// AvgBuyPrice is the weighted-mean entry price over all buys merged
	// into this bet, for display. Sells leave it unchanged.
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`

	// IsNewResolved marks a bet whose event settled since the user last
	// looked; cleared by the bets-viewed acknowledgement.
	IsNewResolved bool `json:"is_new_resolved" db:"is_new_resolved"`
}

// BetDict is the bet snapshot included in JSON update payloads.
type BetDict struct {
	BetID       string          `json:"bet_id"`
	EventID     string          `json:"event_id"`
	UserID      string          `json:"user_id"`
	Outcome     Outcome         `json:"outcome"`
	Quantity    int64           `json:"quantity"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price"`
}

// Dict returns the bet's snapshot.
func (b *Bet) Dict() BetDict {
	return BetDict{
		BetID:       b.ID,
		EventID:     b.EventID,
		UserID:      b.UserID,
		Outcome:     b.Outcome,
		Quantity:    b.Quantity,
		AvgBuyPrice: b.AvgBuyPrice,
	}
}

// Transaction is an immutable record of a cash movement. Once written it
// is never modified or deleted. Ordered by date, then insertion.
type Transaction struct {
	ID      string          `json:"id" db:"id"`
	UserID  string          `json:"user_id" db:"user_id"`
	EventID string          `json:"event_id,omitempty" db:"event_id"` // optional
	Type    TransactionType `json:"type" db:"type"`

	// Quantity is the number of shares moved; Total is the signed cash
	// delta applied to the user's balance (negative = debit).
	Quantity int64           `json:"quantity" db:"quantity"`
	Total    decimal.Decimal `json:"total" db:"total"`
	Date     time.Time       `json:"date" db:"date"`
}

// User is the profile slice the engine owns: a cash balance. Creation,
// auth, and everything else about accounts lives outside the core.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// UserDict is the user snapshot included in JSON update payloads.
type UserDict struct {
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

// Dict returns the user's snapshot.
func (u *User) Dict() UserDict {
	return UserDict{UserID: u.ID, Username: u.Username, Balance: u.Balance}
}
