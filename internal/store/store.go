// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// ApplyTrade and ApplySettlement are the only mutating entry points for
// trading state. Each executes as one atomic unit: every implementation
// commits all of its writes or none of them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/politikon/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStale is returned when a mutation's guard no longer matches the
	// stored state — the caller raced a concurrent commit and must re-read.
	ErrStale = errors.New("store: stale state")

	// ErrConflict is returned when a unique constraint is violated.
	ErrConflict = errors.New("store: conflict")
)

// ListMode selects the filter and ordering for event listings.
type ListMode int

const (
	// ListPopular returns in-progress events by turnover, descending.
	ListPopular ListMode = iota
	// ListLatest returns in-progress events by creation time, descending.
	ListLatest
	// ListChanged returns in-progress events by absolute price change,
	// descending.
	ListChanged
	// ListFinished returns terminal events, most recently resolved first.
	ListFinished
)

// ParseListMode maps a mode token from the query surface onto a ListMode.
func ParseListMode(s string) (ListMode, error) {
	switch s {
	case "popular", "":
		return ListPopular, nil
	case "latest":
		return ListLatest, nil
	case "changed":
		return ListChanged, nil
	case "finished":
		return ListFinished, nil
	}
	return 0, fmt.Errorf("store: unknown list mode %q", s)
}

// EventGuard carries the prices the order matcher observed before building
// a mutation. A store rejects the mutation with ErrStale when the stored
// event no longer matches, which is what turns a concurrent commit into an
// explicit retryable rejection instead of a silent stale write.
type EventGuard struct {
	BuyFor      int
	BuyAgainst  int
	SellFor     int
	SellAgainst int
}

// TradeMutation is the full set of writes produced by one matched order.
type TradeMutation struct {
	EventID string
	Guard   EventGuard

	// Post-trade event state.
	NewQYes             int64
	NewQNo              int64
	NewBuyFor           int
	NewBuyAgainst       int
	NewSellFor          int
	NewSellAgainst      int
	TurnoverDelta       int64
	AbsolutePriceChange int
	PricePoint          model.PricePoint

	// Post-trade bet state, upserted on (user, event, outcome).
	Bet model.Bet

	// Cash movement.
	UserID       string
	BalanceDelta decimal.Decimal
	Transaction  model.Transaction
}

// SettlementCredit is one user's payout or refund at settlement.
type SettlementCredit struct {
	UserID      string
	Amount      decimal.Decimal
	Transaction model.Transaction
}

// SettlementMutation resolves one event into terminal state: bets are
// zeroed and flagged new-resolved, credits are applied, and the event's
// price is frozen at its last traded value.
type SettlementMutation struct {
	EventID    string
	State      model.EventState
	ResolvedAt time.Time
	Credits    []SettlementCredit
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Events ---

	// CreateEvent persists a new event.
	CreateEvent(ctx context.Context, event *model.Event) error

	// GetEvent retrieves an event, including its price history.
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// ListEvents returns events filtered and ordered per mode.
	ListEvents(ctx context.Context, mode ListMode) ([]model.Event, error)

	// FrontEvent returns the most recently created in-progress event.
	FrontEvent(ctx context.Context) (*model.Event, error)

	// --- Users ---

	// CreateUser persists a new user profile.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Bets ---

	// GetBet retrieves the unique bet for (user, event, outcome).
	GetBet(ctx context.Context, userID, eventID string, outcome model.Outcome) (*model.Bet, error)

	// ListBetsByUser returns all of a user's bets.
	ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)

	// ListBetsByEvent returns all open (non-zero) bets on an event.
	ListBetsByEvent(ctx context.Context, eventID string) ([]model.Bet, error)

	// MarkBetsViewed clears the new-resolved flag on the user's bets and
	// returns the ids actually acknowledged.
	MarkBetsViewed(ctx context.Context, userID string, betIDs []string) ([]string, error)

	// --- Transaction log ---

	// ListTransactionsByUser pages through a user's cash movements,
	// newest first.
	ListTransactionsByUser(ctx context.Context, userID string, offset, limit int) ([]model.Transaction, error)

	// --- Atomic units of work ---

	// ApplyTrade commits every write of one matched order, or none.
	ApplyTrade(ctx context.Context, mut *TradeMutation) error

	// ApplySettlement commits every write of one event resolution, or none.
	ApplySettlement(ctx context.Context, mut *SettlementMutation) error
}
