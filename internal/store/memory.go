package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/politikon/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Atomicity of ApplyTrade/ApplySettlement comes from doing the guard check
// and every write under one lock; the writes themselves cannot fail.
type MemoryStore struct {
	mu           sync.RWMutex
	events       map[string]*model.Event
	users        map[string]*model.User
	bets         map[string]*model.Bet // keyed by user|event|outcome
	transactions []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*model.Event),
		users:  make(map[string]*model.User),
		bets:   make(map[string]*model.Bet),
	}
}

func betKey(userID, eventID string, outcome model.Outcome) string {
	return userID + "|" + eventID + "|" + string(outcome)
}

func copyEvent(e *model.Event) *model.Event {
	cp := *e
	cp.PriceHistory = append([]model.PricePoint(nil), e.PriceHistory...)
	return &cp
}

func (s *MemoryStore) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, ErrConflict)
	}
	s.events[e.ID] = copyEvent(e)
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return copyEvent(e), nil
}

func (s *MemoryStore) ListEvents(_ context.Context, mode ListMode) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []model.Event
	for _, e := range s.events {
		if mode == ListFinished {
			if e.State.Terminal() {
				events = append(events, *copyEvent(e))
			}
		} else if e.IsInProgress() {
			events = append(events, *copyEvent(e))
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := &events[i], &events[j]
		switch mode {
		case ListPopular:
			return a.Turnover > b.Turnover
		case ListChanged:
			return a.AbsolutePriceChange > b.AbsolutePriceChange
		case ListFinished:
			at, bt := a.CreatedAt, b.CreatedAt
			if a.ResolvedAt != nil {
				at = *a.ResolvedAt
			}
			if b.ResolvedAt != nil {
				bt = *b.ResolvedAt
			}
			return at.After(bt)
		default: // ListLatest
			return a.CreatedAt.After(b.CreatedAt)
		}
	})
	return events, nil
}

func (s *MemoryStore) FrontEvent(_ context.Context) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var front *model.Event
	for _, e := range s.events {
		if !e.IsInProgress() {
			continue
		}
		if front == nil || e.CreatedAt.After(front.CreatedAt) {
			front = e
		}
	}
	if front == nil {
		return nil, ErrNotFound
	}
	return copyEvent(front), nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetBet(_ context.Context, userID, eventID string, outcome model.Outcome) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[betKey(userID, eventID, outcome)]
	if !ok {
		return nil, fmt.Errorf("bet %s/%s/%s: %w", userID, eventID, outcome, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.bets {
		if b.UserID == userID {
			bets = append(bets, *b)
		}
	}
	sort.Slice(bets, func(i, j int) bool { return bets[i].ID < bets[j].ID })
	return bets, nil
}

func (s *MemoryStore) ListBetsByEvent(_ context.Context, eventID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.bets {
		if b.EventID == eventID && b.Quantity > 0 {
			bets = append(bets, *b)
		}
	}
	sort.Slice(bets, func(i, j int) bool { return bets[i].ID < bets[j].ID })
	return bets, nil
}

func (s *MemoryStore) MarkBetsViewed(_ context.Context, userID string, betIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acked := []string{}
	for _, id := range betIDs {
		for _, b := range s.bets {
			if b.ID == id && b.UserID == userID {
				b.IsNewResolved = false
				acked = append(acked, id)
				break
			}
		}
	}
	return acked, nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string, offset, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first: walk the append-only log backwards.
	result := []model.Transaction{}
	skipped := 0
	for i := len(s.transactions) - 1; i >= 0 && len(result) < limit; i-- {
		t := s.transactions[i]
		if t.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, mut *TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[mut.EventID]
	if !ok {
		return fmt.Errorf("event %s: %w", mut.EventID, ErrNotFound)
	}
	if !e.IsInProgress() ||
		e.CurrentBuyFor != mut.Guard.BuyFor ||
		e.CurrentBuyAgainst != mut.Guard.BuyAgainst ||
		e.CurrentSellFor != mut.Guard.SellFor ||
		e.CurrentSellAgainst != mut.Guard.SellAgainst {
		return fmt.Errorf("event %s: %w", mut.EventID, ErrStale)
	}

	u, ok := s.users[mut.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", mut.UserID, ErrNotFound)
	}

	// Guard passed; everything below is infallible, so the unit commits
	// as a whole.
	e.QYes = mut.NewQYes
	e.QNo = mut.NewQNo
	e.CurrentBuyFor = mut.NewBuyFor
	e.CurrentBuyAgainst = mut.NewBuyAgainst
	e.CurrentSellFor = mut.NewSellFor
	e.CurrentSellAgainst = mut.NewSellAgainst
	e.IncrementTurnover(mut.TurnoverDelta)
	e.AbsolutePriceChange = mut.AbsolutePriceChange
	e.RecordPricePoint(mut.PricePoint.Time, mut.PricePoint.Price)

	bet := mut.Bet
	s.bets[betKey(bet.UserID, bet.EventID, bet.Outcome)] = &bet

	u.Balance = u.Balance.Add(mut.BalanceDelta)
	s.transactions = append(s.transactions, mut.Transaction)
	return nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, mut *SettlementMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[mut.EventID]
	if !ok {
		return fmt.Errorf("event %s: %w", mut.EventID, ErrNotFound)
	}
	if !e.IsInProgress() {
		return fmt.Errorf("event %s: %w", mut.EventID, ErrStale)
	}
	for _, c := range mut.Credits {
		if _, ok := s.users[c.UserID]; !ok {
			return fmt.Errorf("user %s: %w", c.UserID, ErrNotFound)
		}
	}

	resolvedAt := mut.ResolvedAt
	e.State = mut.State
	e.ResolvedAt = &resolvedAt

	for _, b := range s.bets {
		if b.EventID == mut.EventID && b.Quantity > 0 {
			b.Quantity = 0
			b.TotalCost = decimal.Zero
			b.IsNewResolved = true
		}
	}

	for _, c := range mut.Credits {
		s.users[c.UserID].Balance = s.users[c.UserID].Balance.Add(c.Amount)
		s.transactions = append(s.transactions, c.Transaction)
	}
	return nil
}
