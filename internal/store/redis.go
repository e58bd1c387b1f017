package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/politikon/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot reads: event and user snapshots. Writes go to the
// primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	data, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if err == nil {
		var e model.Event
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheEvent(ctx, e)
	return e, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateEvent(ctx context.Context, e *model.Event) error {
	if err := s.primary.CreateEvent(ctx, e); err != nil {
		return err
	}
	s.cacheEvent(ctx, e)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) ApplyTrade(ctx context.Context, mut *TradeMutation) error {
	if err := s.primary.ApplyTrade(ctx, mut); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, eventKey(mut.EventID), userKey(mut.UserID))
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, mut *SettlementMutation) error {
	if err := s.primary.ApplySettlement(ctx, mut); err != nil {
		return err
	}
	keys := []string{eventKey(mut.EventID)}
	for _, c := range mut.Credits {
		keys = append(keys, userKey(c.UserID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context, mode ListMode) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, mode)
}

func (s *CachedStore) FrontEvent(ctx context.Context) (*model.Event, error) {
	return s.primary.FrontEvent(ctx)
}

func (s *CachedStore) GetBet(ctx context.Context, userID, eventID string, outcome model.Outcome) (*model.Bet, error) {
	return s.primary.GetBet(ctx, userID, eventID, outcome)
}

func (s *CachedStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.primary.ListBetsByUser(ctx, userID)
}

func (s *CachedStore) ListBetsByEvent(ctx context.Context, eventID string) ([]model.Bet, error) {
	return s.primary.ListBetsByEvent(ctx, eventID)
}

func (s *CachedStore) MarkBetsViewed(ctx context.Context, userID string, betIDs []string) ([]string, error) {
	return s.primary.MarkBetsViewed(ctx, userID, betIDs)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string, offset, limit int) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID, offset, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheEvent(ctx context.Context, e *model.Event) {
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, eventKey(e.ID), data, s.ttl)
	}
}

func eventKey(id string) string { return fmt.Sprintf("event:%s", id) }
func userKey(id string) string  { return fmt.Sprintf("user:%s", id) }
