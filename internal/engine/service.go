// The order matcher: validates and executes a single buy/sell request
// against an event and a user's balance inside one atomic unit of work.
//
// All cash amounts use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/politikon/market-engine/internal/config"
	"github.com/politikon/market-engine/internal/metrics"
	"github.com/politikon/market-engine/internal/model"
	"github.com/politikon/market-engine/internal/pricing"
	"github.com/politikon/market-engine/internal/risk"
	"github.com/politikon/market-engine/internal/store"
)

// Service executes trades and settlements. A mutex serializes mutation
// within this instance; the store-level guard (store.ErrStale) covers
// concurrent commits from other instances, which the matcher surfaces as
// PriceMismatchError.
type Service struct {
	store   store.Store
	pricer  *pricing.Pricer
	limiter *risk.PositionLimiter
	market  config.Market
	mu      sync.Mutex
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	now     func() time.Time
}

// NewService creates a new engine service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, market config.Market, hub *WSHub) (*Service, error) {
	pricer, err := pricing.New(market.BeginPrice, market.Spread, market.PriceStep,
		market.PriceFloor, market.PriceCeil)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   st,
		pricer:  pricer,
		limiter: risk.NewPositionLimiter(market.MaxSharesPerEvent, market.MaxTotalShares),
		market:  market,
		wsHub:   hub,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// chartConfig returns the resampling parameters for chart payloads.
func (s *Service) chartConfig() model.ChartConfig {
	return model.ChartConfig{Days: s.market.ChartDays, BeginPrice: s.market.BeginPrice}
}

// Order is a single buy/sell request. ExpectedPrice is the price the
// client last observed — the optimistic-concurrency proposal.
type Order struct {
	UserID        string
	EventID       string
	Outcome       model.Outcome
	Side          model.Side
	ExpectedPrice int
	Quantity      int64 // defaults to 1 share
}

// TradeResult is the set of refreshed snapshots produced by a successful
// trade.
type TradeResult struct {
	User        model.UserDict
	Event       model.EventDict
	Bet         model.BetDict
	Transaction model.Transaction
}

// ExecuteTrade validates and executes one order. On success every
// mutation (balance, bet, transaction, event price and turnover) has
// committed atomically; on any failure nothing has.
func (s *Service) ExecuteTrade(ctx context.Context, ord Order) (*TradeResult, error) {
	if ord.Quantity <= 0 {
		ord.Quantity = 1
	}

	// Serialize trade execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	event, err := s.store.GetEvent(ctx, ord.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &EventNotFoundError{EventID: ord.EventID}
		}
		return nil, err
	}
	if !event.IsInProgress() {
		return nil, &EventNotInProgressError{Event: event.Dict(), State: event.State}
	}
	if !ord.Outcome.Valid() || !ord.Side.Valid() {
		return nil, &UnknownOutcomeError{Outcome: ord.Outcome, Side: ord.Side}
	}

	price, err := event.PriceForOutcome(ord.Outcome, ord.Side)
	if err != nil {
		return nil, &UnknownOutcomeError{Outcome: ord.Outcome, Side: ord.Side}
	}
	if price != ord.ExpectedPrice {
		metrics.TradeRejections.WithLabelValues("price_mismatch").Inc()
		return nil, &PriceMismatchError{Expected: ord.ExpectedPrice, Current: price, Event: event.Dict()}
	}

	user, err := s.store.GetUser(ctx, ord.UserID)
	if err != nil {
		return nil, err
	}

	bet, err := s.loadOrInitBet(ctx, ord)
	if err != nil {
		return nil, err
	}

	cost := decimal.NewFromInt(int64(price) * ord.Quantity)
	var balanceDelta decimal.Decimal
	var txType model.TransactionType

	switch ord.Side {
	case model.SideBuy:
		if user.Balance.LessThan(cost) {
			metrics.TradeRejections.WithLabelValues("insufficient_cash").Inc()
			return nil, &InsufficientCashError{Needed: cost, User: user.Dict()}
		}
		if err := s.checkLimits(ctx, ord, bet.Quantity); err != nil {
			metrics.TradeRejections.WithLabelValues("position_limit").Inc()
			return nil, err
		}
		// The cost basis accumulates exactly; the average is derived from
		// it for display only, so division rounding never feeds back into
		// the basis.
		if bet.ID == "" {
			bet.ID = uuid.New().String()
		}
		bet.TotalCost = bet.TotalCost.Add(cost)
		bet.Quantity += ord.Quantity
		bet.AvgBuyPrice = bet.TotalCost.Div(decimal.NewFromInt(bet.Quantity))
		balanceDelta = cost.Neg()
		txType = model.TransactionBuy

	default: // model.SideSell
		if bet.Quantity < ord.Quantity {
			metrics.TradeRejections.WithLabelValues("insufficient_bets").Inc()
			return nil, &InsufficientBetsError{Requested: ord.Quantity, Bet: bet.Dict()}
		}
		// Sold shares carry their proportional slice of the basis out.
		sold := bet.TotalCost.Div(decimal.NewFromInt(bet.Quantity)).
			Mul(decimal.NewFromInt(ord.Quantity))
		bet.Quantity -= ord.Quantity
		if bet.Quantity == 0 {
			bet.TotalCost = decimal.Zero
		} else {
			bet.TotalCost = bet.TotalCost.Sub(sold)
		}
		balanceDelta = cost
		txType = model.TransactionSell
	}

	// Re-price from the new aggregate position.
	newQYes, newQNo := event.QYes, event.QNo
	delta := ord.Quantity
	if ord.Side == model.SideSell {
		delta = -delta
	}
	if ord.Outcome == model.OutcomeYes {
		newQYes += delta
	} else {
		newQNo += delta
	}
	quote := s.pricer.Quote(newQYes, newQNo)

	now := s.now()
	dayAgo := event.PriceAt(now.Add(-24*time.Hour), s.market.BeginPrice)
	absChange := quote.BuyFor - dayAgo
	if absChange < 0 {
		absChange = -absChange
	}

	txn := model.Transaction{
		ID:       uuid.New().String(),
		UserID:   ord.UserID,
		EventID:  ord.EventID,
		Type:     txType,
		Quantity: ord.Quantity,
		Total:    balanceDelta,
		Date:     now,
	}

	mut := &store.TradeMutation{
		EventID: ord.EventID,
		Guard: store.EventGuard{
			BuyFor:      event.CurrentBuyFor,
			BuyAgainst:  event.CurrentBuyAgainst,
			SellFor:     event.CurrentSellFor,
			SellAgainst: event.CurrentSellAgainst,
		},
		NewQYes:             newQYes,
		NewQNo:              newQNo,
		NewBuyFor:           quote.BuyFor,
		NewBuyAgainst:       quote.BuyAgainst,
		NewSellFor:          quote.SellFor,
		NewSellAgainst:      quote.SellAgainst,
		TurnoverDelta:       int64(price) * ord.Quantity,
		AbsolutePriceChange: absChange,
		PricePoint:          model.PricePoint{Time: now, Price: quote.BuyFor},
		Bet:                 bet,
		UserID:              ord.UserID,
		BalanceDelta:        balanceDelta,
		Transaction:         txn,
	}

	if err := s.store.ApplyTrade(ctx, mut); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, s.staleToMismatch(ctx, ord)
		}
		return nil, fmt.Errorf("apply trade: %w", err)
	}

	quote.Apply(event)
	user.Balance = user.Balance.Add(balanceDelta)

	metrics.TradesTotal.WithLabelValues(string(ord.Side), string(ord.Outcome)).Inc()
	slog.Info("trade executed",
		"event", ord.EventID,
		"user", ord.UserID,
		"outcome", ord.Outcome,
		"side", ord.Side,
		"qty", ord.Quantity,
		"price", price,
		"new_buy_for", quote.BuyFor,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:             "trade_executed",
			EventID:          ord.EventID,
			BuyForPrice:      quote.BuyFor,
			BuyAgainstPrice:  quote.BuyAgainst,
			SellForPrice:     quote.SellFor,
			SellAgainstPrice: quote.SellAgainst,
		})
	}

	return &TradeResult{
		User:        user.Dict(),
		Event:       event.Dict(),
		Bet:         bet.Dict(),
		Transaction: txn,
	}, nil
}

// loadOrInitBet fetches the unique bet row for the order's (user, event,
// outcome), or initializes a fresh one on first trade. The fresh bet gets
// no id yet; one is assigned only when a buy actually persists it, so
// rejection snapshots never advertise a row that does not exist.
func (s *Service) loadOrInitBet(ctx context.Context, ord Order) (model.Bet, error) {
	existing, err := s.store.GetBet(ctx, ord.UserID, ord.EventID, ord.Outcome)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Bet{}, err
	}
	return model.Bet{
		UserID:      ord.UserID,
		EventID:     ord.EventID,
		Outcome:     ord.Outcome,
		TotalCost:   decimal.Zero,
		AvgBuyPrice: decimal.Zero,
	}, nil
}

// checkLimits enforces the per-user position caps on buys.
func (s *Service) checkLimits(ctx context.Context, ord Order, heldInEvent int64) error {
	if s.limiter.MaxPerEvent <= 0 && s.limiter.MaxTotal <= 0 {
		return nil
	}
	bets, err := s.store.ListBetsByUser(ctx, ord.UserID)
	if err != nil {
		return err
	}
	var heldTotal int64
	for _, b := range bets {
		heldTotal += b.Quantity
	}
	return s.limiter.CheckLimit(heldInEvent, heldTotal, ord.Quantity)
}

// staleToMismatch converts a lost store-level race into the optimistic
// concurrency rejection, carrying a freshly read snapshot.
func (s *Service) staleToMismatch(ctx context.Context, ord Order) error {
	event, err := s.store.GetEvent(ctx, ord.EventID)
	if err != nil {
		return fmt.Errorf("refresh after stale trade: %w", err)
	}
	current, perr := event.PriceForOutcome(ord.Outcome, ord.Side)
	if perr != nil {
		current = 0
	}
	metrics.TradeRejections.WithLabelValues("price_mismatch").Inc()
	return &PriceMismatchError{Expected: ord.ExpectedPrice, Current: current, Event: event.Dict()}
}
