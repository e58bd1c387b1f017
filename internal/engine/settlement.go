// The settlement engine: resolves a finished event into terminal payouts,
// walking every open position and crediting the owning users.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/politikon/market-engine/internal/metrics"
	"github.com/politikon/market-engine/internal/model"
	"github.com/politikon/market-engine/internal/store"
)

// SettlementResult reports the outcome of one settlement invocation.
type SettlementResult struct {
	Event model.EventDict
	State model.EventState
	// AlreadySettled is true when the event was terminal before the call;
	// the invocation was an idempotent no-op.
	AlreadySettled bool
	// CreditedUsers is the number of users who received a payout or refund.
	CreditedUsers int
}

// Settle transitions an event to the given terminal state and pays out
// every open position in one atomic unit:
//
//   - FINISHED_YES / FINISHED_NO: winning bets are credited
//     quantity × PayoutPerShare as PAYOUT transactions; losing bets pay
//     nothing.
//   - CANCELLED: every bet is refunded its exact remaining entry cost as
//     an ADJUSTMENT transaction.
//
// All bets on the event are zeroed and flagged new-resolved, and the
// event's price is frozen at its last traded value. Re-invoking on a
// terminal event is a no-op.
func (s *Service) Settle(ctx context.Context, eventID string, state model.EventState) (*SettlementResult, error) {
	if !state.Terminal() {
		return nil, ErrInvalidResolution
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &EventNotFoundError{EventID: eventID}
		}
		return nil, err
	}
	if event.State.Terminal() {
		return &SettlementResult{Event: event.Dict(), State: event.State, AlreadySettled: true}, nil
	}

	bets, err := s.store.ListBetsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var winner model.Outcome
	switch state {
	case model.EventFinishedYes:
		winner = model.OutcomeYes
	case model.EventFinishedNo:
		winner = model.OutcomeNo
	}

	var credits []store.SettlementCredit
	for _, b := range bets {
		var amount decimal.Decimal
		var txType model.TransactionType

		switch state {
		case model.EventCancelled:
			// Refund the exact remaining entry cost, no gain or loss. The
			// basis is tracked additively, so this never carries the
			// rounding of the derived average.
			amount = b.TotalCost
			txType = model.TransactionAdjustment
		default:
			if b.Outcome != winner {
				continue
			}
			amount = decimal.NewFromInt(b.Quantity * int64(s.market.PayoutPerShare))
			txType = model.TransactionPayout
		}

		credits = append(credits, store.SettlementCredit{
			UserID: b.UserID,
			Amount: amount,
			Transaction: model.Transaction{
				ID:       uuid.New().String(),
				UserID:   b.UserID,
				EventID:  eventID,
				Type:     txType,
				Quantity: b.Quantity,
				Total:    amount,
				Date:     now,
			},
		})
	}

	mut := &store.SettlementMutation{
		EventID:    eventID,
		State:      state,
		ResolvedAt: now,
		Credits:    credits,
	}
	if err := s.store.ApplySettlement(ctx, mut); err != nil {
		if errors.Is(err, store.ErrStale) {
			// A concurrent trigger settled the event first; honor the
			// idempotence guarantee.
			settled, rerr := s.store.GetEvent(ctx, eventID)
			if rerr != nil {
				return nil, rerr
			}
			return &SettlementResult{Event: settled.Dict(), State: settled.State, AlreadySettled: true}, nil
		}
		return nil, fmt.Errorf("apply settlement: %w", err)
	}

	metrics.SettlementsTotal.WithLabelValues(string(state)).Inc()
	metrics.ActiveEvents.Dec()
	slog.Info("event settled",
		"event", eventID,
		"state", state,
		"open_bets", len(bets),
		"credited_users", len(credits),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:             "event_settled",
			EventID:          eventID,
			State:            string(state),
			BuyForPrice:      event.CurrentBuyFor,
			BuyAgainstPrice:  event.CurrentBuyAgainst,
			SellForPrice:     event.CurrentSellFor,
			SellAgainstPrice: event.CurrentSellAgainst,
		})
	}

	return &SettlementResult{Event: event.Dict(), State: state, CreditedUsers: len(credits)}, nil
}
