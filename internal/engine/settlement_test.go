package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/politikon/market-engine/internal/model"
)

func TestSettle_PaysWinnersOnly(t *testing.T) {
	env := newTestEnv(t)
	winner := env.createUser("alice")
	loser := env.createUser("bob")
	e := env.createEvent("Test market")

	env.doTrade(e.ID, TradeRequest{UserID: winner.ID, Outcome: model.OutcomeYes, Side: model.SideBuy, ForPrice: 50})
	env.doTrade(e.ID, TradeRequest{UserID: loser.ID, Outcome: model.OutcomeNo, Side: model.SideBuy, ForPrice: 49})

	result, err := env.svc.Settle(context.Background(), e.ID, model.EventFinishedYes)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.AlreadySettled {
		t.Errorf("first settlement flagged as already settled")
	}
	if result.CreditedUsers != 1 {
		t.Errorf("credited users=%d, want 1", result.CreditedUsers)
	}

	// Winner paid 50 for 1 YES share, gets 100 back: 1000-50+100.
	w, _ := env.store.GetUser(context.Background(), winner.ID)
	if !w.Balance.Equal(d(1050)) {
		t.Errorf("winner balance=%s, want 1050", w.Balance)
	}
	// Loser paid 49 for 1 NO share and gets nothing.
	l, _ := env.store.GetUser(context.Background(), loser.ID)
	if !l.Balance.Equal(d(951)) {
		t.Errorf("loser balance=%s, want 951", l.Balance)
	}

	// Every bet is zeroed and flagged new-resolved, win or lose.
	for _, id := range []string{winner.ID, loser.ID} {
		bets, _ := env.store.ListBetsByUser(context.Background(), id)
		if len(bets) != 1 || bets[0].Quantity != 0 || !bets[0].IsNewResolved {
			t.Errorf("user %s bet not cleared and flagged: %+v", id, bets)
		}
	}

	// The payout is on the transaction log.
	txs, _ := env.store.ListTransactionsByUser(context.Background(), winner.ID, 0, 10)
	if len(txs) != 2 || txs[0].Type != model.TransactionPayout || !txs[0].Total.Equal(d(100)) {
		t.Errorf("payout transaction missing: %+v", txs)
	}

	ev, _ := env.store.GetEvent(context.Background(), e.ID)
	if ev.State != model.EventFinishedYes || ev.ResolvedAt == nil {
		t.Errorf("event not terminal: state=%s", ev.State)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser("alice")
	e := env.createEvent("Test market")
	env.doTrade(e.ID, TradeRequest{UserID: u.ID, Outcome: model.OutcomeYes, Side: model.SideBuy, ForPrice: 50})

	if _, err := env.svc.Settle(context.Background(), e.ID, model.EventFinishedYes); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	balanceAfter, _ := env.store.GetUser(context.Background(), u.ID)

	// A second invocation is a no-op, even with a different resolution.
	result, err := env.svc.Settle(context.Background(), e.ID, model.EventFinishedNo)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !result.AlreadySettled {
		t.Errorf("second settlement should report already settled")
	}

	ev, _ := env.store.GetEvent(context.Background(), e.ID)
	if ev.State != model.EventFinishedYes {
		t.Errorf("re-settlement changed the resolution to %s", ev.State)
	}
	u2, _ := env.store.GetUser(context.Background(), u.ID)
	if !u2.Balance.Equal(balanceAfter.Balance) {
		t.Errorf("re-settlement moved cash: %s -> %s", balanceAfter.Balance, u2.Balance)
	}
}

func TestSettle_CancelledRefundsEntryCost(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser("alice")
	e := env.createEvent("Test market")

	// Two buys at 50 and 51: entry cost 101, avg 50.5.
	env.doTrade(e.ID, TradeRequest{UserID: u.ID, Outcome: model.OutcomeYes, Side: model.SideBuy, ForPrice: 50})
	env.doTrade(e.ID, TradeRequest{UserID: u.ID, Outcome: model.OutcomeYes, Side: model.SideBuy, ForPrice: 51})

	result, err := env.svc.Settle(context.Background(), e.ID, model.EventCancelled)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.CreditedUsers != 1 {
		t.Errorf("credited users=%d, want 1", result.CreditedUsers)
	}

	// Full refund: the user ends where they started.
	usr, _ := env.store.GetUser(context.Background(), u.ID)
	if !usr.Balance.Equal(d(1000)) {
		t.Errorf("balance after cancellation=%s, want 1000", usr.Balance)
	}

	txs, _ := env.store.ListTransactionsByUser(context.Background(), u.ID, 0, 10)
	if len(txs) != 3 || txs[0].Type != model.TransactionAdjustment || !txs[0].Total.Equal(d(101)) {
		t.Errorf("adjustment transaction missing: %+v", txs)
	}
}

func TestSettle_CancelledRefundExactForNonDivisibleBasis(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser("alice")
	e := env.createEvent("Test market")

	// Build a 3-share position whose entry cost (153.5) is not divisible
	// by the share count: buy at 50 and 51, sell one at 47, buy back at
	// 51 and 52. The refund must be the exact basis, not quantity times
	// the rounded average.
	trades := []struct {
		side  model.Side
		price int
	}{
		{model.SideBuy, 50},
		{model.SideBuy, 51},
		{model.SideSell, 47},
		{model.SideBuy, 51},
		{model.SideBuy, 52},
	}
	for i, tr := range trades {
		if _, err := env.svc.ExecuteTrade(context.Background(), Order{
			UserID: u.ID, EventID: e.ID, Outcome: model.OutcomeYes,
			Side: tr.side, ExpectedPrice: tr.price,
		}); err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
	}

	bet, _ := env.store.GetBet(context.Background(), u.ID, e.ID, model.OutcomeYes)
	if bet.Quantity != 3 || !bet.TotalCost.Equal(d(153.5)) {
		t.Fatalf("basis: qty=%d cost=%s, want 3 @ 153.5", bet.Quantity, bet.TotalCost)
	}

	if _, err := env.svc.Settle(context.Background(), e.ID, model.EventCancelled); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	// 1000 - 50 - 51 + 47 - 51 - 52 + 153.5, with zero rounding residue.
	usr, _ := env.store.GetUser(context.Background(), u.ID)
	if !usr.Balance.Equal(d(996.5)) {
		t.Errorf("balance after cancellation=%s, want exactly 996.5", usr.Balance)
	}
	txs, _ := env.store.ListTransactionsByUser(context.Background(), u.ID, 0, 10)
	if txs[0].Type != model.TransactionAdjustment || !txs[0].Total.Equal(d(153.5)) {
		t.Errorf("refund transaction: %+v", txs[0])
	}
}

func TestSettle_NonTerminalTargetRejected(t *testing.T) {
	env := newTestEnv(t)
	e := env.createEvent("Test market")

	_, err := env.svc.Settle(context.Background(), e.ID, model.EventInProgress)
	if !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution, got %v", err)
	}
}

func TestSettle_UnknownEvent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Settle(context.Background(), "no-such-event", model.EventFinishedYes)
	var notFound *EventNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected EventNotFoundError, got %v", err)
	}
}

// --- HTTP surface ---

func TestSettleEndpoint(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser("alice")
	e := env.createEvent("Test market")
	env.doTrade(e.ID, TradeRequest{UserID: u.ID, Outcome: model.OutcomeYes, Side: model.SideBuy, ForPrice: 50})

	resp := env.postJSON("/events/"+e.ID+"/settle", SettleRequest{Result: "YES"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var result SettlementResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.State != model.EventFinishedYes || result.CreditedUsers != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestSettleEndpoint_BadResult(t *testing.T) {
	env := newTestEnv(t)
	e := env.createEvent("Test market")

	resp := env.postJSON("/events/"+e.ID+"/settle", SettleRequest{Result: "MAYBE"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status=%d, want 400", resp.StatusCode)
	}

	resp = env.postJSON("/events/no-such-event/settle", SettleRequest{Result: "YES"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown event: status=%d, want 404", resp.StatusCode)
	}
}
