package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/politikon/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedEvent(t *testing.T, s *MemoryStore, id string, createdAt time.Time) *model.Event {
	t.Helper()
	e := &model.Event{
		ID:                 id,
		Title:              "Event " + id,
		State:              model.EventInProgress,
		CurrentBuyFor:      50,
		CurrentBuyAgainst:  50,
		CurrentSellFor:     45,
		CurrentSellAgainst: 45,
		CreatedAt:          createdAt,
	}
	if err := s.CreateEvent(context.Background(), e); err != nil {
		t.Fatalf("CreateEvent(%s): %v", id, err)
	}
	return e
}

func seedUser(t *testing.T, s *MemoryStore, id string, balance decimal.Decimal) {
	t.Helper()
	u := &model.User{ID: id, Username: "user-" + id, Balance: balance, CreatedAt: time.Now()}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", id, err)
	}
}

func guardOf(e *model.Event) EventGuard {
	return EventGuard{
		BuyFor:      e.CurrentBuyFor,
		BuyAgainst:  e.CurrentBuyAgainst,
		SellFor:     e.CurrentSellFor,
		SellAgainst: e.CurrentSellAgainst,
	}
}

// --- ParseListMode tests ---

func TestParseListMode(t *testing.T) {
	tests := []struct {
		in   string
		want ListMode
	}{
		{"", ListPopular},
		{"popular", ListPopular},
		{"latest", ListLatest},
		{"changed", ListChanged},
		{"finished", ListFinished},
	}
	for _, tt := range tests {
		got, err := ParseListMode(tt.in)
		if err != nil {
			t.Fatalf("ParseListMode(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseListMode(%q)=%v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseListMode("trending"); err == nil {
		t.Errorf("unknown mode should be rejected")
	}
}

// --- Listing tests ---

func TestListEvents_PopularByTurnover(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	e1 := seedEvent(t, s, "e1", base)
	e2 := seedEvent(t, s, "e2", base.Add(time.Hour))
	e3 := seedEvent(t, s, "e3", base.Add(2*time.Hour))
	setTurnover := func(e *model.Event, v int64) {
		s.events[e.ID].Turnover = v
	}
	setTurnover(e1, 100)
	setTurnover(e2, 300)
	setTurnover(e3, 200)

	events, err := s.ListEvents(context.Background(), ListPopular)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	want := []string{"e2", "e3", "e1"}
	for i, id := range want {
		if events[i].ID != id {
			t.Errorf("popular[%d]=%s, want %s", i, events[i].ID, id)
		}
	}
}

func TestListEvents_LatestByCreation(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEvent(t, s, "old", base)
	seedEvent(t, s, "mid", base.Add(time.Hour))
	seedEvent(t, s, "new", base.Add(2*time.Hour))

	events, err := s.ListEvents(context.Background(), ListLatest)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if events[i].ID != id {
			t.Errorf("latest[%d]=%s, want %s", i, events[i].ID, id)
		}
	}
}

func TestListEvents_ChangedByPriceMove(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEvent(t, s, "calm", base)
	seedEvent(t, s, "wild", base)
	s.events["calm"].AbsolutePriceChange = 2
	s.events["wild"].AbsolutePriceChange = 17

	events, err := s.ListEvents(context.Background(), ListChanged)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if events[0].ID != "wild" || events[1].ID != "calm" {
		t.Errorf("changed order: got %s,%s", events[0].ID, events[1].ID)
	}
}

func TestListEvents_FinishedOnlyTerminal(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEvent(t, s, "open", base)
	seedEvent(t, s, "done1", base)
	seedEvent(t, s, "done2", base)
	r1 := base.Add(24 * time.Hour)
	r2 := base.Add(48 * time.Hour)
	s.events["done1"].State = model.EventFinishedYes
	s.events["done1"].ResolvedAt = &r1
	s.events["done2"].State = model.EventCancelled
	s.events["done2"].ResolvedAt = &r2

	events, err := s.ListEvents(context.Background(), ListFinished)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 terminal events, got %d", len(events))
	}
	if events[0].ID != "done2" || events[1].ID != "done1" {
		t.Errorf("finished order: got %s,%s, want done2,done1", events[0].ID, events[1].ID)
	}

	// And the in-progress listings must exclude terminal events.
	open, _ := s.ListEvents(context.Background(), ListPopular)
	if len(open) != 1 || open[0].ID != "open" {
		t.Errorf("popular should list only in-progress events, got %d", len(open))
	}
}

func TestFrontEvent(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.FrontEvent(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty store: expected ErrNotFound, got %v", err)
	}

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEvent(t, s, "older", base)
	seedEvent(t, s, "newest", base.Add(time.Hour))
	s.events["newest"].State = model.EventFinishedNo

	front, err := s.FrontEvent(context.Background())
	if err != nil {
		t.Fatalf("FrontEvent: %v", err)
	}
	if front.ID != "older" {
		t.Errorf("front event should skip terminal events, got %s", front.ID)
	}
}

// --- ApplyTrade tests ---

func tradeMutation(e *model.Event, userID string) *TradeMutation {
	return &TradeMutation{
		EventID:        e.ID,
		Guard:          guardOf(e),
		NewQYes:        1,
		NewBuyFor:      51,
		NewBuyAgainst:  49,
		NewSellFor:     46,
		NewSellAgainst: 44,
		TurnoverDelta:  50,
		PricePoint:     model.PricePoint{Time: time.Now(), Price: 51},
		Bet: model.Bet{
			ID: "b1", UserID: userID, EventID: e.ID,
			Outcome: model.OutcomeYes, Quantity: 1, TotalCost: d(50), AvgBuyPrice: d(50),
		},
		UserID:       userID,
		BalanceDelta: d(-50),
		Transaction: model.Transaction{
			ID: "t1", UserID: userID, EventID: e.ID,
			Type: model.TransactionBuy, Quantity: 1, Total: d(-50), Date: time.Now(),
		},
	}
}

func TestApplyTrade_CommitsAllWrites(t *testing.T) {
	s := NewMemoryStore()
	e := seedEvent(t, s, "e1", time.Now())
	seedUser(t, s, "u1", d(1000))

	if err := s.ApplyTrade(context.Background(), tradeMutation(e, "u1")); err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}

	got, _ := s.GetEvent(context.Background(), "e1")
	if got.QYes != 1 || got.CurrentBuyFor != 51 || got.Turnover != 50 {
		t.Errorf("event not updated: qYes=%d buyFor=%d turnover=%d", got.QYes, got.CurrentBuyFor, got.Turnover)
	}
	if len(got.PriceHistory) != 1 || got.PriceHistory[0].Price != 51 {
		t.Errorf("price point not recorded: %+v", got.PriceHistory)
	}

	u, _ := s.GetUser(context.Background(), "u1")
	if !u.Balance.Equal(d(950)) {
		t.Errorf("balance=%s, want 950", u.Balance)
	}

	b, err := s.GetBet(context.Background(), "u1", "e1", model.OutcomeYes)
	if err != nil {
		t.Fatalf("GetBet: %v", err)
	}
	if b.Quantity != 1 || !b.AvgBuyPrice.Equal(d(50)) {
		t.Errorf("bet not upserted: %+v", b)
	}

	txs, _ := s.ListTransactionsByUser(context.Background(), "u1", 0, 10)
	if len(txs) != 1 || txs[0].Type != model.TransactionBuy {
		t.Errorf("transaction not logged: %+v", txs)
	}
}

func TestApplyTrade_StaleGuardRejectsEverything(t *testing.T) {
	s := NewMemoryStore()
	e := seedEvent(t, s, "e1", time.Now())
	seedUser(t, s, "u1", d(1000))

	mut := tradeMutation(e, "u1")
	mut.Guard.BuyFor = 60 // does not match the stored 50

	if err := s.ApplyTrade(context.Background(), mut); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	// Nothing may have been written.
	got, _ := s.GetEvent(context.Background(), "e1")
	if got.QYes != 0 || got.Turnover != 0 || len(got.PriceHistory) != 0 {
		t.Errorf("stale trade mutated the event: %+v", got)
	}
	u, _ := s.GetUser(context.Background(), "u1")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("stale trade moved cash: %s", u.Balance)
	}
	if _, err := s.GetBet(context.Background(), "u1", "e1", model.OutcomeYes); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale trade created a bet")
	}
}

func TestApplyTrade_TerminalEventIsStale(t *testing.T) {
	s := NewMemoryStore()
	e := seedEvent(t, s, "e1", time.Now())
	seedUser(t, s, "u1", d(1000))
	s.events["e1"].State = model.EventFinishedYes

	if err := s.ApplyTrade(context.Background(), tradeMutation(e, "u1")); !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale on terminal event, got %v", err)
	}
}

func TestApplyTrade_UnknownUser(t *testing.T) {
	s := NewMemoryStore()
	e := seedEvent(t, s, "e1", time.Now())

	if err := s.ApplyTrade(context.Background(), tradeMutation(e, "ghost")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Settlement tests ---

func TestApplySettlement(t *testing.T) {
	s := NewMemoryStore()
	e := seedEvent(t, s, "e1", time.Now())
	seedUser(t, s, "u1", d(1000))
	if err := s.ApplyTrade(context.Background(), tradeMutation(e, "u1")); err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}

	resolvedAt := time.Now()
	mut := &SettlementMutation{
		EventID:    "e1",
		State:      model.EventFinishedYes,
		ResolvedAt: resolvedAt,
		Credits: []SettlementCredit{{
			UserID: "u1",
			Amount: d(100),
			Transaction: model.Transaction{
				ID: "t2", UserID: "u1", EventID: "e1",
				Type: model.TransactionPayout, Quantity: 1, Total: d(100), Date: resolvedAt,
			},
		}},
	}
	if err := s.ApplySettlement(context.Background(), mut); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	got, _ := s.GetEvent(context.Background(), "e1")
	if got.State != model.EventFinishedYes || got.ResolvedAt == nil {
		t.Errorf("event not resolved: state=%s", got.State)
	}
	u, _ := s.GetUser(context.Background(), "u1")
	if !u.Balance.Equal(d(1050)) {
		t.Errorf("balance=%s, want 1050", u.Balance)
	}
	b, _ := s.GetBet(context.Background(), "u1", "e1", model.OutcomeYes)
	if b.Quantity != 0 || !b.TotalCost.IsZero() || !b.IsNewResolved {
		t.Errorf("bet not cleared and flagged: %+v", b)
	}

	// Settling again must hit the stale guard.
	if err := s.ApplySettlement(context.Background(), mut); !errors.Is(err, ErrStale) {
		t.Errorf("second settlement should be ErrStale, got %v", err)
	}
}

// --- Viewed acknowledgement tests ---

func TestMarkBetsViewed(t *testing.T) {
	s := NewMemoryStore()
	s.bets[betKey("u1", "e1", model.OutcomeYes)] = &model.Bet{
		ID: "b1", UserID: "u1", EventID: "e1", Outcome: model.OutcomeYes, IsNewResolved: true,
	}
	s.bets[betKey("u2", "e1", model.OutcomeYes)] = &model.Bet{
		ID: "b2", UserID: "u2", EventID: "e1", Outcome: model.OutcomeYes, IsNewResolved: true,
	}

	// b2 belongs to another user, b9 does not exist: neither is acknowledged.
	acked, err := s.MarkBetsViewed(context.Background(), "u1", []string{"b1", "b2", "b9"})
	if err != nil {
		t.Fatalf("MarkBetsViewed: %v", err)
	}
	if len(acked) != 1 || acked[0] != "b1" {
		t.Errorf("acked=%v, want [b1]", acked)
	}
	if s.bets[betKey("u1", "e1", model.OutcomeYes)].IsNewResolved {
		t.Errorf("b1 flag not cleared")
	}
	if !s.bets[betKey("u2", "e1", model.OutcomeYes)].IsNewResolved {
		t.Errorf("b2 flag cleared for the wrong user")
	}
}

// --- Transaction log tests ---

func TestListTransactionsByUser_Pagination(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.transactions = append(s.transactions, model.Transaction{
			ID: string(rune('a' + i)), UserID: "u1",
			Type: model.TransactionBuy, Total: d(float64(i)), Date: base.Add(time.Duration(i) * time.Minute),
		})
	}
	s.transactions = append(s.transactions, model.Transaction{ID: "other", UserID: "u2"})

	page, err := s.ListTransactionsByUser(context.Background(), "u1", 0, 3)
	if err != nil {
		t.Fatalf("ListTransactionsByUser: %v", err)
	}
	if len(page) != 3 || page[0].ID != "e" || page[2].ID != "c" {
		t.Errorf("first page wrong: %+v", page)
	}

	page, _ = s.ListTransactionsByUser(context.Background(), "u1", 3, 3)
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "a" {
		t.Errorf("second page wrong: %+v", page)
	}

	page, _ = s.ListTransactionsByUser(context.Background(), "u1", 10, 3)
	if len(page) != 0 {
		t.Errorf("past-the-end page should be empty, got %d", len(page))
	}
}
