package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/politikon/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All cash amounts are stored as NUMERIC for exact decimal precision.
// ApplyTrade and ApplySettlement each run inside one pgx transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const eventColumns = `id, title, slug, state,
       buy_for, buy_against, sell_for, sell_against,
       q_yes, q_no, turnover, absolute_price_change,
       created_at, estimated_end_date, resolved_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.Title, &e.Slug, &e.State,
		&e.CurrentBuyFor, &e.CurrentBuyAgainst, &e.CurrentSellFor, &e.CurrentSellAgainst,
		&e.QYes, &e.QNo, &e.Turnover, &e.AbsolutePriceChange,
		&e.CreatedAt, &e.EstimatedEndDate, &e.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.Title, e.Slug, e.State,
		e.CurrentBuyFor, e.CurrentBuyAgainst, e.CurrentSellFor, e.CurrentSellAgainst,
		e.QYes, e.QNo, e.Turnover, e.AbsolutePriceChange,
		e.CreatedAt, e.EstimatedEndDate, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("create event %s: %w", e.ID, err)
	}

	for _, p := range e.PriceHistory {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO event_price_points (event_id, recorded_at, price)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (event_id, recorded_at) DO UPDATE SET price = EXCLUDED.price`,
			e.ID, p.Time, p.Price); err != nil {
			return fmt.Errorf("record price point for %s: %w", e.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT recorded_at, price FROM event_price_points
		 WHERE event_id = $1 ORDER BY recorded_at`, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s history: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.PricePoint
		if err := rows.Scan(&p.Time, &p.Price); err != nil {
			return nil, err
		}
		e.PriceHistory = append(e.PriceHistory, p)
	}
	return e, rows.Err()
}

// listOrder maps each listing mode onto its (filter, sort key, direction).
func listOrder(mode ListMode) (where, order string) {
	switch mode {
	case ListPopular:
		return `state = 'IN_PROGRESS'`, `turnover DESC`
	case ListLatest:
		return `state = 'IN_PROGRESS'`, `created_at DESC`
	case ListChanged:
		return `state = 'IN_PROGRESS'`, `absolute_price_change DESC`
	default: // ListFinished
		return `state <> 'IN_PROGRESS'`, `resolved_at DESC NULLS LAST`
	}
}

func (s *PostgresStore) ListEvents(ctx context.Context, mode ListMode) ([]model.Event, error) {
	where, order := listOrder(mode)
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE `+where+` ORDER BY `+order)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) FrontEvent(ctx context.Context) (*model.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE state = 'IN_PROGRESS' ORDER BY created_at DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("front event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Username, u.Balance.String(), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

const betColumns = `id, user_id, event_id, outcome, quantity, total_cost::TEXT, avg_buy_price::TEXT, is_new_resolved`

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var total, avg string
	err := row.Scan(&b.ID, &b.UserID, &b.EventID, &b.Outcome, &b.Quantity, &total, &avg, &b.IsNewResolved)
	if err != nil {
		return nil, err
	}
	b.TotalCost, _ = decimal.NewFromString(total)
	b.AvgBuyPrice, _ = decimal.NewFromString(avg)
	return &b, nil
}

func (s *PostgresStore) GetBet(ctx context.Context, userID, eventID string, outcome model.Outcome) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE user_id = $1 AND event_id = $2 AND outcome = $3`,
		userID, eventID, outcome))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bet %s/%s/%s: %w", userID, eventID, outcome, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bet: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) listBets(ctx context.Context, query string, arg any) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.listBets(ctx,
		`SELECT `+betColumns+` FROM bets WHERE user_id = $1 ORDER BY id`, userID)
}

func (s *PostgresStore) ListBetsByEvent(ctx context.Context, eventID string) ([]model.Bet, error) {
	return s.listBets(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE event_id = $1 AND quantity > 0 ORDER BY id`, eventID)
}

func (s *PostgresStore) MarkBetsViewed(ctx context.Context, userID string, betIDs []string) ([]string, error) {
	acked := []string{}
	for _, id := range betIDs {
		tag, err := s.pool.Exec(ctx,
			`UPDATE bets SET is_new_resolved = FALSE WHERE id = $1 AND user_id = $2`,
			id, userID)
		if err != nil {
			return nil, fmt.Errorf("mark bet %s viewed: %w", id, err)
		}
		if tag.RowsAffected() > 0 {
			acked = append(acked, id)
		}
	}
	return acked, nil
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string, offset, limit int) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(event_id, ''), type, quantity, total::TEXT, date
		 FROM transactions WHERE user_id = $1
		 ORDER BY date DESC, seq DESC
		 OFFSET $2 LIMIT $3`, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []model.Transaction{}
	for rows.Next() {
		var t model.Transaction
		var total string
		if err := rows.Scan(&t.ID, &t.UserID, &t.EventID, &t.Type, &t.Quantity, &total, &t.Date); err != nil {
			return nil, err
		}
		t.Total, _ = decimal.NewFromString(total)
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, mut *TradeMutation) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Guard: the update only lands when the event still carries the
		// prices the matcher observed. Zero rows means a concurrent commit
		// won the race.
		tag, err := tx.Exec(ctx,
			`UPDATE events
			 SET q_yes = $2, q_no = $3,
			     buy_for = $4, buy_against = $5, sell_for = $6, sell_against = $7,
			     turnover = turnover + $8, absolute_price_change = $9
			 WHERE id = $1 AND state = 'IN_PROGRESS'
			   AND buy_for = $10 AND buy_against = $11
			   AND sell_for = $12 AND sell_against = $13`,
			mut.EventID, mut.NewQYes, mut.NewQNo,
			mut.NewBuyFor, mut.NewBuyAgainst, mut.NewSellFor, mut.NewSellAgainst,
			mut.TurnoverDelta, mut.AbsolutePriceChange,
			mut.Guard.BuyFor, mut.Guard.BuyAgainst, mut.Guard.SellFor, mut.Guard.SellAgainst)
		if err != nil {
			return fmt.Errorf("update event %s: %w", mut.EventID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("event %s: %w", mut.EventID, ErrStale)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO event_price_points (event_id, recorded_at, price)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (event_id, recorded_at) DO UPDATE SET price = EXCLUDED.price`,
			mut.EventID, mut.PricePoint.Time, mut.PricePoint.Price); err != nil {
			return fmt.Errorf("record price point: %w", err)
		}

		b := mut.Bet
		if _, err := tx.Exec(ctx,
			`INSERT INTO bets (id, user_id, event_id, outcome, quantity, total_cost, avg_buy_price, is_new_resolved)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)
			 ON CONFLICT (user_id, event_id, outcome) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     total_cost = EXCLUDED.total_cost,
			     avg_buy_price = EXCLUDED.avg_buy_price,
			     is_new_resolved = EXCLUDED.is_new_resolved`,
			b.ID, b.UserID, b.EventID, b.Outcome, b.Quantity,
			b.TotalCost.String(), b.AvgBuyPrice.String(), b.IsNewResolved); err != nil {
			return fmt.Errorf("upsert bet: %w", err)
		}

		tag, err = tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
			mut.UserID, mut.BalanceDelta.String())
		if err != nil {
			return fmt.Errorf("adjust balance for %s: %w", mut.UserID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %s: %w", mut.UserID, ErrNotFound)
		}

		return insertTransaction(ctx, tx, mut.Transaction)
	})
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, mut *SettlementMutation) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE events SET state = $2, resolved_at = $3
			 WHERE id = $1 AND state = 'IN_PROGRESS'`,
			mut.EventID, mut.State, mut.ResolvedAt)
		if err != nil {
			return fmt.Errorf("resolve event %s: %w", mut.EventID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("event %s: %w", mut.EventID, ErrStale)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE bets SET quantity = 0, total_cost = 0, is_new_resolved = TRUE
			 WHERE event_id = $1 AND quantity > 0`, mut.EventID); err != nil {
			return fmt.Errorf("clear bets for %s: %w", mut.EventID, err)
		}

		for _, c := range mut.Credits {
			tag, err := tx.Exec(ctx,
				`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
				c.UserID, c.Amount.String())
			if err != nil {
				return fmt.Errorf("credit user %s: %w", c.UserID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("user %s: %w", c.UserID, ErrNotFound)
			}
			if err := insertTransaction(ctx, tx, c.Transaction); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction) error {
	var eventID any
	if t.EventID != "" {
		eventID = t.EventID
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, event_id, type, quantity, total, date)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		t.ID, t.UserID, eventID, t.Type, t.Quantity, t.Total.String(), t.Date)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}
