// HTTP handlers exposing the engine to the surrounding web layer.
//
// Success payloads follow the shape {updates: {bets, events, user}};
// business failures return 400-class statuses with {error, updates}
// carrying whatever refreshed snapshot the error provides.
package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/politikon/market-engine/internal/metrics"
	"github.com/politikon/market-engine/internal/model"
	"github.com/politikon/market-engine/internal/risk"
	"github.com/politikon/market-engine/internal/slug"
	"github.com/politikon/market-engine/internal/store"
)

// transactionPageSize is the page length for transaction history.
const transactionPageSize = 50

// Routes mounts every engine endpoint on a fresh router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/events", s.HandleCreateEvent)
	r.Get("/events", s.HandleListEvents)
	r.Get("/events/front", s.HandleFrontEvent)
	r.Get("/events/{eventID}", s.HandleGetEvent)
	r.Get("/events/{eventID}/chart", s.HandleGetChart)
	r.Post("/events/{eventID}/trade", s.HandleTrade)
	r.Post("/events/{eventID}/settle", s.HandleSettle)

	r.Post("/users", s.HandleCreateUser)
	r.Get("/users/{userID}", s.HandleGetUser)
	r.Get("/users/{userID}/bets", s.HandleListUserBets)
	r.Post("/users/{userID}/bets/viewed", s.HandleBetsViewed)
	r.Get("/users/{userID}/transactions", s.HandleTransactions)

	return r
}

// CreateEventRequest is the JSON body for event creation.
type CreateEventRequest struct {
	Title            string    `json:"title"`
	EstimatedEndDate time.Time `json:"estimated_end_date"`
}

// HandleCreateEvent handles POST /api/v1/events.
func (s *Service) HandleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.EstimatedEndDate.IsZero() {
		req.EstimatedEndDate = s.now().AddDate(0, 1, 0)
	}

	now := s.now()
	event := &model.Event{
		ID:               uuid.New().String(),
		Title:            req.Title,
		Slug:             slug.Make(req.Title),
		State:            model.EventInProgress,
		CreatedAt:        now,
		EstimatedEndDate: req.EstimatedEndDate,
	}
	s.pricer.Quote(0, 0).Apply(event)
	event.RecordPricePoint(now, event.CurrentBuyFor)

	if err := s.store.CreateEvent(r.Context(), event); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	metrics.ActiveEvents.Inc()
	event.RelativeURL = slug.RelativeURL(event.ID, event.Slug)
	writeJSON(w, http.StatusCreated, event)
}

// HandleListEvents handles GET /api/v1/events?mode={popular|latest|changed|finished}.
func (s *Service) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	mode, err := store.ParseListMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := s.store.ListEvents(r.Context(), mode)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	for i := range events {
		events[i].RelativeURL = slug.RelativeURL(events[i].ID, events[i].Slug)
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleFrontEvent handles GET /api/v1/events/front.
func (s *Service) HandleFrontEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.FrontEvent(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no event in progress", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load front event", http.StatusInternalServerError)
		return
	}
	event.RelativeURL = slug.RelativeURL(event.ID, event.Slug)
	writeJSON(w, http.StatusOK, event)
}

// HandleGetEvent handles GET /api/v1/events/{eventID}.
func (s *Service) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, "event not found", http.StatusNotFound)
		return
	}
	event.RelativeURL = slug.RelativeURL(event.ID, event.Slug)
	writeJSON(w, http.StatusOK, event)
}

// HandleGetChart handles GET /api/v1/events/{eventID}/chart.
func (s *Service) HandleGetChart(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, "event not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, event.ChartPoints(s.now(), s.chartConfig()))
}

// TradeRequest is the JSON body for POST /api/v1/events/{eventID}/trade.
// ForPrice is the price the client last observed.
type TradeRequest struct {
	UserID   string        `json:"user_id"`
	Outcome  model.Outcome `json:"outcome"`
	Side     model.Side    `json:"side"`
	ForPrice int           `json:"for_price"`
	Quantity int64         `json:"quantity,omitempty"`
}

// updates is the client-reconciliation payload attached to both success
// and failure responses.
type updates struct {
	Bets   []model.BetDict   `json:"bets,omitempty"`
	Events []model.EventDict `json:"events,omitempty"`
	User   *model.UserDict   `json:"user,omitempty"`
}

type tradeResponse struct {
	Error   string  `json:"error,omitempty"`
	Updates updates `json:"updates"`
}

// HandleTrade handles POST /api/v1/events/{eventID}/trade.
func (s *Service) HandleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.ExecuteTrade(r.Context(), Order{
		UserID:        req.UserID,
		EventID:       chi.URLParam(r, "eventID"),
		Outcome:       req.Outcome,
		Side:          req.Side,
		ExpectedPrice: req.ForPrice,
		Quantity:      req.Quantity,
	})
	if err != nil {
		writeTradeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tradeResponse{
		Updates: updates{
			Bets:   []model.BetDict{result.Bet},
			Events: []model.EventDict{result.Event},
			User:   &result.User,
		},
	})
}

// writeTradeError maps each business error kind onto its status and
// partial-snapshot payload.
func writeTradeError(w http.ResponseWriter, err error) {
	var (
		notFound   *EventNotFoundError
		notRunning *EventNotInProgressError
		unknown    *UnknownOutcomeError
		mismatch   *PriceMismatchError
		noCash     *InsufficientCashError
		noBets     *InsufficientBetsError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &mismatch):
		writeJSON(w, http.StatusBadRequest, tradeResponse{
			Error:   err.Error(),
			Updates: updates{Events: []model.EventDict{mismatch.Event}},
		})
	case errors.As(err, &noCash):
		writeJSON(w, http.StatusBadRequest, tradeResponse{
			Error:   err.Error(),
			Updates: updates{User: &noCash.User},
		})
	case errors.As(err, &noBets):
		writeJSON(w, http.StatusBadRequest, tradeResponse{
			Error:   err.Error(),
			Updates: updates{Bets: []model.BetDict{noBets.Bet}},
		})
	case errors.As(err, &notRunning), errors.As(err, &unknown):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, risk.ErrPerEventLimitExceeded), errors.Is(err, risk.ErrTotalExposureExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		writeError(w, "trade failed", http.StatusInternalServerError)
	}
}

// SettleRequest is the JSON body for POST /api/v1/events/{eventID}/settle.
// Result is YES, NO, or CANCELLED.
type SettleRequest struct {
	Result string `json:"result"`
}

// HandleSettle handles POST /api/v1/events/{eventID}/settle.
func (s *Service) HandleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var state model.EventState
	switch req.Result {
	case "YES":
		state = model.EventFinishedYes
	case "NO":
		state = model.EventFinishedNo
	case "CANCELLED":
		state = model.EventCancelled
	default:
		writeError(w, "result must be YES, NO or CANCELLED", http.StatusBadRequest)
		return
	}

	result, err := s.Settle(r.Context(), chi.URLParam(r, "eventID"), state)
	if err != nil {
		var notFound *EventNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, "settlement failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CreateUserRequest is the JSON body for POST /api/v1/users.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// HandleCreateUser handles POST /api/v1/users. New profiles start with
// the configured cash grant.
func (s *Service) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Username:  req.Username,
		Balance:   decimal.NewFromInt(s.market.StartingCash),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// HandleGetUser handles GET /api/v1/users/{userID}.
func (s *Service) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleListUserBets handles GET /api/v1/users/{userID}/bets.
func (s *Service) HandleListUserBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.store.ListBetsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list bets", http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// BetsViewedRequest is the JSON body for the bets-viewed acknowledgement.
type BetsViewedRequest struct {
	BetIDs []string `json:"bet_ids"`
}

// HandleBetsViewed handles POST /api/v1/users/{userID}/bets/viewed.
// Clears the new-resolved flag and echoes the acknowledged bet ids.
func (s *Service) HandleBetsViewed(w http.ResponseWriter, r *http.Request) {
	var req BetsViewedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acked, err := s.store.MarkBetsViewed(r.Context(), chi.URLParam(r, "userID"), req.BetIDs)
	if err != nil {
		writeError(w, "failed to mark bets viewed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, acked)
}

// HandleTransactions handles GET /api/v1/users/{userID}/transactions?from=N.
// Pages of 50, newest first.
func (s *Service) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	from := 0
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "from must be a non-negative integer", http.StatusBadRequest)
			return
		}
		from = n
	}

	transactions, err := s.store.ListTransactionsByUser(r.Context(),
		chi.URLParam(r, "userID"), from, transactionPageSize)
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, transactions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
