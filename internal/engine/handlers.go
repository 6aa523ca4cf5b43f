package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/model"
	"github.com/emx/market-engine/internal/store"
	"github.com/emx/market-engine/internal/sysconfig"
)

// --- Request types ---

// TradeRequest is the JSON body for POST /api/v1/trade. Amount is the
// energy to spend on a BUY; Shares is the share count to sell on a SELL.
type TradeRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Side      string          `json:"side"` // "BUY" or "SELL"
	Amount    decimal.Decimal `json:"amount"`
	Shares    decimal.Decimal `json:"shares"`
}

// CreateMarketRequest is the JSON body for market creation. Outcomes is a
// comma-separated list of outcome names.
type CreateMarketRequest struct {
	Question    string `json:"question"`
	Description string `json:"description"`
	EndDate     string `json:"end_date"`
	Outcomes    string `json:"outcomes"`
}

// StatusRequest is the JSON body for PUT /markets/{marketID}/status.
type StatusRequest struct {
	Status model.MarketStatus `json:"status"`
}

// SettleRequest is the JSON body for POST /markets/{marketID}/settle.
// FinalPrice is the real-world reference value the market resolved
// against, recorded on the market for display.
type SettleRequest struct {
	WinningOutcomeID string          `json:"winning_outcome_id"`
	FinalPrice       decimal.Decimal `json:"final_price"`
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// RoleRequest is the JSON body for POST /users/{userID}/role.
type RoleRequest struct {
	Role model.Role `json:"role"`
}

// PointsRequest is the JSON body for POST /admin/points.
type PointsRequest struct {
	Username string          `json:"username"`
	Amount   decimal.Decimal `json:"amount"`
}

// AirdropRequest is the JSON body for POST /admin/airdrop.
type AirdropRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ResetRoleRequest is the JSON body for POST /admin/reset-role.
// NewBalance, when present, replaces the user's balance.
type ResetRoleRequest struct {
	Username   string           `json:"username"`
	NewBalance *decimal.Decimal `json:"new_balance,omitempty"`
}

// NotificationRequest is the JSON body for PUT /admin/config/notification.
type NotificationRequest struct {
	Text string `json:"text"`
}

// EventModeRequest is the JSON body for PUT /admin/config/event-mode.
type EventModeRequest struct {
	Mode model.EventMode `json:"mode"`
}

// --- Error mapping ---

// statusFor maps engine errors to HTTP status codes: validation 400,
// missing resources 404, business-rule conflicts 409, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrMarketNotTradable),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrRoleAlreadySet),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- Routes ---

// Routes returns the engine's API router, mounted under /api/v1.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/trade", s.handleTrade)

	r.Route("/markets", func(r chi.Router) {
		r.Get("/", s.handleListMarkets)
		r.Post("/", s.handleCreateMarket)
		r.Route("/{marketID}", func(r chi.Router) {
			r.Get("/", s.handleGetMarket)
			r.Delete("/", s.handleDeleteMarket)
			r.Put("/status", s.handleUpdateStatus)
			r.Post("/settle", s.handleSettle)
			r.Get("/history", s.handleMarketHistory)
			r.Get("/transactions", s.handleMarketTransactions)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.handleCreateUser)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Post("/role", s.handleSelectRole)
			r.Get("/positions", s.handleUserPositions)
			r.Get("/transactions", s.handleUserTransactions)
		})
	})

	r.Get("/leaderboard", s.handleLeaderboard)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/points", s.handleAddPoints)
		r.Post("/airdrop", s.handleAirdrop)
		r.Post("/daily-cost", s.handleDailyCost)
		r.Post("/reset-role", s.handleResetRole)
		r.Get("/config", s.handleGetConfig)
		r.Put("/config/notification", s.handleSetNotification)
		r.Put("/config/event-mode", s.handleSetEventMode)
	})

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	return r
}

// --- Trade handlers ---

func (s *Service) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.MarketID == "" || req.OutcomeID == "" {
		writeError(w, "user_id, market_id and outcome_id are required", http.StatusBadRequest)
		return
	}

	var (
		result *TradeResult
		err    error
	)
	switch req.Side {
	case "BUY":
		result, err = s.Buy(r.Context(), req.UserID, req.MarketID, req.OutcomeID, req.Amount)
	case "SELL":
		result, err = s.Sell(r.Context(), req.UserID, req.MarketID, req.OutcomeID, req.Shares)
	default:
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Market handlers ---

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.CreateMarket(r.Context(), CreateMarketParams{
		Question:    req.Question,
		Description: req.Description,
		EndDate:     req.EndDate,
		Outcomes:    req.Outcomes,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.ListMarkets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Service) handleDeleteMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteMarket(r.Context(), chi.URLParam(r, "marketID")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.UpdateMarketStatus(r.Context(), chi.URLParam(r, "marketID"), req.Status)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinningOutcomeID == "" {
		writeError(w, "winning_outcome_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.SettleMarket(r.Context(), chi.URLParam(r, "marketID"), req.WinningOutcomeID, req.FinalPrice)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleMarketHistory(w http.ResponseWriter, r *http.Request) {
	points, err := s.MarketHistory(r.Context(), chi.URLParam(r, "marketID"), r.URL.Query().Get("range"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Service) handleMarketTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := s.MarketTransactions(r.Context(), chi.URLParam(r, "marketID"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- User handlers ---

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.CreateUser(r.Context(), req.Username)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Service) handleSelectRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.SelectRole(r.Context(), chi.URLParam(r, "userID"), req.Role)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Service) handleUserPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.UserPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Service) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.UserTransactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Service) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	users, err := s.Leaderboard(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// --- Admin handlers ---

func (s *Service) handleAddPoints(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	user, err := s.AddPoints(r.Context(), req.Username, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Service) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	var req AirdropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	credited, err := s.Airdrop(r.Context(), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credited": credited})
}

func (s *Service) handleDailyCost(w http.ResponseWriter, r *http.Request) {
	debited, err := s.TriggerDailyCost(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"debited": debited})
}

func (s *Service) handleResetRole(w http.ResponseWriter, r *http.Request) {
	var req ResetRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	if err := s.ResetUser(r.Context(), req.Username, req.NewBalance); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.syscfg.Get())
}

func (s *Service) handleSetNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.syscfg.SetNotification(req.Text)
	writeJSON(w, http.StatusOK, s.syscfg.Get())
}

func (s *Service) handleSetEventMode(w http.ResponseWriter, r *http.Request) {
	var req EventModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.syscfg.SetEventMode(req.Mode); err != nil {
		if errors.Is(err, sysconfig.ErrInvalidMode) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.syscfg.Get())
}
