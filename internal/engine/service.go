// Package engine implements the exchange operations: trade execution,
// market lifecycle, settlement, and the periodic balance operations.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/metrics"
	"github.com/emx/market-engine/internal/model"
	"github.com/emx/market-engine/internal/pricing"
	"github.com/emx/market-engine/internal/store"
	"github.com/emx/market-engine/internal/sysconfig"
)

// Daily balance cost per role, debited once per scheduler tick.
var dailyCost = map[model.Role]decimal.Decimal{
	model.RoleIntern:   decimal.NewFromInt(30),
	model.RoleFullTime: decimal.NewFromInt(150),
}

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// Config carries the tunable engine parameters.
type Config struct {
	// StartingBalance is credited to every new user.
	StartingBalance decimal.Decimal

	// AirdropWindow is the trailing activity window for airdrop eligibility.
	AirdropWindow time.Duration

	// LeaderboardSize caps the leaderboard query.
	LeaderboardSize int
}

// Service executes exchange operations. Uses a mutex for serialized trade
// execution (single-instance); the store transaction scope provides the
// all-or-nothing guarantee, the mutex provides ordering.
type Service struct {
	store   store.Store
	pricing *pricing.Model
	syscfg  *sysconfig.Store
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	cfg     Config
	mu      sync.Mutex
}

// NewService creates an engine service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, pm *pricing.Model, syscfg *sysconfig.Store, hub *WSHub, cfg Config) *Service {
	if cfg.StartingBalance.LessThanOrEqual(decimal.Zero) {
		cfg.StartingBalance = decimal.NewFromInt(1000)
	}
	if cfg.AirdropWindow <= 0 {
		cfg.AirdropWindow = time.Hour
	}
	if cfg.LeaderboardSize <= 0 {
		cfg.LeaderboardSize = 20
	}
	return &Service{
		store:   st,
		pricing: pm,
		syscfg:  syscfg,
		wsHub:   hub,
		cfg:     cfg,
	}
}

// SystemConfig returns the sysconfig store for the admin handlers.
func (s *Service) SystemConfig() *sysconfig.Store {
	return s.syscfg
}

// --- Users ---

// CreateUser registers a new user with the starting balance.
func (s *Service) CreateUser(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if !usernameRe.MatchString(username) {
		return nil, fmt.Errorf("%w: username must be 3-20 characters of [A-Za-z0-9_]", ErrValidation)
	}

	u := &model.User{
		ID:        uuid.New().String(),
		Username:  username,
		Balance:   s.cfg.StartingBalance,
		Role:      model.RoleNone,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	slog.Info("user created", "id", u.ID, "username", username)
	return u, nil
}

// GetUser returns one user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return u, nil
}

// SelectRole assigns a user's role. Roles are selected once; a second
// selection fails until an admin resets the user.
func (s *Service) SelectRole(ctx context.Context, userID string, role model.Role) (*model.User, error) {
	if role != model.RoleIntern && role != model.RoleFullTime {
		return nil, fmt.Errorf("%w: role must be INTERN or FULL_TIME", ErrValidation)
	}

	var out *model.User
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return mapStoreErr(err)
		}
		if u.Role != model.RoleNone {
			return ErrRoleAlreadySet
		}
		if err := tx.SetUserRole(ctx, userID, role); err != nil {
			return mapStoreErr(err)
		}
		u.Role = role
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("role selected", "user", userID, "role", role)
	return out, nil
}

// ResetUser clears a user's role and, when newBalance is non-nil, replaces
// the balance. Admin operation keyed on username; the ledger is left
// untouched.
func (s *Service) ResetUser(ctx context.Context, username string, newBalance *decimal.Decimal) error {
	if newBalance != nil && newBalance.IsNegative() {
		return fmt.Errorf("%w: balance must not be negative", ErrValidation)
	}
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		u, err := tx.GetUserByUsername(ctx, username)
		if err != nil {
			return mapStoreErr(err)
		}
		return mapStoreErr(tx.ResetUser(ctx, u.ID, newBalance))
	})
	if err != nil {
		return err
	}
	slog.Info("user reset", "username", username, "balance_replaced", newBalance != nil)
	return nil
}

// Leaderboard returns the top users by balance. A non-positive or
// oversized limit falls back to the configured default.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.User, error) {
	if limit <= 0 || limit > 100 {
		limit = s.cfg.LeaderboardSize
	}
	return s.store.TopUsersByBalance(ctx, limit)
}

// --- Markets ---

// CreateMarketParams is the input for market creation. Outcomes is a
// delimited list of outcome names; both "," and "，" separate entries.
type CreateMarketParams struct {
	Question    string
	Description string
	EndDate     string
	Outcomes    string
}

// splitOutcomes parses the outcome list, trimming blanks.
func splitOutcomes(raw string) []string {
	raw = strings.ReplaceAll(raw, "，", ",")
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// CreateMarket creates an OPEN market with 1-4 outcomes, each priced at
// 1/N, and records the initial price snapshot.
func (s *Service) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.Market, error) {
	question := strings.TrimSpace(p.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrValidation)
	}

	names := splitOutcomes(p.Outcomes)
	if len(names) < 1 || len(names) > 4 {
		return nil, fmt.Errorf("%w: markets need 1-4 outcomes, got %d", ErrValidation, len(names))
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate outcome %q", ErrValidation, name)
		}
		seen[name] = true
	}

	now := time.Now().UTC()
	initialPrice := decimal.NewFromInt(1).
		Div(decimal.NewFromInt(int64(len(names)))).
		Round(pricing.PriceScale)

	market := &model.Market{
		ID:          uuid.New().String(),
		Question:    question,
		Description: strings.TrimSpace(p.Description),
		Status:      model.StatusOpen,
		EndDate:     strings.TrimSpace(p.EndDate),
		TotalVolume: decimal.Zero,
		CreatedAt:   now,
	}
	for _, name := range names {
		market.Outcomes = append(market.Outcomes, model.Outcome{
			ID:       uuid.New().String(),
			MarketID: market.ID,
			Name:     name,
			Price:    initialPrice,
			Volume:   decimal.Zero,
		})
	}

	points := make([]model.PricePoint, 0, len(market.Outcomes))
	for _, o := range market.Outcomes {
		points = append(points, model.PricePoint{
			ID:        uuid.New().String(),
			MarketID:  market.ID,
			OutcomeID: o.ID,
			Price:     o.Price,
			CreatedAt: now,
		})
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateMarket(ctx, market); err != nil {
			return err
		}
		return tx.InsertPricePoints(ctx, points)
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"question", question,
		"outcomes", len(names),
		"initial_price", initialPrice.String(),
	)
	return market, nil
}

// GetMarket returns one market with its outcomes.
func (s *Service) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return m, nil
}

// ListMarkets returns all markets, newest first.
func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.store.ListMarkets(ctx)
}

// UpdateMarketStatus toggles a market between OPEN and LOCKED, or cancels
// it. RESOLVED is only reachable through settlement.
func (s *Service) UpdateMarketStatus(ctx context.Context, marketID string, status model.MarketStatus) (*model.Market, error) {
	switch status {
	case model.StatusOpen, model.StatusLocked, model.StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: cannot set status %s directly", ErrValidation, status)
	}

	var out *model.Market
	var prev model.MarketStatus
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return mapStoreErr(err)
		}
		if m.Status.Terminal() {
			return fmt.Errorf("%w: market is %s", ErrInvalidTransition, m.Status)
		}
		prev = m.Status
		if m.Status == status {
			out = m
			return nil
		}
		if err := tx.UpdateMarketStatus(ctx, marketID, status); err != nil {
			return mapStoreErr(err)
		}
		m.Status = status
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if prev == status {
		return out, nil
	}

	switch {
	case status == model.StatusOpen:
		metrics.OpenMarkets.Inc()
	case prev == model.StatusOpen:
		metrics.OpenMarkets.Dec()
	}

	slog.Info("market status changed", "market", marketID, "status", status)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_status",
			MarketID: marketID,
			Status:   string(status),
		})
	}
	return out, nil
}

// DeleteMarket removes a market and everything hanging off it. Balances
// already affected by its trades are not compensated.
func (s *Service) DeleteMarket(ctx context.Context, marketID string) error {
	var wasOpen bool
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return mapStoreErr(err)
		}
		wasOpen = m.Status == model.StatusOpen
		return mapStoreErr(tx.DeleteMarket(ctx, marketID))
	})
	if err != nil {
		return err
	}

	if wasOpen {
		metrics.OpenMarkets.Dec()
	}
	slog.Info("market deleted", "market", marketID)
	return nil
}

// MarketHistory returns price points for a market over a named range:
// 1H, 6H, 1D, 1W, or ALL (default).
func (s *Service) MarketHistory(ctx context.Context, marketID, rng string) ([]model.PricePoint, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, mapStoreErr(err)
	}

	var since time.Time
	now := time.Now().UTC()
	switch strings.ToUpper(rng) {
	case "1H":
		since = now.Add(-time.Hour)
	case "6H":
		since = now.Add(-6 * time.Hour)
	case "1D":
		since = now.Add(-24 * time.Hour)
	case "1W":
		since = now.Add(-7 * 24 * time.Hour)
	case "", "ALL":
		// zero time = everything
	default:
		return nil, fmt.Errorf("%w: unknown range %q", ErrValidation, rng)
	}

	return s.store.ListPricePoints(ctx, marketID, since)
}

// MarketTransactions returns the most recent trades for a market.
func (s *Service) MarketTransactions(ctx context.Context, marketID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.store.ListTransactionsByMarket(ctx, marketID, limit)
}

// UserTransactions returns a user's full ledger, newest first.
func (s *Service) UserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.store.ListTransactionsByUser(ctx, userID)
}

// UserPositions returns a user's holdings across all markets.
func (s *Service) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.store.ListPositionsByUser(ctx, userID)
}

// --- Trades ---

// TradeResult is the outcome of one executed trade.
type TradeResult struct {
	Transaction *model.Transaction `json:"transaction"`
	Position    *model.Position    `json:"position"`
	NewBalance  decimal.Decimal    `json:"new_balance"`
	Market      *model.Market      `json:"market"`
}

// Buy spends `amount` energy on an outcome. The whole trade commits
// atomically or not at all.
func (s *Service) Buy(ctx context.Context, userID, marketID, outcomeID string, amount decimal.Decimal) (*TradeResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	volatility := pricing.VolatilityMultiplier(s.syscfg.Get().EventMode)
	started := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *TradeResult
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return mapStoreErr(err)
		}
		if market.Status != model.StatusOpen {
			return fmt.Errorf("%w: market is %s", ErrMarketNotTradable, market.Status)
		}

		outcome, err := tx.GetOutcome(ctx, outcomeID)
		if err != nil {
			return mapStoreErr(err)
		}
		if outcome.MarketID != marketID {
			return ErrInvalidOutcome
		}

		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return mapStoreErr(err)
		}
		if user.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, need %s",
				ErrInsufficientBalance, user.Balance.String(), amount.String())
		}

		quote, err := s.pricing.QuoteBuy(outcome.Price, amount, volatility)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}

		if err := tx.AdjustUserBalance(ctx, userID, amount.Neg()); err != nil {
			return err
		}

		pos, err := tx.GetPosition(ctx, userID, outcomeID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			pos = &model.Position{
				UserID:    userID,
				MarketID:  marketID,
				OutcomeID: outcomeID,
				Shares:    quote.Shares,
				AvgPrice:  quote.ExecutionPrice,
			}
		case err != nil:
			return err
		default:
			// Weighted average entry price over total energy spent.
			newShares := pos.Shares.Add(quote.Shares)
			spentBefore := pos.Shares.Mul(pos.AvgPrice)
			pos.AvgPrice = spentBefore.Add(amount).Div(newShares).Round(pricing.PriceScale)
			pos.Shares = newShares
		}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

		if err := tx.UpdateOutcome(ctx, marketID, outcomeID, quote.ExecutionPrice, amount); err != nil {
			return err
		}
		if err := tx.AddMarketVolume(ctx, marketID, amount); err != nil {
			return err
		}

		txRecord := &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			MarketID:  marketID,
			OutcomeID: outcomeID,
			Type:      model.TxBuy,
			Amount:    amount,
			Shares:    quote.Shares,
			Price:     quote.ExecutionPrice,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertTransaction(ctx, txRecord); err != nil {
			return err
		}

		updated, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if err := tx.InsertPricePoints(ctx, snapshotPrices(updated)); err != nil {
			return err
		}

		result = &TradeResult{
			Transaction: txRecord,
			Position:    pos,
			NewBalance:  user.Balance.Sub(amount),
			Market:      updated,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("BUY").Inc()
	metrics.TradeLatency.WithLabelValues("BUY").Observe(time.Since(started).Seconds())

	slog.Info("buy executed",
		"user", userID,
		"market", marketID,
		"outcome", outcomeID,
		"amount", amount.String(),
		"shares", result.Transaction.Shares.String(),
		"price", result.Transaction.Price.String(),
	)
	s.broadcastTrade(result.Transaction)
	return result, nil
}

// Sell liquidates `shares` of a held outcome. The whole trade commits
// atomically or not at all.
func (s *Service) Sell(ctx context.Context, userID, marketID, outcomeID string, shares decimal.Decimal) (*TradeResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: shares must be positive", ErrValidation)
	}

	volatility := pricing.VolatilityMultiplier(s.syscfg.Get().EventMode)
	started := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *TradeResult
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return mapStoreErr(err)
		}
		if market.Status != model.StatusOpen {
			return fmt.Errorf("%w: market is %s", ErrMarketNotTradable, market.Status)
		}

		outcome, err := tx.GetOutcome(ctx, outcomeID)
		if err != nil {
			return mapStoreErr(err)
		}
		if outcome.MarketID != marketID {
			return ErrInvalidOutcome
		}

		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return mapStoreErr(err)
		}

		pos, err := tx.GetPosition(ctx, userID, outcomeID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && pos.Shares.LessThan(shares)) {
			held := decimal.Zero
			if pos != nil {
				held = pos.Shares
			}
			return fmt.Errorf("%w: held %s, selling %s",
				ErrInsufficientShares, held.String(), shares.String())
		}
		if err != nil {
			return err
		}

		quote, err := s.pricing.QuoteSell(outcome.Price, shares, volatility)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}

		if err := tx.AdjustUserBalance(ctx, userID, quote.Proceeds); err != nil {
			return err
		}

		// A position sold to zero is kept at shares=0, not deleted.
		pos.Shares = pos.Shares.Sub(shares)
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

		if err := tx.UpdateOutcome(ctx, marketID, outcomeID, quote.ExecutionPrice, quote.Proceeds); err != nil {
			return err
		}
		if err := tx.AddMarketVolume(ctx, marketID, quote.Proceeds); err != nil {
			return err
		}

		txRecord := &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			MarketID:  marketID,
			OutcomeID: outcomeID,
			Type:      model.TxSell,
			Amount:    quote.Proceeds,
			Shares:    shares,
			Price:     quote.ExecutionPrice,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertTransaction(ctx, txRecord); err != nil {
			return err
		}

		updated, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if err := tx.InsertPricePoints(ctx, snapshotPrices(updated)); err != nil {
			return err
		}

		result = &TradeResult{
			Transaction: txRecord,
			Position:    pos,
			NewBalance:  user.Balance.Add(quote.Proceeds),
			Market:      updated,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("SELL").Inc()
	metrics.TradeLatency.WithLabelValues("SELL").Observe(time.Since(started).Seconds())

	slog.Info("sell executed",
		"user", userID,
		"market", marketID,
		"outcome", outcomeID,
		"shares", shares.String(),
		"proceeds", result.Transaction.Amount.String(),
		"price", result.Transaction.Price.String(),
	)
	s.broadcastTrade(result.Transaction)
	return result, nil
}

// snapshotPrices builds one price point per outcome of a market.
func snapshotPrices(m *model.Market) []model.PricePoint {
	now := time.Now().UTC()
	points := make([]model.PricePoint, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		points = append(points, model.PricePoint{
			ID:        uuid.New().String(),
			MarketID:  m.ID,
			OutcomeID: o.ID,
			Price:     o.Price,
			CreatedAt: now,
		})
	}
	return points
}

func (s *Service) broadcastTrade(t *model.Transaction) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:      "trade_executed",
		MarketID:  t.MarketID,
		OutcomeID: t.OutcomeID,
		TradeType: string(t.Type),
		Price:     t.Price.String(),
		Amount:    t.Amount.String(),
		Shares:    t.Shares.String(),
	})
}

// --- Settlement ---

// SettlementResult summarizes a market settlement.
type SettlementResult struct {
	MarketID         string          `json:"market_id"`
	WinningOutcomeID string          `json:"winning_outcome_id"`
	WinnersPaid      int             `json:"winners_paid"`
	TotalPayout      decimal.Decimal `json:"total_payout"`
}

// SettleMarket resolves a market: every share of the winning outcome pays
// out 1 energy, every position on the market is zeroed, and the market
// becomes RESOLVED with the admin-supplied reference value recorded as its
// final price. Settling an already-terminal market fails without any
// balance change; the whole settlement commits atomically or not at all.
func (s *Service) SettleMarket(ctx context.Context, marketID, winningOutcomeID string, finalPrice decimal.Decimal) (*SettlementResult, error) {
	if finalPrice.IsNegative() {
		return nil, fmt.Errorf("%w: final price must not be negative", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *SettlementResult
	var wasOpen bool
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return mapStoreErr(err)
		}
		if market.Status.Terminal() {
			return fmt.Errorf("%w: market is %s", ErrAlreadySettled, market.Status)
		}
		wasOpen = market.Status == model.StatusOpen

		found := false
		for i := range market.Outcomes {
			if market.Outcomes[i].ID == winningOutcomeID {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidOutcome
		}

		if err := tx.ResolveMarket(ctx, marketID, winningOutcomeID, finalPrice); err != nil {
			return mapStoreErr(err)
		}

		positions, err := tx.ListPositionsByMarket(ctx, marketID)
		if err != nil {
			return err
		}

		winners := 0
		totalPayout := decimal.Zero
		now := time.Now().UTC()
		for i := range positions {
			pos := positions[i]
			if pos.Shares.IsZero() {
				continue
			}
			if pos.OutcomeID == winningOutcomeID {
				// Winning shares pay out 1 energy each.
				payout := pos.Shares
				if err := tx.AdjustUserBalance(ctx, pos.UserID, payout); err != nil {
					return err
				}
				if err := tx.InsertTransaction(ctx, &model.Transaction{
					ID:        uuid.New().String(),
					UserID:    pos.UserID,
					MarketID:  marketID,
					OutcomeID: pos.OutcomeID,
					Type:      model.TxSettlement,
					Amount:    payout,
					Shares:    pos.Shares,
					Price:     decimal.NewFromInt(1),
					CreatedAt: now,
				}); err != nil {
					return err
				}
				winners++
				totalPayout = totalPayout.Add(payout)
			}

			pos.Shares = decimal.Zero
			if err := tx.UpsertPosition(ctx, &pos); err != nil {
				return err
			}
		}

		result = &SettlementResult{
			MarketID:         marketID,
			WinningOutcomeID: winningOutcomeID,
			WinnersPaid:      winners,
			TotalPayout:      totalPayout,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.Inc()
	if f, _ := result.TotalPayout.Float64(); f > 0 {
		metrics.SettlementPayoutTotal.Add(f)
	}
	if wasOpen {
		metrics.OpenMarkets.Dec()
	}

	slog.Info("market settled",
		"market", marketID,
		"winning_outcome", winningOutcomeID,
		"final_price", finalPrice.String(),
		"winners", result.WinnersPaid,
		"payout", result.TotalPayout.String(),
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "market_resolved",
			MarketID:  marketID,
			OutcomeID: winningOutcomeID,
		})
	}
	return result, nil
}

// --- Periodic and admin balance operations ---

// AddPoints grants points to a user, keyed on username, and records an
// ADMIN_ADD ledger entry. Negative amounts deduct; the balance may go
// negative.
func (s *Service) AddPoints(ctx context.Context, username string, amount decimal.Decimal) (*model.User, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be non-zero", ErrValidation)
	}

	var out *model.User
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		u, err := tx.GetUserByUsername(ctx, username)
		if err != nil {
			return mapStoreErr(err)
		}
		if err := tx.AdjustUserBalance(ctx, u.ID, amount); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    u.ID,
			Type:      model.TxAdminAdd,
			Amount:    amount,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		u.Balance = u.Balance.Add(amount)
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("points granted", "username", username, "amount", amount.String())
	return out, nil
}

// TriggerDailyCost debits every user with a role by their daily cost
// (INTERN 30, FULL_TIME 150). Balances may go negative. Suppressed while
// event mode B (tax holiday) is active. Per-user failures are logged and
// skipped; the batch is best-effort, not atomic. Returns the number of
// users debited.
func (s *Service) TriggerDailyCost(ctx context.Context) (int, error) {
	if s.syscfg.Get().EventMode == model.EventTaxHoliday {
		slog.Info("daily cost skipped", "reason", "tax holiday")
		return 0, nil
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}

	debited := 0
	for _, u := range users {
		cost, ok := dailyCost[u.Role]
		if !ok {
			continue
		}
		// Single write per user, no ledger record: no tx scope needed,
		// unlike the airdrop's credit+record pair.
		if err := s.store.AdjustUserBalance(ctx, u.ID, cost.Neg()); err != nil {
			slog.Error("daily cost debit failed", "user", u.ID, "err", err)
			continue
		}
		metrics.DailyCostDebitsTotal.WithLabelValues(string(u.Role)).Inc()
		debited++
	}

	slog.Info("daily cost applied", "debited", debited, "users", len(users))
	return debited, nil
}

// Airdrop credits every user with at least one transaction inside the
// trailing activity window, recording an ADMIN_ADD entry per recipient.
// Each credit commits independently; a failed credit is logged and
// skipped. Returns the number of recipients.
func (s *Service) Airdrop(ctx context.Context, amount decimal.Decimal) (int, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	since := time.Now().UTC().Add(-s.cfg.AirdropWindow)
	ids, err := s.store.ListActiveTraderIDs(ctx, since)
	if err != nil {
		return 0, err
	}

	credited := 0
	for _, id := range ids {
		err := s.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.AdjustUserBalance(ctx, id, amount); err != nil {
				return err
			}
			return tx.InsertTransaction(ctx, &model.Transaction{
				ID:        uuid.New().String(),
				UserID:    id,
				Type:      model.TxAdminAdd,
				Amount:    amount,
				CreatedAt: time.Now().UTC(),
			})
		})
		if err != nil {
			slog.Error("airdrop credit failed", "user", id, "err", err)
			continue
		}
		credited++
	}

	metrics.AirdropRecipientsTotal.Add(float64(credited))
	slog.Info("airdrop complete",
		"amount", amount.String(),
		"eligible", len(ids),
		"credited", credited,
	)
	return credited, nil
}
