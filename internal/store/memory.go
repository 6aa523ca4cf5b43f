package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// memState is the full store state. WithTx clones it, applies the
// transaction to the clone, and swaps it in only on success.
type memState struct {
	users        map[string]*model.User
	markets      map[string]*model.Market // outcomes kept separately
	outcomes     map[string]*model.Outcome
	positions    map[string]*model.Position // key: userID + "|" + outcomeID
	transactions []model.Transaction
	pricePoints  []model.PricePoint
}

func newMemState() *memState {
	return &memState{
		users:     make(map[string]*model.User),
		markets:   make(map[string]*model.Market),
		outcomes:  make(map[string]*model.Outcome),
		positions: make(map[string]*model.Position),
	}
}

func (st *memState) clone() *memState {
	c := newMemState()
	for id, u := range st.users {
		cp := *u
		c.users[id] = &cp
	}
	for id, m := range st.markets {
		cp := *m
		c.markets[id] = &cp
	}
	for id, o := range st.outcomes {
		cp := *o
		c.outcomes[id] = &cp
	}
	for k, p := range st.positions {
		cp := *p
		c.positions[k] = &cp
	}
	c.transactions = append([]model.Transaction(nil), st.transactions...)
	c.pricePoints = append([]model.PricePoint(nil), st.pricePoints...)
	return c
}

func posKey(userID, outcomeID string) string {
	return userID + "|" + outcomeID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// WithTx serializes on the store lock, runs fn against a cloned state, and
// swaps the clone in only when fn succeeds. Any error leaves the store
// untouched.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txStore := &MemoryStore{state: s.state.clone()}
	if err := fn(txStore); err != nil {
		return err
	}
	s.state = txStore.state
	return nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.state.users {
		if existing.Username == u.Username {
			return fmt.Errorf("user %s: %w", u.Username, ErrDuplicate)
		}
	}
	cp := *u
	s.state.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.state.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.state.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.state.users))
	for _, u := range s.state.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *MemoryStore) AdjustUserBalance(_ context.Context, id string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.state.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.Balance = u.Balance.Add(delta)
	return nil
}

func (s *MemoryStore) SetUserRole(_ context.Context, id string, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.state.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.Role = role
	return nil
}

func (s *MemoryStore) ResetUser(_ context.Context, id string, newBalance *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.state.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.Role = model.RoleNone
	if newBalance != nil {
		u.Balance = *newBalance
	}
	return nil
}

func (s *MemoryStore) TopUsersByBalance(_ context.Context, limit int) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.state.users))
	for _, u := range s.state.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Balance.GreaterThan(users[j].Balance)
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// --- Markets and outcomes ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrDuplicate)
	}
	cp := *m
	cp.Outcomes = nil
	s.state.markets[m.ID] = &cp
	for i := range m.Outcomes {
		o := m.Outcomes[i]
		s.state.outcomes[o.ID] = &o
	}
	return nil
}

func (s *MemoryStore) getMarketLocked(id string) (*model.Market, error) {
	m, ok := s.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	for _, o := range s.state.outcomes {
		if o.MarketID == id {
			cp.Outcomes = append(cp.Outcomes, *o)
		}
	}
	sort.Slice(cp.Outcomes, func(i, j int) bool { return cp.Outcomes[i].Name < cp.Outcomes[j].Name })
	return &cp, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMarketLocked(id)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.state.markets))
	for id := range s.state.markets {
		m, err := s.getMarketLocked(id)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.state.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) ResolveMarket(_ context.Context, id, winningOutcomeID string, finalPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.state.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = model.StatusResolved
	m.WinningOutcomeID = winningOutcomeID
	m.FinalPrice = finalPrice
	return nil
}

func (s *MemoryStore) AddMarketVolume(_ context.Context, id string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.state.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.TotalVolume = m.TotalVolume.Add(delta)
	return nil
}

// DeleteMarket cascades: transactions → positions → price history →
// outcomes → market.
func (s *MemoryStore) DeleteMarket(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.markets[id]; !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}

	kept := s.state.transactions[:0]
	for _, t := range s.state.transactions {
		if t.MarketID != id {
			kept = append(kept, t)
		}
	}
	s.state.transactions = kept

	for k, p := range s.state.positions {
		if p.MarketID == id {
			delete(s.state.positions, k)
		}
	}

	points := s.state.pricePoints[:0]
	for _, pp := range s.state.pricePoints {
		if pp.MarketID != id {
			points = append(points, pp)
		}
	}
	s.state.pricePoints = points

	for oid, o := range s.state.outcomes {
		if o.MarketID == id {
			delete(s.state.outcomes, oid)
		}
	}

	delete(s.state.markets, id)
	return nil
}

func (s *MemoryStore) GetOutcome(_ context.Context, id string) (*model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.state.outcomes[id]
	if !ok {
		return nil, fmt.Errorf("outcome %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) UpdateOutcome(_ context.Context, marketID, outcomeID string, price, volumeDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.state.outcomes[outcomeID]
	if !ok || o.MarketID != marketID {
		return fmt.Errorf("outcome %s: %w", outcomeID, ErrNotFound)
	}
	o.Price = price
	o.Volume = o.Volume.Add(volumeDelta)
	return nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, outcomeID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.positions[posKey(userID, outcomeID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, outcomeID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.state.positions[posKey(p.UserID, p.OutcomeID)] = &cp
	return nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.state.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OutcomeID < result[j].OutcomeID })
	return result, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.state.positions {
		if p.MarketID == marketID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].OutcomeID < result[j].OutcomeID
	})
	return result, nil
}

// --- Immutable ledger ---

func (s *MemoryStore) InsertTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.transactions = append(s.state.transactions, *t)
	return nil
}

func (s *MemoryStore) ListTransactionsByMarket(_ context.Context, marketID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.state.transactions {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.state.transactions {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListActiveTraderIDs(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, t := range s.state.transactions {
		if t.CreatedAt.Before(since) {
			continue
		}
		if !seen[t.UserID] {
			seen[t.UserID] = true
			ids = append(ids, t.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Price history ---

func (s *MemoryStore) InsertPricePoints(_ context.Context, points []model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.pricePoints = append(s.state.pricePoints, points...)
	return nil
}

func (s *MemoryStore) ListPricePoints(_ context.Context, marketID string, since time.Time) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PricePoint
	for _, pp := range s.state.pricePoints {
		if pp.MarketID == marketID && !pp.CreatedAt.Before(since) {
			result = append(result, pp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
