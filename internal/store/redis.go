package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and user positions. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Transactional writes collect their invalidations and flush them
// only after the primary commit succeeds.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }

// invalidationSet accumulates cache keys touched inside a transaction.
type invalidationSet struct {
	keys         map[string]bool
	allPositions bool
}

func newInvalidationSet() *invalidationSet {
	return &invalidationSet{keys: make(map[string]bool)}
}

func (inv *invalidationSet) market(id string)    { inv.keys[marketKey(id)] = true }
func (inv *invalidationSet) positions(id string) { inv.keys[positionsKey(id)] = true }

func (s *CachedStore) flush(ctx context.Context, inv *invalidationSet) {
	for key := range inv.keys {
		s.rdb.Del(ctx, key)
	}
	if inv.allPositions {
		iter := s.rdb.Scan(ctx, 0, "positions:*", 100).Iterator()
		for iter.Next(ctx) {
			s.rdb.Del(ctx, iter.Val())
		}
	}
}

// WithTx delegates to the primary transaction scope, recording which cached
// entries the transaction touches. The cache is flushed only after commit —
// a rolled-back transaction must not evict valid entries.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	inv := newInvalidationSet()
	err := s.primary.WithTx(ctx, func(tx Store) error {
		return fn(&invalidatingStore{Store: tx, inv: inv})
	})
	if err != nil {
		return err
	}
	s.flush(ctx, inv)
	return nil
}

// invalidatingStore wraps a transaction-scope store and records the cache
// keys its writes make stale.
type invalidatingStore struct {
	Store
	inv *invalidationSet
}

func (t *invalidatingStore) UpdateOutcome(ctx context.Context, marketID, outcomeID string, price, volumeDelta decimal.Decimal) error {
	t.inv.market(marketID)
	return t.Store.UpdateOutcome(ctx, marketID, outcomeID, price, volumeDelta)
}

func (t *invalidatingStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	t.inv.market(id)
	return t.Store.UpdateMarketStatus(ctx, id, status)
}

func (t *invalidatingStore) ResolveMarket(ctx context.Context, id, winningOutcomeID string, finalPrice decimal.Decimal) error {
	t.inv.market(id)
	return t.Store.ResolveMarket(ctx, id, winningOutcomeID, finalPrice)
}

func (t *invalidatingStore) AddMarketVolume(ctx context.Context, id string, delta decimal.Decimal) error {
	t.inv.market(id)
	return t.Store.AddMarketVolume(ctx, id, delta)
}

func (t *invalidatingStore) DeleteMarket(ctx context.Context, id string) error {
	t.inv.market(id)
	t.inv.allPositions = true
	return t.Store.DeleteMarket(ctx, id)
}

func (t *invalidatingStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.inv.positions(p.UserID)
	return t.Store.UpsertPosition(ctx, p)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, id, winningOutcomeID string, finalPrice decimal.Decimal) error {
	if err := s.primary.ResolveMarket(ctx, id, winningOutcomeID, finalPrice); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) AddMarketVolume(ctx context.Context, id string, delta decimal.Decimal) error {
	if err := s.primary.AddMarketVolume(ctx, id, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) UpdateOutcome(ctx context.Context, marketID, outcomeID string, price, volumeDelta decimal.Decimal) error {
	if err := s.primary.UpdateOutcome(ctx, marketID, outcomeID, price, volumeDelta); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) DeleteMarket(ctx context.Context, id string) error {
	if err := s.primary.DeleteMarket(ctx, id); err != nil {
		return err
	}
	inv := newInvalidationSet()
	inv.market(id)
	inv.allPositions = true
	s.flush(ctx, inv)
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.primary.GetUserByUsername(ctx, username)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) AdjustUserBalance(ctx context.Context, id string, delta decimal.Decimal) error {
	return s.primary.AdjustUserBalance(ctx, id, delta)
}

func (s *CachedStore) SetUserRole(ctx context.Context, id string, role model.Role) error {
	return s.primary.SetUserRole(ctx, id, role)
}

func (s *CachedStore) ResetUser(ctx context.Context, id string, newBalance *decimal.Decimal) error {
	return s.primary.ResetUser(ctx, id, newBalance)
}

func (s *CachedStore) TopUsersByBalance(ctx context.Context, limit int) ([]model.User, error) {
	return s.primary.TopUsersByBalance(ctx, limit)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	return s.primary.GetOutcome(ctx, id)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, outcomeID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, outcomeID)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	return s.primary.InsertTransaction(ctx, t)
}

func (s *CachedStore) ListTransactionsByMarket(ctx context.Context, marketID string, limit int) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByMarket(ctx, marketID, limit)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) ListActiveTraderIDs(ctx context.Context, since time.Time) ([]string, error) {
	return s.primary.ListActiveTraderIDs(ctx, since)
}

func (s *CachedStore) InsertPricePoints(ctx context.Context, points []model.PricePoint) error {
	return s.primary.InsertPricePoints(ctx, points)
}

func (s *CachedStore) ListPricePoints(ctx context.Context, marketID string, since time.Time) ([]model.PricePoint, error) {
	return s.primary.ListPricePoints(ctx, marketID, since)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}
