// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned on unique-constraint violations
	// (username, market question, outcome name within a market).
	ErrDuplicate = errors.New("store: already exists")
)

// Store is the persistence interface. All engine reads and writes go
// through it; trade execution and settlement run inside a WithTx scope.
type Store interface {
	// WithTx runs fn in a single atomic transaction scope: either every
	// write fn performs is committed, or none is. The PostgreSQL
	// implementation uses a serializable database transaction; the
	// in-memory implementation serializes on the store lock and swaps in
	// a cloned state on success. Nested use is not supported.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// AdjustUserBalance adds delta (possibly negative) to a user's balance.
	AdjustUserBalance(ctx context.Context, id string, delta decimal.Decimal) error

	SetUserRole(ctx context.Context, id string, role model.Role) error

	// ResetUser clears the user's role; newBalance, when non-nil, replaces
	// the balance.
	ResetUser(ctx context.Context, id string, newBalance *decimal.Decimal) error

	// TopUsersByBalance returns up to limit users ordered by balance
	// descending.
	TopUsersByBalance(ctx context.Context, limit int) ([]model.User, error)

	// --- Markets and outcomes ---

	// CreateMarket persists a market together with its embedded outcomes.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket returns a market with outcomes sorted by name.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	ListMarkets(ctx context.Context) ([]model.Market, error)
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error

	// ResolveMarket marks a market RESOLVED with its winning outcome and
	// reference final price.
	ResolveMarket(ctx context.Context, id, winningOutcomeID string, finalPrice decimal.Decimal) error

	AddMarketVolume(ctx context.Context, id string, delta decimal.Decimal) error

	// DeleteMarket removes a market and cascades over its transactions,
	// positions, price history, and outcomes, in that order.
	DeleteMarket(ctx context.Context, id string) error

	GetOutcome(ctx context.Context, id string) (*model.Outcome, error)

	// UpdateOutcome sets the outcome's price and adds delta to its volume.
	UpdateOutcome(ctx context.Context, marketID, outcomeID string, price, volumeDelta decimal.Decimal) error

	// --- Positions ---

	// GetPosition looks up the compound-unique (userID, outcomeID) holding.
	GetPosition(ctx context.Context, userID, outcomeID string) (*model.Position, error)

	// UpsertPosition creates or replaces the (userID, outcomeID) holding.
	UpsertPosition(ctx context.Context, p *model.Position) error

	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Immutable ledger ---

	InsertTransaction(ctx context.Context, t *model.Transaction) error
	ListTransactionsByMarket(ctx context.Context, marketID string, limit int) ([]model.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// ListActiveTraderIDs returns the distinct user IDs with at least one
	// transaction of any type at or after since.
	ListActiveTraderIDs(ctx context.Context, since time.Time) ([]string, error)

	// --- Price history ---

	InsertPricePoints(ctx context.Context, points []model.PricePoint) error
	ListPricePoints(ctx context.Context, marketID string, since time.Time) ([]model.PricePoint, error)
}
