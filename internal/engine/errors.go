package engine

import (
	"errors"
	"fmt"

	"github.com/emx/market-engine/internal/store"
)

// Engine error taxonomy. Trade and settlement errors abort the whole
// operation atomically and are surfaced verbatim; periodic-operation
// errors are logged per user and do not abort the batch.
var (
	// ErrValidation covers malformed input, rejected before any mutation.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound covers missing users, markets, and outcomes.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance rejects a buy larger than the user's balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientShares rejects a sell larger than the held position.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrMarketNotTradable rejects trades on non-OPEN markets.
	ErrMarketNotTradable = errors.New("market is not open for trading")

	// ErrAlreadySettled rejects settlement of a market in a terminal state.
	ErrAlreadySettled = errors.New("market already settled")

	// ErrInvalidOutcome rejects an outcome that does not belong to the market.
	ErrInvalidOutcome = errors.New("outcome does not belong to market")

	// ErrInvalidTransition rejects forbidden market status changes.
	ErrInvalidTransition = errors.New("invalid market status transition")

	// ErrRoleAlreadySet rejects a second role selection; roles are fixed
	// until an administrative reset.
	ErrRoleAlreadySet = errors.New("role already selected")
)

// mapStoreErr converts store lookup failures to the engine taxonomy.
// Anything that is not a missing row is a storage failure and is surfaced
// as-is, never swallowed.
func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
