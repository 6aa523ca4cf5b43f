// Package pricing implements the exchange's price-impact model.
//
// This is a local linear impact model, not a constraint-based automated
// market maker: each outcome's price evolves independently from its own
// trade flow, and no invariant (constant sum/product) is enforced across a
// market's outcomes. A consequence is that the implied "probabilities" of a
// market need not sum to 1. This is a deliberate simplification carried
// over from the reference exchange behavior.
//
// Impact is one-directional per trade:
//
//	BUY:  executionPrice = min(0.99, price + amount  * coefficient * volatility)
//	SELL: executionPrice = max(0.01, price - shares  * coefficient * volatility)
//
// Note the asymmetry: buy impact scales with the energy amount spent, sell
// impact scales with the share count sold. Inherited from the reference
// behavior.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/model"
)

var (
	// ErrInvalidCoefficient is returned when the impact coefficient <= 0.
	ErrInvalidCoefficient = errors.New("pricing: impact coefficient must be positive")

	// ErrNonPositiveSize is returned for zero or negative trade sizes.
	ErrNonPositiveSize = errors.New("pricing: trade size must be positive")

	// MinPrice is the probability floor. Prices never reach 0, preserving
	// probability semantics and avoiding division by zero on buys.
	MinPrice = decimal.NewFromFloat(0.01)

	// MaxPrice is the probability ceiling. Prices never reach 1.
	MaxPrice = decimal.NewFromFloat(0.99)

	// DefaultImpactCoefficient is the reference impact per unit of trade size.
	DefaultImpactCoefficient = decimal.NewFromFloat(0.0001)

	// PriceScale is the number of decimal places for price/share rounding.
	PriceScale int32 = 8
)

// Quote is the result of pricing one trade intent.
type Quote struct {
	// ExecutionPrice is the clamped price the trade clears at.
	ExecutionPrice decimal.Decimal
	// Shares is the share count acquired; set for buy quotes.
	Shares decimal.Decimal
	// Proceeds is the energy credited; set for sell quotes.
	Proceeds decimal.Decimal
}

// Model prices trades with a fixed impact coefficient. It is stateless —
// current prices are passed as arguments, not stored.
type Model struct {
	coefficient decimal.Decimal
}

// NewModel creates a pricing model with the given impact coefficient.
func NewModel(coefficient decimal.Decimal) (*Model, error) {
	if coefficient.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidCoefficient
	}
	return &Model{coefficient: coefficient}, nil
}

// NewDefaultModel creates a pricing model with DefaultImpactCoefficient.
func NewDefaultModel() *Model {
	return &Model{coefficient: DefaultImpactCoefficient}
}

// Coefficient returns the impact coefficient.
func (m *Model) Coefficient() decimal.Decimal {
	return m.coefficient
}

// impact computes size * coefficient * volatility.
func (m *Model) impact(size, volatility decimal.Decimal) decimal.Decimal {
	return size.Mul(m.coefficient).Mul(volatility)
}

// QuoteBuy prices a buy of `amount` energy against the current price.
// Shares acquired = amount / executionPrice, rounded to PriceScale.
func (m *Model) QuoteBuy(currentPrice, amount, volatility decimal.Decimal) (Quote, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrNonPositiveSize
	}

	exec := Clamp(currentPrice.Add(m.impact(amount, volatility)))
	shares := amount.Div(exec).Round(PriceScale)

	return Quote{ExecutionPrice: exec, Shares: shares}, nil
}

// QuoteSell prices a sale of `shares` against the current price.
// Proceeds = shares * executionPrice, rounded to PriceScale.
func (m *Model) QuoteSell(currentPrice, shares, volatility decimal.Decimal) (Quote, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrNonPositiveSize
	}

	exec := Clamp(currentPrice.Sub(m.impact(shares, volatility)))
	proceeds := shares.Mul(exec).Round(PriceScale)

	return Quote{ExecutionPrice: exec, Proceeds: proceeds}, nil
}

// Clamp bounds a price to [MinPrice, MaxPrice].
func Clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// VolatilityMultiplier maps the system event mode to the pricing
// volatility factor: 2 during turbulence (mode A), else 1.
func VolatilityMultiplier(mode model.EventMode) decimal.Decimal {
	if mode == model.EventTurbulence {
		return decimal.NewFromInt(2)
	}
	return decimal.NewFromInt(1)
}
