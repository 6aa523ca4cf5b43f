package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var one = decimal.NewFromInt(1)

func TestNewModel_InvalidCoefficient(t *testing.T) {
	if _, err := NewModel(decimal.Zero); err != ErrInvalidCoefficient {
		t.Errorf("expected ErrInvalidCoefficient for 0, got %v", err)
	}
	if _, err := NewModel(d(-0.0001)); err != ErrInvalidCoefficient {
		t.Errorf("expected ErrInvalidCoefficient for negative, got %v", err)
	}
}

func TestQuoteBuy_ReferenceScenario(t *testing.T) {
	// 100 E at price 0.5: impact = 100 * 0.0001 = 0.01 → exec 0.51,
	// shares = 100 / 0.51 ≈ 196.08.
	m := NewDefaultModel()

	q, err := m.QuoteBuy(d(0.5), d(100), one)
	if err != nil {
		t.Fatalf("QuoteBuy: %v", err)
	}
	if !q.ExecutionPrice.Equal(d(0.51)) {
		t.Errorf("expected execution price 0.51, got %s", q.ExecutionPrice)
	}
	want := d(100).Div(d(0.51)).Round(PriceScale)
	if !q.Shares.Equal(want) {
		t.Errorf("expected shares %s, got %s", want, q.Shares)
	}
	if q.Shares.Sub(d(196.08)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("shares should be ≈ 196.08, got %s", q.Shares)
	}
}

func TestQuoteSell_ImpactScalesOnShares(t *testing.T) {
	// Selling 50 shares at price 0.5: impact = 50 * 0.0001 = 0.005.
	m := NewDefaultModel()

	q, err := m.QuoteSell(d(0.5), d(50), one)
	if err != nil {
		t.Fatalf("QuoteSell: %v", err)
	}
	if !q.ExecutionPrice.Equal(d(0.495)) {
		t.Errorf("expected execution price 0.495, got %s", q.ExecutionPrice)
	}
	if !q.Proceeds.Equal(d(50).Mul(d(0.495)).Round(PriceScale)) {
		t.Errorf("unexpected proceeds %s", q.Proceeds)
	}
}

func TestQuoteBuy_ClampsAtCeiling(t *testing.T) {
	m := NewDefaultModel()

	q, err := m.QuoteBuy(d(0.98), d(1000000), one)
	if err != nil {
		t.Fatalf("QuoteBuy: %v", err)
	}
	if !q.ExecutionPrice.Equal(MaxPrice) {
		t.Errorf("expected clamp to %s, got %s", MaxPrice, q.ExecutionPrice)
	}
}

func TestQuoteSell_ClampsAtFloor(t *testing.T) {
	m := NewDefaultModel()

	q, err := m.QuoteSell(d(0.02), d(1000000), one)
	if err != nil {
		t.Fatalf("QuoteSell: %v", err)
	}
	if !q.ExecutionPrice.Equal(MinPrice) {
		t.Errorf("expected clamp to %s, got %s", MinPrice, q.ExecutionPrice)
	}
}

func TestQuoteBuy_TurbulenceDoublesImpact(t *testing.T) {
	m := NewDefaultModel()
	two := decimal.NewFromInt(2)

	calm, _ := m.QuoteBuy(d(0.5), d(100), one)
	stormy, _ := m.QuoteBuy(d(0.5), d(100), two)

	calmImpact := calm.ExecutionPrice.Sub(d(0.5))
	stormyImpact := stormy.ExecutionPrice.Sub(d(0.5))
	if !stormyImpact.Equal(calmImpact.Mul(two)) {
		t.Errorf("turbulence impact %s should be double %s", stormyImpact, calmImpact)
	}
}

func TestQuote_NonPositiveSize(t *testing.T) {
	m := NewDefaultModel()

	if _, err := m.QuoteBuy(d(0.5), decimal.Zero, one); err != ErrNonPositiveSize {
		t.Errorf("expected ErrNonPositiveSize for zero buy, got %v", err)
	}
	if _, err := m.QuoteSell(d(0.5), d(-1), one); err != ErrNonPositiveSize {
		t.Errorf("expected ErrNonPositiveSize for negative sell, got %v", err)
	}
}

func TestRoundTrip_NeverProfitable(t *testing.T) {
	// Buying then immediately selling the acquired shares must return at
	// most the original spend: impact moves the price against the trader
	// in both directions.
	m := NewDefaultModel()

	cases := []struct {
		price  float64
		amount float64
	}{
		{0.5, 100},
		{0.1, 50},
		{0.9, 2000},
		{0.33, 1},
		{0.97, 500},
	}

	for _, tc := range cases {
		buy, err := m.QuoteBuy(d(tc.price), d(tc.amount), one)
		if err != nil {
			t.Fatalf("QuoteBuy(%v): %v", tc, err)
		}
		sell, err := m.QuoteSell(buy.ExecutionPrice, buy.Shares, one)
		if err != nil {
			t.Fatalf("QuoteSell(%v): %v", tc, err)
		}
		if sell.Proceeds.GreaterThan(d(tc.amount)) {
			t.Errorf("round trip at price=%v amount=%v profitable: spent %v got %s",
				tc.price, tc.amount, tc.amount, sell.Proceeds)
		}
	}
}

func TestClamp_Bounds(t *testing.T) {
	if !Clamp(d(1.5)).Equal(MaxPrice) {
		t.Error("expected clamp above 1 to MaxPrice")
	}
	if !Clamp(d(-0.2)).Equal(MinPrice) {
		t.Error("expected clamp below 0 to MinPrice")
	}
	if !Clamp(d(0.42)).Equal(d(0.42)) {
		t.Error("in-bounds price should pass through unchanged")
	}
}

func TestVolatilityMultiplier(t *testing.T) {
	if !VolatilityMultiplier(model.EventTurbulence).Equal(decimal.NewFromInt(2)) {
		t.Error("mode A should double volatility")
	}
	for _, mode := range []model.EventMode{model.EventNone, model.EventTaxHoliday, model.EventAirdrop, model.EventFog} {
		if !VolatilityMultiplier(mode).Equal(one) {
			t.Errorf("mode %s should have multiplier 1", mode)
		}
	}
}
