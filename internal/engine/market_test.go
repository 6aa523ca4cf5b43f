package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emx/market-engine/internal/engine"
	"github.com/emx/market-engine/internal/model"
)

func TestCreateMarket_InitialPrices(t *testing.T) {
	svc, _, _ := newTestEnv(t)

	tests := []struct {
		outcomes string
		count    int
		price    float64
	}{
		{"Yes", 1, 1},
		{"Yes,No", 2, 0.5},
		{"A,B,C,D", 4, 0.25},
	}
	for _, tt := range tests {
		m := seedMarket(t, svc, "Q "+tt.outcomes, tt.outcomes)
		if len(m.Outcomes) != tt.count {
			t.Errorf("%q: expected %d outcomes, got %d", tt.outcomes, tt.count, len(m.Outcomes))
		}
		for _, o := range m.Outcomes {
			if !o.Price.Equal(d(tt.price)) {
				t.Errorf("%q: expected price %v, got %s", tt.outcomes, tt.price, o.Price)
			}
		}
		if m.Status != model.StatusOpen {
			t.Errorf("new market should be OPEN, got %s", m.Status)
		}
	}
}

func TestCreateMarket_ThirdsRounded(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	m := seedMarket(t, svc, "Thirds?", "A,B,C")
	for _, o := range m.Outcomes {
		if !o.Price.Equal(d(0.33333333)) {
			t.Errorf("expected 0.33333333, got %s", o.Price)
		}
	}
}

func TestCreateMarket_FullWidthComma(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	m := seedMarket(t, svc, "Q?", "Yes，No， Maybe")
	if len(m.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(m.Outcomes))
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	svc, _, _ := newTestEnv(t)

	cases := []engine.CreateMarketParams{
		{Question: "", Outcomes: "Yes,No"},
		{Question: "Q?", Outcomes: ""},
		{Question: "Q?", Outcomes: " , , "},
		{Question: "Q?", Outcomes: "A,B,C,D,E"},
		{Question: "Q?", Outcomes: "Yes,Yes"},
	}
	for i, p := range cases {
		if _, err := svc.CreateMarket(context.Background(), p); !errors.Is(err, engine.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestCreateMarket_RecordsInitialSnapshot(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	m := seedMarket(t, svc, "Q?", "Yes,No")

	points, err := ms.ListPricePoints(context.Background(), m.ID, time.Time{})
	if err != nil {
		t.Fatalf("list price points: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 initial price points, got %d", len(points))
	}
	for _, p := range points {
		if !p.Price.Equal(d(0.5)) {
			t.Errorf("expected snapshot price 0.5, got %s", p.Price)
		}
	}
}

// --- Status transitions ---

func TestUpdateMarketStatus_OpenLockedToggle(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	m := seedMarket(t, svc, "Q?", "Yes,No")

	locked, err := svc.UpdateMarketStatus(context.Background(), m.ID, model.StatusLocked)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if locked.Status != model.StatusLocked {
		t.Errorf("expected LOCKED, got %s", locked.Status)
	}

	reopened, err := svc.UpdateMarketStatus(context.Background(), m.ID, model.StatusOpen)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Status != model.StatusOpen {
		t.Errorf("expected OPEN, got %s", reopened.Status)
	}
}

func TestUpdateMarketStatus_TerminalIsFinal(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	m := seedMarket(t, svc, "Q?", "Yes,No")

	if _, err := svc.UpdateMarketStatus(context.Background(), m.ID, model.StatusCancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	_, err := svc.UpdateMarketStatus(context.Background(), m.ID, model.StatusOpen)
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateMarketStatus_ResolvedNotSettableDirectly(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	m := seedMarket(t, svc, "Q?", "Yes,No")

	_, err := svc.UpdateMarketStatus(context.Background(), m.ID, model.StatusResolved)
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// --- Deletion ---

func TestDeleteMarket_Cascades(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")
	m := seedMarket(t, svc, "Q?", "Yes,No")
	yes := outcomeByName(t, m, "Yes")

	if _, err := svc.Buy(context.Background(), user.ID, m.ID, yes.ID, d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if err := svc.DeleteMarket(context.Background(), m.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := ms.GetMarket(context.Background(), m.ID); err == nil {
		t.Error("market still present after delete")
	}
	if _, err := ms.GetOutcome(context.Background(), yes.ID); err == nil {
		t.Error("outcome still present after delete")
	}
	txs, _ := ms.ListTransactionsByMarket(context.Background(), m.ID, 0)
	if len(txs) != 0 {
		t.Errorf("transactions still present: %d", len(txs))
	}
	positions, _ := ms.ListPositionsByMarket(context.Background(), m.ID)
	if len(positions) != 0 {
		t.Errorf("positions still present: %d", len(positions))
	}
	points, _ := ms.ListPricePoints(context.Background(), m.ID, time.Time{})
	if len(points) != 0 {
		t.Errorf("price history still present: %d", len(points))
	}

	// The user's spent balance is not compensated.
	u, _ := ms.GetUser(context.Background(), user.ID)
	if !u.Balance.Equal(d(900)) {
		t.Errorf("balance changed by delete: %s", u.Balance)
	}
}

func TestDeleteMarket_NotFound(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	if err := svc.DeleteMarket(context.Background(), "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- History ---

func TestMarketHistory_Ranges(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")
	m := seedMarket(t, svc, "Q?", "Yes,No")
	yes := outcomeByName(t, m, "Yes")

	if _, err := svc.Buy(context.Background(), user.ID, m.ID, yes.ID, d(10)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	for _, rng := range []string{"1H", "6H", "1D", "1W", "ALL", ""} {
		points, err := svc.MarketHistory(context.Background(), m.ID, rng)
		if err != nil {
			t.Fatalf("range %q failed: %v", rng, err)
		}
		// Creation snapshot + trade snapshot, all within the last hour.
		if len(points) != 4 {
			t.Errorf("range %q: expected 4 points, got %d", rng, len(points))
		}
	}
}

func TestMarketHistory_InvalidRange(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	m := seedMarket(t, svc, "Q?", "Yes,No")

	if _, err := svc.MarketHistory(context.Background(), m.ID, "2Y"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestMarketHistory_UnknownMarket(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	if _, err := svc.MarketHistory(context.Background(), "missing", "ALL"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
