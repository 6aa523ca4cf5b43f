package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/emx/market-engine/internal/engine"
	"github.com/emx/market-engine/internal/model"
)

func TestSettleMarket_PaysWinnersAndZeroesPositions(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	alice := seedUser(t, svc, "alice")
	bob := seedUser(t, svc, "bob")
	market := seedMarket(t, svc, "Who wins?", "Yes,No")
	yes := outcomeByName(t, market, "Yes")
	no := outcomeByName(t, market, "No")

	buyA, err := svc.Buy(context.Background(), alice.ID, market.ID, yes.ID, d(100))
	if err != nil {
		t.Fatalf("alice buy failed: %v", err)
	}
	if _, err := svc.Buy(context.Background(), bob.ID, market.ID, no.ID, d(100)); err != nil {
		t.Fatalf("bob buy failed: %v", err)
	}

	result, err := svc.SettleMarket(context.Background(), market.ID, yes.ID, d(0.73))
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	// Each winning share pays 1 energy.
	if result.WinnersPaid != 1 {
		t.Errorf("expected 1 winner, got %d", result.WinnersPaid)
	}
	if !result.TotalPayout.Equal(buyA.Transaction.Shares) {
		t.Errorf("expected payout %s, got %s", buyA.Transaction.Shares, result.TotalPayout)
	}

	aliceAfter, _ := ms.GetUser(context.Background(), alice.ID)
	if !aliceAfter.Balance.Equal(d(900).Add(buyA.Transaction.Shares)) {
		t.Errorf("alice balance mismatch: %s", aliceAfter.Balance)
	}
	bobAfter, _ := ms.GetUser(context.Background(), bob.ID)
	if !bobAfter.Balance.Equal(d(900)) {
		t.Errorf("bob should get nothing, balance %s", bobAfter.Balance)
	}

	// All positions on the market are zeroed, winners and losers alike.
	positions, _ := ms.ListPositionsByMarket(context.Background(), market.ID)
	for _, p := range positions {
		if !p.Shares.IsZero() {
			t.Errorf("position %s/%s not zeroed: %s", p.UserID, p.OutcomeID, p.Shares)
		}
	}

	settled, _ := ms.GetMarket(context.Background(), market.ID)
	if settled.Status != model.StatusResolved {
		t.Errorf("expected RESOLVED, got %s", settled.Status)
	}
	if settled.WinningOutcomeID != yes.ID {
		t.Errorf("winning outcome not recorded: %s", settled.WinningOutcomeID)
	}
	// The final price is the value supplied by the admin, not the last
	// traded price of the winning outcome.
	if !settled.FinalPrice.Equal(d(0.73)) {
		t.Errorf("expected final price 0.73, got %s", settled.FinalPrice)
	}

	// A SETTLEMENT ledger entry exists for the winner only.
	aliceTxs, _ := ms.ListTransactionsByUser(context.Background(), alice.ID)
	found := false
	for _, tx := range aliceTxs {
		if tx.Type == model.TxSettlement {
			found = true
			if !tx.Amount.Equal(buyA.Transaction.Shares) {
				t.Errorf("settlement amount mismatch: %s", tx.Amount)
			}
		}
	}
	if !found {
		t.Error("expected a SETTLEMENT transaction for alice")
	}
	bobTxs, _ := ms.ListTransactionsByUser(context.Background(), bob.ID)
	for _, tx := range bobTxs {
		if tx.Type == model.TxSettlement {
			t.Error("unexpected SETTLEMENT transaction for bob")
		}
	}
}

func TestSettleMarket_SecondSettleFailsWithoutBalanceChange(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	alice := seedUser(t, svc, "alice")
	market := seedMarket(t, svc, "Q?", "Yes,No")
	yes := outcomeByName(t, market, "Yes")

	if _, err := svc.Buy(context.Background(), alice.ID, market.ID, yes.ID, d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := svc.SettleMarket(context.Background(), market.ID, yes.ID, d(1)); err != nil {
		t.Fatalf("first settle failed: %v", err)
	}

	before, _ := ms.GetUser(context.Background(), alice.ID)

	_, err := svc.SettleMarket(context.Background(), market.ID, yes.ID, d(1))
	if !errors.Is(err, engine.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	after, _ := ms.GetUser(context.Background(), alice.ID)
	if !after.Balance.Equal(before.Balance) {
		t.Errorf("balance changed on repeated settle: %s -> %s", before.Balance, after.Balance)
	}
}

func TestSettleMarket_CancelledMarket(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	market := seedMarket(t, svc, "Q?", "Yes,No")
	yes := outcomeByName(t, market, "Yes")

	if _, err := svc.UpdateMarketStatus(context.Background(), market.ID, model.StatusCancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	_, err := svc.SettleMarket(context.Background(), market.ID, yes.ID, d(1))
	if !errors.Is(err, engine.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestSettleMarket_InvalidOutcome(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	market := seedMarket(t, svc, "Q?", "Yes,No")
	other := seedMarket(t, svc, "Other?", "Yes,No")
	foreign := outcomeByName(t, other, "Yes")

	_, err := svc.SettleMarket(context.Background(), market.ID, foreign.ID, d(1))
	if !errors.Is(err, engine.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}

	// The failed settle must not have resolved the market.
	m, _ := ms.GetMarket(context.Background(), market.ID)
	if m.Status != model.StatusOpen {
		t.Errorf("market status changed on failed settle: %s", m.Status)
	}
}

func TestSettleMarket_NotFound(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	_, err := svc.SettleMarket(context.Background(), "missing", "whatever", d(1))
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSettleMarket_LockedMarketSettles(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	market := seedMarket(t, svc, "Q?", "Yes,No")
	yes := outcomeByName(t, market, "Yes")

	if _, err := svc.UpdateMarketStatus(context.Background(), market.ID, model.StatusLocked); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if _, err := svc.SettleMarket(context.Background(), market.ID, yes.ID, d(1)); err != nil {
		t.Fatalf("settle from LOCKED failed: %v", err)
	}
}

func TestSettleMarket_NegativeFinalPrice(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	market := seedMarket(t, svc, "Q?", "Yes,No")
	yes := outcomeByName(t, market, "Yes")

	_, err := svc.SettleMarket(context.Background(), market.ID, yes.ID, d(-0.5))
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
