package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/engine"
	"github.com/emx/market-engine/internal/model"
)

// --- Daily cost ---

func TestTriggerDailyCost_DebitsByRole(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	intern := seedUser(t, svc, "intern")
	senior := seedUser(t, svc, "senior")
	drifter := seedUser(t, svc, "drifter") // no role, never debited

	if _, err := svc.SelectRole(context.Background(), intern.ID, model.RoleIntern); err != nil {
		t.Fatalf("select role: %v", err)
	}
	if _, err := svc.SelectRole(context.Background(), senior.ID, model.RoleFullTime); err != nil {
		t.Fatalf("select role: %v", err)
	}

	debited, err := svc.TriggerDailyCost(context.Background())
	if err != nil {
		t.Fatalf("daily cost failed: %v", err)
	}
	if debited != 2 {
		t.Errorf("expected 2 debits, got %d", debited)
	}

	u, _ := ms.GetUser(context.Background(), intern.ID)
	if !u.Balance.Equal(d(970)) {
		t.Errorf("intern: expected 970, got %s", u.Balance)
	}
	u, _ = ms.GetUser(context.Background(), senior.ID)
	if !u.Balance.Equal(d(850)) {
		t.Errorf("full-time: expected 850, got %s", u.Balance)
	}
	u, _ = ms.GetUser(context.Background(), drifter.ID)
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("roleless user debited: %s", u.Balance)
	}
}

func TestTriggerDailyCost_BalanceGoesNegative(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	user := seedUser(t, svc, "broke")
	if _, err := svc.SelectRole(context.Background(), user.ID, model.RoleFullTime); err != nil {
		t.Fatalf("select role: %v", err)
	}

	// Drain most of the balance first.
	if _, err := svc.AddPoints(context.Background(), user.Username, d(-950)); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if _, err := svc.TriggerDailyCost(context.Background()); err != nil {
		t.Fatalf("daily cost failed: %v", err)
	}

	u, _ := ms.GetUser(context.Background(), user.ID)
	if !u.Balance.Equal(d(-100)) {
		t.Errorf("expected -100, got %s", u.Balance)
	}
}

func TestTriggerDailyCost_TaxHolidaySkips(t *testing.T) {
	svc, ms, sc := newTestEnv(t)
	user := seedUser(t, svc, "intern")
	if _, err := svc.SelectRole(context.Background(), user.ID, model.RoleIntern); err != nil {
		t.Fatalf("select role: %v", err)
	}

	if err := sc.SetEventMode(model.EventTaxHoliday); err != nil {
		t.Fatalf("set event mode: %v", err)
	}

	debited, err := svc.TriggerDailyCost(context.Background())
	if err != nil {
		t.Fatalf("daily cost failed: %v", err)
	}
	if debited != 0 {
		t.Errorf("expected 0 debits during tax holiday, got %d", debited)
	}

	u, _ := ms.GetUser(context.Background(), user.ID)
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("balance changed during tax holiday: %s", u.Balance)
	}
}

// --- Airdrop ---

func TestAirdrop_CreditsRecentTraders(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	trader := seedUser(t, svc, "trader")
	idler := seedUser(t, svc, "idler")
	market := seedMarket(t, svc, "Q?", "Yes,No")
	yes := outcomeByName(t, market, "Yes")

	if _, err := svc.Buy(context.Background(), trader.ID, market.ID, yes.ID, d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	credited, err := svc.Airdrop(context.Background(), d(50))
	if err != nil {
		t.Fatalf("airdrop failed: %v", err)
	}
	if credited != 1 {
		t.Errorf("expected 1 recipient, got %d", credited)
	}

	u, _ := ms.GetUser(context.Background(), trader.ID)
	if !u.Balance.Equal(d(950)) {
		t.Errorf("trader: expected 950, got %s", u.Balance)
	}
	u, _ = ms.GetUser(context.Background(), idler.ID)
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("idler credited without trading: %s", u.Balance)
	}

	// The credit leaves an ADMIN_ADD record.
	txs, _ := ms.ListTransactionsByUser(context.Background(), trader.ID)
	found := false
	for _, tx := range txs {
		if tx.Type == model.TxAdminAdd && tx.Amount.Equal(d(50)) {
			found = true
		}
	}
	if !found {
		t.Error("expected an ADMIN_ADD transaction for the airdrop")
	}
}

func TestAirdrop_NobodyQualifies(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	seedUser(t, svc, "idler")

	credited, err := svc.Airdrop(context.Background(), d(50))
	if err != nil {
		t.Fatalf("airdrop failed: %v", err)
	}
	if credited != 0 {
		t.Errorf("expected 0 recipients, got %d", credited)
	}
}

func TestAirdrop_AnyTransactionTypeQualifies(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	granted := seedUser(t, svc, "granted")
	paid := seedUser(t, svc, "paid")

	// Any ledger entry in the window counts as activity, not just trades.
	if _, err := svc.AddPoints(context.Background(), granted.Username, d(100)); err != nil {
		t.Fatalf("add points: %v", err)
	}
	err := ms.InsertTransaction(context.Background(), &model.Transaction{
		ID:        "tx-settle-1",
		UserID:    paid.ID,
		Type:      model.TxSettlement,
		Amount:    d(40),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	credited, err := svc.Airdrop(context.Background(), d(50))
	if err != nil {
		t.Fatalf("airdrop failed: %v", err)
	}
	if credited != 2 {
		t.Errorf("expected 2 recipients, got %d", credited)
	}

	u, _ := ms.GetUser(context.Background(), paid.ID)
	if !u.Balance.Equal(d(1050)) {
		t.Errorf("settlement-only user not credited: %s", u.Balance)
	}
}

func TestAirdrop_NonPositiveAmount(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	if _, err := svc.Airdrop(context.Background(), decimal.Zero); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// --- Point grants ---

func TestAddPoints_RecordsLedgerEntry(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")

	updated, err := svc.AddPoints(context.Background(), user.Username, d(250))
	if err != nil {
		t.Fatalf("add points failed: %v", err)
	}
	if !updated.Balance.Equal(d(1250)) {
		t.Errorf("expected 1250, got %s", updated.Balance)
	}

	txs, _ := ms.ListTransactionsByUser(context.Background(), user.ID)
	if len(txs) != 1 || txs[0].Type != model.TxAdminAdd {
		t.Fatalf("expected one ADMIN_ADD transaction, got %+v", txs)
	}
	if txs[0].MarketID != "" {
		t.Errorf("grant transaction should not reference a market: %s", txs[0].MarketID)
	}
}

func TestAddPoints_NegativeDeducts(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")

	updated, err := svc.AddPoints(context.Background(), user.Username, d(-1500))
	if err != nil {
		t.Fatalf("negative grant failed: %v", err)
	}
	if !updated.Balance.Equal(d(-500)) {
		t.Errorf("expected -500, got %s", updated.Balance)
	}
}

func TestAddPoints_ZeroRejected(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")

	if _, err := svc.AddPoints(context.Background(), user.Username, decimal.Zero); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAddPoints_UnknownUser(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	if _, err := svc.AddPoints(context.Background(), "ghost", d(10)); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Users and roles ---

func TestCreateUser_Validation(t *testing.T) {
	svc, _, _ := newTestEnv(t)

	for _, name := range []string{"", "ab", "with space", "waaaaaaaaaaaaaaaaaaaytoolong", "bad!chars"} {
		if _, err := svc.CreateUser(context.Background(), name); !errors.Is(err, engine.ErrValidation) {
			t.Errorf("username %q: expected ErrValidation, got %v", name, err)
		}
	}

	u, err := svc.CreateUser(context.Background(), "good_name_42")
	if err != nil {
		t.Fatalf("valid username rejected: %v", err)
	}
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("expected starting balance 1000, got %s", u.Balance)
	}
	if u.Role != model.RoleNone {
		t.Errorf("new user should have no role, got %s", u.Role)
	}
}

func TestSelectRole_OnceOnly(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")

	if _, err := svc.SelectRole(context.Background(), user.ID, model.RoleIntern); err != nil {
		t.Fatalf("first selection failed: %v", err)
	}
	_, err := svc.SelectRole(context.Background(), user.ID, model.RoleFullTime)
	if !errors.Is(err, engine.ErrRoleAlreadySet) {
		t.Fatalf("expected ErrRoleAlreadySet, got %v", err)
	}
}

func TestSelectRole_InvalidRole(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")

	if _, err := svc.SelectRole(context.Background(), user.ID, "CONTRACTOR"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestResetUser_ClearsRoleAndReplacesBalance(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")
	if _, err := svc.SelectRole(context.Background(), user.ID, model.RoleIntern); err != nil {
		t.Fatalf("select role: %v", err)
	}

	nb := d(500)
	if err := svc.ResetUser(context.Background(), user.Username, &nb); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	u, _ := ms.GetUser(context.Background(), user.ID)
	if u.Role != model.RoleNone {
		t.Errorf("role not cleared: %s", u.Role)
	}
	if !u.Balance.Equal(d(500)) {
		t.Errorf("balance not replaced: %s", u.Balance)
	}

	// Role can be selected again after a reset.
	if _, err := svc.SelectRole(context.Background(), user.ID, model.RoleFullTime); err != nil {
		t.Fatalf("re-selection after reset failed: %v", err)
	}
}

func TestResetUser_KeepsBalanceWhenNil(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	user := seedUser(t, svc, "alice")

	if err := svc.ResetUser(context.Background(), user.Username, nil); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	u, _ := ms.GetUser(context.Background(), user.ID)
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("balance changed on role-only reset: %s", u.Balance)
	}
}
