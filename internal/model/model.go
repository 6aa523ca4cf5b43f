// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market.
// OPEN ↔ LOCKED are admin-toggleable; RESOLVED and CANCELLED are terminal.
type MarketStatus string

const (
	StatusOpen      MarketStatus = "OPEN"
	StatusLocked    MarketStatus = "LOCKED"
	StatusResolved  MarketStatus = "RESOLVED"
	StatusCancelled MarketStatus = "CANCELLED"
)

// Terminal reports whether no further status transition is allowed.
func (s MarketStatus) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// Role is a user's job role. Roles determine the daily cost debit and are
// assigned once, then fixed until an administrative reset.
type Role string

const (
	RoleNone     Role = ""
	RoleIntern   Role = "INTERN"
	RoleFullTime Role = "FULL_TIME"
)

// TxType classifies ledger transactions. The amount/shares fields carry
// type-dependent meaning:
//
//	BUY        amount = energy spent,    shares = shares acquired
//	SELL       amount = proceeds,        shares = shares sold
//	SETTLEMENT amount = payout,          shares = shares held at settlement
//	ADMIN_ADD  amount = points granted,  shares = unused
type TxType string

const (
	TxBuy        TxType = "BUY"
	TxSell       TxType = "SELL"
	TxSettlement TxType = "SETTLEMENT"
	TxAdminAdd   TxType = "ADMIN_ADD"
)

// User holds identity and balance state. Balance may go negative under the
// daily role cost. Users are never hard-deleted, only reset.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Role      Role            `json:"role,omitempty" db:"role"`
	IsAdmin   bool            `json:"is_admin" db:"is_admin"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Market is a tradable question with 1–4 discrete outcomes.
// EndDate is display-only and does not itself lock the market.
type Market struct {
	ID               string          `json:"id" db:"id"`
	Question         string          `json:"question" db:"question"`
	Description      string          `json:"description" db:"description"`
	Status           MarketStatus    `json:"status" db:"status"`
	EndDate          string          `json:"end_date" db:"end_date"`
	TotalVolume      decimal.Decimal `json:"total_volume" db:"total_volume"`
	WinningOutcomeID string          `json:"winning_outcome_id,omitempty" db:"winning_outcome_id"`
	FinalPrice       decimal.Decimal `json:"final_price" db:"final_price"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	Outcomes         []Outcome       `json:"outcomes"`
}

// Outcome is one discrete possible resolution of a market. Price is in
// (0, 1) and is read as an implied probability. Prices across a market's
// outcomes are NOT constrained to sum to 1 — each outcome moves on its own
// impact curve.
type Outcome struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
}

// Position is a user's holding in one outcome, compound-unique on
// (userID, outcomeID). Shares may be fractional. A position sold or settled
// to zero stays at shares=0 rather than being deleted.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
}

// Transaction is an immutable append-only ledger record. Never mutated or
// deleted except by full market deletion cascade. MarketID/OutcomeID are
// empty for ADMIN_ADD.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id,omitempty" db:"market_id"`
	OutcomeID string          `json:"outcome_id,omitempty" db:"outcome_id"`
	Type      TxType          `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PricePoint is an append-only per-outcome price snapshot, written for every
// outcome of a market after each trade and at market creation.
type PricePoint struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// EventMode is the process-wide admin-controlled event switch.
type EventMode string

const (
	EventNone       EventMode = "NONE"
	EventTurbulence EventMode = "A" // volatility multiplier ×2
	EventTaxHoliday EventMode = "B" // daily cost suppressed
	EventAirdrop    EventMode = "C" // airdrop armed in the admin console
	EventFog        EventMode = "D" // display-layer fog, engine ignores
)

// Valid reports whether m is one of the defined event modes.
func (m EventMode) Valid() bool {
	switch m {
	case EventNone, EventTurbulence, EventTaxHoliday, EventAirdrop, EventFog:
		return true
	}
	return false
}

// SystemConfig is the admin-mutable process configuration read by the
// pricing path (mode A) and the periodic operations (modes B, C).
type SystemConfig struct {
	Notification string    `json:"notification"`
	EventMode    EventMode `json:"event_mode"`
}
