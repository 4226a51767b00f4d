package model

import (
	"encoding/json"
	"time"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type AccountType string

const (
	AcctUserCash        AccountType = "USER_CASH"
	AcctUserDemo        AccountType = "USER_DEMO"
	AcctEscrow          AccountType = "ESCROW"
	AcctHouseCash       AccountType = "HOUSE_CASH"
	AcctClearing        AccountType = "PROCESSOR_CLEARING"
	AcctPendingWithdraw AccountType = "PENDING_WITHDRAWALS"
	AcctDemoBank        AccountType = "OFFCHAIN_DEMO_BANK"
)

// Pooled returns true for accounts that carry no user id.
func (a AccountType) Pooled() bool {
	switch a {
	case AcctEscrow, AcctHouseCash, AcctClearing, AcctPendingWithdraw, AcctDemoBank:
		return true
	}
	return false
}

type TxType string

const (
	TxDeposit         TxType = "DEPOSIT"
	TxDemoTopup       TxType = "DEMO_TOPUP"
	TxStake           TxType = "STAKE"
	TxWithdrawRequest TxType = "WITHDRAW_REQUEST"
	TxWithdrawPayout  TxType = "WITHDRAW_PAYOUT"
	TxSettle          TxType = "SETTLE"
	TxRefund          TxType = "REFUND"
	TxCancel          TxType = "CANCEL"
)

type MatchStatus string

const (
	MatchOpen      MatchStatus = "OPEN"
	MatchLive      MatchStatus = "LIVE"
	MatchPaused    MatchStatus = "PAUSED"
	MatchSettled   MatchStatus = "SETTLED"
	MatchCancelled MatchStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave the status.
func (s MatchStatus) Terminal() bool {
	return s == MatchSettled || s == MatchCancelled
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "PENDING"
	WithdrawalPaid     WithdrawalStatus = "PAID"
	WithdrawalRejected WithdrawalStatus = "REJECTED"
)

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "PENDING"
	PayoutActive  PayoutStatus = "ACTIVE"
)

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// LedgerTransaction is immutable once created.
type LedgerTransaction struct {
	ID             string    `json:"id"`
	Type           TxType    `json:"type"`
	Reference      string    `json:"reference"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LedgerEntry rows are append-only; the sum of AmountCents over a
// transaction is always zero.
type LedgerEntry struct {
	TxID        string      `json:"tx_id,omitempty"`
	AccountType AccountType `json:"account_type"`
	UserID      *string     `json:"user_id,omitempty"`
	AmountCents int64       `json:"amount_cents"`
}

// Entry is a convenience constructor for a ledger entry. Pooled accounts
// get a nil user id regardless of the argument.
func Entry(acct AccountType, userID string, cents int64) LedgerEntry {
	if acct.Pooled() || userID == "" {
		return LedgerEntry{AccountType: acct, AmountCents: cents}
	}
	return LedgerEntry{AccountType: acct, UserID: &userID, AmountCents: cents}
}

// BalancedEntries reports whether the entries net to zero.
func BalancedEntries(entries []LedgerEntry) bool {
	var sum int64
	for _, e := range entries {
		sum += e.AmountCents
	}
	return sum == 0
}

type Match struct {
	ID              string          `json:"id"`
	Room            string          `json:"room"`
	Game            string          `json:"game"`
	Demo            bool            `json:"demo"`
	StakeCents      int64           `json:"stake_cents"`
	EscrowCents     int64           `json:"escrow_cents"`
	RakeCents       int64           `json:"rake_cents"`
	PayoutCents     int64           `json:"payout_cents"`
	Status          MatchStatus     `json:"status"`
	CreatorUserID   string          `json:"creator_user_id"`
	TakerUserID     *string         `json:"taker_user_id,omitempty"`
	WinnerUserID    *string         `json:"winner_user_id,omitempty"`
	AllowSpectators bool            `json:"allow_spectators"`
	Seed            int64           `json:"-"`
	SettlementJSON  json.RawMessage `json:"settlement,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Bound reports whether uid is one of the match's players.
func (m *Match) Bound(uid string) bool {
	return uid == m.CreatorUserID || (m.TakerUserID != nil && uid == *m.TakerUserID)
}

// Opponent returns the other bound player, or "" if uid is not bound or no
// taker ever joined.
func (m *Match) Opponent(uid string) string {
	if m.TakerUserID == nil {
		return ""
	}
	if uid == m.CreatorUserID {
		return *m.TakerUserID
	}
	if uid == *m.TakerUserID {
		return m.CreatorUserID
	}
	return ""
}

// PauseCounts tracks per-side pause usage; the registry caps each side.
type PauseCounts struct {
	Creator int `json:"creator"`
	Taker   int `json:"taker"`
}

// MatchState is one row of the append-only per-match state history. The
// highest Version is authoritative.
type MatchState struct {
	MatchID   string          `json:"match_id"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	Paused    bool            `json:"paused"`
	Pauses    PauseCounts     `json:"pauses"`
	CreatedAt time.Time       `json:"created_at"`
}

type Withdrawal struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	AmountCents   int64            `json:"amount_cents"`
	DestinationID string           `json:"destination_id"`
	Status        WithdrawalStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PayoutDestination is an opaque handle owned by the payment collaborator;
// the core only reads status and the cooldown timestamp.
type PayoutDestination struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Provider    string       `json:"provider"`
	Display     string       `json:"display"`
	Status      PayoutStatus `json:"status"`
	UsableAfter time.Time    `json:"usable_after"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Usable reports whether withdrawals may target this destination now.
func (p *PayoutDestination) Usable(now time.Time) bool {
	return p.Status == PayoutActive && !now.Before(p.UsableAfter)
}

// Settlement is the audit record stamped onto a match at settlement time.
type Settlement struct {
	Note        string          `json:"note"`
	Payouts     []SettledPayout `json:"payouts"`
	HouseCents  int64           `json:"house_cents"`
	SettledAt   time.Time       `json:"settled_at"`
	ForcedBy    string          `json:"forced_by,omitempty"` // "reaper" when force-resolved
	LedgerTxID  string          `json:"ledger_tx_id,omitempty"`
	WinnerID    *string         `json:"winner_user_id,omitempty"`
	DrawWinners []string        `json:"draw_winners,omitempty"`
}

type SettledPayout struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
}

// IdempotentResponse is a cached (status, body) pair replayed for retried
// mutating requests.
type IdempotentResponse struct {
	Key        string    `json:"key"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserID     string    `json:"user_id"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type CreateMatchReq struct {
	Game            string `json:"game" validate:"required"`
	StakeCents      int64  `json:"stake_cents" validate:"gte=0"`
	Demo            bool   `json:"demo"`
	AllowSpectators *bool  `json:"allow_spectators"`
}

type WithdrawReq struct {
	AmountCents   int64  `json:"amount_cents" validate:"gt=0"`
	DestinationID string `json:"destination_id" validate:"required"`
}

type DepositConfirmation struct {
	UserID      string `json:"user_id" validate:"required"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	Reference   string `json:"reference" validate:"required"`
}

type WalletView struct {
	BalanceCents int64 `json:"balance_cents"`
	DemoCents    int64 `json:"demo_cents"`
	EscrowCents  int64 `json:"escrow_cents"`
}

// RateCents applies an integer percentage to a cent amount, flooring.
func RateCents(cents int64, percent int) int64 {
	return cents * int64(percent) / 100
}
