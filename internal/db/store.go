// Package db defines the persistence interface for the arena core.
// PostgreSQL is the source of truth; the in-memory implementation backs
// tests and local development.
package db

import (
	"context"
	"encoding/json"
	"time"

	"match-arena/internal/model"
)

// Finalize describes the terminal transition of a match together with the
// balanced ledger transaction that releases its escrow. Both land
// atomically or not at all. Entries may be empty (demo matches), in which
// case only the status transition is applied.
type Finalize struct {
	MatchID        string
	Status         model.MatchStatus // SETTLED or CANCELLED
	WinnerUserID   *string
	SettlementJSON json.RawMessage
	TxType         model.TxType
	Reference      string
	Entries        []model.LedgerEntry
	IdempotencyKey string
}

type Store interface {
	// ── Users ──
	CreateUser(ctx context.Context, username, passwordHash string, role model.Role) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// ── Ledger ──

	// PostTransaction appends one balanced transaction. Entries that do
	// not net to zero abort with apperr.ErrImbalance and nothing written.
	// A previously used idempotency key returns the original transaction
	// id without writing anything.
	PostTransaction(ctx context.Context, ttype model.TxType, reference string, entries []model.LedgerEntry, idempotencyKey string) (string, error)

	// Balance sums committed entries for an account. userID is ignored
	// for pooled account types.
	Balance(ctx context.Context, acct model.AccountType, userID string) (int64, error)

	// ListTransactions returns recent transactions, newest first.
	ListTransactions(ctx context.Context, limit int) ([]model.LedgerTransaction, error)

	// UserFlowSince returns, per user, the sum of absolute entry amounts
	// of the given account type under transactions of the given type
	// created after since. Used by the risk monitor.
	UserFlowSince(ctx context.Context, ttype model.TxType, acct model.AccountType, since time.Time) (map[string]int64, error)

	// ── Matches ──
	CreateMatch(ctx context.Context, m *model.Match) error
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	ListMatchesByStatus(ctx context.Context, status model.MatchStatus, limit int) ([]model.Match, error)

	// JoinMatch binds taker and flips OPEN→LIVE in one compare-and-set;
	// apperr.ErrNotOpen if the match is no longer OPEN.
	JoinMatch(ctx context.Context, id, takerUserID string) (*model.Match, error)

	// UpdateMatchStatus transitions from→to; apperr.ErrWrongState if the
	// current status is not from.
	UpdateMatchStatus(ctx context.Context, id string, from, to model.MatchStatus) error

	// FinalizeMatch applies a Finalize atomically. apperr.ErrWrongState
	// if the match is already terminal. Returns the ledger tx id ("" when
	// no entries were posted).
	FinalizeMatch(ctx context.Context, f Finalize) (string, error)

	// StaleOpenMatches returns OPEN matches created before cutoff.
	StaleOpenMatches(ctx context.Context, cutoff time.Time, limit int) ([]model.Match, error)

	// OverdueLiveMatches returns LIVE/PAUSED matches created before cutoff.
	OverdueLiveMatches(ctx context.Context, cutoff time.Time, limit int) ([]model.Match, error)

	// ── Match state history ──

	// AppendMatchState appends st as version expectVersion+1;
	// apperr.ErrVersionStale if another writer got there first.
	AppendMatchState(ctx context.Context, st *model.MatchState, expectVersion int64) error
	LatestMatchState(ctx context.Context, matchID string) (*model.MatchState, error)
	ListMatchStates(ctx context.Context, matchID string) ([]model.MatchState, error)

	// ── Withdrawals / payout destinations ──
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	UpdateWithdrawalStatus(ctx context.Context, id string, from, to model.WithdrawalStatus) error
	CreatePayoutDestination(ctx context.Context, p *model.PayoutDestination) error
	GetPayoutDestination(ctx context.Context, id, userID string) (*model.PayoutDestination, error)
	UpdatePayoutStatus(ctx context.Context, id string, status model.PayoutStatus) error

	// ── Idempotency guard (tier 2) ──
	GetIdempotentResponse(ctx context.Context, key, method, path, userID string) (*model.IdempotentResponse, error)
	PutIdempotentResponse(ctx context.Context, r *model.IdempotentResponse) error

	Close() error
}
