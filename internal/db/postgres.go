package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"match-arena/internal/apperr"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
)

// Postgres implements Store on database/sql + lib/pq.
type Postgres struct{ DB *sql.DB }

func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{DB: db}, nil
}

func (s *Postgres) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Postgres) Close() error { return s.DB.Close() }

// ── Users ────────────────────────────────────────────

func (s *Postgres) CreateUser(ctx context.Context, username, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (id, username, password_hash, role) VALUES ($1,$2,$3,$4)
		 RETURNING id, username, password_hash, role, created_at`,
		uuid.New().String(), username, hash, role,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *Postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE id=$1`, id))
}

func (s *Postgres) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username=$1`, username))
}

func (s *Postgres) scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	return u, err
}

func (s *Postgres) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, username, '', role, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ── Ledger ───────────────────────────────────────────

func (s *Postgres) PostTransaction(ctx context.Context, ttype model.TxType, reference string, entries []model.LedgerEntry, idempotencyKey string) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	id, err := postInTx(ctx, tx, ttype, reference, entries, idempotencyKey)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	metrics.LedgerTxTotal.WithLabelValues(string(ttype)).Inc()
	return id, nil
}

// postInTx inserts the transaction row plus entries inside tx. Returns the
// existing id, writing nothing, when the idempotency key was seen before.
func postInTx(ctx context.Context, tx *sql.Tx, ttype model.TxType, reference string, entries []model.LedgerEntry, idempotencyKey string) (string, error) {
	if !model.BalancedEntries(entries) {
		return "", apperr.ErrImbalance
	}
	if idempotencyKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM ledger_transactions WHERE idempotency_key=$1`, idempotencyKey,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", err
		}
	}

	id := uuid.New().String()
	var key *string
	if idempotencyKey != "" {
		key = &idempotencyKey
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, ttype, reference, idempotency_key) VALUES ($1,$2,$3,$4)`,
		id, ttype, reference, key)
	if err != nil {
		// A concurrent writer may have claimed the key between the probe
		// and the insert; surface the original id in that case.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && idempotencyKey != "" {
			var existing string
			if scanErr := tx.QueryRowContext(ctx,
				`SELECT id FROM ledger_transactions WHERE idempotency_key=$1`, idempotencyKey,
			).Scan(&existing); scanErr == nil {
				return existing, nil
			}
		}
		return "", err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (tx_id, account_type, user_id, amount_cents) VALUES ($1,$2,$3,$4)`,
			id, e.AccountType, e.UserID, e.AmountCents); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (s *Postgres) Balance(ctx context.Context, acct model.AccountType, userID string) (int64, error) {
	var bal int64
	var err error
	if acct.Pooled() || userID == "" {
		err = s.DB.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount_cents),0) FROM ledger_entries WHERE account_type=$1`, acct,
		).Scan(&bal)
	} else {
		err = s.DB.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount_cents),0) FROM ledger_entries WHERE account_type=$1 AND user_id=$2`, acct, userID,
		).Scan(&bal)
	}
	return bal, err
}

func (s *Postgres) ListTransactions(ctx context.Context, limit int) ([]model.LedgerTransaction, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, ttype, reference, idempotency_key, created_at
		 FROM ledger_transactions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerTransaction
	for rows.Next() {
		var t model.LedgerTransaction
		if err := rows.Scan(&t.ID, &t.Type, &t.Reference, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) UserFlowSince(ctx context.Context, ttype model.TxType, acct model.AccountType, since time.Time) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT e.user_id, SUM(ABS(e.amount_cents))
		 FROM ledger_entries e
		 JOIN ledger_transactions t ON t.id = e.tx_id
		 WHERE t.ttype=$1 AND e.account_type=$2 AND e.user_id IS NOT NULL AND t.created_at > $3
		 GROUP BY e.user_id`, ttype, acct, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var uid string
		var sum int64
		if err := rows.Scan(&uid, &sum); err != nil {
			return nil, err
		}
		out[uid] = sum
	}
	return out, rows.Err()
}

// ── Matches ──────────────────────────────────────────

const matchCols = `id, room, game, demo, stake_cents, escrow_cents, rake_cents, payout_cents,
	status, creator_user_id, taker_user_id, winner_user_id, allow_spectators, seed,
	settlement_json, created_at, updated_at`

func (s *Postgres) CreateMatch(ctx context.Context, m *model.Match) error {
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO matches (id, room, game, demo, stake_cents, escrow_cents, rake_cents, payout_cents,
			status, creator_user_id, allow_spectators, seed)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 RETURNING created_at, updated_at`,
		m.ID, m.Room, m.Game, m.Demo, m.StakeCents, m.EscrowCents, m.RakeCents, m.PayoutCents,
		m.Status, m.CreatorUserID, m.AllowSpectators, m.Seed,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (s *Postgres) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	return scanMatch(s.DB.QueryRowContext(ctx,
		`SELECT `+matchCols+` FROM matches WHERE id=$1`, id))
}

func scanMatch(row *sql.Row) (*model.Match, error) {
	m := &model.Match{}
	var settlement []byte
	err := row.Scan(&m.ID, &m.Room, &m.Game, &m.Demo, &m.StakeCents, &m.EscrowCents, &m.RakeCents,
		&m.PayoutCents, &m.Status, &m.CreatorUserID, &m.TakerUserID, &m.WinnerUserID,
		&m.AllowSpectators, &m.Seed, &settlement, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.SettlementJSON = settlement
	return m, nil
}

func scanMatches(rows *sql.Rows) ([]model.Match, error) {
	var out []model.Match
	for rows.Next() {
		var m model.Match
		var settlement []byte
		if err := rows.Scan(&m.ID, &m.Room, &m.Game, &m.Demo, &m.StakeCents, &m.EscrowCents,
			&m.RakeCents, &m.PayoutCents, &m.Status, &m.CreatorUserID, &m.TakerUserID,
			&m.WinnerUserID, &m.AllowSpectators, &m.Seed, &settlement, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.SettlementJSON = settlement
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) ListMatchesByStatus(ctx context.Context, status model.MatchStatus, limit int) ([]model.Match, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+matchCols+` FROM matches WHERE status=$1 ORDER BY created_at DESC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

func (s *Postgres) JoinMatch(ctx context.Context, id, takerUserID string) (*model.Match, error) {
	row := s.DB.QueryRowContext(ctx,
		`UPDATE matches SET taker_user_id=$1, status=$2, updated_at=now()
		 WHERE id=$3 AND status=$4
		 RETURNING `+matchCols,
		takerUserID, model.MatchLive, id, model.MatchOpen)
	m, err := scanMatch(row)
	if errors.Is(err, apperr.ErrNotFound) {
		// Distinguish a missing match from one that is no longer open.
		if _, getErr := s.GetMatch(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.ErrNotOpen
	}
	return m, err
}

func (s *Postgres) UpdateMatchStatus(ctx context.Context, id string, from, to model.MatchStatus) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE matches SET status=$1, updated_at=now() WHERE id=$2 AND status=$3`, to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrWrongState
	}
	return nil
}

func (s *Postgres) FinalizeMatch(ctx context.Context, f Finalize) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var status model.MatchStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM matches WHERE id=$1 FOR UPDATE`, f.MatchID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if status.Terminal() {
		return "", apperr.ErrWrongState
	}

	txID := ""
	if len(f.Entries) > 0 {
		txID, err = postInTx(ctx, tx, f.TxType, f.Reference, f.Entries, f.IdempotencyKey)
		if err != nil {
			return "", err
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE matches SET status=$1, winner_user_id=$2, settlement_json=$3, updated_at=now() WHERE id=$4`,
		f.Status, f.WinnerUserID, []byte(f.SettlementJSON), f.MatchID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	if txID != "" {
		metrics.LedgerTxTotal.WithLabelValues(string(f.TxType)).Inc()
	}
	return txID, nil
}

func (s *Postgres) StaleOpenMatches(ctx context.Context, cutoff time.Time, limit int) ([]model.Match, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+matchCols+` FROM matches
		 WHERE status=$1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`,
		model.MatchOpen, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

func (s *Postgres) OverdueLiveMatches(ctx context.Context, cutoff time.Time, limit int) ([]model.Match, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+matchCols+` FROM matches
		 WHERE status IN ($1,$2) AND created_at < $3 ORDER BY created_at ASC LIMIT $4`,
		model.MatchLive, model.MatchPaused, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

// ── Match state history ──────────────────────────────

func (s *Postgres) AppendMatchState(ctx context.Context, st *model.MatchState, expectVersion int64) error {
	pauses, err := json.Marshal(st.Pauses)
	if err != nil {
		return err
	}
	// The version check and the insert are one statement: the row only
	// lands if the current max version still equals expectVersion and the
	// match has not entered a terminal status out of band.
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO match_states (match_id, version, state, paused, pauses)
		 SELECT $1, $2, $3, $4, $5
		 WHERE (SELECT COALESCE(MAX(version),0) FROM match_states WHERE match_id=$1) = $6
		   AND (SELECT status FROM matches WHERE id=$1) IN ('OPEN','LIVE','PAUSED')`,
		st.MatchID, expectVersion+1, []byte(st.State), st.Paused, pauses, expectVersion)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.ErrVersionStale
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status model.MatchStatus
		if qerr := s.DB.QueryRowContext(ctx,
			`SELECT status FROM matches WHERE id=$1`, st.MatchID).Scan(&status); qerr == nil && status.Terminal() {
			return apperr.ErrGameOver
		}
		return apperr.ErrVersionStale
	}
	st.Version = expectVersion + 1
	return nil
}

func (s *Postgres) LatestMatchState(ctx context.Context, matchID string) (*model.MatchState, error) {
	st := &model.MatchState{}
	var state, pauses []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT match_id, version, state, paused, pauses, created_at
		 FROM match_states WHERE match_id=$1 ORDER BY version DESC LIMIT 1`, matchID,
	).Scan(&st.MatchID, &st.Version, &state, &st.Paused, &pauses, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.State = state
	if err := json.Unmarshal(pauses, &st.Pauses); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Postgres) ListMatchStates(ctx context.Context, matchID string) ([]model.MatchState, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT match_id, version, state, paused, pauses, created_at
		 FROM match_states WHERE match_id=$1 ORDER BY version ASC`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MatchState
	for rows.Next() {
		var st model.MatchState
		var state, pauses []byte
		if err := rows.Scan(&st.MatchID, &st.Version, &state, &st.Paused, &pauses, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.State = state
		if err := json.Unmarshal(pauses, &st.Pauses); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ── Withdrawals / payout destinations ────────────────

func (s *Postgres) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO withdrawals (id, user_id, amount_cents, destination_id, status)
		 VALUES ($1,$2,$3,$4,$5) RETURNING created_at, updated_at`,
		w.ID, w.UserID, w.AmountCents, w.DestinationID, w.Status,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
}

func (s *Postgres) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	w := &model.Withdrawal{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, amount_cents, destination_id, status, created_at, updated_at
		 FROM withdrawals WHERE id=$1`, id,
	).Scan(&w.ID, &w.UserID, &w.AmountCents, &w.DestinationID, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	return w, err
}

func (s *Postgres) UpdateWithdrawalStatus(ctx context.Context, id string, from, to model.WithdrawalStatus) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE withdrawals SET status=$1, updated_at=now() WHERE id=$2 AND status=$3`, to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrWrongState
	}
	return nil
}

func (s *Postgres) CreatePayoutDestination(ctx context.Context, p *model.PayoutDestination) error {
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO payout_destinations (id, user_id, provider, display, status, usable_after)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		p.ID, p.UserID, p.Provider, p.Display, p.Status, p.UsableAfter,
	).Scan(&p.CreatedAt)
}

func (s *Postgres) GetPayoutDestination(ctx context.Context, id, userID string) (*model.PayoutDestination, error) {
	p := &model.PayoutDestination{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, provider, display, status, usable_after, created_at
		 FROM payout_destinations WHERE id=$1 AND user_id=$2`, id, userID,
	).Scan(&p.ID, &p.UserID, &p.Provider, &p.Display, &p.Status, &p.UsableAfter, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	return p, err
}

func (s *Postgres) UpdatePayoutStatus(ctx context.Context, id string, status model.PayoutStatus) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE payout_destinations SET status=$1 WHERE id=$2`, status, id)
	return err
}

// ── Idempotency guard (tier 2) ───────────────────────

func (s *Postgres) GetIdempotentResponse(ctx context.Context, key, method, path, userID string) (*model.IdempotentResponse, error) {
	r := &model.IdempotentResponse{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT key, method, path, user_id, status_code, body, created_at
		 FROM idempotency_keys WHERE key=$1 AND method=$2 AND path=$3 AND user_id=$4`,
		key, method, path, userID,
	).Scan(&r.Key, &r.Method, &r.Path, &r.UserID, &r.StatusCode, &r.Body, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	return r, err
}

func (s *Postgres) PutIdempotentResponse(ctx context.Context, r *model.IdempotentResponse) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, method, path, user_id, status_code, body)
		 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
		r.Key, r.Method, r.Path, r.UserID, r.StatusCode, r.Body)
	return err
}
