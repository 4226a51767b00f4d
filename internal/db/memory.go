package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"match-arena/internal/apperr"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
)

// Memory is an in-memory Store for tests and local development. All
// methods take one lock; it is not meant to be fast.
type Memory struct {
	mu sync.Mutex

	users        map[string]*model.User
	usersByName  map[string]string
	txs          []model.LedgerTransaction
	entries      []model.LedgerEntry
	txByIdemKey  map[string]string
	matches      map[string]*model.Match
	states       map[string][]model.MatchState
	withdrawals  map[string]*model.Withdrawal
	destinations map[string]*model.PayoutDestination
	idemResps    map[string]*model.IdempotentResponse
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]*model.User),
		usersByName:  make(map[string]string),
		txByIdemKey:  make(map[string]string),
		matches:      make(map[string]*model.Match),
		states:       make(map[string][]model.MatchState),
		withdrawals:  make(map[string]*model.Withdrawal),
		destinations: make(map[string]*model.PayoutDestination),
		idemResps:    make(map[string]*model.IdempotentResponse),
	}
}

func (s *Memory) Close() error { return nil }

// ── Users ────────────────────────────────────────────

func (s *Memory) CreateUser(_ context.Context, username, hash string, role model.Role) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[username]; ok {
		return nil, apperr.New(apperr.Validation, "username_taken", "username already registered")
	}
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u
	s.usersByName[username] = u.ID
	cp := *u
	return &cp, nil
}

func (s *Memory) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Memory) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByName[username]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Memory) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── Ledger ───────────────────────────────────────────

func (s *Memory) PostTransaction(_ context.Context, ttype model.TxType, reference string, entries []model.LedgerEntry, idempotencyKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postLocked(ttype, reference, entries, idempotencyKey)
}

func (s *Memory) postLocked(ttype model.TxType, reference string, entries []model.LedgerEntry, idempotencyKey string) (string, error) {
	if !model.BalancedEntries(entries) {
		return "", apperr.ErrImbalance
	}
	if idempotencyKey != "" {
		if id, ok := s.txByIdemKey[idempotencyKey]; ok {
			return id, nil
		}
	}
	id := uuid.New().String()
	tx := model.LedgerTransaction{
		ID:        id,
		Type:      ttype,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
	if idempotencyKey != "" {
		k := idempotencyKey
		tx.IdempotencyKey = &k
		s.txByIdemKey[idempotencyKey] = id
	}
	s.txs = append(s.txs, tx)
	for _, e := range entries {
		e.TxID = id
		s.entries = append(s.entries, e)
	}
	metrics.LedgerTxTotal.WithLabelValues(string(ttype)).Inc()
	return id, nil
}

func (s *Memory) Balance(_ context.Context, acct model.AccountType, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bal int64
	for _, e := range s.entries {
		if e.AccountType != acct {
			continue
		}
		if !acct.Pooled() && userID != "" {
			if e.UserID == nil || *e.UserID != userID {
				continue
			}
		}
		bal += e.AmountCents
	}
	return bal, nil
}

func (s *Memory) ListTransactions(_ context.Context, limit int) ([]model.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LedgerTransaction, 0, limit)
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.txs[i])
	}
	return out, nil
}

func (s *Memory) UserFlowSince(_ context.Context, ttype model.TxType, acct model.AccountType, since time.Time) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTx := make(map[string]bool)
	for _, t := range s.txs {
		if t.Type == ttype && t.CreatedAt.After(since) {
			byTx[t.ID] = true
		}
	}
	out := make(map[string]int64)
	for _, e := range s.entries {
		if !byTx[e.TxID] || e.AccountType != acct || e.UserID == nil {
			continue
		}
		amt := e.AmountCents
		if amt < 0 {
			amt = -amt
		}
		out[*e.UserID] += amt
	}
	return out, nil
}

// ── Matches ──────────────────────────────────────────

func (s *Memory) CreateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *Memory) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) ListMatchesByStatus(_ context.Context, status model.MatchStatus, limit int) ([]model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Match
	for _, m := range s.matches {
		if m.Status == status {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) JoinMatch(_ context.Context, id, takerUserID string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if m.Status != model.MatchOpen {
		return nil, apperr.ErrNotOpen
	}
	taker := takerUserID
	m.TakerUserID = &taker
	m.Status = model.MatchLive
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (s *Memory) UpdateMatchStatus(_ context.Context, id string, from, to model.MatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if m.Status != from {
		return apperr.ErrWrongState
	}
	m.Status = to
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) FinalizeMatch(_ context.Context, f Finalize) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[f.MatchID]
	if !ok {
		return "", apperr.ErrNotFound
	}
	if m.Status.Terminal() {
		return "", apperr.ErrWrongState
	}
	txID := ""
	if len(f.Entries) > 0 {
		var err error
		txID, err = s.postLocked(f.TxType, f.Reference, f.Entries, f.IdempotencyKey)
		if err != nil {
			return "", err
		}
	}
	m.Status = f.Status
	m.WinnerUserID = f.WinnerUserID
	m.SettlementJSON = append(json.RawMessage(nil), f.SettlementJSON...)
	m.UpdatedAt = time.Now().UTC()
	return txID, nil
}

func (s *Memory) StaleOpenMatches(_ context.Context, cutoff time.Time, limit int) ([]model.Match, error) {
	return s.matchesBefore(cutoff, limit, model.MatchOpen)
}

func (s *Memory) OverdueLiveMatches(_ context.Context, cutoff time.Time, limit int) ([]model.Match, error) {
	return s.matchesBefore(cutoff, limit, model.MatchLive, model.MatchPaused)
}

func (s *Memory) matchesBefore(cutoff time.Time, limit int, statuses ...model.MatchStatus) ([]model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Match
	for _, m := range s.matches {
		for _, st := range statuses {
			if m.Status == st && m.CreatedAt.Before(cutoff) {
				out = append(out, *m)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Match state history ──────────────────────────────

func (s *Memory) AppendMatchState(_ context.Context, st *model.MatchState, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.matches[st.MatchID]; ok && m.Status.Terminal() {
		return apperr.ErrGameOver
	}
	hist := s.states[st.MatchID]
	var cur int64
	if len(hist) > 0 {
		cur = hist[len(hist)-1].Version
	}
	if cur != expectVersion {
		return apperr.ErrVersionStale
	}
	st.Version = expectVersion + 1
	st.CreatedAt = time.Now().UTC()
	cp := *st
	cp.State = append(json.RawMessage(nil), st.State...)
	s.states[st.MatchID] = append(hist, cp)
	return nil
}

func (s *Memory) LatestMatchState(_ context.Context, matchID string) (*model.MatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.states[matchID]
	if len(hist) == 0 {
		return nil, apperr.ErrNotFound
	}
	cp := hist[len(hist)-1]
	return &cp, nil
}

func (s *Memory) ListMatchStates(_ context.Context, matchID string) ([]model.MatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MatchState(nil), s.states[matchID]...), nil
}

// ── Withdrawals / payout destinations ────────────────

func (s *Memory) CreateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	cp := *w
	s.withdrawals[w.ID] = &cp
	return nil
}

func (s *Memory) GetWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Memory) UpdateWithdrawalStatus(_ context.Context, id string, from, to model.WithdrawalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if w.Status != from {
		return apperr.ErrWrongState
	}
	w.Status = to
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) CreatePayoutDestination(_ context.Context, p *model.PayoutDestination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = time.Now().UTC()
	cp := *p
	s.destinations[p.ID] = &cp
	return nil
}

func (s *Memory) GetPayoutDestination(_ context.Context, id, userID string) (*model.PayoutDestination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.destinations[id]
	if !ok || p.UserID != userID {
		return nil, apperr.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Memory) UpdatePayoutStatus(_ context.Context, id string, status model.PayoutStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.destinations[id]
	if !ok {
		return apperr.ErrNotFound
	}
	p.Status = status
	return nil
}

// ── Idempotency guard (tier 2) ───────────────────────

func idemKey(key, method, path, userID string) string {
	return key + "|" + method + "|" + path + "|" + userID
}

func (s *Memory) GetIdempotentResponse(_ context.Context, key, method, path, userID string) (*model.IdempotentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idemResps[idemKey(key, method, path, userID)]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Memory) PutIdempotentResponse(_ context.Context, r *model.IdempotentResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(r.Key, r.Method, r.Path, r.UserID)
	if _, ok := s.idemResps[k]; ok {
		return nil
	}
	cp := *r
	cp.CreatedAt = time.Now().UTC()
	s.idemResps[k] = &cp
	return nil
}
