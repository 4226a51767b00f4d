package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-arena/internal/apperr"
	"match-arena/internal/model"
)

func TestPostTransactionBalances(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.PostTransaction(ctx, model.TxDeposit, "dep", []model.LedgerEntry{
		model.Entry(model.AcctUserCash, "u1", 500),
		model.Entry(model.AcctClearing, "", -400),
	}, "")
	assert.ErrorIs(t, err, apperr.ErrImbalance)

	_, err = s.PostTransaction(ctx, model.TxDeposit, "dep", []model.LedgerEntry{
		model.Entry(model.AcctUserCash, "u1", 500),
		model.Entry(model.AcctClearing, "", -500),
	}, "")
	require.NoError(t, err)

	bal, err := s.Balance(ctx, model.AcctUserCash, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	bal, err = s.Balance(ctx, model.AcctClearing, "")
	require.NoError(t, err)
	assert.Equal(t, int64(-500), bal)
}

func TestPostTransactionIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	entries := []model.LedgerEntry{
		model.Entry(model.AcctUserCash, "u1", 1000),
		model.Entry(model.AcctClearing, "", -1000),
	}

	first, err := s.PostTransaction(ctx, model.TxDeposit, "dep", entries, "DEP_abc")
	require.NoError(t, err)
	second, err := s.PostTransaction(ctx, model.TxDeposit, "dep", entries, "DEP_abc")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	bal, err := s.Balance(ctx, model.AcctUserCash, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal, "retried key must not double-credit")
}

func TestJoinMatchCAS(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := &model.Match{ID: "m1", Game: "archery", Status: model.MatchOpen, CreatorUserID: "u1"}
	require.NoError(t, s.CreateMatch(ctx, m))

	joined, err := s.JoinMatch(ctx, "m1", "u2")
	require.NoError(t, err)
	assert.Equal(t, model.MatchLive, joined.Status)

	_, err = s.JoinMatch(ctx, "m1", "u3")
	assert.ErrorIs(t, err, apperr.ErrNotOpen)
}

func TestFinalizeMatchTerminalOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := &model.Match{ID: "m1", Game: "archery", Status: model.MatchLive, CreatorUserID: "u1"}
	require.NoError(t, s.CreateMatch(ctx, m))

	winner := "u1"
	f := Finalize{
		MatchID:      "m1",
		Status:       model.MatchSettled,
		WinnerUserID: &winner,
		TxType:       model.TxSettle,
		Reference:    "m1",
		Entries: []model.LedgerEntry{
			model.Entry(model.AcctEscrow, "", -2000),
			model.Entry(model.AcctUserCash, "u1", 1800),
			model.Entry(model.AcctHouseCash, "", 200),
		},
		IdempotencyKey: "SETTLE_m1",
	}
	txID, err := s.FinalizeMatch(ctx, f)
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	_, err = s.FinalizeMatch(ctx, f)
	assert.ErrorIs(t, err, apperr.ErrWrongState)

	got, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchSettled, got.Status)
	require.NotNil(t, got.WinnerUserID)
	assert.Equal(t, "u1", *got.WinnerUserID)
}

func TestAppendMatchStateVersioning(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	st := &model.MatchState{MatchID: "m1", State: json.RawMessage(`{"turn":"u1"}`)}
	require.NoError(t, s.AppendMatchState(ctx, st, 0))
	assert.Equal(t, int64(1), st.Version)

	stale := &model.MatchState{MatchID: "m1", State: json.RawMessage(`{"turn":"u2"}`)}
	assert.ErrorIs(t, s.AppendMatchState(ctx, stale, 0), apperr.ErrVersionStale)

	next := &model.MatchState{MatchID: "m1", State: json.RawMessage(`{"turn":"u2"}`)}
	require.NoError(t, s.AppendMatchState(ctx, next, 1))

	latest, err := s.LatestMatchState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)

	all, err := s.ListMatchStates(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUserFlowSince(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.PostTransaction(ctx, model.TxDeposit, "dep", []model.LedgerEntry{
		model.Entry(model.AcctUserCash, "u1", 3000),
		model.Entry(model.AcctClearing, "", -3000),
	}, "")
	require.NoError(t, err)

	flows, err := s.UserFlowSince(ctx, model.TxDeposit, model.AcctUserCash, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), flows["u1"])

	flows, err = s.UserFlowSince(ctx, model.TxDeposit, model.AcctUserCash, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, flows)
}
