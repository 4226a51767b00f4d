package match

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-arena/internal/apperr"
	"match-arena/internal/db"
	"match-arena/internal/model"
	"match-arena/internal/settle"
)

func deposit(t *testing.T, s db.Store, uid string, cents int64) {
	t.Helper()
	_, err := s.PostTransaction(context.Background(), model.TxDeposit, "test", []model.LedgerEntry{
		model.Entry(model.AcctUserCash, uid, cents),
		model.Entry(model.AcctClearing, "", -cents),
	}, "")
	require.NoError(t, err)
}

func newRegistry(s db.Store) *Registry {
	settler := settle.NewEngine(s, nil, 0, zerolog.Nop())
	return NewRegistry(s, settler, nil, Config{RakePercent: 10, PauseQuota: 5}, zerolog.Nop())
}

func cash(t *testing.T, s db.Store, uid string) int64 {
	t.Helper()
	bal, err := s.Balance(context.Background(), model.AcctUserCash, uid)
	require.NoError(t, err)
	return bal
}

func TestCreateEscrowsCreatorStake(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	deposit(t, s, "alice", 5000)
	r := newRegistry(s)

	m, err := r.Create(ctx, "alice", model.CreateMatchReq{Game: "archery", StakeCents: 1000})
	require.NoError(t, err)
	assert.Equal(t, model.MatchOpen, m.Status)
	assert.Equal(t, int64(2000), m.EscrowCents)
	assert.Equal(t, int64(200), m.RakeCents)
	assert.Equal(t, int64(1800), m.PayoutCents)
	assert.Equal(t, int64(4000), cash(t, s, "alice"))
}

func TestCreateRejectsUnknownGameAndShortBalance(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	r := newRegistry(s)

	_, err := r.Create(ctx, "alice", model.CreateMatchReq{Game: "tictactoe", StakeCents: 100})
	assert.Equal(t, "unknown_game", apperr.CodeOf(err))

	_, err = r.Create(ctx, "alice", model.CreateMatchReq{Game: "archery", StakeCents: 100})
	assert.ErrorIs(t, err, apperr.ErrInsufficient)
}

func TestJoinGuards(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	deposit(t, s, "alice", 5000)
	r := newRegistry(s)

	m, err := r.Create(ctx, "alice", model.CreateMatchReq{Game: "archery", StakeCents: 1000})
	require.NoError(t, err)

	_, err = r.Join(ctx, m.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrSelfJoin)

	_, err = r.Join(ctx, m.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrInsufficient)

	deposit(t, s, "bob", 5000)
	joined, err := r.Join(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.MatchLive, joined.Status)
	assert.Equal(t, int64(4000), cash(t, s, "bob"))

	// Version 1 state exists for the live match.
	st, err := r.State(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	_, err = r.Join(ctx, m.ID, "carol")
	assert.ErrorIs(t, err, apperr.ErrNotOpen)
}

func startLive(t *testing.T, s db.Store, r *Registry, stake int64) *model.Match {
	t.Helper()
	ctx := context.Background()
	deposit(t, s, "alice", 10*stake+1000)
	deposit(t, s, "bob", 10*stake+1000)
	m, err := r.Create(ctx, "alice", model.CreateMatchReq{Game: "archery", StakeCents: stake})
	require.NoError(t, err)
	m, err = r.Join(ctx, m.ID, "bob")
	require.NoError(t, err)
	return m
}

func TestMoveSerializedAndVersioned(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	r := newRegistry(s)
	m := startLive(t, s, r, 1000)

	_, err := r.Move(ctx, m.ID, "bob", json.RawMessage(`{"score":5}`))
	assert.ErrorIs(t, err, apperr.ErrNotYourTurn)

	st, err := r.Move(ctx, m.ID, "alice", json.RawMessage(`{"score":9}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)

	_, err = r.Move(ctx, m.ID, "carol", json.RawMessage(`{"score":9}`))
	assert.ErrorIs(t, err, apperr.ErrNotBound)
}

func TestMoveToTerminalSettles(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	r := newRegistry(s)
	m := startLive(t, s, r, 1000)

	// Alice outshoots Bob every round; the last arrow settles the match.
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			_, err := r.Move(ctx, m.ID, "alice", json.RawMessage(`{"score":10}`))
			require.NoError(t, err)
		}
		for i := 0; i < 3; i++ {
			_, err := r.Move(ctx, m.ID, "bob", json.RawMessage(`{"score":1}`))
			require.NoError(t, err)
		}
	}

	got, err := s.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchSettled, got.Status)
	require.NotNil(t, got.WinnerUserID)
	assert.Equal(t, "alice", *got.WinnerUserID)
	// Staked 1000 of 11000, won 1800 back.
	assert.Equal(t, int64(11800), cash(t, s, "alice"))

	_, err = r.Move(ctx, m.ID, "bob", json.RawMessage(`{"score":1}`))
	assert.ErrorIs(t, err, apperr.ErrGameOver)
}

func TestPauseQuotaAndResume(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	r := newRegistry(s)
	m := startLive(t, s, r, 500)

	st, err := r.Pause(ctx, m.ID, "alice")
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, 1, st.Pauses.Creator)

	// No moves while paused; no double pause.
	_, err = r.Move(ctx, m.ID, "alice", json.RawMessage(`{"score":5}`))
	assert.ErrorIs(t, err, apperr.ErrWrongState)
	_, err = r.Pause(ctx, m.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrWrongState)

	st, err = r.Resume(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.False(t, st.Paused)

	got, err := s.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchLive, got.Status)

	// Burn through the rest of the creator quota; the sixth attempt is rejected.
	for i := 2; i <= 5; i++ {
		st, err = r.Pause(ctx, m.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, i, st.Pauses.Creator)
		_, err = r.Resume(ctx, m.ID, "alice")
		require.NoError(t, err)
	}
	_, err = r.Pause(ctx, m.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	// The taker's quota is tracked separately.
	st, err = r.Pause(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pauses.Taker)
}

func TestForfeitPaysOpponent(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	r := newRegistry(s)
	m := startLive(t, s, r, 1000)

	set, err := r.Forfeit(ctx, m.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "forfeit_by:alice", set.Note)
	// Deposited 11000, staked 1000, took the 1800 pot.
	assert.Equal(t, int64(11800), cash(t, s, "bob"))

	got, err := s.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchSettled, got.Status)
}

func TestBootRestartsLiveActors(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	m := startLive(t, s, newRegistry(s), 500)

	// A fresh registry, as after a restart, picks the match up again.
	r2 := newRegistry(s)
	require.NoError(t, r2.Boot(ctx))

	st, err := r2.Move(ctx, m.ID, "alice", json.RawMessage(`{"score":7}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)
}

func TestMoveRefusedAfterOutOfBandSettlement(t *testing.T) {
	s := db.NewMemory()
	ctx := context.Background()
	r := newRegistry(s)
	m := startLive(t, s, r, 500)

	// Warm the actor with one move, then settle past it the way the
	// reaper does.
	_, err := r.Move(ctx, m.ID, "alice", json.RawMessage(`{"score":7}`))
	require.NoError(t, err)
	eng := settle.NewEngine(s, nil, 0, zerolog.Nop())
	_, err = eng.Settle(ctx, m.ID, settle.Result{Draw: true, Reason: "expired", ForcedBy: "reaper"})
	require.NoError(t, err)

	before, err := s.LatestMatchState(ctx, m.ID)
	require.NoError(t, err)

	_, err = r.Move(ctx, m.ID, "bob", json.RawMessage(`{"score":5}`))
	assert.ErrorIs(t, err, apperr.ErrGameOver)

	after, err := s.LatestMatchState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version, "settled history must stay read-only")

	// The stale actor is retired; later calls are refused up front.
	_, err = r.Pause(ctx, m.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrGameOver)
}

// failPostStore fails the posting for one idempotency key.
type failPostStore struct {
	db.Store
	failKey string
}

func (f *failPostStore) PostTransaction(ctx context.Context, ttype model.TxType, ref string, entries []model.LedgerEntry, key string) (string, error) {
	if key == f.failKey {
		return "", errors.New("connection reset")
	}
	return f.Store.PostTransaction(ctx, ttype, ref, entries, key)
}

func TestJoinStakeFailureVoidsMatch(t *testing.T) {
	mem := db.NewMemory()
	ctx := context.Background()
	deposit(t, mem, "alice", 5000)
	deposit(t, mem, "bob", 5000)

	base := newRegistry(mem)
	m, err := base.Create(ctx, "alice", model.CreateMatchReq{Game: "archery", StakeCents: 1000})
	require.NoError(t, err)

	s := &failPostStore{Store: mem, failKey: "STAKE_" + m.ID + "_bob"}
	r := newRegistry(s)
	_, err = r.Join(ctx, m.ID, "bob")
	require.Error(t, err)

	got, err := mem.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchCancelled, got.Status)
	// Neither side is out any money.
	assert.Equal(t, int64(5000), cash(t, mem, "alice"))
	assert.Equal(t, int64(5000), cash(t, mem, "bob"))
}
