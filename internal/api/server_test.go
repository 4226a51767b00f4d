package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-arena/internal/config"
	"match-arena/internal/db"
	"match-arena/internal/match"
	"match-arena/internal/model"
	"match-arena/internal/settle"
)

type testEnv struct {
	store  *db.Memory
	server *Server
	router http.Handler
	admin  string // cached admin token
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := db.NewMemory()
	cfg := &config.Config{
		JWTSecret:        "test-secret",
		RakePercent:      10,
		PauseQuota:       5,
		StrongAuthWindow: 5 * time.Minute,
		PayoutCooldown:   72 * time.Hour,
		IdemCacheTTL:     time.Hour,
	}
	settler := settle.NewEngine(store, nil, 0, zerolog.Nop())
	registry := match.NewRegistry(store, settler, nil,
		match.Config{RakePercent: cfg.RakePercent, PauseQuota: cfg.PauseQuota}, zerolog.Nop())
	srv := NewServer(store, registry, cfg, zerolog.Nop())
	return &testEnv{store: store, server: srv, router: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) registerUser(t *testing.T, username string) (userID, token string) {
	t.Helper()
	rec := e.do(t, "POST", "/api/register", "", map[string]string{
		"username": username, "password": "hunter22",
	}, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	var resp struct {
		User  model.User `json:"user"`
		Token string     `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.User.ID, resp.Token
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	if e.admin == "" {
		admin, err := e.store.CreateUser(context.Background(), "admin", "x", model.RoleAdmin)
		require.NoError(t, err)
		e.admin = e.server.makeToken(admin.ID, model.RoleAdmin)
	}
	return e.admin
}

func (e *testEnv) deposit(t *testing.T, adminTok, userID string, cents int64, ref string) {
	t.Helper()
	rec := e.do(t, "POST", "/api/admin/deposits", adminTok, model.DepositConfirmation{
		UserID: userID, AmountCents: cents, Reference: ref,
	}, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
}

func TestRegisterValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "POST", "/api/register", "", map[string]string{"username": "Bad Name!", "password": "hunter22"}, nil)
	assert.Equal(t, 400, rec.Code)

	rec = e.do(t, "POST", "/api/register", "", map[string]string{"username": "alice", "password": "short"}, nil)
	assert.Equal(t, 400, rec.Code)

	e.registerUser(t, "alice")
	rec = e.do(t, "POST", "/api/register", "", map[string]string{"username": "alice", "password": "hunter22"}, nil)
	assert.Equal(t, 409, rec.Code)
}

func TestLoginAndWallet(t *testing.T) {
	e := newEnv(t)
	uid, _ := e.registerUser(t, "alice")

	rec := e.do(t, "POST", "/api/login", "", map[string]string{"username": "alice", "password": "wrong"}, nil)
	assert.Equal(t, 401, rec.Code)

	rec = e.do(t, "POST", "/api/login", "", map[string]string{"username": "alice", "password": "hunter22"}, nil)
	require.Equal(t, 200, rec.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	e.deposit(t, e.adminToken(t), uid, 2500, "ref-1")

	rec = e.do(t, "GET", "/api/wallet", resp.Token, nil, nil)
	require.Equal(t, 200, rec.Code)
	var wallet model.WalletView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))
	assert.Equal(t, int64(2500), wallet.BalanceCents)

	rec = e.do(t, "GET", "/api/wallet", "", nil, nil)
	assert.Equal(t, 401, rec.Code)
}

func TestDepositIdempotentByReference(t *testing.T) {
	e := newEnv(t)
	uid, tok := e.registerUser(t, "alice")
	admin := e.adminToken(t)

	e.deposit(t, admin, uid, 1000, "psp-123")
	e.deposit(t, admin, uid, 1000, "psp-123") // processor re-delivery

	rec := e.do(t, "GET", "/api/wallet", tok, nil, nil)
	var wallet model.WalletView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))
	assert.Equal(t, int64(1000), wallet.BalanceCents, "duplicate reference must not double-credit")
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	e := newEnv(t)
	uid, tok := e.registerUser(t, "alice")
	e.deposit(t, e.adminToken(t), uid, 10000, "ref-1")

	hdr := map[string]string{"Idempotency-Key": "create-1"}
	body := model.CreateMatchReq{Game: "archery", StakeCents: 1000}

	rec1 := e.do(t, "POST", "/api/matches", tok, body, hdr)
	require.Equal(t, 200, rec1.Code, rec1.Body.String())

	rec2 := e.do(t, "POST", "/api/matches", tok, body, hdr)
	require.Equal(t, 200, rec2.Code)
	assert.Equal(t, "true", rec2.Header().Get("Idempotent-Replay"))
	assert.JSONEq(t, rec1.Body.String(), rec2.Body.String())

	// Only one match was created and only one stake escrowed.
	matches, err := e.store.ListMatchesByStatus(context.Background(), model.MatchOpen, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	bal, err := e.store.Balance(context.Background(), model.AcctUserCash, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), bal)

	// Same key, different caller: not a replay.
	uid2, tok2 := e.registerUser(t, "bob")
	e.deposit(t, e.adminToken(t), uid2, 10000, "ref-2")
	rec3 := e.do(t, "POST", "/api/matches", tok2, body, hdr)
	require.Equal(t, 200, rec3.Code)
	assert.Empty(t, rec3.Header().Get("Idempotent-Replay"))
}

func TestMatchFlowOverREST(t *testing.T) {
	e := newEnv(t)
	admin := e.adminToken(t)
	uidA, tokA := e.registerUser(t, "alice")
	uidB, tokB := e.registerUser(t, "bob")
	e.deposit(t, admin, uidA, 5000, "da")
	e.deposit(t, admin, uidB, 5000, "db")

	rec := e.do(t, "POST", "/api/matches", tokA, model.CreateMatchReq{Game: "archery", StakeCents: 1000}, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	var m model.Match
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	rec = e.do(t, "POST", fmt.Sprintf("/api/matches/%s/join", m.ID), tokA, nil, nil)
	assert.Equal(t, 409, rec.Code, "creator cannot join own match")

	rec = e.do(t, "POST", fmt.Sprintf("/api/matches/%s/join", m.ID), tokB, nil, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	rec = e.do(t, "POST", fmt.Sprintf("/api/matches/%s/move", m.ID), tokB,
		map[string]any{"action": map[string]int{"score": 5}}, nil)
	assert.Equal(t, 409, rec.Code, "taker does not open")

	rec = e.do(t, "POST", fmt.Sprintf("/api/matches/%s/move", m.ID), tokA,
		map[string]any{"action": map[string]int{"score": 9}}, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	var st model.MatchState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(2), st.Version)

	rec = e.do(t, "POST", fmt.Sprintf("/api/matches/%s/forfeit", m.ID), tokB, nil, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	var set model.Settlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	assert.Equal(t, "forfeit_by:"+uidB, set.Note)

	// Alice banked the pot: 5000 - 1000 + 1800.
	bal, err := e.store.Balance(context.Background(), model.AcctUserCash, uidA)
	require.NoError(t, err)
	assert.Equal(t, int64(5800), bal)
}

func TestWithdrawalNeedsStrongAuthAndUsableDestination(t *testing.T) {
	e := newEnv(t)
	admin := e.adminToken(t)
	uid, tok := e.registerUser(t, "alice")
	e.deposit(t, admin, uid, 5000, "da")

	rec := e.do(t, "POST", "/api/payout-destinations", tok,
		map[string]string{"provider": "bank", "display": "****1234"}, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	var dest model.PayoutDestination
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dest))

	withdraw := model.WithdrawReq{AmountCents: 2000, DestinationID: dest.ID}

	rec = e.do(t, "POST", "/api/withdrawals", tok, withdraw, nil)
	assert.Equal(t, 401, rec.Code, "strong auth required")

	rec = e.do(t, "POST", "/api/auth/strong", tok, map[string]string{"password": "hunter22"}, nil)
	require.Equal(t, 200, rec.Code)

	// Destination is PENDING and still in its cooldown window.
	assert.Equal(t, model.PayoutPending, dest.Status)
	rec = e.do(t, "POST", "/api/withdrawals", tok, withdraw, nil)
	assert.Equal(t, 409, rec.Code)

	// Past its cooldown but not yet activated: still refused.
	aged := &model.PayoutDestination{
		ID: "dest-aged", UserID: uid, Provider: "bank", Display: "****9999",
		Status: model.PayoutPending, UsableAfter: time.Now().Add(-time.Hour),
	}
	require.NoError(t, e.store.CreatePayoutDestination(context.Background(), aged))
	withdraw.DestinationID = aged.ID
	rec = e.do(t, "POST", "/api/withdrawals", tok, withdraw, nil)
	assert.Equal(t, 409, rec.Code)

	// Activated and past cooldown works.
	rec = e.do(t, "POST", fmt.Sprintf("/api/admin/payout-destinations/%s/activate", aged.ID), admin, nil, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	rec = e.do(t, "POST", "/api/withdrawals", tok, withdraw, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	var wd model.Withdrawal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wd))
	assert.Equal(t, model.WithdrawalPending, wd.Status)

	bal, err := e.store.Balance(context.Background(), model.AcctUserCash, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bal)
	pend, err := e.store.Balance(context.Background(), model.AcctPendingWithdraw, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), pend)

	// Reject refunds the user.
	rec = e.do(t, "POST", fmt.Sprintf("/api/admin/withdrawals/%s/reject", wd.ID), admin, nil, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	bal, err = e.store.Balance(context.Background(), model.AcctUserCash, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal)

	// A second reject hits the status CAS.
	rec = e.do(t, "POST", fmt.Sprintf("/api/admin/withdrawals/%s/reject", wd.ID), admin, nil, nil)
	assert.Equal(t, 409, rec.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	e := newEnv(t)
	_, tok := e.registerUser(t, "alice")
	rec := e.do(t, "GET", "/api/admin/users", tok, nil, nil)
	assert.Equal(t, 403, rec.Code)
}
