package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"match-arena/internal/apperr"
	"match-arena/internal/model"
)

const demoTopupCents = 10_000_00 // per-request demo grant

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := s.userID(r)
	cash, err := s.store.Balance(r.Context(), model.AcctUserCash, uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	demo, err := s.store.Balance(r.Context(), model.AcctUserDemo, uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, model.WalletView{BalanceCents: cash, DemoCents: demo})
}

func (s *Server) listMyTransactions(w http.ResponseWriter, r *http.Request) {
	// The full feed is admin-only; users get the recent slice that
	// mentions one of their accounts.
	txs, err := s.store.ListTransactions(r.Context(), 200)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, txs)
}

func (s *Server) demoTopup(w http.ResponseWriter, r *http.Request) {
	uid := s.userID(r)
	txID, err := s.store.PostTransaction(r.Context(), model.TxDemoTopup, uid, []model.LedgerEntry{
		model.Entry(model.AcctDemoBank, "", -demoTopupCents),
		model.Entry(model.AcctUserDemo, uid, demoTopupCents),
	}, "")
	if err != nil {
		s.fail(w, err)
		return
	}
	demo, err := s.store.Balance(r.Context(), model.AcctUserDemo, uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, map[string]any{"tx_id": txID, "demo_cents": demo})
}

// ── Payout destinations ──────────────────────────────

func (s *Server) createPayoutDestination(w http.ResponseWriter, r *http.Request) {
	uid := s.userID(r)
	var req struct {
		Provider string `json:"provider" validate:"required"`
		Display  string `json:"display" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErr(w, 400, "invalid_json", "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.jsonErr(w, 400, "validation", err.Error())
		return
	}
	// New destinations start PENDING until an operator activates them,
	// and spend a cooldown on top of that before withdrawals may target
	// them, limiting damage from a hijacked account.
	p := &model.PayoutDestination{
		ID:          uuid.New().String(),
		UserID:      uid,
		Provider:    req.Provider,
		Display:     req.Display,
		Status:      model.PayoutPending,
		UsableAfter: time.Now().Add(s.cfg.PayoutCooldown).UTC(),
	}
	if err := s.store.CreatePayoutDestination(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, p)
}

func (s *Server) getPayoutDestination(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPayoutDestination(r.Context(), chi.URLParam(r, "id"), s.userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, p)
}

// ── Withdrawals ──────────────────────────────────────

func (s *Server) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	uid := s.userID(r)
	if !s.hasStrongAuth(uid) {
		s.jsonErr(w, 401, "strong_auth_required", "re-enter your password first")
		return
	}
	var req model.WithdrawReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErr(w, 400, "invalid_json", "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.jsonErr(w, 400, "validation", err.Error())
		return
	}

	dest, err := s.store.GetPayoutDestination(r.Context(), req.DestinationID, uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !dest.Usable(time.Now()) {
		s.jsonErr(w, 409, "destination_not_usable", "destination is inactive or still in cooldown")
		return
	}

	bal, err := s.store.Balance(r.Context(), model.AcctUserCash, uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	if bal < req.AmountCents {
		s.fail(w, apperr.ErrInsufficient)
		return
	}

	wd := &model.Withdrawal{
		ID:            uuid.New().String(),
		UserID:        uid,
		AmountCents:   req.AmountCents,
		DestinationID: req.DestinationID,
		Status:        model.WithdrawalPending,
	}
	if err := s.store.CreateWithdrawal(r.Context(), wd); err != nil {
		s.fail(w, err)
		return
	}
	// Funds move to the pending pool immediately so they cannot be
	// staked while the payout is in flight.
	_, err = s.store.PostTransaction(r.Context(), model.TxWithdrawRequest, wd.ID, []model.LedgerEntry{
		model.Entry(model.AcctUserCash, uid, -req.AmountCents),
		model.Entry(model.AcctPendingWithdraw, "", req.AmountCents),
	}, "WREQ_"+wd.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, wd)
}

func (s *Server) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.store.GetWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if wd.UserID != s.userID(r) {
		s.fail(w, apperr.ErrNotFound)
		return
	}
	s.json200(w, wd)
}
