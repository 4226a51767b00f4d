package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"match-arena/internal/model"
)

// confirmDeposit credits a user after the payment collaborator reports a
// cleared deposit. The processor reference doubles as the idempotency key
// so a re-delivered confirmation cannot double-credit.
func (s *Server) confirmDeposit(w http.ResponseWriter, r *http.Request) {
	var req model.DepositConfirmation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErr(w, 400, "invalid_json", "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.jsonErr(w, 400, "validation", err.Error())
		return
	}
	if _, err := s.store.GetUser(r.Context(), req.UserID); err != nil {
		s.fail(w, err)
		return
	}
	txID, err := s.store.PostTransaction(r.Context(), model.TxDeposit, req.Reference, []model.LedgerEntry{
		model.Entry(model.AcctClearing, "", -req.AmountCents),
		model.Entry(model.AcctUserCash, req.UserID, req.AmountCents),
	}, "DEP_"+req.Reference)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, map[string]string{"tx_id": txID})
}

func (s *Server) approveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wd, err := s.store.GetWithdrawal(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.UpdateWithdrawalStatus(r.Context(), id, model.WithdrawalPending, model.WithdrawalPaid); err != nil {
		s.fail(w, err)
		return
	}
	// Pending funds leave the platform through the clearing account.
	_, err = s.store.PostTransaction(r.Context(), model.TxWithdrawPayout, wd.ID, []model.LedgerEntry{
		model.Entry(model.AcctPendingWithdraw, "", -wd.AmountCents),
		model.Entry(model.AcctClearing, "", wd.AmountCents),
	}, "WPAY_"+wd.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	wd.Status = model.WithdrawalPaid
	s.json200(w, wd)
}

func (s *Server) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wd, err := s.store.GetWithdrawal(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.UpdateWithdrawalStatus(r.Context(), id, model.WithdrawalPending, model.WithdrawalRejected); err != nil {
		s.fail(w, err)
		return
	}
	_, err = s.store.PostTransaction(r.Context(), model.TxRefund, wd.ID, []model.LedgerEntry{
		model.Entry(model.AcctPendingWithdraw, "", -wd.AmountCents),
		model.Entry(model.AcctUserCash, wd.UserID, wd.AmountCents),
	}, "WREJ_"+wd.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	wd.Status = model.WithdrawalRejected
	s.json200(w, wd)
}

// activatePayoutDestination marks a reviewed destination ACTIVE. The
// registration cooldown still applies on top.
func (s *Server) activatePayoutDestination(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.UpdatePayoutStatus(r.Context(), id, model.PayoutActive); err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, map[string]string{"id": id, "status": string(model.PayoutActive)})
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.ListTransactions(r.Context(), 500)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, txs)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, users)
}
