// Package settle turns a finished or abandoned match into ledger money
// movement. Settlement is idempotent at two levels: the match row flips to
// a terminal status exactly once, and the ledger transaction carries a
// per-match idempotency key.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"match-arena/internal/apperr"
	"match-arena/internal/db"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
)

// PublishFunc broadcasts a WS message to a match room.
type PublishFunc func(matchID, msgType string, data any)

// Result describes how a match ended.
type Result struct {
	WinnerID    string   // empty on draw
	ForfeitedBy string   // set when the loser forfeited
	Draw        bool
	DrawWinners []string // players splitting a drawn pot; defaults to both
	Reason      string
	ForcedBy    string // "reaper" when force-resolved
}

func (r Result) note() string {
	switch {
	case r.ForfeitedBy != "":
		return "forfeit_by:" + r.ForfeitedBy
	case r.Draw:
		return "draw"
	default:
		return "winner:" + r.WinnerID
	}
}

type Engine struct {
	store     db.Store
	publish   PublishFunc
	cancelFee int // percent of the refunded stake kept by the house
	log       zerolog.Logger
	now       func() time.Time
}

func NewEngine(store db.Store, pub PublishFunc, cancelFeePercent int, log zerolog.Logger) *Engine {
	return &Engine{store: store, publish: pub, cancelFee: cancelFeePercent, log: log, now: time.Now}
}

// Settle resolves matchID per result. Calling it again, or concurrently,
// for an already terminal match is a no-op returning the stored
// settlement.
func (e *Engine) Settle(ctx context.Context, matchID string, result Result) (*model.Settlement, error) {
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return decodeSettlement(m)
	}
	if m.TakerUserID == nil {
		return nil, apperr.ErrNotBound
	}

	houseCents := m.RakeCents
	if houseCents > m.EscrowCents {
		houseCents = m.EscrowCents
	}
	pot := m.EscrowCents - houseCents

	payouts, winnerID, err := distribute(m, result, pot)
	if err != nil {
		return nil, err
	}

	settlement := model.Settlement{
		Note:       result.note(),
		Payouts:    payouts,
		HouseCents: houseCents,
		SettledAt:  e.now().UTC(),
		ForcedBy:   result.ForcedBy,
		WinnerID:   winnerID,
	}
	if result.Draw {
		settlement.DrawWinners = drawWinners(m, result)
	}

	entries := settleEntries(m, payouts, houseCents)
	blob, err := json.Marshal(settlement)
	if err != nil {
		return nil, err
	}

	txID, err := e.store.FinalizeMatch(ctx, db.Finalize{
		MatchID:        matchID,
		Status:         model.MatchSettled,
		WinnerUserID:   winnerID,
		SettlementJSON: blob,
		TxType:         model.TxSettle,
		Reference:      matchID,
		Entries:        entries,
		IdempotencyKey: "SETTLE_" + matchID,
	})
	if errors.Is(err, apperr.ErrWrongState) {
		// Lost the race to another settler; theirs stands.
		m, gerr := e.store.GetMatch(ctx, matchID)
		if gerr != nil {
			return nil, gerr
		}
		return decodeSettlement(m)
	}
	if err != nil {
		return nil, err
	}
	settlement.LedgerTxID = txID

	outcome := "winner"
	if result.Draw {
		outcome = "draw"
	} else if result.ForfeitedBy != "" {
		outcome = "forfeit"
	}
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	e.log.Info().
		Str("match_id", matchID).
		Str("note", settlement.Note).
		Int64("house_cents", houseCents).
		Str("ledger_tx", txID).
		Msg("match settled")

	if e.publish != nil {
		e.publish(matchID, "match_settled", settlement)
	}
	return &settlement, nil
}

// Cancel voids an OPEN match, refunding the creator's staked amount.
func (e *Engine) Cancel(ctx context.Context, matchID, reason string) error {
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	if m.Status != model.MatchOpen {
		return apperr.ErrWrongState
	}

	var entries []model.LedgerEntry
	if !m.Demo && m.StakeCents > 0 {
		fee := model.RateCents(m.StakeCents, e.cancelFee)
		entries = []model.LedgerEntry{
			model.Entry(model.AcctEscrow, "", -m.StakeCents),
			model.Entry(model.AcctUserCash, m.CreatorUserID, m.StakeCents-fee),
		}
		if fee > 0 {
			entries = append(entries, model.Entry(model.AcctHouseCash, "", fee))
		}
	}
	blob, err := json.Marshal(model.Settlement{Note: "cancelled:" + reason, SettledAt: e.now().UTC()})
	if err != nil {
		return err
	}
	_, err = e.store.FinalizeMatch(ctx, db.Finalize{
		MatchID:        matchID,
		Status:         model.MatchCancelled,
		SettlementJSON: blob,
		TxType:         model.TxCancel,
		Reference:      matchID,
		Entries:        entries,
		IdempotencyKey: "CANCEL_" + matchID,
	})
	if errors.Is(err, apperr.ErrWrongState) {
		return nil
	}
	if err != nil {
		return err
	}
	e.log.Info().Str("match_id", matchID).Str("reason", reason).Msg("match cancelled")
	if e.publish != nil {
		e.publish(matchID, "match_cancelled", map[string]string{"reason": reason})
	}
	return nil
}

// distribute splits pot according to result. Draw splits use floor
// division with the leftover cent going to the first listed player.
func distribute(m *model.Match, result Result, pot int64) ([]model.SettledPayout, *string, error) {
	if result.Draw {
		winners := drawWinners(m, result)
		if len(winners) == 0 {
			return nil, nil, fmt.Errorf("draw with no players on match %s", m.ID)
		}
		share := pot / int64(len(winners))
		leftover := pot - share*int64(len(winners))
		payouts := make([]model.SettledPayout, 0, len(winners))
		for i, uid := range winners {
			amt := share
			if i == 0 {
				amt += leftover
			}
			payouts = append(payouts, model.SettledPayout{UserID: uid, AmountCents: amt})
		}
		return payouts, nil, nil
	}

	winnerID := result.WinnerID
	if result.ForfeitedBy != "" {
		winnerID = m.Opponent(result.ForfeitedBy)
	}
	if winnerID == "" || !m.Bound(winnerID) {
		return nil, nil, fmt.Errorf("winner %q not bound to match %s", winnerID, m.ID)
	}
	w := winnerID
	return []model.SettledPayout{{UserID: winnerID, AmountCents: pot}}, &w, nil
}

func drawWinners(m *model.Match, result Result) []string {
	if len(result.DrawWinners) > 0 {
		return result.DrawWinners
	}
	if m.TakerUserID == nil {
		return []string{m.CreatorUserID}
	}
	return []string{m.CreatorUserID, *m.TakerUserID}
}

// settleEntries builds the balanced release of escrow. Demo matches and
// zero-escrow matches move no money.
func settleEntries(m *model.Match, payouts []model.SettledPayout, houseCents int64) []model.LedgerEntry {
	if m.Demo || m.EscrowCents == 0 {
		return nil
	}
	entries := []model.LedgerEntry{model.Entry(model.AcctEscrow, "", -m.EscrowCents)}
	for _, p := range payouts {
		if p.AmountCents > 0 {
			entries = append(entries, model.Entry(model.AcctUserCash, p.UserID, p.AmountCents))
		}
	}
	if houseCents > 0 {
		entries = append(entries, model.Entry(model.AcctHouseCash, "", houseCents))
	}
	return entries
}

func decodeSettlement(m *model.Match) (*model.Settlement, error) {
	if len(m.SettlementJSON) == 0 {
		return nil, nil
	}
	var s model.Settlement
	if err := json.Unmarshal(m.SettlementJSON, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
