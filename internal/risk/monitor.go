// Package risk watches ledger flow for accounts moving unusual volume.
// It only observes and flags; blocking a user stays a human decision.
package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"match-arena/internal/db"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
)

type Config struct {
	Interval         time.Duration
	Window           time.Duration // lookback per sweep
	DepositCapCents  int64
	WithdrawCapCents int64
}

type Monitor struct {
	store db.Store
	cfg   Config
	log   zerolog.Logger
}

func NewMonitor(store db.Store, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.Window == 0 {
		cfg.Window = 24 * time.Hour
	}
	return &Monitor{store: store, cfg: cfg, log: log}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Monitor) Sweep(ctx context.Context) {
	since := time.Now().Add(-m.cfg.Window)

	deposits, err := m.store.UserFlowSince(ctx, model.TxDeposit, model.AcctUserCash, since)
	if err != nil {
		m.log.Error().Err(err).Msg("risk: deposit flow query failed")
	}
	for uid, total := range deposits {
		if total > m.cfg.DepositCapCents {
			metrics.RiskFlags.WithLabelValues("deposit_velocity").Inc()
			m.log.Warn().
				Str("user_id", uid).
				Int64("total_cents", total).
				Int64("cap_cents", m.cfg.DepositCapCents).
				Msg("risk: deposit velocity over cap")
		}
	}

	withdrawals, err := m.store.UserFlowSince(ctx, model.TxWithdrawRequest, model.AcctUserCash, since)
	if err != nil {
		m.log.Error().Err(err).Msg("risk: withdrawal flow query failed")
	}
	for uid, total := range withdrawals {
		if total > m.cfg.WithdrawCapCents {
			metrics.RiskFlags.WithLabelValues("withdraw_velocity").Inc()
			m.log.Warn().
				Str("user_id", uid).
				Int64("total_cents", total).
				Int64("cap_cents", m.cfg.WithdrawCapCents).
				Msg("risk: withdrawal velocity over cap")
		}
	}
}
