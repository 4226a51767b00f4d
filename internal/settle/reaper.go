package settle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"match-arena/internal/db"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
)

// DecideFunc picks the forced outcome for an overdue live match. The
// default calls it a draw; a game-aware callback may pick a winner from
// the latest recorded state instead.
type DecideFunc func(ctx context.Context, m *model.Match) Result

// Reaper periodically cancels stale open matches and force-resolves
// matches that have been live past the allowed window.
type Reaper struct {
	store    db.Store
	engine   *Engine
	decide   DecideFunc
	log      zerolog.Logger
	interval time.Duration
	openTTL  time.Duration
	liveMax  time.Duration
	batch    int
}

func NewReaper(store db.Store, engine *Engine, decide DecideFunc, log zerolog.Logger,
	interval, openTTL, liveMax time.Duration, batch int) *Reaper {
	if decide == nil {
		decide = func(context.Context, *model.Match) Result {
			return Result{Draw: true, Reason: "expired", ForcedBy: "reaper"}
		}
	}
	return &Reaper{
		store: store, engine: engine, decide: decide, log: log,
		interval: interval, openTTL: openTTL, liveMax: liveMax, batch: batch,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs both passes once. Per-match failures are logged and skipped
// so one bad row cannot wedge the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()

	stale, err := r.store.StaleOpenMatches(ctx, now.Add(-r.openTTL), r.batch)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: stale open query failed")
	}
	for i := range stale {
		m := &stale[i]
		if err := r.engine.Cancel(ctx, m.ID, "stale_open"); err != nil {
			r.log.Error().Err(err).Str("match_id", m.ID).Msg("reaper: cancel failed")
			continue
		}
		metrics.ReaperSweeps.WithLabelValues("cancelled").Inc()
	}

	overdue, err := r.store.OverdueLiveMatches(ctx, now.Add(-r.liveMax), r.batch)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: overdue live query failed")
	}
	for i := range overdue {
		m := &overdue[i]
		result := r.decide(ctx, m)
		result.ForcedBy = "reaper"
		if _, err := r.engine.Settle(ctx, m.ID, result); err != nil {
			r.log.Error().Err(err).Str("match_id", m.ID).Msg("reaper: force settle failed")
			continue
		}
		metrics.ReaperSweeps.WithLabelValues("settled").Inc()
	}

	if len(stale) > 0 || len(overdue) > 0 {
		r.log.Info().Int("cancelled", len(stale)).Int("force_settled", len(overdue)).Msg("reaper sweep")
	}
}
