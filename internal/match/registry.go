// Package match owns the lifecycle of a match: creation, joining, and the
// serialized application of in-game actions. Every live match gets one
// goroutine; all writes to its state funnel through that goroutine's
// command channel, with an append-time version check as the backstop.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"match-arena/internal/apperr"
	"match-arena/internal/db"
	"match-arena/internal/game"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
	"match-arena/internal/settle"
)

// PublishFunc broadcasts a WS message to a match room.
type PublishFunc func(matchID, msgType string, data any)

type Config struct {
	RakePercent int
	PauseQuota  int // pauses allowed per side
}

type Registry struct {
	mu      sync.RWMutex
	actors  map[string]*actor
	store   db.Store
	settler *settle.Engine
	publish PublishFunc
	cfg     Config
	log     zerolog.Logger
}

func NewRegistry(store db.Store, settler *settle.Engine, pub PublishFunc, cfg Config, log zerolog.Logger) *Registry {
	return &Registry{
		actors:  make(map[string]*actor),
		store:   store,
		settler: settler,
		publish: pub,
		cfg:     cfg,
		log:     log,
	}
}

// Boot restarts actors for matches that were live when the process last
// stopped.
func (r *Registry) Boot(ctx context.Context) error {
	for _, status := range []model.MatchStatus{model.MatchLive, model.MatchPaused} {
		matches, err := r.store.ListMatchesByStatus(ctx, status, 10000)
		if err != nil {
			return err
		}
		for i := range matches {
			if _, err := r.actorFor(ctx, matches[i].ID); err != nil {
				return fmt.Errorf("boot %s: %w", matches[i].ID, err)
			}
		}
	}
	r.mu.RLock()
	n := len(r.actors)
	r.mu.RUnlock()
	r.log.Info().Int("actors", n).Msg("match registry booted")
	return nil
}

// Create opens a match and escrows the creator's stake.
func (r *Registry) Create(ctx context.Context, userID string, req model.CreateMatchReq) (*model.Match, error) {
	if _, err := game.Lookup(req.Game); err != nil {
		return nil, apperr.New(apperr.Validation, "unknown_game", "%s", err)
	}

	stake := req.StakeCents
	if req.Demo {
		stake = 0
	}
	escrow := stake * 2
	rake := model.RateCents(escrow, r.cfg.RakePercent)
	allowSpectators := true
	if req.AllowSpectators != nil {
		allowSpectators = *req.AllowSpectators
	}

	if stake > 0 {
		bal, err := r.store.Balance(ctx, model.AcctUserCash, userID)
		if err != nil {
			return nil, err
		}
		if bal < stake {
			return nil, apperr.ErrInsufficient
		}
	}

	m := &model.Match{
		ID:              uuid.New().String(),
		Room:            "match:" + uuid.New().String(),
		Game:            req.Game,
		Demo:            req.Demo,
		StakeCents:      stake,
		EscrowCents:     escrow,
		RakeCents:       rake,
		PayoutCents:     escrow - rake,
		Status:          model.MatchOpen,
		CreatorUserID:   userID,
		AllowSpectators: allowSpectators,
		Seed:            time.Now().UnixNano(),
	}
	if err := r.store.CreateMatch(ctx, m); err != nil {
		return nil, err
	}
	if stake > 0 {
		if err := r.stake(ctx, m, userID); err != nil {
			// Void the shell so the unstaked match cannot be joined.
			_, _ = r.store.FinalizeMatch(ctx, db.Finalize{
				MatchID: m.ID, Status: model.MatchCancelled,
			})
			return nil, err
		}
	}
	r.log.Info().Str("match_id", m.ID).Str("game", m.Game).Int64("stake", stake).Msg("match created")
	return m, nil
}

func (r *Registry) stake(ctx context.Context, m *model.Match, userID string) error {
	_, err := r.store.PostTransaction(ctx, model.TxStake, m.ID, []model.LedgerEntry{
		model.Entry(model.AcctUserCash, userID, -m.StakeCents),
		model.Entry(model.AcctEscrow, "", m.StakeCents),
	}, "STAKE_"+m.ID+"_"+userID)
	return err
}

// Join binds userID as taker, escrows their stake and starts the game.
func (r *Registry) Join(ctx context.Context, matchID, userID string) (*model.Match, error) {
	m, err := r.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MatchOpen {
		return nil, apperr.ErrNotOpen
	}
	if m.CreatorUserID == userID {
		return nil, apperr.ErrSelfJoin
	}
	if m.StakeCents > 0 {
		bal, err := r.store.Balance(ctx, model.AcctUserCash, userID)
		if err != nil {
			return nil, err
		}
		if bal < m.StakeCents {
			return nil, apperr.ErrInsufficient
		}
	}

	m, err = r.store.JoinMatch(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	if m.StakeCents > 0 {
		if err := r.stake(ctx, m, userID); err != nil {
			// The match went LIVE but only the creator is escrowed. Void
			// it and give the creator their stake back.
			_, _ = r.store.FinalizeMatch(ctx, db.Finalize{
				MatchID:   matchID,
				Status:    model.MatchCancelled,
				TxType:    model.TxCancel,
				Reference: matchID,
				Entries: []model.LedgerEntry{
					model.Entry(model.AcctEscrow, "", -m.StakeCents),
					model.Entry(model.AcctUserCash, m.CreatorUserID, m.StakeCents),
				},
				IdempotencyKey: "CANCEL_" + matchID,
			})
			return nil, err
		}
	}

	g, err := game.Lookup(m.Game)
	if err != nil {
		return nil, err
	}
	initial, err := g.Init(m.CreatorUserID, userID, m.Seed)
	if err != nil {
		return nil, err
	}
	st := &model.MatchState{MatchID: matchID, State: initial}
	if err := r.store.AppendMatchState(ctx, st, 0); err != nil && !errors.Is(err, apperr.ErrVersionStale) {
		return nil, err
	}

	if _, err := r.actorFor(ctx, matchID); err != nil {
		return nil, err
	}
	r.log.Info().Str("match_id", matchID).Str("taker", userID).Msg("match joined")
	if r.publish != nil {
		r.publish(matchID, "match_state", st)
	}
	return m, nil
}

// Move applies one game action for userID and returns the new state.
func (r *Registry) Move(ctx context.Context, matchID, userID string, action json.RawMessage) (*model.MatchState, error) {
	a, err := r.actorFor(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return a.Move(ctx, userID, action)
}

// Pause suspends play. Each side gets a fixed number of pauses.
func (r *Registry) Pause(ctx context.Context, matchID, userID string) (*model.MatchState, error) {
	a, err := r.actorFor(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return a.Pause(ctx, userID)
}

// Resume puts a paused match back in play. Either side may resume.
func (r *Registry) Resume(ctx context.Context, matchID, userID string) (*model.MatchState, error) {
	a, err := r.actorFor(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return a.Resume(ctx, userID)
}

// Forfeit concedes the match; the opponent takes the pot.
func (r *Registry) Forfeit(ctx context.Context, matchID, userID string) (*model.Settlement, error) {
	a, err := r.actorFor(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return a.Forfeit(ctx, userID)
}

// State returns the latest recorded state without going through the actor.
func (r *Registry) State(ctx context.Context, matchID string) (*model.MatchState, error) {
	return r.store.LatestMatchState(ctx, matchID)
}

func (r *Registry) actorFor(ctx context.Context, matchID string) (*actor, error) {
	r.mu.RLock()
	a, ok := r.actors[matchID]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[matchID]; ok {
		return a, nil
	}

	m, err := r.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, apperr.ErrGameOver
	}
	if m.Status == model.MatchOpen {
		return nil, apperr.ErrNotBound
	}
	st, err := r.store.LatestMatchState(ctx, matchID)
	if err != nil {
		return nil, err
	}
	g, err := game.Lookup(m.Game)
	if err != nil {
		return nil, err
	}

	a = newActor(r, m, st, g)
	r.actors[matchID] = a
	// Background context: the actor outlives the request that woke it.
	go a.run(context.Background())
	return a, nil
}

func (r *Registry) drop(matchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[matchID]; ok {
		close(a.quit)
		delete(r.actors, matchID)
	}
}

// ── Actor ────────────────────────────────────────────

type actor struct {
	reg   *Registry
	match *model.Match
	state *model.MatchState
	game  game.Game
	cmdCh chan command
	quit  chan struct{}
}

func newActor(reg *Registry, m *model.Match, st *model.MatchState, g game.Game) *actor {
	return &actor{
		reg:   reg,
		match: m,
		state: st,
		game:  g,
		cmdCh: make(chan command, 64),
		quit:  make(chan struct{}),
	}
}

func (a *actor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.quit:
			return
		case cmd := <-a.cmdCh:
			cmd.exec(a)
		}
	}
}

type command interface{ exec(a *actor) }

type stateReply struct {
	st  *model.MatchState
	err error
}

type moveCmd struct {
	ctx    context.Context
	userID string
	action json.RawMessage
	ch     chan<- stateReply
}

type pauseCmd struct {
	ctx    context.Context
	userID string
	resume bool
	ch     chan<- stateReply
}

type forfeitCmd struct {
	ctx    context.Context
	userID string
	ch     chan<- forfeitReply
}

type forfeitReply struct {
	set *model.Settlement
	err error
}

func (c moveCmd) exec(a *actor)    { c.ch <- a.applyMove(c.ctx, c.userID, c.action) }
func (c pauseCmd) exec(a *actor)   { c.ch <- a.applyPause(c.ctx, c.userID, c.resume) }
func (c forfeitCmd) exec(a *actor) { c.ch <- a.applyForfeit(c.ctx, c.userID) }

func (a *actor) send(cmd command) bool {
	select {
	case a.cmdCh <- cmd:
		return true
	case <-a.quit:
		return false
	}
}

func (a *actor) Move(ctx context.Context, userID string, action json.RawMessage) (*model.MatchState, error) {
	ch := make(chan stateReply, 1)
	if !a.send(moveCmd{ctx: ctx, userID: userID, action: action, ch: ch}) {
		return nil, apperr.ErrGameOver
	}
	rep := <-ch
	return rep.st, rep.err
}

func (a *actor) Pause(ctx context.Context, userID string) (*model.MatchState, error) {
	ch := make(chan stateReply, 1)
	if !a.send(pauseCmd{ctx: ctx, userID: userID, ch: ch}) {
		return nil, apperr.ErrGameOver
	}
	rep := <-ch
	return rep.st, rep.err
}

func (a *actor) Resume(ctx context.Context, userID string) (*model.MatchState, error) {
	ch := make(chan stateReply, 1)
	if !a.send(pauseCmd{ctx: ctx, userID: userID, resume: true, ch: ch}) {
		return nil, apperr.ErrGameOver
	}
	rep := <-ch
	return rep.st, rep.err
}

func (a *actor) Forfeit(ctx context.Context, userID string) (*model.Settlement, error) {
	ch := make(chan forfeitReply, 1)
	if !a.send(forfeitCmd{ctx: ctx, userID: userID, ch: ch}) {
		return nil, apperr.ErrGameOver
	}
	rep := <-ch
	return rep.set, rep.err
}

func (a *actor) applyMove(ctx context.Context, userID string, action json.RawMessage) stateReply {
	if !a.match.Bound(userID) {
		return stateReply{err: apperr.ErrNotBound}
	}
	if a.state.Paused {
		return stateReply{err: apperr.ErrWrongState}
	}

	next, outcome, err := a.game.Apply(a.state.State, action, userID)
	if err != nil {
		return stateReply{err: err}
	}

	st := &model.MatchState{
		MatchID: a.match.ID,
		State:   next,
		Pauses:  a.state.Pauses,
	}
	if err := a.reg.store.AppendMatchState(ctx, st, a.state.Version); err != nil {
		if errors.Is(err, apperr.ErrGameOver) {
			// Settled out of band, typically by the reaper: retire.
			go a.reg.drop(a.match.ID)
		}
		return stateReply{err: err}
	}
	a.state = st
	metrics.MovesTotal.WithLabelValues(a.match.Game).Inc()
	if a.reg.publish != nil {
		a.reg.publish(a.match.ID, "match_state", st)
	}

	if outcome != nil {
		result := settle.Result{
			WinnerID:    outcome.Winner,
			Draw:        outcome.Draw,
			DrawWinners: outcome.Tied,
			Reason:      outcome.Reason,
		}
		if _, err := a.reg.settler.Settle(ctx, a.match.ID, result); err != nil {
			return stateReply{st: st, err: err}
		}
		go a.reg.drop(a.match.ID)
	}
	return stateReply{st: st}
}

func (a *actor) applyPause(ctx context.Context, userID string, resume bool) stateReply {
	if !a.match.Bound(userID) {
		return stateReply{err: apperr.ErrNotBound}
	}

	if resume {
		if !a.state.Paused {
			return stateReply{err: apperr.ErrWrongState}
		}
		if err := a.reg.store.UpdateMatchStatus(ctx, a.match.ID, model.MatchPaused, model.MatchLive); err != nil {
			return stateReply{err: err}
		}
		a.match.Status = model.MatchLive
	} else {
		if a.state.Paused {
			return stateReply{err: apperr.ErrWrongState}
		}
		pauses := a.state.Pauses
		used := pauses.Creator
		if userID != a.match.CreatorUserID {
			used = pauses.Taker
		}
		if used >= a.reg.cfg.PauseQuota {
			return stateReply{err: apperr.ErrQuotaExceeded}
		}
		if err := a.reg.store.UpdateMatchStatus(ctx, a.match.ID, model.MatchLive, model.MatchPaused); err != nil {
			return stateReply{err: err}
		}
		a.match.Status = model.MatchPaused
	}

	pauses := a.state.Pauses
	if !resume {
		if userID == a.match.CreatorUserID {
			pauses.Creator++
		} else {
			pauses.Taker++
		}
	}
	st := &model.MatchState{
		MatchID: a.match.ID,
		State:   a.state.State,
		Paused:  !resume,
		Pauses:  pauses,
	}
	if err := a.reg.store.AppendMatchState(ctx, st, a.state.Version); err != nil {
		if errors.Is(err, apperr.ErrGameOver) {
			go a.reg.drop(a.match.ID)
		}
		return stateReply{err: err}
	}
	a.state = st

	msg := "match_paused"
	if resume {
		msg = "match_resumed"
	}
	if a.reg.publish != nil {
		a.reg.publish(a.match.ID, msg, map[string]any{"by": userID, "pauses": pauses})
	}
	return stateReply{st: st}
}

func (a *actor) applyForfeit(ctx context.Context, userID string) forfeitReply {
	if !a.match.Bound(userID) {
		return forfeitReply{err: apperr.ErrNotBound}
	}
	set, err := a.reg.settler.Settle(ctx, a.match.ID, settle.Result{
		ForfeitedBy: userID,
		Reason:      "forfeit",
	})
	if err != nil {
		return forfeitReply{err: err}
	}
	go a.reg.drop(a.match.ID)
	return forfeitReply{set: set}
}
