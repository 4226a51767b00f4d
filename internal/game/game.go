// Package game holds the pluggable rules engines. Engines are pure: state
// in, action in, state out. The match registry owns persistence, turn
// ordering across sockets, and settlement; an engine only decides legality
// and terminal outcomes.
package game

import (
	"encoding/json"
	"fmt"
)

// Outcome is reported once by Apply when a move ends the game.
type Outcome struct {
	Winner string   `json:"winner,omitempty"` // user id; empty on draw
	Draw   bool     `json:"draw,omitempty"`
	Reason string   `json:"reason"`
	Tied   []string `json:"tied,omitempty"` // user ids sharing a drawn result
}

type Game interface {
	Name() string

	// Init returns the version-1 state for a freshly bound match. seed
	// feeds any randomized setup; deterministic games ignore it.
	Init(creatorID, takerID string, seed int64) (json.RawMessage, error)

	// Apply validates and applies one action by actingUserID. It returns
	// the next state and, when the action ends the game, a non-nil
	// Outcome. Errors: apperr.ErrGameOver, apperr.ErrNotYourTurn,
	// apperr.ErrIllegalMove.
	Apply(state, action json.RawMessage, actingUserID string) (json.RawMessage, *Outcome, error)
}

var registry = map[string]Game{}

func register(g Game) { registry[g.Name()] = g }

// Lookup returns the engine for name, or an error naming the unknown game.
func Lookup(name string) (Game, error) {
	g, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown game %q", name)
	}
	return g, nil
}

// Names lists the registered games.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	return out
}
