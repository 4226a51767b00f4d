package game

import (
	"encoding/json"

	"match-arena/internal/apperr"
)

// Pool is a lite 8-ball ruleset: clients report which balls a shot
// pocketed and whether it fouled; the engine owns group assignment, turn
// retention and the 8-ball win/loss rule. No physics.
func init() { register(Pool{}) }

type Pool struct{}

func (Pool) Name() string { return "pool" }

var (
	poolSolids  = []int{1, 2, 3, 4, 5, 6, 7}
	poolStripes = []int{9, 10, 11, 12, 13, 14, 15}
)

type poolShot struct {
	By       string `json:"by"`
	Pocketed []int  `json:"pocketed"`
	Foul     bool   `json:"foul"`
}

type poolState struct {
	Creator     string            `json:"creator"` // role A
	Taker       string            `json:"taker"`   // role B
	Turn        string            `json:"turn"`    // "A" or "B"
	Pocketed    []int             `json:"pocketed"`
	Assignments map[string]string `json:"assignments"` // role -> "solids"|"stripes"
	History     []poolShot        `json:"history"`
	Done        bool              `json:"done"`
}

type poolAction struct {
	Pocketed []int `json:"pocketed"`
	Foul     bool  `json:"foul"`
}

func (Pool) Init(creatorID, takerID string, _ int64) (json.RawMessage, error) {
	st := poolState{
		Creator:     creatorID,
		Taker:       takerID,
		Turn:        "A",
		Assignments: map[string]string{},
	}
	return json.Marshal(st)
}

func (st *poolState) group(name string) []int {
	if name == "solids" {
		return poolSolids
	}
	if name == "stripes" {
		return poolStripes
	}
	return nil
}

func (st *poolState) isPocketed(b int) bool {
	for _, p := range st.Pocketed {
		if p == b {
			return true
		}
	}
	return false
}

func (st *poolState) remaining(group string) int {
	n := 0
	for _, b := range st.group(group) {
		if !st.isPocketed(b) {
			n++
		}
	}
	return n
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (Pool) Apply(state, action json.RawMessage, actingUserID string) (json.RawMessage, *Outcome, error) {
	var st poolState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, nil, err
	}
	if st.Done {
		return nil, nil, apperr.ErrGameOver
	}

	role, oppRole, oppID := "", "", ""
	switch actingUserID {
	case st.Creator:
		role, oppRole, oppID = "A", "B", st.Taker
	case st.Taker:
		role, oppRole, oppID = "B", "A", st.Creator
	}
	if role != st.Turn {
		return nil, nil, apperr.ErrNotYourTurn
	}

	var act poolAction
	if err := json.Unmarshal(action, &act); err != nil {
		return nil, nil, apperr.ErrIllegalMove
	}
	for _, b := range act.Pocketed {
		if b < 1 || b > 15 || st.isPocketed(b) {
			return nil, nil, apperr.ErrIllegalMove
		}
	}

	for _, b := range act.Pocketed {
		st.Pocketed = append(st.Pocketed, b)
	}

	// First legal pot fixes the groups.
	if len(st.Assignments) == 0 {
		for _, b := range act.Pocketed {
			if contains(poolSolids, b) {
				st.Assignments[role] = "solids"
				st.Assignments[oppRole] = "stripes"
				break
			}
			if contains(poolStripes, b) {
				st.Assignments[role] = "stripes"
				st.Assignments[oppRole] = "solids"
				break
			}
		}
	}
	myGroup := st.Assignments[role]

	var outcome *Outcome
	if contains(act.Pocketed, 8) {
		if myGroup != "" && st.remaining(myGroup) == 0 && !act.Foul {
			outcome = &Outcome{Winner: actingUserID, Reason: "8ball_pocketed"}
		} else {
			outcome = &Outcome{Winner: oppID, Reason: "early_8ball"}
		}
		st.Done = true
	}

	if !st.Done {
		keep := false
		if !act.Foul && myGroup != "" {
			for _, b := range act.Pocketed {
				if contains(st.group(myGroup), b) {
					keep = true
					break
				}
			}
		}
		if !keep {
			st.Turn = oppRole
		}
	}

	st.History = append(st.History, poolShot{By: actingUserID, Pocketed: act.Pocketed, Foul: act.Foul})
	next, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}
	return next, outcome, nil
}
