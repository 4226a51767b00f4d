package game

import (
	"encoding/json"

	"match-arena/internal/apperr"
)

// Archery: two players alternate rounds of three arrows each, 0 to 10
// points per arrow; highest total after five rounds wins.
const (
	archeryRounds   = 5
	arrowsPerRound  = 3
	archeryBullsEye = 10
)

func init() { register(Archery{}) }

type Archery struct{}

func (Archery) Name() string { return "archery" }

type archeryShot struct {
	By    string `json:"by"`
	Round int    `json:"round"`
	Arrow int    `json:"arrow"`
	Score int    `json:"score"`
}

type archeryState struct {
	Players    []string         `json:"players"` // creator first
	RoundIndex int              `json:"round_index"`
	ArrowIndex int              `json:"arrow_index"`
	TurnIndex  int              `json:"turn_index"`
	Totals     map[string]int   `json:"totals"`
	Rounds     map[string][]int `json:"rounds"` // flat arrow scores per player
	History    []archeryShot    `json:"history"`
	Done       bool             `json:"done"`
}

type archeryAction struct {
	Score int `json:"score"`
}

func (Archery) Init(creatorID, takerID string, _ int64) (json.RawMessage, error) {
	st := archeryState{
		Players: []string{creatorID, takerID},
		Totals:  map[string]int{creatorID: 0, takerID: 0},
		Rounds:  map[string][]int{creatorID: {}, takerID: {}},
	}
	return json.Marshal(st)
}

func (Archery) Apply(state, action json.RawMessage, actingUserID string) (json.RawMessage, *Outcome, error) {
	var st archeryState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, nil, err
	}
	if st.Done {
		return nil, nil, apperr.ErrGameOver
	}
	if st.Players[st.TurnIndex] != actingUserID {
		return nil, nil, apperr.ErrNotYourTurn
	}
	var act archeryAction
	if err := json.Unmarshal(action, &act); err != nil {
		return nil, nil, apperr.ErrIllegalMove
	}
	if act.Score < 0 || act.Score > archeryBullsEye {
		return nil, nil, apperr.ErrIllegalMove
	}

	st.Rounds[actingUserID] = append(st.Rounds[actingUserID], act.Score)
	st.Totals[actingUserID] += act.Score
	st.History = append(st.History, archeryShot{
		By: actingUserID, Round: st.RoundIndex, Arrow: st.ArrowIndex, Score: act.Score,
	})

	st.ArrowIndex++
	if st.ArrowIndex >= arrowsPerRound {
		st.ArrowIndex = 0
		st.TurnIndex = (st.TurnIndex + 1) % len(st.Players)
		if st.TurnIndex == 0 {
			st.RoundIndex++
		}
	}

	var outcome *Outcome
	if st.RoundIndex >= archeryRounds {
		st.Done = true
		outcome = archeryWinner(&st)
	}

	next, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}
	return next, outcome, nil
}

func archeryWinner(st *archeryState) *Outcome {
	best := -1
	var leaders []string
	for _, p := range st.Players {
		switch t := st.Totals[p]; {
		case t > best:
			best = t
			leaders = []string{p}
		case t == best:
			leaders = append(leaders, p)
		}
	}
	if len(leaders) == 1 {
		return &Outcome{Winner: leaders[0], Reason: "highest_score"}
	}
	return &Outcome{Draw: true, Tied: leaders, Reason: "tie"}
}
