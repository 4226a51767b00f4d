package game

import (
	"encoding/json"

	"match-arena/internal/apperr"
)

// Checkers: 8x8 board, twelve pieces a side, forced captures, multi-jumps
// and kings. The creator plays red and moves first.
func init() { register(Checkers{}) }

type Checkers struct{}

func (Checkers) Name() string { return "checkers" }

type checkersPiece struct {
	Side string `json:"side"` // "R" or "B"
	King bool   `json:"king"`
}

type checkersState struct {
	Board   [8][8]*checkersPiece `json:"board"`
	Turn    string               `json:"turn"`
	Creator string               `json:"creator"` // red
	Taker   string               `json:"taker"`   // black
	History []checkersAction     `json:"history"`
	Done    bool                 `json:"done"`
}

type checkersAction struct {
	From [2]int `json:"from"`
	To   [2]int `json:"to"`
}

type checkersMove struct {
	from, to [2]int
	capture  *[2]int
}

func (Checkers) Init(creatorID, takerID string, _ int64) (json.RawMessage, error) {
	st := checkersState{Turn: "R", Creator: creatorID, Taker: takerID}
	for r := 0; r < 8; r++ {
		for c := 0; c < 8; c++ {
			if (r+c)%2 != 1 {
				continue
			}
			if r < 3 {
				st.Board[r][c] = &checkersPiece{Side: "B"}
			} else if r > 4 {
				st.Board[r][c] = &checkersPiece{Side: "R"}
			}
		}
	}
	return json.Marshal(st)
}

func inBounds(r, c int) bool { return r >= 0 && r < 8 && c >= 0 && c < 8 }

var checkersDirs = map[string][][2]int{
	"R": {{-1, -1}, {-1, 1}},
	"B": {{1, -1}, {1, 1}},
}

// legalMoves returns captures only when any capture exists (forced rule).
func legalMoves(st *checkersState, side string) []checkersMove {
	var moves []checkersMove
	for r := 0; r < 8; r++ {
		for c := 0; c < 8; c++ {
			p := st.Board[r][c]
			if p == nil || p.Side != side {
				continue
			}
			dirs := checkersDirs[side]
			if p.King {
				dirs = append(checkersDirs["R"], checkersDirs["B"]...)
			}
			for _, d := range dirs {
				nr, nc := r+d[0], c+d[1]
				if inBounds(nr, nc) && st.Board[nr][nc] == nil {
					moves = append(moves, checkersMove{from: [2]int{r, c}, to: [2]int{nr, nc}})
				}
				jr, jc := r+d[0]*2, c+d[1]*2
				if inBounds(jr, jc) && st.Board[jr][jc] == nil &&
					st.Board[nr][nc] != nil && st.Board[nr][nc].Side != side {
					capt := [2]int{nr, nc}
					moves = append(moves, checkersMove{from: [2]int{r, c}, to: [2]int{jr, jc}, capture: &capt})
				}
			}
		}
	}
	var captures []checkersMove
	for _, m := range moves {
		if m.capture != nil {
			captures = append(captures, m)
		}
	}
	if len(captures) > 0 {
		return captures
	}
	return moves
}

func (Checkers) Apply(state, action json.RawMessage, actingUserID string) (json.RawMessage, *Outcome, error) {
	var st checkersState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, nil, err
	}
	if st.Done {
		return nil, nil, apperr.ErrGameOver
	}

	role := ""
	switch actingUserID {
	case st.Creator:
		role = "R"
	case st.Taker:
		role = "B"
	}
	if role != st.Turn {
		return nil, nil, apperr.ErrNotYourTurn
	}

	var act checkersAction
	if err := json.Unmarshal(action, &act); err != nil {
		return nil, nil, apperr.ErrIllegalMove
	}
	var found *checkersMove
	for _, m := range legalMoves(&st, role) {
		if m.from == act.From && m.to == act.To {
			mm := m
			found = &mm
			break
		}
	}
	if found == nil {
		return nil, nil, apperr.ErrIllegalMove
	}

	piece := st.Board[act.From[0]][act.From[1]]
	st.Board[act.From[0]][act.From[1]] = nil
	st.Board[act.To[0]][act.To[1]] = piece

	side := role
	opp := "B"
	if side == "B" {
		opp = "R"
	}

	if found.capture != nil {
		st.Board[found.capture[0]][found.capture[1]] = nil
		// Same side continues while the landed piece has another jump.
		more := false
		for _, m := range legalMoves(&st, side) {
			if m.capture != nil && m.from == act.To {
				more = true
				break
			}
		}
		if more {
			st.Turn = side
		} else {
			st.Turn = opp
		}
	} else {
		st.Turn = opp
	}

	if piece.Side == "R" && act.To[0] == 0 {
		piece.King = true
	}
	if piece.Side == "B" && act.To[0] == 7 {
		piece.King = true
	}

	var outcome *Outcome
	oppPieces := 0
	for r := 0; r < 8; r++ {
		for c := 0; c < 8; c++ {
			if p := st.Board[r][c]; p != nil && p.Side == opp {
				oppPieces++
			}
		}
	}
	if oppPieces == 0 || len(legalMoves(&st, opp)) == 0 {
		st.Done = true
		outcome = &Outcome{Winner: actingUserID, Reason: "no_moves"}
	}

	st.History = append(st.History, act)
	next, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}
	return next, outcome, nil
}
