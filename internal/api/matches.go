package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"match-arena/internal/model"
)

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	status := model.MatchStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.MatchOpen
	}
	matches, err := s.store.ListMatchesByStatus(r.Context(), status, 100)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, matches)
}

func (s *Server) createMatch(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMatchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErr(w, 400, "invalid_json", "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.jsonErr(w, 400, "validation", err.Error())
		return
	}
	m, err := s.registry.Create(r.Context(), s.userID(r), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, m)
}

func (s *Server) getMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, m)
}

func (s *Server) getMatchState(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.State(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, st)
}

func (s *Server) getMatchHistory(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListMatchStates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, states)
}

func (s *Server) joinMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Join(r.Context(), chi.URLParam(r, "id"), s.userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, m)
}

func (s *Server) moveMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action json.RawMessage `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErr(w, 400, "invalid_json", "invalid json")
		return
	}
	st, err := s.registry.Move(r.Context(), chi.URLParam(r, "id"), s.userID(r), req.Action)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, st)
}

func (s *Server) pauseMatch(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Pause(r.Context(), chi.URLParam(r, "id"), s.userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, st)
}

func (s *Server) resumeMatch(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Resume(r.Context(), chi.URLParam(r, "id"), s.userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, st)
}

func (s *Server) forfeitMatch(w http.ResponseWriter, r *http.Request) {
	set, err := s.registry.Forfeit(r.Context(), chi.URLParam(r, "id"), s.userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json200(w, set)
}
