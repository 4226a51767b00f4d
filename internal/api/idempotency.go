package api

import (
	"bytes"
	"errors"
	"net/http"

	"match-arena/internal/apperr"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
)

// idempotencyMiddleware replays the recorded response for a retried
// mutating request. The key scope is (key, method, path, caller): the
// same key on a different route or by a different user is a different
// request. Lookup hits the in-process cache first, then the store, so
// replays survive a restart.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		uid := s.userID(r)
		cacheKey := key + "|" + r.Method + "|" + r.URL.Path + "|" + uid

		if v, ok := s.idemCache.Get(cacheKey); ok {
			metrics.IdempotentHits.WithLabelValues("memory").Inc()
			s.replay(w, v.(*model.IdempotentResponse))
			return
		}
		if rec, err := s.store.GetIdempotentResponse(r.Context(), key, r.Method, r.URL.Path, uid); err == nil {
			metrics.IdempotentHits.WithLabelValues("store").Inc()
			s.idemCache.Set(cacheKey, rec)
			s.replay(w, rec)
			return
		} else if !errors.Is(err, apperr.ErrNotFound) {
			s.fail(w, err)
			return
		}

		rw := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		// Server faults are not recorded so the client may retry them.
		if rw.status >= 500 {
			return
		}
		rec := &model.IdempotentResponse{
			Key:        key,
			Method:     r.Method,
			Path:       r.URL.Path,
			UserID:     uid,
			StatusCode: rw.status,
			Body:       rw.body.Bytes(),
		}
		if err := s.store.PutIdempotentResponse(r.Context(), rec); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("idempotency record failed")
			return
		}
		s.idemCache.Set(cacheKey, rec)
	})
}

func (s *Server) replay(w http.ResponseWriter, rec *model.IdempotentResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}

// recordingWriter tees the response so it can be replayed later.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}
