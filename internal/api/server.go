package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"match-arena/internal/apperr"
	"match-arena/internal/cache"
	"match-arena/internal/config"
	"match-arena/internal/db"
	"match-arena/internal/match"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
	"match-arena/internal/ws"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9_]{3,16}$`)

type Server struct {
	store    db.Store
	registry *match.Registry
	hub      *ws.Hub
	cfg      *config.Config
	secret   []byte
	validate *validator.Validate
	log      zerolog.Logger

	idemCache  *cache.TTL // tier 1 of the idempotency guard
	strongAuth *cache.TTL // userID -> recent password re-entry
}

func NewServer(store db.Store, registry *match.Registry, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{
		store:      store,
		registry:   registry,
		cfg:        cfg,
		secret:     []byte(cfg.JWTSecret),
		validate:   validator.New(),
		log:        log,
		idemCache:  cache.New(cfg.IdemCacheTTL, time.Minute),
		strongAuth: cache.New(cfg.StrongAuthWindow, time.Minute),
	}
}

// SetHub attaches the websocket hub after construction. The hub and the
// server reference each other (token verification one way, /ws routing
// the other), so the hub is bound late.
func (s *Server) SetHub(h *ws.Hub) { s.hub = h }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.json200(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.idempotencyMiddleware)

		r.Get("/api/wallet", s.getWallet)
		r.Get("/api/wallet/transactions", s.listMyTransactions)
		r.Post("/api/wallet/demo-topup", s.demoTopup)

		r.Post("/api/auth/strong", s.strongAuthenticate)

		r.Post("/api/payout-destinations", s.createPayoutDestination)
		r.Get("/api/payout-destinations/{id}", s.getPayoutDestination)
		r.Post("/api/withdrawals", s.requestWithdrawal)
		r.Get("/api/withdrawals/{id}", s.getWithdrawal)

		r.Get("/api/matches", s.listMatches)
		r.Post("/api/matches", s.createMatch)
		r.Get("/api/matches/{id}", s.getMatch)
		r.Get("/api/matches/{id}/state", s.getMatchState)
		r.Get("/api/matches/{id}/history", s.getMatchHistory)
		r.Post("/api/matches/{id}/join", s.joinMatch)
		r.Post("/api/matches/{id}/move", s.moveMatch)
		r.Post("/api/matches/{id}/pause", s.pauseMatch)
		r.Post("/api/matches/{id}/resume", s.resumeMatch)
		r.Post("/api/matches/{id}/forfeit", s.forfeitMatch)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/deposits", s.confirmDeposit)
			r.Post("/api/admin/withdrawals/{id}/approve", s.approveWithdrawal)
			r.Post("/api/admin/withdrawals/{id}/reject", s.rejectWithdrawal)
			r.Post("/api/admin/payout-destinations/{id}/activate", s.activatePayoutDestination)
			r.Get("/api/admin/ledger", s.listLedger)
			r.Get("/api/admin/users", s.listUsers)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErr(w, 400, "invalid_json", "invalid json")
		return
	}
	if !usernameRe.MatchString(req.Username) {
		s.jsonErr(w, 400, "bad_username", "username must be 3-16 chars of a-z, 0-9, _")
		return
	}
	if len(req.Password) < 6 {
		s.jsonErr(w, 400, "bad_password", "password must be at least 6 chars")
		return
	}

	if existing, _ := s.store.GetUserByUsername(r.Context(), req.Username); existing != nil {
		s.jsonErr(w, 409, "username_taken", "username already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.fail(w, err)
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Username, string(hash), model.RoleUser)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.json200(w, map[string]any{"user": user, "token": s.makeToken(user.ID, user.Role)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErr(w, 400, "invalid_json", "invalid json")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		s.jsonErr(w, 401, "bad_credentials", "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.jsonErr(w, 401, "bad_credentials", "invalid credentials")
		return
	}

	s.json200(w, map[string]any{"user": user, "token": s.makeToken(user.ID, user.Role)})
}

// strongAuthenticate re-verifies the password, opening a short window in
// which sensitive operations (withdrawals) are allowed.
func (s *Server) strongAuthenticate(w http.ResponseWriter, r *http.Request) {
	uid := s.userID(r)
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErr(w, 400, "invalid_json", "invalid json")
		return
	}
	user, err := s.store.GetUser(r.Context(), uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.jsonErr(w, 401, "bad_credentials", "invalid credentials")
		return
	}
	s.strongAuth.Set(uid, true)
	s.json200(w, map[string]any{
		"strong_until": time.Now().Add(s.cfg.StrongAuthWindow).UTC(),
	})
}

func (s *Server) hasStrongAuth(uid string) bool {
	_, ok := s.strongAuth.Get(uid)
	return ok
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// VerifyToken resolves a raw JWT to a user id. The WS hub authenticates
// with this.
func (s *Server) VerifyToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", apperr.ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperr.ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", apperr.ErrUnauthorized
	}
	return sub, nil
}

// ── Middleware ───────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			s.jsonErr(w, 401, "missing_token", "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			s.jsonErr(w, 401, "invalid_token", "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.jsonErr(w, 401, "invalid_token", "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			s.jsonErr(w, 403, "admin_only", "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) userID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserID).(string)
	return uid
}

// ── Helpers ──────────────────────────────────────────

func (s *Server) json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonErr(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": errCode, "message": msg})
}

// fail maps an application error onto an HTTP response.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		s.jsonErr(w, apperr.HTTPStatus(ae), ae.Code, ae.Error())
		return
	}
	s.log.Error().Err(err).Msg("internal error")
	s.jsonErr(w, 500, "internal", "internal error")
}
