// Package ws carries the realtime side of a match: players and spectators
// subscribe to a match room and receive state broadcasts; bound players
// act through the same socket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"match-arena/internal/apperr"
	"match-arena/internal/db"
	"match-arena/internal/match"
	"match-arena/internal/metrics"
	"match-arena/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AuthFunc resolves a bearer token to a user id.
type AuthFunc func(token string) (userID string, err error)

// Msg is a message sent to clients.
type Msg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Data    any    `json:"data"`
}

// envelope is what clients send.
type envelope struct {
	Action  string          `json:"action"` // join|spectate|leave|move|pause|resume|forfeit
	MatchID string          `json:"match_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"` // echoed back on the ack
}

// Hub manages per-match WebSocket subscriptions.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // matchID -> set of conns
	allConn map[*conn]bool

	store    db.Store
	registry *match.Registry
	auth     AuthFunc
	log      zerolog.Logger
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
	match  string
}

func NewHub(store db.Store, registry *match.Registry, auth AuthFunc, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*conn]bool),
		allConn:  make(map[*conn]bool),
		store:    store,
		registry: registry,
		auth:     auth,
		log:      log,
	}
}

// Publish sends a message to all subscribers of a match room.
func (h *Hub) Publish(matchID, msgType string, data any) {
	msg := Msg{Type: msgType, MatchID: matchID, Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	room := h.rooms[matchID]
	h.mu.RUnlock()
	for c := range room {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// HandleWS upgrades the connection. Auth comes from the token query
// parameter; an unauthenticated socket never gets upgraded.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &conn{
		ws:     wsConn,
		send:   make(chan []byte, 64),
		hub:    h,
		userID: userID,
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
		metrics.WebSocketClients.Dec()
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendErr("", "bad_envelope", "could not parse message")
			continue
		}
		c.dispatch(env)
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (c *conn) dispatch(env envelope) {
	ctx := context.Background()
	h := c.hub

	switch env.Action {
	case "join", "spectate":
		m, err := h.store.GetMatch(ctx, env.MatchID)
		if err != nil {
			c.sendErr(env.Ref, apperr.CodeOf(err), "match not found")
			return
		}
		spectator := !m.Bound(c.userID)
		if spectator && !m.AllowSpectators {
			c.sendErr(env.Ref, "spectators_disabled", "this match is private")
			return
		}
		h.subscribe(c, env.MatchID)
		c.ack(env.Ref, map[string]any{"match": m, "spectator": spectator})
		if st, err := h.registry.State(ctx, env.MatchID); err == nil {
			c.push("match_state", env.MatchID, st)
		}
		h.Publish(env.MatchID, "presence_join", map[string]any{
			"user_id": c.userID, "spectator": spectator,
		})

	case "leave":
		h.unsubscribe(c, env.MatchID)
		c.ack(env.Ref, nil)

	case "move":
		st, err := h.registry.Move(ctx, env.MatchID, c.userID, env.Payload)
		c.reply(env.Ref, st, err)

	case "pause":
		st, err := h.registry.Pause(ctx, env.MatchID, c.userID)
		c.reply(env.Ref, st, err)

	case "resume":
		st, err := h.registry.Resume(ctx, env.MatchID, c.userID)
		c.reply(env.Ref, st, err)

	case "forfeit":
		set, err := h.registry.Forfeit(ctx, env.MatchID, c.userID)
		if err != nil {
			c.sendErr(env.Ref, apperr.CodeOf(err), err.Error())
			return
		}
		c.ack(env.Ref, set)

	default:
		c.sendErr(env.Ref, "unknown_action", "unsupported action "+env.Action)
	}
}

func (c *conn) reply(ref string, st *model.MatchState, err error) {
	if err != nil {
		c.sendErr(ref, apperr.CodeOf(err), err.Error())
		return
	}
	c.ack(ref, st)
}

func (c *conn) ack(ref string, data any) {
	b, err := json.Marshal(map[string]any{"type": "ack", "ref": ref, "data": data})
	if err != nil {
		return
	}
	c.trySend(b)
}

func (c *conn) push(msgType, matchID string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, MatchID: matchID, Data: data})
	if err != nil {
		return
	}
	c.trySend(b)
}

func (c *conn) sendErr(ref, code, msg string) {
	b, jerr := json.Marshal(map[string]any{"type": "error", "ref": ref, "code": code, "message": msg})
	if jerr != nil {
		return
	}
	c.trySend(b)
}

func (c *conn) trySend(b []byte) {
	select {
	case c.send <- b:
	default:
	}
}

func (h *Hub) subscribe(c *conn, matchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.match != "" {
		if room, ok := h.rooms[c.match]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, c.match)
			}
		}
	}
	c.match = matchID
	room, ok := h.rooms[matchID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[matchID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, matchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[matchID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, matchID)
		}
	}
	if c.match == matchID {
		c.match = ""
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	if c.match != "" {
		if room, ok := h.rooms[c.match]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, c.match)
			}
		}
	}
	close(c.send)
}
