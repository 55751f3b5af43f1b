// Package ws carries the realtime chat surface: the connection registry
// and the websocket gateway running the per-session protocol loop.
package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Event is one outbound protocol frame: a type tag plus a type-specific
// payload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handle is the registry's view of one live connection.
type Handle interface {
	// Send delivers one event to the peer.
	Send(ctx context.Context, ev Event) error

	// Supersede shuts a connection down after a newer one has taken over
	// its registry slot.
	Supersede()
}

// Registry tracks live connections by session and subject. One subject
// holds at most one connection per session; a reconnect evicts the
// previous one.
type Registry struct {
	mu    sync.Mutex
	conns map[string]map[string]Handle // session ID → subject ID → handle
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]Handle)}
}

// Connect registers h for the session/subject pair. A previously
// registered handle is superseded so no stale connection stays reachable.
func (r *Registry) Connect(sessionID, subjectID string, h Handle) {
	r.mu.Lock()
	bySubject, ok := r.conns[sessionID]
	if !ok {
		bySubject = make(map[string]Handle)
		r.conns[sessionID] = bySubject
	}
	prev := bySubject[subjectID]
	bySubject[subjectID] = h
	r.mu.Unlock()

	if prev != nil {
		log.Info().Str("session", sessionID).Str("user", subjectID).Msg("Websocket connection superseded")
		prev.Supersede()
	}
	log.Info().Str("session", sessionID).Str("user", subjectID).Msg("Websocket connected")
}

// Disconnect removes the mapping, but only while h is still the
// registered handle; a superseded loop cannot evict its successor.
func (r *Registry) Disconnect(sessionID, subjectID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bySubject, ok := r.conns[sessionID]
	if !ok || bySubject[subjectID] != h {
		return
	}
	delete(bySubject, subjectID)
	if len(bySubject) == 0 {
		delete(r.conns, sessionID)
	}
	log.Info().Str("session", sessionID).Str("user", subjectID).Msg("Websocket disconnected")
}

// Send delivers an event to the registered connection, best-effort.
// Unknown targets and delivery failures are logged, never returned.
func (r *Registry) Send(ctx context.Context, sessionID, subjectID string, ev Event) {
	r.mu.Lock()
	var h Handle
	if bySubject, ok := r.conns[sessionID]; ok {
		h = bySubject[subjectID]
	}
	r.mu.Unlock()

	if h == nil {
		log.Warn().Str("session", sessionID).Str("user", subjectID).Str("event", ev.Type).Msg("No websocket connection for event")
		return
	}
	if err := h.Send(ctx, ev); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Str("user", subjectID).Str("event", ev.Type).Msg("Websocket event delivery failed")
	}
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, bySubject := range r.conns {
		n += len(bySubject)
	}
	return n
}
