package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/analytics"
	"github.com/parleyhq/parley/internal/clock"
	"github.com/parleyhq/parley/internal/identity"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/ratelimit"
	"github.com/parleyhq/parley/internal/relay"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// Close codes distinguish handshake failure classes for clients.
const (
	CloseTokenMissing   websocket.StatusCode = 4001
	CloseTokenInvalid   websocket.StatusCode = 4002
	CloseUserUnknown    websocket.StatusCode = 4003
	CloseSessionDenied  websocket.StatusCode = 4004
	CloseOwnershipError websocket.StatusCode = 4005
	CloseServiceFailure websocket.StatusCode = 4006
)

// In-protocol error codes carried by error events.
const (
	codeInvalidJSON  = "INVALID_JSON"
	codeEmptyMessage = "EMPTY_MESSAGE"
	codeProcessing   = "PROCESSING_ERROR"
)

// Config tunes the protocol loop. Zero values select production defaults.
type Config struct {
	IdleTimeout    time.Duration  // read deadline before a timeout warning (default 300s)
	HistoryLimit   int            // prior turns loaded per message (default 50)
	Rule           ratelimit.Rule // per-subject message budget (default 20/60s)
	AllowedOrigins []string       // origin patterns accepted at upgrade
}

// Gateway upgrades chat websocket requests and runs the session protocol
// loop for each accepted connection.
type Gateway struct {
	identity  *identity.Service
	store     store.Store
	relay     *relay.Service
	limiter   *ratelimit.Limiter
	analytics analytics.Recorder
	registry  *Registry
	clk       clock.Clock
	cfg       Config
}

func NewGateway(ident *identity.Service, st store.Store, rly *relay.Service, lim *ratelimit.Limiter, rec analytics.Recorder, reg *Registry, clk clock.Clock, cfg Config) *Gateway {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Rule.Max <= 0 {
		cfg.Rule = ratelimit.Rule{Max: 20, Window: time.Minute}
	}
	return &Gateway{
		identity:  ident,
		store:     st,
		relay:     rly,
		limiter:   lim,
		analytics: rec,
		registry:  reg,
		clk:       clk,
		cfg:       cfg,
	}
}

// ── Event payloads ───────────────────────────────────────────

type connectedData struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

type timeoutData struct {
	Message string `json:"message"`
}

type errorData struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
}

type rateLimitData struct {
	RequestsMade  int `json:"requests_made"`
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
	RetryAfter    int `json:"retry_after"`
}

func errorEvent(message, code string) Event {
	return Event{Type: "error", Data: errorData{Message: message, ErrorCode: code}}
}

// ── Connection ───────────────────────────────────────────────

// client is one accepted websocket connection. Writes are serialized so
// stream chunks and protocol events never interleave mid-frame.
type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *client) Send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, ev)
}

func (c *client) Supersede() {
	c.cancel()
	_ = c.conn.Close(websocket.StatusPolicyViolation, "superseded by newer connection")
}

// chunkSink forwards orchestrator chunks as streaming_response events.
type chunkSink struct{ cl *client }

func (s chunkSink) Send(ctx context.Context, chunk relay.Chunk) error {
	return s.cl.Send(ctx, Event{Type: "streaming_response", Data: chunk})
}

// ── Handshake ────────────────────────────────────────────────

// HandleChat is the GET /ws/chat/{sessionID} endpoint. Authentication is
// in-protocol: the access token arrives as a query parameter and failures
// close the accepted socket with a class-specific code.
func (g *Gateway) HandleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// Streaming connections outlive the server's write timeout; clear
	// the request deadlines before the connection is hijacked.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.AllowedOrigins,
	})
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("Websocket accept failed")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		log.Warn().Str("session", sessionID).Msg("Websocket connection without token")
		_ = conn.Close(CloseTokenMissing, "authentication token required")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	user, err := g.identity.Resolve(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserUnknown):
			log.Warn().Str("session", sessionID).Msg("Websocket user not found or inactive")
			_ = conn.Close(CloseUserUnknown, "user not found or inactive")
		case errors.Is(err, identity.ErrTokenInvalid), errors.Is(err, identity.ErrDisabled):
			log.Warn().Str("session", sessionID).Msg("Websocket token rejected")
			_ = conn.Close(CloseTokenInvalid, "invalid token")
		default:
			log.Error().Err(err).Str("session", sessionID).Msg("Websocket authentication error")
			_ = conn.Close(CloseUserUnknown, "authentication failed")
		}
		return
	}

	sess, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			log.Warn().Str("session", sessionID).Str("user", user.ID).Msg("Websocket session access denied")
			_ = conn.Close(CloseSessionDenied, "session not found or access denied")
		} else {
			log.Error().Err(err).Str("session", sessionID).Msg("Websocket session verification error")
			_ = conn.Close(CloseOwnershipError, "session verification failed")
		}
		return
	}
	if sess.UserID != user.ID || !sess.IsActive {
		log.Warn().Str("session", sessionID).Str("user", user.ID).Msg("Websocket session access denied")
		_ = conn.Close(CloseSessionDenied, "session not found or access denied")
		return
	}

	if !g.relay.Enabled() {
		log.Error().Str("session", sessionID).Msg("Websocket refused: no generation provider configured")
		_ = conn.Close(CloseServiceFailure, "service initialization failed")
		return
	}

	cl := &client{conn: conn, cancel: cancel}
	g.registry.Connect(sessionID, user.ID, cl)
	defer func() {
		g.registry.Disconnect(sessionID, user.ID, cl)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	connected := Event{Type: "connected", Data: connectedData{
		SessionID: sessionID,
		UserID:    user.ID,
		Timestamp: g.clk.Now().UTC().Format(time.RFC3339),
	}}
	if err := cl.Send(ctx, connected); err != nil {
		return
	}

	log.Info().Str("user", user.ID).Str("session", sessionID).Msg("Websocket session started")
	g.serve(ctx, cl, user.ID, sessionID)
}

// ── Protocol loop ────────────────────────────────────────────

// serve reads inbound frames until the peer goes away. A dedicated reader
// goroutine feeds the loop so idle periods can emit a timeout warning
// without disturbing the pending read, and so a dropped peer cancels any
// generation still in flight.
func (g *Gateway) serve(ctx context.Context, cl *client, userID, sessionID string) {
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			_, data, err := cl.conn.Read(ctx)
			if err != nil {
				cl.cancel()
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(g.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(g.cfg.IdleTimeout)

		select {
		case data, ok := <-frames:
			if !ok {
				log.Info().Str("user", userID).Str("session", sessionID).Msg("Websocket closed by peer")
				return
			}
			g.handleFrame(ctx, cl, userID, sessionID, data)
		case <-idle.C:
			// Idle is a nudge, not a failure; the connection stays up.
			_ = cl.Send(ctx, Event{Type: "timeout", Data: timeoutData{
				Message: "Connection timeout - please send a message",
			}})
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, cl *client, userID, sessionID string, data []byte) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		_ = cl.Send(ctx, errorEvent("Invalid JSON format", codeInvalidJSON))
		return
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		_ = cl.Send(ctx, errorEvent("Empty message not allowed", codeEmptyMessage))
		return
	}

	decision := g.limiter.Check(ctx, userID, "websocket", g.cfg.Rule)
	if decision.Err != nil {
		log.Error().Err(decision.Err).Str("user", userID).Msg("Rate limiter error")
	}
	if !decision.Allowed {
		_ = cl.Send(ctx, Event{Type: "rate_limit", Data: rateLimitData{
			RequestsMade:  decision.RequestsMade,
			MaxRequests:   decision.MaxRequests,
			WindowSeconds: decision.WindowSeconds,
			RetryAfter:    decision.RetryAfter,
		}})
		return
	}

	if err := g.process(ctx, cl, userID, sessionID, message); err != nil {
		log.Error().Err(err).Str("user", userID).Str("session", sessionID).Msg("Websocket message processing failed")
		_ = cl.Send(ctx, errorEvent("Failed to process message", codeProcessing))
	}
}

// process streams one generated response back to the peer, then persists
// both turns and records analytics. Persistence and analytics failures
// after a delivered response are logged, never surfaced to the peer.
func (g *Gateway) process(ctx context.Context, cl *client, userID, sessionID, message string) error {
	history, err := g.store.RecentMessages(ctx, sessionID, g.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	start := g.clk.Now()
	text, err := g.relay.Stream(ctx, historyTurns(history), message, chunkSink{cl})
	if err != nil {
		return fmt.Errorf("stream response: %w", err)
	}
	elapsed := g.clk.Since(start).Seconds()

	now := g.clk.Now()
	userMsg := &models.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   message,
		CreatedAt: now,
	}
	if err := g.store.AddMessage(ctx, userMsg); err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("Failed to store user message")
	}
	rt := elapsed
	assistantMsg := &models.ChatMessage{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Role:         models.RoleAssistant,
		Content:      text,
		ResponseTime: &rt,
		CreatedAt:    now,
	}
	if err := g.store.AddMessage(ctx, assistantMsg); err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("Failed to store assistant message")
	}
	if err := g.store.TouchSession(ctx, sessionID, now); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("Failed to touch session")
	}

	g.analytics.Record(ctx, analytics.Turn{
		UserID:       userID,
		SessionID:    sessionID,
		MessageChars: len(message),
		Elapsed:      time.Duration(elapsed * float64(time.Second)),
	})
	return nil
}

// historyTurns maps stored messages into context-builder turns.
func historyTurns(msgs []models.ChatMessage) []prompt.Turn {
	turns := make([]prompt.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, prompt.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}
