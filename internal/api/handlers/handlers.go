// Package handlers implements the HTTP handlers for the Parley REST API:
// account registration and login, the synchronous chat endpoint, session
// management, and analytics snapshots. Streaming chat lives in internal/ws;
// only the REST surface is here.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/analytics"
	"github.com/parleyhq/parley/internal/api/middleware"
	"github.com/parleyhq/parley/internal/clock"
	"github.com/parleyhq/parley/internal/identity"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/ratelimit"
	"github.com/parleyhq/parley/internal/relay"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/ws"
	"github.com/parleyhq/parley/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Rate rules applied by the REST endpoints. Registration and login key by
// username so attackers cannot burn a victim's chat budget pre-auth.
var (
	chatRule     = ratelimit.Rule{Max: 30, Window: time.Minute}
	registerRule = ratelimit.Rule{Max: 3, Window: time.Hour}
	loginRule    = ratelimit.Rule{Max: 5, Window: 5 * time.Minute}
)

// maxMessageLength caps a single inbound chat message.
const maxMessageLength = 4000

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Relay     *relay.Service
	Limiter   *ratelimit.Limiter
	Identity  *identity.Service
	Analytics *analytics.Service
	Registry  *ws.Registry
	Clock     clock.Clock

	// Version is reported by GET /version.
	Version string

	// HistoryLimit bounds how many prior turns feed a generation call.
	HistoryLimit int
}

// New creates a new Handlers instance with all dependencies.
func New(st store.Store, rly *relay.Service, lim *ratelimit.Limiter, ident *identity.Service, an *analytics.Service, reg *ws.Registry, clk clock.Clock, version string) *Handlers {
	return &Handlers{
		Store:        st,
		Relay:        rly,
		Limiter:      lim,
		Identity:     ident,
		Analytics:    an,
		Registry:     reg,
		Clock:        clk,
		Version:      version,
		HistoryLimit: 50,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Auth Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	if !h.Identity.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "Authentication is not configured")
		return
	}

	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateRegistration(req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	decision := h.Limiter.Check(r.Context(), req.Username, "register", registerRule)
	if decision.Err != nil {
		log.Error().Err(decision.Err).Str("username", req.Username).Msg("Rate limiter error")
	}
	if !decision.Allowed {
		log.Warn().Str("username", req.Username).Msg("Registration rate limit exceeded")
		respondError(w, http.StatusTooManyRequests,
			fmt.Sprintf("Too many registration attempts. Try again in %d seconds", decision.RetryAfter))
		return
	}

	if _, err := h.Store.GetUserByUsername(r.Context(), req.Username); err == nil {
		respondError(w, http.StatusBadRequest, "Username already registered")
		return
	} else if _, ok := err.(*store.ErrNotFound); !ok {
		log.Error().Err(err).Str("username", req.Username).Msg("User lookup failed")
		respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	if _, err := h.Store.GetUserByEmail(r.Context(), req.Email); err == nil {
		respondError(w, http.StatusBadRequest, "Email already registered")
		return
	} else if _, ok := err.(*store.ErrNotFound); !ok {
		log.Error().Err(err).Str("username", req.Username).Msg("User lookup failed")
		respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	hashed, err := identity.HashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Msg("Password hashing failed")
		respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	user := &models.User{
		ID:             uuid.New().String(),
		Username:       req.Username,
		Email:          req.Email,
		HashedPassword: hashed,
		IsActive:       true,
		CreatedAt:      h.Clock.Now().UTC(),
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("Registration failed")
		respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	log.Info().Str("username", user.Username).Str("user_id", user.ID).Msg("User registered")
	respondJSON(w, http.StatusCreated, user)
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if !h.Identity.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "Authentication is not configured")
		return
	}

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	decision := h.Limiter.Check(r.Context(), req.Username, "login", loginRule)
	if decision.Err != nil {
		log.Error().Err(decision.Err).Str("username", req.Username).Msg("Rate limiter error")
	}
	if !decision.Allowed {
		log.Warn().Str("username", req.Username).Msg("Login rate limit exceeded")
		respondError(w, http.StatusTooManyRequests,
			fmt.Sprintf("Too many login attempts. Try again in %d seconds", decision.RetryAfter))
		return
	}

	user, err := h.Store.GetUserByUsername(r.Context(), req.Username)
	if err != nil || !user.IsActive || !identity.VerifyPassword(user.HashedPassword, req.Password) {
		log.Warn().Str("username", req.Username).Msg("Failed login attempt")
		w.Header().Set("WWW-Authenticate", "Bearer")
		respondError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	if err := h.Store.UpdateLastLogin(r.Context(), user.ID, h.Clock.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to stamp last login")
	}

	token, err := h.Identity.Mint(user.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Token mint failed")
		respondError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	log.Info().Str("username", user.Username).Str("user_id", user.ID).Msg("User logged in")
	respondJSON(w, http.StatusOK, models.Token{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.Identity.TTL().Seconds()),
	})
}

func validateRegistration(req models.RegisterRequest) string {
	if len(req.Username) < 3 || len(req.Username) > 50 || !usernamePattern.MatchString(req.Username) {
		return "Username must be 3-50 characters of letters, digits, or underscores"
	}
	if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		return "Invalid email address"
	}
	if len(req.Password) < 8 || len(req.Password) > 100 {
		return "Password must be 8-100 characters"
	}
	return ""
}

// ══════════════════════════════════════════════════════════════
// ── Chat Handler ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	if user == nil {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "Message cannot be empty")
		return
	}
	if len(req.Message) > maxMessageLength {
		respondError(w, http.StatusBadRequest, "Message exceeds maximum length")
		return
	}

	// Limiter trouble fails open: an outage there must never take down the
	// serving path.
	decision := h.Limiter.Check(r.Context(), user.ID, "chat", chatRule)
	if decision.Err != nil {
		log.Error().Err(decision.Err).Str("user_id", user.ID).Msg("Rate limiter error")
	}
	if !decision.Allowed {
		log.Warn().Str("user_id", user.ID).Msg("Chat rate limit exceeded")
		respondJSON(w, http.StatusTooManyRequests, limitInfo(decision))
		return
	}

	var sessionID string
	if req.SessionID == "" {
		session, err := h.createSession(r.Context(), user)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID).Msg("Session create failed")
			respondError(w, http.StatusInternalServerError, "Failed to create session")
			return
		}
		sessionID = session.ID
	} else {
		sessionID = req.SessionID
		if !h.ownsSession(r.Context(), sessionID, user.ID) {
			log.Warn().Str("session_id", sessionID).Str("user_id", user.ID).Msg("Session access denied")
			respondError(w, http.StatusNotFound, "Session not found or access denied")
			return
		}
	}

	history, err := h.Store.RecentMessages(r.Context(), sessionID, h.HistoryLimit)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load history")
		respondError(w, http.StatusInternalServerError, "Internal server error occurred")
		return
	}

	reply, elapsed, err := h.Relay.Generate(r.Context(), historyTurns(history), req.Message)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Generation failed")
		respondError(w, http.StatusServiceUnavailable, "AI service temporarily unavailable")
		return
	}

	// The reply is committed to the client from here on; storage or
	// analytics trouble is logged, never surfaced.
	now := h.Clock.Now().UTC()
	userMsg := &models.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   req.Message,
		CreatedAt: now,
	}
	assistantMsg := &models.ChatMessage{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Role:         models.RoleAssistant,
		Content:      reply,
		ResponseTime: &elapsed,
		CreatedAt:    now,
	}
	if err := h.Store.AddMessage(r.Context(), userMsg); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to store user message")
	} else if err := h.Store.AddMessage(r.Context(), assistantMsg); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to store assistant message")
	}
	if err := h.Store.TouchSession(r.Context(), sessionID, now); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to touch session")
	}

	h.Analytics.Record(r.Context(), analytics.Turn{
		UserID:       user.ID,
		SessionID:    sessionID,
		MessageChars: len(req.Message),
		Elapsed:      time.Duration(elapsed * float64(time.Second)),
	})

	respondJSON(w, http.StatusOK, models.ChatResponse{
		Response:     reply,
		SessionID:    sessionID,
		MessageID:    assistantMsg.ID,
		ResponseTime: elapsed,
		Timestamp:    now,
	})
}

func (h *Handlers) createSession(ctx context.Context, user *models.User) (*models.ChatSession, error) {
	now := h.Clock.Now().UTC()
	session := &models.ChatSession{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Title:     "Chat " + now.Format("2006-01-02 15:04"),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", session.ID).Str("user_id", user.ID).Msg("Session created")
	return session, nil
}

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	if user == nil {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	size := clampInt(queryInt(r, "size", 20), 1, 100)

	sessions, total, err := h.Store.ListSessions(r.Context(), user.ID, page, size)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Session listing failed")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}

	respondJSON(w, http.StatusOK, models.SessionPage{
		Sessions: sessions,
		Total:    total,
		Page:     page,
		PageSize: size,
		HasMore:  page*size < total,
	})
}

func (h *Handlers) SessionMessages(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	if user == nil {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	limit := clampInt(queryInt(r, "limit", 50), 1, 100)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	if !h.ownsSession(r.Context(), sessionID, user.ID) {
		log.Warn().Str("session_id", sessionID).Str("user_id", user.ID).Msg("Session access denied")
		respondError(w, http.StatusNotFound, "Session not found or access denied")
		return
	}

	messages, total, err := h.Store.ListMessages(r.Context(), sessionID, limit, offset)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Message listing failed")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve messages")
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}

	respondJSON(w, http.StatusOK, models.MessagePage{
		Messages:  messages,
		SessionID: sessionID,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	if user == nil {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if !h.ownsSession(r.Context(), sessionID, user.ID) {
		log.Warn().Str("session_id", sessionID).Str("user_id", user.ID).Msg("Session not found for deletion")
		respondError(w, http.StatusNotFound, "Session not found or access denied")
		return
	}

	if err := h.Store.DeactivateSession(r.Context(), sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Session delete failed")
		respondError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}

	log.Info().Str("session_id", sessionID).Str("user_id", user.ID).Msg("Session deleted")
	respondJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully"})
}

// ownsSession reports whether the session exists, is active, and belongs to
// the user. Lookup failures other than not-found are logged and treated as
// not owned.
func (h *Handlers) ownsSession(ctx context.Context, sessionID, userID string) bool {
	session, err := h.Store.GetSession(ctx, sessionID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Session lookup failed")
		}
		return false
	}
	return session.UserID == userID && session.IsActive
}

// ══════════════════════════════════════════════════════════════
// ── Stats Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) DailyStats(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	if user == nil {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.Clock.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid date format, expected YYYY-MM-DD")
		return
	}

	respondJSON(w, http.StatusOK, h.Analytics.DailyStats(date))
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// rateLimitInfo mirrors the limiter's decision in 429 responses.
type rateLimitInfo struct {
	RequestsMade  int `json:"requests_made"`
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
	RetryAfter    int `json:"retry_after"`
}

func limitInfo(d ratelimit.Decision) rateLimitInfo {
	return rateLimitInfo{
		RequestsMade:  d.RequestsMade,
		MaxRequests:   d.MaxRequests,
		WindowSeconds: d.WindowSeconds,
		RetryAfter:    d.RetryAfter,
	}
}

func historyTurns(msgs []models.ChatMessage) []prompt.Turn {
	turns := make([]prompt.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, prompt.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
