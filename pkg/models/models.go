package models

import (
	"time"
)

// ── User ─────────────────────────────────────────────────────

type User struct {
	ID             string     `json:"id" db:"id"`
	Username       string     `json:"username" db:"username"`
	Email          string     `json:"email" db:"email"`
	HashedPassword string     `json:"-" db:"hashed_password"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	LastLogin      *time.Time `json:"last_login,omitempty" db:"last_login"`
}

// RegisterRequest is the payload for POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the payload for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token is the response to a successful login.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds until expiry
}

// ── Chat Session ─────────────────────────────────────────────

type ChatSession struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SessionPage is one page of a user's sessions, newest first.
type SessionPage struct {
	Sessions []ChatSession `json:"sessions"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	HasMore  bool          `json:"has_more"`
}

// ── Chat Message ─────────────────────────────────────────────

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type ChatMessage struct {
	ID        string      `json:"id" db:"id"`
	SessionID string      `json:"session_id" db:"session_id"`
	Role      MessageRole `json:"type" db:"message_type"`
	Content   string      `json:"content" db:"content"`

	// ResponseTime is generation latency in seconds; set on assistant
	// messages only.
	ResponseTime *float64  `json:"response_time,omitempty" db:"response_time"`
	CreatedAt    time.Time `json:"timestamp" db:"created_at"`
}

// MessagePage is one page of a session's messages, oldest first.
type MessagePage struct {
	Messages  []ChatMessage `json:"messages"`
	SessionID string        `json:"session_id"`
	Total     int           `json:"total"`
	Limit     int           `json:"limit"`
	Offset    int           `json:"offset"`
}

// ── Chat (REST) ──────────────────────────────────────────────

// ChatRequest is the payload for POST /chat. An empty SessionID starts a
// new conversation.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type ChatResponse struct {
	Response     string    `json:"response"`
	SessionID    string    `json:"session_id"`
	MessageID    string    `json:"message_id"`
	ResponseTime float64   `json:"response_time"` // seconds
	Timestamp    time.Time `json:"timestamp"`
}

// ── Analytics ────────────────────────────────────────────────

// DailyStats aggregates one UTC day of traffic.
type DailyStats struct {
	Date              string  `json:"date"` // YYYY-MM-DD
	TotalMessages     int64   `json:"total_messages"`
	TotalCharacters   int64   `json:"total_characters"`
	AvgMessageLength  float64 `json:"avg_message_length"`
	TotalResponseTime float64 `json:"total_response_time"`
	AvgResponseTime   float64 `json:"avg_response_time"`
}

// UserStats tracks per-user activity.
type UserStats struct {
	UserID       string    `json:"user_id"`
	MessageCount int64     `json:"message_count"`
	LastSeen     time.Time `json:"last_seen"`
}

// SessionStats tracks per-session activity.
type SessionStats struct {
	SessionID         string  `json:"session_id"`
	MessageCount      int64   `json:"message_count"`
	TotalResponseTime float64 `json:"total_response_time"`
}
