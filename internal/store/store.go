// Package store provides the storage interface and implementations for the
// relay: PostgreSQL for production, in-memory maps with JSON snapshot
// persistence for local development and tests.
package store

import (
	"context"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// Store is the primary storage interface. All handler and session code
// depends on this interface, making it easy to swap between in-memory
// (tests, local dev) and PostgreSQL (production) implementations.
type Store interface {
	UserStore
	SessionStore
	MessageStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── User Store ──────────────────────────────────────────────

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	// UpdateLastLogin stamps the user's last successful login.
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// ── Session Store ───────────────────────────────────────────

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	CreateSession(ctx context.Context, session *models.ChatSession) error

	// TouchSession bumps updated_at when a session sees new traffic.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// DeactivateSession soft-deletes a session; its messages are kept.
	DeactivateSession(ctx context.Context, id string) error

	// ListSessions returns one page of a user's active sessions ordered by
	// most recent activity, plus the total active session count.
	ListSessions(ctx context.Context, userID string, page, pageSize int) ([]models.ChatSession, int, error)

	// DeadSessions returns soft-deleted sessions whose last activity is at
	// or before cutoff, oldest first, capped at limit. Used by the
	// retention janitor to find transcripts due for archival.
	DeadSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.ChatSession, error)

	// PurgeSession permanently removes a session and all its messages.
	PurgeSession(ctx context.Context, id string) error
}

// ── Message Store ───────────────────────────────────────────

type MessageStore interface {
	AddMessage(ctx context.Context, msg *models.ChatMessage) error

	// ListMessages returns a session's messages oldest first with
	// limit/offset paging, plus the total message count.
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, int, error)

	// RecentMessages returns the newest limit messages in chronological
	// order, for prompt assembly.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
