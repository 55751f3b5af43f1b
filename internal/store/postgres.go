// Package store — PostgreSQL Store implementation.
// Also backs the rate limiter with the rate_events table so admission
// windows are shared across replicas.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and migrates the schema. maxConns
// caps the pool; zero keeps the pgxpool default.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS users (
			id              UUID PRIMARY KEY,
			username        TEXT NOT NULL UNIQUE,
			email           TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL,
			is_active       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login      TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id         UUID PRIMARY KEY,
			user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title      TEXT NOT NULL DEFAULT 'New Chat',
			is_active  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON chat_sessions (user_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id            UUID PRIMARY KEY,
			session_id    UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			message_type  TEXT NOT NULL,
			content       TEXT NOT NULL,
			response_time DOUBLE PRECISION,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages (session_id, created_at);

		CREATE TABLE IF NOT EXISTS rate_events (
			key   TEXT NOT NULL,
			nonce UUID NOT NULL,
			at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (key, nonce)
		);

		CREATE INDEX IF NOT EXISTS idx_rate_events_key_at ON rate_events (key, at);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── User Store ──────────────────────────────────────────────

const userCols = "id, username, email, hashed_password, is_active, created_at, last_login"

func scanUser(row pgx.Row, key string) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.IsActive, &u.CreatedAt, &u.LastLogin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+userCols+" FROM users WHERE id = $1", id)
	return scanUser(row, id)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+userCols+" FROM users WHERE username = $1", username)
	return scanUser(row, username)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+userCols+" FROM users WHERE email = $1", email)
	return scanUser(row, email)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, hashed_password, is_active, created_at, last_login)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Username, user.Email, user.HashedPassword, user.IsActive, user.CreatedAt, user.LastLogin)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, "UPDATE users SET last_login = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "user", Key: id}
	}
	return nil
}

// ── Session Store ───────────────────────────────────────────

const sessionCols = "id, user_id, title, is_active, created_at, updated_at"

func scanSession(row pgx.Row, key string) (*models.ChatSession, error) {
	var sess models.ChatSession
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.IsActive, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+sessionCols+" FROM chat_sessions WHERE id = $1", id)
	return scanSession(row, id)
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.ChatSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, title, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.UserID, session.Title, session.IsActive, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, "UPDATE chat_sessions SET updated_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *PostgresStore) DeactivateSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE chat_sessions SET is_active = FALSE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, page, pageSize int) ([]models.ChatSession, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	var total int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM chat_sessions WHERE user_id = $1 AND is_active", userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+sessionCols+` FROM chat_sessions
		 WHERE user_id = $1 AND is_active
		 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.ChatSession, 0, pageSize)
	for rows.Next() {
		var sess models.ChatSession
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.IsActive, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

func (s *PostgresStore) DeadSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.ChatSession, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+sessionCols+` FROM chat_sessions
		 WHERE NOT is_active AND updated_at <= $1
		 ORDER BY updated_at ASC LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("dead sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.ChatSession, 0, limit)
	for rows.Next() {
		var sess models.ChatSession
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.IsActive, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) PurgeSession(ctx context.Context, id string) error {
	// Messages go with the session via ON DELETE CASCADE.
	tag, err := s.pool.Exec(ctx, "DELETE FROM chat_sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("purge session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

// ── Message Store ───────────────────────────────────────────

const messageCols = "id, session_id, message_type, content, response_time, created_at"

func (s *PostgresStore) AddMessage(ctx context.Context, msg *models.ChatMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, message_type, content, response_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.ResponseTime, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, int, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM chat_messages WHERE session_id = $1", sessionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+messageCols+` FROM chat_messages
		 WHERE session_id = $1
		 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	if limit < 1 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+messageCols+` FROM chat_messages
		 WHERE session_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Newest-first from the query; prompt assembly wants chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows pgx.Rows) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.ResponseTime, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	return msgs, rows.Err()
}

// ── Rate Limiter Store ──────────────────────────────────────

// Take implements ratelimit.Store. One transaction prunes the key's
// expired events, counts the survivors, and records the new event only
// when under max. An advisory lock serializes concurrent takes per key.
func (s *PostgresStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (int, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("rate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return 0, false, fmt.Errorf("rate lock: %w", err)
	}

	cutoff := now.Add(-window)
	if _, err := tx.Exec(ctx, "DELETE FROM rate_events WHERE key = $1 AND at <= $2", key, cutoff); err != nil {
		return 0, false, fmt.Errorf("rate prune: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM rate_events WHERE key = $1", key).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("rate count: %w", err)
	}

	if count >= max {
		if err := tx.Commit(ctx); err != nil {
			return 0, false, fmt.Errorf("rate commit: %w", err)
		}
		return count, false, nil
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO rate_events (key, nonce, at) VALUES ($1, $2, $3)",
		key, uuid.NewString(), now); err != nil {
		return 0, false, fmt.Errorf("rate record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("rate commit: %w", err)
	}
	return count + 1, true, nil
}

// PruneIdle implements ratelimit.Store for the retention janitor.
func (s *PostgresStore) PruneIdle(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM rate_events WHERE at <= $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("rate prune idle: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
