// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Users    map[string]*models.User          `json:"users"`
	Sessions map[string]*models.ChatSession   `json:"sessions"`
	Messages map[string][]*models.ChatMessage `json:"messages"` // key: session_id, chronological
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User          // key: id
	sessions map[string]*models.ChatSession   // key: id
	messages map[string][]*models.ChatMessage // key: session_id, chronological

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If PARLEY_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.parley/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		users:    make(map[string]*models.User),
		sessions: make(map[string]*models.ChatSession),
		messages: make(map[string][]*models.ChatMessage),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	dataDir := os.Getenv("PARLEY_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".parley")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Users:    m.users,
		Sessions: m.sessions,
		Messages: m.messages,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Users != nil {
		m.users = snap.Users
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Messages != nil {
		m.messages = snap.Messages
	}

	log.Info().
		Int("users", len(m.users)).
		Int("sessions", len(m.sessions)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── User Store ──────────────────────────────────────────────

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	copy := *u
	return &copy, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			copy := *u
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: username}
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			copy := *u
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: email}
}

func (m *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	copy := *user
	m.users[user.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	u, ok := m.users[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "user", Key: id}
	}
	stamp := at
	u.LastLogin = &stamp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	copy := *s
	return &copy, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.ChatSession) error {
	m.mu.Lock()
	copy := *session
	m.sessions[session.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: id}
	}
	s.UpdatedAt = at
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeactivateSession(_ context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: id}
	}
	s.IsActive = false
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, userID string, page, pageSize int) ([]models.ChatSession, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []models.ChatSession
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			active = append(active, *s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].UpdatedAt.After(active[j].UpdatedAt)
	})

	total := len(active)
	start := (page - 1) * pageSize
	if start >= total {
		return []models.ChatSession{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return active[start:end], total, nil
}

func (m *MemoryStore) DeadSessions(_ context.Context, cutoff time.Time, limit int) ([]models.ChatSession, error) {
	if limit < 1 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var dead []models.ChatSession
	for _, s := range m.sessions {
		if !s.IsActive && !s.UpdatedAt.After(cutoff) {
			dead = append(dead, *s)
		}
	}
	sort.Slice(dead, func(i, j int) bool {
		return dead[i].UpdatedAt.Before(dead[j].UpdatedAt)
	})
	if len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

func (m *MemoryStore) PurgeSession(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Message Store ───────────────────────────────────────────

func (m *MemoryStore) AddMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	if _, ok := m.sessions[msg.SessionID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: msg.SessionID}
	}
	copy := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, int, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	total := len(msgs)
	if offset >= total {
		return []models.ChatMessage{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]models.ChatMessage, 0, end-offset)
	for _, msg := range msgs[offset:end] {
		page = append(page, *msg)
	}
	return page, total, nil
}

func (m *MemoryStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	if limit < 1 {
		limit = 20
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	recent := make([]models.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		recent = append(recent, *msg)
	}
	return recent, nil
}
