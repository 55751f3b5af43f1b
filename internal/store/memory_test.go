package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// newTestStore creates a fresh in-memory store snapshotting into a temp
// dir so tests never touch ~/.parley/.
func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	t.Setenv("PARLEY_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func isNotFound(err error) bool {
	_, ok := err.(*store.ErrNotFound)
	return ok
}

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testUser(id, username string) *models.User {
	return &models.User{
		ID:             id,
		Username:       username,
		Email:          username + "@example.com",
		HashedPassword: "$2a$10$x",
		IsActive:       true,
		CreatedAt:      base,
	}
}

func testSession(id, userID string, at time.Time) *models.ChatSession {
	return &models.ChatSession{
		ID:        id,
		UserID:    userID,
		Title:     "Chat " + id,
		IsActive:  true,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// ─── User Store ──────────────────────────────────────────────

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := testUser("u1", "walter")
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Username != "walter" || got.Email != "walter@example.com" {
		t.Errorf("GetUser = %+v, want walter", got)
	}

	byName, err := s.GetUserByUsername(ctx, "walter")
	if err != nil || byName.ID != "u1" {
		t.Errorf("GetUserByUsername = %+v, %v; want u1", byName, err)
	}

	byEmail, err := s.GetUserByEmail(ctx, "walter@example.com")
	if err != nil || byEmail.ID != "u1" {
		t.Errorf("GetUserByEmail = %+v, %v; want u1", byEmail, err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetUser(ctx, "missing"); !isNotFound(err) {
		t.Errorf("GetUser(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetUserByUsername(ctx, "nobody"); !isNotFound(err) {
		t.Errorf("GetUserByUsername(nobody) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetUserByEmail(ctx, "nobody@example.com"); !isNotFound(err) {
		t.Errorf("GetUserByEmail(nobody) = %v, want ErrNotFound", err)
	}
}

func TestUserCopySemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := testUser("u1", "walter")
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// Mutating the caller's struct must not leak into the store.
	u.Username = "mutated"
	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Username != "walter" {
		t.Errorf("stored username = %q, want %q (input mutation leaked)", got.Username, "walter")
	}

	// And mutating a returned struct must not write back.
	got.IsActive = false
	again, _ := s.GetUser(ctx, "u1")
	if !again.IsActive {
		t.Error("returned struct mutation leaked into store")
	}
}

func TestUpdateLastLogin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "walter")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	at := base.Add(time.Hour)
	if err := s.UpdateLastLogin(ctx, "u1", at); err != nil {
		t.Fatalf("UpdateLastLogin: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.LastLogin == nil || !got.LastLogin.Equal(at) {
		t.Errorf("LastLogin = %v, want %v", got.LastLogin, at)
	}

	if err := s.UpdateLastLogin(ctx, "missing", at); !isNotFound(err) {
		t.Errorf("UpdateLastLogin(missing) = %v, want ErrNotFound", err)
	}
}

// ─── Session Store ───────────────────────────────────────────

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1", "u1", base)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "u1" || !got.IsActive {
		t.Errorf("GetSession = %+v, want active u1 session", got)
	}

	touched := base.Add(30 * time.Minute)
	if err := s.TouchSession(ctx, "s1", touched); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if !got.UpdatedAt.Equal(touched) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, touched)
	}

	if err := s.DeactivateSession(ctx, "s1"); err != nil {
		t.Fatalf("DeactivateSession: %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if got.IsActive {
		t.Error("session still active after DeactivateSession")
	}

	if _, err := s.GetSession(ctx, "missing"); !isNotFound(err) {
		t.Errorf("GetSession(missing) = %v, want ErrNotFound", err)
	}
	if err := s.TouchSession(ctx, "missing", touched); !isNotFound(err) {
		t.Errorf("TouchSession(missing) = %v, want ErrNotFound", err)
	}
	if err := s.DeactivateSession(ctx, "missing"); !isNotFound(err) {
		t.Errorf("DeactivateSession(missing) = %v, want ErrNotFound", err)
	}
}

func TestListSessionsOrderAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Five sessions with ascending activity timestamps.
	for i := 0; i < 5; i++ {
		sess := testSession(fmt.Sprintf("s%d", i), "u1", base.Add(time.Duration(i)*time.Minute))
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	// Noise: another user's session and a deactivated one.
	if err := s.CreateSession(ctx, testSession("other", "u2", base)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, testSession("dead", "u1", base)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.DeactivateSession(ctx, "dead"); err != nil {
		t.Fatalf("DeactivateSession: %v", err)
	}

	page1, total, err := s.ListSessions(ctx, "u1", 1, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page1) != 2 || page1[0].ID != "s4" || page1[1].ID != "s3" {
		t.Errorf("page 1 = %v, want [s4 s3]", sessionIDs(page1))
	}

	page3, _, err := s.ListSessions(ctx, "u1", 3, 2)
	if err != nil {
		t.Fatalf("ListSessions page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].ID != "s0" {
		t.Errorf("page 3 = %v, want [s0]", sessionIDs(page3))
	}

	// Past the end: empty page, total intact.
	empty, total, err := s.ListSessions(ctx, "u1", 9, 2)
	if err != nil {
		t.Fatalf("ListSessions page 9: %v", err)
	}
	if len(empty) != 0 || total != 5 {
		t.Errorf("page 9 = %d sessions, total %d; want 0, 5", len(empty), total)
	}

	// Unknown user: empty, not an error.
	none, total, err := s.ListSessions(ctx, "u3", 1, 10)
	if err != nil || len(none) != 0 || total != 0 {
		t.Errorf("unknown user = %d sessions, total %d, err %v; want 0, 0, nil", len(none), total, err)
	}
}

func sessionIDs(sessions []models.ChatSession) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

func TestDeadSessionsFindsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deadSession := func(id string, at time.Time) {
		t.Helper()
		if err := s.CreateSession(ctx, testSession(id, "u1", at)); err != nil {
			t.Fatalf("CreateSession %s: %v", id, err)
		}
		if err := s.DeactivateSession(ctx, id); err != nil {
			t.Fatalf("DeactivateSession %s: %v", id, err)
		}
	}

	deadSession("older", base.Add(-48*time.Hour))
	deadSession("newer", base.Add(-24*time.Hour))
	deadSession("fresh", base)
	// Ancient but still active: never eligible.
	if err := s.CreateSession(ctx, testSession("live", "u1", base.Add(-72*time.Hour))); err != nil {
		t.Fatalf("CreateSession live: %v", err)
	}

	dead, err := s.DeadSessions(ctx, base.Add(-12*time.Hour), 10)
	if err != nil {
		t.Fatalf("DeadSessions: %v", err)
	}
	if len(dead) != 2 || dead[0].ID != "older" || dead[1].ID != "newer" {
		t.Errorf("dead sessions = %v, want [older newer]", sessionIDs(dead))
	}

	// A session idle exactly as long as the cutoff is eligible.
	atCutoff, err := s.DeadSessions(ctx, base.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("DeadSessions at cutoff: %v", err)
	}
	if len(atCutoff) != 2 || atCutoff[1].ID != "newer" {
		t.Errorf("dead sessions at cutoff = %v, want [older newer]", sessionIDs(atCutoff))
	}

	// Limit keeps the oldest.
	capped, err := s.DeadSessions(ctx, base, 1)
	if err != nil {
		t.Fatalf("DeadSessions capped: %v", err)
	}
	if len(capped) != 1 || capped[0].ID != "older" {
		t.Errorf("capped dead sessions = %v, want [older]", sessionIDs(capped))
	}
}

func TestPurgeSessionRemovesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1", "u1", base)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, testSession("s2", "u1", base)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	addTestMessages(t, s, "s1", 3)
	addTestMessages(t, s, "s2", 1)

	if err := s.PurgeSession(ctx, "s1"); err != nil {
		t.Fatalf("PurgeSession: %v", err)
	}

	if _, err := s.GetSession(ctx, "s1"); !isNotFound(err) {
		t.Errorf("GetSession after purge = %v, want ErrNotFound", err)
	}
	if _, total, _ := s.ListMessages(ctx, "s1", 10, 0); total != 0 {
		t.Errorf("purged session still has %d messages", total)
	}

	// The neighbour is untouched.
	if _, err := s.GetSession(ctx, "s2"); err != nil {
		t.Errorf("unrelated session lost: %v", err)
	}
	if _, total, _ := s.ListMessages(ctx, "s2", 10, 0); total != 1 {
		t.Errorf("unrelated session has %d messages, want 1", total)
	}

	if err := s.PurgeSession(ctx, "s1"); !isNotFound(err) {
		t.Errorf("second purge = %v, want ErrNotFound", err)
	}
}

// ─── Message Store ───────────────────────────────────────────

func addTestMessages(t *testing.T, s store.Store, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msg := &models.ChatMessage{
			ID:        fmt.Sprintf("%s-m%d", sessionID, i),
			SessionID: sessionID,
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AddMessage(ctx, msg); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
}

func TestAddMessageRequiresSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &models.ChatMessage{ID: "m1", SessionID: "ghost", Role: models.RoleUser, Content: "hi"}
	if err := s.AddMessage(ctx, msg); !isNotFound(err) {
		t.Errorf("AddMessage(ghost session) = %v, want ErrNotFound", err)
	}
}

func TestListMessagesPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1", "u1", base)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	addTestMessages(t, s, "s1", 5)

	msgs, total, err := s.ListMessages(ctx, "s1", 2, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if total != 5 || len(msgs) != 2 {
		t.Fatalf("got %d of %d messages, want 2 of 5", len(msgs), total)
	}
	if msgs[0].Content != "message 0" || msgs[1].Content != "message 1" {
		t.Errorf("messages not chronological: %q, %q", msgs[0].Content, msgs[1].Content)
	}

	msgs, _, err = s.ListMessages(ctx, "s1", 10, 3)
	if err != nil {
		t.Fatalf("ListMessages offset: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "message 3" {
		t.Errorf("offset page = %d messages starting %q, want 2 starting message 3", len(msgs), msgs[0].Content)
	}

	// Offset past the end: empty slice, total intact.
	msgs, total, err = s.ListMessages(ctx, "s1", 10, 99)
	if err != nil || len(msgs) != 0 || total != 5 {
		t.Errorf("offset 99 = %d messages, total %d, err %v; want 0, 5, nil", len(msgs), total, err)
	}
}

func TestRecentMessagesReturnsTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1", "u1", base)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	addTestMessages(t, s, "s1", 6)

	recent, err := s.RecentMessages(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d messages, want 2", len(recent))
	}
	if recent[0].Content != "message 4" || recent[1].Content != "message 5" {
		t.Errorf("tail = %q, %q; want last two in order", recent[0].Content, recent[1].Content)
	}

	// Fewer messages than the limit: all of them.
	all, err := s.RecentMessages(ctx, "s1", 100)
	if err != nil || len(all) != 6 {
		t.Errorf("RecentMessages(100) = %d, %v; want all 6", len(all), err)
	}

	// Unknown session: empty, not an error.
	none, err := s.RecentMessages(ctx, "ghost", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("RecentMessages(ghost) = %d, %v; want 0, nil", len(none), err)
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PARLEY_DATA_DIR", dir)
	ctx := context.Background()

	s1 := store.NewMemoryStore()
	if err := s1.CreateUser(ctx, testUser("u1", "walter")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s1.CreateSession(ctx, testSession("s1", "u1", base)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	addTestMessages(t, s1, "s1", 2)

	// Close flushes the snapshot; a second Close is a no-op.
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	s2 := store.NewMemoryStore()
	t.Cleanup(func() { s2.Close() })

	u, err := s2.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("user lost across restart: %v", err)
	}
	if u.Username != "walter" {
		t.Errorf("restored username = %q, want walter", u.Username)
	}
	if _, err := s2.GetSession(ctx, "s1"); err != nil {
		t.Errorf("session lost across restart: %v", err)
	}
	msgs, total, err := s2.ListMessages(ctx, "s1", 10, 0)
	if err != nil || total != 2 || len(msgs) != 2 {
		t.Errorf("messages lost across restart: %d of %d, %v", len(msgs), total, err)
	}

	if err := s2.Ping(ctx); err != nil {
		t.Errorf("Ping = %v, want nil", err)
	}
	if err := s2.Migrate(ctx); err != nil {
		t.Errorf("Migrate = %v, want nil", err)
	}
}
