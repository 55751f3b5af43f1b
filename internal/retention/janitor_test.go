package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/analytics"
	"github.com/parleyhq/parley/internal/clock"
	"github.com/parleyhq/parley/internal/ratelimit"
	"github.com/parleyhq/parley/internal/retention"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

func TestSweepPrunesIdleLimiterEntries(t *testing.T) {
	fc := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rl := ratelimit.NewMemoryStore()
	ctx := context.Background()

	if _, _, err := rl.Take(ctx, "u1:chat", fc.Now(), time.Minute, 30); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, _, err := rl.Take(ctx, "u2:login", fc.Now(), 5*time.Minute, 5); err != nil {
		t.Fatalf("Take: %v", err)
	}

	j := retention.NewJanitor(rl, nil, fc, time.Hour, time.Hour)

	// Ninety minutes in: inside 2× the longest window, everything stays.
	fc.Advance(90 * time.Minute)
	j.Sweep(ctx)
	if got := rl.Len(); got != 2 {
		t.Fatalf("keys after early sweep = %d, want 2", got)
	}

	// Past two hours idle the entries are unreachable by any window.
	fc.Advance(31 * time.Minute)
	j.Sweep(ctx)
	if got := rl.Len(); got != 0 {
		t.Errorf("keys after late sweep = %d, want 0", got)
	}
}

func TestSweepPrunesAnalyticsBuckets(t *testing.T) {
	fc := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	an := analytics.NewService(fc, analytics.Config{})
	ctx := context.Background()

	an.Record(ctx, analytics.Turn{UserID: "u1", SessionID: "s1", MessageChars: 5, Elapsed: time.Second})

	j := retention.NewJanitor(ratelimit.NewMemoryStore(), an, fc, time.Hour, time.Hour)

	fc.Advance(31 * 24 * time.Hour)
	j.Sweep(ctx)

	if got := an.DailyStats("2025-06-01").TotalMessages; got != 0 {
		t.Errorf("daily bucket survived sweep: TotalMessages = %d, want 0", got)
	}
	if got := an.SessionStats("s1").MessageCount; got != 0 {
		t.Errorf("session bucket survived sweep: MessageCount = %d, want 0", got)
	}
}

func TestSweepArchivesAndPurgesDeadSessions(t *testing.T) {
	t.Setenv("PARLEY_DATA_DIR", t.TempDir())
	fc := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	seedSession := func(id string, updatedAt time.Time, active bool) {
		t.Helper()
		sess := &models.ChatSession{
			ID: id, UserID: "u1", Title: "Chat " + id,
			IsActive: true, CreatedAt: updatedAt, UpdatedAt: updatedAt,
		}
		if err := st.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession %s: %v", id, err)
		}
		msg := &models.ChatMessage{ID: id + "-m", SessionID: id, Role: models.RoleUser, Content: "hi", CreatedAt: updatedAt}
		if err := st.AddMessage(ctx, msg); err != nil {
			t.Fatalf("AddMessage %s: %v", id, err)
		}
		if !active {
			if err := st.DeactivateSession(ctx, id); err != nil {
				t.Fatalf("DeactivateSession %s: %v", id, err)
			}
		}
	}

	// Deleted 40 days ago, deleted yesterday, still live.
	seedSession("stale", fc.Now().Add(-40*24*time.Hour), false)
	seedSession("recent", fc.Now().Add(-24*time.Hour), false)
	seedSession("live", fc.Now(), true)

	archiveDir := t.TempDir()
	j := retention.NewJanitor(ratelimit.NewMemoryStore(), nil, fc, time.Hour, time.Hour).
		WithArchival(st, retention.NewLocalFileArchiver(archiveDir, false), 30*24*time.Hour)

	j.Sweep(ctx)

	if _, err := st.GetSession(ctx, "stale"); err == nil {
		t.Error("stale session survived the sweep")
	}
	if _, total, _ := st.ListMessages(ctx, "stale", 10, 0); total != 0 {
		t.Errorf("stale session kept %d messages after purge", total)
	}
	if _, err := st.GetSession(ctx, "recent"); err != nil {
		t.Errorf("recently deleted session purged too early: %v", err)
	}
	if _, err := st.GetSession(ctx, "live"); err != nil {
		t.Errorf("live session purged: %v", err)
	}

	// 40 days before 2025-06-01 lands in April.
	archived := filepath.Join(archiveDir, "2025-04", "stale.jsonl")
	if _, err := os.Stat(archived); err != nil {
		t.Errorf("transcript not written: %v", err)
	}

	// Second sweep finds nothing new to do.
	j.Sweep(ctx)
	if _, err := st.GetSession(ctx, "recent"); err != nil {
		t.Errorf("second sweep purged the recent session: %v", err)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	j := retention.NewJanitor(ratelimit.NewMemoryStore(), nil, clock.Real(), time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop on context cancel")
	}
}
