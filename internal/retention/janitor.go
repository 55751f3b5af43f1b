// Package retention runs the background janitor that prunes data past its
// useful life: rate-limiter window entries idle beyond twice the longest
// configured window, analytics buckets past their retention, and deleted
// sessions whose transcripts are archived to local files before the rows
// are purged.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. Sweeps are cheap enough to run once
// immediately on startup and then on every tick.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/analytics"
	"github.com/parleyhq/parley/internal/clock"
	"github.com/parleyhq/parley/internal/ratelimit"
	"github.com/parleyhq/parley/pkg/models"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = 10 * time.Minute

// archiveBatch caps how many sessions one sweep archives, keeping each
// cycle short even after a long backlog builds up.
const archiveBatch = 100

// transcriptLimit bounds a single archived transcript read.
const transcriptLimit = 10000

// TranscriptSource is the slice of the data store the janitor archives
// from. store.Store satisfies it.
type TranscriptSource interface {
	DeadSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.ChatSession, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, int, error)
	PurgeSession(ctx context.Context, id string) error
}

// Janitor periodically prunes expired limiter entries, analytics buckets,
// and archived-out sessions.
type Janitor struct {
	limiter   ratelimit.Store
	analytics *analytics.Service
	clk       clock.Clock
	interval  time.Duration
	maxWindow time.Duration

	// Session archival, enabled via WithArchival.
	src      TranscriptSource
	archiver Archiver
	keep     time.Duration
}

// NewJanitor creates a janitor sweeping on the given interval. maxWindow
// is the longest rate-limit window in use; limiter entries older than
// twice that can no longer influence any decision and are dropped.
func NewJanitor(limiter ratelimit.Store, an *analytics.Service, clk clock.Clock, interval, maxWindow time.Duration) *Janitor {
	if interval < time.Minute {
		interval = DefaultInterval
	}
	if maxWindow <= 0 {
		maxWindow = time.Hour
	}
	return &Janitor{
		limiter:   limiter,
		analytics: an,
		clk:       clk,
		interval:  interval,
		maxWindow: maxWindow,
	}
}

// WithArchival makes sweeps archive and purge sessions that have been
// soft-deleted for longer than keep. A session is purged only after its
// transcript was written successfully.
func (j *Janitor) WithArchival(src TranscriptSource, a Archiver, keep time.Duration) *Janitor {
	j.src = src
	j.archiver = a
	j.keep = keep
	return j
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one pruning pass. Cycle results are logged only when
// something was actually removed.
func (j *Janitor) Sweep(ctx context.Context) {
	start := j.clk.Now()

	entries := 0
	if j.limiter != nil {
		cutoff := start.Add(-2 * j.maxWindow)
		n, err := j.limiter.PruneIdle(ctx, cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("Retention janitor: limiter prune failed")
		}
		entries = n
	}

	buckets := 0
	if j.analytics != nil {
		buckets = j.analytics.Prune(start)
	}

	purged := 0
	if j.src != nil && j.archiver != nil && j.keep > 0 {
		purged = j.archiveDeadSessions(ctx, start.Add(-j.keep))
	}

	if entries > 0 || buckets > 0 || purged > 0 {
		log.Info().
			Int("limiter_entries", entries).
			Int("analytics_buckets", buckets).
			Int("sessions_purged", purged).
			Dur("elapsed", j.clk.Since(start)).
			Msg("Retention cycle complete")
	}
}

// archiveDeadSessions writes transcripts for sessions deleted before
// cutoff and purges the archived ones. Failures leave the session in
// place for the next sweep.
func (j *Janitor) archiveDeadSessions(ctx context.Context, cutoff time.Time) int {
	dead, err := j.src.DeadSessions(ctx, cutoff, archiveBatch)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: dead session scan failed")
		return 0
	}

	purged := 0
	for _, sess := range dead {
		msgs, _, err := j.src.ListMessages(ctx, sess.ID, transcriptLimit, 0)
		if err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("Retention janitor: transcript read failed")
			continue
		}
		path, err := j.archiver.ArchiveTranscript(ctx, sess, msgs)
		if err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("Retention janitor: archive failed")
			continue
		}
		if err := j.src.PurgeSession(ctx, sess.ID); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Str("archive", path).Msg("Retention janitor: purge failed")
			continue
		}
		purged++
	}
	return purged
}
