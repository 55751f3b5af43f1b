// Package analytics aggregates usage counters for completed exchanges and
// optionally forwards each one to a webhook with HMAC-SHA256 signing.
//
// Recording never fails the serving path: every error is logged and
// swallowed, and webhook delivery happens on its own goroutine.
package analytics

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/clock"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	dailyRetention   = 30 * 24 * time.Hour
	sessionRetention = 7 * 24 * time.Hour
)

// Turn describes one completed exchange.
type Turn struct {
	UserID       string
	SessionID    string
	MessageChars int
	Elapsed      time.Duration
}

// Recorder ingests completed turns.
type Recorder interface {
	Record(ctx context.Context, t Turn)
}

// Config tunes the optional webhook forwarder. An empty URL disables it.
type Config struct {
	WebhookURL    string
	WebhookSecret string
}

// Service aggregates turns into daily, per-user, and per-session buckets.
type Service struct {
	clk     clock.Clock
	webhook *webhook

	mu       sync.Mutex
	daily    map[string]*dailyBucket   // YYYY-MM-DD → totals
	users    map[string]*userBucket    // user ID → activity
	sessions map[string]*sessionBucket // session ID → totals
}

type dailyBucket struct {
	messages     int64
	characters   int64
	responseTime float64 // seconds
}

type userBucket struct {
	messages int64
	lastSeen time.Time
}

type sessionBucket struct {
	messages     int64
	responseTime float64 // seconds
	lastSeen     time.Time
}

func NewService(clk clock.Clock, cfg Config) *Service {
	s := &Service{
		clk:      clk,
		daily:    make(map[string]*dailyBucket),
		users:    make(map[string]*userBucket),
		sessions: make(map[string]*sessionBucket),
	}
	if cfg.WebhookURL != "" {
		s.webhook = &webhook{
			url:    cfg.WebhookURL,
			secret: cfg.WebhookSecret,
			client: &http.Client{Timeout: 15 * time.Second},
		}
		log.Info().Str("url", cfg.WebhookURL).Msg("Analytics webhook enabled")
	}
	return s
}

// Record folds one turn into the aggregation buckets and, when configured,
// hands it to the webhook forwarder.
func (s *Service) Record(_ context.Context, t Turn) {
	now := s.clk.Now().UTC()
	date := now.Format("2006-01-02")
	seconds := t.Elapsed.Seconds()

	s.mu.Lock()
	d, ok := s.daily[date]
	if !ok {
		d = &dailyBucket{}
		s.daily[date] = d
	}
	d.messages++
	d.characters += int64(t.MessageChars)
	d.responseTime += seconds

	u, ok := s.users[t.UserID]
	if !ok {
		u = &userBucket{}
		s.users[t.UserID] = u
	}
	u.messages++
	u.lastSeen = now

	sess, ok := s.sessions[t.SessionID]
	if !ok {
		sess = &sessionBucket{}
		s.sessions[t.SessionID] = sess
	}
	sess.messages++
	sess.responseTime += seconds
	sess.lastSeen = now
	s.mu.Unlock()

	if s.webhook != nil {
		// Detached from the request context: the caller must not wait on
		// delivery, and the turn should survive the request ending.
		go s.webhook.deliver(turnEvent{
			UserID:       t.UserID,
			SessionID:    t.SessionID,
			MessageChars: t.MessageChars,
			ResponseTime: seconds,
			Timestamp:    now,
		})
	}
}

// DailyStats returns the aggregated snapshot for a YYYY-MM-DD date.
// Unknown dates report zeros.
func (s *Service) DailyStats(date string) models.DailyStats {
	stats := models.DailyStats{Date: date}

	s.mu.Lock()
	d, ok := s.daily[date]
	if ok {
		stats.TotalMessages = d.messages
		stats.TotalCharacters = d.characters
		stats.TotalResponseTime = d.responseTime
	}
	s.mu.Unlock()

	div := stats.TotalMessages
	if div < 1 {
		div = 1
	}
	stats.AvgMessageLength = float64(stats.TotalCharacters) / float64(div)
	stats.AvgResponseTime = stats.TotalResponseTime / float64(div)
	return stats
}

// UserStats returns the per-user activity counters.
func (s *Service) UserStats(userID string) models.UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.UserStats{UserID: userID}
	if u, ok := s.users[userID]; ok {
		stats.MessageCount = u.messages
		stats.LastSeen = u.lastSeen
	}
	return stats
}

// SessionStats returns the per-session totals.
func (s *Service) SessionStats(sessionID string) models.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.SessionStats{SessionID: sessionID}
	if b, ok := s.sessions[sessionID]; ok {
		stats.MessageCount = b.messages
		stats.TotalResponseTime = b.responseTime
	}
	return stats
}

// Prune drops daily buckets past the 30-day retention and session buckets
// idle past 7 days, returning how many were removed. User buckets are kept.
func (s *Service) Prune(now time.Time) int {
	now = now.UTC()
	dailyCutoff := now.Add(-dailyRetention)
	sessionCutoff := now.Add(-sessionRetention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for date := range s.daily {
		day, err := time.Parse("2006-01-02", date)
		if err != nil || day.Before(dailyCutoff) {
			delete(s.daily, date)
			removed++
		}
	}
	for id, b := range s.sessions {
		if b.lastSeen.Before(sessionCutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// ── Webhook forwarder ────────────────────────────────────────

// turnEvent is the JSON body POSTed to the webhook per recorded turn.
type turnEvent struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	MessageChars int       `json:"message_chars"`
	ResponseTime float64   `json:"response_time"` // seconds
	Timestamp    time.Time `json:"timestamp"`
}

type webhook struct {
	url    string
	secret string
	client *http.Client
}

// deliver posts one event with up to 3 attempts and linear backoff.
func (w *webhook) deliver(event turnEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Msg("Analytics webhook marshal failed")
		return
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}
		if err := w.post(body); err != nil {
			lastErr = err
			continue
		}
		return
	}
	log.Warn().Err(lastErr).Str("url", w.url).Msg("Analytics webhook failed after 3 attempts")
}

func (w *webhook) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Parley-Webhook/1.0")

	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(body)
		req.Header.Set("X-Parley-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
	}
	return nil
}
