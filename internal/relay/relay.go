// Package relay orchestrates text generation: prompt assembly, the circuit
// breaker around the provider call, a hard per-call timeout, and word-paced
// streaming of the finished response.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/breaker"
	"github.com/parleyhq/parley/internal/clock"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/provider"
)

var (
	// ErrEmptyResponse means the provider answered with no usable text.
	ErrEmptyResponse = errors.New("empty response from provider")
	// ErrTimeout means the provider did not answer within the call timeout.
	ErrTimeout = errors.New("generation timed out")
	// ErrNoProvider means no generation backend is configured.
	ErrNoProvider = errors.New("no generation provider configured")
)

// Chunk is one streaming update. Content is the cumulative response so far;
// Progress is the fraction of words delivered and reaches 1.0 exactly once,
// on the chunk with IsComplete set.
type Chunk struct {
	Content    string  `json:"content"`
	IsComplete bool    `json:"is_complete"`
	Progress   float64 `json:"progress"`
}

// Sink receives streaming chunks, typically a websocket connection.
type Sink interface {
	Send(ctx context.Context, chunk Chunk) error
}

// Config tunes generation and streaming behavior. Zero values select the
// production defaults.
type Config struct {
	Timeout     time.Duration // per-call provider timeout (default 30s)
	StreamDelay time.Duration // pause after each streamed chunk (default 20ms)
	ChunkWords  int           // word grouping for stream chunks (default 3)
}

// Service is the generation orchestrator shared by the REST chat endpoint
// and the websocket session loop.
type Service struct {
	gen     provider.Generator
	brk     *breaker.Breaker
	prompts *prompt.Builder
	clk     clock.Clock

	timeout    time.Duration
	delay      time.Duration
	chunkWords int
}

func New(gen provider.Generator, brk *breaker.Breaker, prompts *prompt.Builder, clk clock.Clock, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StreamDelay <= 0 {
		cfg.StreamDelay = 20 * time.Millisecond
	}
	if cfg.ChunkWords <= 0 {
		cfg.ChunkWords = 3
	}
	return &Service{
		gen:        gen,
		brk:        brk,
		prompts:    prompts,
		clk:        clk,
		timeout:    cfg.Timeout,
		delay:      cfg.StreamDelay,
		chunkWords: cfg.ChunkWords,
	}
}

// Generate produces a complete response for current given the session
// history. It returns the trimmed response text and the generation latency
// in seconds.
func (s *Service) Generate(ctx context.Context, history []prompt.Turn, current string) (string, float64, error) {
	promptText := s.prompts.Build(history, current)

	start := s.clk.Now()
	text, err := s.generate(ctx, promptText)
	elapsed := s.clk.Since(start).Seconds()
	if err != nil {
		return "", elapsed, err
	}
	return text, elapsed, nil
}

// Stream generates a response and delivers it to sink as cumulative chunks,
// one per chunkWords words plus a final completing chunk, pausing after each
// send. It returns the full normalized response text.
func (s *Service) Stream(ctx context.Context, history []prompt.Turn, current string, sink Sink) (string, error) {
	promptText := s.prompts.Build(history, current)

	text, err := s.generate(ctx, promptText)
	if err != nil {
		return "", err
	}

	words := strings.Fields(text)
	var sent strings.Builder
	for i, word := range words {
		sent.WriteString(word)
		sent.WriteString(" ")

		if i%s.chunkWords != 0 && i != len(words)-1 {
			continue
		}
		chunk := Chunk{
			Content:    strings.TrimSpace(sent.String()),
			IsComplete: i == len(words)-1,
			Progress:   float64(i+1) / float64(len(words)),
		}
		if err := sink.Send(ctx, chunk); err != nil {
			return "", fmt.Errorf("send chunk: %w", err)
		}
		if err := s.clk.Sleep(ctx, s.delay); err != nil {
			return "", err
		}
	}

	return strings.TrimSpace(sent.String()), nil
}

// Enabled reports whether a generation backend is wired in.
func (s *Service) Enabled() bool {
	return s.gen != nil
}

// BreakerState reports the provider circuit position for health checks.
func (s *Service) BreakerState() breaker.State {
	return s.brk.State()
}

// ProviderName reports which backend is wired in.
func (s *Service) ProviderName() string {
	if s.gen == nil {
		return "none"
	}
	return s.gen.Name()
}

// generate runs one provider call through the breaker with the hard timeout
// applied. Empty responses are rejected after the call settles, so they do
// not trip the breaker.
func (s *Service) generate(ctx context.Context, promptText string) (string, error) {
	if s.gen == nil {
		return "", ErrNoProvider
	}

	var text string
	err := s.brk.Do(ctx, func(ctx context.Context) error {
		gctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		out, gerr := s.gen.Generate(gctx, promptText)
		if gerr != nil {
			if errors.Is(gerr, context.DeadlineExceeded) {
				return ErrTimeout
			}
			return gerr
		}
		text = out
		return nil
	})
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
