// Package breaker implements a circuit breaker for outbound provider calls.
//
// State machine:
//   - Closed: calls pass through and consecutive failures are counted.
//   - Open: calls are rejected with ErrOpen until the cooldown elapses.
//   - HalfOpen: exactly one trial call probes the provider. Success closes
//     the circuit, failure reopens it for another cooldown.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/clock"
)

// ErrOpen is returned when the circuit rejects a call without attempting it.
var ErrOpen = errors.New("circuit breaker is open")

// State is the current position of the circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards a single downstream dependency. All methods are safe for
// concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clk       clock.Clock

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New returns a closed breaker. threshold is the number of consecutive
// failures that opens the circuit; cooldown is how long it stays open
// before a trial call is allowed.
func New(name string, threshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clk:       clk,
	}
}

// Do runs fn through the circuit. When the circuit is open and the cooldown
// has not elapsed, fn is not invoked and ErrOpen is returned. While a trial
// call is in flight, every other caller gets ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.settle(err)
	return err
}

// State reports the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admit decides whether the next call may proceed. The caller that moves
// the circuit from open to half-open becomes the trial call.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clk.Since(b.lastFailure) <= b.cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		log.Info().Str("breaker", b.name).Msg("Circuit half-open, admitting trial call")
		return nil
	case StateHalfOpen:
		// Trial already in flight
		return ErrOpen
	default:
		return nil
	}
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			log.Info().Str("breaker", b.name).Msg("Circuit closed")
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.clk.Now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		log.Warn().Str("breaker", b.name).Msg("Trial call failed, circuit reopened")
	case StateClosed:
		if b.failures >= b.threshold {
			b.state = StateOpen
			log.Warn().
				Str("breaker", b.name).
				Int("failures", b.failures).
				Msg("Failure threshold reached, circuit opened")
		}
	}
}
