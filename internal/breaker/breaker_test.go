package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/breaker"
	"github.com/parleyhq/parley/internal/clock"
)

var errProvider = errors.New("provider unavailable")

func failing(context.Context) error { return errProvider }

func newTestBreaker() (*breaker.Breaker, *clock.FakeClock) {
	fc := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return breaker.New("generation", 3, 60*time.Second, fc), fc
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := b.Do(ctx, failing); !errors.Is(err, errProvider) {
			t.Fatalf("call %d: err = %v, want %v", i, err, errProvider)
		}
	}
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("State() = %v, want %v", got, breaker.StateOpen)
	}

	calls := 0
	err := b.Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("open circuit: err = %v, want ErrOpen", err)
	}
	if calls != 0 {
		t.Errorf("open circuit invoked fn %d times, want 0", calls)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	b.Do(ctx, failing)
	b.Do(ctx, failing)
	if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("success call: err = %v", err)
	}

	// Two more failures must not reach the threshold of three.
	b.Do(ctx, failing)
	b.Do(ctx, failing)
	if got := b.State(); got != breaker.StateClosed {
		t.Errorf("State() = %v, want %v", got, breaker.StateClosed)
	}
}

func TestTrialCallClosesCircuit(t *testing.T) {
	b, fc := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, failing)
	}
	fc.Advance(61 * time.Second)

	calls := 0
	if err := b.Do(ctx, func(context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("trial call: err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("trial invoked fn %d times, want 1", calls)
	}
	if got := b.State(); got != breaker.StateClosed {
		t.Errorf("State() = %v, want %v", got, breaker.StateClosed)
	}
}

func TestTrialCallFailureReopens(t *testing.T) {
	b, fc := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, failing)
	}
	fc.Advance(61 * time.Second)

	if err := b.Do(ctx, failing); !errors.Is(err, errProvider) {
		t.Fatalf("trial call: err = %v, want %v", err, errProvider)
	}
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("State() after failed trial = %v, want %v", got, breaker.StateOpen)
	}

	// The failed trial restarts the cooldown.
	if err := b.Do(ctx, failing); !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("during new cooldown: err = %v, want ErrOpen", err)
	}
	fc.Advance(61 * time.Second)
	if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Errorf("second trial: err = %v", err)
	}
}

func TestOnlyOneTrialInFlight(t *testing.T) {
	b, fc := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, failing)
	}
	fc.Advance(61 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	// While the trial runs, every other caller is rejected.
	if err := b.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("concurrent call during trial: err = %v, want ErrOpen", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call: err = %v", err)
	}
	if got := b.State(); got != breaker.StateClosed {
		t.Errorf("State() = %v, want %v", got, breaker.StateClosed)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state breaker.State
		want  string
	}{
		{breaker.StateClosed, "closed"},
		{breaker.StateOpen, "open"},
		{breaker.StateHalfOpen, "half_open"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
