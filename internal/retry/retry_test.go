package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryer(attempts int) *ExponentialRetryer {
	return &ExponentialRetryer{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  attempts,
	}
}

func TestRunContextSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastRetryer(3).RunContext(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("RunContext: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunContextRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastRetryer(5).RunContext(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunContext: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunContextExhaustsBudget(t *testing.T) {
	calls := 0
	wantErr := errors.New("always fails")
	err := fastRetryer(3).RunContext(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunContextStopAbortsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("bad credentials")
	err := fastRetryer(10).RunContext(context.Background(), func() error {
		calls++
		return &Stop{Err: fatal}
	})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v, want the wrapped error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, Stop should not be retried", calls)
	}
}

func TestRunContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &ExponentialRetryer{
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   1.0,
		MaxAttempts:  0,
	}

	done := make(chan error, 1)
	go func() {
		done <- r.RunContext(ctx, func() error { return errors.New("fail") })
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunContext did not return after cancel")
	}
}

func TestNextDelayCapsAtMax(t *testing.T) {
	r := &ExponentialRetryer{
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}

	// Attempt 10 would be 512s uncapped; jitter adds at most 25%.
	d := r.NextDelay(10)
	if d > 5*time.Second {
		t.Errorf("delay = %s, want capped near MaxDelay", d)
	}
	if d < 4*time.Second {
		t.Errorf("delay = %s, below MaxDelay", d)
	}
}
