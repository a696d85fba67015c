package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDoVal_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	v, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls", v, calls)
	}
}

func TestDoVal_RetriesAnyErrorByDefault(t *testing.T) {
	var calls int
	v, err := DoVal(context.Background(), fastRetry(4), func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("run failed")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Errorf("got %d after %d calls", v, calls)
	}
}

func TestDoVal_ExhaustsRetries(t *testing.T) {
	var calls int
	_, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoVal_ShouldRetryStops(t *testing.T) {
	var calls int
	cfg := fastRetry(5)
	cfg.ShouldRetry = IsTransient
	_, err := DoVal(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("permanent")
	})
	if err == nil || calls != 1 {
		t.Errorf("expected one call and an error, got %d calls err=%v", calls, err)
	}
}

func TestDoVal_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := DoVal(ctx, cfg, func(_ context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not interrupt backoff sleep")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestDoVal_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_, _ = DoVal(context.Background(), cfg, func(_ context.Context) (int, error) {
		return 0, errors.New("x")
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected OnRetry attempts %v", attempts)
	}
}

func TestBackoffBase_NonDecreasingAndCapped(t *testing.T) {
	base := 800 * time.Millisecond
	ceiling := 30 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := BackoffBase(attempt, base, ceiling)
		if d < prev {
			t.Fatalf("attempt %d: %v < previous %v", attempt, d, prev)
		}
		if d > ceiling {
			t.Fatalf("attempt %d: %v exceeds ceiling", attempt, d)
		}
		prev = d
	}
	if BackoffBase(0, base, ceiling) != base {
		t.Error("attempt 0 should equal base")
	}
	if BackoffBase(2, base, ceiling) != 3200*time.Millisecond {
		t.Errorf("attempt 2: got %v", BackoffBase(2, base, ceiling))
	}
}

func TestBackoff_JitterWithinQuarter(t *testing.T) {
	base := 100 * time.Millisecond
	ceiling := 10 * time.Second
	for i := 0; i < 200; i++ {
		attempt := i % 8
		want := BackoffBase(attempt, base, ceiling)
		got := Backoff(attempt, base, ceiling)
		if got < want || got > want+want/4 {
			t.Fatalf("attempt %d: %v outside [%v, %v]", attempt, got, want, want+want/4)
		}
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(6, 0.8, 30)
	if cfg.MaxAttempts != 6 || cfg.InitialBackoff != 800*time.Millisecond || cfg.MaxBackoff != 30*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}
	def := FromSettings(0, 0, 0)
	if def.MaxAttempts != 3 {
		t.Errorf("expected default attempts, got %d", def.MaxAttempts)
	}
}

func TestRetryLogger(t *testing.T) {
	fn := RetryLogger("hubspot", "create_note")
	fn(1, errors.New("boom"))
}
