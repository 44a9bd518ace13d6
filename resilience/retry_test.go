package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRetry_Defaults(t *testing.T) {
	r := NewRetry(RetryConfig{})

	if r.config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", r.config.MaxAttempts)
	}
	if r.config.InitialDelay != 100*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 100ms", r.config.InitialDelay)
	}
	if r.config.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", r.config.MaxDelay)
	}
	if r.config.Multiplier != 2.0 {
		t.Errorf("Multiplier = %f, want 2.0", r.config.Multiplier)
	}
}

func TestRetry_SuccessOnRetry(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_ExhaustedAttemptsWrapsLastError(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond})
	persistent := errors.New("disk full")

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return persistent
	})

	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if !errors.Is(err, ErrMaxRetriesExceeded) || !errors.Is(err, persistent) {
		t.Errorf("expected joined ErrMaxRetriesExceeded and last error, got %v", err)
	}
}

func TestRetry_DoesNotRetryCircuitOpen(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return ErrCircuitOpen
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	err := r.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetry_OnRetryCallback(t *testing.T) {
	var delays []time.Duration
	r := NewRetry(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	})

	_ = r.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("fail")
	})

	if len(delays) != 2 {
		t.Errorf("OnRetry called %d times, want 2", len(delays))
	}
}

func TestRetry_Delay(t *testing.T) {
	tests := []struct {
		name    string
		config  RetryConfig
		attempt int
		want    time.Duration
	}{
		{"exponential first", RetryConfig{InitialDelay: time.Second}, 1, time.Second},
		{"exponential third", RetryConfig{InitialDelay: time.Second}, 3, 4 * time.Second},
		{"exponential capped", RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second}, 5, 3 * time.Second},
		{"linear", RetryConfig{InitialDelay: time.Second, Strategy: BackoffLinear}, 3, 3 * time.Second},
		{"constant", RetryConfig{InitialDelay: time.Second, Strategy: BackoffConstant}, 4, time.Second},
		{"attempt below one", RetryConfig{InitialDelay: time.Second}, 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetry(tt.config)
			if got := r.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetry_DelayJitterBounded(t *testing.T) {
	r := NewRetry(RetryConfig{InitialDelay: time.Second, Jitter: true, Strategy: BackoffConstant})

	for i := 0; i < 100; i++ {
		d := r.Delay(1)
		if d < time.Second || d >= time.Second+time.Second/4 {
			t.Fatalf("Delay with jitter = %v, want [1s, 1.25s)", d)
		}
	}
}
