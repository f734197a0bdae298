package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy is the single retry abstraction shared by every component doing
// network I/O (download, playlist reload, version check).
type Policy struct {
	MaxAttempts int
	// Delay grows linearly: attempt n sleeps Delay*n before the next try.
	Delay time.Duration
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Policy.Do surfaces it without further attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn up to MaxAttempts times, sleeping Delay*attempt between
// tries. A PermanentError or context cancellation stops immediately.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == attempts {
			break
		}

		wait := time.Duration(attempt) * p.Delay
		slog.Warn("operation failed, will retry",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"wait", wait,
			"err", err,
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
