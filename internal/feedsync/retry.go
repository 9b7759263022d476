package feedsync

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/config"
)

const maxBackoff = 10 * time.Second

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// permanent marks err as not worth retrying.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

func newRetryPolicy(cfg config.RetryConfig) retryPolicy {
	p := retryPolicy{attempts: cfg.Attempts, backoff: time.Duration(cfg.BackoffMs) * time.Millisecond}
	if p.attempts < 1 {
		p.attempts = 1
	}
	return p
}

// do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. The backoff doubles after every failure.
func (p retryPolicy) do(ctx context.Context, op string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	wait := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		body, err := fn(ctx)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if isPermanent(err) || attempt == p.attempts || ctx.Err() != nil {
			break
		}

		log.Debug("Feed fetch failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
	return nil, lastErr
}
