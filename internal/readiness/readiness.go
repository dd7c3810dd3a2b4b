// Package readiness polls a predicate until a slow-starting dependency
// reports ready.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

var ErrNotReady = errors.New("not ready")

// Check reports whether the dependency is ready. A non-nil error is
// remembered but does not stop polling.
type Check func(ctx context.Context) (bool, error)

type Poller struct {
	Interval time.Duration
	Attempts int
}

func Default() Poller {
	return Poller{Interval: time.Second, Attempts: 30}
}

// Wait runs check up to Attempts times, Interval apart. It returns nil as
// soon as the check succeeds and wraps ErrNotReady when the budget runs out.
func (p Poller) Wait(ctx context.Context, check Check) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := check(ctx)
		if ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrNotReady, attempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrNotReady, attempts)
}

// FileExists is ready once path exists.
func FileExists(path string) Check {
	return func(context.Context) (bool, error) {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
}
