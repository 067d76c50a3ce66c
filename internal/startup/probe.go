// Package startup holds the bounded dependency probes every binary runs before it
// reports itself ready. Services start concurrently and nothing orders them from the
// outside, so each client waits for its own dependencies.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds a probe: Attempts checks separated by a fixed Delay.
type Policy struct {
	Name     string
	Attempts int
	Delay    time.Duration
}

// DependencyUnavailableError reports a dependency that never answered during startup.
type DependencyUnavailableError struct {
	Dependency string
	Attempts   int
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempts: %v", e.Dependency, e.Attempts, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error {
	return e.Err
}

// Probe calls check until it succeeds or the policy is exhausted.
// It returns the context error when ctx is cancelled between attempts.
func Probe(ctx context.Context, log *slog.Logger, p Policy, check func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = check(ctx); lastErr == nil {
			log.Info("dependency ready", slog.String("dependency", p.Name), slog.Int("attempt", i+1))
			return nil
		}

		if i == attempts-1 {
			break
		}

		log.Warn("dependency not ready, retrying",
			slog.String("dependency", p.Name),
			slog.Any("err", lastErr),
			slog.Int("attempt", i+1),
			slog.Int("max_retries", attempts),
			slog.Duration("retry_in", p.Delay),
		)

		timer := time.NewTimer(p.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return &DependencyUnavailableError{Dependency: p.Name, Attempts: attempts, Err: lastErr}
}
