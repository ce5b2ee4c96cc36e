package retry

import (
	"context"
	"time"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/logging"
)

// Operation is the unit of work run by the Executor.
type Operation func(ctx context.Context) error

// Executor runs operations asynchronously and re-schedules failed attempts
// according to a Strategy. Delays are served by per-attempt timers, never by
// blocking the caller.
type Executor struct {
	logger logging.ServiceLogger
}

// NewExecutor returns an Executor. A nil logger falls back to a no-op logger.
func NewExecutor(logger logging.ServiceLogger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{logger: logger}
}

// Do runs op on a fresh goroutine and returns a channel that receives the
// final error (nil on success) exactly once. Failed attempts are consulted
// against strategy; retryable ones are re-scheduled after the strategy's
// delay. Cancelling ctx aborts pending delays and completes the result with
// the context error.
func (e *Executor) Do(ctx context.Context, name string, op Operation, strategy Strategy) <-chan error {
	result := make(chan error, 1)
	if strategy == nil {
		result <- errspkg.ErrStrategyRequired
		return result
	}
	if ctx == nil {
		ctx = context.Background()
	}

	go e.run(ctx, name, op, strategy, result)
	return result
}

func (e *Executor) run(ctx context.Context, name string, op Operation, strategy Strategy, result chan<- error) {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			result <- nil
			return
		}

		if !strategy.ShouldRetry(err, attempt) {
			strategy.OnExhausted(err, attempt)
			e.logger.Debug("retries exhausted", logging.LogFields{
				"operation": name,
				"attempts":  attempt,
				"error":     err.Error(),
			})
			result <- err
			return
		}

		delay := strategy.Delay(attempt)
		strategy.OnRetry(err, attempt, delay)
		e.logger.Debug("scheduling retry", logging.LogFields{
			"operation": name,
			"attempt":   attempt,
			"delay":     delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result <- ctx.Err()
			return
		}
	}
}

// DoWait is a convenience wrapper around Do for callers that want to block on
// the outcome, such as the startup recovery pass.
func (e *Executor) DoWait(ctx context.Context, name string, op Operation, strategy Strategy) error {
	return <-e.Do(ctx, name, op, strategy)
}
