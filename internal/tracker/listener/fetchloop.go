package listener

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/transport"
)

// FetchConfig tunes the per-listener pull loop.
type FetchConfig struct {
	// BatchSize is the maximum messages pulled per fetch.
	BatchSize int
	// MaxWait bounds each pull. Stop latency is bounded by this value.
	MaxWait time.Duration
	// BackoffInitial is the delay after the first consecutive pull failure.
	BackoffInitial time.Duration
	// BackoffMultiplier grows the delay across consecutive failures.
	BackoffMultiplier float64
	// BackoffMax caps the failure delay.
	BackoffMax time.Duration
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 250 * time.Millisecond
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	return c
}

// FetchLoop is the long-lived pulling task behind one listener. It never
// crashes: pull failures back off exponentially and reset on the next
// success; a single message's processing failure does not stop the batch.
type FetchLoop struct {
	sub       transport.PullSubscription
	processor *Processor
	running   *atomic.Bool
	config    FetchConfig
	logger    logging.ServiceLogger
}

// NewFetchLoop returns a loop ready to Run.
func NewFetchLoop(sub transport.PullSubscription, processor *Processor, running *atomic.Bool, cfg FetchConfig, logger logging.ServiceLogger) *FetchLoop {
	if logger == nil {
		logger = logging.Nop()
	}
	return &FetchLoop{
		sub:       sub,
		processor: processor,
		running:   running,
		config:    cfg.withDefaults(),
		logger:    logger,
	}
}

// Run pulls batches until the running flag drops or ctx is cancelled, then
// closes the subscription. The stop flag is re-checked every batch, so
// cancellation latency is bounded by MaxWait.
func (l *FetchLoop) Run(ctx context.Context) {
	defer func() {
		if err := l.sub.Close(); err != nil {
			l.logger.Error("failed to close subscription", err, logging.LogFields{
				"subject": l.sub.Subject(),
			})
		}
	}()

	backoff := l.config.BackoffInitial

	for l.running.Load() && ctx.Err() == nil {
		msgs, err := l.sub.Fetch(ctx, l.config.BatchSize, l.config.MaxWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("pull failed, backing off", err, logging.LogFields{
				"subject": l.sub.Subject(),
				"backoff": backoff.String(),
			})
			if !l.sleep(ctx, backoff) {
				return
			}
			backoff = l.nextBackoff(backoff)
			continue
		}
		backoff = l.config.BackoffInitial

		for _, msg := range msgs {
			if err := l.processor.Process(ctx, msg); err != nil {
				// Left un-acked; the broker redelivers after its ack wait.
				l.logger.Error("message processing failed", err, logging.LogFields{
					"subject": l.sub.Subject(),
				})
			}
		}
	}
}

func (l *FetchLoop) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * l.config.BackoffMultiplier)
	if next > l.config.BackoffMax || next <= 0 {
		return l.config.BackoffMax
	}
	return next
}

func (l *FetchLoop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return l.running.Load()
	case <-ctx.Done():
		return false
	}
}
