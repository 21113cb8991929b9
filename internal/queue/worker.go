package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"partnerlink/internal/apperrors"
	"partnerlink/internal/metrics"
)

type HandlerFunc func(ctx context.Context, msg Message) error

// DeadLetterFunc receives messages that will not be retried again.
type DeadLetterFunc func(ctx context.Context, msg Message, attempts int, err error)

type WorkerOptions struct {
	MaxAttempts int
	RetryBase   time.Duration
	MaxBackoff  time.Duration
	DeadLetter  DeadLetterFunc
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Worker pulls one message at a time, retries transient failures with
// exponential backoff and commits once the message is handled or dead-lettered.
type Worker struct {
	consumer Consumer
	handle   HandlerFunc
	opts     WorkerOptions
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewWorker(consumer Consumer, handle HandlerFunc, opts WorkerOptions) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{consumer: consumer, handle: handle, opts: opts, sleep: sleepCtx}
}

// Run blocks until ctx is canceled or the consumer is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			w.opts.Logger.Error("Queue fetch failed", "error", err)
			if err := w.sleep(ctx, w.opts.RetryBase); err != nil {
				return nil
			}
			continue
		}

		w.Process(ctx, msg)

		if err := w.consumer.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			w.opts.Logger.Error("Queue commit failed", "topic", msg.Topic, "key", msg.Key, "error", err)
		}
	}
}

// Process handles one message with the retry budget. It never returns an error:
// the message is either handled or handed to the dead-letter hook.
func (w *Worker) Process(ctx context.Context, msg Message) {
	var err error
	attempt := 0
	for attempt < w.opts.MaxAttempts {
		attempt++
		if err = w.handle(ctx, msg); err == nil {
			w.count(msg.Topic, "ok")
			return
		}
		if apperrors.IsTerminal(err) || ctx.Err() != nil {
			break
		}
		w.count(msg.Topic, "retried")
		w.opts.Logger.Warn("Queue handler failed, retrying", "topic", msg.Topic, "key", msg.Key, "attempt", attempt, "error", err)
		if attempt < w.opts.MaxAttempts {
			if serr := w.sleep(ctx, Backoff(w.opts.RetryBase, w.opts.MaxBackoff, attempt)); serr != nil {
				break
			}
		}
	}

	w.count(msg.Topic, "dead_lettered")
	w.opts.Logger.Error("Queue message dead-lettered", "topic", msg.Topic, "key", msg.Key, "attempts", attempt, "error", err)
	if w.opts.DeadLetter != nil {
		w.opts.DeadLetter(context.WithoutCancel(ctx), msg, attempt, err)
	}
}

func (w *Worker) count(topic, result string) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.QueueMessages.WithLabelValues(topic, result).Inc()
	}
}

// Backoff doubles base per attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
