package deliveryqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
)

// Delegate is the underlying sink a DurableSink fronts — the webhook sink or
// the gRPC forward sink, per spec.md's router supplement.
type Delegate interface {
	Name() string
	Send(ctx context.Context, a alert.Alert) error
}

// DurableSink implements router.Sink by persisting every alert to a Queue
// before handing it to delegate. A background worker retries undelivered
// rows on an interval, so a delegate outage never drops an alert the way a
// synchronous sink would.
type DurableSink struct {
	queue    *Queue
	delegate Delegate
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDurableSink starts the background delivery worker immediately.
func NewDurableSink(queue *Queue, delegate Delegate, logger *slog.Logger, retryInterval time.Duration) *DurableSink {
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &DurableSink{
		queue:    queue,
		delegate: delegate,
		logger:   logger,
		interval: retryInterval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *DurableSink) Name() string { return s.delegate.Name() }

// Send persists a to the queue and returns immediately; delivery happens on
// the background worker.
func (s *DurableSink) Send(ctx context.Context, a alert.Alert) error {
	return s.queue.Enqueue(ctx, s.delegate.Name(), a)
}

func (s *DurableSink) Flush(ctx context.Context) error {
	s.drainOnce(ctx)
	return nil
}

func (s *DurableSink) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *DurableSink) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

// drainOnce attempts delivery of up to 50 pending rows, acking each one the
// delegate accepts and leaving the rest queued for the next tick.
func (s *DurableSink) drainOnce(ctx context.Context) {
	pending, err := s.queue.Dequeue(ctx, s.delegate.Name(), 50)
	if err != nil {
		s.logger.Warn("deliveryqueue: dequeue failed", slog.String("sink", s.delegate.Name()), slog.Any("error", err))
		return
	}

	var delivered []int64
	for _, p := range pending {
		if err := s.delegate.Send(ctx, p.Alert); err != nil {
			s.logger.Warn("deliveryqueue: delivery attempt failed",
				slog.String("sink", s.delegate.Name()), slog.Any("error", err))
			break // preserve order: stop at the first failure, retry next tick
		}
		delivered = append(delivered, p.ID)
	}

	if len(delivered) > 0 {
		if err := s.queue.Ack(ctx, delivered); err != nil {
			s.logger.Warn("deliveryqueue: ack failed", slog.String("sink", s.delegate.Name()), slog.Any("error", err))
		}
	}
}
