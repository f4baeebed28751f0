package execution

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/cinder/internal/config"
)

// Queue executes submitted command buffers on a bounded pool of goroutines.
// Resources tracked by a buffer are released on the goroutine that ran it,
// which is generally not the goroutine that submitted it.
type Queue struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	nextID    atomic.Uint64
	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	tracer trace.Tracer
	logger *zap.Logger
}

// NewQueue starts a queue. Cancelling ctx aborts buffers that have not
// finished; their resources are still released.
func NewQueue(ctx context.Context, cfg *config.Config) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	g := &errgroup.Group{}
	g.SetLimit(cfg.QueueConfig.Workers)

	return &Queue{
		group:  g,
		ctx:    ctx,
		cancel: cancel,
		tracer: otel.Tracer("goflare.io/cinder/execution"),
		logger: cfg.Logger,
	}
}

// NewCommandBuffer returns an empty buffer bound to no queue yet.
func (q *Queue) NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{id: q.nextID.Inc()}
}

// Submit hands cb to the queue. It blocks while every worker is busy. If the
// queue is closed the buffer's resources are released immediately and
// ErrQueueClosed is returned.
func (q *Queue) Submit(ctx context.Context, cb *CommandBuffer) error {
	if cb.submitted {
		return fmt.Errorf("%w: %d", ErrAlreadySubmitted, cb.id)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	cb.submitted = true
	if q.closed {
		cb.retire(ErrQueueClosed)
		return ErrQueueClosed
	}

	link := trace.LinkFromContext(ctx)
	q.inFlight.Inc()
	q.group.Go(func() error {
		defer q.inFlight.Dec()
		q.run(cb, link)
		return nil
	})
	return nil
}

func (q *Queue) run(cb *CommandBuffer, link trace.Link) {
	ctx, span := q.tracer.Start(q.ctx, "Queue.Execute",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.Int64("command_buffer", int64(cb.id)),
			attribute.Int("tracked", len(cb.tracked)),
			attribute.Int("commands", len(cb.commands)),
		),
	)
	defer span.End()

	err := cb.execute(ctx)
	disposed := cb.retire(err)
	span.SetAttributes(attribute.Int("disposed", disposed))

	if err != nil {
		q.failed.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.logger.Warn("Command buffer failed", zap.Uint64("id", cb.id), zap.Error(err))
		return
	}
	q.completed.Inc()
}

// InFlight is the number of submitted buffers that have not finished.
func (q *Queue) InFlight() int64 { return q.inFlight.Load() }

// Completed is the number of buffers that ran without error.
func (q *Queue) Completed() int64 { return q.completed.Load() }

// Failed is the number of buffers whose commands returned an error.
func (q *Queue) Failed() int64 { return q.failed.Load() }

// Close stops accepting buffers and waits for submitted ones to finish.
// It is safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	err := q.group.Wait()
	q.cancel()
	return err
}
