// Package dispatch hands recorded ledger events to background workers when
// a webhook runs out of time. Workers re-enter the engine by event id, so a
// dispatched event is applied exactly like a redelivery.
package dispatch

import (
	"context"
	"errors"
	"sync"

	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/engine"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/submetrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned when the local queue has no room. The event stays
// pending in the ledger and the redrive job picks it up.
var ErrQueueFull = errors.New("dispatch queue full")

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Processor applies a ledgered event. *engine.Engine implements it.
type Processor interface {
	ProcessRecorded(ctx context.Context, eventID string) (engine.Result, error)
}

// Pool is an in-process worker pool.
type Pool struct {
	proc    Processor
	workers int
	queue   chan string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool returns a pool with the given worker count and queue capacity.
// Non-positive values take defaults.
func NewPool(proc Processor, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Pool{
		proc:    proc,
		workers: workers,
		queue:   make(chan string, queueSize),
		closed:  make(chan struct{}),
	}
}

// Dispatch enqueues eventID without blocking.
func (p *Pool) Dispatch(_ context.Context, eventID string) error {
	select {
	case <-p.closed:
		return ErrQueueFull
	default:
	}
	select {
	case p.queue <- eventID:
		submetrics.DispatchQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. Queued ids left
// at shutdown are not lost: they are still pending in the ledger.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-p.queue:
					submetrics.DispatchQueueDepth.Set(float64(len(p.queue)))
					process(ctx, p.proc, id)
				}
			}
		})
	}
	err := g.Wait()
	p.closeOnce.Do(func() { close(p.closed) })
	return err
}

// process applies one event and reports whether the delivery is finished.
// A retryable failure leaves the ledger entry pending for the redrive job.
func process(ctx context.Context, proc Processor, eventID string) bool {
	res, err := proc.ProcessRecorded(ctx, eventID)
	if err == nil {
		log.Debug().Str("event_id", eventID).Str("outcome", string(res.Disposition)).Msg("Dispatched event processed")
		return true
	}
	if internalerrors.IsRetryableError(err) {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Dispatched event failed; left pending for redrive")
		return false
	}
	log.Error().Err(err).Str("event_id", eventID).Msg("Dispatched event could not be applied")
	return true
}
