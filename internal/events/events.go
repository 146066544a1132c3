package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Publisher emits trip lifecycle and driver location records to a stream.
type Publisher interface {
	PublishTrip(ctx context.Context, ev models.TripEvent) error
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
	Close() error
}

// Nop drops everything; used when no stream is configured.
type Nop struct{}

func (Nop) PublishTrip(context.Context, models.TripEvent) error           { return nil }
func (Nop) PublishLocation(context.Context, models.DriverLocation) error { return nil }
func (Nop) Close() error                                                 { return nil }

// Async puts a bounded queue and a single worker in front of a Publisher so
// callers never wait on the broker. When the queue is full the record is
// dropped and counted.
type Async struct {
	next    Publisher
	backend string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan func(context.Context) error
	wg     sync.WaitGroup
}

func NewAsync(next Publisher, backend string, size int, logger *slog.Logger) *Async {
	a := &Async{
		next:    next,
		backend: backend,
		timeout: 5 * time.Second,
		logger:  logger,
		queue:   make(chan func(context.Context) error, size),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) PublishTrip(_ context.Context, ev models.TripEvent) error {
	a.enqueue(func(ctx context.Context) error { return a.next.PublishTrip(ctx, ev) })
	return nil
}

func (a *Async) PublishLocation(_ context.Context, loc models.DriverLocation) error {
	a.enqueue(func(ctx context.Context) error { return a.next.PublishLocation(ctx, loc) })
	return nil
}

func (a *Async) enqueue(job func(context.Context) error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observability.RecordPublish(a.backend, errClosed)
		return
	}
	select {
	case a.queue <- job:
	default:
		observability.RecordPublish(a.backend, errQueueFull)
		a.logger.Warn("event_dropped", "backend", a.backend, "reason", errQueueFull.Error())
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for job := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := job(ctx)
		cancel()
		observability.RecordPublish(a.backend, err)
		if err != nil {
			a.logger.Warn("event_publish_failed", "backend", a.backend, "err", err)
		}
	}
}

// Close drains the queue and closes the underlying publisher.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
	return a.next.Close()
}

type publishError string

func (e publishError) Error() string { return string(e) }

const (
	errQueueFull publishError = "publish queue full"
	errClosed    publishError = "publisher closed"
)
