package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// job is one durable write.
type job struct {
	name  string
	key   string
	write func(ctx context.Context) error
}

// persister applies writes one at a time in submission order, retrying each
// with exponential backoff. Enqueue never blocks.
type persister struct {
	attempts int
	base     time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []job
	closed bool
	wake   chan struct{}
	idle   chan struct{} // closed when the worker exits
}

func newPersister(attempts int, base time.Duration, logger *slog.Logger) *persister {
	if attempts <= 0 {
		attempts = 1
	}
	p := &persister{
		attempts: attempts,
		base:     base,
		timeout:  5 * time.Second,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		idle:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) enqueue(j job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%s %s: persister closed: %w", j.name, j.key, models.ErrPersistenceFailure)
	}
	p.queue = append(p.queue, j)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *persister) next() (job, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return job{}, false, p.closed
	}
	j := p.queue[0]
	p.queue[0] = job{}
	p.queue = p.queue[1:]
	return j, true, false
}

func (p *persister) run() {
	defer close(p.idle)
	for {
		j, ok, closed := p.next()
		if closed {
			return
		}
		if !ok {
			<-p.wake
			continue
		}
		p.writeWithRetry(j)
	}
}

func (p *persister) writeWithRetry(j job) error {
	delay := p.base
	var err error
	for i := 0; i < p.attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err = j.write(ctx)
		cancel()
		if err == nil {
			observability.PersistWrites.Inc()
			return nil
		}
		if isPermanent(err) {
			break
		}
		if i < p.attempts-1 {
			p.logger.Warn("persist_retry", "op", j.name, "key", j.key, "attempt", i+1, "backoff", delay.String(), "err", err)
			time.Sleep(delay)
			delay *= 2
		}
	}
	observability.PersistFailures.Inc()
	p.logger.Error("persist_failed", "op", j.name, "key", j.key, "code", models.Code(models.ErrPersistenceFailure), "err", err)
	return fmt.Errorf("%s %s: %v: %w", j.name, j.key, err, models.ErrPersistenceFailure)
}

// isPermanent reports domain outcomes that a retry cannot change.
func isPermanent(err error) bool {
	return errors.Is(err, models.ErrAlreadyRated) || errors.Is(err, models.ErrUnknownTrip) || errors.Is(err, models.ErrInvalidTransition)
}

func (p *persister) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// close stops intake and waits for queued writes until ctx is done.
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	select {
	case <-p.idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("persister drain: %d writes left: %w", p.pending(), ctx.Err())
	}
}
