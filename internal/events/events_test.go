package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
)

type capture struct {
	mu     sync.Mutex
	trips  []models.TripEvent
	locs   []models.DriverLocation
	block  chan struct{}
	closed bool
}

func (c *capture) PublishTrip(_ context.Context, ev models.TripEvent) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trips = append(c.trips, ev)
	return nil
}

func (c *capture) PublishLocation(_ context.Context, loc models.DriverLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locs = append(c.locs, loc)
	return nil
}

func (c *capture) Close() error { c.closed = true; return nil }

func TestAsyncDeliversInOrderAndDrainsOnClose(t *testing.T) {
	c := &capture{}
	a := NewAsync(c, "test", 16, logging.Discard())
	ctx := context.Background()
	for _, p := range []models.Phase{models.PhaseRequested, models.PhaseMatched, models.PhaseEnRoute} {
		a.PublishTrip(ctx, models.TripEvent{TripID: "t1", To: p})
	}
	a.PublishLocation(ctx, models.DriverLocation{DriverID: "d1"})
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(c.trips) != 3 || c.trips[2].To != models.PhaseEnRoute || len(c.locs) != 1 {
		t.Fatalf("unexpected delivery %+v %+v", c.trips, c.locs)
	}
	if !c.closed {
		t.Fatal("underlying publisher not closed")
	}
	// after close records are dropped, not panicking
	a.PublishTrip(ctx, models.TripEvent{TripID: "t2"})
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestAsyncDropsWhenFull(t *testing.T) {
	c := &capture{block: make(chan struct{})}
	a := NewAsync(c, "test", 1, logging.Discard())
	ctx := context.Background()

	// first job is taken by the worker and blocks, second fills the queue
	a.PublishTrip(ctx, models.TripEvent{TripID: "t1"})
	time.Sleep(20 * time.Millisecond)
	a.PublishTrip(ctx, models.TripEvent{TripID: "t2"})
	done := make(chan struct{})
	go func() {
		a.PublishTrip(ctx, models.TripEvent{TripID: "t3"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}
	close(c.block)
	a.Close()
	if len(c.trips) != 2 || c.trips[1].TripID != "t2" {
		t.Fatalf("expected t1 and t2 only, got %+v", c.trips)
	}
}

func TestTripMessageKeyedByTrip(t *testing.T) {
	ev := models.TripEvent{TripID: "t1", From: models.PhaseRequested, To: models.PhaseMatched, Timestamp: time.Now()}
	msg, err := tripMessage(ev)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if string(msg.Key) != "t1" || string(msg.Headers[0].Value) != "MATCHED" {
		t.Fatalf("unexpected message %+v", msg)
	}
	var back models.TripEvent
	if err := json.Unmarshal(msg.Value, &back); err != nil || back.To != models.PhaseMatched {
		t.Fatalf("bad payload %s: %v", msg.Value, err)
	}
}

func TestTripRoutingKey(t *testing.T) {
	if got := TripRoutingKey(models.PhaseEnRoute); got != "trip.en_route_to_pickup" {
		t.Fatalf("unexpected key %s", got)
	}
}
