package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/trip"
)

type latestRecorder struct {
	mu     sync.Mutex
	frames map[string][]models.Event
}

func (l *latestRecorder) NotifyLatest(userID string, ev models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frames == nil {
		l.frames = make(map[string][]models.Event)
	}
	l.frames[userID] = append(l.frames[userID], ev)
	return nil
}

func (l *latestRecorder) count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames[userID])
}

type pubRecorder struct{ locs []models.DriverLocation }

func (p *pubRecorder) PublishLocation(_ context.Context, loc models.DriverLocation) error {
	p.locs = append(p.locs, loc)
	return nil
}

func setup(t *testing.T) (*Relay, *trip.Machine, *latestRecorder, string) {
	t.Helper()
	reg := registry.New()
	reg.SetDriverOnline(models.DriverAvailability{DriverID: "d1"})
	m := trip.NewMachine(0.25, time.Hour)
	out := &latestRecorder{}
	r := New(m, reg, out, logging.Discard())

	tr, err := m.Create(models.TripRequest{ClientID: "c1", Price: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r, m, out, tr.ID
}

func TestRelayDropsBeforeMatch(t *testing.T) {
	r, _, out, id := setup(t)
	ok, err := r.Relay(context.Background(), id, "d1", models.Coord{Lat: 1})
	if err != nil || ok {
		t.Fatalf("expected silent drop, got %v %v", ok, err)
	}
	if out.count("c1") != 0 {
		t.Fatal("position delivered for REQUESTED trip")
	}
}

func TestRelayForwardsWhileActiveOnly(t *testing.T) {
	r, m, out, id := setup(t)
	ctx := context.Background()
	m.Claim(id, models.DriverSnapshot{DriverID: "d1"})

	if ok, _ := r.Relay(ctx, id, "d1", models.Coord{Lat: 1}); !ok {
		t.Fatal("expected delivery while en route")
	}
	m.Pickup(id, "d1")
	if ok, _ := r.Relay(ctx, id, "d1", models.Coord{Lat: 2}); !ok {
		t.Fatal("expected delivery while in progress")
	}
	if ok, _ := r.Relay(ctx, id, "d2", models.Coord{Lat: 2}); ok {
		t.Fatal("foreign driver position must be dropped")
	}
	m.Finalize(id, "c1", "d1")
	before := out.count("c1")

	ok, err := r.Relay(ctx, id, "d1", models.Coord{Lat: 3})
	if ok || err != nil {
		t.Fatalf("expected silent drop after completion, got %v %v", ok, err)
	}
	if out.count("c1") != before {
		t.Fatal("driver-position reached client after trip-completed")
	}
	got, _ := m.Get(id)
	if got.Phase != models.PhaseCompleted {
		t.Fatalf("late position changed phase to %s", got.Phase)
	}
}

func TestRelayUnknownTripIsSilent(t *testing.T) {
	r, _, _, _ := setup(t)
	ok, err := r.Relay(context.Background(), "nope", "d1", models.Coord{})
	if ok || err != nil {
		t.Fatalf("expected silent drop, got %v %v", ok, err)
	}
}

func TestRelayRecordsLocation(t *testing.T) {
	r, _, _, _ := setup(t)
	idx := geo.NewIndex()
	pub := &pubRecorder{}
	r.Index = idx
	r.Publisher = pub
	ctx := context.Background()

	r.Relay(ctx, "", "d1", models.Coord{Lat: 10.5, Lon: -66.9})

	near, _ := idx.Nearby(ctx, models.Coord{Lat: 10.5, Lon: -66.9}, 1)
	if len(near) != 1 || near[0].DriverID != "d1" {
		t.Fatalf("expected d1 in index, got %+v", near)
	}
	if len(pub.locs) != 1 || !pub.locs[0].Online {
		t.Fatalf("expected one online location published, got %+v", pub.locs)
	}
}

func TestOfflineRemovesFromIndex(t *testing.T) {
	r, _, _, _ := setup(t)
	idx := geo.NewIndex()
	pub := &pubRecorder{}
	r.Index = idx
	r.Publisher = pub
	ctx := context.Background()

	r.Relay(ctx, "", "d1", models.Coord{Lat: 1, Lon: 1})
	r.Offline(ctx, "d1")

	near, _ := idx.Nearby(ctx, models.Coord{Lat: 1, Lon: 1}, 0)
	if len(near) != 0 {
		t.Fatalf("expected empty index, got %+v", near)
	}
	if len(pub.locs) != 2 || pub.locs[1].Online {
		t.Fatalf("expected an offline record last, got %+v", pub.locs)
	}
}
