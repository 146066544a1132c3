package geo

import (
	"context"
	"testing"

	"github.com/example/trip-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestIndexNearbySkipsOfflineAndOrders(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	g.Upsert(ctx, models.DriverLocation{DriverID: "far", Loc: models.Coord{Lat: 0.05}, Online: true})
	g.Upsert(ctx, models.DriverLocation{DriverID: "near", Loc: models.Coord{Lat: 0.001}, Online: true})
	g.Upsert(ctx, models.DriverLocation{DriverID: "off", Loc: models.Coord{}, Online: false})

	got, _ := g.Nearby(ctx, models.Coord{}, 5)
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "far" {
		t.Fatalf("unexpected nearby result %+v", got)
	}
	g.Remove(ctx, "near")
	got, _ = g.Nearby(ctx, models.Coord{}, 1)
	if len(got) != 1 || got[0].DriverID != "far" {
		t.Fatalf("expected far only, got %+v", got)
	}
}

func TestProximityRankerOrdersByPickup(t *testing.T) {
	cands := []models.DriverAvailability{
		{DriverID: "a", Location: models.Coord{Lat: 0.02}},
		{DriverID: "b", Location: models.Coord{Lat: 0.001}},
		{DriverID: "c", Location: models.Coord{Lat: 0.01}},
	}
	r := &ProximityRanker{Limit: 2}
	got := r.Rank(context.Background(), models.TripRequest{Pickup: &models.Coord{}}, cands)
	if len(got) != 2 || got[0].DriverID != "b" || got[1].DriverID != "c" {
		t.Fatalf("unexpected ranking %+v", got)
	}
	if cands[0].DriverID != "a" {
		t.Fatal("ranker must not reorder the caller's slice")
	}
}

func TestProximityRankerPrefersIndexPosition(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	// the pool still has a stale far position for a
	idx.Upsert(ctx, models.DriverLocation{DriverID: "a", Loc: models.Coord{Lat: 0.0001}, Online: true})
	cands := []models.DriverAvailability{
		{DriverID: "a", Location: models.Coord{Lat: 0.5}},
		{DriverID: "b", Location: models.Coord{Lat: 0.01}},
	}
	r := &ProximityRanker{Index: idx}
	got := r.Rank(ctx, models.TripRequest{Pickup: &models.Coord{}}, cands)
	if got[0].DriverID != "a" {
		t.Fatalf("expected index position to win, got %+v", got)
	}
}

func TestProximityRankerWithoutPickupKeepsOrder(t *testing.T) {
	cands := []models.DriverAvailability{{DriverID: "z"}, {DriverID: "a"}}
	got := (&ProximityRanker{}).Rank(context.Background(), models.TripRequest{}, cands)
	if got[0].DriverID != "z" {
		t.Fatalf("expected unchanged order, got %+v", got)
	}
}
