package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// LatestNotifier delivers last-value-wins frames: an undelivered frame of the
// same type is replaced, never queued behind.
type LatestNotifier interface {
	NotifyLatest(userID string, ev models.Event) error
}

// TripSource is the read side of the trip state machine.
type TripSource interface {
	Get(tripID string) (models.Trip, error)
}

// LocationSink records a driver's last known position.
type LocationSink interface {
	UpdateDriverLocation(driverID string, loc models.Coord) bool
}

// LocationPublisher streams driver positions to other consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// Relay forwards driver positions to the trip's client while the trip is en
// route or in progress. Anything else is dropped without error.
type Relay struct {
	Trips     TripSource
	Pool      LocationSink
	Index     geo.Geo           // optional
	Publisher LocationPublisher // optional
	Out       LatestNotifier
	Logger    *slog.Logger

	now func() time.Time
}

func New(trips TripSource, pool LocationSink, out LatestNotifier, logger *slog.Logger) *Relay {
	return &Relay{Trips: trips, Pool: pool, Out: out, Logger: logger, now: time.Now}
}

// Relay records loc for driverID and forwards it to the client of tripID.
// delivered is false when the update was dropped by the phase gate.
func (r *Relay) Relay(ctx context.Context, tripID, driverID string, loc models.Coord) (bool, error) {
	r.record(ctx, driverID, loc)

	if tripID == "" {
		return false, nil
	}
	t, err := r.Trips.Get(tripID)
	if err != nil {
		observability.PositionsDropped.Inc()
		return false, nil
	}
	if !t.Phase.Relayable() || t.DriverID != driverID {
		observability.PositionsDropped.Inc()
		r.Logger.Debug("position_dropped", "trip_id", tripID, "driver_id", driverID, "phase", t.Phase)
		return false, nil
	}
	ev := models.Event{Type: models.EvDriverPosition, TripID: tripID, Data: models.PositionPayload{Location: loc}}
	if err := r.Out.NotifyLatest(t.ClientID, ev); err != nil {
		// the client may be reconnecting; the next sample will try again
		r.Logger.Debug("position_undeliverable", "trip_id", tripID, "client_id", t.ClientID, "err", err)
		return false, nil
	}
	observability.PositionsRelayed.Inc()
	return true, nil
}

func (r *Relay) record(ctx context.Context, driverID string, loc models.Coord) {
	online := r.Pool.UpdateDriverLocation(driverID, loc)
	dl := models.DriverLocation{DriverID: driverID, Loc: loc, Online: online, Updated: r.now()}
	if r.Index != nil {
		if err := r.Index.Upsert(ctx, dl); err != nil {
			r.Logger.Warn("geo_upsert_failed", "driver_id", driverID, "err", err)
		}
	}
	if r.Publisher != nil {
		if err := r.Publisher.PublishLocation(ctx, dl); err != nil {
			r.Logger.Warn("location_publish_failed", "driver_id", driverID, "err", err)
		}
	}
}

// Offline drops a driver from the shared index and announces it on the
// location stream.
func (r *Relay) Offline(ctx context.Context, driverID string) {
	if r.Index != nil {
		if err := r.Index.Remove(ctx, driverID); err != nil {
			r.Logger.Warn("geo_remove_failed", "driver_id", driverID, "err", err)
		}
	}
	if r.Publisher != nil {
		dl := models.DriverLocation{DriverID: driverID, Updated: r.now()}
		if err := r.Publisher.PublishLocation(ctx, dl); err != nil {
			r.Logger.Warn("location_publish_failed", "driver_id", driverID, "err", err)
		}
	}
}
