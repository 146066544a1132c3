package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/trip"
)

// Notifier delivers an event to a user's live session.
type Notifier interface {
	Notify(userID string, ev models.Event) error
}

// Ranker orders eligible drivers before the broadcast. It may trim the list
// but must not add drivers.
type Ranker interface {
	Rank(ctx context.Context, req models.TripRequest, cands []models.DriverAvailability) []models.DriverAvailability
}

// Engine broadcasts trip requests to every eligible driver and resolves the
// accept race: the first driver to claim the trip wins, every other offer is
// withdrawn. Unanswered rounds expire after OfferTimeout.
type Engine struct {
	Registry     *registry.Registry
	Trips        *trip.Machine
	Notify       Notifier
	Ranker       Ranker         // optional
	ETA          *eta.Estimator // optional
	OfferTimeout time.Duration
	Logger       *slog.Logger

	// Closed runs after a round ends without a match (expired).
	Closed func(t models.Trip)

	mu     sync.Mutex
	rounds map[string]*round
}

// round is the set of live offers for one REQUESTED trip. While sending is
// set the broadcast is still going out and an empty round does not expire.
type round struct {
	pending map[string]struct{}
	sending bool
	timer   *time.Timer
	started time.Time
}

// NewEngine registers the engine as the registry's offline hook.
func NewEngine(reg *registry.Registry, trips *trip.Machine, n Notifier, timeout time.Duration, logger *slog.Logger) *Engine {
	e := &Engine{
		Registry:     reg,
		Trips:        trips,
		Notify:       n,
		OfferTimeout: timeout,
		Logger:       logger,
		rounds:       make(map[string]*round),
	}
	reg.OnDriverOffline = e.Withdraw
	return e
}

// Submit creates a trip for req and offers it to every eligible driver.
// With no eligible driver nothing is created and ErrNoDriversAvailable is
// returned.
func (e *Engine) Submit(ctx context.Context, req models.TripRequest) (models.Trip, error) {
	cands := e.candidates(req)
	if e.Ranker != nil && len(cands) > 0 {
		cands = e.Ranker.Rank(ctx, req, cands)
	}
	if len(cands) == 0 {
		observability.TripsRejected.Inc()
		return models.Trip{}, fmt.Errorf("request from %s: %w", req.ClientID, models.ErrNoDriversAvailable)
	}

	t, err := e.Trips.Create(req)
	if err != nil {
		return models.Trip{}, err
	}

	r := &round{pending: make(map[string]struct{}, len(cands)), sending: true, started: time.Now()}
	tripID := t.ID
	e.mu.Lock()
	e.rounds[tripID] = r
	r.timer = time.AfterFunc(e.OfferTimeout, func() { e.expire(tripID, "no driver accepted in time") })
	e.mu.Unlock()

	offer := models.Event{Type: models.EvTripOffer, TripID: tripID, Data: models.TripOffer{
		TripID:        tripID,
		Origin:        req.Origin,
		Destination:   req.Destination,
		VehicleType:   req.VehicleType,
		Price:         t.Price,
		PaymentMethod: t.PaymentMethod,
		ExpiresAt:     r.started.Add(e.OfferTimeout),
	}}
	sent := 0
	for _, d := range cands {
		if !e.addOffer(tripID, r, d.DriverID) {
			break
		}
		if err := e.Notify.Notify(d.DriverID, offer); err != nil {
			e.Logger.Warn("offer_undeliverable", "trip_id", tripID, "driver_id", d.DriverID, "err", err)
			e.mu.Lock()
			delete(r.pending, d.DriverID)
			e.mu.Unlock()
			continue
		}
		sent++
		if !e.isOpen(tripID, r) {
			// closed while this offer was going out, possibly before it
			if held, _ := e.Registry.EngagedIn(d.DriverID); held != tripID {
				e.send(d.DriverID, withdrawn(tripID))
			}
			break
		}
	}
	observability.OffersSent.Add(float64(sent))

	e.mu.Lock()
	r.sending = false
	live := e.rounds[tripID] == r
	if live && sent == 0 {
		delete(e.rounds, tripID)
		r.timer.Stop()
	}
	empty := live && len(r.pending) == 0
	e.mu.Unlock()

	if sent == 0 {
		if live {
			// nobody saw it: close quietly, no terminal event or record
			if _, err := e.Trips.Cancel(tripID, ""); err != nil {
				e.Logger.Debug("unoffered_cancel_skipped", "trip_id", tripID, "err", err)
			}
		}
		observability.TripsRejected.Inc()
		return models.Trip{}, fmt.Errorf("request from %s: %w", req.ClientID, models.ErrNoDriversAvailable)
	}
	if empty {
		e.expire(tripID, "all drivers declined")
	}
	observability.TripsRequested.Inc()
	e.Logger.Info("trip_offered", "trip_id", tripID, "client_id", t.ClientID, "offers", sent)
	return t, nil
}

// Accept tries to bind driverID to the trip. Losers of the race, and drivers
// whose offer was already withdrawn, get ErrOfferWithdrawn and change nothing.
func (e *Engine) Accept(_ context.Context, tripID, driverID string) (models.Trip, error) {
	if !e.holdsOffer(tripID, driverID) {
		return models.Trip{}, fmt.Errorf("accept %s by %s: %w", tripID, driverID, models.ErrOfferWithdrawn)
	}
	d, err := e.Registry.Engage(driverID, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	t, err := e.Trips.Claim(tripID, models.DriverSnapshot{
		DriverID: d.DriverID,
		Name:     d.Name,
		Phone:    d.Phone,
		Vehicle:  strings.TrimSpace(d.Vehicle.Model),
		Plate:    d.Vehicle.Plate,
		Location: d.Location,
	})
	if err != nil {
		e.Registry.Release(driverID, tripID)
		if errors.Is(err, models.ErrInvalidTransition) {
			observability.ClaimsLost.Inc()
			return models.Trip{}, fmt.Errorf("accept %s by %s: %w", tripID, driverID, models.ErrOfferWithdrawn)
		}
		return models.Trip{}, err
	}

	r := e.closeRound(tripID)
	if r != nil {
		delete(r.pending, driverID)
		e.withdrawAll(tripID, r)
		observability.MatchLatency.Observe(time.Since(r.started).Seconds())
	}
	observability.MatchesTotal.Inc()

	matched := models.TripMatched{DriverSnapshot: *t.Driver}
	refine := false
	if e.ETA != nil && t.Request.Pickup != nil {
		var exact bool
		matched.ETASeconds, exact = e.ETA.Quick(d.Location, *t.Request.Pickup)
		refine = !exact && e.ETA.Client != nil
	}
	e.send(t.ClientID, models.Event{Type: models.EvTripMatched, TripID: tripID, Data: matched})
	e.send(driverID, models.Event{Type: models.EvTripHandshake, TripID: tripID, Data: models.TripHandshake{
		ClientID:      t.ClientID,
		ClientPhone:   t.Request.ClientPhone,
		Origin:        t.Request.Origin,
		Destination:   t.Request.Destination,
		Price:         t.Price,
		PaymentMethod: t.PaymentMethod,
	}})
	if refine {
		go e.refineETA(t, d.Location)
	}
	e.Logger.Info("trip_matched", "trip_id", tripID, "driver_id", driverID, "client_id", t.ClientID)
	return t, nil
}

// refineETA asks the routing backend for the pickup time and sends it to the
// client while the driver is still on the way.
func (e *Engine) refineETA(t models.Trip, from models.Coord) {
	v := e.ETA.Estimate(context.Background(), from, *t.Request.Pickup)
	cur, err := e.Trips.Get(t.ID)
	if err != nil || cur.Phase != models.PhaseEnRoute {
		return
	}
	e.send(t.ClientID, models.Event{Type: models.EvDriverETA, TripID: t.ID, Data: models.TripETA{TripID: t.ID, ETASeconds: v}})
}

// Reject removes the driver from the round. The last rejection expires the
// trip at once.
func (e *Engine) Reject(_ context.Context, tripID, driverID string) error {
	if !e.holdsOffer(tripID, driverID) {
		return fmt.Errorf("reject %s by %s: %w", tripID, driverID, models.ErrOfferWithdrawn)
	}
	e.drop(tripID, driverID)
	return nil
}

// Withdraw pulls a driver out of every open round. It is the registry's
// offline hook.
func (e *Engine) Withdraw(driverID string) {
	e.mu.Lock()
	var ids []string
	for id, r := range e.rounds {
		if _, ok := r.pending[driverID]; ok {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.drop(id, driverID)
	}
}

// Cancel calls off a trip before pickup. Open offers are withdrawn and a
// bound driver goes back to the pool.
func (e *Engine) Cancel(_ context.Context, tripID, byUserID string) (models.Trip, error) {
	t, err := e.Trips.Cancel(tripID, byUserID)
	if err != nil {
		return t, err
	}
	if r := e.closeRound(tripID); r != nil {
		e.withdrawAll(tripID, r)
	}
	if t.DriverID != "" {
		e.Registry.Release(t.DriverID, tripID)
	}
	return t, nil
}

// Pending reports the drivers still holding an offer for tripID.
func (e *Engine) Pending(tripID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[tripID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	return out
}

func (e *Engine) candidates(req models.TripRequest) []models.DriverAvailability {
	all := e.Registry.Eligible()
	out := all[:0]
	for _, d := range all {
		if d.DriverID == req.ClientID {
			continue
		}
		if req.VehicleType != "" && d.Vehicle.Type != "" && !strings.EqualFold(req.VehicleType, d.Vehicle.Type) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (e *Engine) holdsOffer(tripID, driverID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[tripID]
	if !ok {
		return false
	}
	_, ok = r.pending[driverID]
	return ok
}

// addOffer puts driverID in the round if it is still open.
func (e *Engine) addOffer(tripID string, r *round, driverID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rounds[tripID] != r {
		return false
	}
	r.pending[driverID] = struct{}{}
	return true
}

func (e *Engine) isOpen(tripID string, r *round) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rounds[tripID] == r
}

// drop removes one driver from a round and expires the trip when no offer is
// left.
func (e *Engine) drop(tripID, driverID string) {
	e.mu.Lock()
	r, ok := e.rounds[tripID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(r.pending, driverID)
	empty := len(r.pending) == 0 && !r.sending
	e.mu.Unlock()
	if empty {
		e.expire(tripID, "all drivers declined")
	}
}

func (e *Engine) expire(tripID, reason string) {
	t, err := e.Trips.Expire(tripID)
	if err != nil {
		// matched or cancelled first; the winner already closed the round
		e.Logger.Debug("expire_skipped", "trip_id", tripID, "err", err)
		return
	}
	if r := e.closeRound(tripID); r != nil {
		e.withdrawAll(tripID, r)
	}
	e.send(t.ClientID, models.Event{Type: models.EvTripExpired, TripID: tripID, Data: models.TripClosed{TripID: tripID, Reason: reason}})
	e.Logger.Info("trip_expired", "trip_id", tripID, "reason", reason)
	if e.Closed != nil {
		e.Closed(t)
	}
}

func (e *Engine) closeRound(tripID string) *round {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[tripID]
	if !ok {
		return nil
	}
	delete(e.rounds, tripID)
	if r.timer != nil {
		r.timer.Stop()
	}
	return r
}

func withdrawn(tripID string) models.Event {
	return models.Event{Type: models.EvOfferWithdrawn, TripID: tripID, Data: models.TripClosed{TripID: tripID}}
}

func (e *Engine) withdrawAll(tripID string, r *round) {
	ev := withdrawn(tripID)
	for id := range r.pending {
		e.send(id, ev)
	}
}

func (e *Engine) send(userID string, ev models.Event) {
	if err := e.Notify.Notify(userID, ev); err != nil {
		e.Logger.Debug("notify_failed", "user_id", userID, "type", ev.Type, "err", err)
	}
}
