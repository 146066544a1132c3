package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/relay"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

// Notifier delivers an ordered event to a user's live session.
type Notifier interface {
	Notify(userID string, ev models.Event) error
}

type Deps struct {
	Registry *registry.Registry
	Trips    *trip.Machine
	Engine   *matcher.Engine
	Relay    *relay.Relay
	Store    storage.TripStore
	Events   events.Publisher
	Out      Notifier
	Logger   *slog.Logger
}

type Options struct {
	// ExchangeRate converts debt to local currency; zero disables it.
	ExchangeRate  float64
	DefaultPrice  func(vehicleType string) float64
	SweepInterval time.Duration
	RetryAttempts int
	RetryBase     time.Duration
}

// Coordinator turns inbound session events into engine and state machine
// calls, notifies the parties, and keeps the durable record.
type Coordinator struct {
	registry *registry.Registry
	trips    *trip.Machine
	engine   *matcher.Engine
	relay    *relay.Relay
	store    storage.TripStore
	events   events.Publisher
	out      Notifier
	logger   *slog.Logger
	opts     Options

	ledger  *ledger
	persist *persister
	now     func() time.Time
}

// New wires the coordinator as the trip observer and the engine's close hook,
// and starts the persistence worker. Close stops it.
func New(d Deps, opts Options) *Coordinator {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	c := &Coordinator{
		registry: d.Registry,
		trips:    d.Trips,
		engine:   d.Engine,
		relay:    d.Relay,
		store:    d.Store,
		events:   d.Events,
		out:      d.Out,
		logger:   d.Logger,
		opts:     opts,
		ledger:   newLedger(),
		persist:  newPersister(opts.RetryAttempts, opts.RetryBase, d.Logger),
		now:      time.Now,
	}
	c.trips.Observer = c.publishTransition
	c.engine.Closed = c.recordTerminal
	return c
}

// Connect registers a session. A user with a trip in flight gets it back as
// trip-resumed on the new session.
func (c *Coordinator) Connect(_ context.Context, sessionID string, id models.Identity) (models.Session, error) {
	if id.ID == "" || !id.Role.Valid() {
		return models.Session{}, fmt.Errorf("connect %s: %w", sessionID, models.ErrInvalidRequest)
	}
	prev, replaced := c.registry.Register(sessionID, id)
	if replaced {
		c.logger.Info("session_replaced", "user_id", id.ID, "old_session", prev.ID, "session_id", sessionID)
	}
	s, _ := c.registry.Session(sessionID)
	if t, ok := c.trips.ActiveFor(id.ID); ok {
		c.send(id.ID, models.Event{Type: models.EvTripResumed, TripID: t.ID, Data: t})
		c.logger.Info("trip_resumed", "trip_id", t.ID, "user_id", id.ID, "phase", t.Phase)
	}
	return s, nil
}

// Disconnect tears down a session. A client still waiting for a driver loses
// the request; a driver leaves the pool. Matched trips carry on.
func (c *Coordinator) Disconnect(ctx context.Context, sessionID string) error {
	s, err := c.registry.Unregister(sessionID)
	if err != nil {
		return err
	}
	id := s.Identity
	switch id.Role {
	case models.RoleClient:
		t, ok := c.trips.ActiveFor(id.ID)
		if !ok || t.Phase != models.PhaseRequested {
			return nil
		}
		cancelled, err := c.engine.Cancel(ctx, t.ID, id.ID)
		if err != nil {
			// matched in the meantime
			c.logger.Debug("disconnect_cancel_skipped", "trip_id", t.ID, "err", err)
			return nil
		}
		c.logger.Info("trip_cancelled", "trip_id", t.ID, "reason", "client disconnected")
		c.recordTerminal(cancelled)
	case models.RoleDriver:
		c.goOffline(ctx, id.ID)
	}
	return nil
}

func (c *Coordinator) DriverOnline(ctx context.Context, id models.Identity, p models.DriverOnlinePayload) error {
	if id.Role != models.RoleDriver {
		return fmt.Errorf("driver-online by %s: %w", id.ID, models.ErrForbidden)
	}
	c.registry.SetDriverOnline(models.DriverAvailability{
		DriverID:  id.ID,
		Name:      p.Name,
		Phone:     p.Phone,
		Vehicle:   p.Vehicle,
		Location:  p.Location,
		Online:    true,
		UpdatedAt: c.now(),
	})
	if c.relay != nil {
		c.relay.Relay(ctx, "", id.ID, p.Location)
	}
	c.logger.Info("driver_online", "driver_id", id.ID, "vehicle_type", p.Vehicle.Type)
	return nil
}

func (c *Coordinator) DriverOffline(ctx context.Context, driverID string) error {
	c.goOffline(ctx, driverID)
	return nil
}

func (c *Coordinator) goOffline(ctx context.Context, driverID string) {
	if !c.registry.SetDriverOffline(driverID) {
		return
	}
	if c.relay != nil {
		c.relay.Offline(ctx, driverID)
	}
	c.logger.Info("driver_offline", "driver_id", driverID)
}

// RequestTrip submits a client's request to the dispatch engine. A zero price
// takes the configured fare for the vehicle type.
func (c *Coordinator) RequestTrip(ctx context.Context, id models.Identity, req models.TripRequest) (models.Trip, error) {
	if id.Role != models.RoleClient {
		return models.Trip{}, fmt.Errorf("request-trip by %s: %w", id.ID, models.ErrForbidden)
	}
	req.ClientID = id.ID
	req.VehicleType = strings.ToLower(strings.TrimSpace(req.VehicleType))
	if strings.TrimSpace(req.Origin) == "" || strings.TrimSpace(req.Destination) == "" {
		return models.Trip{}, fmt.Errorf("request-trip by %s: origin and destination required: %w", id.ID, models.ErrInvalidRequest)
	}
	if req.Price <= 0 && c.opts.DefaultPrice != nil {
		req.Price = c.opts.DefaultPrice(req.VehicleType)
	}
	if req.Price <= 0 {
		return models.Trip{}, fmt.Errorf("request-trip by %s: price required: %w", id.ID, models.ErrInvalidRequest)
	}
	t, err := c.engine.Submit(ctx, req)
	if err != nil {
		return models.Trip{}, err
	}
	c.send(t.ClientID, models.Event{Type: models.EvTripRequested, TripID: t.ID, Data: t})
	return t, nil
}

func (c *Coordinator) AcceptOffer(ctx context.Context, driverID, tripID string) (models.Trip, error) {
	return c.engine.Accept(ctx, tripID, driverID)
}

func (c *Coordinator) RejectOffer(ctx context.Context, driverID, tripID string) error {
	return c.engine.Reject(ctx, tripID, driverID)
}

// CancelTrip cancels on behalf of either party before pickup.
func (c *Coordinator) CancelTrip(ctx context.Context, userID, tripID string) (models.Trip, error) {
	t, err := c.engine.Cancel(ctx, tripID, userID)
	if err != nil {
		return t, err
	}
	reason := "cancelled by client"
	if userID == t.DriverID {
		reason = "cancelled by driver"
	}
	ev := models.Event{Type: models.EvTripCancelled, TripID: tripID, Data: models.TripClosed{TripID: tripID, Reason: reason}}
	c.send(t.ClientID, ev)
	if t.DriverID != "" {
		c.send(t.DriverID, ev)
	}
	c.logger.Info("trip_cancelled", "trip_id", tripID, "by", userID)
	c.recordTerminal(t)
	return t, nil
}

func (c *Coordinator) PositionUpdate(ctx context.Context, driverID, tripID string, loc models.Coord) (bool, error) {
	return c.relay.Relay(ctx, tripID, driverID, loc)
}

func (c *Coordinator) ConfirmPickup(_ context.Context, driverID, tripID string) (models.Trip, error) {
	t, err := c.trips.Pickup(tripID, driverID)
	if err != nil {
		return t, err
	}
	c.send(t.ClientID, models.Event{Type: models.EvTripStarted, TripID: tripID})
	c.logger.Info("trip_started", "trip_id", tripID, "driver_id", driverID)
	return t, nil
}

// FinalizeTrip completes the trip, frees the driver and records the commission
// owed. Store failures do not undo the completion.
func (c *Coordinator) FinalizeTrip(ctx context.Context, driverID, tripID string, p models.FinalizePayload) (models.Trip, error) {
	if p.DriverID != "" && p.DriverID != driverID {
		return models.Trip{}, fmt.Errorf("finalize %s by %s for %s: %w", tripID, driverID, p.DriverID, models.ErrNotParticipant)
	}
	clientID := p.ClientID
	if clientID == "" {
		cur, err := c.trips.Get(tripID)
		if err != nil {
			return models.Trip{}, err
		}
		clientID = cur.ClientID
	}
	t, err := c.trips.Finalize(tripID, clientID, driverID)
	if err != nil {
		return t, err
	}
	c.registry.Release(driverID, tripID)
	if _, err := c.RecordCompletion(ctx, t); err != nil {
		c.logger.Error("record_completion_failed", "trip_id", tripID, "err", err)
	}
	c.send(t.ClientID, models.Event{Type: models.EvTripCompleted, TripID: tripID, Data: models.TripCompleted{
		TripID:        tripID,
		Price:         t.Price,
		PaymentMethod: t.PaymentMethod,
	}})
	c.send(driverID, models.Event{Type: models.EvTripCompletedAck, TripID: tripID, Data: models.TripCompletedAck{
		TripID:     tripID,
		Commission: t.Commission,
	}})
	c.logger.Info("trip_completed", "trip_id", tripID, "driver_id", driverID, "price", t.Price, "commission", t.Commission)
	return t, nil
}

// SubmitRating records the client's rating of a completed trip. Trips already
// evicted from memory are rated directly in the store.
func (c *Coordinator) SubmitRating(ctx context.Context, clientID, tripID string, stars int, comment string) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("rate %s with %d: %w", tripID, stars, models.ErrInvalidRating)
	}
	t, err := c.trips.Get(tripID)
	if err != nil {
		return c.rateStored(ctx, clientID, tripID, stars, comment)
	}
	if t.ClientID != clientID {
		return fmt.Errorf("rate %s by %s: %w", tripID, clientID, models.ErrNotParticipant)
	}
	if _, err := c.trips.Rate(tripID, stars, comment); err != nil {
		return err
	}
	c.ledger.holdRating(tripID)
	c.ledger.rate(tripID, stars, comment)
	c.logger.Info("trip_rated", "trip_id", tripID, "stars", stars)
	return c.persist.enqueue(c.saveRating(tripID, stars, comment))
}

// rateStored rates a trip that is no longer in memory. A rating held in the
// ledger or already on the record makes it fail with ErrAlreadyRated.
func (c *Coordinator) rateStored(ctx context.Context, clientID, tripID string, stars int, comment string) error {
	hist, err := c.QueryHistory(ctx, clientID)
	if err != nil {
		return err
	}
	for _, t := range hist {
		if t.ID != tripID || t.ClientID != clientID {
			continue
		}
		if t.Phase != models.PhaseCompleted {
			return fmt.Errorf("rate %s in %s: %w", tripID, t.Phase, models.ErrInvalidTransition)
		}
		if t.Rating != nil || !c.ledger.holdRating(tripID) {
			return fmt.Errorf("rate %s: %w", tripID, models.ErrAlreadyRated)
		}
		if c.ledger.rate(tripID, stars, comment) {
			// the trip itself is still queued; the rating goes in after it
			c.logger.Info("trip_rated", "trip_id", tripID, "stars", stars, "queued", true)
			return c.persist.enqueue(c.saveRating(tripID, stars, comment))
		}
		err := c.store.SaveRating(ctx, tripID, stars, comment)
		c.ledger.releaseRating(tripID)
		if err != nil {
			return err
		}
		c.logger.Info("trip_rated", "trip_id", tripID, "stars", stars, "stored", true)
		return nil
	}
	return fmt.Errorf("rate %s by %s: %w", tripID, clientID, models.ErrUnknownTrip)
}

// saveRating writes a held rating. The hold stays if every attempt fails.
func (c *Coordinator) saveRating(tripID string, stars int, comment string) job {
	return job{
		name: "save_rating",
		key:  tripID,
		write: func(ctx context.Context) error {
			if err := c.store.SaveRating(ctx, tripID, stars, comment); err != nil {
				return err
			}
			c.ledger.releaseRating(tripID)
			return nil
		},
	}
}

// RecordCompletion accrues the trip's commission at once and queues the
// durable write. It returns the trip id.
func (c *Coordinator) RecordCompletion(_ context.Context, t models.Trip) (string, error) {
	if t.Phase != models.PhaseCompleted {
		return "", fmt.Errorf("record %s in %s: %w", t.ID, t.Phase, models.ErrInvalidTransition)
	}
	return t.ID, c.record(t)
}

func (c *Coordinator) recordTerminal(t models.Trip) {
	if err := c.record(t); err != nil {
		c.logger.Error("record_trip_failed", "trip_id", t.ID, "phase", t.Phase, "err", err)
	}
}

func (c *Coordinator) record(t models.Trip) error {
	t = t.Clone()
	c.ledger.add(t)
	return c.persist.enqueue(job{
		name: "save_trip",
		key:  t.ID,
		write: func(ctx context.Context) error {
			if t.DriverID != "" {
				l := c.ledger.driverLock(t.DriverID)
				l.Lock()
				defer l.Unlock()
			}
			if err := c.store.SaveTrip(ctx, &t); err != nil {
				return err
			}
			c.ledger.settle(t.ID)
			return nil
		},
	})
}

// QueryHistory lists the finished trips userID took part in, as client or
// driver, newest first. Trips still waiting for their store write are
// included.
func (c *Coordinator) QueryHistory(ctx context.Context, userID string) ([]models.Trip, error) {
	pending := c.ledger.pendingFor(userID)
	stored, err := c.store.History(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", userID, err)
	}
	seen := make(map[string]struct{}, len(pending))
	out := make([]models.Trip, 0, len(pending)+len(stored))
	for _, t := range pending {
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	for _, t := range stored {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].At(models.PhaseRequested), out[j].At(models.PhaseRequested)
		if ai.Equal(aj) {
			return out[i].ID > out[j].ID
		}
		return ai.After(aj)
	})
	return out, nil
}

// CurrentDebt is the commission the driver owes: the stored balance plus
// completions not yet written.
func (c *Coordinator) CurrentDebt(ctx context.Context, driverID string) (float64, error) {
	l := c.ledger.driverLock(driverID)
	l.RLock()
	defer l.RUnlock()
	stored, err := c.store.Debt(ctx, driverID)
	if err != nil {
		return 0, fmt.Errorf("debt %s: %w", driverID, err)
	}
	return roundCents(stored + c.ledger.pendingDebt(driverID)), nil
}

type Summary struct {
	Completed  int     `json:"completed"`
	Gross      float64 `json:"gross"`
	Commission float64 `json:"commission"`
	Net        float64 `json:"net"`
}

// Report is a user's history with totals for the trips they drove.
type Report struct {
	Trips            []models.Trip `json:"trips"`
	CurrentDebt      float64       `json:"current_debt"`
	CurrentDebtLocal float64       `json:"current_debt_local,omitempty"`
	Summary          Summary       `json:"summary"`
}

func (c *Coordinator) HistorySummary(ctx context.Context, userID string) (Report, error) {
	trips, err := c.QueryHistory(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Trips: trips}
	for _, t := range trips {
		if t.Phase != models.PhaseCompleted || t.DriverID != userID {
			continue
		}
		rep.Summary.Completed++
		rep.Summary.Gross += t.Price
		rep.Summary.Commission += t.Commission
	}
	rep.Summary.Gross = roundCents(rep.Summary.Gross)
	rep.Summary.Commission = roundCents(rep.Summary.Commission)
	rep.Summary.Net = roundCents(rep.Summary.Gross - rep.Summary.Commission)

	debt, err := c.CurrentDebt(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	rep.CurrentDebt = debt
	if c.opts.ExchangeRate > 0 {
		rep.CurrentDebtLocal = roundCents(debt * c.opts.ExchangeRate)
	}
	return rep, nil
}

// Run sweeps closed trips out of memory until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.trips.Sweep(c.now()); n > 0 {
				c.logger.Debug("trips_swept", "count", n, "remaining", c.trips.Len())
			}
		}
	}
}

// Close waits for queued store writes until ctx is done.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.persist.close(ctx)
}

// publishTransition runs under the trip's lock; the publisher must not block.
func (c *Coordinator) publishTransition(t models.Trip, from, to models.Phase) {
	ev := models.TripEvent{
		TripID:    t.ID,
		From:      from,
		To:        to,
		ClientID:  t.ClientID,
		DriverID:  t.DriverID,
		Price:     t.Price,
		Timestamp: t.At(to),
	}
	if err := c.events.PublishTrip(context.Background(), ev); err != nil {
		c.logger.Warn("trip_event_publish_failed", "trip_id", t.ID, "to", to, "err", err)
	}
}

func (c *Coordinator) send(userID string, ev models.Event) {
	if err := c.out.Notify(userID, ev); err != nil {
		c.logger.Debug("notify_failed", "user_id", userID, "type", ev.Type, "err", err)
	}
}
