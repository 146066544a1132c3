package trip

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Observer is called for every applied transition while the trip's lock is
// held, so calls for one trip arrive in order. It must not call back into
// the Machine.
type Observer func(t models.Trip, from, to models.Phase)

// Machine owns the in-memory lifecycle of every live trip. Each trip has its
// own mutex; the index maps are guarded separately and are always locked
// after an entry, never before.
type Machine struct {
	mu     sync.RWMutex
	trips  map[string]*entry
	active map[string]string // user id -> non-terminal trip id

	CommissionRate float64
	Retention      time.Duration
	Observer       Observer

	now   func() time.Time
	newID func() string
}

type entry struct {
	mu       sync.Mutex
	trip     models.Trip
	closedAt time.Time
}

func NewMachine(commissionRate float64, retention time.Duration) *Machine {
	return &Machine{
		trips:          make(map[string]*entry),
		active:         make(map[string]string),
		CommissionRate: commissionRate,
		Retention:      retention,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// Commission is the platform's share of price, rounded to cents.
func Commission(price, rate float64) float64 {
	return math.Round(price*rate*100) / 100
}

// Create registers a new trip in REQUESTED for the requesting client.
func (m *Machine) Create(req models.TripRequest) (models.Trip, error) {
	if req.ClientID == "" {
		return models.Trip{}, fmt.Errorf("create trip: missing client: %w", models.ErrInvalidRequest)
	}
	now := m.now()
	e := &entry{trip: models.Trip{
		ID:            m.newID(),
		ClientID:      req.ClientID,
		Request:       req,
		Phase:         models.PhaseRequested,
		Transitions:   map[models.Phase]time.Time{models.PhaseRequested: now},
		Price:         req.Price,
		PaymentMethod: req.PaymentMethod,
	}}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	if existing, ok := m.active[req.ClientID]; ok {
		m.mu.Unlock()
		return models.Trip{}, fmt.Errorf("client %s in trip %s: %w", req.ClientID, existing, models.ErrActiveTrip)
	}
	m.trips[e.trip.ID] = e
	m.active[req.ClientID] = e.trip.ID
	m.mu.Unlock()

	observability.ActiveTrips.Inc()
	m.notify(e.trip, "", models.PhaseRequested)
	return e.trip.Clone(), nil
}

// Claim binds a driver to a REQUESTED trip and moves it straight through
// MATCHED to EN_ROUTE_TO_PICKUP. Only the first claim succeeds; later ones get
// ErrAlreadyClaimed and leave the trip untouched.
func (m *Machine) Claim(tripID string, d models.DriverSnapshot) (models.Trip, error) {
	e, err := m.lookup(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t := &e.trip
	if t.Phase != models.PhaseRequested {
		if t.DriverID != "" {
			return t.Clone(), fmt.Errorf("claim %s by %s (held by %s): %w", tripID, d.DriverID, t.DriverID, models.ErrAlreadyClaimed)
		}
		return t.Clone(), fmt.Errorf("claim %s in %s: %w", tripID, t.Phase, models.ErrInvalidTransition)
	}

	m.mu.Lock()
	if other, busy := m.active[d.DriverID]; busy {
		m.mu.Unlock()
		return t.Clone(), fmt.Errorf("claim %s: driver %s in %s: %w", tripID, d.DriverID, other, models.ErrDriverBusy)
	}
	m.active[d.DriverID] = tripID
	m.mu.Unlock()

	t.DriverID = d.DriverID
	snap := d
	t.Driver = &snap
	m.step(e, models.PhaseMatched)
	m.step(e, models.PhaseEnRoute)
	return t.Clone(), nil
}

// Pickup marks the client as picked up by the assigned driver.
func (m *Machine) Pickup(tripID, driverID string) (models.Trip, error) {
	return m.transition(tripID, models.PhaseInProgress, func(t *models.Trip) error {
		if t.DriverID != driverID {
			return fmt.Errorf("pickup %s by %s: %w", tripID, driverID, models.ErrNotParticipant)
		}
		return nil
	})
}

// Finalize completes an IN_PROGRESS trip. Both party ids must match the trip.
// The commission owed by the driver is fixed at this point.
func (m *Machine) Finalize(tripID, clientID, driverID string) (models.Trip, error) {
	return m.transition(tripID, models.PhaseCompleted, func(t *models.Trip) error {
		if t.ClientID != clientID || t.DriverID != driverID {
			return fmt.Errorf("finalize %s (client %s, driver %s): %w", tripID, clientID, driverID, models.ErrNotParticipant)
		}
		t.Commission = Commission(t.Price, m.CommissionRate)
		return nil
	})
}

// Cancel moves a trip that has not been picked up to CANCELLED. An empty
// byUserID means the system cancelled it.
func (m *Machine) Cancel(tripID, byUserID string) (models.Trip, error) {
	return m.transition(tripID, models.PhaseCancelled, func(t *models.Trip) error {
		if byUserID != "" && !t.Involves(byUserID) {
			return fmt.Errorf("cancel %s by %s: %w", tripID, byUserID, models.ErrNotParticipant)
		}
		t.CancelledBy = byUserID
		return nil
	})
}

// Expire closes a trip no driver accepted.
func (m *Machine) Expire(tripID string) (models.Trip, error) {
	return m.transition(tripID, models.PhaseExpired, nil)
}

// Rate records the client's rating. A completed trip awaits exactly one rating.
func (m *Machine) Rate(tripID string, stars int, comment string) (models.Trip, error) {
	if stars < 1 || stars > 5 {
		return models.Trip{}, fmt.Errorf("rate %s with %d: %w", tripID, stars, models.ErrInvalidRating)
	}
	e, err := m.lookup(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t := &e.trip
	if t.Phase != models.PhaseCompleted {
		return t.Clone(), fmt.Errorf("rate %s in %s: %w", tripID, t.Phase, models.ErrInvalidTransition)
	}
	if t.Rating != nil {
		return t.Clone(), fmt.Errorf("rate %s: %w", tripID, models.ErrAlreadyRated)
	}
	t.Rating = &stars
	t.Comment = comment
	return t.Clone(), nil
}

func (m *Machine) Get(tripID string) (models.Trip, error) {
	e, err := m.lookup(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trip.Clone(), nil
}

// ActiveFor returns the non-terminal trip userID takes part in, as client or
// driver.
func (m *Machine) ActiveFor(userID string) (models.Trip, bool) {
	m.mu.RLock()
	id, ok := m.active[userID]
	m.mu.RUnlock()
	if !ok {
		return models.Trip{}, false
	}
	t, err := m.Get(id)
	if err != nil || t.Phase.Terminal() {
		return models.Trip{}, false
	}
	return t, true
}

// Sweep evicts terminal trips closed before now minus the retention window,
// and rated completed trips right away. It returns the number evicted.
func (m *Machine) Sweep(now time.Time) int {
	m.mu.RLock()
	entries := make(map[string]*entry, len(m.trips))
	for id, e := range m.trips {
		entries[id] = e
	}
	m.mu.RUnlock()

	var evict []string
	for id, e := range entries {
		e.mu.Lock()
		t := e.trip
		expired := t.Phase.Terminal() && now.Sub(e.closedAt) >= m.Retention
		rated := t.Phase == models.PhaseCompleted && t.Rating != nil
		e.mu.Unlock()
		if expired || rated {
			evict = append(evict, id)
		}
	}
	if len(evict) == 0 {
		return 0
	}
	m.mu.Lock()
	for _, id := range evict {
		delete(m.trips, id)
	}
	m.mu.Unlock()
	return len(evict)
}

// Len reports how many trips are held in memory.
func (m *Machine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trips)
}

func (m *Machine) lookup(tripID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.trips[tripID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrUnknownTrip)
	}
	return e, nil
}

// transition applies one guarded phase change. check runs under the trip
// lock after the phase guard and may mutate the trip.
func (m *Machine) transition(tripID string, to models.Phase, check func(*models.Trip) error) (models.Trip, error) {
	e, err := m.lookup(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t := &e.trip
	if !t.Phase.CanTransitionTo(to) {
		return t.Clone(), fmt.Errorf("trip %s: %s -> %s: %w", tripID, t.Phase, to, models.ErrInvalidTransition)
	}
	if check != nil {
		if err := check(t); err != nil {
			return t.Clone(), err
		}
	}
	m.step(e, to)
	return t.Clone(), nil
}

// step moves the entry to the next phase. Caller holds e.mu.
func (m *Machine) step(e *entry, to models.Phase) {
	t := &e.trip
	from := t.Phase
	now := m.now()
	t.Phase = to
	t.Transitions[to] = now

	if to.Terminal() {
		e.closedAt = now
		m.mu.Lock()
		if m.active[t.ClientID] == t.ID {
			delete(m.active, t.ClientID)
		}
		if t.DriverID != "" && m.active[t.DriverID] == t.ID {
			delete(m.active, t.DriverID)
		}
		m.mu.Unlock()
		observability.ActiveTrips.Dec()
		observability.TripsFinished.WithLabelValues(string(to)).Inc()
	}
	m.notify(*t, from, to)
}

func (m *Machine) notify(t models.Trip, from, to models.Phase) {
	if m.Observer != nil {
		m.Observer(t.Clone(), from, to)
	}
}
