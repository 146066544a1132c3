package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Registry tracks live sessions and the online driver pool.
// Every driver mutation runs under that driver's key lock, so joining,
// leaving, engaging and releasing are linearizable per driver id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]models.Session // session id -> session
	byUser   map[string]string         // user id -> session id
	drivers  map[string]models.DriverAvailability
	engaged  map[string]string // driver id -> trip id

	driverLocks *keyLock

	// OnDriverOffline runs after a driver leaves the pool, outside any lock.
	OnDriverOffline func(driverID string)

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		sessions:    make(map[string]models.Session),
		byUser:      make(map[string]string),
		drivers:     make(map[string]models.DriverAvailability),
		engaged:     make(map[string]string),
		driverLocks: newKeyLock(),
		now:         time.Now,
	}
}

// Register binds sessionID to identity. An older session of the same user is
// replaced and returned so the caller can close its transport.
func (r *Registry) Register(sessionID string, id models.Identity) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev models.Session
	replaced := false
	if old, ok := r.byUser[id.ID]; ok && old != sessionID {
		prev, replaced = r.sessions[old]
		delete(r.sessions, old)
	}
	r.sessions[sessionID] = models.Session{ID: sessionID, Identity: id, ConnectedAt: r.now()}
	r.byUser[id.ID] = sessionID
	observability.Sessions.Set(float64(len(r.sessions)))
	return prev, replaced
}

// Unregister removes a session. The user mapping is only cleared when it
// still points at this session, so a late unregister of a replaced session
// does not orphan the newer one.
func (r *Registry) Unregister(sessionID string) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, fmt.Errorf("unregister %s: %w", sessionID, models.ErrUnknownSession)
	}
	delete(r.sessions, sessionID)
	if r.byUser[s.Identity.ID] == sessionID {
		delete(r.byUser, s.Identity.ID)
	}
	observability.Sessions.Set(float64(len(r.sessions)))
	return s, nil
}

func (r *Registry) Session(sessionID string) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// SessionFor returns the live session of a user.
func (r *Registry) SessionFor(userID string) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byUser[userID]
	if !ok {
		return models.Session{}, false
	}
	s, ok := r.sessions[sid]
	return s, ok
}

// SetDriverOnline adds or refreshes a driver in the online pool.
func (r *Registry) SetDriverOnline(d models.DriverAvailability) {
	unlock := r.driverLocks.Lock(d.DriverID)
	defer unlock()

	d.Online = true
	d.UpdatedAt = r.now()
	r.mu.Lock()
	r.drivers[d.DriverID] = d
	observability.DriversOnline.Set(float64(len(r.drivers)))
	r.mu.Unlock()
}

// SetDriverOffline removes a driver from the pool. It reports whether the
// driver was online. An engagement in an active trip is kept.
func (r *Registry) SetDriverOffline(driverID string) bool {
	unlock := r.driverLocks.Lock(driverID)
	r.mu.Lock()
	_, ok := r.drivers[driverID]
	delete(r.drivers, driverID)
	observability.DriversOnline.Set(float64(len(r.drivers)))
	r.mu.Unlock()
	unlock()

	if ok && r.OnDriverOffline != nil {
		r.OnDriverOffline(driverID)
	}
	return ok
}

// UpdateDriverLocation records the last known location of an online driver.
func (r *Registry) UpdateDriverLocation(driverID string, loc models.Coord) bool {
	unlock := r.driverLocks.Lock(driverID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return false
	}
	d.Location = loc
	d.UpdatedAt = r.now()
	r.drivers[driverID] = d
	return true
}

func (r *Registry) Driver(driverID string) (models.DriverAvailability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[driverID]
	return d, ok
}

// ListOnlineDrivers returns a snapshot of the pool ordered by driver id.
func (r *Registry) ListOnlineDrivers() []models.DriverAvailability {
	r.mu.RLock()
	out := make([]models.DriverAvailability, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// Eligible returns online drivers not engaged in an active trip.
func (r *Registry) Eligible() []models.DriverAvailability {
	all := r.ListOnlineDrivers()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := all[:0]
	for _, d := range all {
		if _, busy := r.engaged[d.DriverID]; !busy {
			out = append(out, d)
		}
	}
	return out
}

// Engage claims an online driver for tripID.
func (r *Registry) Engage(driverID, tripID string) (models.DriverAvailability, error) {
	unlock := r.driverLocks.Lock(driverID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	d, online := r.drivers[driverID]
	if !online {
		return models.DriverAvailability{}, fmt.Errorf("engage %s: %w", driverID, models.ErrDriverOffline)
	}
	if current, busy := r.engaged[driverID]; busy && current != tripID {
		return models.DriverAvailability{}, fmt.Errorf("engage %s for %s (in %s): %w", driverID, tripID, current, models.ErrDriverBusy)
	}
	r.engaged[driverID] = tripID
	return d, nil
}

// Release frees the driver if it is engaged in tripID. It reports whether an
// engagement was cleared.
func (r *Registry) Release(driverID, tripID string) bool {
	unlock := r.driverLocks.Lock(driverID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engaged[driverID] != tripID {
		return false
	}
	delete(r.engaged, driverID)
	return true
}

func (r *Registry) EngagedIn(driverID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.engaged[driverID]
	return t, ok
}
