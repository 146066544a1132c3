package coordinator

import (
	"math"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// ledger holds terminal trips accepted in memory but not yet confirmed by the
// store, and the commission they add to each driver's debt.
//
// Store writes for a driver hold that driver's write lock; debt reads hold the
// read lock across pending+store, so a committed trip is never counted twice
// and never missed.
type ledger struct {
	mu      sync.Mutex
	pending map[string]models.Trip // trip id -> snapshot
	debt    map[string]float64     // driver id -> uncommitted commission
	ratings map[string]struct{}    // trip ids with a rating the store has not confirmed

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

func newLedger() *ledger {
	return &ledger{
		pending: make(map[string]models.Trip),
		debt:    make(map[string]float64),
		ratings: make(map[string]struct{}),
		locks:   make(map[string]*sync.RWMutex),
	}
}

func (l *ledger) driverLock(driverID string) *sync.RWMutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[driverID]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[driverID] = m
	}
	return m
}

// add records a terminal trip. Completed trips accrue their commission.
func (l *ledger) add(t models.Trip) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.pending[t.ID]; dup {
		return
	}
	l.pending[t.ID] = t
	if t.Phase == models.PhaseCompleted && t.DriverID != "" {
		l.debt[t.DriverID] += t.Commission
	}
}

// settle drops a trip once the store has it.
func (l *ledger) settle(tripID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.pending[tripID]
	if !ok {
		return
	}
	delete(l.pending, tripID)
	if t.Phase == models.PhaseCompleted && t.DriverID != "" {
		l.debt[t.DriverID] -= t.Commission
		if math.Abs(l.debt[t.DriverID]) < 0.005 {
			delete(l.debt, t.DriverID)
		}
	}
}

// rate applies a rating to a trip still waiting for its store write.
func (l *ledger) rate(tripID string, stars int, comment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.pending[tripID]
	if !ok {
		return false
	}
	t.Rating = &stars
	t.Comment = comment
	l.pending[tripID] = t
	return true
}

// holdRating claims the trip's single rating until the store confirms it. It
// reports false when a rating is already held.
func (l *ledger) holdRating(tripID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.ratings[tripID]; held {
		return false
	}
	l.ratings[tripID] = struct{}{}
	return true
}

func (l *ledger) releaseRating(tripID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ratings, tripID)
}

func (l *ledger) pendingDebt(driverID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debt[driverID]
}

func (l *ledger) pendingFor(userID string) []models.Trip {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Trip
	for _, t := range l.pending {
		if t.Involves(userID) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (l *ledger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
