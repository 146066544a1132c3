package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// historyLimit caps how many trips a history query returns.
const historyLimit = 200

// TripStore is the durable record of terminal trips and driver debt.
type TripStore interface {
	// SaveTrip is idempotent per trip id. Debt for a completed trip is
	// accrued only on the first save.
	SaveTrip(ctx context.Context, t *models.Trip) error
	// SaveRating fails with ErrAlreadyRated or ErrUnknownTrip.
	SaveRating(ctx context.Context, tripID string, stars int, comment string) error
	// History returns trips where userID was client or driver, newest first.
	History(ctx context.Context, userID string) ([]models.Trip, error)
	Debt(ctx context.Context, driverID string) (float64, error)
	Ping(ctx context.Context) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
	debts map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.Trip), debts: make(map[string]float64)}
}

func (m *MemoryStore) SaveTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return nil
	}
	m.trips[t.ID] = t.Clone()
	if t.Phase == models.PhaseCompleted && t.DriverID != "" {
		m.debts[t.DriverID] += t.Commission
	}
	return nil
}

func (m *MemoryStore) SaveRating(_ context.Context, tripID string, stars int, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return fmt.Errorf("rating %s: %w", tripID, models.ErrUnknownTrip)
	}
	if t.Rating != nil {
		return fmt.Errorf("rating %s: %w", tripID, models.ErrAlreadyRated)
	}
	if t.Phase != models.PhaseCompleted {
		return fmt.Errorf("rating %s in %s: %w", tripID, t.Phase, models.ErrInvalidTransition)
	}
	t.Rating = &stars
	t.Comment = comment
	m.trips[tripID] = t
	return nil
}

func (m *MemoryStore) History(_ context.Context, userID string) ([]models.Trip, error) {
	m.mu.RLock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if t.Involves(userID) {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].At(models.PhaseRequested).After(out[j].At(models.PhaseRequested))
	})
	if len(out) > historyLimit {
		out = out[:historyLimit]
	}
	return out, nil
}

func (m *MemoryStore) Debt(_ context.Context, driverID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.debts[driverID], nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Get(id string) (models.Trip, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	return t, ok
}
