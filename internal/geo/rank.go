package geo

import (
	"context"
	"sort"

	"github.com/example/trip-dispatch/internal/models"
)

// ProximityRanker orders broadcast candidates by distance to the pickup point.
// It only reorders and trims; every driver it returns gets the same offer.
type ProximityRanker struct {
	Index Geo
	Limit int // 0 keeps every candidate
}

func (p *ProximityRanker) Rank(ctx context.Context, req models.TripRequest, cands []models.DriverAvailability) []models.DriverAvailability {
	if req.Pickup == nil || len(cands) < 2 {
		return p.trim(cands)
	}
	pickup := *req.Pickup

	dist := make(map[string]float64, len(cands))
	for _, d := range cands {
		dist[d.DriverID] = Distance(pickup, d.Location)
	}
	// the shared index may hold fresher positions than the local pool
	if p.Index != nil {
		if near, err := p.Index.Nearby(ctx, pickup, 0); err == nil {
			for _, n := range near {
				if _, ok := dist[n.DriverID]; ok {
					dist[n.DriverID] = Distance(pickup, n.Loc)
				}
			}
		}
	}

	out := make([]models.DriverAvailability, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		return dist[out[i].DriverID] < dist[out[j].DriverID]
	})
	return p.trim(out)
}

func (p *ProximityRanker) trim(c []models.DriverAvailability) []models.DriverAvailability {
	if p.Limit > 0 && len(c) > p.Limit {
		return c[:p.Limit]
	}
	return c
}
