package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/dynamic-dispatch/internal/models"
)

var (
	ErrInvalidQuery = errors.New("geo: invalid proximity query")
	ErrUnknownAgent = errors.New("geo: unknown agent")
)

// ClassFilter narrows a proximity query to agents able to serve a request.
type ClassFilter struct {
	Category     models.ServiceCategory
	VehicleClass string
}

func (f ClassFilter) Match(a models.Agent) bool {
	if f.VehicleClass != "" && a.VehicleClass != f.VehicleClass {
		return false
	}
	return a.Serves(f.Category)
}

// Store is the agent location store: a read view of agent snapshots that is
// maintained by location pushes and refreshed after each assignment.
type Store interface {
	FindCandidates(ctx context.Context, center models.Coord, radiusKm float64, filter ClassFilter) ([]models.Candidate, error)
	UpdateLocation(ctx context.Context, u models.LocationUpdate) error
	PutAgent(ctx context.Context, a models.Agent) error
	MarkAssigned(ctx context.Context, agentID string, remainingAllowance int) error
	MarkAvailable(ctx context.Context, agentID string) error
}

func validateQuery(center models.Coord, radiusKm float64) error {
	if !(radiusKm > 0) || math.IsInf(radiusKm, 0) {
		return fmt.Errorf("%w: radius %v km", ErrInvalidQuery, radiusKm)
	}
	if !center.Valid() {
		return fmt.Errorf("%w: center %+v", ErrInvalidQuery, center)
	}
	return nil
}

type Index struct {
	mu     sync.RWMutex
	agents map[string]models.Agent
	now    func() time.Time
}

func NewIndex() *Index {
	return &Index{agents: make(map[string]models.Agent), now: time.Now}
}

func (g *Index) PutAgent(_ context.Context, a models.Agent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a.LastPing.IsZero() {
		a.LastPing = g.now()
	}
	g.agents[a.ID] = a
	return nil
}

// UpdateLocation merges a position push into the snapshot, creating a bare
// (unavailable, zero allowance) agent if it was never registered.
func (g *Index) UpdateLocation(_ context.Context, u models.LocationUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[u.AgentID]
	if !ok {
		a = models.Agent{ID: u.AgentID}
	}
	a.Loc = u.Loc
	a.Online = u.Online
	a.LastPing = u.At
	if a.LastPing.IsZero() {
		a.LastPing = g.now()
	}
	g.agents[u.AgentID] = a
	return nil
}

func (g *Index) MarkAssigned(_ context.Context, agentID string, remaining int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	a.Available = false
	a.RemainingAllowance = remaining
	g.agents[agentID] = a
	return nil
}

func (g *Index) MarkAvailable(_ context.Context, agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	a.Available = true
	g.agents[agentID] = a
	return nil
}

// Get returns a copy of the stored snapshot.
func (g *Index) Get(agentID string) (models.Agent, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.agents[agentID]
	return a, ok
}

// FindCandidates scans every agent; fine for tests and single-node demos,
// use RedisGeo for real fleets.
func (g *Index) FindCandidates(_ context.Context, center models.Coord, radiusKm float64, filter ClassFilter) ([]models.Candidate, error) {
	if err := validateQuery(center, radiusKm); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Candidate, 0)
	for _, a := range g.agents {
		if !filter.Match(a) {
			continue
		}
		dist := HaversineKm(center.Lat, center.Lon, a.Loc.Lat, a.Loc.Lon)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.Candidate{Agent: a, DistanceKm: dist})
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(lat1, lon1, lat2, lon2) / 1000
}
