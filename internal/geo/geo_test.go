package geo

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dynamic-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKmOneDegreeLatitude(t *testing.T) {
	assert.InDelta(t, 111.19, HaversineKm(0, 0, 1, 0), 0.01)
}

// offsetKm returns a point roughly km kilometres north of c.
func offsetKm(c models.Coord, km float64) models.Coord {
	return models.Coord{Lat: c.Lat + km/111.19, Lon: c.Lon}
}

func TestIndexFindCandidatesRadius(t *testing.T) {
	ctx := context.Background()
	center := models.Coord{Lat: 52.52, Lon: 13.405}
	idx := NewIndex()
	require.NoError(t, idx.PutAgent(ctx, models.Agent{ID: "near", Loc: offsetKm(center, 3)}))
	require.NoError(t, idx.PutAgent(ctx, models.Agent{ID: "far", Loc: offsetKm(center, 40)}))

	got, err := idx.FindCandidates(ctx, center, 5, ClassFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].ID)
	assert.InDelta(t, 3, got[0].DistanceKm, 0.05)

	got, err = idx.FindCandidates(ctx, center, 50, ClassFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestIndexFindCandidatesClassFilter(t *testing.T) {
	ctx := context.Background()
	center := models.Coord{Lat: 1, Lon: 1}
	idx := NewIndex()
	require.NoError(t, idx.PutAgent(ctx, models.Agent{ID: "car", Loc: center, VehicleClass: "sedan", Categories: []models.ServiceCategory{models.CategoryTransport}}))
	require.NoError(t, idx.PutAgent(ctx, models.Agent{ID: "bike", Loc: center, VehicleClass: "bike", Categories: []models.ServiceCategory{models.CategoryDelivery}}))
	require.NoError(t, idx.PutAgent(ctx, models.Agent{ID: "any", Loc: center, VehicleClass: "sedan"}))

	got, err := idx.FindCandidates(ctx, center, 1, ClassFilter{Category: models.CategoryDelivery})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bike", "any"}, ids(got))

	got, err = idx.FindCandidates(ctx, center, 1, ClassFilter{Category: models.CategoryTransport, VehicleClass: "sedan"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"car", "any"}, ids(got))
}

func TestIndexRejectsInvalidQuery(t *testing.T) {
	idx := NewIndex()
	_, err := idx.FindCandidates(context.Background(), models.Coord{}, 0, ClassFilter{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = idx.FindCandidates(context.Background(), models.Coord{Lat: 91}, 5, ClassFilter{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestIndexLocationAndAvailabilityUpdates(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.PutAgent(ctx, models.Agent{ID: "a", Available: true, RemainingAllowance: 4}))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, idx.UpdateLocation(ctx, models.LocationUpdate{AgentID: "a", Loc: models.Coord{Lat: 2, Lon: 3}, Online: true, At: at}))
	a, ok := idx.Get("a")
	require.True(t, ok)
	assert.Equal(t, at, a.LastPing)
	assert.True(t, a.Available, "location push must not touch availability")
	assert.Equal(t, 4, a.RemainingAllowance)

	require.NoError(t, idx.MarkAssigned(ctx, "a", 3))
	a, _ = idx.Get("a")
	assert.False(t, a.Available)
	assert.Equal(t, 3, a.RemainingAllowance)

	require.NoError(t, idx.MarkAvailable(ctx, "a"))
	a, _ = idx.Get("a")
	assert.True(t, a.Available)

	assert.ErrorIs(t, idx.MarkAssigned(ctx, "ghost", 0), ErrUnknownAgent)
}

func TestMetaRoundTripKeepsCapacitySignals(t *testing.T) {
	in := models.Agent{
		ID:                 "a1",
		LastPing:           time.Date(2026, 5, 1, 12, 0, 0, 123, time.UTC),
		Online:             true,
		Available:          true,
		Balance:            decimal.RequireFromString("12.50"),
		MinimumBalance:     decimal.RequireFromString("5"),
		RemainingAllowance: 7,
		Rating:             4.8,
		CompletedJobs:      120,
		Verified:           true,
		VehicleClass:       "van",
		Categories:         []models.ServiceCategory{models.CategoryDelivery},
	}
	raw := encodeMeta(in)
	m := make(map[string]string, len(raw))
	for k, v := range raw {
		m[k] = v.(string)
	}
	out := decodeMeta("a1", m)
	assert.True(t, in.Balance.Equal(out.Balance))
	assert.True(t, in.MinimumBalance.Equal(out.MinimumBalance))
	out.Balance, out.MinimumBalance = in.Balance, in.MinimumBalance
	assert.Equal(t, in, out)
}

func TestDecodeMetaMissingFieldsIsNotDispatchable(t *testing.T) {
	a := decodeMeta("x", map[string]string{"online": "true"})
	assert.True(t, a.Online)
	assert.False(t, a.Available)
	assert.Zero(t, a.RemainingAllowance)
	assert.True(t, a.LastPing.IsZero())
}

func ids(cands []models.Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.ID)
	}
	return out
}
