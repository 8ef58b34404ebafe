package geo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/example/dynamic-dispatch/internal/models"
)

// RedisGeo implements Store using Redis GEO commands for positions and one
// hash per agent (agent:meta:<id>) for flags and capacity signals.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) PutAgent(ctx context.Context, a models.Agent) error {
	if a.LastPing.IsZero() {
		a.LastPing = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: a.Loc.Lon, Latitude: a.Loc.Lat, Name: a.ID})
	pipe.HSet(ctx, MetaKey(a.ID), encodeMeta(a))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put agent %s: %w", a.ID, err)
	}
	return nil
}

func (r *RedisGeo) UpdateLocation(ctx context.Context, u models.LocationUpdate) error {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: u.Loc.Lon, Latitude: u.Loc.Lat, Name: u.AgentID})
	pipe.HSet(ctx, MetaKey(u.AgentID), map[string]interface{}{
		"online": strconv.FormatBool(u.Online),
		"ping":   at.UTC().Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis update location %s: %w", u.AgentID, err)
	}
	return nil
}

func (r *RedisGeo) MarkAssigned(ctx context.Context, agentID string, remaining int) error {
	return r.client.HSet(ctx, MetaKey(agentID), map[string]interface{}{
		"available": "false",
		"allowance": strconv.Itoa(remaining),
	}).Err()
}

func (r *RedisGeo) MarkAvailable(ctx context.Context, agentID string) error {
	return r.client.HSet(ctx, MetaKey(agentID), "available", "true").Err()
}

func (r *RedisGeo) FindCandidates(ctx context.Context, center models.Coord, radiusKm float64, filter ClassFilter) ([]models.Candidate, error) {
	if err := validateQuery(center, radiusKm); err != nil {
		return nil, err
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	if len(res) == 0 {
		return []models.Candidate{}, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis agent meta: %w", err)
	}

	out := make([]models.Candidate, 0, len(res))
	for i, g := range res {
		a := decodeMeta(g.Name, metas[i].Val())
		a.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !filter.Match(a) {
			continue
		}
		out = append(out, models.Candidate{Agent: a, DistanceKm: g.Dist})
	}
	return out, nil
}

func MetaKey(id string) string { return "agent:meta:" + id }

func encodeMeta(a models.Agent) map[string]interface{} {
	cats := make([]string, 0, len(a.Categories))
	for _, c := range a.Categories {
		cats = append(cats, string(c))
	}
	return map[string]interface{}{
		"online":        strconv.FormatBool(a.Online),
		"available":     strconv.FormatBool(a.Available),
		"ping":          a.LastPing.UTC().Format(time.RFC3339Nano),
		"balance":       a.Balance.String(),
		"min_balance":   a.MinimumBalance.String(),
		"allowance":     strconv.Itoa(a.RemainingAllowance),
		"rating":        strconv.FormatFloat(a.Rating, 'f', -1, 64),
		"completed":     strconv.Itoa(a.CompletedJobs),
		"verified":      strconv.FormatBool(a.Verified),
		"vehicle_class": a.VehicleClass,
		"categories":    strings.Join(cats, ","),
	}
}

// decodeMeta is lenient: a missing or malformed field leaves the zero value,
// which the availability filter then rejects (offline, stale, no allowance).
func decodeMeta(id string, m map[string]string) models.Agent {
	a := models.Agent{ID: id}
	a.Online = m["online"] == "true"
	a.Available = m["available"] == "true"
	a.Verified = m["verified"] == "true"
	if v, err := time.Parse(time.RFC3339Nano, m["ping"]); err == nil {
		a.LastPing = v
	}
	if v, err := decimal.NewFromString(m["balance"]); err == nil {
		a.Balance = v
	}
	if v, err := decimal.NewFromString(m["min_balance"]); err == nil {
		a.MinimumBalance = v
	}
	if v, err := strconv.Atoi(m["allowance"]); err == nil {
		a.RemainingAllowance = v
	}
	if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		a.Rating = v
	}
	if v, err := strconv.Atoi(m["completed"]); err == nil {
		a.CompletedJobs = v
	}
	a.VehicleClass = m["vehicle_class"]
	if raw := m["categories"]; raw != "" {
		for _, c := range strings.Split(raw, ",") {
			a.Categories = append(a.Categories, models.ServiceCategory(c))
		}
	}
	return a
}
