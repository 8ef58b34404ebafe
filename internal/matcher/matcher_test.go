package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/example/dynamic-dispatch/internal/config"
	"github.com/example/dynamic-dispatch/internal/events"
	"github.com/example/dynamic-dispatch/internal/geo"
	"github.com/example/dynamic-dispatch/internal/models"
	"github.com/example/dynamic-dispatch/internal/storage"
)

const kmPerDegree = 6371 * math.Pi / 180

type notifications struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *notifications) Notify(_ context.Context, _ string, msg models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *notifications) types() []models.NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.NotificationType, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Type)
	}
	return out
}

type harness struct {
	svc     *Service
	geo     *geo.Index
	store   *storage.MemoryStore
	emitter *events.Emitter
	notes   *notifications
}

func newHarness(t *testing.T, agents ...models.Agent) *harness {
	t.Helper()
	h := &harness{geo: geo.NewIndex(), store: storage.NewMemoryStore(), notes: &notifications{}}
	for _, a := range agents {
		h.seed(t, a)
	}
	cfg := config.DefaultDispatchConfig()
	cfg.AttemptDelay = time.Millisecond
	h.emitter = events.NewEmitter(h.store, h.notes, cfg.AverageSpeedKmh, zerolog.Nop())
	h.svc = NewService(h.geo, h.store, h.emitter, cfg, zerolog.Nop())
	return h
}

func (h *harness) seed(t *testing.T, a models.Agent) {
	t.Helper()
	require.NoError(t, h.geo.PutAgent(context.Background(), a))
	require.NoError(t, h.store.PutAgent(context.Background(), a))
}

// agentAt places a dispatchable agent km kilometres due north of the origin.
func agentAt(id string, km float64) models.Agent {
	return models.Agent{
		ID:                 id,
		Loc:                models.Coord{Lat: km / kmPerDegree},
		LastPing:           time.Now(),
		Online:             true,
		Available:          true,
		Balance:            decimal.NewFromInt(100),
		MinimumBalance:     decimal.NewFromInt(10),
		RemainingAllowance: 5,
		Rating:             4.5,
		CompletedJobs:      120,
	}
}

func request(id string, p models.Priority) models.DispatchRequest {
	lat, lng := 0.0, 0.0
	return models.DispatchRequest{
		RequestID:       id,
		RequesterID:     "user-" + id,
		PickupLat:       &lat,
		PickupLng:       &lng,
		ServiceCategory: models.CategoryTransport,
		Priority:        p,
	}
}

func radii(res models.DispatchResult) []float64 {
	out := make([]float64, 0, len(res.AttemptsLog))
	for _, a := range res.AttemptsLog {
		out = append(out, a.RadiusKm)
	}
	return out
}

func requestStatus(t *testing.T, h *harness, id string) models.RequestStatus {
	t.Helper()
	repo, err := h.store.Requests(models.CategoryTransport)
	require.NoError(t, err)
	r, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

func TestDispatchMatchesInFirstRadius(t *testing.T) {
	h := newHarness(t, agentAt("a1", 2.9))

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	h.emitter.Wait()

	assert.True(t, res.Success)
	assert.Equal(t, models.OutcomeMatched, res.Outcome)
	assert.Equal(t, "a1", res.AgentID)
	require.NotNil(t, res.DistanceKm)
	assert.InDelta(t, 2.9, *res.DistanceKm, 0.01)
	require.NotNil(t, res.EstimatedArrivalMinutes)
	assert.Equal(t, 6, *res.EstimatedArrivalMinutes)
	assert.Equal(t, []float64{5}, radii(res))
	assert.Equal(t, 1, res.AttemptsLog[0].CandidatesFound)

	allowance, available, ok := h.store.Allowance("a1")
	require.True(t, ok)
	assert.Equal(t, 4, allowance)
	assert.False(t, available)

	snap, _ := h.geo.Get("a1")
	assert.False(t, snap.Available, "read view refreshed after assignment")
	assert.Equal(t, 4, snap.RemainingAllowance)

	assert.Equal(t, models.StatusAssigned, requestStatus(t, h, "r1"))
	assert.Equal(t, []models.NotificationType{models.NotificationMatchFound}, h.notes.types())

	audit := h.store.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, models.OutcomeMatched, audit[0].Outcome)
	assert.Equal(t, "a1", audit[0].AgentID)
}

func TestDispatchWidensUntilAgentInRange(t *testing.T) {
	h := newHarness(t, agentAt("a1", 12))

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	h.emitter.Wait()

	assert.True(t, res.Success)
	assert.Equal(t, []float64{5, 10, 15}, radii(res))
	assert.Equal(t, 0, res.AttemptsLog[0].CandidatesFound)
	assert.Equal(t, 0, res.AttemptsLog[1].CandidatesFound)
	assert.Equal(t, 1, res.AttemptsLog[2].CandidatesFound)
	assert.ElementsMatch(t, []models.NotificationType{
		models.NotificationSearchWidening,
		models.NotificationSearchWidening,
		models.NotificationMatchFound,
	}, h.notes.types())
}

func TestDispatchExhaustsAllRadii(t *testing.T) {
	busy := agentAt("busy", 2)
	busy.Available = false
	h := newHarness(t, busy, agentAt("far", 40))

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	h.emitter.Wait()

	assert.False(t, res.Success)
	assert.Equal(t, models.OutcomeExhausted, res.Outcome)
	assert.Equal(t, "no_agents_available", res.FailureReason)
	assert.Equal(t, []float64{5, 10, 15, 25}, res.RadiiAttempted)
	assert.Equal(t, []float64{5, 10, 15, 25}, radii(res))
	assert.Equal(t, []string{models.ActionRetryLater, models.ActionScheduleForLater}, res.SuggestedActions)
	assert.Nil(t, res.DistanceKm)
	assert.Equal(t, models.StatusUnassignable, requestStatus(t, h, "r1"))

	types := h.notes.types()
	require.Len(t, types, 4)
	assert.Contains(t, types, models.NotificationNoMatch)
}

func TestUrgentReachesFiftyKilometres(t *testing.T) {
	h := newHarness(t, agentAt("far", 40))

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityUrgent))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "far", res.AgentID)
	assert.Equal(t, []float64{5, 10, 15, 25, 50}, radii(res))
}

func TestDispatchPrefersBestScoredAgent(t *testing.T) {
	novice := agentAt("novice", 2)
	novice.Rating = 3
	novice.CompletedJobs = 0
	veteran := agentAt("veteran", 2.5)
	veteran.Rating = 4.9
	veteran.Verified = true
	h := newHarness(t, novice, veteran)

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, "veteran", res.AgentID)
	assert.Equal(t, 2, res.AttemptsLog[0].CandidatesFound)
}

func TestDispatchSkipsIneligibleAgents(t *testing.T) {
	stale := agentAt("stale", 1)
	stale.LastPing = time.Now().Add(-3 * time.Minute)
	broke := agentAt("broke", 1.5)
	broke.Balance = decimal.NewFromInt(5)
	spent := agentAt("spent", 2)
	spent.RemainingAllowance = 0
	courier := agentAt("courier", 2.5)
	courier.Categories = []models.ServiceCategory{models.CategoryDelivery}
	h := newHarness(t, stale, broke, spent, courier, agentAt("ok", 4))

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.AgentID)
	assert.Equal(t, 1, res.AttemptsLog[0].CandidatesFound)
}

func TestDispatchHonoursVehicleClass(t *testing.T) {
	bike := agentAt("bike", 1)
	bike.VehicleClass = "bike"
	car := agentAt("car", 8)
	car.VehicleClass = "car"
	h := newHarness(t, bike, car)

	req := request("r1", models.PriorityNormal)
	req.VehicleClass = "car"
	res, err := h.svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "car", res.AgentID)
	assert.Equal(t, []float64{5, 10}, radii(res))
}

func TestDispatchRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, agentAt("a1", 1))

	missing := request("r1", models.PriorityNormal)
	missing.PickupLat = nil
	res, err := h.svc.Dispatch(context.Background(), missing)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.Contains(t, res.FailureReason, "pickup_lat")

	outOfRange := request("r2", models.PriorityNormal)
	lat := 91.0
	outOfRange.PickupLat = &lat
	_, err = h.svc.Dispatch(context.Background(), outOfRange)
	require.ErrorIs(t, err, ErrInvalidRequest)

	badPriority := request("r3", "asap")
	_, err = h.svc.Dispatch(context.Background(), badPriority)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, available, _ := h.store.Allowance("a1")
	assert.True(t, available, "rejected requests never touch agents")
	audit := h.store.AuditLog()
	require.Len(t, audit, 3)
	for _, rec := range audit {
		assert.Equal(t, models.OutcomeRejected, rec.Outcome)
	}
}

func TestDispatchDefaultsToNormalPriority(t *testing.T) {
	h := newHarness(t, agentAt("a1", 1))
	res, err := h.svc.Dispatch(context.Background(), request("r1", ""))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.PriorityNormal, h.store.AuditLog()[0].Priority)
}

func TestSecondDispatchOfSameRequestIsNotPending(t *testing.T) {
	h := newHarness(t, agentAt("a1", 1), agentAt("a2", 2))

	first, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, models.OutcomeNotPending, second.Outcome)
	assert.Equal(t, "request_not_pending", second.FailureReason)
	assert.Len(t, h.store.Assignments(), 1)

	_, available, _ := h.store.Allowance("a2")
	assert.True(t, available)
}

func TestRaceLossRetriesAtSameRadius(t *testing.T) {
	h := newHarness(t, agentAt("taken", 1), agentAt("free", 3))
	// another run already holds "taken" in the ledger; the read view lags
	require.NoError(t, h.store.PutAgent(context.Background(), models.Agent{ID: "taken", Available: false, RemainingAllowance: 2}))

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	h.emitter.Wait()

	assert.True(t, res.Success)
	assert.Equal(t, "free", res.AgentID)
	assert.Equal(t, []float64{5}, radii(res), "retry stays within the same attempt")

	audit := h.store.AuditLog()
	require.Len(t, audit, 1)
	require.Len(t, audit[0].Attempts, 1)
	assert.Equal(t, 1, audit[0].Attempts[0].RaceLosses)
}

func TestConcurrentDispatchNeverDoubleAssigns(t *testing.T) {
	var agents []models.Agent
	for i := 0; i < 3; i++ {
		a := agentAt(fmt.Sprintf("a%d", i), float64(i+1))
		a.RemainingAllowance = 1
		agents = append(agents, a)
	}
	h := newHarness(t, agents...)

	const runs = 10
	var g errgroup.Group
	results := make([]models.DispatchResult, runs)
	for i := 0; i < runs; i++ {
		i := i
		g.Go(func() error {
			res, err := h.svc.Dispatch(context.Background(), request(fmt.Sprintf("r%d", i), models.PriorityNormal))
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())
	h.emitter.Wait()

	seen := map[string]string{}
	matched := 0
	for i, res := range results {
		if !res.Success {
			continue
		}
		matched++
		if prev, dup := seen[res.AgentID]; dup {
			t.Fatalf("agent %s assigned to r%d and %s", res.AgentID, i, prev)
		}
		seen[res.AgentID] = fmt.Sprintf("r%d", i)
	}
	assert.LessOrEqual(t, matched, len(agents))
	assert.Len(t, h.store.Assignments(), matched)
	for _, a := range agents {
		allowance, _, _ := h.store.Allowance(a.ID)
		assert.GreaterOrEqual(t, allowance, 0)
	}
	assert.Len(t, h.store.AuditLog(), runs)
}

func TestDispatchStopsAtDeadline(t *testing.T) {
	h := newHarness(t)
	h.svc.Config.MaxDuration = 30 * time.Millisecond
	h.svc.Config.AttemptDelay = time.Second

	start := time.Now()
	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	h.emitter.Wait()

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, models.OutcomeDeadlineExceeded, res.Outcome)
	assert.Equal(t, "deadline_exceeded", res.FailureReason)
	assert.Equal(t, []float64{5}, res.RadiiAttempted)
	assert.NotEmpty(t, res.SuggestedActions)
	assert.Equal(t, models.StatusUnassignable, requestStatus(t, h, "r1"))
	assert.Equal(t, models.OutcomeDeadlineExceeded, h.store.AuditLog()[0].Outcome)
}

func TestDispatchCancelledByCaller(t *testing.T) {
	h := newHarness(t, agentAt("a1", 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.svc.Dispatch(ctx, request("r1", models.PriorityNormal))
	require.NoError(t, err)
	h.emitter.Wait()

	assert.Equal(t, models.OutcomeCancelled, res.Outcome)
	assert.Empty(t, res.AttemptsLog)
	assert.Equal(t, models.StatusPending, requestStatus(t, h, "r1"))
	_, available, _ := h.store.Allowance("a1")
	assert.True(t, available)
	audit := h.store.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, models.OutcomeCancelled, audit[0].Outcome)
	assert.Empty(t, h.notes.types())
}

func TestCallerDeadlineEndsRunDuringDelay(t *testing.T) {
	h := newHarness(t)
	h.svc.Config.AttemptDelay = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := h.svc.Dispatch(ctx, request("r1", models.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeadlineExceeded, res.Outcome)
	assert.Len(t, res.AttemptsLog, 1)
}

type flakyLocator struct {
	Locator
	mu    sync.Mutex
	fails int
}

func (f *flakyLocator) FindCandidates(ctx context.Context, center models.Coord, radiusKm float64, filter geo.ClassFilter) ([]models.Candidate, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("redis: connection reset")
	}
	f.mu.Unlock()
	return f.Locator.FindCandidates(ctx, center, radiusKm, filter)
}

func TestTransientStoreErrorCountsAsEmptyRadius(t *testing.T) {
	h := newHarness(t, agentAt("a1", 2))
	h.svc.Geo = &flakyLocator{Locator: h.geo, fails: 1}

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []float64{5, 10}, radii(res))
	assert.Equal(t, 0, res.AttemptsLog[0].CandidatesFound)
	audit := h.store.AuditLog()
	require.Len(t, audit, 1)
	assert.Contains(t, audit[0].Attempts[0].StoreError, "connection reset")
}

type brokenRequests struct{ storage.RequestRepository }

func (brokenRequests) Begin(context.Context, models.Request) (models.Request, error) {
	return models.Request{}, errors.New("pq: connection refused")
}

type brokenStore struct{}

func (brokenStore) Requests(models.ServiceCategory) (storage.RequestRepository, error) {
	return brokenRequests{}, nil
}

func TestUnavailableRequestStoreSuggestsRetry(t *testing.T) {
	h := newHarness(t, agentAt("a1", 1))
	h.svc.Store = brokenStore{}

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeExhausted, res.Outcome)
	assert.Empty(t, res.AttemptsLog)
	assert.Contains(t, res.SuggestedActions, models.ActionRetryLater)
	assert.Equal(t, "request store unavailable", h.store.AuditLog()[0].Reason)
}

// stuckLocator holds every proximity query until the run's context ends.
type stuckLocator struct{ Locator }

func (stuckLocator) FindCandidates(ctx context.Context, _ models.Coord, _ float64, _ geo.ClassFilter) ([]models.Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDeadlineInsideLastRadiusIsNotExhaustion(t *testing.T) {
	h := newHarness(t, agentAt("a1", 1))
	h.svc.Geo = stuckLocator{Locator: h.geo}
	h.svc.Config.RadiiNormal = []float64{5}
	h.svc.Config.MaxDuration = 30 * time.Millisecond

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	h.emitter.Wait()

	assert.Equal(t, models.OutcomeDeadlineExceeded, res.Outcome)
	assert.Equal(t, "deadline_exceeded", res.FailureReason)
	assert.Equal(t, []float64{5}, radii(res))
	assert.Equal(t, models.StatusUnassignable, requestStatus(t, h, "r1"))
	audit := h.store.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, models.OutcomeDeadlineExceeded, audit[0].Outcome)
}

func TestNoWideningNoticeAfterDeadlineMidRadius(t *testing.T) {
	h := newHarness(t, agentAt("a1", 12))
	h.svc.Geo = stuckLocator{Locator: h.geo}
	h.svc.Config.MaxDuration = 30 * time.Millisecond

	res, err := h.svc.Dispatch(context.Background(), request("r1", models.PriorityNormal))
	require.NoError(t, err)
	h.emitter.Wait()

	assert.Equal(t, models.OutcomeDeadlineExceeded, res.Outcome)
	assert.Len(t, res.AttemptsLog, 1)
	assert.Equal(t, []models.NotificationType{models.NotificationNoMatch}, h.notes.types())
}
