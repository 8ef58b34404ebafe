package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/dynamic-dispatch/internal/models"
)

// startPostgres launches a disposable Postgres container and returns a
// migrated store. Skipped unless DOCKER_AVAILABLE is set.
func startPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if os.Getenv("DOCKER_AVAILABLE") != "true" && os.Getenv("DOCKER_AVAILABLE") != "1" {
		t.Skip("docker not available")
	}
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "dispatch",
				"POSTGRES_PASSWORD": "dispatch",
				"POSTGRES_DB":       "dispatch",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://dispatch:dispatch@%s:%s/dispatch?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 10*time.Second, 100*time.Millisecond)
	require.NoError(t, Migrate(ctx, db, "up"))

	s := NewPostgresStoreFromDB(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresAssignmentTransaction(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.PutAgent(ctx, models.Agent{ID: "a1", Available: true, RemainingAllowance: 2}))
	repo, err := s.Requests(models.CategoryDelivery)
	require.NoError(t, err)

	req, err := repo.Begin(ctx, models.Request{ID: "p1", RequesterID: "u1", Pickup: models.Coord{Lat: 1, Lon: 2}, Priority: models.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSearching, req.Status)

	asg, err := repo.Assign(ctx, AssignParams{RequestID: "p1", AgentID: "a1", DistanceKm: 1.2, Score: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, asg.RemainingAllowance)

	got, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
	assert.Equal(t, "a1", got.AgentID)

	// agent is now unavailable: a second request loses and nothing is applied
	_, err = repo.Begin(ctx, models.Request{ID: "p2", Pickup: models.Coord{Lat: 1, Lon: 2}, Priority: models.PriorityNormal})
	require.NoError(t, err)
	_, err = repo.Assign(ctx, AssignParams{RequestID: "p2", AgentID: "a1"})
	require.ErrorIs(t, err, ErrAgentUnavailable)
	got, err = repo.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSearching, got.Status)
	assert.Empty(t, got.AgentID)

	_, err = repo.Begin(ctx, models.Request{ID: "p1"})
	assert.ErrorIs(t, err, ErrRequestClosed)
}

func TestPostgresAssignUnknownAgentIsUnavailable(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	repo, _ := s.Requests(models.CategoryTransport)
	_, err := repo.Begin(ctx, models.Request{ID: "g1", Pickup: models.Coord{Lat: 1, Lon: 2}, Priority: models.PriorityNormal})
	require.NoError(t, err)

	_, err = repo.Assign(ctx, AssignParams{RequestID: "g1", AgentID: "ghost"})
	require.ErrorIs(t, err, ErrAgentUnavailable)

	got, err := repo.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSearching, got.Status)
	assert.Empty(t, got.AgentID)
}

func TestPostgresAssignAfterConcurrentRunGaveUp(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	require.NoError(t, s.PutAgent(ctx, models.Agent{ID: "a1", Available: true, RemainingAllowance: 2}))
	repo, _ := s.Requests(models.CategoryDelivery)
	_, err := repo.Begin(ctx, models.Request{ID: "u1", Pickup: models.Coord{Lat: 1, Lon: 2}, Priority: models.PriorityNormal})
	require.NoError(t, err)
	require.NoError(t, repo.MarkUnassignable(ctx, "u1"))

	asg, err := repo.Assign(ctx, AssignParams{RequestID: "u1", AgentID: "a1", DistanceKm: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, asg.RemainingAllowance)

	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
}

func TestPostgresConcurrentAssignSameAgent(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	require.NoError(t, s.PutAgent(ctx, models.Agent{ID: "solo", Available: true, RemainingAllowance: 5}))
	repo, _ := s.Requests(models.CategoryTransport)

	const n = 8
	for i := 0; i < n; i++ {
		_, err := repo.Begin(ctx, models.Request{ID: fmt.Sprintf("r%d", i), Pickup: models.Coord{Lat: 1, Lon: 1}, Priority: models.PriorityNormal})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.Assign(ctx, AssignParams{RequestID: fmt.Sprintf("r%d", i), AgentID: "solo"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrAgentUnavailable)
	}
	assert.Equal(t, 1, wins)

	var remaining int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT remaining_allowance FROM agents WHERE id = 'solo'`).Scan(&remaining))
	assert.Equal(t, 4, remaining)
}

func TestPostgresAuditAppend(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	rec := models.AuditRecord{
		ID:         "7f1f8a2e-5f7c-4a8e-9a51-0c6f0c0d1e11",
		RequestID:  "r1",
		Outcome:    models.OutcomeExhausted,
		RecordedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Append(ctx, rec))

	var outcome string
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT outcome FROM dispatch_audit WHERE request_id = 'r1'`).Scan(&outcome))
	assert.Equal(t, "exhausted", outcome)
}
