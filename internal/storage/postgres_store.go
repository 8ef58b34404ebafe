package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/dynamic-dispatch/internal/models"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type PostgresStore struct {
	db    *sql.DB
	repos map[models.ServiceCategory]*postgresRequests
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	p := &PostgresStore{db: db}
	p.repos = map[models.ServiceCategory]*postgresRequests{
		models.CategoryTransport: {db: db, table: "ride_requests", category: models.CategoryTransport},
		models.CategoryDelivery:  {db: db, table: "parcel_requests", category: models.CategoryDelivery},
	}
	return p
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Requests(c models.ServiceCategory) (RequestRepository, error) {
	r, ok := p.repos[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return r, nil
}

func (p *PostgresStore) PutAgent(ctx context.Context, a models.Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (id, is_available, remaining_allowance, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET is_available = EXCLUDED.is_available,
		    remaining_allowance = EXCLUDED.remaining_allowance,
		    updated_at = now()`,
		a.ID, a.Available, a.RemainingAllowance)
	if err != nil {
		return fmt.Errorf("put agent %s: %w", a.ID, err)
	}
	return nil
}

func (p *PostgresStore) ReleaseAgent(ctx context.Context, agentID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE agents SET is_available = true, updated_at = now() WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("release agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// Append writes an audit record; the full record is kept as JSONB.
func (p *PostgresStore) Append(ctx context.Context, rec models.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO dispatch_audit (id, request_id, outcome, record, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.RequestID, string(rec.Outcome), b, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// postgresRequests serves one category; table is a fixed identifier chosen
// in NewPostgresStoreFromDB, never caller input.
type postgresRequests struct {
	db       *sql.DB
	table    string
	category models.ServiceCategory
}

func (r *postgresRequests) Category() models.ServiceCategory { return r.category }

func (r *postgresRequests) Begin(ctx context.Context, req models.Request) (models.Request, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO `+r.table+` AS t (id, requester_id, vehicle_class, pickup_lat, pickup_lon, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'searching', now(), now())
		ON CONFLICT (id) DO UPDATE
		SET status = 'searching', priority = EXCLUDED.priority, updated_at = now()
		WHERE t.status IN ('pending', 'searching', 'unassignable')
		RETURNING `+requestColumns,
		req.ID, req.RequesterID, req.VehicleClass, req.Pickup.Lat, req.Pickup.Lon, string(req.Priority))
	out, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, fmt.Errorf("request %s: %w", req.ID, ErrRequestClosed)
	}
	if err != nil {
		return models.Request{}, fmt.Errorf("begin request %s: %w", req.ID, err)
	}
	return out, nil
}

func (r *postgresRequests) Get(ctx context.Context, id string) (models.Request, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM `+r.table+` WHERE id = $1`, id)
	out, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return out, err
}

func (r *postgresRequests) Assign(ctx context.Context, p AssignParams) (models.Assignment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("begin assignment tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE `+r.table+`
		SET status = 'assigned', agent_id = $2, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'searching', 'unassignable')`,
		p.RequestID, p.AgentID, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			// no ledger row for this agent
			return models.Assignment{}, fmt.Errorf("agent %s: %w", p.AgentID, ErrAgentUnavailable)
		}
		return models.Assignment{}, fmt.Errorf("assign request %s: %w", p.RequestID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Assignment{}, err
	} else if n == 0 {
		return models.Assignment{}, fmt.Errorf("request %s: %w", p.RequestID, ErrRequestClosed)
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		UPDATE agents
		SET is_available = false, remaining_allowance = remaining_allowance - 1, updated_at = $2
		WHERE id = $1 AND is_available AND remaining_allowance > 0
		RETURNING remaining_allowance`,
		p.AgentID, now).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Assignment{}, fmt.Errorf("agent %s: %w", p.AgentID, ErrAgentUnavailable)
	}
	if err != nil {
		return models.Assignment{}, fmt.Errorf("debit agent %s: %w", p.AgentID, err)
	}

	a := models.Assignment{
		ID:                 uuid.NewString(),
		RequestID:          p.RequestID,
		Category:           r.category,
		AgentID:            p.AgentID,
		AssignedAt:         now,
		DistanceKm:         p.DistanceKm,
		RemainingAllowance: remaining,
		Score:              p.Score,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO assignments (id, request_id, service_category, agent_id, distance_km, score, remaining_allowance, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.RequestID, string(a.Category), a.AgentID, a.DistanceKm, a.Score, a.RemainingAllowance, a.AssignedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.Assignment{}, fmt.Errorf("request %s already has an assignment: %w", p.RequestID, ErrRequestClosed)
		}
		return models.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Assignment{}, fmt.Errorf("commit assignment: %w", err)
	}
	return a, nil
}

func (r *postgresRequests) MarkUnassignable(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.StatusUnassignable)
}

func (r *postgresRequests) Release(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.StatusPending)
}

func (r *postgresRequests) transition(ctx context.Context, id string, to models.RequestStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE `+r.table+` SET status = $2, updated_at = now() WHERE id = $1 AND status = 'searching'`, id, string(to))
	if err != nil {
		return fmt.Errorf("request %s -> %s: %w", id, to, err)
	}
	return nil
}

const requestColumns = `id, requester_id, vehicle_class, pickup_lat, pickup_lon, priority, status, COALESCE(agent_id, ''), created_at, updated_at`

func (r *postgresRequests) scan(row *sql.Row) (models.Request, error) {
	var out models.Request
	var priority, status string
	err := row.Scan(&out.ID, &out.RequesterID, &out.VehicleClass, &out.Pickup.Lat, &out.Pickup.Lon,
		&priority, &status, &out.AgentID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return models.Request{}, err
	}
	out.Category = r.category
	out.Priority = models.Priority(priority)
	out.Status = models.RequestStatus(status)
	return out, nil
}
