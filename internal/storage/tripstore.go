package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/dynamic-dispatch/internal/models"
)

var (
	ErrNotFound         = errors.New("storage: not found")
	ErrUnknownCategory  = errors.New("storage: unknown service category")
	ErrRequestClosed    = errors.New("storage: request is no longer assignable")
	ErrAgentUnavailable = errors.New("storage: agent unavailable or allowance exhausted")
)

// AssignParams identifies the winner chosen by the search controller.
type AssignParams struct {
	RequestID  string
	AgentID    string
	DistanceKm float64
	Score      float64
}

// RequestRepository is the request-record capability for one service
// category. Dispatch selects it once per run.
type RequestRepository interface {
	Category() models.ServiceCategory
	// Begin records the request if it is new and moves it to searching. It
	// fails with ErrRequestClosed when the request is already assigned or
	// past assignment.
	Begin(ctx context.Context, r models.Request) (models.Request, error)
	Get(ctx context.Context, id string) (models.Request, error)
	// Assign atomically sets the request to assigned, flips the agent to
	// unavailable and debits one allowance unit. Nothing is applied on error.
	// An unassignable request is still open: a concurrent run that gave up
	// first must not void another run's match.
	Assign(ctx context.Context, p AssignParams) (models.Assignment, error)
	MarkUnassignable(ctx context.Context, id string) error
	// Release returns a searching request to pending after a cancelled run.
	Release(ctx context.Context, id string) error
}

// AgentLedger is the authoritative availability/allowance record. The
// dispatcher only ever turns availability off; ReleaseAgent is the hook for
// the external job-completion process.
type AgentLedger interface {
	PutAgent(ctx context.Context, a models.Agent) error
	ReleaseAgent(ctx context.Context, agentID string) error
}

// Store bundles everything the dispatcher needs from persistence.
type Store interface {
	AgentLedger
	Requests(c models.ServiceCategory) (RequestRepository, error)
	Append(ctx context.Context, rec models.AuditRecord) error
	Close() error
}

type ledgerEntry struct {
	available bool
	allowance int
}

type assignmentKey struct {
	category  models.ServiceCategory
	requestID string
}

// MemoryStore keeps every record behind one mutex, which is what makes Assign
// atomic across requests, agents and assignments.
type MemoryStore struct {
	mu          sync.Mutex
	requests    map[models.ServiceCategory]map[string]*models.Request
	agents      map[string]*ledgerEntry
	assignments []models.Assignment
	assigned    map[assignmentKey]struct{}
	audit       []models.AuditRecord
	repos       map[models.ServiceCategory]*memoryRequests
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		requests: map[models.ServiceCategory]map[string]*models.Request{
			models.CategoryTransport: {},
			models.CategoryDelivery:  {},
		},
		agents:   make(map[string]*ledgerEntry),
		assigned: make(map[assignmentKey]struct{}),
		now:      time.Now,
	}
	m.repos = map[models.ServiceCategory]*memoryRequests{
		models.CategoryTransport: {store: m, category: models.CategoryTransport},
		models.CategoryDelivery:  {store: m, category: models.CategoryDelivery},
	}
	return m
}

func (m *MemoryStore) Requests(c models.ServiceCategory) (RequestRepository, error) {
	r, ok := m.repos[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return r, nil
}

func (m *MemoryStore) PutAgent(_ context.Context, a models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = &ledgerEntry{available: a.Available, allowance: a.RemainingAllowance}
	return nil
}

func (m *MemoryStore) ReleaseAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	e.available = true
	return nil
}

// Allowance reports the ledger state of an agent.
func (m *MemoryStore) Allowance(agentID string) (allowance int, available bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		return 0, false, false
	}
	return e.allowance, e.available, true
}

func (m *MemoryStore) Assignments() []models.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Assignment(nil), m.assignments...)
}

func (m *MemoryStore) Append(_ context.Context, rec models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

func (m *MemoryStore) AuditLog() []models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditRecord(nil), m.audit...)
}

func (m *MemoryStore) Close() error { return nil }

type memoryRequests struct {
	store    *MemoryStore
	category models.ServiceCategory
}

func (r *memoryRequests) Category() models.ServiceCategory { return r.category }

func (r *memoryRequests) table() map[string]*models.Request {
	return r.store.requests[r.category]
}

func (r *memoryRequests) Begin(_ context.Context, req models.Request) (models.Request, error) {
	m := r.store
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cur, ok := r.table()[req.ID]
	if !ok {
		req.Category = r.category
		req.CreatedAt = now
		cur = &req
		r.table()[req.ID] = cur
	}
	switch cur.Status {
	case "", models.StatusPending, models.StatusSearching, models.StatusUnassignable:
	default:
		return *cur, fmt.Errorf("request %s is %s: %w", cur.ID, cur.Status, ErrRequestClosed)
	}
	cur.Priority = req.Priority
	cur.Status = models.StatusSearching
	cur.UpdatedAt = now
	return *cur, nil
}

func (r *memoryRequests) Get(_ context.Context, id string) (models.Request, error) {
	m := r.store
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := r.table()[id]
	if !ok {
		return models.Request{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return *cur, nil
}

func (r *memoryRequests) Assign(_ context.Context, p AssignParams) (models.Assignment, error) {
	m := r.store
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := r.table()[p.RequestID]
	if !ok {
		return models.Assignment{}, fmt.Errorf("request %s: %w", p.RequestID, ErrNotFound)
	}
	switch req.Status {
	case models.StatusPending, models.StatusSearching, models.StatusUnassignable:
	default:
		return models.Assignment{}, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrRequestClosed)
	}
	key := assignmentKey{category: r.category, requestID: p.RequestID}
	if _, dup := m.assigned[key]; dup {
		return models.Assignment{}, fmt.Errorf("request %s already has an assignment: %w", req.ID, ErrRequestClosed)
	}
	agent, ok := m.agents[p.AgentID]
	if !ok || !agent.available || agent.allowance <= 0 {
		return models.Assignment{}, fmt.Errorf("agent %s: %w", p.AgentID, ErrAgentUnavailable)
	}

	// every check passed; apply all three effects together
	now := m.now()
	agent.available = false
	agent.allowance--
	req.Status = models.StatusAssigned
	req.AgentID = p.AgentID
	req.UpdatedAt = now

	a := models.Assignment{
		ID:                 uuid.NewString(),
		RequestID:          p.RequestID,
		Category:           r.category,
		AgentID:            p.AgentID,
		AssignedAt:         now,
		DistanceKm:         p.DistanceKm,
		RemainingAllowance: agent.allowance,
		Score:              p.Score,
	}
	m.assignments = append(m.assignments, a)
	m.assigned[key] = struct{}{}
	return a, nil
}

func (r *memoryRequests) MarkUnassignable(_ context.Context, id string) error {
	return r.transition(id, models.StatusUnassignable)
}

func (r *memoryRequests) Release(_ context.Context, id string) error {
	return r.transition(id, models.StatusPending)
}

// transition only moves requests that are still searching.
func (r *memoryRequests) transition(id string, to models.RequestStatus) error {
	m := r.store
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := r.table()[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if cur.Status != models.StatusSearching {
		return nil
	}
	cur.Status = to
	cur.UpdatedAt = m.now()
	return nil
}
