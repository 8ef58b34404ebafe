package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a usable WGS84 coordinate pair.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type ServiceCategory string

const (
	CategoryTransport ServiceCategory = "transport"
	CategoryDelivery  ServiceCategory = "delivery"
)

func (c ServiceCategory) Valid() bool {
	return c == CategoryTransport || c == CategoryDelivery
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh || p == PriorityUrgent
}

type RequestStatus string

const (
	StatusPending      RequestStatus = "pending"
	StatusSearching    RequestStatus = "searching"
	StatusAssigned     RequestStatus = "assigned"
	StatusInProgress   RequestStatus = "in_progress"
	StatusCompleted    RequestStatus = "completed"
	StatusUnassignable RequestStatus = "unassignable"
)

// Request is a ride or delivery job awaiting assignment.
type Request struct {
	ID           string          `json:"id"`
	RequesterID  string          `json:"requester_id"`
	Category     ServiceCategory `json:"service_category"`
	VehicleClass string          `json:"vehicle_class,omitempty"`
	Pickup       Coord           `json:"pickup"`
	Priority     Priority        `json:"priority"`
	Status       RequestStatus   `json:"status"`
	AgentID      string          `json:"agent_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Agent is the read view of a driver or courier consumed by the dispatcher.
type Agent struct {
	ID                 string            `json:"id"`
	Loc                Coord             `json:"loc"`
	LastPing           time.Time         `json:"last_ping"`
	Online             bool              `json:"online"`
	Available          bool              `json:"available"`
	Balance            decimal.Decimal   `json:"balance"`
	MinimumBalance     decimal.Decimal   `json:"minimum_balance"`
	RemainingAllowance int               `json:"remaining_allowance"`
	Rating             float64           `json:"rating"` // 0..5
	CompletedJobs      int               `json:"completed_jobs"`
	Verified           bool              `json:"verified"`
	VehicleClass       string            `json:"vehicle_class,omitempty"`
	Categories         []ServiceCategory `json:"categories,omitempty"` // empty serves every category
}

// Serves reports whether the agent accepts jobs of category c.
func (a Agent) Serves(c ServiceCategory) bool {
	if len(a.Categories) == 0 || c == "" {
		return true
	}
	for _, have := range a.Categories {
		if have == c {
			return true
		}
	}
	return false
}

// Candidate is an agent returned by a proximity query.
type Candidate struct {
	Agent
	DistanceKm float64 `json:"distance_km"`
}

// LocationUpdate is the agent-side position push.
type LocationUpdate struct {
	AgentID string    `json:"agent_id"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	At      time.Time `json:"at"`
}

// Assignment is the immutable outcome of a successful dispatch.
type Assignment struct {
	ID                 string          `json:"id"`
	RequestID          string          `json:"request_id"`
	Category           ServiceCategory `json:"service_category"`
	AgentID            string          `json:"agent_id"`
	AssignedAt         time.Time       `json:"assigned_at"`
	DistanceKm         float64         `json:"distance_km"`
	RemainingAllowance int             `json:"remaining_allowance"`
	Score              float64         `json:"score"`
}

// SearchAttempt describes one radius iteration of a dispatch run.
type SearchAttempt struct {
	RadiusKm        float64       `json:"radius_km"`
	CandidatesFound int           `json:"candidates_found"`
	Assigned        bool          `json:"assigned"`
	Duration        time.Duration `json:"duration"`
	Score           float64       `json:"score,omitempty"`
	RaceLosses      int           `json:"race_losses,omitempty"`
	StoreError      string        `json:"store_error,omitempty"`
}

type Outcome string

const (
	OutcomeMatched          Outcome = "matched"
	OutcomeExhausted        Outcome = "exhausted"
	OutcomeDeadlineExceeded Outcome = "deadline_exceeded"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeRejected         Outcome = "rejected"
	OutcomeNotPending       Outcome = "not_pending"
)

const (
	ActionRetryLater       = "retry_later"
	ActionScheduleForLater = "schedule_for_later"
)

// DispatchRequest is the trigger consumed by the dispatcher.
type DispatchRequest struct {
	RequestID       string          `json:"request_id" validate:"required"`
	RequesterID     string          `json:"requester_id"`
	PickupLat       *float64        `json:"pickup_lat" validate:"required,latitude"`
	PickupLng       *float64        `json:"pickup_lng" validate:"required,longitude"`
	ServiceCategory ServiceCategory `json:"service_category" validate:"required,oneof=transport delivery"`
	VehicleClass    string          `json:"vehicle_class,omitempty"`
	Priority        Priority        `json:"priority,omitempty" validate:"omitempty,oneof=normal high urgent"`
}

// Pickup returns the pickup coordinate; callers must validate first.
func (r DispatchRequest) Pickup() Coord {
	var c Coord
	if r.PickupLat != nil {
		c.Lat = *r.PickupLat
	}
	if r.PickupLng != nil {
		c.Lon = *r.PickupLng
	}
	return c
}

// AttemptLog is the per-radius entry surfaced to callers.
type AttemptLog struct {
	RadiusKm        float64 `json:"radius_km"`
	CandidatesFound int     `json:"candidates_found"`
	TookMs          int64   `json:"took_ms"`
}

// DispatchResult is the dispatcher's answer for one DispatchRequest.
type DispatchResult struct {
	Success                 bool         `json:"success"`
	Outcome                 Outcome      `json:"outcome"`
	AgentID                 string       `json:"agent_id,omitempty"`
	DistanceKm              *float64     `json:"distance_km,omitempty"`
	EstimatedArrivalMinutes *int         `json:"estimated_arrival_minutes,omitempty"`
	AttemptsLog             []AttemptLog `json:"attempts_log"`
	FailureReason           string       `json:"failure_reason,omitempty"`
	RadiiAttempted          []float64    `json:"radii_attempted,omitempty"`
	SuggestedActions        []string     `json:"suggested_actions,omitempty"`
}

// AuditRecord is appended once per dispatch call.
type AuditRecord struct {
	ID                      string          `json:"id"`
	RequestID               string          `json:"request_id"`
	Category                ServiceCategory `json:"service_category,omitempty"`
	Priority                Priority        `json:"priority,omitempty"`
	Outcome                 Outcome         `json:"outcome"`
	Attempts                []SearchAttempt `json:"attempts"`
	AgentID                 string          `json:"agent_id,omitempty"`
	DistanceKm              float64         `json:"distance_km,omitempty"`
	Score                   float64         `json:"score,omitempty"`
	RemainingAllowance      int             `json:"remaining_allowance,omitempty"`
	EstimatedArrivalMinutes int             `json:"estimated_arrival_minutes,omitempty"`
	RadiiAttempted          []float64       `json:"radii_attempted,omitempty"`
	SuggestedActions        []string        `json:"suggested_actions,omitempty"`
	Reason                  string          `json:"reason,omitempty"`
	RecordedAt              time.Time       `json:"recorded_at"`
}

type NotificationType string

const (
	NotificationMatchFound     NotificationType = "match_found"
	NotificationSearchWidening NotificationType = "search_widening"
	NotificationNoMatch        NotificationType = "no_match"
)

// Notification is the payload handed to the requester notification sink.
type Notification struct {
	Type                    NotificationType `json:"type"`
	RequestID               string           `json:"request_id"`
	AgentID                 string           `json:"agent_id,omitempty"`
	DistanceKm              float64          `json:"distance_km,omitempty"`
	EstimatedArrivalMinutes int              `json:"estimated_arrival_minutes,omitempty"`
	RemainingAllowance      int              `json:"remaining_allowance,omitempty"`
	RadiusKm                float64          `json:"radius_km,omitempty"`
	NextRadiusKm            float64          `json:"next_radius_km,omitempty"`
	RadiiAttempted          []float64        `json:"radii_attempted,omitempty"`
	SuggestedActions        []string         `json:"suggested_actions,omitempty"`
}
