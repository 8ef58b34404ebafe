package matcher

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/example/dynamic-dispatch/internal/config"
	"github.com/example/dynamic-dispatch/internal/events"
	"github.com/example/dynamic-dispatch/internal/geo"
	"github.com/example/dynamic-dispatch/internal/models"
	"github.com/example/dynamic-dispatch/internal/observability"
	"github.com/example/dynamic-dispatch/internal/storage"
)

var ErrInvalidRequest = errors.New("invalid dispatch request")

const (
	assignTimeout   = 10 * time.Second
	finalizeTimeout = 5 * time.Second
)

// Locator is the slice of the agent location store the search needs.
type Locator interface {
	FindCandidates(ctx context.Context, center models.Coord, radiusKm float64, filter geo.ClassFilter) ([]models.Candidate, error)
	MarkAssigned(ctx context.Context, agentID string, remainingAllowance int) error
}

type RequestStore interface {
	Requests(c models.ServiceCategory) (storage.RequestRepository, error)
}

type Recorder interface {
	RecordOutcome(ctx context.Context, req models.Request, attempts []models.SearchAttempt, final events.Final) models.AuditRecord
	Widening(ctx context.Context, req models.Request, radiusKm, nextKm float64)
}

// Service runs the expanding-radius search. It holds no per-run state, so a
// single Service serves any number of concurrent Dispatch calls.
type Service struct {
	Geo    Locator
	Store  RequestStore
	Events Recorder
	Config config.DispatchConfig
	Log    zerolog.Logger

	now func() time.Time
}

func NewService(g Locator, store RequestStore, rec Recorder, cfg config.DispatchConfig, log zerolog.Logger) *Service {
	return &Service{Geo: g, Store: store, Events: rec, Config: cfg, Log: log, now: time.Now}
}

// Dispatch finds and assigns an agent for one request. The returned error is
// non-nil only for invalid input (wrapping ErrInvalidRequest); every other
// terminal state is described by the result.
func (s *Service) Dispatch(ctx context.Context, dr models.DispatchRequest) (models.DispatchResult, error) {
	start := time.Now()
	if dr.Priority == "" {
		dr.Priority = models.PriorityNormal
	}
	req := models.Request{
		ID:           dr.RequestID,
		RequesterID:  dr.RequesterID,
		Category:     dr.ServiceCategory,
		VehicleClass: dr.VehicleClass,
		Pickup:       dr.Pickup(),
		Priority:     dr.Priority,
		Status:       models.StatusPending,
	}
	log := s.Log.With().Str("request_id", req.ID).Str("priority", string(req.Priority)).Logger()

	if err := validateRequest(dr); err != nil {
		s.Events.RecordOutcome(ctx, req, nil, events.Final{Outcome: models.OutcomeRejected, Reason: err.Error()})
		s.observe(models.OutcomeRejected, start)
		log.Info().Err(err).Msg("dispatch request rejected")
		return models.DispatchResult{
			Outcome:       models.OutcomeRejected,
			AttemptsLog:   []models.AttemptLog{},
			FailureReason: "invalid_request: " + err.Error(),
		}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	repo, err := s.Store.Requests(req.Category)
	if err != nil {
		return s.finish(ctx, nil, req, nil, nil, models.OutcomeExhausted, "request repository: "+err.Error(), start), nil
	}
	begun, err := repo.Begin(ctx, req)
	switch {
	case errors.Is(err, storage.ErrRequestClosed):
		log.Info().Err(err).Msg("request is not pending")
		return s.finish(ctx, nil, req, nil, nil, models.OutcomeNotPending, err.Error(), start), nil
	case err != nil:
		observability.StoreErrorsTotal.WithLabelValues("begin").Inc()
		log.Error().Err(err).Msg("could not open request for search")
		return s.finish(ctx, nil, req, nil, nil, models.OutcomeExhausted, "request store unavailable", start), nil
	}
	begun.RequesterID = req.RequesterID
	begun.Category = req.Category
	begun.VehicleClass = req.VehicleClass
	begun.Pickup = req.Pickup

	return s.search(ctx, repo, begun, log, start), nil
}

// search is the NotStarted -> Searching(r_i) -> Found|Exhausted loop.
func (s *Service) search(parent context.Context, repo storage.RequestRepository, req models.Request, log zerolog.Logger, start time.Time) models.DispatchResult {
	ctx, cancel := context.WithTimeout(parent, s.Config.MaxDuration)
	defer cancel()

	radii := s.Config.RadiiFor(req.Priority)
	filter := geo.ClassFilter{Category: req.Category, VehicleClass: req.VehicleClass}
	excluded := make(map[string]struct{})
	attempts := make([]models.SearchAttempt, 0, len(radii))
	outcome := models.OutcomeExhausted
	var asg *models.Assignment

search:
	for i, radius := range radii {
		if ctx.Err() != nil {
			outcome = interrupted(ctx)
			break
		}
		log.Debug().Float64("radius_km", radius).Msg("searching")
		att, a, closed := s.attempt(ctx, repo, req, radius, filter, excluded, log)
		attempts = append(attempts, att)
		switch {
		case a != nil:
			asg = a
			outcome = models.OutcomeMatched
			break search
		case closed:
			outcome = models.OutcomeNotPending
			break search
		case i == len(radii)-1:
			break search
		}
		if ctx.Err() != nil {
			outcome = interrupted(ctx)
			break
		}
		s.Events.Widening(ctx, req, radius, radii[i+1])
		if !s.wait(ctx) {
			outcome = interrupted(ctx)
			break
		}
	}

	// a store call cut short by the deadline must not read as exhaustion
	if outcome == models.OutcomeExhausted && ctx.Err() != nil {
		outcome = interrupted(ctx)
	}

	reason := ""
	switch outcome {
	case models.OutcomeMatched:
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		if err := s.Geo.MarkAssigned(fctx, asg.AgentID, asg.RemainingAllowance); err != nil {
			observability.StoreErrorsTotal.WithLabelValues("mark_assigned").Inc()
			log.Warn().Err(err).Str("agent_id", asg.AgentID).Msg("location store not refreshed after assignment")
		}
		fcancel()
	case models.OutcomeExhausted, models.OutcomeDeadlineExceeded:
		s.settle(ctx, "mark_unassignable", log, func(c context.Context) error { return repo.MarkUnassignable(c, req.ID) })
	case models.OutcomeCancelled:
		s.settle(ctx, "release", log, func(c context.Context) error { return repo.Release(c, req.ID) })
	case models.OutcomeNotPending:
		reason = "request was assigned or closed by another run"
	}
	return s.finish(ctx, asg, req, attempts, radii[:len(attempts)], outcome, reason, start)
}

// attempt runs one radius step. A lost assignment race triggers one
// immediate re-query at the same radius with the lost agent excluded.
func (s *Service) attempt(ctx context.Context, repo storage.RequestRepository, req models.Request, radius float64, filter geo.ClassFilter, excluded map[string]struct{}, log zerolog.Logger) (models.SearchAttempt, *models.Assignment, bool) {
	started := time.Now()
	att := models.SearchAttempt{RadiusKm: radius}
	radiusLabel := strconv.FormatFloat(radius, 'f', -1, 64)

	for pass := 0; pass < 2; pass++ {
		cands, err := s.Geo.FindCandidates(ctx, req.Pickup, radius, filter)
		if err != nil {
			observability.StoreErrorsTotal.WithLabelValues("find_candidates").Inc()
			observability.SearchAttemptsTotal.WithLabelValues(radiusLabel, "error").Inc()
			log.Warn().Err(err).Float64("radius_km", radius).Msg("proximity query failed, treating as empty")
			att.StoreError = err.Error()
			att.CandidatesFound = 0
			return finalize(&att, started), nil, false
		}
		kept, rejected := partition(withoutExcluded(cands, excluded), s.clock(), s.Config.StaleAfter)
		for why, n := range rejected {
			observability.CandidatesRejected.WithLabelValues(string(why)).Add(float64(n))
		}
		att.CandidatesFound = len(kept)
		if len(kept) == 0 {
			observability.SearchAttemptsTotal.WithLabelValues(radiusLabel, "empty").Inc()
			return finalize(&att, started), nil, false
		}

		best := Rank(kept, req.Priority, radius, s.Config.Weights)[0]
		actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), assignTimeout)
		a, err := repo.Assign(actx, storage.AssignParams{
			RequestID:  req.ID,
			AgentID:    best.ID,
			DistanceKm: best.DistanceKm,
			Score:      best.Score,
		})
		acancel()
		switch {
		case err == nil:
			att.Assigned = true
			att.Score = best.Score
			observability.SearchAttemptsTotal.WithLabelValues(radiusLabel, "matched").Inc()
			log.Info().Str("agent_id", a.AgentID).Float64("distance_km", a.DistanceKm).Float64("score", best.Score).Int("remaining_allowance", a.RemainingAllowance).Msg("agent assigned")
			return finalize(&att, started), &a, false
		case errors.Is(err, storage.ErrAgentUnavailable):
			observability.AssignmentConflictsTotal.Inc()
			att.RaceLosses++
			excluded[best.ID] = struct{}{}
			log.Info().Str("agent_id", best.ID).Float64("radius_km", radius).Msg("assignment race lost")
		case errors.Is(err, storage.ErrRequestClosed):
			log.Info().Err(err).Msg("request closed during search")
			return finalize(&att, started), nil, true
		default:
			observability.StoreErrorsTotal.WithLabelValues("assign").Inc()
			log.Warn().Err(err).Str("agent_id", best.ID).Msg("assignment failed, treating as empty")
			att.StoreError = err.Error()
			att.CandidatesFound = 0
			return finalize(&att, started), nil, false
		}
	}
	observability.SearchAttemptsTotal.WithLabelValues(radiusLabel, "race_lost").Inc()
	return finalize(&att, started), nil, false
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func finalize(att *models.SearchAttempt, started time.Time) models.SearchAttempt {
	att.Duration = time.Since(started)
	return *att
}

func withoutExcluded(cands []models.Candidate, excluded map[string]struct{}) []models.Candidate {
	if len(excluded) == 0 {
		return cands
	}
	out := make([]models.Candidate, 0, len(cands))
	for _, c := range cands {
		if _, skip := excluded[c.ID]; !skip {
			out = append(out, c)
		}
	}
	return out
}

// wait sleeps the inter-attempt delay; false means ctx ended first.
func (s *Service) wait(ctx context.Context) bool {
	if s.Config.AttemptDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.Config.AttemptDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func interrupted(ctx context.Context) models.Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.OutcomeDeadlineExceeded
	}
	return models.OutcomeCancelled
}

func (s *Service) settle(ctx context.Context, op string, log zerolog.Logger, fn func(context.Context) error) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := fn(c); err != nil {
		observability.StoreErrorsTotal.WithLabelValues(op).Inc()
		log.Warn().Err(err).Str("op", op).Msg("request status not updated")
	}
}

func (s *Service) finish(ctx context.Context, asg *models.Assignment, req models.Request, attempts []models.SearchAttempt, radii []float64, outcome models.Outcome, reason string, start time.Time) models.DispatchResult {
	rec := s.Events.RecordOutcome(ctx, req, attempts, events.Final{
		Outcome:        outcome,
		Assignment:     asg,
		RadiiAttempted: radii,
		Reason:         reason,
	})
	s.observe(outcome, start)

	res := models.DispatchResult{
		Success:     outcome == models.OutcomeMatched,
		Outcome:     outcome,
		AttemptsLog: make([]models.AttemptLog, 0, len(attempts)),
	}
	for _, a := range attempts {
		res.AttemptsLog = append(res.AttemptsLog, models.AttemptLog{
			RadiusKm:        a.RadiusKm,
			CandidatesFound: a.CandidatesFound,
			TookMs:          a.Duration.Milliseconds(),
		})
	}
	if res.Success {
		dist := asg.DistanceKm
		minutes := rec.EstimatedArrivalMinutes
		res.AgentID = asg.AgentID
		res.DistanceKm = &dist
		res.EstimatedArrivalMinutes = &minutes
		return res
	}
	res.FailureReason = failureReason(outcome)
	res.RadiiAttempted = radii
	res.SuggestedActions = rec.SuggestedActions
	return res
}

func failureReason(o models.Outcome) string {
	switch o {
	case models.OutcomeExhausted:
		return "no_agents_available"
	case models.OutcomeDeadlineExceeded:
		return "deadline_exceeded"
	case models.OutcomeCancelled:
		return "cancelled"
	case models.OutcomeNotPending:
		return "request_not_pending"
	default:
		return string(o)
	}
}

func (s *Service) observe(outcome models.Outcome, start time.Time) {
	observability.DispatchTotal.WithLabelValues(string(outcome)).Inc()
	observability.DispatchLatency.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

func validateRequest(dr models.DispatchRequest) error {
	if err := validate.Struct(dr); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if !dr.Pickup().Valid() {
		return fmt.Errorf("pickup %+v is not a valid coordinate", dr.Pickup())
	}
	return nil
}
