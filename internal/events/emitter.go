package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/dynamic-dispatch/internal/eta"
	"github.com/example/dynamic-dispatch/internal/models"
	"github.com/example/dynamic-dispatch/internal/notify"
	"github.com/example/dynamic-dispatch/internal/observability"
)

const (
	auditTimeout  = 5 * time.Second
	notifyTimeout = 5 * time.Second
)

// AuditSink appends immutable audit records.
type AuditSink interface {
	Append(ctx context.Context, rec models.AuditRecord) error
}

// MultiSink appends to every sink and joins the errors.
type MultiSink []AuditSink

func (m MultiSink) Append(ctx context.Context, rec models.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Final is the terminal state of one dispatch run.
type Final struct {
	Outcome        models.Outcome
	Assignment     *models.Assignment
	RadiiAttempted []float64
	Reason         string
}

// Emitter records dispatch outcomes and pushes requester notifications.
// Notifications are sent from background goroutines after the outcome is
// final; Wait blocks until they have all returned.
type Emitter struct {
	audit    AuditSink
	notifier notify.Notifier
	speedKmh float64
	log      zerolog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewEmitter(audit AuditSink, notifier notify.Notifier, speedKmh float64, log zerolog.Logger) *Emitter {
	return &Emitter{audit: audit, notifier: notifier, speedKmh: speedKmh, log: log, now: time.Now}
}

// RecordOutcome must be called exactly once per dispatch call. The audit
// write survives cancellation of ctx.
func (e *Emitter) RecordOutcome(ctx context.Context, req models.Request, attempts []models.SearchAttempt, final Final) models.AuditRecord {
	rec := models.AuditRecord{
		ID:             uuid.NewString(),
		RequestID:      req.ID,
		Category:       req.Category,
		Priority:       req.Priority,
		Outcome:        final.Outcome,
		Attempts:       attempts,
		RadiiAttempted: final.RadiiAttempted,
		Reason:         final.Reason,
		RecordedAt:     e.now().UTC(),
	}
	if rec.Attempts == nil {
		rec.Attempts = []models.SearchAttempt{}
	}
	if a := final.Assignment; a != nil {
		rec.AgentID = a.AgentID
		rec.DistanceKm = a.DistanceKm
		rec.Score = a.Score
		rec.RemainingAllowance = a.RemainingAllowance
		rec.EstimatedArrivalMinutes = eta.EstimateMinutes(a.DistanceKm, e.speedKmh)
	}
	switch final.Outcome {
	case models.OutcomeExhausted, models.OutcomeDeadlineExceeded:
		rec.SuggestedActions = []string{models.ActionRetryLater, models.ActionScheduleForLater}
	}

	if e.audit != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		if err := e.audit.Append(actx, rec); err != nil {
			observability.AuditErrorsTotal.Inc()
			e.log.Error().Err(err).Str("request_id", req.ID).Str("outcome", string(rec.Outcome)).Msg("audit append failed")
		}
		cancel()
	}

	switch final.Outcome {
	case models.OutcomeMatched:
		e.notify(ctx, req.RequesterID, models.Notification{
			Type:                    models.NotificationMatchFound,
			RequestID:               req.ID,
			AgentID:                 rec.AgentID,
			DistanceKm:              rec.DistanceKm,
			EstimatedArrivalMinutes: rec.EstimatedArrivalMinutes,
			RemainingAllowance:      rec.RemainingAllowance,
		})
	case models.OutcomeExhausted, models.OutcomeDeadlineExceeded:
		e.notify(ctx, req.RequesterID, models.Notification{
			Type:             models.NotificationNoMatch,
			RequestID:        req.ID,
			RadiiAttempted:   rec.RadiiAttempted,
			SuggestedActions: rec.SuggestedActions,
		})
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("outcome", string(rec.Outcome)).
		Str("agent_id", rec.AgentID).
		Int("attempts", len(rec.Attempts)).
		Msg("dispatch outcome recorded")
	return rec
}

// Widening tells the requester the search moves on to a wider radius.
func (e *Emitter) Widening(ctx context.Context, req models.Request, radiusKm, nextKm float64) {
	e.notify(ctx, req.RequesterID, models.Notification{
		Type:         models.NotificationSearchWidening,
		RequestID:    req.ID,
		RadiusKm:     radiusKm,
		NextRadiusKm: nextKm,
	})
}

func (e *Emitter) notify(ctx context.Context, recipientID string, n models.Notification) {
	if e.notifier == nil || recipientID == "" {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(nctx, recipientID, n); err != nil {
			observability.NotificationsTotal.WithLabelValues(string(n.Type), "error").Inc()
			e.log.Warn().Err(err).Str("request_id", n.RequestID).Str("type", string(n.Type)).Msg("notification failed")
			return
		}
		observability.NotificationsTotal.WithLabelValues(string(n.Type), "ok").Inc()
	}()
}

// Wait blocks until in-flight notifications have finished.
func (e *Emitter) Wait() { e.wg.Wait() }
