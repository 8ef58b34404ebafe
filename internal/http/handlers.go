package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/dynamic-dispatch/internal/config"
	"github.com/example/dynamic-dispatch/internal/events"
	"github.com/example/dynamic-dispatch/internal/geo"
	"github.com/example/dynamic-dispatch/internal/ingest"
	"github.com/example/dynamic-dispatch/internal/matcher"
	"github.com/example/dynamic-dispatch/internal/models"
	"github.com/example/dynamic-dispatch/internal/notify"
	"github.com/example/dynamic-dispatch/internal/observability"
	"github.com/example/dynamic-dispatch/internal/storage"
)

const maxBodyBytes = 1 << 20

// LocationPublisher forwards accepted location pushes to the event bus.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Server struct {
	Geo       geo.Store
	Store     storage.Store
	Matcher   *matcher.Service
	Events    *events.Emitter
	Publisher LocationPublisher
	WSReg     *notify.WSRegistry

	logger  zerolog.Logger
	mux     *mux.Router
	closers []func() error
}

// NewServer wires the dispatcher from configuration. Redis, Postgres and
// Kafka are each optional; without them the in-memory index and store are
// used and location pushes are not forwarded.
func NewServer(ctx context.Context, cfg config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	s := &Server{logger: logger, mux: mux.NewRouter(), WSReg: notify.NewWSRegistry()}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		s.Geo = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		s.closers = append(s.closers, rc.Close)
		logger.Info().Str("addr", cfg.RedisAddr).Str("key", cfg.RedisGeoKey).Msg("using redis location store")
	} else {
		s.Geo = geo.NewIndex()
		logger.Warn().Msg("REDIS_ADDR not set, using in-memory location index")
	}

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, ps.DB(), "up"); err != nil {
				_ = ps.Close()
				s.Close()
				return nil, err
			}
			logger.Info().Msg("migrations applied")
		}
		s.Store = ps
	} else {
		s.Store = storage.NewMemoryStore()
		logger.Warn().Msg("PG_DSN not set, using in-memory request store")
	}
	s.closers = append(s.closers, s.Store.Close)

	sinks := events.MultiSink{s.Store}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventsTopic)
		s.Publisher = kp
		sinks = append(sinks, kp)
		s.closers = append(s.closers, kp.Close)
	}

	var notifier notify.Notifier = s.WSReg
	if cfg.PushEndpoint != "" {
		notifier = notify.Fallback{Primary: s.WSReg, Secondary: notify.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey)}
	}

	s.Events = events.NewEmitter(sinks, notifier, cfg.Dispatch.AverageSpeedKmh, logger.With().Str("component", "events").Logger())
	s.Matcher = matcher.NewService(s.Geo, s.Store, s.Events, cfg.Dispatch, logger.With().Str("component", "matcher").Logger())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.registerMiddleware()
	s.mux.HandleFunc("/api/v1/dispatch", s.handleDispatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/agents/locations", s.handleAgentLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/agents/{agent_id}", s.handlePutAgent).Methods(http.MethodPut)
	s.mux.HandleFunc("/internal/agents/{agent_id}/release", s.handleReleaseAgent).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close waits for in-flight notifications and releases every backend.
func (s *Server) Close() error {
	if s.Events != nil {
		s.Events.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var dr models.DispatchRequest
	if err := decodeJSON(w, r, &dr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.Matcher.Dispatch(r.Context(), dr)
	if err != nil && !errors.Is(err, matcher.ErrInvalidRequest) {
		s.logger.Error().Err(err).Str("request_id", dr.RequestID).Msg("dispatch failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, statusFor(res.Outcome), res)
}

func statusFor(o models.Outcome) int {
	switch o {
	case models.OutcomeMatched:
		return http.StatusOK
	case models.OutcomeRejected:
		return http.StatusBadRequest
	case models.OutcomeNotPending:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleAgentLocation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := ingest.DecodeLocation(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if err := s.Geo.UpdateLocation(r.Context(), u); err != nil {
		s.logger.Error().Err(err).Str("agent_id", u.AgentID).Msg("location update failed")
		writeError(w, http.StatusServiceUnavailable, "location store unavailable")
		return
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishLocation(r.Context(), u); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", u.AgentID).Msg("location not forwarded")
		}
	}
	observability.LocationUpdatesTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutAgent(w http.ResponseWriter, r *http.Request) {
	var a models.Agent
	if err := decodeJSON(w, r, &a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.ID = mux.Vars(r)["agent_id"]
	if !a.Loc.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid location %+v", a.Loc))
		return
	}
	if a.RemainingAllowance < 0 {
		writeError(w, http.StatusBadRequest, "remaining_allowance must be >= 0")
		return
	}
	if err := s.Store.PutAgent(r.Context(), a); err != nil {
		s.logger.Error().Err(err).Str("agent_id", a.ID).Msg("agent ledger write failed")
		writeError(w, http.StatusServiceUnavailable, "agent ledger unavailable")
		return
	}
	if err := s.Geo.PutAgent(r.Context(), a); err != nil {
		s.logger.Error().Err(err).Str("agent_id", a.ID).Msg("location store write failed")
		writeError(w, http.StatusServiceUnavailable, "location store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	if err := s.Store.ReleaseAgent(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("agent_id", id).Msg("agent release failed")
		writeError(w, http.StatusServiceUnavailable, "agent ledger unavailable")
		return
	}
	if err := s.Geo.MarkAvailable(r.Context(), id); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", id).Msg("location store not refreshed after release")
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.Debug().Err(err).Str("user_id", id).Msg("ws upgrade failed")
		return
	}
	s.WSReg.Add(id, conn)
	go s.readPump(id, conn)
}

// readPump drains client frames so close messages are seen, then drops the
// session.
func (s *Server) readPump(userID string, conn *websocket.Conn) {
	defer func() {
		s.WSReg.Remove(userID, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
