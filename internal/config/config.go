package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/example/dynamic-dispatch/internal/models"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables (optionally seeded from a .env
// file) with defaults so the binary can run locally without external services.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"90s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"agents_geo"`

	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS"`
	KafkaLocationTopic string   `envconfig:"KAFKA_LOCATION_TOPIC" default:"agent-locations"`
	KafkaEventsTopic   string   `envconfig:"KAFKA_EVENTS_TOPIC" default:"dispatch-events"`

	PGDSN string `envconfig:"PG_DSN"`

	PushEndpoint string `envconfig:"PUSH_ENDPOINT"`
	PushKey      string `envconfig:"PUSH_KEY"`

	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	RunMigrations bool   `envconfig:"MIGRATE" default:"false"`

	Dispatch DispatchConfig
}

// DispatchConfig holds the search controller tunables.
type DispatchConfig struct {
	RadiiNormal []float64 `envconfig:"DISPATCH_RADII_NORMAL" default:"5,10,15,25"`
	RadiiHigh   []float64 `envconfig:"DISPATCH_RADII_HIGH" default:"5,10,15,25"`
	RadiiUrgent []float64 `envconfig:"DISPATCH_RADII_URGENT" default:"5,10,15,25,50"`

	AttemptDelay    time.Duration `envconfig:"DISPATCH_ATTEMPT_DELAY" default:"2s"`
	MaxDuration     time.Duration `envconfig:"DISPATCH_MAX_DURATION" default:"60s"`
	StaleAfter      time.Duration `envconfig:"DISPATCH_STALE_AFTER" default:"2m"`
	AverageSpeedKmh float64       `envconfig:"DISPATCH_AVERAGE_SPEED_KMH" default:"30"`

	Weights Weights
}

// Weights are the scoring coefficients. Defaults keep the contribution order
// distance > reputation > experience > bonuses.
type Weights struct {
	DistanceMax      float64 `envconfig:"SCORE_DISTANCE_MAX" default:"40"`
	DistancePerKm    float64 `envconfig:"SCORE_DISTANCE_PER_KM" default:"1.5"`
	RatingWeight     float64 `envconfig:"SCORE_RATING_WEIGHT" default:"5"`
	ExperiencePerJob float64 `envconfig:"SCORE_EXPERIENCE_PER_JOB" default:"0.05"`
	ExperienceCap    float64 `envconfig:"SCORE_EXPERIENCE_CAP" default:"10"`
	VerifiedBonus    float64 `envconfig:"SCORE_VERIFIED_BONUS" default:"5"`
	TierBonusKm      float64 `envconfig:"SCORE_TIER_BONUS_KM" default:"25"`
	TierBonusMax     float64 `envconfig:"SCORE_TIER_BONUS_MAX" default:"5"`
	AllowancePerJob  float64 `envconfig:"SCORE_ALLOWANCE_PER_JOB" default:"0.5"`
	AllowanceCap     float64 `envconfig:"SCORE_ALLOWANCE_CAP" default:"3"`
	HighMultiplier   float64 `envconfig:"SCORE_HIGH_MULTIPLIER" default:"1.2"`
	UrgentMultiplier float64 `envconfig:"SCORE_URGENT_MULTIPLIER" default:"1.5"`
}

// DefaultDispatchConfig mirrors the envconfig defaults for callers that do not
// read the environment (tests, embedded use).
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		RadiiNormal:     []float64{5, 10, 15, 25},
		RadiiHigh:       []float64{5, 10, 15, 25},
		RadiiUrgent:     []float64{5, 10, 15, 25, 50},
		AttemptDelay:    2 * time.Second,
		MaxDuration:     60 * time.Second,
		StaleAfter:      2 * time.Minute,
		AverageSpeedKmh: 30,
		Weights:         DefaultWeights(),
	}
}

func DefaultWeights() Weights {
	return Weights{
		DistanceMax:      40,
		DistancePerKm:    1.5,
		RatingWeight:     5,
		ExperiencePerJob: 0.05,
		ExperienceCap:    10,
		VerifiedBonus:    5,
		TierBonusKm:      25,
		TierBonusMax:     5,
		AllowancePerJob:  0.5,
		AllowanceCap:     3,
		HighMultiplier:   1.2,
		UrgentMultiplier: 1.5,
	}
}

// RadiiFor returns the radius schedule for a priority tier.
func (c DispatchConfig) RadiiFor(p models.Priority) []float64 {
	switch p {
	case models.PriorityUrgent:
		return c.RadiiUrgent
	case models.PriorityHigh:
		return c.RadiiHigh
	default:
		return c.RadiiNormal
	}
}

// Validate checks the schedule and timing invariants.
func (c DispatchConfig) Validate() error {
	var errs []error
	for name, radii := range map[string][]float64{
		"DISPATCH_RADII_NORMAL": c.RadiiNormal,
		"DISPATCH_RADII_HIGH":   c.RadiiHigh,
		"DISPATCH_RADII_URGENT": c.RadiiUrgent,
	} {
		if err := validateRadii(radii); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.AttemptDelay < 0 {
		errs = append(errs, errors.New("DISPATCH_ATTEMPT_DELAY must be >= 0"))
	}
	if c.MaxDuration <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_DURATION must be > 0"))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, errors.New("DISPATCH_STALE_AFTER must be > 0"))
	}
	if c.AverageSpeedKmh <= 0 {
		errs = append(errs, errors.New("DISPATCH_AVERAGE_SPEED_KMH must be > 0"))
	}
	if c.Weights.HighMultiplier < 1 || c.Weights.UrgentMultiplier < 1 {
		errs = append(errs, errors.New("priority multipliers must be >= 1"))
	}
	return errors.Join(errs...)
}

func validateRadii(radii []float64) error {
	if len(radii) == 0 {
		return errors.New("at least one radius is required")
	}
	for i, r := range radii {
		if r <= 0 {
			return fmt.Errorf("radius %v must be > 0", r)
		}
		if i > 0 && r <= radii[i-1] {
			return fmt.Errorf("radii must be strictly increasing, got %v after %v", r, radii[i-1])
		}
	}
	return nil
}

// LoadServerConfig reads an optional .env file and then the process
// environment. A missing .env file is not an error.
func LoadServerConfig(envFiles ...string) (ServerConfig, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return ServerConfig{}, fmt.Errorf("load env file: %w", err)
	}
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	return cfg, cfg.Dispatch.Validate()
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
