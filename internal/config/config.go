package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DevJWTSecret signs tokens when DEV_MODE is on and no JWT_SECRET is set.
const DevJWTSecret = "dev-secret"

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with in-memory storage and no event stream.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	EventsBackend      string // kafka, amqp or none
	KafkaBrokers       []string
	KafkaTripTopic     string
	KafkaLocationTopic string
	AMQPURL            string
	AMQPExchange       string

	PGDSN         string
	RunMigrations bool

	JWTSecret string
	DevMode   bool

	CommissionRate float64
	OfferTimeout   time.Duration
	TripRetention  time.Duration
	SweepInterval  time.Duration
	ExchangeRate   float64
	PriceCarro     float64
	PriceMoto      float64

	PersistRetryAttempts int
	PersistRetryBase     time.Duration

	DefaultSpeedMps float64
	MatcherTopN     int
	OSRMEndpoint    string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		EventsBackend:        "none",
		KafkaTripTopic:       "trip-events",
		KafkaLocationTopic:   "driver-locations",
		AMQPExchange:         "trip_topic",
		CommissionRate:       0.25,
		OfferTimeout:         30 * time.Second,
		TripRetention:        24 * time.Hour,
		SweepInterval:        time.Minute,
		PriceCarro:           3.00,
		PriceMoto:            1.50,
		PersistRetryAttempts: 5,
		PersistRetryBase:     200 * time.Millisecond,
		DefaultSpeedMps:      10,
		MatcherTopN:          8,
		LogLevel:             "info",
	}
}

// LoadServerConfig reads the environment for the dispatch server, which also
// needs a token signing secret.
func LoadServerConfig() (ServerConfig, error) {
	cfg, errs := load()
	errs = append(errs, cfg.validateAuth()...)
	return cfg, errors.Join(errs...)
}

// LoadConsumerConfig reads the same environment for processes that never
// verify tokens.
func LoadConsumerConfig() (ServerConfig, error) {
	cfg, errs := load()
	return cfg, errors.Join(errs...)
}

func load() (ServerConfig, []error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if v := os.Getenv("EVENTS_BACKEND"); v != "" {
		cfg.EventsBackend = strings.ToLower(strings.TrimSpace(v))
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTripTopic, "KAFKA_TRIP_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.DevMode = strings.EqualFold(os.Getenv("DEV_MODE"), "true")
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	if cfg.JWTSecret == "" && cfg.DevMode {
		cfg.JWTSecret = DevJWTSecret
	}

	setFloatFromEnv(&cfg.CommissionRate, "COMMISSION_RATE", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.TripRetention, "TRIP_RETENTION", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setFloatFromEnv(&cfg.ExchangeRate, "EXCHANGE_RATE", &errs)
	setFloatFromEnv(&cfg.PriceCarro, "PRICE_CARRO", &errs)
	setFloatFromEnv(&cfg.PriceMoto, "PRICE_MOTO", &errs)

	setIntFromEnv(&cfg.PersistRetryAttempts, "PERSIST_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.PersistRetryBase, "PERSIST_RETRY_BASE", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errs
}

func (c ServerConfig) validateAuth() []error {
	switch {
	case c.JWTSecret == "":
		return []error{fmt.Errorf("JWT_SECRET required (DEV_MODE=true falls back to the development secret)")}
	case c.JWTSecret == DevJWTSecret && !c.DevMode:
		return []error{fmt.Errorf("JWT_SECRET is the development secret; set DEV_MODE=true to allow it")}
	}
	return nil
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if c.CommissionRate < 0 || c.CommissionRate > 1 {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE must be within [0,1]"))
	}
	if c.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if c.PersistRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PERSIST_RETRY_ATTEMPTS must be > 0"))
	}
	switch c.EventsBackend {
	case "none", "":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("KAFKA_BROKERS required for kafka events backend"))
		}
	case "amqp":
		if c.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("AMQP_URL required for amqp events backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENTS_BACKEND %q", c.EventsBackend))
	}
	return errs
}

// DefaultPrice returns the configured estimate for a vehicle type.
func (c ServerConfig) DefaultPrice(vehicleType string) float64 {
	if strings.EqualFold(vehicleType, "moto") {
		return c.PriceMoto
	}
	return c.PriceCarro
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
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
