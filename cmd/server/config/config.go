package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"creativeflow/internal/generation"
	"creativeflow/internal/messaging"
	"creativeflow/internal/observability"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned by loaders of optional backends whose
// connection URL is unset.
var ErrNotConfigured = errors.New("not configured")

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StatusTTL          time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the listener and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	Reflection        bool
}

// ObservabilityConfig holds the HTTP address for metrics and websockets.
type ObservabilityConfig struct {
	Addr      string
	LogLevel  string
	LogPretty bool
}

// DatabaseConfig holds the Postgres pool settings.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    *int
	MaxIdleConns    *int
	ConnMaxLifetime *time.Duration
	InitSchema      bool
}

// AMQPConfig holds the broker connection, topology and consumer settings.
type AMQPConfig struct {
	URL      string
	Topology messaging.Topology
	Consumer messaging.ConsumerConfig
	Confirms bool
}

// LedgerConfig points at the remote credit service.
type LedgerConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// OrchestratorConfig holds saga tunables and the settlement sweeper cadence.
type OrchestratorConfig struct {
	Generation    generation.Config
	SweepInterval time.Duration
	SweepBatch    int
}

// LoadRedis reads Redis config from env. It returns ErrNotConfigured when
// REDIS_URL is unset.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		Stream: strings.TrimSpace(os.Getenv("REDIS_STREAM")),
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("redis: %w", ErrNotConfigured)
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StatusTTL, err = durationOr("REDIS_STATUS_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = int64Or("REDIS_STREAM_MAXLEN", 100000); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGRPC reads the gRPC listener and rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: stringOr("GRPC_ADDR", ":50051")}
	var err error
	if cfg.RateLimitInterval, err = requiredDuration("GRPC_RATE_LIMIT_INTERVAL"); err != nil {
		return GRPCConfig{}, err
	}
	if cfg.RateLimitBurst, err = requiredInt("GRPC_RATE_LIMIT_BURST"); err != nil {
		return GRPCConfig{}, err
	}
	cfg.Reflection = strings.TrimSpace(os.Getenv("APP_ENV")) != "production"
	return cfg, nil
}

// LoadObservability reads the metrics HTTP address and log settings from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	pretty, err := optionalBool("LOG_PRETTY")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{
		Addr:      addr,
		LogLevel:  stringOr("LOG_LEVEL", "info"),
		LogPretty: pretty,
	}, nil
}

// LoadDatabase reads Postgres settings. It returns ErrNotConfigured when
// DATABASE_URL is unset.
func LoadDatabase() (DatabaseConfig, error) {
	cfg := DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("database: %w", ErrNotConfigured)
	}
	var err error
	if cfg.MaxOpenConns, err = optionalInt("DB_MAX_OPEN_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxIdleConns, err = optionalInt("DB_MAX_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.ConnMaxLifetime, err = optionalDuration("DB_CONN_MAX_LIFETIME"); err != nil {
		return cfg, err
	}
	skip, err := optionalBool("DB_SKIP_SCHEMA_INIT")
	if err != nil {
		return cfg, err
	}
	cfg.InitSchema = !skip
	return cfg, nil
}

// LoadAMQP reads the broker URL and topology overrides. It returns
// ErrNotConfigured when AMQP_URL is unset.
func LoadAMQP() (AMQPConfig, error) {
	cfg := AMQPConfig{
		URL:      strings.TrimSpace(os.Getenv("AMQP_URL")),
		Topology: messaging.DefaultTopology(),
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("amqp: %w", ErrNotConfigured)
	}

	topo := &cfg.Topology
	topo.JobExchange = stringOr("AMQP_JOB_EXCHANGE", topo.JobExchange)
	topo.JobQueue = stringOr("AMQP_JOB_QUEUE", topo.JobQueue)
	topo.JobRoutingKey = stringOr("AMQP_JOB_ROUTING_KEY", topo.JobRoutingKey)
	topo.CallbackQueue = stringOr("AMQP_CALLBACK_QUEUE", topo.CallbackQueue)
	topo.EventExchange = stringOr("AMQP_EVENT_EXCHANGE", topo.EventExchange)
	topo.DeadLetterExchange = stringOr("AMQP_DLX", topo.DeadLetterExchange)
	topo.DeadLetterQueue = stringOr("AMQP_DLQ", topo.DeadLetterQueue)

	var err error
	if topo.Prefetch, err = intOr("AMQP_PREFETCH", topo.Prefetch); err != nil {
		return cfg, err
	}

	cfg.Consumer.Queue = topo.CallbackQueue
	cfg.Consumer.Tag = stringOr("AMQP_CONSUMER_TAG", "generation-orchestrator")
	if cfg.Consumer.Concurrency, err = intOr("AMQP_CONSUMER_CONCURRENCY", topo.Prefetch); err != nil {
		return cfg, err
	}
	if cfg.Consumer.HandleTimeout, err = durationOr("AMQP_HANDLE_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}

	noConfirms, err := optionalBool("AMQP_DISABLE_CONFIRMS")
	if err != nil {
		return cfg, err
	}
	cfg.Confirms = !noConfirms
	return cfg, nil
}

// LoadLedger reads the credit service settings. It returns ErrNotConfigured
// when CREDIT_SERVICE_URL is unset.
func LoadLedger() (LedgerConfig, error) {
	cfg := LedgerConfig{
		BaseURL: strings.TrimSpace(os.Getenv("CREDIT_SERVICE_URL")),
		APIKey:  strings.TrimSpace(os.Getenv("CREDIT_SERVICE_API_KEY")),
	}
	if cfg.BaseURL == "" {
		return cfg, fmt.Errorf("credit service: %w", ErrNotConfigured)
	}
	var err error
	if cfg.RequestTimeout, err = durationOr("CREDIT_SERVICE_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOrchestrator overlays GEN_* variables on generation.DefaultConfig.
func LoadOrchestrator() (OrchestratorConfig, error) {
	gen := generation.DefaultConfig()
	cfg := OrchestratorConfig{Generation: gen}
	var err error

	costs := &cfg.Generation.Costs
	if costs.SampleCost, err = decimalOr("GEN_SAMPLE_COST", costs.SampleCost); err != nil {
		return cfg, err
	}
	if costs.FinalCost, err = decimalOr("GEN_FINAL_COST", costs.FinalCost); err != nil {
		return cfg, err
	}
	if costs.HighResFinalCost, err = decimalOr("GEN_HIGH_RES_FINAL_COST", costs.HighResFinalCost); err != nil {
		return cfg, err
	}
	costs.HighResMarker = stringOr("GEN_HIGH_RES_MARKER", costs.HighResMarker)
	if costs.PerSample, err = optionalBool("GEN_COST_PER_SAMPLE"); err != nil {
		return cfg, err
	}

	fraction, err := decimalOr("GEN_PARTIAL_CHARGE_FRACTION", decimal.NewFromInt(1))
	if err != nil {
		return cfg, err
	}
	if fraction.IsNegative() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return cfg, fmt.Errorf("GEN_PARTIAL_CHARGE_FRACTION must be within [0, 1]")
	}
	cfg.Generation.PartialCharge = generation.FixedFraction(fraction)

	if cfg.Generation.LedgerTimeout, err = durationOr("GEN_LEDGER_TIMEOUT", gen.LedgerTimeout); err != nil {
		return cfg, err
	}
	if cfg.Generation.PublishTimeout, err = durationOr("GEN_PUBLISH_TIMEOUT", gen.PublishTimeout); err != nil {
		return cfg, err
	}
	if cfg.Generation.NotifyTimeout, err = durationOr("GEN_NOTIFY_TIMEOUT", gen.NotifyTimeout); err != nil {
		return cfg, err
	}
	if cfg.Generation.MaxPromptLength, err = intOr("GEN_MAX_PROMPT_LENGTH", gen.MaxPromptLength); err != nil {
		return cfg, err
	}
	if cfg.Generation.DefaultSampleCount, err = intOr("GEN_DEFAULT_SAMPLE_COUNT", gen.DefaultSampleCount); err != nil {
		return cfg, err
	}
	if cfg.Generation.MaxSampleCount, err = intOr("GEN_MAX_SAMPLE_COUNT", gen.MaxSampleCount); err != nil {
		return cfg, err
	}
	if cfg.Generation.DefaultSampleCount > cfg.Generation.MaxSampleCount {
		return cfg, fmt.Errorf("GEN_DEFAULT_SAMPLE_COUNT (%d) exceeds GEN_MAX_SAMPLE_COUNT (%d)",
			cfg.Generation.DefaultSampleCount, cfg.Generation.MaxSampleCount)
	}
	cfg.Generation.CallbackQueue = stringOr("AMQP_CALLBACK_QUEUE", gen.CallbackQueue)

	if cfg.SweepInterval, err = durationOr("GEN_SETTLE_SWEEP_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.SweepBatch, err = intOr("GEN_SETTLE_SWEEP_BATCH", 50); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOTel reads trace export settings. Tracing stays off unless OTEL_ENABLED is true.
func LoadOTel() (observability.OTelConfig, error) {
	cfg := observability.OTelConfig{
		Endpoint:    stringOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName: stringOr("OTEL_SERVICE_NAME", "generation-orchestrator"),
	}
	var err error
	if cfg.Enabled, err = optionalBool("OTEL_ENABLED"); err != nil {
		return cfg, err
	}
	if cfg.Insecure, err = optionalBool("OTEL_INSECURE"); err != nil {
		return cfg, err
	}
	raw := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO"))
	if raw == "" {
		cfg.SampleRatio = 1
		return cfg, nil
	}
	if cfg.SampleRatio, err = strconv.ParseFloat(raw, 64); err != nil {
		return cfg, fmt.Errorf("OTEL_SAMPLE_RATIO: %w", err)
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return cfg, fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
