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
)

// DatabaseConfig holds the Postgres DSN. An empty URL selects in-memory stores.
type DatabaseConfig struct {
	URL             string
	SeedFile        string
	MaxOpenConns    *int
	ConnMaxLifetime *time.Duration
}

// RedisConfig holds Redis connection and behavior settings. An empty URL
// disables Redis-backed locks and the stream publisher.
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
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// Enabled reports whether a Redis URL was configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// LockConfig holds the resource lock timeouts.
type LockConfig struct {
	WaitTimeout  time.Duration
	LeaseTimeout time.Duration
	RetryEvery   time.Duration
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	PublishRate   time.Duration
	PublishBurst  int
	BroadcastSize int
}

// KafkaConfig holds broker settings. No brokers disables the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether at least one broker was configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// HTTPConfig holds the order intake listener and its rate limit.
type HTTPConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	ShutdownTimeout   time.Duration
}

// GRPCConfig holds the health server address and ingress rate limiting.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// DLQConfig holds the failed compensation sinks.
type DLQConfig struct {
	File string
}

// ReliabilityConfig holds retry and circuit breaker settings for outbound
// writes.
type ReliabilityConfig struct {
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// LoadDatabase reads the optional Postgres settings from env.
func LoadDatabase() (DatabaseConfig, error) {
	cfg := DatabaseConfig{
		URL:      optionalString("DATABASE_URL"),
		SeedFile: optionalString("SEED_FILE"),
	}
	var err error
	if cfg.MaxOpenConns, err = optionalInt("DATABASE_MAX_OPEN_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.ConnMaxLifetime, err = optionalDuration("DATABASE_CONN_MAX_LIFETIME"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:    optionalString("REDIS_URL"),
		Stream: optionalString("REDIS_STREAM"),
	}
	if cfg.URL == "" {
		return cfg, nil
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
	if cfg.StreamMaxLen, err = int64Or("REDIS_STREAM_MAXLEN", 0); err != nil {
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

// GetRedisURL returns the required Redis URL from env.
func GetRedisURL() (string, error) {
	return requiredString("REDIS_URL")
}

// LoadLock reads resource lock timeouts from env.
func LoadLock() (LockConfig, error) {
	var (
		cfg LockConfig
		err error
	)
	if cfg.WaitTimeout, err = durationOr("LOCK_WAIT_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.LeaseTimeout, err = durationOr("LOCK_LEASE_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RetryEvery, err = durationOr("LOCK_RETRY_INTERVAL", 25*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.LeaseTimeout == 0 {
		return cfg, errors.New("LOCK_LEASE_TIMEOUT must be > 0")
	}
	return cfg, nil
}

// LoadOutbox reads dispatcher settings from env.
func LoadOutbox() (OutboxConfig, error) {
	var (
		cfg OutboxConfig
		err error
	)
	if cfg.PollInterval, err = durationOr("OUTBOX_POLL_INTERVAL", time.Second); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = intOr("OUTBOX_BATCH_SIZE", 100); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = intOr("OUTBOX_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts < 1 {
		return cfg, errors.New("OUTBOX_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.BaseBackoff, err = durationOr("OUTBOX_BASE_BACKOFF", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxBackoff, err = durationOr("OUTBOX_MAX_BACKOFF", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.PublishRate, err = durationOr("OUTBOX_PUBLISH_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.PublishBurst, err = intOr("OUTBOX_PUBLISH_BURST", 0); err != nil {
		return cfg, err
	}
	if cfg.BroadcastSize, err = intOr("OUTBOX_BROADCAST_BUFFER", 256); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadKafka reads broker settings from env.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{Topic: optionalString("KAFKA_TOPIC")}
	for _, broker := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Brokers = append(cfg.Brokers, broker)
		}
	}
	if cfg.Topic != "" && len(cfg.Brokers) == 0 {
		return cfg, errors.New("KAFKA_TOPIC requires KAFKA_BROKERS")
	}
	return cfg, nil
}

// LoadHTTP reads the order intake listener settings from env.
func LoadHTTP() (HTTPConfig, error) {
	cfg := HTTPConfig{Addr: optionalString("HTTP_ADDR")}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	var err error
	if cfg.RateLimitInterval, err = durationOr("HTTP_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("HTTP_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = durationOr("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadGRPC reads the gRPC health server settings from env.
func LoadGRPC() (GRPCConfig, error) {
	addr, err := requiredString("GRPC_ADDR")
	if err != nil {
		return GRPCConfig{}, err
	}
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              addr,
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

// LoadDLQ reads the failed compensation file sink from env.
func LoadDLQ() (DLQConfig, error) {
	return DLQConfig{File: optionalString("DLQ_FILE")}, nil
}

// LoadReliability reads retry and breaker settings from env.
func LoadReliability() (ReliabilityConfig, error) {
	var (
		cfg ReliabilityConfig
		err error
	)
	if cfg.RetryAttempts, err = intOr("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOr("RETRY_BASE_DELAY", 50*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = durationOr("RETRY_MAX_DELAY", time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = intOr("BREAKER_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = durationOr("BREAKER_RESET_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
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

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalString(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func int64Or(name string, def int64) (int64, error) {
	if optionalString(name) == "" {
		return def, nil
	}
	return requiredInt64(name)
}
