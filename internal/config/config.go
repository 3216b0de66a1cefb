package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the akuafopay service.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	BackendBaseURL string `json:"backend_base_url"`
	BackendToken   string `json:"-"`

	BackendTimeout    time.Duration `json:"-"`
	BackendTimeoutStr string        `json:"backend_timeout"`

	PollFastInterval    time.Duration `json:"-"`
	PollFastIntervalStr string        `json:"poll_fast_interval"`
	PollSlowInterval    time.Duration `json:"-"`
	PollSlowIntervalStr string        `json:"poll_slow_interval"`
	PollFastWindow      time.Duration `json:"-"`
	PollFastWindowStr   string        `json:"poll_fast_window"`

	// ConfirmTimeout is the default wall-clock budget per attempt;
	// requests may override it within the clamp enforced by the API.
	ConfirmTimeout    time.Duration `json:"-"`
	ConfirmTimeoutStr string        `json:"confirm_timeout"`

	HTTPAddr               string        `json:"http_addr"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsAddr    string `json:"metrics_addr"`

	// DatabaseURL is optional: without it the engine runs purely in
	// memory and attempts are lost on restart.
	DatabaseURL    string        `json:"database_url"`
	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`
	DBMaxOpenConns int           `json:"db_max_open_conns"`
	DBMaxIdleConns int           `json:"db_max_idle_conns"`

	RedisAddr     string        `json:"redis_addr,omitempty"`
	RedisPassword string        `json:"-"`
	RedisDB       int           `json:"redis_db"`
	OrderTTL      time.Duration `json:"-"`
	OrderTTLStr   string        `json:"order_ttl"`

	NATSURL     string `json:"nats_url,omitempty"`
	NATSSubject string `json:"nats_subject"`

	SweepEnabled      bool          `json:"sweep_enabled"`
	SweepSchedule     string        `json:"sweep_schedule"`
	SweepTimezone     string        `json:"sweep_timezone"`
	SweepThreshold    time.Duration `json:"-"`
	SweepThresholdStr string        `json:"sweep_threshold"`
	SweepBatchSize    int           `json:"sweep_batch_size"`

	// LeaderElection gates the sweeper behind a Postgres advisory lock
	// so only one replica sweeps. All instances sharing a database must
	// use the same lock key.
	LeaderElection             bool          `json:"leader_election"`
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// BreakerThreshold: 0 disables the verification circuit breaker.
	BreakerThreshold   int           `json:"breaker_threshold"`
	BreakerCooldown    time.Duration `json:"-"`
	BreakerCooldownStr string        `json:"breaker_cooldown"`

	// NotifyBufferSize sizes the broadcaster and history queues.
	NotifyBufferSize int `json:"notify_buffer_size"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		BackendBaseURL:             os.Getenv("BACKEND_BASE_URL"),
		BackendToken:               os.Getenv("BACKEND_API_TOKEN"),
		BackendTimeoutStr:          os.Getenv("BACKEND_TIMEOUT"),
		PollFastIntervalStr:        os.Getenv("POLL_FAST_INTERVAL"),
		PollSlowIntervalStr:        os.Getenv("POLL_SLOW_INTERVAL"),
		PollFastWindowStr:          os.Getenv("POLL_FAST_WINDOW"),
		ConfirmTimeoutStr:          os.Getenv("CONFIRM_TIMEOUT"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsAddr:                os.Getenv("METRICS_ADDR"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPassword:              os.Getenv("REDIS_PASSWORD"),
		OrderTTLStr:                os.Getenv("ORDER_TTL"),
		NATSURL:                    os.Getenv("NATS_URL"),
		NATSSubject:                os.Getenv("NATS_SUBJECT"),
		SweepEnabled:               os.Getenv("SWEEP_ENABLED") == "true",
		SweepSchedule:              os.Getenv("SWEEP_SCHEDULE"),
		SweepTimezone:              os.Getenv("SWEEP_TIMEZONE"),
		SweepThresholdStr:          os.Getenv("SWEEP_THRESHOLD"),
		LeaderElection:             os.Getenv("LEADER_ELECTION") == "true",
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
		BreakerCooldownStr:         os.Getenv("BREAKER_COOLDOWN"),
	}

	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if n, err := parseInt(dbStr); err == nil {
			cfg.RedisDB = n
		} else {
			log.Printf("config: invalid REDIS_DB %q (must be a non-negative integer), using 0", dbStr)
		}
	}

	if batchStr := os.Getenv("SWEEP_BATCH_SIZE"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.SweepBatchSize = n
		} else {
			log.Printf("config: invalid SWEEP_BATCH_SIZE %q (must be a positive integer), using default 100", batchStr)
		}
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 100
	}

	if threshStr := os.Getenv("BREAKER_THRESHOLD"); threshStr != "" {
		if n, err := parseInt(threshStr); err == nil {
			cfg.BreakerThreshold = n
		} else {
			log.Printf("config: invalid BREAKER_THRESHOLD %q, using default 5", threshStr)
		}
	}
	if cfg.BreakerThreshold == 0 && os.Getenv("BREAKER_THRESHOLD") == "" {
		cfg.BreakerThreshold = 5
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 429471", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 429471
	}

	if bufStr := os.Getenv("NOTIFY_BUFFER_SIZE"); bufStr != "" {
		if n, err := parseInt(bufStr); err == nil && n > 0 {
			cfg.NotifyBufferSize = n
		} else {
			log.Printf("config: invalid NOTIFY_BUFFER_SIZE %q (must be a positive integer), using default 256", bufStr)
		}
	}
	if cfg.NotifyBufferSize == 0 {
		cfg.NotifyBufferSize = 256
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9091"
	}
	if cfg.BackendTimeoutStr == "" {
		cfg.BackendTimeoutStr = "10s"
	}
	if cfg.PollFastIntervalStr == "" {
		cfg.PollFastIntervalStr = "10s"
	}
	if cfg.PollSlowIntervalStr == "" {
		cfg.PollSlowIntervalStr = "5m"
	}
	if cfg.ConfirmTimeoutStr == "" {
		cfg.ConfirmTimeoutStr = "5m"
	}
	if cfg.PollFastWindowStr == "" {
		cfg.PollFastWindowStr = cfg.ConfirmTimeoutStr
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.OrderTTLStr == "" {
		cfg.OrderTTLStr = "720h"
	}
	if cfg.NATSSubject == "" {
		cfg.NATSSubject = "akuafoplus.payments.state"
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "*/5 * * * *"
	}
	if cfg.SweepTimezone == "" {
		cfg.SweepTimezone = "UTC"
	}
	if cfg.SweepThresholdStr == "" {
		cfg.SweepThresholdStr = "30m"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}
	if cfg.BreakerCooldownStr == "" {
		cfg.BreakerCooldownStr = "2m"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.BackendTimeoutStr); err == nil {
		cfg.BackendTimeout = d
	}
	if d, err := time.ParseDuration(cfg.PollFastIntervalStr); err == nil {
		cfg.PollFastInterval = d
	}
	if d, err := time.ParseDuration(cfg.PollSlowIntervalStr); err == nil {
		cfg.PollSlowInterval = d
	}
	if d, err := time.ParseDuration(cfg.PollFastWindowStr); err == nil {
		cfg.PollFastWindow = d
	}
	if d, err := time.ParseDuration(cfg.ConfirmTimeoutStr); err == nil {
		cfg.ConfirmTimeout = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.OrderTTLStr); err == nil {
		cfg.OrderTTL = d
	}
	if d, err := time.ParseDuration(cfg.SweepThresholdStr); err == nil {
		cfg.SweepThreshold = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}
	if d, err := time.ParseDuration(cfg.BreakerCooldownStr); err == nil {
		cfg.BreakerCooldown = d
	}

	return cfg
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		BackendBaseURL          string `json:"backend_base_url"`
		BackendToken            string `json:"backend_api_token"`
		BackendTimeout          string `json:"backend_timeout"`
		PollFastInterval        string `json:"poll_fast_interval"`
		PollSlowInterval        string `json:"poll_slow_interval"`
		PollFastWindow          string `json:"poll_fast_window"`
		ConfirmTimeout          string `json:"confirm_timeout"`
		HTTPAddr                string `json:"http_addr"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsAddr             string `json:"metrics_addr"`
		DatabaseURL             string `json:"database_url"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		RedisPassword           string `json:"redis_password,omitempty"`
		RedisDB                 int    `json:"redis_db"`
		OrderTTL                string `json:"order_ttl"`
		NATSURL                 string `json:"nats_url,omitempty"`
		NATSSubject             string `json:"nats_subject"`
		SweepEnabled            bool   `json:"sweep_enabled"`
		SweepSchedule           string `json:"sweep_schedule"`
		SweepTimezone           string `json:"sweep_timezone"`
		SweepThreshold          string `json:"sweep_threshold"`
		SweepBatchSize          int    `json:"sweep_batch_size"`
		LeaderElection          bool   `json:"leader_election"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
		BreakerThreshold        int    `json:"breaker_threshold"`
		BreakerCooldown         string `json:"breaker_cooldown"`
		NotifyBufferSize        int    `json:"notify_buffer_size"`
	}{
		BackendBaseURL:          c.BackendBaseURL,
		BackendToken:            maskSecret(c.BackendToken),
		BackendTimeout:          c.BackendTimeoutStr,
		PollFastInterval:        c.PollFastIntervalStr,
		PollSlowInterval:        c.PollSlowIntervalStr,
		PollFastWindow:          c.PollFastWindowStr,
		ConfirmTimeout:          c.ConfirmTimeoutStr,
		HTTPAddr:                c.HTTPAddr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsAddr:             c.MetricsAddr,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		RedisAddr:               c.RedisAddr,
		RedisPassword:           maskSecret(c.RedisPassword),
		RedisDB:                 c.RedisDB,
		OrderTTL:                c.OrderTTLStr,
		NATSURL:                 c.NATSURL,
		NATSSubject:             c.NATSSubject,
		SweepEnabled:            c.SweepEnabled,
		SweepSchedule:           c.SweepSchedule,
		SweepTimezone:           c.SweepTimezone,
		SweepThreshold:          c.SweepThresholdStr,
		SweepBatchSize:          c.SweepBatchSize,
		LeaderElection:          c.LeaderElection,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
		BreakerThreshold:        c.BreakerThreshold,
		BreakerCooldown:         c.BreakerCooldownStr,
		NotifyBufferSize:        c.NotifyBufferSize,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
