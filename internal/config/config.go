// Package config loads runtime tunables for the telemetry core from the
// environment, applying sane defaults and surfacing descriptive errors for
// invalid overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// DefaultSamplingRateHz is the assumed device sampling rate used by
	// waveform-shaped parameters (pressure/flow, ECG) absent an override.
	DefaultSamplingRateHz = 125

	// DefaultMaxConnections bounds concurrent client sessions.
	DefaultMaxConnections = 256

	// DefaultInactivityThreshold is the liveness sweep period T from spec §4.4.
	DefaultInactivityThreshold = 20 * time.Second

	// DefaultDispatchWorkers is the fixed dispatch worker pool size.
	DefaultDispatchWorkers = 5

	// DefaultDispatchQueueCapacity bounds the dispatch event queue.
	DefaultDispatchQueueCapacity = 10000

	// DefaultSessionSendBuffer bounds each session's outbound channel.
	DefaultSessionSendBuffer = 32

	// DefaultCacheCapacity is the per-(patient, param) ring buffer size.
	DefaultCacheCapacity = 10

	// DefaultAnalysisPoolWait bounds how long a session waits to acquire an
	// analysis engine before surfacing a timeout failure frame.
	DefaultAnalysisPoolWait = 30 * time.Second
)

// Database captures the relational store credentials shared by the Patient
// Directory and Snapshot Store bridges.
type Database struct {
	Host     string `yaml:"host" env:"DB_HOST" env-default:"127.0.0.1"`
	Port     int    `yaml:"port" env:"DB_PORT" env-default:"3306"`
	User     string `yaml:"user" env:"DB_USER" env-default:"icu_app"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"icu_telemetry"`
}

// DSN renders the go-sql-driver/mysql data source name for this database.
func (d Database) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// Replication captures the credentials and tuning used by the CDC source.
type Replication struct {
	User          string   `yaml:"user" env:"REPL_USER" env-default:"repl_user"`
	Password      string   `yaml:"password" env:"REPL_PASSWORD"`
	ServerID      uint32   `yaml:"server_id" env:"REPL_SERVER_ID" env-default:"100"`
	AllowedTables []string `yaml:"allowed_tables" env:"REPL_ALLOWED_TABLES" env-separator:"," env-default:"pressure_flow_params,ecg_params,ella_sensor_params,mepap_sensor_params,photodiode_params,ecg_model_output"`
	ResumeStream  bool     `yaml:"resume_stream" env:"REPL_RESUME_STREAM" env-default:"true"`
}

// Analysis captures the configuration of the external numeric engine pool.
type Analysis struct {
	EnginePath   string        `yaml:"engine_path" env:"ANALYSIS_ENGINE_PATH"`
	PoolSize     int           `yaml:"pool_size" env:"ANALYSIS_POOL_SIZE" env-default:"4"`
	RedisAddr    string        `yaml:"redis_addr" env:"ANALYSIS_REDIS_ADDR" env-default:"127.0.0.1:6379"`
	AcquireWait  time.Duration `yaml:"acquire_wait" env:"ANALYSIS_ACQUIRE_WAIT" env-default:"30s"`
	SamplingRate int           `yaml:"sampling_rate" env:"SAMPLING_RATE_HZ" env-default:"125"`
}

// Logging captures structured logging configuration options.
type Logging struct {
	Level      string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Path       string `yaml:"path" env:"LOG_PATH" env-default:"vitalstream.log"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"10"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS" env-default:"7"`
	Compress   bool   `yaml:"compress" env:"LOG_COMPRESS" env-default:"true"`
}

// Metrics captures the Prometheus exposition listener configuration.
type Metrics struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR" env-default:":9090"`
}

// Config captures all runtime tunables for the telemetry core.
type Config struct {
	Address             string        `yaml:"address" env:"SERVER_ADDR" env-default:":8080"`
	MaxConnections      int           `yaml:"max_connections" env:"MAX_CONNECTIONS" env-default:"256"`
	MaxPayloadBytes     int64         `yaml:"max_payload_bytes" env:"MAX_PAYLOAD_BYTES" env-default:"1048576"`
	InactivityThreshold time.Duration `yaml:"inactivity_threshold" env:"INACTIVITY_THRESHOLD" env-default:"20s"`
	DispatchWorkers     int           `yaml:"dispatch_workers" env:"DISPATCH_WORKERS" env-default:"5"`
	DispatchQueueCap    int           `yaml:"dispatch_queue_capacity" env:"DISPATCH_QUEUE_CAPACITY" env-default:"10000"`
	SessionSendBuffer   int           `yaml:"session_send_buffer" env:"SESSION_SEND_BUFFER" env-default:"32"`
	ChatAPIKey          string        `yaml:"chat_api_key" env:"CHAT_API_KEY"`
	ChatAPIEndpoint     string        `yaml:"chat_api_endpoint" env:"CHAT_API_ENDPOINT"`

	DB          Database    `yaml:"db"`
	Replication Replication `yaml:"replication"`
	Analysis    Analysis    `yaml:"analysis"`
	Logging     Logging     `yaml:"logging"`
	Metrics     Metrics     `yaml:"metrics"`
}

// Load reads configuration from the environment, optionally overlaying a YAML
// file first when path is non-empty.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if strings.TrimSpace(path) != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var problems []string
	if cfg.MaxConnections < 0 {
		problems = append(problems, "MAX_CONNECTIONS must be non-negative")
	}
	if cfg.MaxPayloadBytes <= 0 {
		problems = append(problems, "MAX_PAYLOAD_BYTES must be positive")
	}
	if cfg.InactivityThreshold <= 0 {
		problems = append(problems, "INACTIVITY_THRESHOLD must be a positive duration")
	}
	if cfg.DispatchWorkers <= 0 {
		problems = append(problems, "DISPATCH_WORKERS must be positive")
	}
	if cfg.DispatchQueueCap <= 0 {
		problems = append(problems, "DISPATCH_QUEUE_CAPACITY must be positive")
	}
	if len(cfg.Replication.AllowedTables) == 0 {
		problems = append(problems, "REPL_ALLOWED_TABLES must name at least one table")
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return &cfg, nil
}
