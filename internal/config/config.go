// Package config loads the service configuration from YAML with environment
// overrides and validates it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/myogestic/myogestic/internal/conformal"
	"github.com/myogestic/myogestic/internal/solver"
	"github.com/myogestic/myogestic/pkg/otel"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Calibrator CalibratorConfig `yaml:"calibrator"`
	Solver     solver.Config    `yaml:"solver"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Tracing    otel.Config      `yaml:"tracing"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"gte=1024"`
	MaxSessions     int           `yaml:"max_sessions" validate:"gte=1"`
	MetricsUser     string        `yaml:"metrics_user"`
	MetricsPassword string        `yaml:"metrics_password" validate:"required_with=MetricsUser"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// CalibratorConfig holds the defaults for sessions that do not name their own.
type CalibratorConfig struct {
	Algorithm string  `yaml:"algorithm" validate:"required"`
	Alpha     float64 `yaml:"alpha" validate:"gt=0,lt=1"`
	RegK      int     `yaml:"reg_k" validate:"gte=0"`
	RegLambda float64 `yaml:"reg_lambda" validate:"gte=0"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=file redis postgres"`
	Dir           string        `yaml:"dir" validate:"required_if=Backend file"`
	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0,lte=15"`
	RedisTTL      time.Duration `yaml:"redis_ttl" validate:"gte=0"`
	PostgresConn  string        `yaml:"postgres_conn" validate:"required_if=Backend postgres"`
}

type CacheConfig struct {
	Size int           `yaml:"size" validate:"gte=1"`
	TTL  time.Duration `yaml:"ttl" validate:"gte=0"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
	Fsync   bool   `yaml:"fsync"`
}

type MonitorConfig struct {
	DriftWindow    int     `yaml:"drift_window" validate:"gte=30"`
	KSThreshold    float64 `yaml:"ks_threshold" validate:"gt=0,lt=1"`
	CoverageWindow int     `yaml:"coverage_window" validate:"gte=1"`
}

type RateLimitConfig struct {
	StepsPerSecond float64 `yaml:"steps_per_second" validate:"gt=0"`
	Burst          int     `yaml:"burst" validate:"gte=1"`
}

// Default returns a configuration that runs with a local file store.
func Default() Config {
	tracing := otel.DefaultConfig("myogestic")
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    8 << 20,
			MaxSessions:     64,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Calibrator: CalibratorConfig{
			Algorithm: string(conformal.RAPS),
			Alpha:     0.1,
			RegK:      conformal.DefaultRegK,
			RegLambda: conformal.DefaultRegLambda,
		},
		Solver:    solver.DefaultConfig(),
		Store:     StoreConfig{Backend: "file", Dir: "data/snapshots"},
		Cache:     CacheConfig{Size: 32},
		Recorder:  RecorderConfig{Dir: "data/recordings"},
		Monitor:   MonitorConfig{DriftWindow: 500, KSThreshold: 0.05, CoverageWindow: 1000},
		Tracing:   *tracing,
		RateLimit: RateLimitConfig{StepsPerSecond: 200, Burst: 400},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks struct constraints and the domain rules validator tags
// cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := conformal.ParseAlgorithm(c.Calibrator.Algorithm); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Solver.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// applyEnv overrides file values with the deployment environment.
func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "MYOGESTIC_ADDR")
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	setString(&cfg.Server.MetricsUser, "METRICS_USER")
	setString(&cfg.Server.MetricsPassword, "METRICS_PASS")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	if os.Getenv("ENV") == "development" {
		cfg.Log.Format = "console"
	}

	setString(&cfg.Store.Backend, "SNAPSHOT_BACKEND")
	setString(&cfg.Store.Dir, "SNAPSHOT_DIR")
	setString(&cfg.Store.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Store.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.Store.PostgresConn, "POSTGRES_CONN")
	setString(&cfg.Recorder.Dir, "RECORDER_DIR")

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.CollectorEndpoint = v
	}
	if err := setFloat(&cfg.RateLimit.StepsPerSecond, "STEP_RATE"); err != nil {
		return err
	}
	if err := setFloat(&cfg.Calibrator.Alpha, "CONFORMAL_ALPHA"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, key, v)
	}
	*dst = f
	return nil
}
