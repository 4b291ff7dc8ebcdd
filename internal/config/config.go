package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"motionbrush/internal/pathextract"
)

const (
	defaultConfigPath = "~/.config/motionbrush/config.json"
	defaultParallel   = 2
	envPrefix         = "MOTIONBRUSH_"
)

// Config holds user-editable settings. Values come from defaults, then the
// JSON config file, then MOTIONBRUSH_* environment variables.
type Config struct {
	Processing Processing `json:"processing" envPrefix:"PROCESSING_"`
	Logging    Logging    `json:"logging"    envPrefix:"LOG_"`
	Paths      Paths      `json:"paths"      envPrefix:"PATHS_"`
	API        API        `json:"api"        envPrefix:"API_"`
	Storage    Storage    `json:"storage"    envPrefix:"S3_"`
	Server     Server     `json:"server"     envPrefix:"SERVER_"`
	Extract    Extract    `json:"extract"    envPrefix:"EXTRACT_"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" env:"PARALLEL_JOBS"`
	TempDir      string `json:"temp_dir"      env:"TEMP_DIR"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"       env:"LEVEL"`       // debug, info, warn, error
	Format     string `json:"format"      env:"FORMAT"`      // text, json
	FileOutput bool   `json:"file_output" env:"FILE_OUTPUT"` // Enable file logging
	LogDir     string `json:"log_dir"     env:"DIR"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output" env:"DEFAULT_OUTPUT"`
	DatabasePath  string `json:"database_path"  env:"DATABASE"`
}

// API configures the hosted video-generation service.
type API struct {
	BaseURL        string        `json:"base_url"        env:"BASE_URL"`
	Key            string        `json:"key"             env:"KEY"`
	PollInterval   time.Duration `json:"poll_interval"   env:"POLL_INTERVAL"`
	PollTimeout    time.Duration `json:"poll_timeout"    env:"POLL_TIMEOUT"`
	RequestTimeout time.Duration `json:"request_timeout" env:"REQUEST_TIMEOUT"`
	Prompt         string        `json:"prompt"          env:"PROMPT"`
	NegativePrompt string        `json:"negative_prompt" env:"NEGATIVE_PROMPT"`
	CFGScale       float64       `json:"cfg_scale"       env:"CFG_SCALE"`
	Duration       int           `json:"duration"        env:"DURATION"`
	Mode           string        `json:"mode"            env:"MODE"`
	Version        string        `json:"version"         env:"VERSION"`
}

// Storage configures where composite masks are published.
type Storage struct {
	Endpoint      string        `json:"endpoint"        env:"ENDPOINT"`
	AccessKey     string        `json:"access_key"      env:"ACCESS_KEY"`
	SecretKey     string        `json:"secret_key"      env:"SECRET_KEY"`
	UseSSL        bool          `json:"use_ssl"         env:"USE_SSL"`
	Bucket        string        `json:"bucket"          env:"BUCKET"`
	Region        string        `json:"region"          env:"REGION"`
	PublicBaseURL string        `json:"public_base_url" env:"PUBLIC_BASE_URL"`
	PresignExpiry time.Duration `json:"presign_expiry"  env:"PRESIGN_EXPIRY"`
}

// Server configures the HTTP service.
type Server struct {
	Addr           string `json:"addr"             env:"ADDR"`
	MaxUploadBytes int64  `json:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
}

// Extract holds defaults for path extraction.
type Extract struct {
	Direction string `json:"direction" env:"DIRECTION"`
}

// UnmarshalJSON accepts durations as Go duration strings ("10s") or
// integer nanoseconds.
func (a *API) UnmarshalJSON(b []byte) error {
	type plain API
	aux := struct {
		*plain
		PollInterval   any `json:"poll_interval"`
		PollTimeout    any `json:"poll_timeout"`
		RequestTimeout any `json:"request_timeout"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	var err error
	if a.PollInterval, err = durationValue(aux.PollInterval, a.PollInterval); err != nil {
		return fmt.Errorf("poll_interval: %w", err)
	}
	if a.PollTimeout, err = durationValue(aux.PollTimeout, a.PollTimeout); err != nil {
		return fmt.Errorf("poll_timeout: %w", err)
	}
	if a.RequestTimeout, err = durationValue(aux.RequestTimeout, a.RequestTimeout); err != nil {
		return fmt.Errorf("request_timeout: %w", err)
	}
	return nil
}

func durationValue(v any, fallback time.Duration) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return fallback, nil
	case string:
		return time.ParseDuration(t)
	case float64:
		return time.Duration(t), nil
	default:
		return 0, fmt.Errorf("unsupported duration %v", v)
	}
}

// Path returns the config file location honouring MOTIONBRUSH_CONFIG.
func Path() string {
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults,
// and applies environment overrides.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load with an explicit file path.
func LoadFile(configPath string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with standard defaults.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "motionbrush.db"),
		},
		API: API{
			BaseURL:        "https://api.goapi.ai",
			PollInterval:   10 * time.Second,
			PollTimeout:    10 * time.Minute,
			RequestTimeout: 30 * time.Second,
			Prompt:         "walk",
			CFGScale:       0.5,
			Duration:       5,
			Mode:           "std",
			Version:        "1.0",
		},
		Storage: Storage{
			Bucket:        "motionbrush-masks",
			PresignExpiry: 24 * time.Hour,
		},
		Server: Server{
			Addr:           ":8080",
			MaxUploadBytes: 32 << 20,
		},
		Extract: Extract{
			Direction: pathextract.LeftToRight.String(),
		},
	}
}

// Validate clamps numeric values to safe ranges and rejects settings that
// cannot work.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		c.Processing.ParallelJobs = 1
	}
	if c.API.PollInterval <= 0 {
		c.API.PollInterval = 10 * time.Second
	}
	if c.API.PollTimeout < c.API.PollInterval {
		c.API.PollTimeout = c.API.PollInterval
	}
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = 30 * time.Second
	}
	if c.API.CFGScale < 0 || c.API.CFGScale > 1 {
		return fmt.Errorf("api.cfg_scale must be within [0,1], got %v", c.API.CFGScale)
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 32 << 20
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Extract.Direction != "" {
		if _, err := pathextract.ParseDirection(c.Extract.Direction); err != nil {
			return fmt.Errorf("extract.direction: %w", err)
		}
	}
	return nil
}

// DefaultDirection returns the configured extraction direction.
func (c *Config) DefaultDirection() pathextract.Direction {
	d, err := pathextract.ParseDirection(c.Extract.Direction)
	if err != nil {
		return pathextract.LeftToRight
	}
	return d
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
