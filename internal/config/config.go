// Package config loads fieldsync settings from a YAML file, a .env file and
// FIELDSYNC_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/sync/coordinator"
	"github.com/fieldops/fieldsync/internal/sync/queue"
	"github.com/fieldops/fieldsync/internal/sync/remote"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDSYNC_"

// Config is the complete fieldsync configuration.
type Config struct {
	DataDir string        `yaml:"data_dir" validate:"required"`
	API     APIConfig     `yaml:"api"`
	Network NetworkConfig `yaml:"network"`
	Sync    SyncConfig    `yaml:"sync"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
}

// APIConfig configures the remote REST client.
type APIConfig struct {
	BaseURL        string            `yaml:"base_url" validate:"required,url"`
	Token          string            `yaml:"token"`
	RequestTimeout time.Duration     `yaml:"request_timeout" validate:"gt=0"`
	Routes         map[string]string `yaml:"routes" validate:"required,min=1,dive,keys,required,endkeys,required"`
}

// NetworkConfig configures the reachability probe. An empty ProbeURL trusts
// the platform signal alone.
type NetworkConfig struct {
	ProbeURL     string        `yaml:"probe_url" validate:"omitempty,url"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`
}

// SyncConfig configures the coordinator and retry policy.
type SyncConfig struct {
	SettleDelay  time.Duration `yaml:"settle_delay" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	RetryCeiling int           `yaml:"retry_ceiling" validate:"gte=1,lte=20"`
	BackoffBase  time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax   time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	PassTimeout  time.Duration `yaml:"pass_timeout" validate:"gte=0"`
	Retention    time.Duration `yaml:"retention" validate:"gt=0"`
}

// CacheConfig configures the reference-data cache and evidence storage.
type CacheConfig struct {
	Size int `yaml:"size" validate:"gte=1"`
	// EvidenceDir defaults to <data_dir>/evidence.
	EvidenceDir string `yaml:"evidence_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// ServerConfig configures the local presentation server.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		API: APIConfig{
			BaseURL:        "http://localhost:8080/api",
			RequestTimeout: 30 * time.Second,
			Routes:         remote.DefaultRoutes(),
		},
		Network: NetworkConfig{
			ProbeTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			SettleDelay:  2 * time.Second,
			PollInterval: 30 * time.Second,
			RetryCeiling: 3,
			BackoffBase:  2 * time.Second,
			BackoffMax:   10 * time.Second,
			Retention:    720 * time.Hour,
		},
		Cache: CacheConfig{Size: 256},
		Log:   LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then .env, then FIELDSYNC_* variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "read config "+path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrValidation, "load .env", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.Wrap(errors.ErrValidation, "parse config", err)
	}
	return nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid configuration", err)
	}
	return nil
}

type override struct {
	key string
	set func(v string) error
}

func (c *Config) overrides() []override {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}

	return []override{
		{"DATA_DIR", str(&c.DataDir)},
		{"API_BASE_URL", str(&c.API.BaseURL)},
		{"API_TOKEN", str(&c.API.Token)},
		{"API_REQUEST_TIMEOUT", dur(&c.API.RequestTimeout)},
		{"NETWORK_PROBE_URL", str(&c.Network.ProbeURL)},
		{"NETWORK_PROBE_TIMEOUT", dur(&c.Network.ProbeTimeout)},
		{"SYNC_SETTLE_DELAY", dur(&c.Sync.SettleDelay)},
		{"SYNC_POLL_INTERVAL", dur(&c.Sync.PollInterval)},
		{"SYNC_RETRY_CEILING", num(&c.Sync.RetryCeiling)},
		{"SYNC_BACKOFF_BASE", dur(&c.Sync.BackoffBase)},
		{"SYNC_BACKOFF_MAX", dur(&c.Sync.BackoffMax)},
		{"SYNC_PASS_TIMEOUT", dur(&c.Sync.PassTimeout)},
		{"SYNC_RETENTION", dur(&c.Sync.Retention)},
		{"CACHE_SIZE", num(&c.Cache.Size)},
		{"CACHE_EVIDENCE_DIR", str(&c.Cache.EvidenceDir)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"SERVER_ADDR", str(&c.Server.Addr)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.overrides() {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return errors.Wrap(errors.ErrValidation, fmt.Sprintf("invalid %s%s", EnvPrefix, o.key), err)
		}
	}
	return nil
}

// RetryPolicy returns the configured retry policy.
func (c *Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		Ceiling: c.Sync.RetryCeiling,
		Base:    c.Sync.BackoffBase,
		Max:     c.Sync.BackoffMax,
	}
}

// CoordinatorConfig returns the coordinator timing.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		SettleDelay:  c.Sync.SettleDelay,
		PollInterval: c.Sync.PollInterval,
		PassTimeout:  c.Sync.PassTimeout,
		Retention:    c.Sync.Retention,
	}
}

// RemoteConfig returns the remote client settings.
func (c *Config) RemoteConfig() remote.Config {
	return remote.Config{
		BaseURL:        c.API.BaseURL,
		Token:          c.API.Token,
		Routes:         c.API.Routes,
		RequestTimeout: c.API.RequestTimeout,
	}
}

// EvidenceDir returns where photo evidence is stored.
func (c *Config) EvidenceDir() string {
	if c.Cache.EvidenceDir != "" {
		return c.Cache.EvidenceDir
	}
	return filepath.Join(c.DataDir, "evidence")
}
