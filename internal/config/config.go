// Package config loads takedown's YAML configuration and environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Media   MediaConfig   `yaml:"media"`
	Backend BackendConfig `yaml:"backend"`
}

// AgentConfig holds settings for the scoring station.
type AgentConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	BackendURL string `yaml:"backend_url"`
	// RulesFile is an optional CUE ruleset; empty means folkstyle defaults.
	RulesFile string `yaml:"rules_file"`

	TickInterval   time.Duration `yaml:"tick_interval"`
	DrainInterval  time.Duration `yaml:"drain_interval"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	KeepOperations int           `yaml:"keep_operations"`
	KeepRecords    int           `yaml:"keep_records"`
}

// MediaConfig holds object storage and chunking settings.
type MediaConfig struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ChunkThreshold  int           `yaml:"chunk_threshold"`
	ChunkDuration   time.Duration `yaml:"chunk_duration"`
}

// BackendConfig holds settings for the reference backend.
type BackendConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	DSN              string        `yaml:"dsn"`
	FinalizeInterval time.Duration `yaml:"finalize_interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file, applies defaults and then
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	a := &c.Agent
	if a.ListenAddr == "" {
		a.ListenAddr = "127.0.0.1:8080"
	}
	if a.DBPath == "" {
		a.DBPath = "takedown.db"
	}
	if a.BackendURL == "" {
		a.BackendURL = "http://127.0.0.1:8090"
	}
	if a.TickInterval == 0 {
		a.TickInterval = time.Second
	}
	if a.DrainInterval == 0 {
		a.DrainInterval = 5 * time.Second
	}
	if a.ProbeInterval == 0 {
		a.ProbeInterval = 10 * time.Second
	}
	if a.PruneInterval == 0 {
		a.PruneInterval = 10 * time.Minute
	}
	if a.RequestTimeout == 0 {
		a.RequestTimeout = 10 * time.Second
	}
	if a.MaxRetries == 0 {
		a.MaxRetries = 5
	}
	if a.RetryBackoff == 0 {
		a.RetryBackoff = 2 * time.Second
	}
	if a.MaxBackoff == 0 {
		a.MaxBackoff = 5 * time.Minute
	}
	if a.KeepOperations == 0 {
		a.KeepOperations = 200
	}
	if a.KeepRecords == 0 {
		a.KeepRecords = 50
	}

	m := &c.Media
	if m.Region == "" {
		m.Region = "auto"
	}
	if m.ChunkThreshold == 0 {
		m.ChunkThreshold = 8 << 20
	}
	if m.ChunkDuration == 0 {
		m.ChunkDuration = 10 * time.Second
	}

	b := &c.Backend
	if b.ListenAddr == "" {
		b.ListenAddr = "127.0.0.1:8090"
	}
	if b.DSN == "" {
		b.DSN = "sqlite://takedown-backend.db"
	}
	if b.FinalizeInterval == 0 {
		b.FinalizeInterval = 30 * time.Second
	}
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"TAKEDOWN_DB_PATH":        &c.Agent.DBPath,
		"TAKEDOWN_BACKEND_URL":    &c.Agent.BackendURL,
		"TAKEDOWN_LISTEN_ADDR":    &c.Agent.ListenAddr,
		"TAKEDOWN_RULES_FILE":     &c.Agent.RulesFile,
		"POSTGRES_DSN":            &c.Backend.DSN,
		"BACKEND_LISTEN_ADDR":     &c.Backend.ListenAddr,
		"MEDIA_BUCKET":            &c.Media.Bucket,
		"MEDIA_REGION":            &c.Media.Region,
		"MEDIA_ENDPOINT":          &c.Media.Endpoint,
		"MEDIA_ACCESS_KEY_ID":     &c.Media.AccessKeyID,
		"MEDIA_ACCESS_KEY_SECRET": &c.Media.SecretAccessKey,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("TAKEDOWN_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TAKEDOWN_MAX_RETRIES: %w", err)
		}
		c.Agent.MaxRetries = n
	}
	return nil
}

// Validate rejects settings the agent or backend cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Agent.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("agent.backend_url %q must be an http(s) URL", c.Agent.BackendURL)
	}
	durations := map[string]time.Duration{
		"agent.tick_interval":       c.Agent.TickInterval,
		"agent.drain_interval":      c.Agent.DrainInterval,
		"agent.probe_interval":      c.Agent.ProbeInterval,
		"agent.prune_interval":      c.Agent.PruneInterval,
		"agent.request_timeout":     c.Agent.RequestTimeout,
		"agent.retry_backoff":       c.Agent.RetryBackoff,
		"media.chunk_duration":      c.Media.ChunkDuration,
		"backend.finalize_interval": c.Backend.FinalizeInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Agent.MaxRetries <= 0 {
		return fmt.Errorf("agent.max_retries must be positive")
	}
	if c.Agent.KeepOperations < 0 || c.Agent.KeepRecords < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	if c.Media.ChunkThreshold <= 0 {
		return fmt.Errorf("media.chunk_threshold must be positive")
	}
	return nil
}
