package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TierConfig is one named binding of a backing store. Tiers are constructed
// once at manager initialization and are immutable afterwards.
type TierConfig struct {
	Name       string  `yaml:"name"`
	StoreType  string  `yaml:"store_type"`
	Priority   int     `yaml:"priority"`
	TTLSeconds int     `yaml:"ttl_seconds,omitempty"`
	Weight     float64 `yaml:"weight,omitempty"`

	// Backend settings. Which fields apply depends on store_type.
	Addr     string `yaml:"addr,omitempty"`     // redis
	Password string `yaml:"password,omitempty"` // redis
	DB       int    `yaml:"db,omitempty"`       // redis
	DBPath   string `yaml:"db_path,omitempty"`  // sqlite
}

// SearchConfig holds fan-out and scoring knobs. The match weights are
// tunable defaults, not derived constants.
type SearchConfig struct {
	TimeoutMS     int     `yaml:"timeout_ms"`
	DefaultLimit  int     `yaml:"default_limit"`
	MinScore      float64 `yaml:"min_score"`
	ContentWeight float64 `yaml:"content_weight"`
	FieldWeight   float64 `yaml:"field_weight"`
}

// Config contains runtime configuration for layered-memory.
type Config struct {
	ServerName              string       `yaml:"server_name"`
	LogLevel                string       `yaml:"log_level"`
	Tiers                   []TierConfig `yaml:"tiers"`
	Search                  SearchConfig `yaml:"search"`
	TTLSweepIntervalSeconds int          `yaml:"ttl_sweep_interval_seconds"`
}

// Default returns a Config populated with safe defaults: a fast redis tier,
// a durable sqlite tier and an embedded vector tier.
func Default() Config {
	home := userHomeDir()
	return Config{
		ServerName: "layered-memory",
		LogLevel:   "info",
		Tiers: []TierConfig{
			{Name: "short_term", StoreType: "redis", Priority: 3, TTLSeconds: 3600, Addr: "localhost:6379"},
			{Name: "long_term", StoreType: "sqlite", Priority: 2, DBPath: filepath.Join(home, ".layered-memory", "memories.db")},
			{Name: "semantic", StoreType: "chromem", Priority: 1},
		},
		Search: SearchConfig{
			TimeoutMS:     3000,
			DefaultLimit:  10,
			MinScore:      0.0,
			ContentWeight: 0.7,
			FieldWeight:   0.6,
		},
		TTLSweepIntervalSeconds: 60,
	}
}

// Load loads config from disk; if path does not exist, default config is
// returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity. Store-type resolution against the
// adapter factory happens later, when the tier registry is built.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if len(c.Tiers) == 0 {
		return errors.New("at least one tier must be configured")
	}
	seen := map[string]struct{}{}
	for i, t := range c.Tiers {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tier %d: name must not be empty", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate tier name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if strings.TrimSpace(t.StoreType) == "" {
			return fmt.Errorf("tier %q: store_type must not be empty", t.Name)
		}
		if t.TTLSeconds < 0 {
			return fmt.Errorf("tier %q: ttl_seconds must not be negative", t.Name)
		}
		if t.Weight < 0 {
			return fmt.Errorf("tier %q: weight must not be negative", t.Name)
		}
	}
	if c.Search.TimeoutMS <= 0 {
		return errors.New("search.timeout_ms must be > 0")
	}
	if c.Search.DefaultLimit <= 0 {
		return errors.New("search.default_limit must be > 0")
	}
	if c.Search.ContentWeight <= 0 || c.Search.FieldWeight <= 0 {
		return errors.New("search match weights must be > 0")
	}
	if c.TTLSweepIntervalSeconds <= 0 {
		return errors.New("ttl_sweep_interval_seconds must be > 0")
	}
	return nil
}

// EnsurePaths expands and creates parent directories for path-backed tiers.
func (c *Config) EnsurePaths() error {
	for i := range c.Tiers {
		if c.Tiers[i].DBPath == "" {
			continue
		}
		c.Tiers[i].DBPath = ExpandPath(c.Tiers[i].DBPath)
		parent := filepath.Dir(c.Tiers[i].DBPath)
		if parent == "." {
			continue
		}
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create parent dir for tier %q: %w", c.Tiers[i].Name, err)
		}
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
