package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Strategies that a masking rule may name. "json" triggers recursive
// document masking; the rest select a fake-value generator.
var validStrategies = map[string]bool{
	"email":       true,
	"phone":       true,
	"address":     true,
	"credit_card": true,
	"ssn":         true,
	"ip":          true,
	"dob":         true,
	"passport":    true,
	"json":        true,
}

// Config is the top-level configuration for iron-veil.
type Config struct {
	MaskingEnabled    bool              `yaml:"masking_enabled" json:"masking_enabled"`
	Rules             []MaskingRule     `yaml:"rules" json:"rules"`
	TLS               *TLSConfig        `yaml:"tls,omitempty" json:"tls,omitempty"`
	UpstreamTLS       bool              `yaml:"upstream_tls" json:"upstream_tls"`
	UpstreamTLSStrict bool              `yaml:"upstream_tls_strict" json:"upstream_tls_strict"`
	Limits            LimitsConfig      `yaml:"limits" json:"limits"`
	HealthCheck       HealthCheckConfig `yaml:"health_check" json:"health_check"`
}

// MaskingRule maps a column (optionally scoped to a table) to a strategy.
// Rules are ordered: the first match for a column wins.
type MaskingRule struct {
	Table    string `yaml:"table,omitempty" json:"table,omitempty"`
	Column   string `yaml:"column" json:"column"`
	Strategy string `yaml:"strategy" json:"strategy"`
}

// TLSConfig enables client-side TLS offload.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertPath string `yaml:"cert_path" json:"cert_path"`
	KeyPath  string `yaml:"key_path" json:"key_path"`
}

// LimitsConfig bounds connection admission.
type LimitsConfig struct {
	MaxConnections       int `yaml:"max_connections" json:"max_connections"`
	ConnectionsPerSecond int `yaml:"connections_per_second" json:"connections_per_second"`
}

// HealthCheckConfig controls the upstream probe loop.
type HealthCheckConfig struct {
	UnhealthyThreshold int           `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
	HealthyThreshold   int           `yaml:"healthy_threshold" json:"healthy_threshold"`
	Interval           time.Duration `yaml:"interval" json:"interval"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	// Masking defaults to on; absent keys leave the preset untouched.
	cfg := &Config{MaskingEnabled: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HealthCheck.UnhealthyThreshold == 0 {
		cfg.HealthCheck.UnhealthyThreshold = 3
	}
	if cfg.HealthCheck.HealthyThreshold == 0 {
		cfg.HealthCheck.HealthyThreshold = 2
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 3 * time.Second
	}
}

// Validate checks rule and TLS settings. Exported so the management surface
// can validate rule updates before publishing them.
func Validate(cfg *Config) error {
	for i, rule := range cfg.Rules {
		if rule.Column == "" {
			return fmt.Errorf("rule %d: column is required", i)
		}
		if !validStrategies[rule.Strategy] {
			return fmt.Errorf("rule %d (column %q): unknown strategy %q", i, rule.Column, rule.Strategy)
		}
	}
	if cfg.TLS != nil && cfg.TLS.Enabled {
		if cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "" {
			return fmt.Errorf("tls enabled but cert_path or key_path missing")
		}
	}
	if cfg.Limits.MaxConnections < 0 {
		return fmt.Errorf("limits.max_connections must be >= 0")
	}
	if cfg.Limits.ConnectionsPerSecond < 0 {
		return fmt.Errorf("limits.connections_per_second must be >= 0")
	}
	return nil
}

// ValidateRules checks an ordered rule list in isolation.
func ValidateRules(rules []MaskingRule) error {
	return Validate(&Config{Rules: rules})
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		// A failed reload leaves the running state untouched.
		slog.Warn("config hot-reload failed", "path", cw.path, "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path, "rules", len(cfg.Rules))
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
