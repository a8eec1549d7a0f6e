// Package config loads and validates the daemon configuration from YAML and
// holds the encrypted secrets store. Validation happens at load time; the
// rest of the system assumes a Config it receives is internally consistent.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/pkg/proto"
)

// ServerConfig configures the HTTP/websocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ClassifierConfig selects and tunes the intent classifier.
type ClassifierConfig struct {
	// Provider is one of: rules, anthropic, openai. Empty means rules.
	Provider string `yaml:"provider"`
	// Model is the provider model name; ignored by the rules provider.
	Model string `yaml:"model"`
	// APIKeySecret names the secret holding the provider API key.
	APIKeySecret string `yaml:"api_key_secret"`
	// ConfidenceThreshold below which a turn routes to clarification.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	IdleTimeout     time.Duration       `yaml:"idle_timeout"`
	DefaultAutonomy proto.AutonomyLevel `yaml:"default_autonomy"`
}

// CapabilityConfig tunes capability invocation.
type CapabilityConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// StorageConfig locates the durable state.
type StorageConfig struct {
	DBPath      string `yaml:"db_path"`
	AuditLogDir string `yaml:"audit_log_dir"`
}

// MetricsConfig points reporting at Prometheus.
type MetricsConfig struct {
	PrometheusURL string `yaml:"prometheus_url"`
}

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Session    SessionConfig    `yaml:"session"`
	Capability CapabilityConfig `yaml:"capability"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	// DomainPriority orders domains for composite intents; lower index is
	// higher priority.
	DomainPriority []string `yaml:"domain_priority"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8180},
		Classifier: ClassifierConfig{
			Provider:            "rules",
			ConfidenceThreshold: 0.6,
		},
		Session: SessionConfig{
			IdleTimeout:     30 * time.Minute,
			DefaultAutonomy: proto.AutonomyRecommend,
		},
		Capability: CapabilityConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Storage: StorageConfig{
			DBPath:      "conductor.db",
			AuditLogDir: "logs",
		},
		DomainPriority: []string{"calendar", "mail"},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	switch c.Classifier.Provider {
	case "", "rules":
	case "anthropic", "openai":
		if c.Classifier.Model == "" {
			return fmt.Errorf("config: classifier provider %s requires a model", c.Classifier.Provider)
		}
	default:
		return fmt.Errorf("config: unknown classifier provider %q", c.Classifier.Provider)
	}
	if c.Classifier.ConfidenceThreshold < 0 || c.Classifier.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: confidence threshold %v out of range [0,1]", c.Classifier.ConfidenceThreshold)
	}
	if !c.Session.DefaultAutonomy.IsValid() {
		return fmt.Errorf("config: unknown default autonomy %q", c.Session.DefaultAutonomy)
	}
	if c.Capability.Timeout <= 0 {
		return fmt.Errorf("config: capability timeout must be positive")
	}
	if c.Capability.MaxRetries < 0 {
		return fmt.Errorf("config: capability max retries must be non-negative")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("config: storage db_path is required")
	}
	if c.Storage.AuditLogDir == "" {
		return fmt.Errorf("config: storage audit_log_dir is required")
	}
	return nil
}

// DomainPriorityMap converts the ordered list to the map the archetype
// mapper wants.
func (c *Config) DomainPriorityMap() map[string]int {
	out := make(map[string]int, len(c.DomainPriority))
	for i, d := range c.DomainPriority {
		out[d] = i
	}
	return out
}
