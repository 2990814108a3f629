package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"heatspec/internal/conflict"
	"heatspec/internal/milestone"
	"heatspec/internal/validator"
)

// Config models heatspec.yml.
type Config struct {
	Engine struct {
		MIPrecedence    string `yaml:"mi_precedence"`
		ConfidenceScope string `yaml:"confidence_scope"`
	} `yaml:"engine"`
	Validators struct {
		Enabled []string `yaml:"enabled"`
	} `yaml:"validators"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hs init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch conflict.PrecedencePolicy(c.Engine.MIPrecedence) {
	case conflict.PrecedenceUnconditional, conflict.PrecedenceRestrictiveness:
	default:
		return fmt.Errorf("config.engine.mi_precedence must be %q or %q", conflict.PrecedenceUnconditional, conflict.PrecedenceRestrictiveness)
	}
	switch c.ConfidenceScope() {
	case milestone.ScopeJob, milestone.ScopeMilestone:
	default:
		return fmt.Errorf("config.engine.confidence_scope must be %q or %q", milestone.ScopeJob, milestone.ScopeMilestone)
	}
	if len(c.Validators.Enabled) == 0 {
		return fmt.Errorf("config.validators.enabled is required")
	}
	seen := map[string]bool{}
	for _, name := range c.Validators.Enabled {
		if seen[name] {
			return fmt.Errorf("validator %s listed twice", name)
		}
		seen[name] = true
	}
	if _, err := validator.ByName(validator.DefaultEnv(), c.Validators.Enabled); err != nil {
		return fmt.Errorf("config.validators.enabled: %w", err)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Policy returns the configured MI-vs-Regs precedence policy.
func (c *Config) Policy() conflict.PrecedencePolicy {
	return conflict.PrecedencePolicy(c.Engine.MIPrecedence)
}

// ConfidenceScope returns how milestone confidence picks its facts. Empty means job.
func (c *Config) ConfidenceScope() milestone.ConfidenceScope {
	if c.Engine.ConfidenceScope == "" {
		return milestone.ScopeJob
	}
	return milestone.ConfidenceScope(c.Engine.ConfidenceScope)
}

// ParseLevel maps a config log level to slog. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", level)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "heatspec.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Missing sections fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  # unconditional: MI always wins a same-type MI vs Building Regs pair.
  # restrictiveness: compare numeric rule values first.
  mi_precedence: unconditional
  # job: every fact and engineer decision on the job feeds milestone confidence.
  # milestone: only facts in the milestone's categories and decisions tied to it.
  confidence_scope: job

validators:
  enabled:
    - manufacturer_instructions
    - bs5440
    - bs7671
    - hsg264

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  file: ""
`
