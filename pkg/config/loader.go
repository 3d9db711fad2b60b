package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provision/pkg/apply"
	"github.com/openfroyo/provision/pkg/executor"
	"github.com/openfroyo/provision/pkg/stores"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROVISION_"

// DefaultFiles are tried in order when no config path is given.
var DefaultFiles = []string{"provision.yaml", "provision.yml", "provision.cue"}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Executor: ExecutorConfig{
			Kind:   ExecutorSandbox,
			Limits: executor.DefaultLimits(),
		},
		Store: stores.Config{
			Path: filepath.Join(".provision", "provision.db"),
		},
		Apply: ApplyConfig{
			Actor: apply.DefaultActor,
		},
		Conformance: ConformanceConfig{
			Corpus:    []string{"packs/*"},
			Fixtures:  "fixtures",
			Artifacts: filepath.Join(".provision", "artifacts"),
		},
	}
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored and existing variables are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration at path, then applies environment overrides
// and validates the result. An empty path tries DefaultFiles in the current
// directory and falls back to Default when none exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range DefaultFiles {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return NewCUEParser().LoadConfig(path, cfg)
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}
}

// ApplyEnv overrides fields from PROVISION_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.Telemetry.Logging.Level)
	str("LOG_FORMAT", &c.Telemetry.Logging.Format)
	str("METRICS_ADDR", &c.Telemetry.Metrics.ListenAddress)
	str("EXECUTOR", &c.Executor.Kind)
	str("STORE_PATH", &c.Store.Path)
	str("ACTOR", &c.Apply.Actor)
	str("FIXTURES", &c.Conformance.Fixtures)
	str("ARTIFACTS", &c.Conformance.Artifacts)

	if v, ok := lookup(EnvPrefix + "POLICY_PATHS"); ok && v != "" {
		c.Policy.Paths = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "CORPUS"); ok && v != "" {
		c.Conformance.Corpus = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sWORKERS %q: %w", EnvPrefix, v, err)
		}
		c.Conformance.Workers = n
	}
	if v, ok := lookup(EnvPrefix + "TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sTIMEOUT %q: %w", EnvPrefix, v, err)
		}
		c.Executor.Limits.Timeout = d
	}
	if v, ok := lookup(EnvPrefix + "TRACING_ENDPOINT"); ok && v != "" {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("invalid configuration: store path is required")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
