// Package config models the scheduler's runtime configuration and its
// layering: CLI flags > environment variables > a config-dir YAML file >
// built-in defaults, per spec §6.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	Profile   string `yaml:"profile"`    // dev|staging|prod
	ConfigDir string `yaml:"-"`
	Storage   string `yaml:"storage"`    // memory|sqlite
	Sqlite    string `yaml:"sqlite"`     // path, when Storage=="sqlite"
	Transport string `yaml:"transport"`  // stdio

	HTTPAddr string `yaml:"http_addr"`

	MaxConcurrency      int `yaml:"max_concurrency"`
	PollIntervalMs       int64 `yaml:"poll_interval_ms"`
	HeartbeatIntervalMs  int64 `yaml:"heartbeat_interval_ms"`
	LeaseTTLMs           int64 `yaml:"lease_ttl_ms"`
	LongPollTimeoutMs    int64 `yaml:"long_poll_timeout_ms"`
	SSEHeartbeatMs       int64 `yaml:"sse_heartbeat_ms"`

	ArtifactRoot    string `yaml:"artifact_root"`
	DefaultTimeoutS int    `yaml:"default_timeout_s"`
	MaxRetries      int    `yaml:"max_retries"`

	AnswerRunnerEnabled bool   `yaml:"answer_runner_enabled"`
	AnthropicAPIKey     string `yaml:"-"` // never sourced from the config file
	RoleDir             string `yaml:"role_dir"`
	DecisionCacheTTLS   int64  `yaml:"decision_cache_ttl_s"`

	Facts map[string]string `yaml:"-"` // sourced only from TASK_RELAY_FACT_* env vars
}

// Default returns the built-in defaults, the bottom of the precedence stack.
func Default() *Config {
	return &Config{
		Profile:             "dev",
		Storage:             "memory",
		Transport:           "stdio",
		HTTPAddr:            ":3415",
		MaxConcurrency:      4,
		PollIntervalMs:      500,
		HeartbeatIntervalMs: 15_000,
		LeaseTTLMs:          60_000,
		LongPollTimeoutMs:   30_000,
		SSEHeartbeatMs:      15_000,
		ArtifactRoot:        "./artifacts",
		DefaultTimeoutS:     300,
		MaxRetries:          3,
		RoleDir:             "./roles",
		DecisionCacheTTLS:   86_400,
		Facts:               map[string]string{},
	}
}

// FromYAML overlays YAML-file fields onto a copy of the receiver, leaving
// fields the file omits untouched — the config-dir layer only ever adds to
// what came before it in the precedence stack.
func (c *Config) FromYAML(data []byte) (*Config, error) {
	out := *c
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return &out, nil
}

// Validate enforces the cross-field invariants spec §6 requires ("Exit
// non-zero on invalid combinations").
func (c *Config) Validate() error {
	switch c.Storage {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: storage must be memory or sqlite, got %q", c.Storage)
	}
	if c.Storage == "sqlite" && c.Sqlite == "" {
		return fmt.Errorf("config: --sqlite path is required when --storage sqlite")
	}
	switch c.Transport {
	case "stdio":
	default:
		return fmt.Errorf("config: transport must be stdio, got %q", c.Transport)
	}
	switch c.Profile {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("config: profile must be dev, staging, or prod, got %q", c.Profile)
	}
	if c.AnswerRunnerEnabled && c.AnthropicAPIKey == "" {
		return fmt.Errorf("config: ANTHROPIC_API_KEY (or equivalent) is required when the answer runner is enabled")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("config: max_concurrency must be positive")
	}
	return nil
}

// FactsFromEnv builds the Facts map from TASK_RELAY_FACT_* environment
// variables, stripping the prefix and lower-casing the key, per spec §6
// "TASK_RELAY_FACT_* contribute to the executor-side context envelope's
// facts."
func FactsFromEnv(environ []string) map[string]string {
	const prefix = "TASK_RELAY_FACT_"
	facts := map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, prefix))
		facts[key] = v
	}
	return facts
}

// defaultTemplate is the config-dir YAML scaffold written by `config init`
// (generated, not parsed at startup unless present on disk).
const defaultTemplate = `# taskrelay config
profile: dev
storage: sqlite
sqlite: ./taskrelay.db
transport: stdio
http_addr: ":3415"
max_concurrency: 4
poll_interval_ms: 500
heartbeat_interval_ms: 15000
lease_ttl_ms: 60000
long_poll_timeout_ms: 30000
sse_heartbeat_ms: 15000
artifact_root: ./artifacts
default_timeout_s: 300
max_retries: 3
answer_runner_enabled: false
role_dir: ./roles
decision_cache_ttl_s: 86400
`

// GenerateDefault returns the defaultTemplate contents, grounded on the
// teacher's config scaffold generator.
func GenerateDefault() string {
	return defaultTemplate
}
