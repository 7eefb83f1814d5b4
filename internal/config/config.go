// Package config loads service configuration from YAML, applies NOVAADAPT_
// environment overrides, and validates the result against a JSON schema.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/novaadapt/novaadapt/internal/router"
)

const envPrefix = "NOVAADAPT_"

type ServerConfig struct {
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	APIToken       string   `json:"api_token,omitempty" yaml:"api_token,omitempty"`
	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	RateLimitRPS   float64  `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int      `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
}

type ModelsConfig struct {
	Default               string            `json:"default,omitempty" yaml:"default,omitempty"`
	Endpoints             []router.Endpoint `json:"endpoints" yaml:"endpoints"`
	Temperature           float64           `json:"temperature" yaml:"temperature"`
	MaxTokens             int               `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds        int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	DefaultVoteCandidates int               `json:"default_vote_candidates" yaml:"default_vote_candidates"`
	MinVoteAgreement      int               `json:"min_vote_agreement" yaml:"min_vote_agreement"`
}

type AgentConfig struct {
	MaxActions     int  `json:"max_actions" yaml:"max_actions"`
	AllowDangerous bool `json:"allow_dangerous" yaml:"allow_dangerous"`
	RecordHistory  bool `json:"record_history" yaml:"record_history"`
}

type TransportConfig struct {
	Type           string            `json:"type" yaml:"type"`
	Command        []string          `json:"command,omitempty" yaml:"command,omitempty"`
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type JobsConfig struct {
	Workers    int `json:"workers" yaml:"workers"`
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`
}

type StorageConfig struct {
	DataDir                string `json:"data_dir" yaml:"data_dir"`
	IdempotencyTTLHours    int    `json:"idempotency_ttl_hours" yaml:"idempotency_ttl_hours"`
	AuditTTLHours          int    `json:"audit_ttl_hours" yaml:"audit_ttl_hours"`
	ActionTTLHours         int    `json:"action_ttl_hours" yaml:"action_ttl_hours"`
	CleanupIntervalSeconds int    `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds"`
}

type TelemetryConfig struct {
	LogLevel     string `json:"log_level" yaml:"log_level"`
	OTELEnabled  bool   `json:"otel_enabled" yaml:"otel_enabled"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Models    ModelsConfig    `json:"models" yaml:"models"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			MaxBodyBytes:   1 << 20,
			RateLimitRPS:   0,
			RateLimitBurst: 10,
		},
		Models: ModelsConfig{
			Temperature:           0.2,
			MaxTokens:             2048,
			TimeoutSeconds:        60,
			DefaultVoteCandidates: 3,
			MinVoteAgreement:      2,
		},
		Agent: AgentConfig{
			MaxActions:    20,
			RecordHistory: true,
		},
		Transport: TransportConfig{
			Type:           "noop",
			TimeoutSeconds: 30,
		},
		Jobs: JobsConfig{
			Workers:    4,
			QueueDepth: 64,
		},
		Storage: StorageConfig{
			DataDir:                "./data",
			IdempotencyTTLHours:    168,
			AuditTTLHours:          720,
			ActionTTLHours:         0,
			CleanupIntervalSeconds: 60,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			ServiceName: "novaadapt",
		},
	}
}

// Load reads the YAML file at path (optional when path is empty), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.APIToken, "API_TOKEN")
	setInt64(&cfg.Server.MaxBodyBytes, "MAX_BODY_BYTES")
	setFloat(&cfg.Server.RateLimitRPS, "RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "RATE_LIMIT_BURST")
	setList(&cfg.Server.TrustedProxies, "TRUSTED_PROXIES")

	setString(&cfg.Models.Default, "DEFAULT_MODEL")
	setInt(&cfg.Models.TimeoutSeconds, "MODEL_TIMEOUT_SECONDS")
	setInt(&cfg.Models.MinVoteAgreement, "MIN_VOTE_AGREEMENT")

	setInt(&cfg.Agent.MaxActions, "MAX_ACTIONS")
	setBool(&cfg.Agent.AllowDangerous, "ALLOW_DANGEROUS")

	setString(&cfg.Transport.Type, "TRANSPORT")
	setString(&cfg.Transport.URL, "TRANSPORT_URL")

	setInt(&cfg.Jobs.Workers, "WORKERS")
	setInt(&cfg.Jobs.QueueDepth, "QUEUE_DEPTH")

	setString(&cfg.Storage.DataDir, "DATA_DIR")
	setInt(&cfg.Storage.IdempotencyTTLHours, "IDEMPOTENCY_TTL_HOURS")
	setInt(&cfg.Storage.AuditTTLHours, "AUDIT_TTL_HOURS")
	setInt(&cfg.Storage.CleanupIntervalSeconds, "CLEANUP_INTERVAL_SECONDS")

	setString(&cfg.Telemetry.LogLevel, "LOG_LEVEL")
	setBool(&cfg.Telemetry.OTELEnabled, "OTEL_ENABLED")
	setString(&cfg.Telemetry.ServiceName, "SERVICE_NAME")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

// Validate checks cfg against the embedded schema.
func Validate(cfg Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Derived accessors.

func (c Config) ModelTimeout() time.Duration {
	return time.Duration(c.Models.TimeoutSeconds) * time.Second
}

func (c Config) TransportTimeout() time.Duration {
	return time.Duration(c.Transport.TimeoutSeconds) * time.Second
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Storage.IdempotencyTTLHours) * time.Hour
}

func (c Config) AuditTTL() time.Duration {
	return time.Duration(c.Storage.AuditTTLHours) * time.Hour
}

func (c Config) ActionTTL() time.Duration {
	return time.Duration(c.Storage.ActionTTLHours) * time.Hour
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Storage.CleanupIntervalSeconds) * time.Second
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Per-store database paths under the data directory.

func (c Config) ActionsDB() string     { return filepath.Join(c.Storage.DataDir, "actions.db") }
func (c Config) PlansDB() string       { return filepath.Join(c.Storage.DataDir, "plans.db") }
func (c Config) JobsDB() string        { return filepath.Join(c.Storage.DataDir, "jobs.db") }
func (c Config) IdempotencyDB() string { return filepath.Join(c.Storage.DataDir, "idempotency.db") }
func (c Config) AuditDB() string       { return filepath.Join(c.Storage.DataDir, "audit.db") }

// BackupDir is the default destination for store snapshots.
func (c Config) BackupDir() string { return filepath.Join(c.Storage.DataDir, "backups") }

// StorePaths lists every database file managed by the service, keyed by the
// snapshot name used for backup and restore.
func (c Config) StorePaths() map[string]string {
	return map[string]string{
		"actions":     c.ActionsDB(),
		"plans":       c.PlansDB(),
		"jobs":        c.JobsDB(),
		"idempotency": c.IdempotencyDB(),
		"audit":       c.AuditDB(),
	}
}

const schemaJSON = `{
  "type": "object",
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string", "minLength": 1},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "max_body_bytes": {"type": "integer", "minimum": 1024},
        "rate_limit_rps": {"type": "number", "minimum": 0},
        "rate_limit_burst": {"type": "integer", "minimum": 1}
      },
      "required": ["host", "port"]
    },
    "models": {
      "type": "object",
      "properties": {
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "max_tokens": {"type": "integer", "minimum": 1},
        "timeout_seconds": {"type": "integer", "minimum": 1},
        "default_vote_candidates": {"type": "integer", "minimum": 1},
        "min_vote_agreement": {"type": "integer", "minimum": 1},
        "endpoints": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "base_url": {"type": "string", "minLength": 1},
              "model": {"type": "string", "minLength": 1}
            },
            "required": ["name", "base_url", "model"]
          }
        }
      }
    },
    "agent": {
      "type": "object",
      "properties": {
        "max_actions": {"type": "integer", "minimum": 1, "maximum": 100}
      }
    },
    "transport": {
      "type": "object",
      "properties": {
        "type": {"enum": ["noop", "subprocess", "http"]},
        "timeout_seconds": {"type": "integer", "minimum": 1}
      },
      "required": ["type"]
    },
    "jobs": {
      "type": "object",
      "properties": {
        "workers": {"type": "integer", "minimum": 1, "maximum": 64},
        "queue_depth": {"type": "integer", "minimum": 1}
      }
    },
    "storage": {
      "type": "object",
      "properties": {
        "data_dir": {"type": "string", "minLength": 1},
        "idempotency_ttl_hours": {"type": "integer", "minimum": 0},
        "audit_ttl_hours": {"type": "integer", "minimum": 0},
        "cleanup_interval_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "log_level": {"enum": ["debug", "info", "warn", "error"]}
      }
    }
  },
  "required": ["server", "storage"]
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("config.schema.json")
}
