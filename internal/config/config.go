// Package config loads the orchestrator's runtime configuration: broker
// transport selection, planning/LLM parameters, and session resource
// bounds, plus optional YAML file layering for a seed capability
// catalogue.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// BrokerConfig selects and parameterizes the broker transport.
type BrokerConfig struct {
	Type             string // "memory" | "kafka" | "nats" | "solace"
	Bootstrap        string
	TopicPrefix      string
	Partitions       int
	Replication      int
	StrictValidation bool
}

// PlanningConfig parameterizes the Planning Engine's LLM calls and retry
// budget.
type PlanningConfig struct {
	LLMEndpoint          string
	Model                string
	Temperature          float64
	MaxTokens            int
	RepairRetries        int
	DefaultTaskTimeoutMs int
}

// SessionConfig bounds Orchestration Session resource usage.
type SessionConfig struct {
	MaxConcurrentSessions   int
	SessionTimeoutMs        int
	TaskTimeoutMs           int
	HeartbeatTimeoutSeconds int
	HealthyThresholdPct     int
}

// ObservabilityConfig configures tracing/metrics export and health
// endpoints.
type ObservabilityConfig struct {
	JaegerEndpoint string
	PrometheusPort string
	OTLPGRPCPort   string
	OTLPHTTPPort   string
	HealthPort     string

	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string
}

// AppConfig holds all orchestrator configuration.
type AppConfig struct {
	Broker        BrokerConfig
	Planning      PlanningConfig
	Session       SessionConfig
	Observability ObservabilityConfig
}

// Load loads configuration from AMCP_*-prefixed environment variables,
// falling back to defaults suitable for local development with the
// in-memory broker.
func Load() *AppConfig {
	return &AppConfig{
		Broker: BrokerConfig{
			Type:             getEnv("AMCP_BROKER_TYPE", "memory"),
			Bootstrap:        getEnv("AMCP_BROKER_BOOTSTRAP", ""),
			TopicPrefix:      getEnv("AMCP_BROKER_TOPIC_PREFIX", ""),
			Partitions:       getEnvAsInt("AMCP_BROKER_PARTITIONS", 1),
			Replication:      getEnvAsInt("AMCP_BROKER_REPLICATION", 1),
			StrictValidation: getEnvAsBool("AMCP_BROKER_STRICT_VALIDATION", true),
		},
		Planning: PlanningConfig{
			LLMEndpoint:          getEnv("AMCP_PLANNING_LLM_ENDPOINT", ""),
			Model:                getEnv("AMCP_PLANNING_MODEL", "gemini-1.5-flash"),
			Temperature:          getEnvAsFloat("AMCP_PLANNING_TEMPERATURE", 0.2),
			MaxTokens:            getEnvAsInt("AMCP_PLANNING_MAX_TOKENS", 1024),
			RepairRetries:        getEnvAsInt("AMCP_PLANNING_REPAIR_RETRIES", 1),
			DefaultTaskTimeoutMs: getEnvAsInt("AMCP_PLANNING_DEFAULT_TASK_TIMEOUT_MS", 30000),
		},
		Session: SessionConfig{
			MaxConcurrentSessions:   getEnvAsInt("AMCP_SESSION_MAX_CONCURRENT", 100),
			SessionTimeoutMs:        getEnvAsInt("AMCP_SESSION_TIMEOUT_MS", 120000),
			TaskTimeoutMs:           getEnvAsInt("AMCP_SESSION_TASK_TIMEOUT_MS", 30000),
			HeartbeatTimeoutSeconds: getEnvAsInt("AMCP_SESSION_HEARTBEAT_TIMEOUT_SECONDS", 30),
			HealthyThresholdPct:     getEnvAsInt("AMCP_SESSION_HEALTHY_THRESHOLD_PCT", 80),
		},
		Observability: ObservabilityConfig{
			JaegerEndpoint: getEnv("AMCP_JAEGER_ENDPOINT", "127.0.0.1:4317"),
			PrometheusPort: getEnv("AMCP_PROMETHEUS_PORT", "9090"),
			OTLPGRPCPort:   getEnv("AMCP_OTLP_GRPC_PORT", "4320"),
			OTLPHTTPPort:   getEnv("AMCP_OTLP_HTTP_PORT", "4321"),
			HealthPort:     getEnv("AMCP_HEALTH_PORT", "8080"),

			ServiceName:    getEnv("AMCP_SERVICE_NAME", "amcp-orchestrator"),
			ServiceVersion: getEnv("AMCP_SERVICE_VERSION", "0.1.0"),
			Environment:    getEnv("AMCP_ENVIRONMENT", "development"),
			LogLevel:       getEnv("AMCP_LOG_LEVEL", "INFO"),
		},
	}
}

// fileOverlay mirrors AppConfig's shape for YAML decoding. Every field is a
// pointer so an absent key leaves the env-derived default untouched.
type fileOverlay struct {
	Broker *struct {
		Type             *string `yaml:"type"`
		Bootstrap        *string `yaml:"bootstrap"`
		TopicPrefix      *string `yaml:"topicPrefix"`
		Partitions       *int    `yaml:"partitions"`
		Replication      *int    `yaml:"replication"`
		StrictValidation *bool   `yaml:"strictValidation"`
	} `yaml:"broker"`
	Planning *struct {
		LLMEndpoint          *string  `yaml:"llmEndpoint"`
		Model                *string  `yaml:"model"`
		Temperature          *float64 `yaml:"temperature"`
		MaxTokens            *int     `yaml:"maxTokens"`
		RepairRetries        *int     `yaml:"repairRetries"`
		DefaultTaskTimeoutMs *int     `yaml:"defaultTaskTimeoutMs"`
	} `yaml:"planning"`
	Session *struct {
		MaxConcurrentSessions   *int `yaml:"maxConcurrentSessions"`
		SessionTimeoutMs        *int `yaml:"sessionTimeoutMs"`
		TaskTimeoutMs           *int `yaml:"taskTimeoutMs"`
		HeartbeatTimeoutSeconds *int `yaml:"heartbeatTimeoutSeconds"`
		HealthyThresholdPct     *int `yaml:"healthyThresholdPct"`
	} `yaml:"session"`
	Capabilities []CapabilitySeed `yaml:"capabilities"`
}

// CapabilitySeed is one statically-known agent descriptor loaded from a
// capability catalogue file, used to pre-populate the registry before any
// agent.register event has arrived.
type CapabilitySeed struct {
	AgentID      string            `yaml:"agentId"`
	AgentType    string            `yaml:"agentType"`
	Capabilities []string          `yaml:"capabilities"`
	Endpoint     string            `yaml:"endpoint"`
	Metadata     map[string]string `yaml:"metadata"`
}

// LoadFile layers a YAML config file on top of the env-derived defaults in
// base, returning the merged config plus any capability catalogue seeds the
// file carries. A nil base is replaced with Load()'s defaults. Only keys
// present in the file override base; everything else passes through
// unchanged.
func LoadFile(path string, base *AppConfig) (*AppConfig, []CapabilitySeed, error) {
	if base == nil {
		base = Load()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	merged := *base
	if overlay.Broker != nil {
		if overlay.Broker.Type != nil {
			merged.Broker.Type = *overlay.Broker.Type
		}
		if overlay.Broker.Bootstrap != nil {
			merged.Broker.Bootstrap = *overlay.Broker.Bootstrap
		}
		if overlay.Broker.TopicPrefix != nil {
			merged.Broker.TopicPrefix = *overlay.Broker.TopicPrefix
		}
		if overlay.Broker.Partitions != nil {
			merged.Broker.Partitions = *overlay.Broker.Partitions
		}
		if overlay.Broker.Replication != nil {
			merged.Broker.Replication = *overlay.Broker.Replication
		}
		if overlay.Broker.StrictValidation != nil {
			merged.Broker.StrictValidation = *overlay.Broker.StrictValidation
		}
	}
	if overlay.Planning != nil {
		if overlay.Planning.LLMEndpoint != nil {
			merged.Planning.LLMEndpoint = *overlay.Planning.LLMEndpoint
		}
		if overlay.Planning.Model != nil {
			merged.Planning.Model = *overlay.Planning.Model
		}
		if overlay.Planning.Temperature != nil {
			merged.Planning.Temperature = *overlay.Planning.Temperature
		}
		if overlay.Planning.MaxTokens != nil {
			merged.Planning.MaxTokens = *overlay.Planning.MaxTokens
		}
		if overlay.Planning.RepairRetries != nil {
			merged.Planning.RepairRetries = *overlay.Planning.RepairRetries
		}
		if overlay.Planning.DefaultTaskTimeoutMs != nil {
			merged.Planning.DefaultTaskTimeoutMs = *overlay.Planning.DefaultTaskTimeoutMs
		}
	}
	if overlay.Session != nil {
		if overlay.Session.MaxConcurrentSessions != nil {
			merged.Session.MaxConcurrentSessions = *overlay.Session.MaxConcurrentSessions
		}
		if overlay.Session.SessionTimeoutMs != nil {
			merged.Session.SessionTimeoutMs = *overlay.Session.SessionTimeoutMs
		}
		if overlay.Session.TaskTimeoutMs != nil {
			merged.Session.TaskTimeoutMs = *overlay.Session.TaskTimeoutMs
		}
		if overlay.Session.HeartbeatTimeoutSeconds != nil {
			merged.Session.HeartbeatTimeoutSeconds = *overlay.Session.HeartbeatTimeoutSeconds
		}
		if overlay.Session.HealthyThresholdPct != nil {
			merged.Session.HealthyThresholdPct = *overlay.Session.HealthyThresholdPct
		}
	}

	return &merged, overlay.Capabilities, nil
}

// GetBrokerAddress returns the broker bootstrap address, falling back to
// "memory" (no address) for the in-memory transport.
func (c *AppConfig) GetBrokerAddress() string {
	if c.Broker.Type == "memory" {
		return "memory"
	}
	return c.Broker.Bootstrap
}

// GetJaegerWebURL returns the Jaeger web interface URL.
func (c *AppConfig) GetJaegerWebURL() string {
	return "http://localhost:16686"
}

// GetPrometheusURL returns the Prometheus web interface URL.
func (c *AppConfig) GetPrometheusURL() string {
	return "http://localhost:" + c.Observability.PrometheusPort
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default
// fallback.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean with a default
// fallback.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as a float64 with a default
// fallback.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
