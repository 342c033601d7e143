// Package config provides centralized configuration management for the
// orchestrator through environment variables, with optional YAML file
// layering for a static capability catalogue.
//
// # Overview
//
// The config package loads the orchestrator's runtime configuration from
// AMCP_*-prefixed environment variables, providing a single source of
// truth for:
//   - Broker transport selection and topic namespacing
//   - Planning Engine LLM parameters and retry budget
//   - Orchestration Session resource bounds
//   - Observability stack endpoints (Jaeger, Prometheus, OTLP, health)
//
// All configuration values have sensible defaults, so the orchestrator can
// run against the in-memory broker without any environment configuration.
//
// # Quick Start
//
//	cfg := config.Load()
//	fmt.Printf("broker: %s\n", cfg.Broker.Type)
//	fmt.Printf("max sessions: %d\n", cfg.Session.MaxConcurrentSessions)
//
// # Configuration Groups
//
// **Broker**:
//   - AMCP_BROKER_TYPE: "memory" | "kafka" | "nats" | "solace" (default: "memory")
//   - AMCP_BROKER_BOOTSTRAP: bootstrap servers/address, transport-specific
//   - AMCP_BROKER_TOPIC_PREFIX: namespace prefix; loaded and merged, but no
//     component applies it to topics
//   - AMCP_BROKER_PARTITIONS, AMCP_BROKER_REPLICATION: transport sizing hints
//   - AMCP_BROKER_STRICT_VALIDATION: reject malformed CloudEvents envelopes (default: true)
//
// **Planning**:
//   - AMCP_PLANNING_LLM_ENDPOINT, AMCP_PLANNING_MODEL
//   - AMCP_PLANNING_TEMPERATURE, AMCP_PLANNING_MAX_TOKENS
//   - AMCP_PLANNING_REPAIR_RETRIES (default: 1)
//   - AMCP_PLANNING_DEFAULT_TASK_TIMEOUT_MS (default: 30000)
//
// **Session**:
//   - AMCP_SESSION_MAX_CONCURRENT (default: 100)
//   - AMCP_SESSION_TIMEOUT_MS (default: 120000)
//   - AMCP_SESSION_TASK_TIMEOUT_MS (default: 30000)
//   - AMCP_SESSION_HEARTBEAT_TIMEOUT_SECONDS (default: 30)
//   - AMCP_SESSION_HEALTHY_THRESHOLD_PCT (default: 80)
//
// **Observability**:
//   - AMCP_JAEGER_ENDPOINT, AMCP_PROMETHEUS_PORT
//   - AMCP_OTLP_GRPC_PORT, AMCP_OTLP_HTTP_PORT, AMCP_HEALTH_PORT
//   - AMCP_SERVICE_NAME, AMCP_SERVICE_VERSION, AMCP_ENVIRONMENT, AMCP_LOG_LEVEL
//
// # Capability Catalogue Seed File
//
// LoadFile layers a YAML file on top of Load()'s env-derived defaults and
// additionally returns a slice of CapabilitySeed describing agents to
// pre-register before any agent.register event arrives:
//
//	cfg, seeds, err := config.LoadFile("catalogue.yaml", config.Load())
//	for _, s := range seeds {
//	    reg.Register(registry.Descriptor{
//	        AgentID: s.AgentID, AgentType: s.AgentType,
//	        Capabilities: s.Capabilities, Endpoint: s.Endpoint, Metadata: s.Metadata,
//	    })
//	}
//
// Only keys present in the file override the base config; everything else
// passes through unchanged, so an operator can ship a partial override file.
//
// # Thread Safety
//
// AppConfig is a read-only snapshot of environment (and optionally file)
// state taken at startup. Do not mutate its fields after Load/LoadFile
// returns; it is safe to read from multiple goroutines.
package config
