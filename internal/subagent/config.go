package subagent

import "time"

// Config holds the configuration for a SubAgent.
type Config struct {
	// AgentID is the unique identifier for this agent (registry.Descriptor.AgentID).
	AgentID string

	// AgentType classifies the agent for the registry (e.g. "weather", "currency").
	// Defaults to AgentID when unset.
	AgentType string

	// Name is the human-readable name of the agent.
	Name string

	// Description is a brief description of what the agent does.
	Description string

	// Version is the agent version (optional, defaults to "1.0.0").
	Version string

	// Endpoint identifies this agent for registry.Descriptor.Endpoint.
	// Purely informational for the in-memory broker; a distributed
	// transport would use it for routing. Defaults to "amcp://<agentID>".
	Endpoint string

	// HeartbeatInterval controls how often agent.heartbeat is published
	// (optional, defaults to 10s; must stay under the registry's
	// heartbeat timeout or this agent will be marked unhealthy).
	HeartbeatInterval time.Duration
}

// WithDefaults returns a new Config with default values applied for optional fields.
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.Version == "" {
		config.Version = "1.0.0"
	}
	if config.AgentType == "" {
		config.AgentType = config.AgentID
	}
	if config.Endpoint == "" {
		config.Endpoint = "amcp://" + config.AgentID
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}

	return &config
}

// Validate checks if the required configuration fields are set.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return ErrMissingAgentID
	}

	if c.Name == "" {
		return ErrMissingName
	}

	if c.Description == "" {
		return ErrMissingDescription
	}

	return nil
}
