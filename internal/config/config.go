package config

import (
	"encoding/json"
	"fmt"

	"github.com/harida/titian/pkg/mcp"
)

// Config represents the main Titian configuration.
type Config struct {
	// Server selects the MCP server to connect to.
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Bridge configures the session bridge.
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// Loop configures the agentic tool loop.
	Loop LoopConfig `json:"loop" mapstructure:"loop"`

	// Catalog configures the tool catalog cache.
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// AI holds provider auth profiles.
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Gateway configures the websocket gateway.
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Usage configures token usage accounting.
	Usage UsageConfig `json:"usage" mapstructure:"usage"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig selects the tool-providing backend.
type ServerConfig struct {
	// Script is the path to the MCP server script (.py or .js).
	Script string `json:"script" mapstructure:"script"`
}

// BridgeConfig holds session bridge settings.
type BridgeConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// LoopConfig holds tool loop settings.
type LoopConfig struct {
	Model            string  `json:"model" mapstructure:"model"`
	MaxTokens        int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature      float64 `json:"temperature" mapstructure:"temperature"`
	MaxRounds        int     `json:"max_rounds" mapstructure:"max_rounds"`
	NarrateToolCalls bool    `json:"narrate_tool_calls" mapstructure:"narrate_tool_calls"`
}

// CatalogConfig holds tool catalog settings.
type CatalogConfig struct {
	RefreshSchedule string `json:"refresh_schedule" mapstructure:"refresh_schedule"`
	WatchScript     bool   `json:"watch_script" mapstructure:"watch_script"`
}

// AIConfig holds AI provider configuration.
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// GatewayConfig holds websocket gateway configuration.
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// UsageConfig holds token accounting configuration.
type UsageConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			TimeoutSeconds: 30,
		},
		Loop: LoopConfig{
			Model:            "claude-3-5-sonnet-20241022",
			MaxTokens:        1000,
			Temperature:      0,
			MaxRounds:        10,
			NarrateToolCalls: true,
		},
		Catalog: CatalogConfig{
			RefreshSchedule: "@every 5m",
			WatchScript:     true,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Usage: UsageConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid. The server script's
// extension is checked here so an unsupported script surfaces as a
// configuration error before any connection attempt.
func (c *Config) Validate() error {
	if c.Server.Script != "" {
		if _, err := mcp.CommandForScript(c.Server.Script); err != nil {
			return err
		}
	}

	if c.Bridge.TimeoutSeconds <= 0 {
		return fmt.Errorf("bridge timeout must be positive")
	}

	if c.Loop.Model == "" {
		return fmt.Errorf("loop model is required")
	}
	if c.Loop.MaxTokens <= 0 {
		return fmt.Errorf("loop max_tokens must be positive")
	}
	if c.Loop.MaxRounds <= 0 {
		return fmt.Errorf("loop max_rounds must be positive")
	}
	if c.Loop.Temperature < 0 || c.Loop.Temperature > 1 {
		return fmt.Errorf("loop temperature must be between 0 and 1")
	}

	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	return nil
}
