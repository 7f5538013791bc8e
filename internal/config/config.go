// Package config loads the bridge configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Version  int            `yaml:"version"`
	LLM      LLMConfig      `yaml:"llm"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	MCP      MCPConfig      `yaml:"mcp"`
	Database DatabaseConfig `yaml:"database"`
	Channels ChannelsConfig `yaml:"channels"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// LLMConfig selects the model vendor.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	MaxTokens   int    `yaml:"max_tokens"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// GatewayConfig controls turn admission and pacing.
type GatewayConfig struct {
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MessageDelay is the pause between consecutive platform messages.
	// Unset means 500ms; a negative value turns pacing off.
	MessageDelay     time.Duration `yaml:"message_delay"`
	LongRunningTools []string      `yaml:"long_running_tools"`
	DailyLimit       int           `yaml:"daily_limit"`
	// AllowedUsers restricts who may talk to the bot. Empty admits everyone.
	AllowedUsers []string `yaml:"allowed_users"`
	HistoryLimit int      `yaml:"history_limit"`
}

// MCPConfig lists the tool servers each turn connects to.
type MCPConfig struct {
	// Servers are http(s) URLs or commands for stdio servers.
	Servers []string `yaml:"servers"`
	// UserServers overrides Servers per "platform:user" key.
	UserServers map[string][]string       `yaml:"user_servers"`
	Options     map[string]MCPServerConfig `yaml:"options"`
	CallTimeout time.Duration              `yaml:"call_timeout"`
	Headers     map[string]string          `yaml:"headers"`
}

// MCPServerConfig holds launch options for a stdio server, keyed by target.
type MCPServerConfig struct {
	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`
}

// DatabaseConfig selects message and quota persistence. An empty driver
// keeps everything in memory.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Web      WebConfig      `yaml:"web"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type WhatsAppConfig struct {
	Enabled bool `yaml:"enabled"`
	// SessionPath is the sqlite database holding the device session.
	SessionPath string `yaml:"session_path"`
	// QRCodePath receives the pairing QR code as a PNG.
	QRCodePath string `yaml:"qr_code_path"`
}

type WebConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, decodes, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if cfg.Gateway.TurnTimeout == 0 {
		cfg.Gateway.TurnTimeout = 200 * time.Second
	}
	if cfg.Gateway.HeartbeatInterval == 0 {
		cfg.Gateway.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Gateway.MessageDelay == 0 {
		cfg.Gateway.MessageDelay = 500 * time.Millisecond
	}
	if cfg.Gateway.HistoryLimit == 0 {
		cfg.Gateway.HistoryLimit = 20
	}
	if cfg.MCP.CallTimeout == 0 {
		cfg.MCP.CallTimeout = 5 * time.Minute
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Channels.WhatsApp.SessionPath == "" {
		cfg.Channels.WhatsApp.SessionPath = "whatsapp.db"
	}
	if cfg.Channels.WhatsApp.QRCodePath == "" {
		cfg.Channels.WhatsApp.QRCodePath = "whatsapp-qr.png"
	}
	if cfg.Channels.Web.Listen == "" {
		cfg.Channels.Web.Listen = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		add("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		add("llm.api_key is required")
	}
	if c.LLM.MaxTokens < 0 || c.LLM.MaxAttempts < 0 {
		add("llm.max_tokens and llm.max_attempts must not be negative")
	}

	if c.Gateway.TurnTimeout < 0 || c.Gateway.HeartbeatInterval < 0 {
		add("gateway durations must not be negative")
	}
	if c.Gateway.DailyLimit < 0 {
		add("gateway.daily_limit must not be negative")
	}

	for i, server := range c.MCP.Servers {
		if strings.TrimSpace(server) == "" {
			add("mcp.servers[%d] is empty", i)
		}
	}

	switch c.Database.Driver {
	case "":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Database.DSN) == "" {
			add("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		add("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	ch := c.Channels
	if ch.Discord.Enabled && ch.Discord.BotToken == "" {
		add("channels.discord.bot_token is required when discord is enabled")
	}
	if ch.Slack.Enabled && (ch.Slack.BotToken == "" || ch.Slack.AppToken == "") {
		add("channels.slack.bot_token and channels.slack.app_token are required when slack is enabled")
	}
	if ch.Web.Enabled && len(ch.Web.JWTSecret) < 16 {
		add("channels.web.jwt_secret must be at least 16 characters when web is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	return errors.Join(errs...)
}

// AnyChannelEnabled reports whether at least one bot is configured to run.
func (c *Config) AnyChannelEnabled() bool {
	ch := c.Channels
	return ch.Discord.Enabled || ch.Slack.Enabled || ch.WhatsApp.Enabled || ch.Web.Enabled
}
