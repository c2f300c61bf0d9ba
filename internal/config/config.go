// Package config loads gateway configuration from a JSON5 file with
// environment overlays. Secrets (Postgres DSN, vault key, OAuth client
// secrets, agent API token) come from the environment only and are never
// written to or read from the config file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Config is the root configuration for the channel gateway.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	PublicURL string `json:"public_url,omitempty"` // base URL for OAuth redirect URIs and webhook registration
	AuthToken string `json:"-"`                    // from env MAIACHAT_API_TOKEN only
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file — env MAIACHAT_POSTGRES_DSN only.
type DatabaseConfig struct {
	Mode          string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
	SQLitePath    string `json:"sqlite_path,omitempty"` // standalone mode database file
	PostgresDSN   string `json:"-"`
	EncryptionKey string `json:"-"` // from env MAIACHAT_ENCRYPTION_KEY only
}

// IsManagedMode reports whether the gateway runs multi-tenant on Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// ChannelsConfig holds per-platform application credentials used by
// OAuth-capable and webhook-driven connectors. Client IDs are public;
// secrets overlay from env.
type ChannelsConfig struct {
	Slack SlackAppConfig `json:"slack,omitempty"`
	Teams TeamsAppConfig `json:"teams,omitempty"`
}

// SlackAppConfig identifies the Slack app used for OAuth installs.
type SlackAppConfig struct {
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"-"` // env MAIACHAT_SLACK_CLIENT_SECRET
	SigningSecret string `json:"-"` // env MAIACHAT_SLACK_SIGNING_SECRET
	Scopes        string `json:"scopes,omitempty"`
}

// TeamsAppConfig identifies the Bot Framework app registration.
type TeamsAppConfig struct {
	AppID       string `json:"app_id,omitempty"`
	AppPassword string `json:"-"` // env MAIACHAT_TEAMS_APP_PASSWORD
}

// AgentConfig points at the external agent-turn service.
type AgentConfig struct {
	BaseURL          string   `json:"base_url"`
	Token            string   `json:"-"` // env MAIACHAT_AGENT_TOKEN only
	ProviderPriority []string `json:"provider_priority,omitempty"`
}

// RateLimitConfig bounds per-tenant inbound message processing.
type RateLimitConfig struct {
	MessagesPerWindow int `json:"messages_per_window"`
	WindowSeconds     int `json:"window_seconds"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18820,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.maiachat/gateway.db",
		},
		Channels: ChannelsConfig{
			Slack: SlackAppConfig{
				Scopes: "app_mentions:read,chat:write,channels:history,im:history",
			},
		},
		Agent: AgentConfig{
			BaseURL:          "http://localhost:8000",
			ProviderPriority: []string{"anthropic", "openai", "google", "groq"},
		},
		RateLimit: RateLimitConfig{
			MessagesPerWindow: 20,
			WindowSeconds:     60,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "maiachat-gateway",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays environment variables onto the config.
// Env always wins over file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MAIACHAT_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("MAIACHAT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("MAIACHAT_PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}
	if v := os.Getenv("MAIACHAT_API_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("MAIACHAT_DB_MODE"); v != "" {
		c.Database.Mode = v
	}
	if v := os.Getenv("MAIACHAT_POSTGRES_DSN"); v != "" {
		c.Database.PostgresDSN = v
		if c.Database.Mode == "" || c.Database.Mode == "standalone" {
			c.Database.Mode = "managed"
		}
	}
	if v := os.Getenv("MAIACHAT_ENCRYPTION_KEY"); v != "" {
		c.Database.EncryptionKey = v
	}
	if v := os.Getenv("MAIACHAT_SLACK_CLIENT_ID"); v != "" {
		c.Channels.Slack.ClientID = v
	}
	if v := os.Getenv("MAIACHAT_SLACK_CLIENT_SECRET"); v != "" {
		c.Channels.Slack.ClientSecret = v
	}
	if v := os.Getenv("MAIACHAT_SLACK_SIGNING_SECRET"); v != "" {
		c.Channels.Slack.SigningSecret = v
	}
	if v := os.Getenv("MAIACHAT_TEAMS_APP_ID"); v != "" {
		c.Channels.Teams.AppID = v
	}
	if v := os.Getenv("MAIACHAT_TEAMS_APP_PASSWORD"); v != "" {
		c.Channels.Teams.AppPassword = v
	}
	if v := os.Getenv("MAIACHAT_AGENT_URL"); v != "" {
		c.Agent.BaseURL = v
	}
	if v := os.Getenv("MAIACHAT_AGENT_TOKEN"); v != "" {
		c.Agent.Token = v
	}
	if v := os.Getenv("MAIACHAT_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
