// Package config handles Operator configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/operator/config.yaml, /etc/operator/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "operator", "config.yaml"))
	}

	paths = append(paths, "/etc/operator/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Operator configuration.
type Config struct {
	Radio       RadioConfig       `yaml:"radio"`
	Responders  map[string]string `yaml:"responders"`
	LLM         LLMConfig         `yaml:"llm"`
	Send        SendConfig        `yaml:"send"`
	Chat        ChatConfig        `yaml:"chat"`
	Triage      TriageConfig      `yaml:"triage"`
	Menu911     Menu911Config     `yaml:"menu_911"`
	Restriction RestrictionConfig `yaml:"restriction"`
	Router      RouterConfig      `yaml:"router"`
	Audit       AuditConfig       `yaml:"audit"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Web         WebConfig         `yaml:"web"`
	Beacon      BeaconConfig      `yaml:"beacon"`
	LogLevel    string            `yaml:"log_level"`
}

// RadioConfig defines the Meshtastic MQTT gateway connection.
type RadioConfig struct {
	// Broker is the MQTT broker URL, e.g. "mqtt://mqtt.example.net:1883".
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicRoot is the Meshtastic MQTT root, e.g. "msh/US".
	TopicRoot string `yaml:"topic_root"`
	// ChannelName is the channel's topic component, e.g. "LongFast".
	ChannelName string `yaml:"channel_name"`
	// ChannelIndex is the channel slot packets must arrive on.
	ChannelIndex int `yaml:"channel_index"`
	// GatewayNode is the local node ID ("!hex") used for echo suppression
	// and as the downlink sender.
	GatewayNode string `yaml:"gateway_node"`
}

// LLMConfig defines the Ollama backend.
type LLMConfig struct {
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxTokens  int    `yaml:"max_tokens"`
}

// SendConfig tunes the chunked send helper for the slow link.
type SendConfig struct {
	// ChunkWidth is the word-safe wrap width. Must stay under the
	// channel's 200-character payload ceiling.
	ChunkWidth    int `yaml:"chunk_width"`
	ChunkDelaySec int `yaml:"chunk_delay_sec"`
	// GapSec is the minimum spacing between consecutive transmissions,
	// respecting the link duty cycle.
	GapSec int `yaml:"gap_sec"`
}

// ChatConfig rate-limits non-emergency chat per sender.
type ChatConfig struct {
	CooldownSec        int `yaml:"cooldown_sec"`
	WarningThrottleSec int `yaml:"warning_throttle_sec"`
}

// TriageConfig bounds triage sessions.
type TriageConfig struct {
	TimeoutSec   int `yaml:"timeout_sec"`
	MaxExchanges int `yaml:"max_exchanges"`
}

// Menu911Config bounds the !911 menu wait.
type Menu911Config struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// RestrictionConfig sets the responder lockout duration.
type RestrictionConfig struct {
	Minutes int `yaml:"minutes"`
}

// RouterConfig tunes inbound gating.
type RouterConfig struct {
	// StaleWindowSec guards against the radio replaying buffered packets
	// at startup. Packets older than boot minus this window are dropped.
	StaleWindowSec int `yaml:"stale_window_sec"`
	QueueLimit     int `yaml:"queue_limit"`
}

// AuditConfig locates the append-only JSONL event log.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// ArchiveConfig locates the closed-incident SQLite archive.
// An empty path disables the archive.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// WebConfig defines the optional ops dashboard.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// BeaconConfig tunes the range-test beacon.
type BeaconConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every tunable at its documented
// default. Load starts from this, so a minimal config file only needs
// the radio and responder sections.
func Default() *Config {
	return &Config{
		Radio: RadioConfig{
			Broker:      "mqtt://localhost:1883",
			TopicRoot:   "msh/US",
			ChannelName: "LongFast",
		},
		LLM: LLMConfig{
			URL:        "http://localhost:11434",
			Model:      "gemma3:latest",
			TimeoutSec: 30,
			MaxTokens:  256,
		},
		Send: SendConfig{
			ChunkWidth:    180,
			ChunkDelaySec: 3,
			GapSec:        2,
		},
		Chat: ChatConfig{
			CooldownSec:        10,
			WarningThrottleSec: 10,
		},
		Triage: TriageConfig{
			TimeoutSec:   600,
			MaxExchanges: 12,
		},
		Menu911:     Menu911Config{TimeoutSec: 120},
		Restriction: RestrictionConfig{Minutes: 120},
		Router: RouterConfig{
			StaleWindowSec: 10,
			QueueLimit:     15,
		},
		Audit:   AuditConfig{Path: "operator_logs.jsonl"},
		Archive: ArchiveConfig{Path: "incidents.db"},
		Web:     WebConfig{Port: 8322},
		Beacon:  BeaconConfig{IntervalSec: 15},
	}
}

// Validate checks the settings that have no sane fallback.
func (c *Config) Validate() error {
	if c.Radio.Broker == "" {
		return fmt.Errorf("radio.broker is required")
	}
	if c.Radio.GatewayNode == "" {
		return fmt.Errorf("radio.gateway_node is required")
	}
	if c.Radio.ChannelIndex < 0 || c.Radio.ChannelIndex > 7 {
		return fmt.Errorf("radio.channel_index %d out of range 0-7", c.Radio.ChannelIndex)
	}
	if c.Send.ChunkWidth <= 0 || c.Send.ChunkWidth > 200 {
		return fmt.Errorf("send.chunk_width %d out of range 1-200", c.Send.ChunkWidth)
	}
	return nil
}
