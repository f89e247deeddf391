package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxToolIterations = 50
	DefaultMaxParallelTools  = 4
	DefaultAgent             = "clawcore"
	DefaultExecTimeout       = 60
	DefaultMaxExecTimeout    = 600
	DefaultOutputLimit       = 64 << 10
	DefaultPatchFuzz         = 3
	DefaultHandshakeTimeout  = "10s"
	DefaultStopGrace         = "3s"
	DefaultHealthInterval    = "30s"
	DefaultMaxDepth          = 3
	DefaultLogLevel          = "info"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Tools     ToolsConfig     `json:"tools"`
	MCP       MCPConfig       `json:"mcp"`
	SubAgents SubAgentsConfig `json:"subagents"`
	Log       LogConfig       `json:"log"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type AgentConfig struct {
	Workspace         string `json:"workspace"`
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations"`
	MaxParallelTools  int    `json:"maxParallelTools"`
	DefaultAgent      string `json:"defaultAgent"`
	AgentsDir         string `json:"agentsDir,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// ToolsConfig timeouts are in seconds.
type ToolsConfig struct {
	ExecTimeout    int `json:"execTimeout"`
	MaxExecTimeout int `json:"maxExecTimeout"`
	OutputLimit    int `json:"outputLimit"`
	PatchFuzz      int `json:"patchFuzz"`
}

// MCPConfig durations use time.ParseDuration syntax. An empty or "0"
// healthInterval disables probing.
type MCPConfig struct {
	ConfigPath       string `json:"configPath,omitempty"`
	HandshakeTimeout string `json:"handshakeTimeout,omitempty"`
	StopGrace        string `json:"stopGrace,omitempty"`
	HealthInterval   string `json:"healthInterval,omitempty"`
	Watch            bool   `json:"watch"`
}

type SubAgentsConfig struct {
	MaxDepth int `json:"maxDepth"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(ConfigDir(), "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
			MaxParallelTools:  DefaultMaxParallelTools,
			DefaultAgent:      DefaultAgent,
			AgentsDir:         filepath.Join(ConfigDir(), "agents"),
		},
		Tools: ToolsConfig{
			ExecTimeout:    DefaultExecTimeout,
			MaxExecTimeout: DefaultMaxExecTimeout,
			OutputLimit:    DefaultOutputLimit,
			PatchFuzz:      DefaultPatchFuzz,
		},
		MCP: MCPConfig{
			ConfigPath:       MCPConfigPath(),
			HandshakeTimeout: DefaultHandshakeTimeout,
			StopGrace:        DefaultStopGrace,
			HealthInterval:   DefaultHealthInterval,
			Watch:            true,
		},
		SubAgents: SubAgentsConfig{MaxDepth: DefaultMaxDepth},
		Log:       LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".clawcore")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func MCPConfigPath() string {
	return filepath.Join(ConfigDir(), "mcp_servers.json")
}

func LoadConfig() (*Config, error) {
	// Variables already in the environment win over .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	fillDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CLAWCORE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CLAWCORE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CLAWCORE_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if ws := os.Getenv("CLAWCORE_WORKSPACE"); ws != "" {
		cfg.Agent.Workspace = ws
	}
	if level := os.Getenv("CLAWCORE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if n := os.Getenv("CLAWCORE_MAX_ITERATIONS"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil {
			cfg.Agent.MaxToolIterations = parsed
		}
	}
	if n := os.Getenv("CLAWCORE_MAX_DEPTH"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil {
			cfg.SubAgents.MaxDepth = parsed
		}
	}
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = def.Agent.Workspace
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.DefaultAgent == "" {
		cfg.Agent.DefaultAgent = DefaultAgent
	}
	if cfg.Agent.MaxToolIterations <= 0 {
		cfg.Agent.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Tools.ExecTimeout <= 0 {
		cfg.Tools.ExecTimeout = DefaultExecTimeout
	}
	if cfg.Tools.MaxExecTimeout <= 0 {
		cfg.Tools.MaxExecTimeout = DefaultMaxExecTimeout
	}
	if cfg.Tools.OutputLimit <= 0 {
		cfg.Tools.OutputLimit = DefaultOutputLimit
	}
	if cfg.MCP.ConfigPath == "" {
		cfg.MCP.ConfigPath = def.MCP.ConfigPath
	}
	if cfg.MCP.HandshakeTimeout == "" {
		cfg.MCP.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MCP.StopGrace == "" {
		cfg.MCP.StopGrace = DefaultStopGrace
	}
	if cfg.SubAgents.MaxDepth <= 0 {
		cfg.SubAgents.MaxDepth = DefaultMaxDepth
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

// Validate checks the fields that are parsed lazily.
func (c *Config) Validate() error {
	for field, value := range map[string]string{
		"mcp.handshakeTimeout": c.MCP.HandshakeTimeout,
		"mcp.stopGrace":        c.MCP.StopGrace,
		"mcp.healthInterval":   c.MCP.HealthInterval,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("config %s: %w", field, err)
		}
	}
	if c.Agent.MaxParallelTools < 0 {
		return fmt.Errorf("config agent.maxParallelTools: must not be negative")
	}
	if c.Tools.PatchFuzz < 0 {
		return fmt.Errorf("config tools.patchFuzz: must not be negative")
	}
	switch c.Provider.Type {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("config provider.type: unsupported %q", c.Provider.Type)
	}
	return nil
}

func (t ToolsConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(t.ExecTimeout) * time.Second
}

func (t ToolsConfig) MaxExecTimeoutDuration() time.Duration {
	return time.Duration(t.MaxExecTimeout) * time.Second
}

func (m MCPConfig) HandshakeTimeoutDuration() time.Duration {
	d, _ := parseDuration(m.HandshakeTimeout)
	return d
}

func (m MCPConfig) StopGraceDuration() time.Duration {
	d, _ := parseDuration(m.StopGrace)
	return d
}

func (m MCPConfig) HealthIntervalDuration() time.Duration {
	d, _ := parseDuration(m.HealthInterval)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
