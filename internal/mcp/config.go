package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
)

const (
	ProtocolLine = "line"
	ProtocolMCP  = "mcp"
)

// ServerConfig describes one external tool server.
type ServerConfig struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent.
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type plain ServerConfig
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ServerConfig(p)
	return nil
}

func (s ServerConfig) protocol() string {
	if s.Protocol == "" {
		return ProtocolLine
	}
	return strings.ToLower(s.Protocol)
}

func (s ServerConfig) validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("command is required")
	}
	switch s.protocol() {
	case ProtocolLine, ProtocolMCP:
		return nil
	}
	return fmt.Errorf("unknown protocol %q", s.Protocol)
}

func (s ServerConfig) equal(o ServerConfig) bool {
	return reflect.DeepEqual(s, o)
}

// Config is the contents of mcp_servers.json.
type Config struct {
	Servers map[string]ServerConfig `json:"servers"`
}

// Names returns the configured server names sorted.
func (c Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadConfig reads path and expands ${VAR} references in args and env
// values. A missing file yields an empty config.
func LoadConfig(path string) (Config, error) {
	cfg := Config{Servers: map[string]ServerConfig{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read mcp config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse mcp config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]ServerConfig{}
	}
	for name, sc := range cfg.Servers {
		if err := sc.validate(); err != nil {
			return cfg, fmt.Errorf("mcp server %s: %w", name, err)
		}
		cfg.Servers[name] = sc.expanded()
	}
	return cfg, nil
}

// SaveConfig writes cfg as indented JSON, creating the directory.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SampleConfig is written by onboard.
func SampleConfig() Config {
	return Config{Servers: map[string]ServerConfig{
		"filesystem": {
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
			Enabled:     true,
			Description: "Access to filesystem operations",
			Protocol:    ProtocolMCP,
		},
		"github": {
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-github"},
			Env:         map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "${GITHUB_TOKEN}"},
			Description: "GitHub API access",
			Protocol:    ProtocolMCP,
		},
	}}
}

func (s ServerConfig) expanded() ServerConfig {
	out := s
	if len(s.Args) > 0 {
		out.Args = make([]string, len(s.Args))
		for i, a := range s.Args {
			out.Args[i] = expandVars(a)
		}
	}
	if len(s.Env) > 0 {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = expandVars(v)
		}
	}
	return out
}

// expandVars replaces ${NAME} with the environment value. Bare $NAME is left
// alone so shell-style arguments survive.
func expandVars(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			break
		}
		b.WriteString(s[:start])
		b.WriteString(os.Getenv(s[start+2 : start+end]))
		s = s[start+end+1:]
	}
	b.WriteString(s)
	return b.String()
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := extra[name]; !override {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
