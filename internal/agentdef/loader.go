package agentdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/clawcore/internal/capability"
)

var errInvalidDefinition = errors.New("invalid agent definition")

// fileDef is the on-disk shape shared by every format.
type fileDef struct {
	Name         string   `json:"name" yaml:"name" toml:"name"`
	DisplayName  string   `json:"display_name" yaml:"display_name" toml:"display_name"`
	Description  string   `json:"description" yaml:"description" toml:"description"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Tools        []string `json:"tools" yaml:"tools" toml:"tools"`
	Model        string   `json:"model" yaml:"model" toml:"model"`
	Preset       string   `json:"preset" yaml:"preset" toml:"preset"`
	MCPServers   []string `json:"mcp_servers" yaml:"mcp_servers" toml:"mcp_servers"`
	Visibility   string   `json:"visibility" yaml:"visibility" toml:"visibility"`

	// Capabilities overrides individual flags of the preset; absent flags
	// keep the preset's value.
	Capabilities map[string]*bool `json:"capabilities" yaml:"capabilities" toml:"-"`
	// TOML cannot decode into pointer values, so key presence stands in.
	TOMLCapabilities map[string]bool `json:"-" yaml:"-" toml:"capabilities"`
}

// LoadDir reads every definition file in dir. A missing dir yields nothing.
// Files that fail to parse or validate are skipped with a warning; two
// files declaring the same name are an error.
func LoadDir(dir string, logger zerolog.Logger) ([]Definition, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat agents dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agents path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	defs := make([]Definition, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !supported(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			if errors.Is(err, errInvalidDefinition) {
				logger.Warn().Err(err).Str("path", path).Msg("skip invalid agent definition")
				continue
			}
			return nil, err
		}
		if prev, exists := seen[def.Name]; exists {
			return nil, fmt.Errorf("duplicate agent name %q in %s (already in %s)", def.Name, path, prev)
		}
		seen[def.Name] = path
		defs = append(defs, def)
	}
	return defs, nil
}

func supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml", ".toml", ".md":
		return true
	}
	return false
}

// LoadFile parses one definition, choosing the format by extension.
func LoadFile(path string) (Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read agent %q: %w", path, err)
	}
	var raw fileDef
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &raw)
	case ".toml":
		err = toml.Unmarshal(content, &raw)
	case ".md":
		raw, err = parseMarkdown(content)
	default:
		return Definition{}, fmt.Errorf("unsupported agent file %q", path)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %s: %v", errInvalidDefinition, path, err)
	}

	def, err := raw.definition()
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %s: %v", errInvalidDefinition, path, err)
	}
	def.Source = path
	return def, nil
}

func (f fileDef) definition() (Definition, error) {
	caps := capability.Full()
	if f.Preset != "" {
		preset, ok := capability.Preset(f.Preset)
		if !ok {
			return Definition{}, fmt.Errorf("unknown capability preset %q", f.Preset)
		}
		caps = preset
	}
	overrides := f.Capabilities
	if overrides == nil && f.TOMLCapabilities != nil {
		overrides = make(map[string]*bool, len(f.TOMLCapabilities))
		for name, v := range f.TOMLCapabilities {
			v := v
			overrides[name] = &v
		}
	}
	caps, err := caps.With(overrides)
	if err != nil {
		return Definition{}, err
	}
	vis, err := parseVisibility(f.Visibility)
	if err != nil {
		return Definition{}, err
	}
	def := Definition{
		Name:         strings.TrimSpace(f.Name),
		DisplayName:  strings.TrimSpace(f.DisplayName),
		Description:  strings.TrimSpace(f.Description),
		SystemPrompt: strings.TrimSpace(f.SystemPrompt),
		Tools:        f.Tools,
		Model:        strings.TrimSpace(f.Model),
		Capabilities: caps,
		MCPServers:   trimAll(f.MCPServers),
		Visibility:   vis,
	}
	return def, def.Validate()
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseMarkdown reads YAML frontmatter; the body is the system prompt.
func parseMarkdown(content []byte) (fileDef, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return fileDef{}, errors.New("missing YAML frontmatter")
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return fileDef{}, errors.New("missing closing frontmatter separator")
	}

	var raw fileDef
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &raw); err != nil {
		return fileDef{}, err
	}
	if body := strings.TrimSpace(strings.Join(lines[end+1:], "\n")); body != "" {
		raw.SystemPrompt = body
	}
	return raw, nil
}
