// Package capability decides whether an agent may call a tool.
package capability

import (
	"encoding/json"
	"fmt"
)

// Capability is a named permission bit required by a class of tools.
type Capability string

const (
	None      Capability = ""
	FileRead  Capability = "file_read"
	FileWrite Capability = "file_write"
	Shell     Capability = "shell"
	SubAgents Capability = "sub_agents"
	MCP       Capability = "mcp"
)

// All lists the known capabilities in a stable order.
func All() []Capability {
	return []Capability{FileRead, FileWrite, Shell, SubAgents, MCP}
}

// Set is the capability mapping attached to an agent definition. It is
// treated as immutable once a run starts.
type Set struct {
	FileRead  bool `json:"file_read" yaml:"file_read" toml:"file_read"`
	FileWrite bool `json:"file_write" yaml:"file_write" toml:"file_write"`
	Shell     bool `json:"shell" yaml:"shell" toml:"shell"`
	SubAgents bool `json:"sub_agents" yaml:"sub_agents" toml:"sub_agents"`
	MCP       bool `json:"mcp" yaml:"mcp" toml:"mcp"`
}

// Full grants every capability.
func Full() Set {
	return Set{FileRead: true, FileWrite: true, Shell: true, SubAgents: true, MCP: true}
}

// ReadOnly can inspect files and nothing else.
func ReadOnly() Set {
	return Set{FileRead: true}
}

// Planning can read and delegate but never mutate or execute.
func Planning() Set {
	return Set{FileRead: true, SubAgents: true}
}

// Preset returns a named preset.
func Preset(name string) (Set, bool) {
	switch name {
	case "full":
		return Full(), true
	case "read_only", "readonly":
		return ReadOnly(), true
	case "planning":
		return Planning(), true
	}
	return Set{}, false
}

// Has reports whether c is granted. The empty capability is always granted.
func (s Set) Has(c Capability) bool {
	switch c {
	case None:
		return true
	case FileRead:
		return s.FileRead
	case FileWrite:
		return s.FileWrite
	case Shell:
		return s.Shell
	case SubAgents:
		return s.SubAgents
	case MCP:
		return s.MCP
	}
	return false
}

// Granted lists the granted capabilities in All order.
func (s Set) Granted() []Capability {
	var out []Capability
	for _, c := range All() {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// UnmarshalJSON treats missing fields as granted.
func (s *Set) UnmarshalJSON(data []byte) error {
	raw := map[string]*bool{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out, err := fromFlags(raw)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

// UnmarshalYAML treats missing fields as granted.
func (s *Set) UnmarshalYAML(unmarshal func(any) error) error {
	raw := map[string]*bool{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	out, err := fromFlags(raw)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

// FromMap builds a Set from named flags; absent names are granted.
func FromMap(flags map[string]bool) (Set, error) {
	raw := make(map[string]*bool, len(flags))
	for k, v := range flags {
		v := v
		raw[k] = &v
	}
	return fromFlags(raw)
}

func fromFlags(raw map[string]*bool) (Set, error) {
	return Full().With(raw)
}

// With returns s with the named flags overridden. Nil and absent flags keep
// the value from s.
func (s Set) With(raw map[string]*bool) (Set, error) {
	for name, v := range raw {
		if v == nil {
			continue
		}
		switch Capability(name) {
		case FileRead:
			s.FileRead = *v
		case FileWrite:
			s.FileWrite = *v
		case Shell:
			s.Shell = *v
		case SubAgents:
			s.SubAgents = *v
		case MCP:
			s.MCP = *v
		default:
			return Set{}, fmt.Errorf("unknown capability %q", name)
		}
	}
	return s, nil
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Authorize is a pure check of set against the capability a tool requires.
func Authorize(set Set, required Capability) Decision {
	if set.Has(required) {
		return Decision{Allowed: true}
	}
	return Decision{Reason: fmt.Sprintf("agent lacks capability %q", string(required))}
}
