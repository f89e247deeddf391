// Package agentdef loads agent definitions: the prompt, tool list,
// capability set and optional model pin an engine run is bound to.
package agentdef

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stellarlinkco/clawcore/internal/capability"
)

// Visibility controls where an agent is offered.
type Visibility string

const (
	// Main agents can be selected at the top level and invoked as sub-agents.
	Main Visibility = "main"
	// Sub agents are only reachable through invoke_agent.
	Sub Visibility = "sub"
	// Hidden agents are invocable by name but never listed.
	Hidden Visibility = "hidden"
)

func parseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return Main, nil
	case Main, Sub, Hidden:
		return v, nil
	}
	return "", fmt.Errorf("unknown visibility %q", s)
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Definition is read-only for the duration of a run.
type Definition struct {
	Name         string
	DisplayName  string
	Description  string
	SystemPrompt string
	// Tools restricts the built-in and sub-agent tools offered. Empty means
	// every registered tool. External server tools are gated by the mcp
	// capability and MCPServers instead.
	Tools        []string
	Model        string
	Capabilities capability.Set
	// MCPServers names the external tool servers attached to the agent.
	// Empty attaches every server.
	MCPServers []string
	Visibility Visibility
	// Source is the file the definition was loaded from; empty for built-ins.
	Source string
}

// Validate checks the fields every definition needs.
func (d Definition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid agent name %q", d.Name)
	}
	if strings.TrimSpace(d.SystemPrompt) == "" {
		return fmt.Errorf("agent %s: system prompt is empty", d.Name)
	}
	if _, err := parseVisibility(string(d.Visibility)); err != nil {
		return fmt.Errorf("agent %s: %w", d.Name, err)
	}
	return nil
}

// AllowsTool reports whether name is in the definition's tool list.
func (d Definition) AllowsTool(name string) bool {
	if len(d.Tools) == 0 {
		return true
	}
	for _, t := range d.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// AllowsServer reports whether tools from server are attached.
func (d Definition) AllowsServer(server string) bool {
	if len(d.MCPServers) == 0 {
		return true
	}
	for _, s := range d.MCPServers {
		if s == server {
			return true
		}
	}
	return false
}

// Title is the display name, falling back to the name.
func (d Definition) Title() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// Listed reports whether list_agents shows the definition.
func (d Definition) Listed() bool {
	return d.Visibility != Hidden
}
