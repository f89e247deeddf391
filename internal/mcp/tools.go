package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

// Separator joins server and tool names in registered tool names.
const Separator = "__"

// QualifiedName is the registry name of a server tool.
func QualifiedName(server, name string) string {
	return server + Separator + name
}

// SplitName reverses QualifiedName.
func SplitName(qualified string) (server, name string, ok bool) {
	return strings.Cut(qualified, Separator)
}

// remoteTool forwards calls to a supervised server.
type remoteTool struct {
	sup    *Supervisor
	server string
	remote string
	spec   tool.Spec
}

func adaptTools(sup *Supervisor, server string, infos []ToolInfo) ([]tool.Tool, error) {
	out := make([]tool.Tool, 0, len(infos))
	for _, info := range infos {
		if info.Name == "" {
			return nil, fmt.Errorf("%w: tool without a name", ErrMalformedResponse)
		}
		schema, err := tool.SchemaFromJSON(info.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", info.Name, err)
		}
		desc := info.Description
		if desc == "" {
			desc = fmt.Sprintf("Tool %s provided by the %s server.", info.Name, server)
		}
		out = append(out, &remoteTool{
			sup:    sup,
			server: server,
			remote: info.Name,
			spec: tool.Spec{
				Name:        QualifiedName(server, info.Name),
				Description: desc,
				Schema:      schema,
				Capability:  capability.MCP,
			},
		})
	}
	return out, nil
}

func (t *remoteTool) Spec() tool.Spec { return t.spec }

func (t *remoteTool) Execute(ctx context.Context, call tool.Call) (*tool.Result, error) {
	res, err := t.sup.CallTool(ctx, t.server, t.remote, call.Args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return tool.Errorf(fault.ToolInvocationError, "%s", res.Content), nil
	}
	return tool.OK(res.Content), nil
}
