package subagent

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

const (
	InvokeToolName = "invoke_agent"
	ListToolName   = "list_agents"
)

// Tools returns invoke_agent and list_agents bound to inv.
func Tools(inv *Invoker) []tool.Tool {
	return []tool.Tool{&invokeTool{inv: inv}, &listTool{inv: inv}}
}

func Register(reg *tool.Registry, inv *Invoker) error {
	return reg.Register(Tools(inv)...)
}

type invokeTool struct{ inv *Invoker }

func (t *invokeTool) Spec() tool.Spec {
	return tool.Spec{
		Name: InvokeToolName,
		Description: "Invoke another agent with a prompt. Use this to delegate specialized tasks " +
			"to other agents like code reviewers or planners. Pass session_id from an earlier " +
			"response to continue that conversation.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"agent_name": tool.String("The name of the agent to invoke (e.g. 'explore', 'planner')"),
			"prompt":     tool.String("The prompt or task to send to the agent"),
			"session_id": tool.String("Optional session ID for conversation continuity"),
		}, "agent_name", "prompt"),
		Capability:    capability.SubAgents,
		Interruptible: true,
	}
}

func (t *invokeTool) Execute(ctx context.Context, call tool.Call) (*tool.Result, error) {
	var req Request
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	resp, err := t.inv.Invoke(ctx, req)
	body, merr := json.Marshal(resp)
	if merr != nil {
		return nil, merr
	}
	if err != nil {
		res := tool.Failure(err)
		res.Output = string(body)
		res.Data = resp
		return res, nil
	}
	res := tool.OK(string(body))
	res.Data = resp
	return res, nil
}

type listTool struct{ inv *Invoker }

func (t *listTool) Spec() tool.Spec {
	return tool.Spec{
		Name:        ListToolName,
		Description: "List all available agents. Use this to discover what specialized agents are available for delegation.",
		Schema:      tool.Object(nil),
		Capability:  capability.SubAgents,
	}
}

type agentInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

func (t *listTool) Execute(context.Context, tool.Call) (*tool.Result, error) {
	defs := t.inv.Catalog().List(false)
	agents := make([]agentInfo, 0, len(defs))
	for _, d := range defs {
		agents = append(agents, agentInfo{
			Name:        d.Name,
			DisplayName: d.Title(),
			Description: d.Description,
			Visibility:  string(d.Visibility),
		})
	}
	body, err := json.Marshal(map[string]any{"agents": agents, "count": len(agents)})
	if err != nil {
		return nil, err
	}
	return tool.OK(string(body)), nil
}
