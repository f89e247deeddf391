package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/clawcore/internal/agentdef"
	"github.com/stellarlinkco/clawcore/internal/bus"
	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

// scriptedClient replays one delta list per turn. With repeat set, the last
// turn is replayed forever.
type scriptedClient struct {
	mu       sync.Mutex
	turns    [][]Delta
	repeat   bool
	err      error
	requests []Request
}

func (c *scriptedClient) Send(ctx context.Context, req Request, fn func(Delta) error) error {
	c.mu.Lock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if i >= len(c.turns) {
		if !c.repeat || len(c.turns) == 0 {
			return errors.New("script exhausted")
		}
		i = len(c.turns) - 1
	}
	for _, d := range c.turns[i] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func text(s string) Delta { return Delta{Kind: DeltaText, Text: s} }

func call(id, name, args string) Delta {
	return Delta{Kind: DeltaToolCall, ToolCall: &ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Publish(ev bus.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []bus.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func (p *recordingPublisher) find(t bus.EventType) []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func textSchema() *jsonschema.Schema {
	return tool.Object(map[string]*jsonschema.Schema{"text": tool.String("")})
}

// echo returns its text argument after an optional delay.
func echo(name string, required capability.Capability, delay time.Duration, calls *atomic.Int32) tool.Tool {
	return &tool.Func{
		Def: tool.Spec{Name: name, Schema: textSchema(), Capability: required},
		Fn: func(ctx context.Context, c tool.Call) (*tool.Result, error) {
			if calls != nil {
				calls.Add(1)
			}
			var args struct {
				Text string `json:"text"`
			}
			if err := c.Decode(&args); err != nil {
				return nil, err
			}
			if delay > 0 {
				time.Sleep(delay)
			}
			c.Output("working")
			return tool.OK(args.Text), nil
		},
	}
}

func fullAgent() agentdef.Definition {
	return agentdef.Definition{Name: "tester", SystemPrompt: "test", Capabilities: capability.Full(), Visibility: agentdef.Main}
}

func TestRunDoneWithoutTools(t *testing.T) {
	pub := &recordingPublisher{}
	eng := New(tool.NewRegistry(), WithPublisher(pub))
	client := &scriptedClient{turns: [][]Delta{{text("Hel"), text("lo"), {Kind: DeltaEndTurn}}}}

	input := []Message{UserMessage("hi")}
	out, err := eng.Run(context.Background(), fullAgent(), input, client)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, "Hello", out.Text)
	assert.Equal(t, 1, out.Iterations)
	assert.NoError(t, out.Err)
	require.Len(t, out.Conversation, 2)
	assert.Len(t, input, 1, "input conversation must not be modified")
	assert.Equal(t, []bus.EventType{bus.TextDelta, bus.TextDelta, bus.Complete}, pub.types())
	assert.Equal(t, out.RunID, pub.find(bus.Complete)[0].RunID)
	assert.Equal(t, "test", client.requests[0].System)
}

func TestRunFoldsResultsInCallOrder(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(
		echo("slow", capability.None, 150*time.Millisecond, nil),
		echo("fast", capability.None, 0, nil),
	))
	pub := &recordingPublisher{}
	eng := New(reg, WithPublisher(pub))
	client := &scriptedClient{turns: [][]Delta{
		{text("working"), call("c1", "slow", `{"text":"first"}`), call("c2", "fast", `{"text":"second"}`)},
		{text("all done")},
	}}

	out, err := eng.Run(context.Background(), fullAgent(), []Message{UserMessage("go")}, client)
	require.NoError(t, err)
	require.Equal(t, StatusDone, out.Status)
	assert.Equal(t, 2, out.Iterations)

	conv := out.Conversation
	require.Len(t, conv, 5)
	assert.Equal(t, RoleAssistant, conv[1].Role)
	assert.Len(t, conv[1].ToolCalls, 2)
	assert.Equal(t, Message{Role: RoleTool, Content: "first", ToolCallID: "c1", ToolName: "slow"}, conv[2])
	assert.Equal(t, Message{Role: RoleTool, Content: "second", ToolCallID: "c2", ToolName: "fast"}, conv[3])
	assert.Equal(t, "all done", out.Text)

	// The second request carries the tool results back to the model.
	require.Len(t, client.requests, 2)
	assert.Len(t, client.requests[1].Messages, 4)
	assert.Len(t, pub.find(bus.ToolCallStart), 2)
	assert.Len(t, pub.find(bus.ToolCallEnd), 2)
	assert.NotEmpty(t, pub.find(bus.ToolOutput))
}

func TestRunCapabilityDeniedContinues(t *testing.T) {
	var invoked atomic.Int32
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(echo("write_thing", capability.FileWrite, 0, &invoked)))

	def := fullAgent()
	def.Capabilities.FileWrite = false
	pub := &recordingPublisher{}
	client := &scriptedClient{turns: [][]Delta{
		{call("c1", "write_thing", `{"text":"x"}`)},
		{text("understood")},
	}}

	out, err := New(reg, WithPublisher(pub)).Run(context.Background(), def, []Message{UserMessage("write")}, client)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Zero(t, invoked.Load(), "denied tool must never run")

	result := out.Conversation[2]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, `lacks capability "file_write"`)
	end := pub.find(bus.ToolCallEnd)
	require.Len(t, end, 1)
	assert.Equal(t, string(fault.CapabilityDenied), end[0].Kind)

	// The denied tool is not advertised either.
	assert.Empty(t, client.requests[0].Tools)
}

func TestRunUnknownAndUnlistedTools(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(
		echo("allowed", capability.None, 0, nil),
		echo("other", capability.None, 0, nil),
		echo("srv__remote", capability.MCP, 0, nil),
	))
	def := fullAgent()
	def.Tools = []string{"allowed"}

	client := &scriptedClient{turns: [][]Delta{
		{call("a", "missing", `{}`), call("b", "other", `{}`), call("c", "srv__remote", `{"text":"mcp"}`)},
		{text("ok")},
	}}
	out, err := New(reg).Run(context.Background(), def, []Message{UserMessage("x")}, client)
	require.NoError(t, err)

	conv := out.Conversation
	assert.True(t, conv[2].IsError)
	assert.Contains(t, conv[2].Content, "not found")
	assert.True(t, conv[3].IsError)
	assert.Contains(t, conv[3].Content, "not available")
	assert.False(t, conv[4].IsError, "server tools ignore the tool list")

	var advertised []string
	for _, d := range client.requests[0].Tools {
		advertised = append(advertised, d.Name)
	}
	assert.Equal(t, []string{"allowed", "srv__remote"}, advertised)
}

func TestRunServerToolsFollowAttachedServers(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(
		echo("read", capability.None, 0, nil),
		echo("github__issues", capability.MCP, 0, nil),
		echo("slack__post", capability.MCP, 0, nil),
	))
	def := fullAgent()
	def.MCPServers = []string{"github"}

	client := &scriptedClient{turns: [][]Delta{
		{call("a", "slack__post", `{"text":"hi"}`), call("b", "github__issues", `{"text":"open"}`)},
		{text("ok")},
	}}
	out, err := New(reg).Run(context.Background(), def, []Message{UserMessage("x")}, client)
	require.NoError(t, err)

	conv := out.Conversation
	assert.True(t, conv[2].IsError)
	assert.Contains(t, conv[2].Content, "not available")
	assert.False(t, conv[3].IsError)
	assert.Equal(t, "open", conv[3].Content)

	var advertised []string
	for _, d := range client.requests[0].Tools {
		advertised = append(advertised, d.Name)
	}
	assert.Equal(t, []string{"github__issues", "read"}, advertised)
}

func TestRunIterationLimitKeepsTranscript(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(echo("loop", capability.None, 0, nil)))
	pub := &recordingPublisher{}
	client := &scriptedClient{turns: [][]Delta{{call("", "loop", `{"text":"again"}`)}}, repeat: true}

	out, err := New(reg, WithMaxIterations(3), WithPublisher(pub)).Run(context.Background(), fullAgent(), []Message{UserMessage("spin")}, client)
	require.NoError(t, err)
	assert.Equal(t, StatusIterationLimit, out.Status)
	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, fault.IterationLimitReached, fault.KindOf(out.Err))
	assert.Len(t, out.Conversation, 7)
	assert.NotEmpty(t, out.Conversation[1].ToolCalls[0].ID, "missing call ids are generated")

	errs := pub.find(bus.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, string(fault.IterationLimitReached), errs[0].Kind)
	complete := pub.find(bus.Complete)
	require.Len(t, complete, 1)
	assert.Equal(t, string(StatusIterationLimit), complete[0].Status)
}

func TestRunCancelledOnLastIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(&tool.Func{
		Def: tool.Spec{Name: "stop", Schema: textSchema()},
		Fn: func(context.Context, tool.Call) (*tool.Result, error) {
			cancel()
			return tool.OK("stopping"), nil
		},
	}))
	client := &scriptedClient{turns: [][]Delta{{call("a", "stop", `{}`)}}, repeat: true}

	out, err := New(reg, WithMaxIterations(1)).Run(ctx, fullAgent(), []Message{UserMessage("x")}, client)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, fault.Cancelled, fault.KindOf(out.Err))
	assert.Len(t, out.Conversation, 3)
}

func TestRunModelFailure(t *testing.T) {
	client := &scriptedClient{err: errors.New("503 from provider")}
	out, err := New(tool.NewRegistry()).Run(context.Background(), fullAgent(), []Message{UserMessage("x")}, client)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, fault.ModelError, fault.KindOf(out.Err))
	assert.Len(t, out.Conversation, 1)
}

func TestRunCancellationWaitsForStartedToolAndSkipsTheRest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancel atomic.Bool
	var laterRan atomic.Int32
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(
		&tool.Func{
			Def: tool.Spec{Name: "mutate"},
			Fn: func(toolCtx context.Context, _ tool.Call) (*tool.Result, error) {
				cancel()
				time.Sleep(50 * time.Millisecond)
				sawCancel.Store(toolCtx.Err() != nil)
				return tool.OK("written"), nil
			},
		},
		echo("later", capability.None, 0, &laterRan),
	))

	client := &scriptedClient{turns: [][]Delta{{call("c1", "mutate", `{}`), call("c2", "later", `{}`)}}, repeat: true}
	out, err := New(reg, WithMaxParallelTools(1)).Run(ctx, fullAgent(), []Message{UserMessage("x")}, client)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, fault.Cancelled, fault.KindOf(out.Err))
	assert.False(t, sawCancel.Load(), "non-interruptible tool must not observe cancellation")
	assert.Zero(t, laterRan.Load())

	conv := out.Conversation
	require.Len(t, conv, 4)
	assert.Equal(t, "written", conv[2].Content)
	assert.True(t, conv[3].IsError)
	assert.Len(t, client.requests, 1, "no model call after cancellation")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{turns: [][]Delta{{text("never")}}}
	out, err := New(tool.NewRegistry()).Run(ctx, fullAgent(), []Message{UserMessage("x")}, client)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Empty(t, client.requests)
	assert.Zero(t, out.Iterations)
}

func TestRunInterruptibleToolSeesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(&tool.Func{
		Def: tool.Spec{Name: "wait", Interruptible: true},
		Fn: func(toolCtx context.Context, _ tool.Call) (*tool.Result, error) {
			cancel()
			select {
			case <-toolCtx.Done():
				return tool.Errorf(fault.Cancelled, "interrupted"), nil
			case <-time.After(5 * time.Second):
				return tool.OK("finished"), nil
			}
		},
	}))
	client := &scriptedClient{turns: [][]Delta{{call("w", "wait", `{}`)}}}
	out, err := New(reg).Run(ctx, fullAgent(), []Message{UserMessage("x")}, client)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Contains(t, out.Conversation[2].Content, "interrupted")
}

func TestEventsCarryAgentAndDepth(t *testing.T) {
	pub := &recordingPublisher{}
	client := &scriptedClient{turns: [][]Delta{{text("nested")}}}
	ctx := WithDepth(context.Background(), 2)
	_, err := New(tool.NewRegistry(), WithPublisher(pub)).Run(ctx, fullAgent(), nil, client)
	require.NoError(t, err)
	for _, ev := range pub.events {
		assert.Equal(t, "tester", ev.Agent)
		assert.Equal(t, 2, ev.Depth)
	}
	assert.Equal(t, 0, DepthFrom(context.Background()))
}

func TestRunRejectsNilClient(t *testing.T) {
	_, err := New(tool.NewRegistry()).Run(context.Background(), fullAgent(), nil, nil)
	assert.Error(t, err)
}
