package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stellarlinkco/clawcore/internal/bus"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"arguments"`
}

// Message is one conversation entry. Tool messages answer exactly one call.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// UserMessage is a convenience constructor.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// ToolDef is a tool as advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is one model round trip.
type Request struct {
	System   string
	Model    string
	Messages []Message
	Tools    []ToolDef
}

type DeltaKind string

const (
	DeltaText     DeltaKind = "text"
	DeltaToolCall DeltaKind = "tool_call"
	DeltaEndTurn  DeltaKind = "end_turn"
)

// Delta is one streamed piece of a model turn.
type Delta struct {
	Kind     DeltaKind
	Text     string
	ToolCall *ToolCall
}

// ModelClient sends a conversation and streams the reply through fn. Send
// returns after the end of the turn. An error from fn aborts the stream.
type ModelClient interface {
	Send(ctx context.Context, req Request, fn func(Delta) error) error
}

// Status is the terminal state of a run.
type Status string

const (
	StatusDone           Status = "done"
	StatusIterationLimit Status = "iteration_limit_reached"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
)

// Outcome is what a run hands back. The conversation is always returned,
// including on cancellation and limits.
type Outcome struct {
	RunID        string
	Status       Status
	Text         string
	Conversation []Message
	Iterations   int
	Err          error
}

// Publisher receives presentation events.
type Publisher interface {
	Publish(bus.Event)
}

// Recorder receives run and tool measurements.
type Recorder interface {
	ToolCall(name, status string, d time.Duration)
	Run(status string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(bus.Event) {}

type nopRecorder struct{}

func (nopRecorder) ToolCall(string, string, time.Duration) {}
func (nopRecorder) Run(string)                             {}

type depthKey struct{}

// WithDepth records the nesting depth of the run started with ctx.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFrom returns the nesting depth carried by ctx; 0 at the top level.
func DepthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}
