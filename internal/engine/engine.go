// Package engine drives the tool-calling loop: send the conversation to the
// model, dispatch the tool calls it asks for, fold the results back and
// repeat until the model answers without tools or a limit is hit.
package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/clawcore/internal/agentdef"
	"github.com/stellarlinkco/clawcore/internal/bus"
	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/mcp"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

const (
	DefaultMaxIterations = 50
	tracerName           = "github.com/stellarlinkco/clawcore/internal/engine"
)

// Engine is stateless between runs and safe for concurrent use.
type Engine struct {
	registry      *tool.Registry
	maxIterations int
	maxParallel   int
	model         string
	publisher     Publisher
	recorder      Recorder
	tracer        trace.Tracer
	logger        zerolog.Logger
}

type Option func(*Engine)

func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithMaxParallelTools bounds concurrent tool dispatch within a turn.
// 0 means unbounded; 1 runs calls one at a time.
func WithMaxParallelTools(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxParallel = n
		}
	}
}

// WithModel sets the model used when a definition does not pin one.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func New(registry *tool.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:      registry,
		maxIterations: DefaultMaxIterations,
		publisher:     nopPublisher{},
		recorder:      nopRecorder{},
		tracer:        otel.Tracer(tracerName),
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Registry exposes the tools the engine dispatches to.
func (e *Engine) Registry() *tool.Registry { return e.registry }

// run carries the per-run identity used for events and logs.
type run struct {
	id    string
	def   agentdef.Definition
	depth int
}

func (r run) event(t bus.EventType) bus.Event {
	return bus.Event{Type: t, RunID: r.id, Agent: r.def.Name, Depth: r.depth}
}

// Run executes def against conversation until a terminal state. The input
// slice is not modified. The error is non-nil only for unusable arguments;
// model failures, cancellation and limits are reported in the Outcome.
func (e *Engine) Run(ctx context.Context, def agentdef.Definition, conversation []Message, client ModelClient) (Outcome, error) {
	if client == nil {
		return Outcome{}, errors.New("engine: model client is nil")
	}
	if e.registry == nil {
		return Outcome{}, errors.New("engine: tool registry is nil")
	}

	r := run{id: uuid.NewString(), def: def, depth: DepthFrom(ctx)}
	ctx, span := e.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.name", def.Name),
		attribute.String("agent.run_id", r.id),
		attribute.Int("agent.depth", r.depth),
	))
	defer span.End()
	log := e.logger.With().Str("run_id", r.id).Str("agent", def.Name).Int("depth", r.depth).Logger()

	conv := make([]Message, len(conversation), len(conversation)+8)
	copy(conv, conversation)
	out := Outcome{RunID: r.id}

	model := def.Model
	if model == "" {
		model = e.model
	}

	for out.Iterations < e.maxIterations {
		if err := ctx.Err(); err != nil {
			out.Status, out.Err = StatusCancelled, fault.Wrap(fault.Cancelled, err)
			break
		}
		out.Iterations++
		log.Debug().Int("iteration", out.Iterations).Int("messages", len(conv)).Msg("sending turn")

		// Re-read each turn so tools from servers started mid-run appear.
		req := Request{System: def.SystemPrompt, Model: model, Messages: conv, Tools: e.advertised(def)}
		text, calls, err := e.turn(ctx, r, client, req)
		if err != nil {
			if ctx.Err() != nil {
				if text != "" {
					conv = append(conv, Message{Role: RoleAssistant, Content: text})
				}
				out.Status, out.Err = StatusCancelled, fault.Wrap(fault.Cancelled, ctx.Err())
			} else {
				out.Status, out.Err = StatusFailed, fault.Wrap(fault.ModelError, err)
			}
			break
		}

		conv = append(conv, Message{Role: RoleAssistant, Content: text, ToolCalls: calls})
		if len(calls) == 0 {
			out.Status, out.Text = StatusDone, text
			break
		}

		results := e.dispatch(ctx, r, calls)
		for i, res := range results {
			conv = append(conv, Message{
				Role:       RoleTool,
				Content:    res.Output,
				ToolCallID: calls[i].ID,
				ToolName:   calls[i].Name,
				IsError:    res.IsError,
			})
		}
		out.Text = text
	}
	if out.Status == "" {
		if err := ctx.Err(); err != nil {
			out.Status, out.Err = StatusCancelled, fault.Wrap(fault.Cancelled, err)
		} else {
			out.Status = StatusIterationLimit
			out.Err = fault.New(fault.IterationLimitReached, "stopped after %d iterations", out.Iterations)
		}
	}
	out.Conversation = conv

	e.finish(r, span, out)
	log.Info().Str("status", string(out.Status)).Int("iterations", out.Iterations).Msg("run finished")
	return out, nil
}

// turn streams one model reply. Text deltas are published as they arrive.
func (e *Engine) turn(ctx context.Context, r run, client ModelClient, req Request) (string, []ToolCall, error) {
	ctx, span := e.tracer.Start(ctx, "model.generate", trace.WithAttributes(attribute.String("model.name", req.Model)))
	defer span.End()

	var (
		text  strings.Builder
		calls []ToolCall
		seen  = map[string]bool{}
	)
	err := client.Send(ctx, req, func(d Delta) error {
		switch d.Kind {
		case DeltaText:
			if d.Text == "" {
				return nil
			}
			text.WriteString(d.Text)
			ev := r.event(bus.TextDelta)
			ev.Text = d.Text
			e.publisher.Publish(ev)
		case DeltaToolCall:
			if d.ToolCall == nil {
				return nil
			}
			call := *d.ToolCall
			if call.ID == "" || seen[call.ID] {
				call.ID = "call_" + uuid.NewString()[:8]
			}
			seen[call.ID] = true
			calls = append(calls, call)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return text.String(), nil, err
	}
	span.SetAttributes(attribute.Int("model.tool_calls", len(calls)))
	return text.String(), calls, nil
}

// advertised lists the tools the definition may see: those in its tool list
// (external server tools are exempt) whose capability it holds.
func (e *Engine) advertised(def agentdef.Definition) []ToolDef {
	var out []ToolDef
	for _, spec := range e.registry.Specs() {
		if !visible(def, spec) {
			continue
		}
		schema, err := tool.SchemaMap(spec.Schema)
		if err != nil {
			e.logger.Warn().Err(err).Str("tool", spec.Name).Msg("skip tool with unusable schema")
			continue
		}
		out = append(out, ToolDef{Name: spec.Name, Description: spec.Description, Schema: schema})
	}
	return out
}

func visible(def agentdef.Definition, spec tool.Spec) bool {
	return attached(def, spec) && capability.Authorize(def.Capabilities, spec.Capability).Allowed
}

// attached applies the definition's tool list, or its server list for
// external server tools.
func attached(def agentdef.Definition, spec tool.Spec) bool {
	if spec.Capability != capability.MCP {
		return def.AllowsTool(spec.Name)
	}
	if server, _, ok := mcp.SplitName(spec.Name); ok {
		return def.AllowsServer(server)
	}
	return true
}

func (e *Engine) finish(r run, span trace.Span, out Outcome) {
	span.SetAttributes(
		attribute.String("agent.status", string(out.Status)),
		attribute.Int("agent.iterations", out.Iterations),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		ev := r.event(bus.Error)
		ev.Kind = string(fault.KindOf(out.Err))
		ev.Message = out.Err.Error()
		e.publisher.Publish(ev)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	ev := r.event(bus.Complete)
	ev.Status = string(out.Status)
	ev.Text = out.Text
	e.publisher.Publish(ev)
	e.recorder.Run(string(out.Status))
}
