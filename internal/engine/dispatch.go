package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/clawcore/internal/bus"
	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

// dispatch runs the calls of one turn, concurrently up to the configured
// limit, and returns results in call order. Calls not yet started when ctx
// is cancelled are answered with a cancelled result instead of running.
func (e *Engine) dispatch(ctx context.Context, r run, calls []ToolCall) []*tool.Result {
	results := make([]*tool.Result, len(calls))

	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for i, call := range calls {
		// Go blocks while the limit is reached, so this check sees
		// cancellations that happened while earlier calls ran.
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = e.skip(r, call, err)
				return nil
			}
			results[i] = e.execute(ctx, r, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) execute(ctx context.Context, r run, call ToolCall) *tool.Result {
	ctx, span := e.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	start := r.event(bus.ToolCallStart)
	start.ToolName, start.CallID, start.Args = call.Name, call.ID, string(call.Args)
	e.publisher.Publish(start)

	began := time.Now()
	res := e.invoke(ctx, r, call)
	elapsed := time.Since(began)

	if res.IsError {
		span.SetStatus(codes.Error, string(res.Kind))
	}
	span.SetAttributes(attribute.String("tool.status", string(res.Status)))
	e.publishEnd(r, call, res)
	e.recorder.ToolCall(call.Name, string(res.Status), elapsed)
	e.logger.Debug().
		Str("run_id", r.id).
		Str("tool", call.Name).
		Str("status", string(res.Status)).
		Str("kind", string(res.Kind)).
		Dur("elapsed", elapsed).
		Msg("tool call finished")
	return res
}

// invoke resolves the call and gates it before the handler can run.
func (e *Engine) invoke(ctx context.Context, r run, call ToolCall) *tool.Result {
	_, spec, err := e.registry.Lookup(call.Name)
	if err != nil {
		return stamp(tool.Failure(err), call)
	}
	if !attached(r.def, spec) {
		return stamp(tool.Errorf(fault.ToolNotFound, "tool %q is not available to agent %s", call.Name, r.def.Name), call)
	}
	if d := capability.Authorize(r.def.Capabilities, spec.Capability); !d.Allowed {
		return stamp(tool.Errorf(fault.CapabilityDenied, "%s denied: %s", call.Name, d.Reason), call)
	}

	toolCtx := ctx
	if !spec.Interruptible {
		// Mutating tools finish once started; cancellation is honored after.
		toolCtx = context.WithoutCancel(ctx)
	}
	return e.registry.Invoke(toolCtx, tool.Call{
		ID:   call.ID,
		Name: call.Name,
		Args: call.Args,
		Emit: func(chunk string) {
			ev := r.event(bus.ToolOutput)
			ev.ToolName, ev.CallID, ev.Text = call.Name, call.ID, chunk
			e.publisher.Publish(ev)
		},
	})
}

func (e *Engine) skip(r run, call ToolCall, cause error) *tool.Result {
	res := stamp(tool.Failure(fault.Wrap(fault.Cancelled, cause)), call)
	res.Output = "tool call cancelled before it started"
	e.publishEnd(r, call, res)
	e.recorder.ToolCall(call.Name, string(res.Status), 0)
	return res
}

func (e *Engine) publishEnd(r run, call ToolCall, res *tool.Result) {
	ev := r.event(bus.ToolCallEnd)
	ev.ToolName, ev.CallID = call.Name, call.ID
	ev.Status, ev.Kind, ev.Text = string(res.Status), string(res.Kind), res.Output
	e.publisher.Publish(ev)
}

func stamp(res *tool.Result, call ToolCall) *tool.Result {
	res.CallID, res.Name = call.ID, call.Name
	return res
}
