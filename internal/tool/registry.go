package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stellarlinkco/clawcore/internal/fault"
)

type entry struct {
	tool     Tool
	spec     Spec
	resolved *jsonschema.Resolved
}

// Registry maps tool names to implementations. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds tools. Either every tool is added or none is: a duplicate
// name or an invalid schema rejects the whole batch.
func (r *Registry) Register(tools ...Tool) error {
	prepared := make([]entry, 0, len(tools))
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		e, err := prepare(t)
		if err != nil {
			return err
		}
		if _, dup := seen[e.spec.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.spec.Name)
		}
		seen[e.spec.Name] = struct{}{}
		prepared = append(prepared, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range prepared {
		if _, exists := r.tools[e.spec.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.spec.Name)
		}
	}
	for _, e := range prepared {
		r.tools[e.spec.Name] = e
	}
	return nil
}

func prepare(t Tool) (entry, error) {
	if t == nil {
		return entry{}, fmt.Errorf("tool is nil")
	}
	spec := t.Spec()
	if !ValidName(spec.Name) {
		return entry{}, fmt.Errorf("%w: %q", ErrInvalidName, spec.Name)
	}
	schema := spec.Schema
	if schema == nil {
		schema = Object(nil)
		spec.Schema = schema
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return entry{}, fmt.Errorf("tool %s: invalid schema: %w", spec.Name, err)
	}
	return entry{tool: t, spec: spec, resolved: resolved}, nil
}

// Unregister removes tools by name. Unknown names are ignored.
func (r *Registry) Unregister(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		delete(r.tools, name)
	}
}

// Lookup returns the tool and its spec.
func (r *Registry) Lookup(name string) (Tool, Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, Spec{}, fault.Wrap(fault.ToolNotFound, fmt.Errorf("%w: %s", ErrToolNotFound, name))
	}
	return e.tool, e.spec, nil
}

// Specs lists registered tools sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	out := make([]Spec, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.spec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke validates the arguments and runs the tool. It always returns a
// result: lookup, validation and handler failures become error results.
func (r *Registry) Invoke(ctx context.Context, call Call) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Errorf(fault.ToolInvocationError, "tool %s panicked: %v", call.Name, p)
		}
		res.CallID = call.ID
		res.Name = call.Name
	}()

	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Errorf(fault.ToolNotFound, "tool %q not found", call.Name)
	}

	if err := validate(e.resolved, call.Args); err != nil {
		return Failure(fault.Wrap(fault.ToolInvocationError, fmt.Errorf("invalid arguments for %s: %w", call.Name, err)))
	}

	out, err := e.tool.Execute(ctx, call)
	if err != nil {
		return Failure(err)
	}
	if out == nil {
		out = OK("")
	}
	normalize(out)
	return out
}

func validate(resolved *jsonschema.Resolved, args json.RawMessage) error {
	var instance any = map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
	}
	if instance == nil {
		instance = map[string]any{}
	}
	return resolved.Validate(instance)
}

func normalize(res *Result) {
	switch {
	case res.IsError || res.Status == StatusError:
		res.IsError = true
		res.Status = StatusError
		if res.Kind == "" {
			res.Kind = fault.ToolInvocationError
		}
	default:
		res.Status = StatusOK
	}
}
