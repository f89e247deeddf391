// Package tool defines the callable unit shared by built-in handlers,
// external tool servers and sub-agents, and the registry that dispatches
// calls to them by name.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/fault"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrDuplicate    = errors.New("tool already registered")
	ErrInvalidName  = errors.New("invalid tool name")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidName reports whether name is acceptable to model providers.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Spec is what a tool declares at registration.
type Spec struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	// Capability is required to invoke the tool; empty means always allowed.
	Capability capability.Capability
	// Streaming tools emit output through Call.Emit while running.
	Streaming bool
	// Interruptible tools observe run cancellation. Others finish their
	// work before cancellation is honored.
	Interruptible bool
}

// Call is one invocation request.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
	// Emit receives live output from streaming tools. May be nil.
	Emit func(chunk string)
}

// Output forwards chunk to Emit when set.
func (c Call) Output(chunk string) {
	if c.Emit != nil && chunk != "" {
		c.Emit(chunk)
	}
}

// Decode unmarshals the call arguments into v.
func (c Call) Decode(v any) error {
	raw := c.Args
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.Wrap(fault.ToolInvocationError, fmt.Errorf("decode arguments: %w", err))
	}
	return nil
}

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the envelope fed back to the model for one call.
type Result struct {
	CallID  string
	Name    string
	Status  Status
	Output  string
	IsError bool
	Kind    fault.Kind
	// Data carries a structured payload alongside Output.
	Data any
}

// OK builds a successful result.
func OK(output string) *Result {
	return &Result{Status: StatusOK, Output: output}
}

// Failure converts err into an error result. Untagged errors are
// reported as invocation errors.
func Failure(err error) *Result {
	kind := fault.KindOf(err)
	if kind == "" {
		kind = fault.ToolInvocationError
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Result{Status: StatusError, Output: msg, IsError: true, Kind: kind}
}

// Errorf builds an error result of the given kind.
func Errorf(kind fault.Kind, format string, args ...any) *Result {
	return Failure(fault.New(kind, format, args...))
}

// Tool is a named, schema-declared callable.
type Tool interface {
	Spec() Spec
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Func adapts a function into a Tool.
type Func struct {
	Def Spec
	Fn  func(ctx context.Context, call Call) (*Result, error)
}

func (f *Func) Spec() Spec { return f.Def }

func (f *Func) Execute(ctx context.Context, call Call) (*Result, error) {
	return f.Fn(ctx, call)
}
