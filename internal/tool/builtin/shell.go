package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/shell"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

// RunShellCommand executes a command in the workspace and streams its
// output while it runs.
type RunShellCommand struct{ env *Env }

type shellArgs struct {
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

func (t *RunShellCommand) Spec() tool.Spec {
	return tool.Spec{
		Name: "run_shell_command",
		Description: "Execute a shell command in the workspace with a timeout. " +
			"Use this to run tests, build projects, or execute system commands.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"command":           tool.String("The shell command to execute."),
			"working_directory": tool.String("Working directory, relative to the workspace root. Defaults to the root."),
			"timeout_seconds": tool.Integer(fmt.Sprintf("Timeout in seconds. Defaults to %d.",
				int(shell.DefaultTimeout/time.Second))),
		}, "command"),
		Capability:    capability.Shell,
		Streaming:     true,
		Interruptible: true,
	}
}

func (t *RunShellCommand) Execute(ctx context.Context, call tool.Call) (*tool.Result, error) {
	var args shellArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	dir := t.env.Root.Dir()
	if args.WorkingDirectory != "" {
		resolved, err := t.env.Root.Resolve(args.WorkingDirectory)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	if args.TimeoutSeconds < 0 {
		return nil, fault.New(fault.ToolInvocationError, "timeout_seconds must not be negative")
	}

	res, err := t.env.Shell.Execute(ctx, shell.Request{
		Command: args.Command,
		Dir:     dir,
		Timeout: time.Duration(args.TimeoutSeconds) * time.Second,
	}, func(c shell.Chunk) { call.Output(c.Data) })
	if err != nil {
		return nil, err
	}
	return t.result(args, res), nil
}

// result formats a finished command. Non-zero exits are informational;
// timeouts and cancellations are reported as errors with partial output.
func (t *RunShellCommand) result(args shellArgs, res *shell.Result) *tool.Result {
	limit := t.env.outputLimit()
	var b strings.Builder
	switch {
	case res.Cancelled:
		b.WriteString("Command cancelled\n")
	case res.TimedOut:
		fmt.Fprintf(&b, "Command timed out after %s\n", t.env.Shell.Timeout(time.Duration(args.TimeoutSeconds)*time.Second))
	case res.ExitCode == 0:
		b.WriteString("Command completed successfully (exit code: 0)\n")
	default:
		fmt.Fprintf(&b, "Command failed (exit code: %d)\n", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "" {
		b.WriteString("\n--- stdout ---\n")
		b.WriteString(truncate(res.Stdout, limit))
	}
	if strings.TrimSpace(res.Stderr) != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(truncate(res.Stderr, limit))
	}

	out := tool.OK(b.String())
	out.Kind = res.Kind()
	out.IsError = res.TimedOut || res.Cancelled
	out.Data = res
	return out
}

// ShareReasoning lets the model surface its plan. It has no side effects.
type ShareReasoning struct{}

func (ShareReasoning) Spec() tool.Spec {
	return tool.Spec{
		Name:        "share_your_reasoning",
		Description: "Share your current reasoning and planned next steps with the user.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"reasoning":  tool.String("Your current thought process."),
			"next_steps": tool.String("What you plan to do next."),
		}, "reasoning"),
	}
}

func (ShareReasoning) Execute(_ context.Context, call tool.Call) (*tool.Result, error) {
	var args struct {
		Reasoning string `json:"reasoning"`
		NextSteps string `json:"next_steps"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	call.Output(args.Reasoning)
	res := tool.OK("Reasoning shared.")
	res.Data = map[string]string{"reasoning": args.Reasoning, "next_steps": args.NextSteps}
	return res, nil
}
