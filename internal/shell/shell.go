// Package shell runs commands with a bounded timeout and live output.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/clawcore/internal/fault"
)

const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxTimeout = 10 * time.Minute
	defaultWaitDelay  = 2 * time.Second
)

// Stream identifies stdout or stderr.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one piece of output as it arrived.
type Chunk struct {
	Stream Stream
	Data   string
}

// Sink receives chunks. Calls are serialized.
type Sink func(Chunk)

// Request describes one command.
type Request struct {
	Command string
	Dir     string
	Timeout time.Duration
	Env     []string
}

// Result is returned for every command that started, including ones that
// timed out, were cancelled or exited non-zero.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Cancelled bool
	Duration  time.Duration
}

// Success reports a zero exit without timeout or cancellation.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}

// Kind classifies an unsuccessful result; empty on success.
func (r *Result) Kind() fault.Kind {
	switch {
	case r.Cancelled:
		return fault.Cancelled
	case r.TimedOut:
		return fault.ShellTimeout
	case r.ExitCode != 0:
		return fault.ShellNonZeroExit
	}
	return ""
}

// Executor runs commands through the platform shell.
type Executor struct {
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	waitDelay      time.Duration
	logger         zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

func WithMaxTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.maxTimeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New returns an Executor with the given options applied.
func New(opts ...Option) *Executor {
	e := &Executor{
		defaultTimeout: DefaultTimeout,
		maxTimeout:     DefaultMaxTimeout,
		waitDelay:      defaultWaitDelay,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Timeout returns the effective timeout for a requested one.
func (e *Executor) Timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.defaultTimeout
	}
	if requested > e.maxTimeout {
		return e.maxTimeout
	}
	return requested
}

// Execute runs req. On timeout or ctx cancellation the whole process group
// is killed and the output captured so far is returned with a nil error. An
// error means the command never started.
func (e *Executor) Execute(ctx context.Context, req Request, sink Sink) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fault.New(fault.ToolInvocationError, "command is empty")
	}
	if req.Dir != "" {
		if info, err := os.Stat(req.Dir); err != nil || !info.IsDir() {
			return nil, fault.New(fault.ToolInvocationError, "working directory %q is not a directory", req.Dir)
		}
	}
	timeout := e.Timeout(req.Timeout)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, flag := shellCommand()
	cmd := exec.CommandContext(runCtx, name, flag, req.Command)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.WaitDelay = e.waitDelay
	configureProcess(cmd)

	var mu sync.Mutex
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &chunkWriter{mu: &mu, buf: &stdout, stream: Stdout, sink: sink}
	cmd.Stderr = &chunkWriter{mu: &mu, buf: &stderr, stream: Stderr, sink: sink}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, fmt.Errorf("start command: %w", err))
	}
	e.logger.Debug().Int("pid", cmd.Process.Pid).Str("dir", req.Dir).Dur("timeout", timeout).Msg("command started")

	waitErr := cmd.Wait()

	mu.Lock()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	mu.Unlock()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) && runCtx.Err() == nil {
		e.logger.Warn().Err(waitErr).Msg("command wait failed")
	}
	e.logger.Debug().
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Bool("cancelled", res.Cancelled).
		Dur("duration", res.Duration).
		Msg("command finished")
	return res, nil
}

type chunkWriter struct {
	mu     *sync.Mutex
	buf    *bytes.Buffer
	stream Stream
	sink   Sink
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.sink != nil {
		w.sink(Chunk{Stream: w.stream, Data: string(p)})
	}
	return len(p), nil
}
