package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/clawcore/internal/fault"
)

const (
	methodListTools = "list_tools"
	methodCallTool  = "call_tool"

	maxLineBytes = 8 << 20
	stderrTail   = 4 << 10
)

var (
	ErrServerUnavailable = errors.New("mcp: server unavailable")
	ErrMalformedResponse = errors.New("mcp: malformed response")
)

// ToolInfo is a tool declared by a server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CallResult is a server's answer to a tool call.
type CallResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Conn is an open channel to one server process. The supervisor owns it
// exclusively.
type Conn interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error)
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Diagnostic describes why the process exited and its last stderr.
	Diagnostic() string
	Close(grace time.Duration) error
}

// Dialer starts a server process and returns its channel.
type Dialer func(ctx context.Context, name string, cfg ServerConfig) (Conn, error)

func unavailable(format string, args ...any) error {
	return fault.Wrap(fault.ServerUnavailable, fmt.Errorf("%w: %s", ErrServerUnavailable, fmt.Sprintf(format, args...)))
}

type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type reply struct {
	resp response
	err  error
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// lineConn speaks the line-delimited request/response protocol over the
// child's stdin and stdout. Requests are multiplexed by id.
type lineConn struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	logger zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan reply
	closed  bool
	exitErr error

	done      chan struct{}
	closeOnce sync.Once
}

func dialLine(_ context.Context, name string, cfg ServerConfig, logger zerolog.Logger) (*lineConn, error) {
	// The process outlives the handshake context, so it is not bound to it.
	cmd := exec.Command(cfg.Command, cfg.Args...) // #nosec G204
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	c := &lineConn{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		stderr:  newTailBuffer(stderrTail),
		logger:  logger,
		pending: make(map[int64]chan reply),
		done:    make(chan struct{}),
	}
	cmd.Stderr = c.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	go c.readLoop(stdout)
	return c, nil
}

func (c *lineConn) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn().Str("server", c.name).Str("line", truncate(string(line), 200)).Msg("malformed line from server")
			c.failPending(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			// Abandoned by a cancelled caller.
			c.logger.Debug().Str("server", c.name).Int64("id", resp.ID).Msg("discarding late response")
			continue
		}
		ch <- reply{resp: resp}
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn().Err(err).Str("server", c.name).Msg("server output unreadable")
		_ = c.cmd.Process.Kill()
	}

	err := c.cmd.Wait()
	c.mu.Lock()
	c.closed = true
	c.exitErr = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	// done closes first so callers woken below can read the diagnostic.
	close(c.done)
	for _, ch := range pending {
		close(ch)
	}
}

func (c *lineConn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan reply)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func (c *lineConn) forget(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *lineConn) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	req := request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return unavailable("%s has exited", c.name)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.stdin.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return unavailable("write to %s: %v", c.name, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case rep, ok := <-ch:
		if !ok {
			return unavailable("%s exited while handling %s", c.name, method)
		}
		if rep.err != nil {
			return rep.err
		}
		if rep.resp.Error != nil {
			return fmt.Errorf("%s %s: %s", c.name, method, rep.resp.Error.Message)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(rep.resp.Result, out); err != nil {
			return fmt.Errorf("%w: %s result: %v", ErrMalformedResponse, method, err)
		}
		return nil
	}
}

func (c *lineConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var result struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := c.call(ctx, methodListTools, nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *lineConn) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	var res CallResult
	err := c.call(ctx, methodCallTool, callParams{Name: name, Arguments: args}, &res)
	return res, err
}

func (c *lineConn) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *lineConn) Done() <-chan struct{} { return c.done }

func (c *lineConn) Diagnostic() string {
	c.mu.Lock()
	exitErr := c.exitErr
	c.mu.Unlock()
	return diagnostic(exitErr, c.stderr.String())
}

// Close shuts the process down: stdin is closed, then SIGTERM after grace,
// then kill after another grace.
func (c *lineConn) Close(grace time.Duration) error {
	c.closeOnce.Do(func() { _ = c.stdin.Close() })
	return terminate(c.cmd.Process, c.done, grace)
}

func terminate(proc *os.Process, done <-chan struct{}, grace time.Duration) error {
	if proc == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-done:
	case <-time.After(grace):
	}
	return nil
}

func diagnostic(exitErr error, stderr string) string {
	var parts []string
	if exitErr != nil {
		parts = append(parts, exitErr.Error())
	} else {
		parts = append(parts, "exited")
	}
	if s := strings.TrimSpace(stderr); s != "" {
		parts = append(parts, "stderr: "+s)
	}
	return strings.Join(parts, "; ")
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
