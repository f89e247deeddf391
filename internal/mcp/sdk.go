package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const clientName = "clawcore"

// ClientVersion is reported to Model Context Protocol servers.
var ClientVersion = "dev"

// sdkConn talks to a server that speaks the Model Context Protocol over
// stdio, through the official SDK.
type sdkConn struct {
	name    string
	cmd     *exec.Cmd
	session *mcpsdk.ClientSession
	stderr  *tailBuffer
	cancel  context.CancelFunc

	mu      sync.Mutex
	exitErr error
	done    chan struct{}
}

func dialSDK(ctx context.Context, name string, cfg ServerConfig) (*sdkConn, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...) // #nosec G204
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	stderr := newTailBuffer(stderrTail)
	cmd.Stderr = stderr

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: ClientVersion}, nil)

	// The session must outlive ctx, which only bounds the handshake.
	dialCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	session, err := client.Connect(dialCtx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	stop()
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connect %s: %w", name, ctxErr)
		}
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}

	c := &sdkConn{
		name:    name,
		cmd:     cmd,
		session: session,
		stderr:  stderr,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		err := session.Wait()
		c.mu.Lock()
		c.exitErr = err
		c.mu.Unlock()
		close(c.done)
	}()
	return c, nil
}

func (c *sdkConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var out []ToolInfo
	for t, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, c.wrap(err)
		}
		if t == nil {
			continue
		}
		info := ToolInfo{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			raw, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("%w: schema of %s: %v", ErrMalformedResponse, t.Name, err)
			}
			info.InputSchema = raw
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *sdkConn) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	arguments := map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return CallResult{}, fmt.Errorf("arguments for %s: %w", name, err)
		}
	}
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return CallResult{}, c.wrap(err)
	}
	if res == nil {
		return CallResult{}, fmt.Errorf("%w: empty result for %s", ErrMalformedResponse, name)
	}
	parts := make([]string, 0, len(res.Content))
	for _, content := range res.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
			continue
		}
		raw, err := json.Marshal(content)
		if err != nil {
			continue
		}
		parts = append(parts, string(raw))
	}
	return CallResult{Content: strings.Join(parts, "\n"), IsError: res.IsError}, nil
}

// wrap marks errors seen after the process exited as unavailability.
func (c *sdkConn) wrap(err error) error {
	select {
	case <-c.done:
		return unavailable("%s: %v", c.name, err)
	default:
		return err
	}
}

func (c *sdkConn) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *sdkConn) Done() <-chan struct{} { return c.done }

func (c *sdkConn) Diagnostic() string {
	c.mu.Lock()
	exitErr := c.exitErr
	c.mu.Unlock()
	return diagnostic(exitErr, c.stderr.String())
}

// Close ends the session; the transport closes stdin and terminates the
// process. A process still alive after grace is signalled directly.
func (c *sdkConn) Close(grace time.Duration) error {
	err := c.session.Close()
	c.cancel()
	if termErr := terminate(c.cmd.Process, c.done, grace); termErr != nil && err == nil {
		err = termErr
	}
	return err
}
