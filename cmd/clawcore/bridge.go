package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/clawcore/internal/bus"
	"github.com/stellarlinkco/clawcore/internal/engine"
)

const maxBridgeLine = 4 << 20

var errBusy = errors.New("a run is already in progress")

// bridgeRequest is one input line. Type is "prompt" (default) or "cancel".
type bridgeRequest struct {
	Type   string `json:"type,omitempty"`
	Prompt string `json:"prompt,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Reset  bool   `json:"reset,omitempty"`
}

// bridge runs one prompt at a time and writes every event as a JSON line.
// The conversation carries over between prompts to the same agent.
type bridge struct {
	app          *App
	defaultAgent string

	encMu sync.Mutex
	enc   *json.Encoder

	mu     sync.Mutex
	cancel context.CancelFunc
	agent  string
	conv   []engine.Message
	wg     sync.WaitGroup
}

func newBridge(app *App, w io.Writer, defaultAgent string) *bridge {
	return &bridge{app: app, defaultAgent: defaultAgent, enc: json.NewEncoder(w)}
}

func (b *bridge) emit(ev bus.Event) {
	b.encMu.Lock()
	defer b.encMu.Unlock()
	_ = b.enc.Encode(ev)
}

func (b *bridge) reject(format string, args ...any) {
	ev := bus.Event{Type: bus.Error, Message: fmt.Sprintf(format, args...)}
	ev.Stamp()
	b.emit(ev)
}

// serve reads requests until r ends, then waits for the in-flight run.
func (b *bridge) serve(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxBridgeLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var req bridgeRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			b.reject("invalid request: %v", err)
			continue
		}
		switch req.Type {
		case "cancel":
			b.cancelRun()
		case "", "prompt":
			if strings.TrimSpace(req.Prompt) == "" {
				b.reject("invalid request: empty prompt")
				continue
			}
			if err := b.start(ctx, req); err != nil {
				b.reject("%v", err)
			}
		default:
			b.reject("invalid request: unknown type %q", req.Type)
		}
	}
	b.wg.Wait()
	return sc.Err()
}

func (b *bridge) start(ctx context.Context, req bridgeRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return errBusy
	}
	name := req.Agent
	if name == "" {
		name = b.defaultAgent
	}
	def, err := b.app.Agent(name)
	if err != nil {
		return err
	}
	if req.Reset || def.Name != b.agent {
		b.conv = nil
	}
	b.agent = def.Name

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	conv := b.conv
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		out, err := b.app.Run(runCtx, def, conv, req.Prompt)
		cancel()
		b.mu.Lock()
		b.cancel = nil
		if err == nil {
			b.conv = out.Conversation
		}
		b.mu.Unlock()
		if err != nil {
			b.reject("%v", err)
		}
	}()
	return nil
}

func (b *bridge) cancelRun() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	return runBridgeWithOptions(AgentOptions{})
}

func runBridgeWithOptions(opts AgentOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, AppOptions{ClientFactory: opts.ClientFactory, Servers: true})
	if err != nil {
		return err
	}
	// Close drains the bus, so every event reaches stdout before returning.
	defer app.Close()

	stdin, stdout, _ := opts.streams()
	b := newBridge(app, stdout, agentFlag)
	app.bus.Subscribe("bridge", b.emit)
	return b.serve(ctx, stdin)
}
