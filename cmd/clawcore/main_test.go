package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/clawcore/internal/bus"
	"github.com/stellarlinkco/clawcore/internal/config"
	"github.com/stellarlinkco/clawcore/internal/engine"
)

// fakeClient replays scripted turns; the last turn repeats. A blocking
// client waits for cancellation instead.
type fakeClient struct {
	mu    sync.Mutex
	turns [][]engine.Delta
	n     int
	block bool
}

func (f *fakeClient) Send(ctx context.Context, _ engine.Request, fn func(engine.Delta) error) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	i := f.n
	f.n++
	f.mu.Unlock()
	if i >= len(f.turns) {
		i = len(f.turns) - 1
	}
	for _, d := range f.turns[i] {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func factoryFor(c engine.ModelClient) ClientFactory {
	return func(context.Context, *config.Config, zerolog.Logger) (engine.ModelClient, error) {
		return c, nil
	}
}

func text(s string) engine.Delta {
	return engine.Delta{Kind: engine.DeltaText, Text: s}
}

// isolate gives the test its own HOME and workspace and resets flags.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	for _, key := range []string{"CLAWCORE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "CLAWCORE_MODEL", "CLAWCORE_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	t.Setenv("CLAWCORE_WORKSPACE", filepath.Join(tmpDir, "project"))
	t.Setenv("CLAWCORE_LOG_LEVEL", "disabled")

	saved := []string{messageFlag, agentFlag, workspaceFlag, metricsAddrFlag, logLevelFlag}
	savedAll := allAgentsFlag
	t.Cleanup(func() {
		messageFlag, agentFlag, workspaceFlag, metricsAddrFlag, logLevelFlag = saved[0], saved[1], saved[2], saved[3], saved[4]
		allAgentsFlag = savedAll
	})
	messageFlag, agentFlag = "", ""
	return tmpDir
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestInit(t *testing.T) {
	for _, name := range []string{"agent", "bridge", "agents", "mcp", "onboard", "status"} {
		if c, _, err := rootCmd.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, name := range []string{"list", "start", "stop", "restart"} {
		if c, _, err := rootCmd.Find([]string{"mcp", name}); err != nil || c.Name() != name {
			t.Errorf("command mcp %q not registered", name)
		}
	}
	if agentCmd.Flags().Lookup("message") == nil {
		t.Error("message flag should exist")
	}
	if agentCmd.Flags().Lookup("agent") == nil {
		t.Error("agent flag should exist")
	}
	if rootCmd.PersistentFlags().Lookup("metrics-addr") == nil {
		t.Error("metrics-addr flag should exist")
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "not set"},
		{"short", "set"},
		{"sk-ant-test-key-12345678", "sk-a...5678"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.in); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if providerDisplay("") != "anthropic (default)" {
		t.Error("empty provider should display the default")
	}
}

func TestWriteIfNotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	var out bytes.Buffer

	writeIfNotExists(&out, path, "first")
	writeIfNotExists(&out, path, "second")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q, want first", data)
	}
	if strings.Count(out.String(), "Created") != 1 {
		t.Errorf("expected one Created line, got %q", out.String())
	}
}

func TestRunOnboard(t *testing.T) {
	home := isolate(t)
	cmd, out := newTestCmd()

	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	for _, rel := range []string{
		".clawcore/config.json",
		".clawcore/mcp_servers.json",
		".clawcore/agents/reviewer.md",
		"project",
	} {
		if _, err := os.Stat(filepath.Join(home, rel)); err != nil {
			t.Errorf("%s was not created: %v", rel, err)
		}
	}
	if !strings.Contains(out.String(), "Created config") {
		t.Errorf("unexpected output: %s", out.String())
	}

	// The sample agent must load as a sub-agent.
	cmd, out = newTestCmd()
	allAgentsFlag = true
	if err := runAgents(cmd, nil); err != nil {
		t.Fatalf("runAgents error: %v", err)
	}
	if !strings.Contains(out.String(), "reviewer") {
		t.Errorf("sample agent missing from listing: %s", out.String())
	}

	cmd, out = newTestCmd()
	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("second runOnboard error: %v", err)
	}
	if !strings.Contains(out.String(), "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", out.String())
	}
}

func TestRunStatus(t *testing.T) {
	isolate(t)
	cmd, out := newTestCmd()

	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	for _, want := range []string{"Config:", "API Key: not set", "not found", "MCP servers: 0 configured", "Metrics: disabled", "Agents: 3 listed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in output: %s", want, out.String())
		}
	}
}

func TestRunStatus_WithAPIKey(t *testing.T) {
	isolate(t)
	t.Setenv("CLAWCORE_API_KEY", "sk-ant-test-key-12345678")
	cmd, out := newTestCmd()

	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(out.String(), "sk-a...") {
		t.Errorf("API key should be masked in output: %s", out.String())
	}
	if strings.Contains(out.String(), "test-key") {
		t.Errorf("API key leaked: %s", out.String())
	}
}

func TestRunAgents(t *testing.T) {
	isolate(t)
	cmd, out := newTestCmd()

	if err := runAgents(cmd, nil); err != nil {
		t.Fatalf("runAgents error: %v", err)
	}
	for _, want := range []string{"clawcore *", "explore", "planner", "builtin"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in output: %s", want, out.String())
		}
	}
}

func TestRunAgent_NoAPIKey(t *testing.T) {
	isolate(t)

	err := runAgent(&cobra.Command{}, nil)
	if err == nil {
		t.Fatal("expected error when API key is not set")
	}
	if !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("error should mention API key: %v", err)
	}
}

func TestRunAgent_SingleMessage(t *testing.T) {
	isolate(t)
	messageFlag = "hi"
	client := &fakeClient{turns: [][]engine.Delta{{text("hello "), text("world")}}}

	var stdout bytes.Buffer
	err := runAgentWithOptions(AgentOptions{ClientFactory: factoryFor(client), Stdout: &stdout})
	if err != nil {
		t.Fatalf("runAgentWithOptions error: %v", err)
	}
	if !strings.Contains(stdout.String(), "hello world") {
		t.Errorf("reply missing from output: %q", stdout.String())
	}
}

func TestRunAgent_ToolCall(t *testing.T) {
	home := isolate(t)
	project := filepath.Join(home, "project")
	if err := os.MkdirAll(project, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, "notes.txt"), []byte("remember"), 0644); err != nil {
		t.Fatal(err)
	}
	messageFlag = "read my notes"
	client := &fakeClient{turns: [][]engine.Delta{
		{{Kind: engine.DeltaToolCall, ToolCall: &engine.ToolCall{ID: "c1", Name: "read_file", Args: json.RawMessage(`{"file_path":"notes.txt"}`)}}},
		{text("they say remember")},
	}}

	var stdout bytes.Buffer
	err := runAgentWithOptions(AgentOptions{ClientFactory: factoryFor(client), Stdout: &stdout})
	if err != nil {
		t.Fatalf("runAgentWithOptions error: %v", err)
	}
	for _, want := range []string{"> read_file", "ok read_file", "they say remember"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("missing %q in output: %q", want, stdout.String())
		}
	}
}

func TestRunAgent_IterationLimitIsAnError(t *testing.T) {
	isolate(t)
	t.Setenv("CLAWCORE_MAX_ITERATIONS", "2")
	messageFlag = "loop"
	client := &fakeClient{turns: [][]engine.Delta{
		{{Kind: engine.DeltaToolCall, ToolCall: &engine.ToolCall{Name: "share_your_reasoning", Args: json.RawMessage(`{"reasoning":"again"}`)}}},
	}}

	var stdout bytes.Buffer
	err := runAgentWithOptions(AgentOptions{ClientFactory: factoryFor(client), Stdout: &stdout})
	if err == nil || !strings.Contains(err.Error(), "iteration_limit_reached") {
		t.Fatalf("expected iteration limit error, got %v", err)
	}
	if !strings.Contains(stdout.String(), "error [iteration_limit_reached]") {
		t.Errorf("error event not printed: %q", stdout.String())
	}
}

func TestRunAgent_SubAgentOnly(t *testing.T) {
	isolate(t)
	messageFlag = "hi"
	agentFlag = "explore"

	err := runAgentWithOptions(AgentOptions{ClientFactory: factoryFor(&fakeClient{turns: [][]engine.Delta{{text("x")}}})})
	if err == nil || !strings.Contains(err.Error(), "sub-agent") {
		t.Fatalf("expected sub-agent error, got %v", err)
	}
}

func TestRunAgent_REPL(t *testing.T) {
	isolate(t)
	client := &fakeClient{turns: [][]engine.Delta{{text("first")}, {text("second")}}}

	var stdout bytes.Buffer
	err := runAgentWithOptions(AgentOptions{
		ClientFactory: factoryFor(client),
		Stdin:         strings.NewReader("one\n\ntwo\n/reset\nexit\nignored\n"),
		Stdout:        &stdout,
	})
	if err != nil {
		t.Fatalf("runAgentWithOptions error: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"clawcore agent", "first", "second", "conversation cleared"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output: %q", want, out)
		}
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.n != 2 {
		t.Errorf("model called %d times, want 2", client.n)
	}
}

func readEvents(t *testing.T, data []byte) []bus.Event {
	t.Helper()
	var events []bus.Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var ev bus.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bridge wrote a non-JSON line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestBridge(t *testing.T) {
	isolate(t)
	client := &fakeClient{turns: [][]engine.Delta{{text("pong")}}}
	in := strings.Join([]string{
		`{"prompt":"ping"}`,
		`not json`,
		`{"type":"bogus"}`,
		`{"prompt":"  "}`,
		`{"prompt":"ping","agent":"nobody"}`,
	}, "\n")

	var stdout bytes.Buffer
	err := runBridgeWithOptions(AgentOptions{ClientFactory: factoryFor(client), Stdin: strings.NewReader(in), Stdout: &stdout})
	if err != nil {
		t.Fatalf("runBridgeWithOptions error: %v", err)
	}

	var complete, errorsSeen int
	var reply string
	for _, ev := range readEvents(t, stdout.Bytes()) {
		switch ev.Type {
		case bus.TextDelta:
			reply += ev.Text
		case bus.Complete:
			complete++
			if ev.Status != "done" {
				t.Errorf("complete status = %q", ev.Status)
			}
		case bus.Error:
			errorsSeen++
		}
	}
	if reply != "pong" {
		t.Errorf("reply = %q, want pong", reply)
	}
	if complete != 1 {
		t.Errorf("complete events = %d, want 1", complete)
	}
	// invalid json, unknown type, empty prompt; the unknown agent is either
	// rejected as busy or as unknown.
	if errorsSeen != 4 {
		t.Errorf("error events = %d, want 4", errorsSeen)
	}
}

func TestBridgeBusyAndCancel(t *testing.T) {
	isolate(t)
	in := strings.Join([]string{
		`{"prompt":"wait"}`,
		`{"prompt":"again"}`,
		`{"type":"cancel"}`,
	}, "\n")

	var stdout bytes.Buffer
	err := runBridgeWithOptions(AgentOptions{ClientFactory: factoryFor(&fakeClient{block: true}), Stdin: strings.NewReader(in), Stdout: &stdout})
	if err != nil {
		t.Fatalf("runBridgeWithOptions error: %v", err)
	}

	var busy bool
	var status string
	for _, ev := range readEvents(t, stdout.Bytes()) {
		if ev.Type == bus.Error && strings.Contains(ev.Message, errBusy.Error()) {
			busy = true
		}
		if ev.Type == bus.Complete {
			status = ev.Status
		}
	}
	if !busy {
		t.Error("second prompt should be rejected while a run is active")
	}
	if status != "cancelled" {
		t.Errorf("run status = %q, want cancelled", status)
	}
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.Handle(bus.Event{Type: bus.TextDelta, Text: "looking"})
	p.Handle(bus.Event{Type: bus.ToolCallStart, ToolName: "grep", Args: `{"pattern":"x"}`})
	p.Handle(bus.Event{Type: bus.ToolCallStart, ToolName: "read_file", Agent: "explore", Depth: 1})
	p.Handle(bus.Event{Type: bus.ToolCallEnd, ToolName: "read_file", Status: "error", Text: "no such file\nmore", Depth: 1})
	p.Handle(bus.Event{Type: bus.Complete, Agent: "explore", Status: "done", Depth: 1, RunID: "sub"})
	p.Handle(bus.Event{Type: bus.ToolCallEnd, ToolName: "grep", Status: "ok"})
	p.Handle(bus.Event{Type: bus.Error, Kind: "model_error", Message: "boom"})
	p.Handle(bus.Event{Type: bus.Complete, Status: "failed", RunID: "top"})

	p.Wait("top")

	out := buf.String()
	for _, want := range []string{
		"looking\n",
		`> grep {"pattern":"x"}`,
		"  > explore read_file",
		"x read_file no such file",
		"< explore done",
		"ok grep",
		"error [model_error]: boom",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "more") {
		t.Errorf("only the first line of a failure is shown:\n%s", out)
	}
}

func TestClipKeepsRunesWhole(t *testing.T) {
	if got := clip("日本語", 4); got != "日..." {
		t.Errorf("clip = %q", got)
	}
	if got := clip("  short  ", 10); got != "short" {
		t.Errorf("clip = %q", got)
	}
}

func TestMCPCommands(t *testing.T) {
	home := isolate(t)
	servers := `{"servers":{"broken":{"command":"/nonexistent/server","description":"never starts"}}}`
	dir := filepath.Join(home, ".clawcore")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mcp_servers.json"), []byte(servers), 0644); err != nil {
		t.Fatal(err)
	}

	cmd, out := newTestCmd()
	if err := runMCPList(cmd, nil); err != nil {
		t.Fatalf("runMCPList error: %v", err)
	}
	for _, want := range []string{"broken", "never starts", "stopped", "line"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in listing: %s", want, out.String())
		}
	}

	cmd, out = newTestCmd()
	if err := runMCPStart(cmd, []string{"broken"}); err == nil {
		t.Error("starting a missing binary should fail")
	}
	if !strings.Contains(out.String(), "broken: failed") {
		t.Errorf("status not printed: %s", out.String())
	}

	cmd, out = newTestCmd()
	if err := runMCPStop(cmd, []string{"broken"}); err != nil {
		t.Errorf("runMCPStop error: %v", err)
	}
	if !strings.Contains(out.String(), "broken: stopped") {
		t.Errorf("status not printed: %s", out.String())
	}

	cmd, _ = newTestCmd()
	if err := runMCPStart(cmd, []string{"ghost"}); err == nil {
		t.Error("unknown server should fail")
	}
}
