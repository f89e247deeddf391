package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/tool"
	"github.com/stellarlinkco/clawcore/internal/workspace"
)

func newRegistry(t *testing.T) (*tool.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	root, err := workspace.New(dir)
	require.NoError(t, err)
	reg := tool.NewRegistry()
	require.NoError(t, Register(reg, NewEnv(root, zerolog.Nop())))
	return reg, root.Dir()
}

func invoke(t *testing.T, reg *tool.Registry, name string, args any) *tool.Result {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return reg.Invoke(context.Background(), tool.Call{ID: "call-1", Name: name, Args: raw})
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	return string(data)
}

func TestRegisterAllBuiltins(t *testing.T) {
	reg, _ := newRegistry(t)
	var names []string
	for _, s := range reg.Specs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"apply_diff", "delete_file", "edit_file", "grep", "list_files",
		"read_file", "run_shell_command", "share_your_reasoning",
	}, names)

	_, spec, err := reg.Lookup("share_your_reasoning")
	require.NoError(t, err)
	assert.Empty(t, spec.Capability)

	_, spec, err = reg.Lookup("run_shell_command")
	require.NoError(t, err)
	assert.True(t, spec.Streaming)
	assert.True(t, spec.Interruptible)
}

func TestReadFile(t *testing.T) {
	reg, dir := newRegistry(t)
	writeFile(t, dir, "notes.txt", "one\ntwo\nthree\nfour\n")

	res := invoke(t, reg, "read_file", map[string]any{"file_path": "notes.txt"})
	require.False(t, res.IsError, res.Output)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", res.Output)

	res = invoke(t, reg, "read_file", map[string]any{"file_path": "notes.txt", "start_line": 2, "num_lines": 2})
	require.False(t, res.IsError, res.Output)
	assert.Equal(t, "two\nthree", res.Output)

	res = invoke(t, reg, "read_file", map[string]any{"file_path": "notes.txt", "start_line": 9})
	assert.True(t, res.IsError)

	res = invoke(t, reg, "read_file", map[string]any{"file_path": "../outside.txt"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.ToolInvocationError, res.Kind)

	res = invoke(t, reg, "read_file", map[string]any{"file_path": "missing.txt"})
	assert.True(t, res.IsError)
}

func TestListFilesSkipsIgnoredDirectories(t *testing.T) {
	reg, dir := newRegistry(t)
	writeFile(t, dir, "main.go", "package main\n")
	writeFile(t, dir, "pkg/util.go", "package pkg\n")
	writeFile(t, dir, ".git/config", "[core]\n")
	writeFile(t, dir, "node_modules/x/index.js", "x\n")

	res := invoke(t, reg, "list_files", map[string]any{})
	require.False(t, res.IsError, res.Output)
	assert.Contains(t, res.Output, "main.go")
	assert.Contains(t, res.Output, "util.go")
	assert.NotContains(t, res.Output, "config")
	assert.NotContains(t, res.Output, "index.js")

	res = invoke(t, reg, "list_files", map[string]any{"recursive": false})
	require.False(t, res.IsError, res.Output)
	assert.NotContains(t, res.Output, "util.go")

	res = invoke(t, reg, "list_files", map[string]any{"max_entries": 1})
	assert.Contains(t, res.Output, "truncated at 1 entries")
}

func TestGrep(t *testing.T) {
	reg, dir := newRegistry(t)
	writeFile(t, dir, "a.go", "func Alpha() {}\nfunc beta() {}\n")
	writeFile(t, dir, "sub/b.go", "// alpha helper\n")
	writeFile(t, dir, "vendor/c.go", "func Alpha() {}\n")

	res := invoke(t, reg, "grep", map[string]any{"pattern": "func [A-Z]"})
	require.False(t, res.IsError, res.Output)
	assert.Contains(t, res.Output, "a.go:1: func Alpha() {}")
	assert.NotContains(t, res.Output, "vendor")

	res = invoke(t, reg, "grep", map[string]any{"pattern": "-i alpha"})
	require.False(t, res.IsError, res.Output)
	assert.Contains(t, res.Output, "sub/b.go:1:")
	assert.Contains(t, res.Output, "a.go:1:")

	// Invalid expressions fall back to a literal search.
	writeFile(t, dir, "paren.txt", "call(x\n")
	res = invoke(t, reg, "grep", map[string]any{"pattern": "call(x"})
	require.False(t, res.IsError, res.Output)
	assert.Contains(t, res.Output, "paren.txt:1:")

	res = invoke(t, reg, "grep", map[string]any{"pattern": "-i  "})
	assert.True(t, res.IsError)
}

func TestEditFileVariants(t *testing.T) {
	reg, dir := newRegistry(t)

	res := invoke(t, reg, "edit_file", map[string]any{"file_path": "src/app.txt", "content": "alpha\nbeta\n"})
	require.False(t, res.IsError, res.Output)
	assert.Contains(t, res.Output, "Created src/app.txt")
	assert.Equal(t, "alpha\nbeta\n", readFile(t, dir, "src/app.txt"))

	res = invoke(t, reg, "edit_file", map[string]any{"file_path": "src/app.txt", "content": "x"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.DiffConflict, res.Kind)

	res = invoke(t, reg, "edit_file", map[string]any{
		"file_path": "src/app.txt",
		"replacements": []map[string]string{
			{"old_text": "alpha", "new_text": "gamma"},
			{"old_text": "gamma\nbeta", "new_text": "gamma\ndelta"},
		},
	})
	require.False(t, res.IsError, res.Output)
	assert.Equal(t, "gamma\ndelta\n", readFile(t, dir, "src/app.txt"))
	assert.Contains(t, res.Output, "-alpha")

	res = invoke(t, reg, "edit_file", map[string]any{"file_path": "src/app.txt", "delete_snippet": "delta\n"})
	require.False(t, res.IsError, res.Output)
	assert.Equal(t, "gamma\n", readFile(t, dir, "src/app.txt"))
}

func TestEditFileRejectsAmbiguityWithoutWriting(t *testing.T) {
	reg, dir := newRegistry(t)
	writeFile(t, dir, "dup.txt", "x = 1\nx = 1\n")

	res := invoke(t, reg, "edit_file", map[string]any{
		"file_path":    "dup.txt",
		"replacements": []map[string]string{{"old_text": "x = 1", "new_text": "x = 2"}},
	})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.DiffConflict, res.Kind)
	assert.Equal(t, "x = 1\nx = 1\n", readFile(t, dir, "dup.txt"))

	res = invoke(t, reg, "edit_file", map[string]any{"file_path": "dup.txt", "content": "a", "delete_snippet": "x"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.ToolInvocationError, res.Kind)
}

func TestApplyDiffIsAllOrNothingAcrossFiles(t *testing.T) {
	reg, dir := newRegistry(t)
	writeFile(t, dir, "a.txt", "one\ntwo\n")
	writeFile(t, dir, "b.txt", "red\nblue\n")

	bad := "--- a/a.txt\n+++ b/a.txt\n@@ -1,2 +1,2 @@\n one\n-two\n+TWO\n" +
		"--- a/b.txt\n+++ b/b.txt\n@@ -1,2 +1,2 @@\n red\n-green\n+GREEN\n"
	res := invoke(t, reg, "apply_diff", map[string]any{"diff": bad})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.DiffConflict, res.Kind)
	assert.Equal(t, "one\ntwo\n", readFile(t, dir, "a.txt"), "first file must not be written")

	good := "--- a/a.txt\n+++ b/a.txt\n@@ -1,2 +1,2 @@\n one\n-two\n+TWO\n" +
		"--- /dev/null\n+++ b/new.txt\n@@ -0,0 +1 @@\n+fresh\n" +
		"--- a/b.txt\n+++ /dev/null\n@@ -1,2 +0,0 @@\n-red\n-blue\n"
	res = invoke(t, reg, "apply_diff", map[string]any{"diff": good})
	require.False(t, res.IsError, res.Output)
	assert.Equal(t, "one\nTWO\n", readFile(t, dir, "a.txt"))
	assert.Equal(t, "fresh\n", readFile(t, dir, "new.txt"))
	_, err := os.Stat(filepath.Join(dir, "b.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyDiffWriteFailureLeavesTreeUntouched(t *testing.T) {
	reg, dir := newRegistry(t)
	writeFile(t, dir, "a.txt", "one\ntwo\n")
	writeFile(t, dir, "b.txt", "red\nblue\n")

	orig := createTemp
	t.Cleanup(func() { createTemp = orig })
	createTemp = func(d, pattern string) (*os.File, error) {
		if strings.HasPrefix(pattern, ".b.txt") {
			return nil, errors.New("no space left on device")
		}
		return orig(d, pattern)
	}

	diff := "--- a/a.txt\n+++ b/a.txt\n@@ -1,2 +1,2 @@\n one\n-two\n+TWO\n" +
		"--- a/b.txt\n+++ b/b.txt\n@@ -1,2 +1,2 @@\n red\n-blue\n+BLUE\n"
	res := invoke(t, reg, "apply_diff", map[string]any{"diff": diff})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.ToolInvocationError, res.Kind)
	assert.Contains(t, res.Output, "no space left")
	assert.Equal(t, "one\ntwo\n", readFile(t, dir, "a.txt"))
	assert.Equal(t, "red\nblue\n", readFile(t, dir, "b.txt"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "staged file %s left behind", e.Name())
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	out := truncate("héllo", 2)
	assert.True(t, strings.HasPrefix(out, "h\n"), out)
	assert.Contains(t, out, "truncated 5 bytes")
	assert.Equal(t, "abc", truncate("abc", 3))
}

func TestDeleteFile(t *testing.T) {
	reg, dir := newRegistry(t)
	writeFile(t, dir, "gone.txt", "bye\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "keep"), 0o755))

	res := invoke(t, reg, "delete_file", map[string]any{"file_path": "gone.txt"})
	require.False(t, res.IsError, res.Output)
	_, err := os.Stat(filepath.Join(dir, "gone.txt"))
	assert.True(t, os.IsNotExist(err))

	assert.True(t, invoke(t, reg, "delete_file", map[string]any{"file_path": "gone.txt"}).IsError)
	assert.True(t, invoke(t, reg, "delete_file", map[string]any{"file_path": "keep"}).IsError)
}

func TestRunShellCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	reg, dir := newRegistry(t)
	writeFile(t, dir, "sub/marker", "")

	var (
		mu     sync.Mutex
		chunks []string
	)
	raw, _ := json.Marshal(map[string]any{"command": "ls; echo done", "working_directory": "sub"})
	res := reg.Invoke(context.Background(), tool.Call{ID: "s1", Name: "run_shell_command", Args: raw, Emit: func(c string) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}})
	require.False(t, res.IsError, res.Output)
	assert.Contains(t, res.Output, "exit code: 0")
	assert.Contains(t, res.Output, "marker")
	mu.Lock()
	assert.Contains(t, strings.Join(chunks, ""), "done")
	mu.Unlock()

	res = invoke(t, reg, "run_shell_command", map[string]any{"command": "echo nope >&2; exit 4"})
	assert.False(t, res.IsError, "non-zero exit is informational")
	assert.Equal(t, fault.ShellNonZeroExit, res.Kind)
	assert.Contains(t, res.Output, "exit code: 4")
	assert.Contains(t, res.Output, "nope")

	res = invoke(t, reg, "run_shell_command", map[string]any{"command": "pwd", "working_directory": "../"})
	assert.True(t, res.IsError)
}

func TestRunShellCommandTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	reg, _ := newRegistry(t)
	res := invoke(t, reg, "run_shell_command", map[string]any{"command": "echo partial; sleep 5", "timeout_seconds": 1})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.ShellTimeout, res.Kind)
	assert.Contains(t, res.Output, "timed out")
	assert.Contains(t, res.Output, "partial")
}

func TestShareReasoning(t *testing.T) {
	reg, _ := newRegistry(t)
	res := invoke(t, reg, "share_your_reasoning", map[string]any{"reasoning": "look first", "next_steps": "read main.go"})
	require.False(t, res.IsError)
	assert.Equal(t, "Reasoning shared.", res.Output)
}
