// Package builtin provides the tools every agent starts with: file reading
// and search, structured editing, unified diffs, shell commands and a
// reasoning channel.
package builtin

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/clawcore/internal/diff"
	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/shell"
	"github.com/stellarlinkco/clawcore/internal/tool"
	"github.com/stellarlinkco/clawcore/internal/workspace"
)

const (
	DefaultMaxReadBytes = 10 << 20
	DefaultOutputLimit  = 64 << 10
)

// Env holds what the built-in tools operate on.
type Env struct {
	Root  *workspace.Root
	Diff  *diff.Engine
	Shell *shell.Executor

	MaxReadBytes int64
	OutputLimit  int
	Logger       zerolog.Logger
}

// NewEnv wires the default diff engine and shell executor for root.
func NewEnv(root *workspace.Root, logger zerolog.Logger) *Env {
	return &Env{
		Root:         root,
		Diff:         diff.NewEngine(root),
		Shell:        shell.New(shell.WithLogger(logger)),
		MaxReadBytes: DefaultMaxReadBytes,
		OutputLimit:  DefaultOutputLimit,
		Logger:       logger,
	}
}

// Tools returns every built-in tool bound to env.
func Tools(env *Env) []tool.Tool {
	return []tool.Tool{
		&ReadFile{env: env},
		&ListFiles{env: env},
		&Grep{env: env},
		&EditFile{env: env},
		&ApplyDiff{env: env},
		&DeleteFile{env: env},
		&RunShellCommand{env: env},
		&ShareReasoning{},
	}
}

// Register adds every built-in tool to reg.
func Register(reg *tool.Registry, env *Env) error {
	if env == nil || env.Root == nil {
		return errors.New("builtin: workspace root is required")
	}
	if env.Diff == nil {
		env.Diff = diff.NewEngine(env.Root)
	}
	if env.Shell == nil {
		env.Shell = shell.New(shell.WithLogger(env.Logger))
	}
	return reg.Register(Tools(env)...)
}

func (e *Env) outputLimit() int {
	if e.OutputLimit <= 0 {
		return DefaultOutputLimit
	}
	return e.OutputLimit
}

func (e *Env) maxRead() int64 {
	if e.MaxReadBytes <= 0 {
		return DefaultMaxReadBytes
	}
	return e.MaxReadBytes
}

// state reads path into the form the diff engine expects.
func state(path string) (diff.File, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return diff.File{}, nil
	}
	if err != nil {
		return diff.File{}, fault.Wrap(fault.ToolInvocationError, err)
	}
	if info.IsDir() {
		return diff.File{}, fault.New(fault.ToolInvocationError, "%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return diff.File{}, fault.Wrap(fault.ToolInvocationError, err)
	}
	return diff.File{Exists: true, Content: string(data)}, nil
}

// createTemp is replaced in tests to simulate a full disk.
var createTemp = os.CreateTemp

// staged is content written beside its target but not yet renamed over it.
type staged struct {
	path string
	tmp  string
}

// stage writes content to a temp file in path's directory, keeping the
// current file mode.
func stage(path, content string) (staged, error) {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return staged{}, fmt.Errorf("create parent: %w", err)
	}
	tmp, err := createTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return staged{}, fmt.Errorf("create temp: %w", err)
	}
	st := staged{path: path, tmp: tmp.Name()}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		st.discard()
		return staged{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		st.discard()
		return staged{}, fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(st.tmp, mode); err != nil {
		st.discard()
		return staged{}, fmt.Errorf("chmod %s: %w", path, err)
	}
	return st, nil
}

func (s staged) commit() error {
	if err := os.Rename(s.tmp, s.path); err != nil {
		s.discard()
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	return nil
}

func (s staged) discard() {
	_ = os.Remove(s.tmp)
}

// persist writes content through a temp file and rename so readers never
// observe a half-written file.
func persist(path, content string) error {
	st, err := stage(path, content)
	if err != nil {
		return err
	}
	return st.commit()
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-cut)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

var ignoredNames = map[string]struct{}{
	".git": {}, ".svn": {}, ".hg": {},
	"node_modules": {}, "vendor": {}, ".venv": {}, "venv": {}, "__pycache__": {},
	"target": {}, "dist": {}, "build": {}, ".next": {}, ".nuxt": {},
	".idea": {}, ".vscode": {},
	".cache": {}, ".pytest_cache": {}, ".mypy_cache": {},
	".npm": {}, ".yarn": {}, ".pnpm-store": {},
}

func ignored(name string) bool {
	_, ok := ignoredNames[strings.ToLower(name)]
	return ok
}

func isBinary(data []byte) bool {
	if len(data) > 8000 {
		data = data[:8000]
	}
	return bytes.IndexByte(data, 0) >= 0
}
