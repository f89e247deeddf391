package builtin

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

// ReadFile returns a file's content, optionally a line range of it.
type ReadFile struct{ env *Env }

type readFileArgs struct {
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	NumLines  int    `json:"num_lines"`
}

func (t *ReadFile) Spec() tool.Spec {
	return tool.Spec{
		Name:        "read_file",
		Description: "Read a text file in the workspace. Use start_line and num_lines to read part of a large file.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"file_path":  tool.String("Path to the file, relative to the workspace root."),
			"start_line": tool.Integer("1-based line to start reading from."),
			"num_lines":  tool.Integer("Number of lines to read from start_line."),
		}, "file_path"),
		Capability: capability.FileRead,
	}
}

func (t *ReadFile) Execute(_ context.Context, call tool.Call) (*tool.Result, error) {
	var args readFileArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	path, err := t.env.Root.Resolve(args.FilePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err)
	}
	if info.IsDir() {
		return nil, fault.New(fault.ToolInvocationError, "%s is a directory", args.FilePath)
	}
	if limit := t.env.maxRead(); info.Size() > limit {
		return nil, fault.New(fault.ToolInvocationError, "file too large: %d bytes (max %d)", info.Size(), limit)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err)
	}
	if isBinary(data) {
		return nil, fault.New(fault.ToolInvocationError, "binary file: %s", args.FilePath)
	}

	content := string(data)
	total := countLines(content)
	if args.StartLine > 0 || args.NumLines > 0 {
		lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
		start := max(args.StartLine, 1) - 1
		if start >= len(lines) {
			return nil, fault.New(fault.ToolInvocationError, "start_line %d is past the end of the file (%d lines)", args.StartLine, total)
		}
		end := len(lines)
		if args.NumLines > 0 {
			end = min(start+args.NumLines, len(lines))
		}
		content = strings.Join(lines[start:end], "\n")
	}

	res := tool.OK(truncate(content, t.env.outputLimit()))
	res.Data = map[string]any{"path": t.env.Root.Rel(path), "size": info.Size(), "lines": total}
	return res, nil
}

const (
	listDefaultMaxEntries = 2000
	listHardMaxEntries    = 10000
	listDefaultMaxDepth   = 10
	listHardMaxDepth      = 50
)

// ListFiles lists a directory tree, skipping dependency and build folders.
type ListFiles struct{ env *Env }

type listFilesArgs struct {
	Directory  string `json:"directory"`
	Recursive  *bool  `json:"recursive"`
	MaxDepth   int    `json:"max_depth"`
	MaxEntries int    `json:"max_entries"`
}

// FileEntry is one listed path.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
	Depth int    `json:"depth"`
}

func (t *ListFiles) Spec() tool.Spec {
	return tool.Spec{
		Name:        "list_files",
		Description: "List files and directories. Version control, dependency and build folders are skipped.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"directory":   tool.String("Directory to list, relative to the workspace root. Defaults to the root."),
			"recursive":   tool.Boolean("Descend into subdirectories. Defaults to true."),
			"max_depth":   tool.Integer(fmt.Sprintf("Maximum depth when recursive (default %d).", listDefaultMaxDepth)),
			"max_entries": tool.Integer(fmt.Sprintf("Maximum entries to return (default %d).", listDefaultMaxEntries)),
		}),
		Capability: capability.FileRead,
	}
}

func (t *ListFiles) Execute(ctx context.Context, call tool.Call) (*tool.Result, error) {
	var args listFilesArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Directory == "" {
		args.Directory = "."
	}
	dir, err := t.env.Root.Resolve(args.Directory)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fault.New(fault.ToolInvocationError, "not a directory: %s", args.Directory)
	}
	recursive := args.Recursive == nil || *args.Recursive
	maxEntries := listDefaultMaxEntries
	if args.MaxEntries > 0 {
		maxEntries = min(args.MaxEntries, listHardMaxEntries)
	}
	maxDepth := listDefaultMaxDepth
	if args.MaxDepth > 0 {
		maxDepth = min(args.MaxDepth, listHardMaxDepth)
	}

	l := &lister{base: dir, recursive: recursive, maxDepth: maxDepth, maxEntries: maxEntries}
	if err := l.walk(ctx, dir, 0); err != nil {
		return nil, err
	}

	var b strings.Builder
	var files, dirs int
	var size int64
	for _, e := range l.entries {
		b.WriteString(strings.Repeat("  ", e.Depth))
		if e.IsDir {
			dirs++
			fmt.Fprintf(&b, "%s/\n", filepath.Base(e.Path))
			continue
		}
		files++
		size += e.Size
		fmt.Fprintf(&b, "%s (%d bytes)\n", filepath.Base(e.Path), e.Size)
	}
	fmt.Fprintf(&b, "\n%d files, %d directories, %d bytes", files, dirs, size)
	if l.truncated {
		fmt.Fprintf(&b, " (truncated at %d entries)", maxEntries)
	}

	res := tool.OK(truncate(b.String(), t.env.outputLimit()))
	res.Data = map[string]any{"entries": l.entries, "truncated": l.truncated}
	return res, nil
}

type lister struct {
	base       string
	recursive  bool
	maxDepth   int
	maxEntries int
	entries    []FileEntry
	truncated  bool
}

func (l *lister) walk(ctx context.Context, dir string, depth int) error {
	if depth > l.maxDepth {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.Cancelled, err)
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		if depth == 0 {
			return fault.Wrap(fault.ToolInvocationError, err)
		}
		return nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })
	for _, item := range items {
		if len(l.entries) >= l.maxEntries {
			l.truncated = true
			return nil
		}
		if ignored(item.Name()) {
			continue
		}
		full := filepath.Join(dir, item.Name())
		rel, _ := filepath.Rel(l.base, full)
		entry := FileEntry{Path: filepath.ToSlash(rel), IsDir: item.IsDir(), Depth: depth}
		if !item.IsDir() {
			if info, err := item.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		l.entries = append(l.entries, entry)
		if item.IsDir() && l.recursive {
			if err := l.walk(ctx, full, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

const (
	grepDefaultMaxMatches = 100
	grepHardMaxMatches    = 200
	grepMaxPerFile        = 10
	grepMaxLineLength     = 512
	grepMaxFileSize       = 5 << 20
	grepMaxDepth          = 10
)

// Grep searches file contents with a regular expression. Invalid
// expressions are searched for literally.
type Grep struct{ env *Env }

type grepArgs struct {
	Pattern    string `json:"pattern"`
	Directory  string `json:"directory"`
	MaxResults int    `json:"max_results"`
	IgnoreCase bool   `json:"ignore_case"`
}

// GrepMatch is one matching line.
type GrepMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

func (t *Grep) Spec() tool.Spec {
	return tool.Spec{
		Name:        "grep",
		Description: "Recursively search file contents for a regular expression. Prefix the pattern with \"-i \" or set ignore_case for case-insensitive search.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"pattern":     tool.String("Regular expression to search for."),
			"directory":   tool.String("Directory to search, relative to the workspace root. Defaults to the root."),
			"max_results": tool.Integer(fmt.Sprintf("Maximum matches to return (default %d, max %d).", grepDefaultMaxMatches, grepHardMaxMatches)),
			"ignore_case": tool.Boolean("Case-insensitive search."),
		}, "pattern"),
		Capability: capability.FileRead,
	}
}

func (t *Grep) Execute(ctx context.Context, call tool.Call) (*tool.Result, error) {
	var args grepArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	re, err := compilePattern(args.Pattern, args.IgnoreCase)
	if err != nil {
		return nil, err
	}
	if args.Directory == "" {
		args.Directory = "."
	}
	dir, err := t.env.Root.Resolve(args.Directory)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fault.New(fault.ToolInvocationError, "not a directory: %s", args.Directory)
	}
	limit := grepDefaultMaxMatches
	if args.MaxResults > 0 {
		limit = min(args.MaxResults, grepHardMaxMatches)
	}

	matches, err := search(ctx, dir, re, limit)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Content)
	}
	if len(matches) == 0 {
		b.WriteString("No matches found.")
	} else {
		fmt.Fprintf(&b, "\n%d matches", len(matches))
	}
	res := tool.OK(truncate(b.String(), t.env.outputLimit()))
	res.Data = matches
	return res, nil
}

func compilePattern(pattern string, ignoreCase bool) (*regexp.Regexp, error) {
	switch {
	case strings.HasPrefix(pattern, "--ignore-case "):
		pattern, ignoreCase = strings.TrimPrefix(pattern, "--ignore-case "), true
	case strings.HasPrefix(pattern, "-i "):
		pattern, ignoreCase = strings.TrimPrefix(pattern, "-i "), true
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fault.New(fault.ToolInvocationError, "pattern must not be empty")
	}
	prefix := ""
	if ignoreCase {
		prefix = "(?i)"
	}
	re, err := regexp.Compile(prefix + pattern)
	if err != nil {
		re = regexp.MustCompile(prefix + regexp.QuoteMeta(pattern))
	}
	return re, nil
}

func search(ctx context.Context, root string, re *regexp.Regexp, limit int) ([]GrepMatch, error) {
	var matches []GrepMatch
	errLimit := errors.New("limit reached")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fault.Wrap(fault.Cancelled, ctxErr)
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			if path != root && (ignored(d.Name()) || strings.Count(filepath.ToSlash(rel), "/") >= grepMaxDepth) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > grepMaxFileSize {
			return nil
		}
		found, err := searchFile(path, filepath.ToSlash(rel), re, limit-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}
	return matches, nil
}

func searchFile(path, rel string, re *regexp.Regexp, remaining int) ([]GrepMatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isBinary(data) {
		return nil, nil
	}
	var out []GrepMatch
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), grepMaxFileSize)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !re.MatchString(text) {
			continue
		}
		if len(text) > grepMaxLineLength {
			text = fmt.Sprintf("%s [...%d more chars]", text[:grepMaxLineLength], len(text)-grepMaxLineLength)
		}
		out = append(out, GrepMatch{Path: rel, Line: line, Content: text})
		if len(out) >= grepMaxPerFile || len(out) >= remaining {
			break
		}
	}
	return out, nil
}

// DeleteFile removes one file.
type DeleteFile struct{ env *Env }

func (t *DeleteFile) Spec() tool.Spec {
	return tool.Spec{
		Name:        "delete_file",
		Description: "Safely delete a single file from the workspace.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"file_path": tool.String("Path of the file to delete."),
		}, "file_path"),
		Capability: capability.FileWrite,
	}
}

func (t *DeleteFile) Execute(_ context.Context, call tool.Call) (*tool.Result, error) {
	var args struct {
		FilePath string `json:"file_path"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	path, err := t.env.Root.Resolve(args.FilePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.New(fault.ToolInvocationError, "file not found: %s", args.FilePath)
	}
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err)
	}
	if info.IsDir() {
		return nil, fault.New(fault.ToolInvocationError, "%s is a directory", args.FilePath)
	}
	if err := os.Remove(path); err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err)
	}
	t.env.Logger.Info().Str("path", t.env.Root.Rel(path)).Msg("file deleted")
	return tool.OK(fmt.Sprintf("Deleted %s", t.env.Root.Rel(path))), nil
}
