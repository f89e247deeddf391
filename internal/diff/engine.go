// Package diff applies structured edits and unified diffs to file content.
//
// The engine never touches the disk: callers pass the current state of the
// target as a File and persist the returned content themselves.
package diff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/clawcore/internal/fault"
)

var (
	ErrNoMatch          = errors.New("no match")
	ErrAmbiguousMatch   = errors.New("ambiguous match")
	ErrAlreadyExists    = errors.New("file already exists")
	ErrNotFound         = errors.New("file does not exist")
	ErrPatchDidNotApply = errors.New("patch did not apply")
)

// DefaultFuzz is how many lines away from its stated position a hunk may
// still be matched.
const DefaultFuzz = 3

// Resolver canonicalizes a path inside the working tree.
type Resolver interface {
	Resolve(path string) (string, error)
}

// File is the caller-supplied state of the target path.
type File struct {
	Exists  bool
	Content string
}

// Result is the complete new state for the caller to persist.
type Result struct {
	Path    string
	Content string
	Created bool
	Deleted bool
}

// Engine applies payloads. The zero value is not usable; call NewEngine.
type Engine struct {
	resolver Resolver
	fuzz     int
}

// Option configures an Engine.
type Option func(*Engine)

// WithFuzz sets the hunk offset tolerance. Negative values are treated as 0.
func WithFuzz(lines int) Option {
	return func(e *Engine) {
		if lines < 0 {
			lines = 0
		}
		e.fuzz = lines
	}
}

// NewEngine returns an engine that confines paths through r.
func NewEngine(r Resolver, opts ...Option) *Engine {
	e := &Engine{resolver: r, fuzz: DefaultFuzz}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Resolve canonicalizes path; escapes from the working tree are errors.
func (e *Engine) Resolve(path string) (string, error) {
	if e.resolver == nil {
		return "", errors.New("diff: no path resolver configured")
	}
	return e.resolver.Resolve(path)
}

// Apply runs one structured edit against file.
func (e *Engine) Apply(file File, p Payload) (*Result, error) {
	if p == nil {
		return nil, fault.New(fault.ToolInvocationError, "diff: nil payload")
	}
	path, err := e.Resolve(p.Target())
	if err != nil {
		return nil, err
	}

	switch v := p.(type) {
	case ContentPayload:
		if file.Exists && !v.Overwrite {
			return nil, conflict(fmt.Errorf("%w: %s", ErrAlreadyExists, path))
		}
		return &Result{Path: path, Content: v.Content, Created: !file.Exists}, nil

	case ReplacementsPayload:
		if !file.Exists {
			return nil, conflict(fmt.Errorf("%w: %s", ErrNotFound, path))
		}
		if len(v.Replacements) == 0 {
			return nil, fault.New(fault.ToolInvocationError, "no replacements given for %s", path)
		}
		content := file.Content
		for i, r := range v.Replacements {
			content, err = replaceOnce(content, r.Old, r.New)
			if err != nil {
				return nil, fmt.Errorf("replacement %d in %s: %w", i+1, path, err)
			}
		}
		return &Result{Path: path, Content: content}, nil

	case DeleteSnippetPayload:
		if !file.Exists {
			return nil, conflict(fmt.Errorf("%w: %s", ErrNotFound, path))
		}
		content, err := replaceOnce(file.Content, v.Snippet, "")
		if err != nil {
			return nil, fmt.Errorf("delete snippet in %s: %w", path, err)
		}
		return &Result{Path: path, Content: content}, nil
	}
	return nil, fault.New(fault.ToolInvocationError, "diff: unsupported payload %T", p)
}

// replaceOnce swaps the single occurrence of old. Zero or several
// occurrences are rejected rather than guessed at.
func replaceOnce(content, old, replacement string) (string, error) {
	if old == "" {
		return "", fault.New(fault.ToolInvocationError, "search text must not be empty")
	}
	switch n := strings.Count(content, old); {
	case n == 0:
		return "", conflict(fmt.Errorf("%w: text not found", ErrNoMatch))
	case n > 1:
		return "", conflict(fmt.Errorf("%w: text found %d times, it must be unique", ErrAmbiguousMatch, n))
	}
	return strings.Replace(content, old, replacement, 1), nil
}

func conflict(err error) error {
	return fault.Wrap(fault.DiffConflict, err)
}
