package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stellarlinkco/clawcore/internal/capability"
	"github.com/stellarlinkco/clawcore/internal/diff"
	"github.com/stellarlinkco/clawcore/internal/fault"
	"github.com/stellarlinkco/clawcore/internal/tool"
)

// EditFile applies exactly one structured edit: full content, an ordered
// list of exact replacements, or removal of a snippet.
type EditFile struct{ env *Env }

type editFileArgs struct {
	FilePath      string             `json:"file_path"`
	Content       *string            `json:"content"`
	Overwrite     bool               `json:"overwrite"`
	Replacements  []diff.Replacement `json:"replacements"`
	DeleteSnippet *string            `json:"delete_snippet"`
}

func (t *EditFile) Spec() tool.Spec {
	replacement := tool.Object(map[string]*jsonschema.Schema{
		"old_text": tool.String("Exact text to find. Must occur exactly once."),
		"new_text": tool.String("Replacement text."),
	}, "old_text", "new_text")
	return tool.Spec{
		Name: "edit_file",
		Description: "Create or modify a file. Provide exactly one of: content (whole file), " +
			"replacements (ordered exact-match substitutions), or delete_snippet. " +
			"Text to replace or delete must appear exactly once in the file.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"file_path":      tool.String("Path to the file, relative to the workspace root."),
			"content":        tool.String("Full content for the file."),
			"overwrite":      tool.Boolean("Allow content to replace an existing file. Defaults to false."),
			"replacements":   tool.Array(replacement, "Substitutions applied in order, each against the result of the previous one."),
			"delete_snippet": tool.String("Exact text to remove."),
		}, "file_path"),
		Capability: capability.FileWrite,
	}
}

func (t *EditFile) Execute(_ context.Context, call tool.Call) (*tool.Result, error) {
	var args editFileArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	payload, err := args.payload()
	if err != nil {
		return nil, err
	}
	path, err := t.env.Diff.Resolve(args.FilePath)
	if err != nil {
		return nil, err
	}
	current, err := state(path)
	if err != nil {
		return nil, err
	}
	res, err := t.env.Diff.Apply(current, payload)
	if err != nil {
		return nil, err
	}
	if err := persist(res.Path, res.Content); err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err)
	}

	rel := t.env.Root.Rel(res.Path)
	patch, _ := diff.Generate(rel, rel, current.Content, res.Content)
	verb := "Updated"
	if res.Created {
		verb = "Created"
	}
	t.env.Logger.Info().Str("path", rel).Bool("created", res.Created).Msg("file edited")

	out := fmt.Sprintf("%s %s (%d lines, %d bytes)", verb, rel, countLines(res.Content), len(res.Content))
	if patch != "" {
		out += "\n\n" + patch
	}
	result := tool.OK(truncate(out, t.env.outputLimit()))
	result.Data = map[string]any{"path": rel, "created": res.Created, "diff": patch}
	return result, nil
}

func (a editFileArgs) payload() (diff.Payload, error) {
	var chosen []diff.Payload
	if a.Content != nil {
		chosen = append(chosen, diff.ContentPayload{Path: a.FilePath, Content: *a.Content, Overwrite: a.Overwrite})
	}
	if a.Replacements != nil {
		chosen = append(chosen, diff.ReplacementsPayload{Path: a.FilePath, Replacements: a.Replacements})
	}
	if a.DeleteSnippet != nil {
		chosen = append(chosen, diff.DeleteSnippetPayload{Path: a.FilePath, Snippet: *a.DeleteSnippet})
	}
	if len(chosen) != 1 {
		return nil, fault.New(fault.ToolInvocationError,
			"exactly one of content, replacements or delete_snippet is required, got %d", len(chosen))
	}
	return chosen[0], nil
}

// ApplyDiff applies a unified diff that may touch several files. Every file
// is validated and staged before any is replaced; a failing hunk or write
// leaves the tree untouched.
type ApplyDiff struct{ env *Env }

func (t *ApplyDiff) Spec() tool.Spec {
	return tool.Spec{
		Name: "apply_diff",
		Description: "Apply a unified diff (---/+++ headers and @@ hunks) to one or more files. " +
			"Use /dev/null to create or delete files. Nothing is written unless every hunk applies.",
		Schema: tool.Object(map[string]*jsonschema.Schema{
			"diff": tool.String("Unified diff text."),
		}, "diff"),
		Capability: capability.FileWrite,
	}
}

func (t *ApplyDiff) Execute(_ context.Context, call tool.Call) (*tool.Result, error) {
	var args struct {
		Diff string `json:"diff"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	patches, err := diff.ParseUnified(args.Diff)
	if err != nil {
		return nil, err
	}

	// Later patches to the same path see the result of earlier ones.
	pending := make(map[string]*diff.Result)
	var order []string
	for _, p := range patches {
		path, err := t.env.Diff.Resolve(p.Path())
		if err != nil {
			return nil, err
		}
		current, err := t.current(path, pending)
		if err != nil {
			return nil, err
		}
		res, err := t.env.Diff.ApplyPatch(current, p)
		if err != nil {
			return nil, err
		}
		if _, seen := pending[path]; !seen {
			order = append(order, path)
		}
		pending[path] = res
	}

	// Stage every new content first so a write failure leaves the tree as
	// it was. Only the final renames and removals can fail part way.
	writes := make(map[string]staged, len(order))
	abort := func(err error) (*tool.Result, error) {
		for _, w := range writes {
			w.discard()
		}
		return nil, fault.Wrap(fault.ToolInvocationError, err)
	}
	for _, path := range order {
		if pending[path].Deleted {
			continue
		}
		st, err := stage(path, pending[path].Content)
		if err != nil {
			return abort(err)
		}
		writes[path] = st
	}

	var b strings.Builder
	for _, path := range order {
		res := pending[path]
		rel := t.env.Root.Rel(path)
		if res.Deleted {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return abort(fmt.Errorf("delete %s: %w", rel, err))
			}
			fmt.Fprintf(&b, "deleted %s\n", rel)
			continue
		}
		err := writes[path].commit()
		delete(writes, path)
		if err != nil {
			return abort(err)
		}
		if res.Created {
			fmt.Fprintf(&b, "created %s\n", rel)
		} else {
			fmt.Fprintf(&b, "patched %s\n", rel)
		}
	}
	t.env.Logger.Info().Int("files", len(order)).Msg("diff applied")
	return tool.OK(fmt.Sprintf("Applied diff to %d file(s):\n%s", len(order), b.String())), nil
}

func (t *ApplyDiff) current(path string, pending map[string]*diff.Result) (diff.File, error) {
	if prev, ok := pending[path]; ok {
		return diff.File{Exists: !prev.Deleted, Content: prev.Content}, nil
	}
	return state(path)
}
