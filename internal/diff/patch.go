package diff

import (
	"fmt"
	"strings"
)

// HunkError names the first hunk that failed to apply.
type HunkError struct {
	Index  int
	Hunk   Hunk
	Reason string
}

func (e *HunkError) Error() string {
	return fmt.Sprintf("%s: hunk %d (%s): %s", ErrPatchDidNotApply, e.Index, e.Hunk, e.Reason)
}

func (e *HunkError) Unwrap() error { return ErrPatchDidNotApply }

// ApplyPatch applies every hunk of patch to file, or none of them.
func (e *Engine) ApplyPatch(file File, patch FilePatch) (*Result, error) {
	path, err := e.Resolve(patch.Path())
	if err != nil {
		return nil, err
	}
	if patch.IsNew && file.Exists && file.Content != "" {
		return nil, conflict(fmt.Errorf("%w: %s", ErrAlreadyExists, path))
	}
	if !patch.IsNew && !file.Exists {
		return nil, conflict(fmt.Errorf("%w: %s", ErrNotFound, path))
	}

	content, err := applyHunks(file.Content, patch.Hunks, e.fuzz)
	if err != nil {
		return nil, conflict(fmt.Errorf("%s: %w", path, err))
	}
	res := &Result{Path: path, Content: content, Created: patch.IsNew && !file.Exists}
	if patch.IsDelete {
		if content != "" {
			return nil, conflict(fmt.Errorf("%s: %w: delete patch leaves %d bytes behind", path, ErrPatchDidNotApply, len(content)))
		}
		res.Deleted = true
	}
	return res, nil
}

// applyHunks works on a private copy of the line slice, so a failing hunk
// leaves nothing half-applied.
func applyHunks(content string, hunks []Hunk, fuzz int) (string, error) {
	lines := splitLines(content)
	offset := 0

	for i, h := range hunks {
		// plan lists the new lines; src indexes want for context lines.
		type planned struct {
			src  int
			text string
		}
		var want []string
		var plan []planned
		for _, l := range h.Lines {
			text := l.Text
			if !l.NoNewline {
				text += "\n"
			}
			switch l.Op {
			case OpContext:
				plan = append(plan, planned{src: len(want), text: text})
				want = append(want, text)
			case OpDelete:
				want = append(want, text)
			case OpAdd:
				plan = append(plan, planned{src: -1, text: text})
			}
		}

		pos := h.OldStart - 1
		if h.OldCount == 0 {
			pos = h.OldStart
		}
		pos += offset

		at, exact, ok := locate(lines, want, pos, fuzz)
		if !ok {
			return "", &HunkError{
				Index:  i + 1,
				Hunk:   h,
				Reason: fmt.Sprintf("context does not match near line %d (tolerance %d lines)", pos+1, fuzz),
			}
		}

		// A whitespace-tolerant match keeps the file's own context lines.
		repl := make([]string, 0, len(plan))
		for _, p := range plan {
			if p.src >= 0 && !exact {
				repl = append(repl, terminatedLike(lines[at+p.src], p.text))
				continue
			}
			repl = append(repl, p.text)
		}

		next := make([]string, 0, len(lines)-len(want)+len(repl))
		next = append(next, lines[:at]...)
		next = append(next, repl...)
		next = append(next, lines[at+len(want):]...)
		lines = next

		offset += (at - pos) + len(repl) - len(want)
	}
	return strings.Join(lines, ""), nil
}

// locate finds want in lines at pos, then at pos-1, pos+1, ... up to fuzz
// lines away. Exact matches win; otherwise lines are compared with
// surrounding whitespace trimmed.
func locate(lines, want []string, pos, fuzz int) (at int, exact bool, ok bool) {
	for _, strict := range []bool{true, false} {
		if matchAt(lines, want, pos, strict) {
			return pos, strict, true
		}
		for d := 1; d <= fuzz; d++ {
			if matchAt(lines, want, pos-d, strict) {
				return pos - d, strict, true
			}
			if matchAt(lines, want, pos+d, strict) {
				return pos + d, strict, true
			}
		}
	}
	return 0, false, false
}

func matchAt(lines, want []string, at int, exact bool) bool {
	if at < 0 || at+len(want) > len(lines) {
		return false
	}
	last := len(lines) - 1
	for k, w := range want {
		got := lines[at+k]
		if got == w {
			continue
		}
		// The final line matches with or without its newline.
		if at+k == last && strings.TrimSuffix(got, "\n") == strings.TrimSuffix(w, "\n") {
			continue
		}
		if !exact && strings.TrimSpace(got) == strings.TrimSpace(w) {
			continue
		}
		return false
	}
	return true
}

// terminatedLike gives line the same trailing newline state as like.
func terminatedLike(line, like string) string {
	body := strings.TrimSuffix(line, "\n")
	if strings.HasSuffix(like, "\n") {
		return body + "\n"
	}
	return body
}

// splitLines keeps each line's terminator; only the last line may lack one.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
