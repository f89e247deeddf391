package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stellarlinkco/clawcore/internal/fault"
)

const devNull = "/dev/null"

// Op is the role of one hunk line.
type Op byte

const (
	OpContext Op = ' '
	OpAdd     Op = '+'
	OpDelete  Op = '-'
)

// Line is one hunk body line. NoNewline marks the last line of a file that
// has no trailing newline.
type Line struct {
	Op        Op
	Text      string
	NoNewline bool
}

// Hunk is a contiguous change against one region of a file.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FilePatch is the ordered set of hunks against one file.
type FilePatch struct {
	OldPath  string
	NewPath  string
	IsNew    bool
	IsDelete bool
	Hunks    []Hunk
}

// Path is the file the patch targets.
func (p FilePatch) Path() string {
	if p.IsDelete || p.NewPath == "" {
		return p.OldPath
	}
	return p.NewPath
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// IsUnifiedDiff reports whether text looks like a unified diff.
func IsUnifiedDiff(text string) bool {
	return strings.Contains(text, "@@") && (strings.Contains(text, "---") || strings.Contains(text, "+++"))
}

// ParseUnified parses a unified diff covering one or more files. Hunks that
// appear before any file header are collected into a patch with empty paths.
func ParseUnified(text string) ([]FilePatch, error) {
	var (
		patches []FilePatch
		cur     *FilePatch
		hunk    *Hunk
		oldLeft int
		newLeft int
	)

	flushHunk := func() {
		if hunk != nil && cur != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil && (len(cur.Hunks) > 0 || cur.OldPath != "" || cur.NewPath != "") {
			patches = append(patches, *cur)
		}
		cur = nil
	}

	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	for i, raw := range lines {
		lineNo := i + 1
		inBody := hunk != nil && (oldLeft > 0 || newLeft > 0)

		if inBody {
			switch {
			case raw == "":
				hunk.Lines = append(hunk.Lines, Line{Op: OpContext})
				oldLeft--
				newLeft--
			case raw[0] == ' ':
				hunk.Lines = append(hunk.Lines, Line{Op: OpContext, Text: raw[1:]})
				oldLeft--
				newLeft--
			case raw[0] == '-':
				hunk.Lines = append(hunk.Lines, Line{Op: OpDelete, Text: raw[1:]})
				oldLeft--
			case raw[0] == '+':
				hunk.Lines = append(hunk.Lines, Line{Op: OpAdd, Text: raw[1:]})
				newLeft--
			case raw[0] == '\\':
				markNoNewline(hunk)
			default:
				// Some generators drop the space before context lines.
				hunk.Lines = append(hunk.Lines, Line{Op: OpContext, Text: raw})
				oldLeft--
				newLeft--
			}
			if oldLeft < 0 || newLeft < 0 {
				return nil, malformed("line %d: hunk longer than its header declares", lineNo)
			}
			continue
		}

		switch {
		case strings.HasPrefix(raw, `\`):
			markNoNewline(hunk)
		case strings.HasPrefix(raw, "--- "):
			flushFile()
			cur = &FilePatch{}
			cur.OldPath, cur.IsNew = parseHeaderPath(raw[4:])
		case strings.HasPrefix(raw, "+++ "):
			if cur == nil {
				cur = &FilePatch{}
			}
			flushHunk()
			cur.NewPath, cur.IsDelete = parseHeaderPath(raw[4:])
		case strings.HasPrefix(raw, "@@"):
			m := hunkHeader.FindStringSubmatch(raw)
			if m == nil {
				return nil, malformed("line %d: bad hunk header %q", lineNo, raw)
			}
			flushHunk()
			if cur == nil {
				cur = &FilePatch{}
			}
			h := Hunk{
				OldStart: atoi(m[1]),
				OldCount: countOrOne(m[2]),
				NewStart: atoi(m[3]),
				NewCount: countOrOne(m[4]),
			}
			hunk = &h
			oldLeft, newLeft = h.OldCount, h.NewCount
		default:
			// git extended headers, "diff --git", "index", prose: ignored.
		}
	}

	if hunk != nil && (oldLeft > 0 || newLeft > 0) {
		return nil, malformed("truncated hunk at -%d,%d", hunk.OldStart, hunk.OldCount)
	}
	flushFile()

	if len(patches) == 0 {
		return nil, malformed("no hunks found")
	}
	return patches, nil
}

func markNoNewline(h *Hunk) {
	if h == nil || len(h.Lines) == 0 {
		return
	}
	h.Lines[len(h.Lines)-1].NoNewline = true
}

// parseHeaderPath strips timestamps and a/ b/ prefixes. The bool reports
// /dev/null.
func parseHeaderPath(s string) (string, bool) {
	if idx := strings.IndexByte(s, '\t'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == devNull {
		return "", true
	}
	if strings.HasPrefix(s, "a/") || strings.HasPrefix(s, "b/") {
		s = s[2:]
	}
	return s, false
}

func countOrOne(s string) int {
	if s == "" {
		return 1
	}
	return atoi(s)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func malformed(format string, args ...any) error {
	return fault.New(fault.ToolInvocationError, "malformed diff: "+format, args...)
}

// String renders the hunk header, used in error messages.
func (h Hunk) String() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
}
