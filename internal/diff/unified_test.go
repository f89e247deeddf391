package diff

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

const sample = `diff --git a/main.go b/main.go
index 83db48f..bf269f4 100644
--- a/main.go	2024-01-01 10:00:00
+++ b/main.go	2024-01-02 10:00:00
@@ -1,3 +1,3 @@
 package main
-var x = 1
+var x = 2

@@ -8 +8,2 @@
 func main() {}
+// end
\ No newline at end of file
`

func TestParseUnified(t *testing.T) {
	patches, err := ParseUnified(sample)
	if err != nil {
		t.Fatalf("ParseUnified: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("patches = %d", len(patches))
	}
	p := patches[0]
	if p.OldPath != "main.go" || p.NewPath != "main.go" || p.Path() != "main.go" {
		t.Fatalf("paths = %q %q", p.OldPath, p.NewPath)
	}
	if len(p.Hunks) != 2 {
		t.Fatalf("hunks = %d", len(p.Hunks))
	}
	h := p.Hunks[1]
	if h.OldStart != 8 || h.OldCount != 1 || h.NewStart != 8 || h.NewCount != 2 {
		t.Fatalf("second hunk header = %s", h)
	}
	last := h.Lines[len(h.Lines)-1]
	if last.Op != OpAdd || last.Text != "// end" || !last.NoNewline {
		t.Fatalf("last line = %+v", last)
	}
	// The blank line in the first hunk is context.
	if got := p.Hunks[0].Lines[3]; got.Op != OpContext || got.Text != "" {
		t.Fatalf("blank context line = %+v", got)
	}
}

func TestParseUnifiedNewAndDeletedFiles(t *testing.T) {
	text := "--- /dev/null\n+++ b/new.txt\n@@ -0,0 +1,2 @@\n+a\n+b\n" +
		"--- a/old.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-gone\n"
	patches, err := ParseUnified(text)
	if err != nil {
		t.Fatalf("ParseUnified: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("patches = %d", len(patches))
	}
	if !patches[0].IsNew || patches[0].Path() != "new.txt" {
		t.Fatalf("first patch = %+v", patches[0])
	}
	if !patches[1].IsDelete || patches[1].Path() != "old.txt" {
		t.Fatalf("second patch = %+v", patches[1])
	}
}

func TestParseUnifiedMalformed(t *testing.T) {
	for name, text := range map[string]string{
		"no hunks":       "just prose\n",
		"bad header":     "--- a/x\n+++ b/x\n@@ nonsense @@\n",
		"truncated hunk": "--- a/x\n+++ b/x\n@@ -1,3 +1,3 @@\n a\n",
		"overlong hunk":  "--- a/x\n+++ b/x\n@@ -1,1 +1,2 @@\n-a\n b\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseUnified(text); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestApplyPatchAllOrNothing(t *testing.T) {
	e := newTestEngine()
	content := "a\nb\nc\nd\ne\nf\ng\nh\ni\nj\n"
	text := "--- a/f.txt\n+++ b/f.txt\n" +
		"@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n" +
		"@@ -8,3 +8,3 @@\n h\n-NOT THERE\n+X\n j\n"
	patches, err := ParseUnified(text)
	if err != nil {
		t.Fatalf("ParseUnified: %v", err)
	}

	res, err := e.ApplyPatch(File{Exists: true, Content: content}, patches[0])
	if res != nil {
		t.Fatalf("no result expected, got %+v", res)
	}
	var hunkErr *HunkError
	if !errors.As(err, &hunkErr) {
		t.Fatalf("expected HunkError, got %v", err)
	}
	if hunkErr.Index != 2 {
		t.Fatalf("failing hunk = %d, want 2", hunkErr.Index)
	}
	if !errors.Is(err, ErrPatchDidNotApply) {
		t.Fatal("HunkError should match ErrPatchDidNotApply")
	}
}

func TestApplyPatchWithinFuzz(t *testing.T) {
	e := newTestEngine()
	// Two extra lines at the top shift the target region.
	content := "x\ny\na\nb\nc\n"
	text := "--- a/f.txt\n+++ b/f.txt\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"
	patches, err := ParseUnified(text)
	if err != nil {
		t.Fatalf("ParseUnified: %v", err)
	}
	res, err := e.ApplyPatch(File{Exists: true, Content: content}, patches[0])
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if res.Content != "x\ny\na\nB\nc\n" {
		t.Fatalf("content = %q", res.Content)
	}

	strict := NewEngine(lexicalRoot("/work"), WithFuzz(0))
	if _, err := strict.ApplyPatch(File{Exists: true, Content: content}, patches[0]); !errors.Is(err, ErrPatchDidNotApply) {
		t.Fatalf("expected failure without fuzz, got %v", err)
	}
}

func TestApplyPatchToleratesWhitespaceInContext(t *testing.T) {
	e := newTestEngine()
	content := "  line 1  \nline 2\n  line 3  \n"
	patches, err := ParseUnified("--- a/f.txt\n+++ b/f.txt\n@@ -1,3 +1,3 @@\n line 1\n-line 2\n+line two\n line 3\n")
	if err != nil {
		t.Fatalf("ParseUnified: %v", err)
	}
	res, err := e.ApplyPatch(File{Exists: true, Content: content}, patches[0])
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if res.Content != "  line 1  \nline two\n  line 3  \n" {
		t.Fatalf("content = %q", res.Content)
	}

	// Different text is still a mismatch.
	patches, _ = ParseUnified("--- a/f.txt\n+++ b/f.txt\n@@ -1,3 +1,3 @@\n line one\n-line 2\n+x\n line 3\n")
	if _, err := e.ApplyPatch(File{Exists: true, Content: content}, patches[0]); !errors.Is(err, ErrPatchDidNotApply) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestParseUnifiedUnprefixedContext(t *testing.T) {
	patches, err := ParseUnified("--- a/f.txt\n+++ b/f.txt\n@@ -1,3 +1,3 @@\nctx\n-old\n+new\n end\n")
	if err != nil {
		t.Fatalf("ParseUnified: %v", err)
	}
	lines := patches[0].Hunks[0].Lines
	if len(lines) != 4 || lines[0].Op != OpContext || lines[0].Text != "ctx" {
		t.Fatalf("lines = %+v", lines)
	}
	res, err := newTestEngine().ApplyPatch(File{Exists: true, Content: "ctx\nold\nend\n"}, patches[0])
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if res.Content != "ctx\nnew\nend\n" {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestApplyPatchRequiresState(t *testing.T) {
	e := newTestEngine()
	create, _ := ParseUnified("--- /dev/null\n+++ b/n.txt\n@@ -0,0 +1 @@\n+hi\n")
	if _, err := e.ApplyPatch(File{Exists: true, Content: "already"}, create[0]); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	res, err := e.ApplyPatch(File{}, create[0])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.Created || res.Content != "hi\n" {
		t.Fatalf("create result = %+v", res)
	}

	edit, _ := ParseUnified("--- a/n.txt\n+++ b/n.txt\n@@ -1 +1 @@\n-hi\n+ho\n")
	if _, err := e.ApplyPatch(File{}, edit[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	long := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		long = append(long, fmt.Sprintf("line %d", i))
	}
	longOld := strings.Join(long, "\n") + "\n"
	long[5] = "changed 5"
	long[30] = "changed 30"
	long = append(long[:20], long[21:]...)
	longNew := strings.Join(long, "\n") + "\n"

	tests := []struct {
		name     string
		old, new string
	}{
		{"single change", "a\nb\nc\n", "a\nB\nc\n"},
		{"append", "a\n", "a\nb\nc\n"},
		{"from empty", "", "fresh\ncontent\n"},
		{"to empty", "some\nlines\n", ""},
		{"drop trailing newline", "a\nb\n", "a\nb"},
		{"add trailing newline", "a\nb", "a\nb\n"},
		{"no trailing newline both", "x\ny", "x\nz"},
		{"multiple hunks", longOld, longNew},
		{"blank lines", "a\n\n\nb\n", "a\n\nb\n\n"},
	}
	e := newTestEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := Generate("f.txt", "f.txt", tt.old, tt.new)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			patches, err := ParseUnified(text)
			if err != nil {
				t.Fatalf("ParseUnified: %v\n%s", err, text)
			}
			if len(patches) != 1 {
				t.Fatalf("patches = %d", len(patches))
			}
			res, err := e.ApplyPatch(File{Exists: true, Content: tt.old}, patches[0])
			if err != nil {
				t.Fatalf("ApplyPatch: %v\n%s", err, text)
			}
			if res.Content != tt.new {
				t.Fatalf("round trip = %q, want %q\n%s", res.Content, tt.new, text)
			}
		})
	}
}

func TestGenerateIdentical(t *testing.T) {
	text, err := Generate("f", "f", "same\n", "same\n")
	if err != nil || text != "" {
		t.Fatalf("Generate = %q, %v", text, err)
	}
}

func TestIsUnifiedDiff(t *testing.T) {
	if !IsUnifiedDiff(sample) {
		t.Fatal("sample should be detected")
	}
	if IsUnifiedDiff("plain text with @@ only") {
		t.Fatal("plain text should not be detected")
	}
}
