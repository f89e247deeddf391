package diff

import (
	"github.com/pmezard/go-difflib/difflib"
)

const noNewlineMarker = "\\ No newline at end of file\n"

// Generate renders a unified diff turning oldText into newText. Identical inputs
// produce an empty string. Pass "/dev/null" as a name for creations and
// deletions.
func Generate(oldName, newName, oldText, newText string) (string, error) {
	if oldText == newText {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        diffLines(oldText),
		B:        diffLines(newText),
		FromFile: headerName("a/", oldName),
		ToFile:   headerName("b/", newName),
		Context:  3,
	})
}

func headerName(prefix, name string) string {
	if name == devNull {
		return name
	}
	return prefix + name
}

// diffLines gives difflib newline-terminated lines; a missing final newline
// is carried by the marker so the two spellings never compare equal.
func diffLines(s string) []string {
	lines := splitLines(s)
	if n := len(lines); n > 0 && lines[n-1][len(lines[n-1])-1] != '\n' {
		lines[n-1] += "\n" + noNewlineMarker
	}
	return lines
}
