package session

import (
	"fmt"
	"strings"
)

// unifiedDiff renders a minimal unified-style diff between old and new
// file content. This is intentionally a plain line-level diff rather than
// a proper LCS/Myers implementation — no library in the reference corpus
// wires a diff algorithm, and the renderer only needs to give the commit
// summariser and getFileDiff/getCommitDiff callers something readable, not
// a minimal edit script.
func unifiedDiff(path, oldContent, newContent string) string {
	if oldContent == newContent {
		return fmt.Sprintf("--- %s\n+++ %s\n(no changes)\n", path, path)
	}

	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", path, path)

	common := 0
	for common < len(oldLines) && common < len(newLines) && oldLines[common] == newLines[common] {
		common++
	}
	endCommon := 0
	for endCommon < len(oldLines)-common && endCommon < len(newLines)-common &&
		oldLines[len(oldLines)-1-endCommon] == newLines[len(newLines)-1-endCommon] {
		endCommon++
	}

	for _, l := range oldLines[common : len(oldLines)-endCommon] {
		b.WriteString("-" + l + "\n")
	}
	for _, l := range newLines[common : len(newLines)-endCommon] {
		b.WriteString("+" + l + "\n")
	}
	return b.String()
}
