package workflow

import (
	"bytes"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

type LineType string

const (
	LineAdded     LineType = "added"
	LineRemoved   LineType = "removed"
	LineUnchanged LineType = "unchanged"
)

type DiffLine struct {
	Type       LineType `json:"type"`
	Line       string   `json:"line"`
	LineNumber int      `json:"lineNumber"`
}

// Diff compares two blobs line by line at equal indexes. It is a positional
// diff, not a minimal edit script: a changed line is reported as removed
// followed by added, and an insertion shifts every later line into a change.
func Diff(oldContent, newContent string) []DiffLine {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")
	n := max(len(oldLines), len(newLines))

	out := make([]DiffLine, 0, n)
	for i := 0; i < n; i++ {
		lineNumber := i + 1
		switch {
		case i >= len(oldLines):
			out = append(out, DiffLine{Type: LineAdded, Line: newLines[i], LineNumber: lineNumber})
		case i >= len(newLines):
			out = append(out, DiffLine{Type: LineRemoved, Line: oldLines[i], LineNumber: lineNumber})
		case oldLines[i] != newLines[i]:
			out = append(out,
				DiffLine{Type: LineRemoved, Line: oldLines[i], LineNumber: lineNumber},
				DiffLine{Type: LineAdded, Line: newLines[i], LineNumber: lineNumber},
			)
		default:
			out = append(out, DiffLine{Type: LineUnchanged, Line: oldLines[i], LineNumber: lineNumber})
		}
	}
	return out
}

// ReviewDiff returns the pending edits of an entity under review, or nil when
// the raw content should be shown without diff markup.
func ReviewDiff(r *Review) []DiffLine {
	if r.Status != StatusReview || r.PreviousContent == "" {
		return nil
	}
	return Diff(r.PreviousContent, r.Content)
}

// HasChanges reports whether any line in the diff is added or removed.
func HasChanges(lines []DiffLine) bool {
	for _, line := range lines {
		if line.Type != LineUnchanged {
			return true
		}
	}
	return false
}

// UnifiedDiff renders positional diff lines as a single-hunk unified diff.
// It returns nil when nothing changed.
func UnifiedDiff(origName, newName string, lines []DiffLine) ([]byte, error) {
	if !HasChanges(lines) {
		return nil, nil
	}
	var body bytes.Buffer
	var origCount, newCount int32
	for _, line := range lines {
		switch line.Type {
		case LineAdded:
			body.WriteByte('+')
			newCount++
		case LineRemoved:
			body.WriteByte('-')
			origCount++
		default:
			body.WriteByte(' ')
			origCount++
			newCount++
		}
		body.WriteString(line.Line)
		body.WriteByte('\n')
	}

	hunk := &godiff.Hunk{
		OrigStartLine: startLine(origCount),
		OrigLines:     origCount,
		NewStartLine:  startLine(newCount),
		NewLines:      newCount,
		Body:          body.Bytes(),
	}
	out, err := godiff.PrintFileDiff(&godiff.FileDiff{
		OrigName: origName,
		NewName:  newName,
		Hunks:    []*godiff.Hunk{hunk},
	})
	if err != nil {
		return nil, fmt.Errorf("print unified diff: %w", err)
	}
	return out, nil
}

func startLine(count int32) int32 {
	if count == 0 {
		return 0
	}
	return 1
}
