// Package terminal tracks the cumulative output of the wrapped program as a
// series of immutable snapshots and computes the changed region between
// consecutive snapshots.
package terminal

import (
	"strings"
	"time"
)

// RegionKind classifies a ChangeRegion.
type RegionKind string

const (
	// RegionInitial is the whole buffer, reported when there is no previous
	// snapshot to compare against.
	RegionInitial RegionKind = "initial"
	// RegionNewContent is everything from the first divergent line onward.
	RegionNewContent RegionKind = "new_content"
)

// Snapshot is the cumulative terminal buffer at a point in time. Immutable
// once created.
type Snapshot struct {
	Content   string          `json:"content"`
	LineCount int             `json:"line_count"`
	Cursor    *CursorPosition `json:"cursor_position,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type CursorPosition struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// ChangeRegion is the result of comparing two snapshots. It is never stored;
// it only exists as the return value of Diff.
type ChangeRegion struct {
	Kind              RegionKind `json:"type"`
	Content           string     `json:"content"`
	StartLine         int        `json:"start_line"`
	PreviousLineCount int        `json:"previous_line_count,omitempty"`
	NewLineCount      int        `json:"new_line_count,omitempty"`
}

// NewSnapshot builds a snapshot of the given buffer.
func NewSnapshot(content string) *Snapshot {
	lineCount := 0
	if content != "" {
		lineCount = strings.Count(content, "\n") + 1
	}
	return &Snapshot{
		Content:   content,
		LineCount: lineCount,
		Timestamp: time.Now(),
	}
}

// Diff compares the snapshot against a previous one and returns the changed
// regions. A nil previous snapshot yields a single initial region covering
// everything. Output is append-mostly, so we only look for the first line
// where the two buffers diverge instead of computing a full line diff.
// Diffing a snapshot against itself yields nothing.
func (s *Snapshot) Diff(prev *Snapshot) []ChangeRegion {
	if prev == nil {
		return []ChangeRegion{{
			Kind:      RegionInitial,
			Content:   s.Content,
			StartLine: 0,
		}}
	}

	prevLines := strings.Split(prev.Content, "\n")
	currLines := strings.Split(s.Content, "\n")

	overlap := len(prevLines)
	if len(currLines) < overlap {
		overlap = len(currLines)
	}

	start := -1
	for i := 0; i < overlap; i++ {
		if prevLines[i] != currLines[i] {
			start = i
			break
		}
	}
	if start == -1 {
		if len(prevLines) == len(currLines) {
			// Identical buffers.
			return nil
		}
		start = overlap
	}
	if start >= len(currLines) {
		return nil
	}

	changed := strings.Join(currLines[start:], "\n")
	// The usual case is the new chunk extending the previous final line
	// (the buffer is cumulative). Report only the appended tail, not the
	// part of the line that was already there.
	if start == len(prevLines)-1 && strings.HasPrefix(currLines[start], prevLines[start]) {
		changed = changed[len(prevLines[start]):]
	}

	return []ChangeRegion{{
		Kind:              RegionNewContent,
		Content:           changed,
		StartLine:         start,
		PreviousLineCount: prev.LineCount,
		NewLineCount:      s.LineCount,
	}}
}
