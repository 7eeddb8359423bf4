package terminal

import "strings"

// History owns the cumulative output buffer and the ordered list of
// snapshots taken of it. It is not safe for concurrent use; the orchestrator
// serializes access.
type History struct {
	limit     int
	buffer    strings.Builder
	snapshots []*Snapshot
}

// NewHistory returns a history keeping at most limit snapshots. A limit of
// zero or less means unbounded.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Append concatenates a raw output chunk onto the buffer, snapshots the full
// buffer, records the snapshot, and returns it.
func (h *History) Append(chunk string) *Snapshot {
	h.buffer.WriteString(chunk)
	snap := NewSnapshot(h.buffer.String())
	h.snapshots = append(h.snapshots, snap)
	if h.limit > 0 && len(h.snapshots) > h.limit {
		// Only the most recent snapshot is ever diffed against, so dropping
		// the oldest loses nothing but diagnostics.
		h.snapshots = h.snapshots[len(h.snapshots)-h.limit:]
	}
	return snap
}

// Last returns the most recent snapshot, or nil if none have been taken.
func (h *History) Last() *Snapshot {
	if len(h.snapshots) == 0 {
		return nil
	}
	return h.snapshots[len(h.snapshots)-1]
}

// Len returns the number of retained snapshots.
func (h *History) Len() int {
	return len(h.snapshots)
}
