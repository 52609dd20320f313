// Package agents supervises coding-agent subprocesses: spawning the CLI in a
// card's worktree, streaming and retaining its output, enforcing timeouts,
// running the verification gate, and pushing the result branch.
package agents

import (
	"sync"
)

// DefaultLogLines is the ring capacity for retained agent output.
const DefaultLogLines = 500

// RunLog is a fixed-capacity ring of output lines. Once full, each append
// evicts the oldest line.
type RunLog struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRunLog creates a ring holding up to capacity lines.
func NewRunLog(capacity int) *RunLog {
	if capacity <= 0 {
		capacity = DefaultLogLines
	}
	return &RunLog{lines: make([]string, capacity)}
}

// Append adds one line, evicting the oldest when full.
func (l *RunLog) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines[l.next] = line
	l.next = (l.next + 1) % len(l.lines)
	if l.next == 0 {
		l.full = true
	}
}

// Len returns the number of retained lines.
func (l *RunLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.lines)
	}
	return l.next
}

// Snapshot returns all retained lines, oldest first.
func (l *RunLog) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked(l.countLocked())
}

// Tail returns the most recent n lines, oldest first. n larger than the
// retained count returns everything.
func (l *RunLog) Tail(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.countLocked()
	if n > count {
		n = count
	}
	return l.copyLocked(n)
}

func (l *RunLog) countLocked() int {
	if l.full {
		return len(l.lines)
	}
	return l.next
}

// copyLocked returns the last n retained lines in order.
func (l *RunLog) copyLocked(n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	start := l.next - n
	if start < 0 {
		start += len(l.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, l.lines[(start+i)%len(l.lines)])
	}
	return out
}
