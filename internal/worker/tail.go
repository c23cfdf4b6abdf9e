package worker

import (
	"strings"
	"sync"
)

// tailBuffer retains the most recent lines written to it. The stderr drain
// goroutine appends while callers read, so access is guarded by its own lock
// rather than the pool's.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 20
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
