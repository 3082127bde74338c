package supervisor

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// stderrRing keeps only the last maxLines lines regardless of encoder
// verbosity (spec §4.3 step 8), so a runaway ffmpeg stderr stream never
// grows an in-memory buffer unbounded across an hours-long job.
type stderrRing struct {
	mu      sync.Mutex
	lines   []string
	maxLines int
}

func newStderrRing(maxLines int) *stderrRing {
	if maxLines <= 0 {
		maxLines = 500
	}
	return &stderrRing{maxLines: maxLines}
}

func (r *stderrRing) consume(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		r.add(scanner.Text())
	}
}

func (r *stderrRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if over := len(r.lines) - r.maxLines; over > 0 {
		r.lines = r.lines[over:]
	}
}

func (r *stderrRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}
