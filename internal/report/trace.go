package report

import (
	"context"
	"sync"

	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
)

// DefaultTraceSize is the number of fixes a Trace keeps.
const DefaultTraceSize = 2000

// Trace keeps the most recent fixes for plotting. It is an EstimateSink and
// is safe to read while the pipeline publishes to it.
type Trace struct {
	mu    sync.Mutex
	buf   []pipeline.Fix
	start int
	n     int
}

// NewTrace returns a Trace holding at most size fixes.
func NewTrace(size int) *Trace {
	if size <= 0 {
		size = DefaultTraceSize
	}
	return &Trace{buf: make([]pipeline.Fix, size)}
}

// PublishFix appends f, evicting the oldest fix when full.
func (t *Trace) PublishFix(_ context.Context, f pipeline.Fix) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n < len(t.buf) {
		t.buf[(t.start+t.n)%len(t.buf)] = f
		t.n++
		return nil
	}
	t.buf[t.start] = f
	t.start = (t.start + 1) % len(t.buf)
	return nil
}

// Fixes returns the kept fixes, oldest first.
func (t *Trace) Fixes() []pipeline.Fix {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]pipeline.Fix, t.n)
	for i := range out {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}

// Len returns the number of kept fixes.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
