package ranging

// DefaultWindowSize is the number of samples kept per anchor when no size is
// configured.
const DefaultWindowSize = 5

// Window is a fixed-capacity FIFO of the most recent samples for one anchor.
// It is not safe for concurrent use; Store serialises access.
type Window struct {
	buf   []Sample
	start int
	n     int
}

// NewWindow returns an empty window holding at most capacity samples. A
// non-positive capacity falls back to DefaultWindowSize.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when the window is full.
func (w *Window) Push(s Sample) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = s
		w.n++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of samples currently held.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Latest returns the newest sample.
func (w *Window) Latest() (Sample, bool) {
	if w.n == 0 {
		return Sample{}, false
	}
	return w.buf[(w.start+w.n-1)%len(w.buf)], true
}

// Samples returns a copy of the held samples, oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Distances returns the held distances, oldest first.
func (w *Window) Distances() []float64 {
	out := make([]float64, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)].Distance
	}
	return out
}
