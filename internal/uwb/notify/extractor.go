// Package notify turns the raw text stream printed by a ranging device into
// complete session notifications and the distance reports they carry.
package notify

import (
	"bytes"
	"sync/atomic"
)

const (
	// StartMarker opens every ranging notification.
	StartMarker = "SESSION_INFO_NTF"
	// EndDelimiter closes a notification.
	EndDelimiter = "}"

	// DefaultMaxFrameSize bounds a partial frame. A marker with no closing
	// brace after this many bytes is treated as garbage and skipped.
	DefaultMaxFrameSize = 64 * 1024
)

// Notification is one complete frame, from the start marker up to and
// including the closing delimiter.
type Notification string

// Stats counts extractor activity. Fields are updated atomically and may be
// read while the extractor is in use.
type Stats struct {
	BytesIn   atomic.Uint64
	Frames    atomic.Uint64
	Discarded atomic.Uint64
}

// Extractor reassembles notifications from arbitrarily chunked input. It is
// not safe for concurrent Feed calls; each device channel owns one.
type Extractor struct {
	buf          []byte
	maxFrameSize int
	stats        Stats
}

// NewExtractor returns an Extractor with the default frame size cap.
func NewExtractor() *Extractor {
	return &Extractor{maxFrameSize: DefaultMaxFrameSize}
}

// SetMaxFrameSize overrides the partial frame cap. Values below the marker
// length are ignored.
func (e *Extractor) SetMaxFrameSize(n int) {
	if n > len(StartMarker) {
		e.maxFrameSize = n
	}
}

// Stats returns the live counters.
func (e *Extractor) Stats() *Stats { return &e.stats }

// Buffered returns the number of retained bytes awaiting more input.
func (e *Extractor) Buffered() int { return len(e.buf) }

// Feed appends p to the retained buffer and returns every notification that
// is now complete, in stream order. Splitting the same input into different
// chunks yields the same notifications.
func (e *Extractor) Feed(p []byte) []Notification {
	e.stats.BytesIn.Add(uint64(len(p)))
	e.buf = append(e.buf, p...)

	var out []Notification
	for {
		start := bytes.Index(e.buf, []byte(StartMarker))
		if start < 0 {
			e.keepTail()
			return out
		}
		if start > 0 {
			e.stats.Discarded.Add(uint64(start))
			e.buf = e.buf[start:]
		}

		end := bytes.Index(e.buf, []byte(EndDelimiter))
		if end >= 0 {
			end += len(EndDelimiter)
		}
		if e.oversized(end) {
			// drop the stale marker and rescan for a later one
			e.stats.Discarded.Add(uint64(len(StartMarker)))
			e.buf = e.buf[len(StartMarker):]
			continue
		}
		if end < 0 {
			e.compact()
			return out
		}

		out = append(out, Notification(e.buf[:end]))
		e.stats.Frames.Add(1)
		e.buf = e.buf[end:]
	}
}

// oversized reports whether the frame at the head of the buffer exceeds the
// cap. The same answer is given whether or not the closing brace has arrived,
// which keeps extraction independent of chunking.
func (e *Extractor) oversized(end int) bool {
	if e.maxFrameSize <= 0 {
		return false
	}
	if end < 0 {
		return len(e.buf) > e.maxFrameSize
	}
	return end > e.maxFrameSize
}

// keepTail retains only the bytes that could still be the start of a marker.
func (e *Extractor) keepTail() {
	keep := len(StartMarker) - 1
	if len(e.buf) <= keep {
		e.compact()
		return
	}
	e.stats.Discarded.Add(uint64(len(e.buf) - keep))
	e.buf = e.buf[len(e.buf)-keep:]
	e.compact()
}

// compact copies the retained bytes to a fresh slice so the consumed prefix
// can be collected.
func (e *Extractor) compact() {
	if cap(e.buf) > 4*len(e.buf)+256 {
		e.buf = append([]byte(nil), e.buf...)
	}
}

// Reset drops any partial frame.
func (e *Extractor) Reset() {
	e.buf = nil
}
