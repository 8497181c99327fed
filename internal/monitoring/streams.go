package monitoring

import (
	"io"
	"log"
	"sync"
)

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu          sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures all three logging streams at once.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	setStreams(w, log.LstdFlags|log.Lmicroseconds)
}

func setStreams(w LogWriters, flags int) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger("[uwb] ", w.Ops, flags)
	diagLogger = newLogger("[uwb] ", w.Diag, flags)
	traceLogger = newLogger("[uwb] ", w.Trace, flags)
}

func newLogger(prefix string, w io.Writer, flags int) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, flags)
}

// Opsf logs to the ops stream (I/O failures, dropped samples, aborted runs).
func Opsf(format string, args ...interface{}) {
	mu.RLock()
	l := opsLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream (estimates, calibration iterations).
func Diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diagLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream (per-frame and per-sample telemetry).
func Tracef(format string, args ...interface{}) {
	mu.RLock()
	l := traceLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
