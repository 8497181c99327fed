package pipeline

import (
	"context"
	"time"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// LogProcessor writes every sample to the diag stream.
type LogProcessor struct {
	count uint64
}

// NewLogProcessor returns a LogProcessor.
func NewLogProcessor() *LogProcessor { return &LogProcessor{} }

func (l *LogProcessor) OnSample(s ranging.Sample) {
	l.count++
	monitoring.Diagf("[%d] %s distance=%.0fcm seq=%d", s.Channel, s.Anchor, s.Distance, s.Seq)
}

func (l *LogProcessor) Tick(context.Context, time.Time) error { return nil }

func (l *LogProcessor) Finalize(context.Context) error {
	monitoring.Diagf("logged %d samples", l.count)
	return nil
}

// Count returns the number of samples seen.
func (l *LogProcessor) Count() uint64 { return l.count }
