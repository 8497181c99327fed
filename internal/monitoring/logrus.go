package monitoring

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

type logrusWriter struct {
	logger *logrus.Logger
	level  logrus.Level
}

func (w logrusWriter) Write(p []byte) (int, error) {
	w.logger.Log(w.level, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// UseLogrus routes the ops, diag and trace streams into the standard logrus
// logger at warn, info and debug levels.
// level is parsed with logrus.ParseLevel ("debug", "info", ...).
func UseLogrus(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logger := logrus.StandardLogger()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		})
	}
	AttachLogrus(logger)
	return nil
}

// AttachLogrus routes the streams into logger without touching its level or
// formatter.
func AttachLogrus(logger *logrus.Logger) {
	setStreams(LogWriters{
		Ops:   logrusWriter{logger: logger, level: logrus.WarnLevel},
		Diag:  logrusWriter{logger: logger, level: logrus.InfoLevel},
		Trace: logrusWriter{logger: logger, level: logrus.DebugLevel},
	}, 0)
}
