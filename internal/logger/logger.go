package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Production emits JSON; everything else
// gets human readable text with full timestamps.
func New(env, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	switch env {
	case "production":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
