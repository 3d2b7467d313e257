package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LogArgs can be embedded in a subcommand's go-arg struct to add the log level flag.
type LogArgs struct {
	LogLevel string `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

// Logger is a logrus logger. It satisfies logrus.FieldLogger so it can be handed to
// anything that only needs to write log lines.
type Logger struct {
	*logrus.Logger
}

// NewLogger returns a logger writing to stderr at the given level.
// An unknown level falls back to info.
func NewLogger(levelStr string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		l.Warnf("Unknown log level '%s', using info", levelStr)
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return &Logger{Logger: l}
}
