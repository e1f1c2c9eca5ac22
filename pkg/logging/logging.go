// Package logging builds the logrus logger shared by the projector, the
// loader and the HTTP server.
package logging

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Config controls log verbosity and an optional rotating log file.
type Config struct {
	// Debug enables debug level and human readable output
	Debug bool `yaml:"debug" toml:"debug"`

	// Logfile sends output to a rotating file instead of stdout
	Logfile string `yaml:"logfile" toml:"logfile"`

	// MaxSize is the size in megabytes at which the log file is rotated
	MaxSize int `yaml:"maxSize" toml:"max_log_size"`

	// MaxAge is the number of days rotated files are kept
	MaxAge int `yaml:"maxAge" toml:"max_log_age"`
}

// New returns a logger configured from c. Debug mode uses the text formatter
// with full timestamps; otherwise records are written as JSON.
func New(c Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(c.writer())

	if c.Debug {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if c.Logfile != "" {
		logger.WithField("logfile", c.Logfile).Info("Sending log messages to rotating file")
	}
	return logger
}

func (c Config) writer() io.Writer {
	if c.Logfile == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
