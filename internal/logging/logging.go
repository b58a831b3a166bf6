// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing to stderr and, when File is set, to a
// size-rotated file as well. An unknown level falls back to info and is
// reported once the logger is usable.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	switch strings.ToLower(opts.Format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	var out io.Writer = os.Stderr
	if opts.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	}
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		if opts.Level != "" {
			logger.WithError(err).Error("Invalid log level, using INFO")
		}
		return logger
	}
	logger.SetLevel(level)
	return logger
}
