// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the logrus loggers used by the client, the CLI and
// the mock server.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultLevel is used when no level is configured.
const DefaultLevel = "info"

// Format selects the log line encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseLevel accepts logrus level names in any case, plus "warn" and
// "critical" as aliases.
func ParseLevel(level string) (logrus.Level, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return logrus.InfoLevel, nil
	case "critical":
		return logrus.FatalLevel, nil
	default:
		lvl, err := logrus.ParseLevel(l)
		if err != nil {
			return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		return lvl, nil
	}
}

// New returns a logger writing text lines with full timestamps to out
// (stderr when nil). An invalid level falls back to info.
func New(level string, out io.Writer) *logrus.Logger {
	return NewWithFormat(level, FormatText, out)
}

// NewWithFormat is New with an explicit line format.
func NewWithFormat(level string, format Format, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)

	switch format {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := ParseLevel(level)
	logger.SetLevel(lvl)
	if err != nil {
		logger.WithError(err).Warn("Falling back to info level")
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
