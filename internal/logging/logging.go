// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
)

func New(w io.Writer, level, format string) (*charmLog.Logger, error) {
	parsed, err := charmLog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse logging level %q: %w", level, err)
	}
	if w == nil {
		w = io.Discard
	}

	formatter := charmLog.TextFormatter
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
	case "logfmt":
		formatter = charmLog.LogfmtFormatter
	case "json":
		formatter = charmLog.JSONFormatter
	default:
		return nil, fmt.Errorf("unknown logging format %q", format)
	}

	return charmLog.NewWithOptions(w, charmLog.Options{
		Level:           parsed,
		Prefix:          "teamdesk",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

// Discard returns a logger that writes nowhere, for tests and tools.
func Discard() *charmLog.Logger {
	return charmLog.NewWithOptions(io.Discard, charmLog.Options{Level: charmLog.FatalLevel})
}
