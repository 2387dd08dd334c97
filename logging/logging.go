// Package logging configures the process-wide zerolog logger used by the
// binaries.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Format selects the log encoding.
type Format string

const (
	// FormatConsole is human-readable, coloured output for terminals.
	FormatConsole Format = "console"
	// FormatJSON is one compact JSON object per line.
	FormatJSON Format = "json"
	// FormatPrettyJSON indents each JSON object, for reading daemon logs by eye.
	FormatPrettyJSON Format = "pretty-json"
)

type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatConsole, nil
	case FormatConsole, FormatJSON, FormatPrettyJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown log format %q", s)
}

// Setup installs the global logger and returns it.
func Setup(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer
	switch opts.Format {
	case "", FormatConsole:
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	case FormatJSON:
		w = out
	case FormatPrettyJSON:
		w = NewPrettyJSONWriter(out)
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q", opts.Format)
	}

	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(w).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

// PrettyJSONWriter re-indents each JSON event it receives. zerolog issues one
// Write per event, so every call is a complete object.
type PrettyJSONWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func NewPrettyJSONWriter(w io.Writer) *PrettyJSONWriter {
	return &PrettyJSONWriter{w: w}
}

func (p *PrettyJSONWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Reset()
	if err := json.Indent(&p.buf, bytes.TrimSpace(b), "", "  "); err != nil {
		// Not JSON; pass it through rather than dropping the line.
		if _, werr := p.w.Write(b); werr != nil {
			return 0, werr
		}
		return len(b), nil
	}
	p.buf.WriteByte('\n')
	if _, err := p.w.Write(p.buf.Bytes()); err != nil {
		return 0, err
	}
	return len(b), nil
}
