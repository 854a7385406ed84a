// Package eventlog writes the operator-facing event log: one line per
// notable action, grep-friendly, safe to tail. Lines never carry raw sender
// ids or unfiltered text: the prefix slot holds a validated hex prefix or a
// dash, and CR/LF are stripped so a hostile body cannot forge log lines.
package eventlog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/envelope"
)

const (
	timestampFormat = "2006-01-02 15:04:05"
	maxDetail       = 500
)

// Writer appends formatted lines to the event log file. Failures to write
// are swallowed: the event log is best-effort and must never take down a
// pipeline run.
type Writer struct {
	path string
	log  zerolog.Logger
}

// New creates a Writer for the given file path. Lines are mirrored to the
// process logger at debug level.
func New(path string, log zerolog.Logger) *Writer {
	return &Writer{path: path, log: log}
}

// Append writes one event line: "2026-02-10 12:00:00 [ACTION] <prefix> detail".
// The prefix slot gets a dash unless prefix is a validated 16-hex string.
func (w *Writer) Append(action, prefix, detail string) {
	tag := "-"
	if envelope.ValidPrefix(prefix) {
		tag = prefix
	}
	detail = strings.ReplaceAll(detail, "\n", " ")
	detail = strings.ReplaceAll(detail, "\r", "")
	if len(detail) > maxDetail {
		detail = detail[:maxDetail]
	}
	ts := time.Now().UTC().Format(timestampFormat)
	line := fmt.Sprintf("%s [%s] %s %s\n", ts, action, tag, detail)

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		w.log.Debug().Err(err).Msg("event log open failed")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		w.log.Debug().Err(err).Msg("event log write failed")
	}
	w.log.Debug().Str("action", action).Str("node", tag).Msg(detail)
}
