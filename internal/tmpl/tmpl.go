// Package tmpl expands {{namespace.key}} placeholders in recipe strings.
// Supported namespaces: envelope, context, llm, filter, journal. There is no
// expression language: a placeholder either resolves to a string or becomes
// empty with a diagnostic, and the pipeline keeps going either way.
package tmpl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/knarrhq/thrall/internal/envelope"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([a-z]+)\.([^{}]+?)\s*\}\}`)
	journalLastRe = regexp.MustCompile(`^last\(pipeline='([^']*)'\)\.([A-Za-z0-9_]+)$`)
)

// JournalLookup resolves the read-only journal namespace:
// {{journal.last(pipeline='X').field}}.
type JournalLookup interface {
	LastField(pipeline, field string) (string, bool)
}

// Scope carries everything a placeholder may reference during one pipeline
// run. Nil maps and a nil Journal are fine; their keys just miss.
type Scope struct {
	Envelope *envelope.Envelope
	Context  map[string]string
	LLM      map[string]any
	Filter   map[string]string
	Journal  JournalLookup
}

// Resolve expands all placeholders in s. Missing keys resolve to the empty
// string; each miss adds one diagnostic line for the trace.
func Resolve(s string, scope *Scope) (string, []string) {
	var diags []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		ns, key := sub[1], strings.TrimSpace(sub[2])
		val, ok := lookup(ns, key, scope)
		if !ok {
			diags = append(diags, fmt.Sprintf("missing key %s.%s", ns, key))
			return ""
		}
		return val
	})
	return out, diags
}

func lookup(ns, key string, scope *Scope) (string, bool) {
	switch ns {
	case "envelope":
		if scope.Envelope == nil {
			return "", false
		}
		return scope.Envelope.Var(key)
	case "context":
		v, ok := scope.Context[key]
		return v, ok
	case "filter":
		v, ok := scope.Filter[key]
		return v, ok
	case "llm":
		v, ok := scope.LLM[key]
		if !ok {
			return "", false
		}
		return stringify(v), true
	case "journal":
		return journalLookup(key, scope.Journal)
	}
	return "", false
}

func journalLookup(key string, j JournalLookup) (string, bool) {
	if j == nil {
		return "", false
	}
	m := journalLastRe.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return j.LastField(m[1], m[2])
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without the point.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
