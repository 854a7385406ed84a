// Package envelope defines the immutable record that enters the pipeline:
// one envelope per trigger event. Mail envelopes are normalized from whatever
// body shape the wire delivered (string, JSON object, bare JSON value) so that
// downstream stages only ever see a map body and a bounded text preview.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies the trigger that produced an envelope.
type Kind string

const (
	KindMail Kind = "on_mail"
	KindTick Kind = "on_tick"
)

// DefaultMaxBodyPreview bounds how much body text survives normalization.
const DefaultMaxBodyPreview = 2000

// ErrEmptyBody marks mail whose body reduces to whitespace. Such mail is
// ignored without a journal row.
var ErrEmptyBody = errors.New("empty body")

// Envelope is one trigger event. Fields are set once by a constructor and
// treated as read-only by every stage after the trigger.
type Envelope struct {
	Kind Kind `json:"kind"`

	FromNode    string         `json:"from_node,omitempty"`
	ToNode      string         `json:"to_node,omitempty"`
	MsgType     string         `json:"msg_type,omitempty"`
	BodyText    string         `json:"body_text,omitempty"`
	BodyJSON    map[string]any `json:"body_json,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	ReplyTo     string         `json:"reply_to,omitempty"`
	SidecarRefs []string       `json:"sidecar_refs,omitempty"`

	Tick      int64 `json:"tick,omitempty"`
	PeerCount int   `json:"peer_count,omitempty"`
	UptimeS   int64 `json:"uptime_s,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// NewMail builds a mail envelope from raw hook arguments. The body may be a
// JSON object, a bare JSON value, or plain text; each shape normalizes to a
// map plus a text preview capped at maxPreview bytes. A missing session id
// defaults to the auto-generated "resp:<prefix>" form, which the loop guard
// treats as sessionless.
func NewMail(msgType, fromNode, toNode, rawBody, sessionID string, maxPreview int, now time.Time) (*Envelope, error) {
	if maxPreview <= 0 {
		maxPreview = DefaultMaxBodyPreview
	}
	body := parseBody(rawBody)
	text := bodyText(body, maxPreview)
	if len(text) > maxPreview {
		text = text[:maxPreview]
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyBody
	}

	e := &Envelope{
		Kind:       KindMail,
		FromNode:   fromNode,
		ToNode:     toNode,
		MsgType:    msgType,
		BodyText:   text,
		BodyJSON:   body,
		SessionID:  sessionID,
		ReceivedAt: now.UTC(),
	}
	if e.MsgType == "" {
		e.MsgType = "text"
	}
	if id, ok := body["_handler_message_id"].(string); ok {
		e.MessageID = id
	}
	if rt, ok := body["reply_to"].(string); ok {
		e.ReplyTo = rt
	}
	if refs, ok := body["sidecar_refs"].([]any); ok {
		for _, r := range refs {
			if s, ok := r.(string); ok {
				e.SidecarRefs = append(e.SidecarRefs, s)
			}
		}
	}
	if e.SessionID == "" {
		e.SessionID = "resp:" + SanitizePrefix(fromNode)
	}
	return e, nil
}

// NewTick builds a periodic-tick envelope.
func NewTick(tick int64, peerCount int, uptimeS int64, now time.Time) *Envelope {
	return &Envelope{
		Kind:       KindTick,
		Tick:       tick,
		PeerCount:  peerCount,
		UptimeS:    uptimeS,
		ReceivedAt: now.UTC(),
	}
}

// parseBody accepts any wire shape and always yields a map.
func parseBody(raw string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{"content": raw}
	}
	switch t := v.(type) {
	case map[string]any:
		return t
	case nil:
		return map[string]any{}
	default:
		// Bare JSON value (list, number, bool): wrap it rather than trusting
		// the sender's shape.
		b, err := json.Marshal(t)
		if err != nil {
			return map[string]any{"content": fmt.Sprint(t)}
		}
		return map[string]any{"content": string(b)}
	}
}

// bodyText extracts the classification text: content, then text, then a JSON
// preview of at most ten keys with string values truncated before marshaling
// so oversized bodies never allocate past the preview bound.
func bodyText(body map[string]any, maxPreview int) string {
	if s, ok := body["content"].(string); ok && s != "" {
		return s
	}
	if s, ok := body["text"].(string); ok && s != "" {
		return s
	}

	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 10 {
		keys = keys[:10]
	}
	preview := make(map[string]any, len(keys))
	for _, k := range keys {
		v := body[k]
		if s, ok := v.(string); ok && len(s) > maxPreview {
			v = s[:maxPreview]
		}
		preview[k] = v
	}
	b, err := json.Marshal(preview)
	if err != nil {
		return ""
	}
	return string(b)
}

// Var resolves a template variable in the envelope namespace. The second
// return reports whether the key names a known field.
func (e *Envelope) Var(key string) (string, bool) {
	switch key {
	case "kind":
		return string(e.Kind), true
	case "from_node":
		return e.FromNode, true
	case "from_prefix":
		return SanitizePrefix(e.FromNode), true
	case "to_node":
		return e.ToNode, true
	case "msg_type":
		return e.MsgType, true
	case "body_text":
		return e.BodyText, true
	case "session_id":
		return e.SessionID, true
	case "message_id":
		return e.MessageID, true
	case "reply_to":
		return e.ReplyTo, true
	case "sidecar_refs":
		return strings.Join(e.SidecarRefs, ","), true
	case "tick":
		return fmt.Sprintf("%d", e.Tick), true
	case "peer_count":
		return fmt.Sprintf("%d", e.PeerCount), true
	case "uptime_s":
		return fmt.Sprintf("%d", e.UptimeS), true
	case "received_at":
		return e.ReceivedAt.Format(time.RFC3339), true
	}
	return "", false
}

// JSON renders the envelope for journaling.
func (e *Envelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(b)
}
