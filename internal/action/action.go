// Package action executes a recipe's step list. Steps run in order; any
// failure aborts the remaining steps and surfaces in the trace. In manual
// mode every step is rendered into the trace as would_execute and nothing
// external happens.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/compile"
	"github.com/knarrhq/thrall/internal/config"
	"github.com/knarrhq/thrall/internal/envelope"
	"github.com/knarrhq/thrall/internal/eventlog"
	"github.com/knarrhq/thrall/internal/host"
	"github.com/knarrhq/thrall/internal/store"
	"github.com/knarrhq/thrall/internal/tmpl"
)

const (
	// MaxTriggerDepth bounds trigger-step recursion.
	MaxTriggerDepth = 3

	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4096
)

// TriggerFunc re-enters the pipeline with a synthetic envelope.
type TriggerFunc func(ctx context.Context, e *envelope.Envelope, depth int) error

// Options wires an Executor.
type Options struct {
	Host    host.Context
	Store   *store.Store
	Events  *eventlog.Writer
	Buffers *compile.Manager
	Trigger TriggerFunc
	// RecordSend is called after a successful reply so the loop guard can
	// mark the peer solicited.
	RecordSend func(toNode, sessionID string)
	// Timeout bounds each outbound send or HTTP call. Zero means the
	// default 15 s.
	Timeout time.Duration
	Client  *http.Client
}

// Executor runs step lists. It holds no per-run state; config that changes
// on reload (the cockpit endpoint) arrives through Params.
type Executor struct {
	host       host.Context
	db         *store.Store
	events     *eventlog.Writer
	buffers    *compile.Manager
	trigger    TriggerFunc
	recordSend func(toNode, sessionID string)
	timeout    time.Duration
	client     *http.Client
	log        zerolog.Logger
}

func New(opts Options) *Executor {
	x := &Executor{
		host:       opts.Host,
		db:         opts.Store,
		events:     opts.Events,
		buffers:    opts.Buffers,
		trigger:    opts.Trigger,
		recordSend: opts.RecordSend,
		timeout:    opts.Timeout,
		client:     opts.Client,
	}
	if x.timeout <= 0 {
		x.timeout = defaultTimeout
	}
	if x.client == nil {
		x.client = &http.Client{}
	}
	if x.host != nil {
		x.log = x.host.Logger().With().Str("component", "action").Logger()
	}
	return x
}

// Params describes one action run.
type Params struct {
	Steps    []config.Step
	Scope    *tmpl.Scope
	Envelope *envelope.Envelope
	Mode     string
	Depth    int
	Cockpit  config.CockpitSpec
}

// Execute runs the steps and returns the trace. On step failure the trace
// holds everything up to and including the failed step.
func (x *Executor) Execute(ctx context.Context, p Params) ([]map[string]any, error) {
	trace := make([]map[string]any, 0, len(p.Steps))
	prefix := envelope.SanitizePrefix(p.Envelope.FromNode)
	for i, step := range p.Steps {
		entry := map[string]any{"step": step.Type}
		err := x.runStep(ctx, step, p, prefix, entry)
		trace = append(trace, entry)
		if err != nil {
			entry["error"] = err.Error()
			x.log.Warn().Err(err).Str("step", step.Type).Int("index", i).Msg("step failed")
			return trace, fmt.Errorf("step %d (%s): %w", i, step.Type, err)
		}
	}
	return trace, nil
}

func (x *Executor) runStep(ctx context.Context, step config.Step, p Params, prefix string, entry map[string]any) error {
	manual := p.Mode == config.ModeManual
	if manual {
		entry["would_execute"] = true
	}

	switch step.Type {
	case "log":
		msg := x.resolve(step.Message, p.Scope, entry)
		entry["message"] = msg
		if !manual {
			x.events.Append("LOG", prefix, msg)
		}
		return nil

	case "drop":
		return nil

	case "compile":
		text := x.resolve(step.Entry, p.Scope, entry)
		if text == "" {
			text = p.Envelope.BodyText
		}
		entry["buffer"] = step.Buffer
		if manual {
			return nil
		}
		flush, err := x.buffers.Append(step.Buffer, compile.Entry{From: prefix, Text: text})
		if err != nil {
			return err
		}
		if flush != nil {
			entry["flushed"] = true
			entry["artifact"] = flush.Path
			if flush.Summon {
				reason := fmt.Sprintf("buffer %s flushed (%s)", flush.Buffer, flush.Trigger)
				if flush.Keyword != "" {
					reason = fmt.Sprintf("buffer %s flushed (keyword %q)", flush.Buffer, flush.Keyword)
				}
				return x.sendSummon(ctx, reason, p.Envelope, map[string]any{"artifact": flush.Path})
			}
		}
		return nil

	case "summon", "wake":
		reason := x.resolve(step.Reason, p.Scope, entry)
		entry["reason"] = reason
		if manual {
			return nil
		}
		return x.sendSummon(ctx, reason, p.Envelope, nil)

	case "reply":
		body := x.resolve(step.Body, p.Scope, entry)
		msgType := step.MsgType
		if msgType == "" {
			msgType = "text"
		}
		entry["to"] = prefix
		if manual {
			entry["body"] = body
			return nil
		}
		sendCtx, cancel := context.WithTimeout(ctx, x.timeout)
		defer cancel()
		if err := x.host.SendMail(sendCtx, p.Envelope.FromNode, msgType, body, p.Envelope.SessionID, false); err != nil {
			return fmt.Errorf("reply: %w", err)
		}
		if x.recordSend != nil {
			x.recordSend(p.Envelope.FromNode, p.Envelope.SessionID)
		}
		return nil

	case "act":
		return x.runAct(ctx, step, p, prefix, entry)

	case "set_context":
		key := x.resolve(step.Key, p.Scope, entry)
		value := x.resolve(step.Value, p.Scope, entry)
		entry["key"] = key
		if manual {
			return nil
		}
		return x.db.SetContext(sessionOrDefault(p.Envelope), key, value, expiry(step.TTLSeconds))

	case "clear_context":
		if manual {
			return nil
		}
		return x.db.ClearContext(sessionOrDefault(p.Envelope))

	case "set_flag":
		key := x.resolve(step.Key, p.Scope, entry)
		value := x.resolve(step.Value, p.Scope, entry)
		if value == "" {
			value = "1"
		}
		entry["key"] = key
		if manual {
			return nil
		}
		return x.db.SetFlag(key, value, expiry(step.TTLSeconds))

	case "trigger":
		if p.Depth+1 > MaxTriggerDepth {
			return fmt.Errorf("trigger depth %d exceeds %d", p.Depth+1, MaxTriggerDepth)
		}
		body := x.resolve(step.Body, p.Scope, entry)
		entry["msg_type"] = step.MsgType
		entry["depth"] = p.Depth + 1
		if manual {
			return nil
		}
		synth, err := envelope.NewMail(step.MsgType, x.host.NodeID(), x.host.NodeID(), body, p.Envelope.SessionID, 0, time.Now())
		if err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
		return x.trigger(ctx, synth, p.Depth+1)

	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (x *Executor) runAct(ctx context.Context, step config.Step, p Params, prefix string, entry map[string]any) error {
	input := make(map[string]string, len(step.Input))
	for k, v := range step.Input {
		input[k] = x.resolve(v, p.Scope, entry)
	}
	entry["skill"] = step.Skill
	if p.Mode == config.ModeManual {
		entry["input"] = input
		return nil
	}
	if p.Cockpit.URL == "" {
		return fmt.Errorf("act %s: no cockpit url configured", step.Skill)
	}

	payload, err := json.Marshal(map[string]any{"skill": step.Skill, "input": input})
	if err != nil {
		return fmt.Errorf("act %s: %w", step.Skill, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.Cockpit.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("act %s: %w", step.Skill, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := x.cockpitToken(p.Cockpit); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return x.actFailed(step, prefix, entry, fmt.Errorf("act %s: %w", step.Skill, err))
	}
	defer resp.Body.Close()
	entry["status"] = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return x.actFailed(step, prefix, entry,
			fmt.Errorf("act %s: cockpit returned %d: %s", step.Skill, resp.StatusCode, truncate(string(body), 200)))
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
	return nil
}

// actFailed appends the failure to the step's error_buffer, when one is
// configured, before surfacing it.
func (x *Executor) actFailed(step config.Step, prefix string, entry map[string]any, err error) error {
	if step.ErrorBuffer != "" {
		entry["error_buffer"] = step.ErrorBuffer
		if _, aerr := x.buffers.Append(step.ErrorBuffer, compile.Entry{From: prefix, Text: err.Error()}); aerr != nil {
			x.log.Warn().Err(aerr).Str("buffer", step.ErrorBuffer).Msg("error_buffer append failed")
		}
	}
	return err
}

func (x *Executor) cockpitToken(spec config.CockpitSpec) string {
	if spec.TokenVault != "" {
		if token, err := x.host.VaultGet(spec.TokenVault); err == nil {
			return token
		}
		x.log.Warn().Str("key", spec.TokenVault).Msg("cockpit token not in vault, falling back to config")
	}
	return spec.Token
}

// sendSummon mails the local agent a system message with the triggering
// envelope embedded.
func (x *Executor) sendSummon(ctx context.Context, reason string, e *envelope.Envelope, extra map[string]any) error {
	body := map[string]any{
		"type":      "thrall_summon",
		"reason":    reason,
		"envelope":  e,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("summon: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	if err := x.host.SendMail(sendCtx, x.host.NodeID(), "system", string(raw), "thrall:summon", true); err != nil {
		return fmt.Errorf("summon: %w", err)
	}
	return nil
}

func (x *Executor) resolve(s string, scope *tmpl.Scope, entry map[string]any) string {
	out, diags := tmpl.Resolve(s, scope)
	if len(diags) > 0 {
		prev, _ := entry["diagnostics"].([]string)
		entry["diagnostics"] = append(prev, diags...)
	}
	return out
}

func sessionOrDefault(e *envelope.Envelope) string {
	if e.SessionID == "" {
		return "default"
	}
	return e.SessionID
}

func expiry(ttlSeconds int) *time.Time {
	if ttlSeconds <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
	return &t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
