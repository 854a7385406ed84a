package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/trust"
)

// maxUserBytes caps the message text handed to the model. Classification
// only needs the opening of a message, and small context windows are the
// point of an edge model.
const maxUserBytes = 800

// DefaultQueueTimeout bounds how long a request waits for the inference
// permit before falling back.
const DefaultQueueTimeout = 5 * time.Second

// Request is one classification to run.
type Request struct {
	// SystemPrompt is the resolved prompt template. A literal {tier}
	// placeholder is bound to Tier before inference.
	SystemPrompt string
	// PromptHash identifies the stored prompt; callers compute it over the
	// template before {tier} binding.
	PromptHash string
	UserText   string
	Tier       string
	// FallbackMode overrides the evaluator default ("wake", "drop" or
	// "tier"). Empty means use the default.
	FallbackMode string
}

// Config tunes an Evaluator.
type Config struct {
	QueueTimeout time.Duration
	// Fallback is the action policy when the backend cannot answer.
	Fallback string
	// Permit shares one inference slot across evaluators. Nil gets a
	// private permit; the engine passes one NewPermit to every evaluator
	// so only one inference runs per process no matter how many models
	// are configured.
	Permit chan struct{}
}

// NewPermit returns a filled one-slot inference permit for sharing across
// evaluators.
func NewPermit() chan struct{} {
	p := make(chan struct{}, 1)
	p <- struct{}{}
	return p
}

// Evaluator serializes inference through a single permit and turns raw
// backend output into a validated triage decision. It never fails: any
// backend trouble degrades to the tier fallback action.
type Evaluator struct {
	backend      Backend
	permit       chan struct{}
	queueTimeout time.Duration
	fallback     string
	log          zerolog.Logger
}

func NewEvaluator(backend Backend, cfg Config, log zerolog.Logger) *Evaluator {
	ev := &Evaluator{
		backend:      backend,
		permit:       cfg.Permit,
		queueTimeout: cfg.QueueTimeout,
		fallback:     cfg.Fallback,
		log:          log,
	}
	if ev.permit == nil {
		ev.permit = NewPermit()
	}
	if ev.queueTimeout == 0 {
		ev.queueTimeout = DefaultQueueTimeout
	}
	if ev.fallback == "" {
		ev.fallback = "tier"
	}
	return ev
}

// BackendName reports the active backend for logs and doctor output.
func (ev *Evaluator) BackendName() string { return ev.backend.Name() }

// ModelName reports the active model for logs and doctor output.
func (ev *Evaluator) ModelName() string { return ev.backend.ModelName() }

// Healthy reports whether the backend can accept requests right now.
func (ev *Evaluator) Healthy(ctx context.Context) bool {
	return ev.backend.Available(ctx)
}

// Evaluate classifies one message. The returned map always carries action,
// reason, trust_tier, wall_ms, reasoning and prompt_hash.
func (ev *Evaluator) Evaluate(ctx context.Context, req Request) map[string]any {
	t0 := time.Now()
	mode := req.FallbackMode
	if mode == "" {
		mode = ev.fallback
	}

	prompt := strings.ReplaceAll(req.SystemPrompt, "{tier}", req.Tier)
	user := truncate(req.UserText, maxUserBytes)

	timer := time.NewTimer(ev.queueTimeout)
	defer timer.Stop()
	select {
	case <-ev.permit:
		defer func() { ev.permit <- struct{}{} }()
	case <-timer.C:
		return ev.errorResult(req, mode, t0, ErrQueueFull)
	case <-ctx.Done():
		return ev.errorResult(req, mode, t0, ctx.Err())
	}

	raw, err := ev.backend.Classify(ctx, prompt, user)
	if err != nil {
		ev.log.Warn().Err(err).Str("backend", ev.backend.Name()).Msg("inference failed, using fallback")
		return ev.errorResult(req, mode, t0, err)
	}

	result, perr := ExtractJSON(raw)
	if perr != nil {
		ev.log.Warn().Err(perr).Str("backend", ev.backend.Name()).Msg("unparseable model output, using fallback")
		return ev.finish(req, t0, map[string]any{
			"action":    trust.FallbackAction(req.Tier, mode),
			"reason":    fmt.Sprintf("%s, tier fallback", truncate(perr.Error(), 100)),
			"reasoning": "raw: " + truncate(raw, 200),
		})
	}

	action := strings.TrimSpace(strings.ToLower(stringField(result, "action")))
	reasoning, _ := json.Marshal(result)
	out := map[string]any{"reasoning": string(reasoning)}
	switch action {
	case "drop", "wake", "reply":
		out["action"] = action
		if reason := stringField(result, "reason"); reason != "" {
			out["reason"] = reason
		} else {
			out["reason"] = "LLM classified as " + action
		}
	default:
		ev.log.Warn().Str("action", action).Msg("bad model action, falling back to tier")
		out["action"] = trust.FallbackAction(req.Tier, mode)
		out["reason"] = fmt.Sprintf("bad LLM action '%v', tier fallback", result["action"])
	}
	return ev.finish(req, t0, out)
}

func (ev *Evaluator) errorResult(req Request, mode string, t0 time.Time, err error) map[string]any {
	out := map[string]any{
		"action":    trust.FallbackAction(req.Tier, mode),
		"reason":    fmt.Sprintf("backend error: %s, tier fallback", truncate(err.Error(), 100)),
		"reasoning": "error: " + truncate(err.Error(), 200),
	}
	if errors.Is(err, ErrQueueFull) {
		out["queue_full"] = true
	}
	return ev.finish(req, t0, out)
}

func (ev *Evaluator) finish(req Request, t0 time.Time, out map[string]any) map[string]any {
	out["trust_tier"] = req.Tier
	out["wall_ms"] = time.Since(t0).Milliseconds()
	out["prompt_hash"] = req.PromptHash
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
