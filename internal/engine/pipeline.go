package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/knarrhq/thrall/internal/action"
	"github.com/knarrhq/thrall/internal/config"
	"github.com/knarrhq/thrall/internal/envelope"
	"github.com/knarrhq/thrall/internal/filter"
	"github.com/knarrhq/thrall/internal/llm"
	"github.com/knarrhq/thrall/internal/store"
	"github.com/knarrhq/thrall/internal/tmpl"
)

// run is one envelope moving through the recipe list. The registry is
// captured at intake so a mid-flight swap cannot change the rules under it.
type run struct {
	env    *envelope.Envelope
	reg    *config.Registry
	depth  int
	inline bool
	dry    bool
	// only restricts the run to a single recipe; replays use it.
	only string
	idx  int
	done chan struct{}
	// replay collects the outcome instead of the journal for dry runs.
	replay *ReplayResult
}

// evalDone carries an inference result back to the coordination loop.
type evalDone struct {
	r      *run
	rec    *config.Recipe
	dec    *filter.Decision
	result map[string]any
}

// promptRef is one resolved prompt: operator push beats registry file beats
// the builtin seed row.
type promptRef struct {
	content string
	hash    string
}

// continueRun processes recipes from the run's cursor until the run either
// suspends on inference (returns true) or completes (done is closed).
func (en *Engine) continueRun(ctx context.Context, r *run) bool {
	recipes := r.reg.Recipes
	for r.idx < len(recipes) {
		rec := recipes[r.idx]
		if en.matches(rec, r) && en.stageRecipe(ctx, r, rec) {
			return true
		}
		r.idx++
	}
	close(r.done)
	return false
}

func (en *Engine) matches(rec *config.Recipe, r *run) bool {
	if !rec.Enabled {
		return false
	}
	if r.only != "" && rec.Name != r.only {
		return false
	}
	switch r.env.Kind {
	case envelope.KindMail:
		if rec.Trigger.Type != "on_mail" {
			return false
		}
		if len(rec.Trigger.MsgTypes) > 0 && !containsString(rec.Trigger.MsgTypes, r.env.MsgType) {
			return false
		}
	case envelope.KindTick:
		if rec.Trigger.Type != "on_tick" {
			return false
		}
		if !r.dry && rec.Trigger.EverySeconds > 0 {
			if last, ok := en.lastTick[rec.Name]; ok &&
				time.Since(last) < time.Duration(rec.Trigger.EverySeconds)*time.Second {
				return false
			}
			en.lastTick[rec.Name] = time.Now()
		}
	default:
		return false
	}
	return true
}

// stageRecipe runs filter and evaluate for one recipe. It reports whether
// the run suspended on an inference worker; every other path finishes the
// recipe before returning.
func (en *Engine) stageRecipe(ctx context.Context, r *run, rec *config.Recipe) bool {
	reg := r.reg
	tier := reg.Trust.Resolve(r.env.FromNode)
	ev := &rec.Evaluate

	var prompt promptRef
	var promptErr error
	if ev.Type == "llm" {
		prompt, promptErr = en.activePrompt(ev.Prompt)
	}

	var dec *filter.Decision
	if r.dry {
		dec = en.filt.DryRun(r.env, rec.Filter, tier, prompt.hash)
	} else {
		dec = en.filt.Run(r.env, rec.Filter, tier, prompt.hash)
	}
	prefix := envelope.SanitizePrefix(r.env.FromNode)

	// Breaker drops journal their own row and never reach Evaluate or
	// actions.
	if dec.Kind == filter.Drop && dec.Reason == "breaker_active" {
		reason := ""
		if br := en.breakers.Check(r.env.FromNode); br != nil {
			reason = br.Reason
		}
		if !r.dry {
			en.events.Append("BREAKER_BLOCKED", prefix, "breaker: "+reason)
		}
		result := map[string]any{
			"action":      "breaker_blocked",
			"reason":      "breaker: " + reason,
			"trust_tier":  tier,
			"prompt_hash": prompt.hash,
		}
		en.record(r, rec, dec, "skip", result, "breaker_blocked", nil)
		return false
	}

	switch dec.Kind {
	case filter.Drop:
		result := map[string]any{"action": "drop", "reason": dec.Reason, "trust_tier": tier}
		en.finishRecipe(ctx, r, rec, dec, "skip", result)
		return false
	case filter.Bypass:
		result := map[string]any{"action": dec.Action, "reason": dec.Reason, "trust_tier": tier}
		en.finishRecipe(ctx, r, rec, dec, "bypass", result)
		return false
	}

	if dec.Cached != nil {
		en.finishRecipe(ctx, r, rec, dec, "cache", dec.Cached)
		return false
	}

	switch ev.Type {
	case "", "none":
		result := map[string]any{"action": ev.DefaultAction, "reason": "no evaluation"}
		en.finishRecipe(ctx, r, rec, dec, "skip", result)
		return false
	case "hotwire":
		set := reg.Hotwires[ev.Hotwire]
		if set == nil {
			en.evalFailure(ctx, r, rec, dec, fmt.Errorf("hotwire %q not loaded", ev.Hotwire))
			return false
		}
		en.finishRecipe(ctx, r, rec, dec, "hotwire", set.Evaluate(r.env))
		return false
	case "llm":
		if promptErr != nil {
			en.evalFailure(ctx, r, rec, dec, promptErr)
			return false
		}
		evl, err := en.evaluator(reg, reg.EvalModel(ev))
		if err != nil {
			en.evalFailure(ctx, r, rec, dec, err)
			return false
		}
		sys, _ := tmpl.Resolve(prompt.content, en.scope(r, dec, nil))
		req := llm.Request{
			SystemPrompt: sys,
			PromptHash:   prompt.hash,
			UserText:     r.env.BodyText,
			Tier:         tier,
			FallbackMode: ev.FallbackAction,
		}
		tun := reg.Plugin.Thrall
		budget := tun.QueueTimeout() + tun.InferenceTimeout()
		if r.inline {
			wctx, cancel := context.WithTimeout(ctx, budget)
			result := evl.Evaluate(wctx, req)
			cancel()
			en.finishRecipe(ctx, r, rec, dec, "llm", result)
			return false
		}
		// The worker context is detached from the loop so Shutdown can
		// drain an inference that is already holding the permit.
		go func() {
			wctx, cancel := context.WithTimeout(context.Background(), budget+time.Second)
			defer cancel()
			result := evl.Evaluate(wctx, req)
			en.results <- evalDone{r: r, rec: rec, dec: dec, result: result}
		}()
		return true
	default:
		en.evalFailure(ctx, r, rec, dec, fmt.Errorf("unknown evaluate type %q", ev.Type))
		return false
	}
}

// evalFailure degrades an evaluation error to a wake so a broken registry
// fails loud instead of silent.
func (en *Engine) evalFailure(ctx context.Context, r *run, rec *config.Recipe, dec *filter.Decision, err error) {
	en.log.Error().Err(err).Str("pipeline", rec.Name).Msg("evaluate failed")
	result := map[string]any{"action": "wake", "reason": "evaluate error: " + err.Error()}
	en.finishRecipe(ctx, r, rec, dec, "error", result)
}

// finishRecipe applies the evaluated decision: triage event, loop guard,
// action steps, journal row, knock check.
func (en *Engine) finishRecipe(ctx context.Context, r *run, rec *config.Recipe, dec *filter.Decision, evalType string, result map[string]any) {
	prefix := envelope.SanitizePrefix(r.env.FromNode)
	tun := r.reg.Plugin.Thrall
	actionName := stringField(result, "action")

	if evalType == "llm" && !r.dry {
		en.events.Append("TRIAGE", prefix, fmt.Sprintf("action=%s tier=%s wall=%dms reason=%s",
			actionName, dec.Tier, intField(result, "wall_ms"), stringField(result, "reason")))
		if rec.Filter.CacheTTLSeconds > 0 {
			en.filt.CacheResult(stringField(result, "prompt_hash"), dec.Tier, r.env.BodyText,
				time.Duration(rec.Filter.CacheTTLSeconds)*time.Second, result)
		}
	}

	if !r.dry && (actionName == "wake" || actionName == "reply") {
		if hit := en.guard.CheckWake(r.env.FromNode, r.env.SessionID); hit != nil {
			en.events.Append("LOOP_DETECTED", prefix, hit.Reason)
			if _, err := en.breakers.Trip("node", prefix, hit.Reason, time.Hour); err != nil {
				en.log.Error().Err(err).Str("prefix", prefix).Msg("breaker trip failed")
			}
			en.wakeAgent("node", prefix, hit.Reason)
			trace := []map[string]any{{"step": "loop_blocked", "reason": hit.Reason}}
			en.record(r, rec, dec, evalType, result, "loop_blocked", trace)
			return
		}
	}

	var trace []map[string]any
	if steps := rec.Actions[actionName]; len(steps) > 0 {
		mode := rec.Mode
		if r.dry {
			mode = config.ModeManual
		}
		var err error
		trace, err = en.actions.Execute(ctx, action.Params{
			Steps:    steps,
			Scope:    en.scope(r, dec, result),
			Envelope: r.env,
			Mode:     mode,
			Depth:    r.depth,
			Cockpit:  r.reg.Plugin.Cockpit,
		})
		if err != nil {
			en.log.Warn().Err(err).
				Str("pipeline", rec.Name).
				Str("action", actionName).
				Msg("action step failed")
		}
	}
	en.record(r, rec, dec, evalType, result, actionName, trace)

	// The knock check runs after the journal write so the current drop
	// counts toward the threshold.
	if !r.dry && actionName == "drop" {
		en.checkKnock(prefix, tun)
	}
}

func reviewedFor(mode string) int {
	switch mode {
	case config.ModeAutomated:
		return store.ReviewedApproved
	case config.ModeSupervised:
		return store.ReviewedPending
	default:
		return store.ReviewedUnset
	}
}

// record writes the journal row, or captures the outcome on a dry run.
func (en *Engine) record(r *run, rec *config.Recipe, dec *filter.Decision, evalType string, result map[string]any, actionName string, trace []map[string]any) {
	if r.dry {
		r.replay = &ReplayResult{
			Pipeline:   rec.Name,
			Matched:    true,
			Filter:     dec.Map(),
			EvalType:   evalType,
			Result:     result,
			ActionName: actionName,
			Trace:      trace,
		}
		return
	}
	now := time.Now().UTC()
	tun := r.reg.Plugin.Thrall
	row := &store.JournalRow{
		TS:              now,
		Pipeline:        rec.Name,
		SessionID:       r.env.SessionID,
		EnvelopeJSON:    r.env.JSON(),
		FilterJSON:      marshalJSON(dec.Map()),
		EvalType:        evalType,
		EvalResultJSON:  marshalJSON(result),
		ActionName:      actionName,
		ActionTraceJSON: traceJSON(trace),
		WallMS:          time.Since(r.env.ReceivedAt).Milliseconds(),
		Mode:            rec.Mode,
		Reviewed:        reviewedFor(rec.Mode),
		TTLExpires:      now.Add(tun.ClassificationTTL()),
	}
	if _, err := en.db.AppendJournal(row); err != nil {
		en.log.Error().Err(err).Str("pipeline", rec.Name).Msg("journal write failed")
	}
}

func (en *Engine) scope(r *run, dec *filter.Decision, result map[string]any) *tmpl.Scope {
	fv := map[string]string{"tier": dec.Tier, "decision": dec.Kind}
	if dec.Reason != "" {
		fv["reason"] = dec.Reason
	}
	return &tmpl.Scope{
		Envelope: r.env,
		Context:  dec.Context,
		LLM:      result,
		Filter:   fv,
		Journal:  en.db,
	}
}

// checkKnock alerts once per hour when a sender's drops over the last hour
// reach the knock threshold.
func (en *Engine) checkKnock(prefix string, tun config.Tunables) {
	if prefix == envelope.InvalidPrefix || tun.KnockThreshold <= 0 {
		return
	}
	n, err := en.db.DropsSince(prefix, time.Now().Add(-time.Hour))
	if err != nil {
		en.log.Warn().Err(err).Str("prefix", prefix).Msg("knock count failed")
		return
	}
	if n < tun.KnockThreshold {
		return
	}
	flagKey := "knock:" + prefix
	if _, ok, err := en.db.GetFlag(flagKey); err != nil || ok {
		return
	}
	exp := time.Now().UTC().Add(time.Hour)
	if err := en.db.SetFlag(flagKey, "1", &exp); err != nil {
		en.log.Warn().Err(err).Str("prefix", prefix).Msg("knock flag failed")
	}
	en.events.Append("KNOCK_ALERT", prefix, fmt.Sprintf("sustained drops (threshold: %d)", tun.KnockThreshold))
	en.wakeAgent("knock", prefix, "sustained drops from "+prefix)
}

// wakeAgent mails the node's own agent about a tripped or pending breaker.
// The send is detached from the run context so a shutdown cannot lose it.
func (en *Engine) wakeAgent(breakerType, target, reason string) {
	body, err := json.Marshal(map[string]any{
		"type":         "thrall_breaker",
		"wake_agent":   true,
		"breaker_type": breakerType,
		"target":       target,
		"reason":       truncate(reason, 500),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	tun := en.cfg.Current().Plugin.Thrall
	sctx, cancel := context.WithTimeout(context.Background(), tun.ActionTimeout())
	defer cancel()
	if err := en.host.SendMail(sctx, en.host.NodeID(), "system", string(body), "thrall:breaker", true); err != nil {
		en.events.Append("WAKE_FAIL", target, truncate(err.Error(), 200))
	}
}

// triggerStep runs the follow-up envelope of a trigger action inline on the
// coordination goroutine. Depth is already bounded by the executor.
func (en *Engine) triggerStep(ctx context.Context, e *envelope.Envelope, depth int) error {
	r := &run{env: e, reg: en.cfg.Current(), depth: depth, inline: true, done: make(chan struct{})}
	en.continueRun(ctx, r)
	return nil
}

func (en *Engine) activePrompt(name string) (promptRef, error) {
	if p, ok := en.prompts[name]; ok {
		return p, nil
	}
	return promptRef{}, fmt.Errorf("prompt %q not loaded", name)
}

// refreshPrompts rebuilds the prompt cache from the registry files and the
// store. An operator push overrides the file; the builtin seed row only
// fills names no file provides.
func (en *Engine) refreshPrompts(reg *config.Registry) {
	next := map[string]promptRef{}
	for name, spec := range reg.Prompts {
		next[name] = promptRef{content: spec.Template, hash: spec.Hash}
	}
	rows, err := en.db.ListPrompts()
	if err != nil {
		en.log.Error().Err(err).Msg("prompt list failed")
		rows = nil
	}
	for _, p := range rows {
		if !p.Active {
			continue
		}
		if _, fromFile := next[p.Name]; fromFile && p.PushedBy == "builtin" {
			continue
		}
		next[p.Name] = promptRef{content: p.Content, hash: p.Hash}
	}
	en.prompts = next
}

func (en *Engine) evaluator(reg *config.Registry, spec *config.ModelSpec) (*llm.Evaluator, error) {
	if spec == nil {
		return nil, fmt.Errorf("no model configured")
	}
	if ev, ok := en.evals[spec.Name]; ok {
		return ev, nil
	}
	backend, err := llm.NewBackend(spec.ModelConfig(), llm.Deps{
		Vault:  en.host.VaultGet,
		Runner: en.runner,
	})
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", spec.Name, err)
	}
	tun := reg.Plugin.Thrall
	ev := llm.NewEvaluator(backend, llm.Config{
		QueueTimeout: tun.QueueTimeout(),
		Fallback:     tun.Fallback,
		Permit:       en.permit,
	}, en.log)
	en.evals[spec.Name] = ev
	return ev, nil
}

// maintenance runs the periodic chores that ride on tick envelopes.
func (en *Engine) maintenance(reg *config.Registry) {
	tun := reg.Plugin.Thrall
	now := time.Now()
	if now.Sub(en.lastPrune) >= tun.PruneInterval() {
		en.lastPrune = now
		if res, err := en.db.Prune(now); err != nil {
			en.log.Error().Err(err).Msg("prune failed")
		} else if res.Journal+res.Context+res.Flags > 0 {
			en.events.Append("PRUNE", "-", fmt.Sprintf("removed %d journal, %d context, %d flag rows",
				res.Journal, res.Context, res.Flags))
		}
		if _, err := en.breakers.List(); err != nil {
			en.log.Warn().Err(err).Msg("breaker sweep failed")
		}
	}
	for _, f := range en.buffers.Tick() {
		en.events.Append("COMPILE_FLUSH", "-", fmt.Sprintf("%s: %d entries (age)", f.Buffer, f.Count))
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func traceJSON(trace []map[string]any) string {
	if len(trace) == 0 {
		return ""
	}
	return marshalJSON(trace)
}
