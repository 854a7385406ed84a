// Package filter runs the fixed-order checks between trigger and evaluate.
// The order is part of the contract and must not change: breaker, trust
// bypass, cooldown, rate limit, cache, context stitch, pass.
package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/breaker"
	"github.com/knarrhq/thrall/internal/config"
	"github.com/knarrhq/thrall/internal/envelope"
	"github.com/knarrhq/thrall/internal/store"
	"github.com/knarrhq/thrall/internal/trust"
)

// Decision kinds.
const (
	Pass   = "pass"
	Skip   = "skip"
	Drop   = "drop"
	Bypass = "bypass"
)

// maxCacheEntries bounds the eval cache; expired entries are swept when the
// cap is reached.
const maxCacheEntries = 4096

// Decision is the filter verdict for one (envelope, recipe) pair.
type Decision struct {
	Kind   string
	Reason string
	// Action names the action to run for Bypass decisions.
	Action string
	Tier   string
	// Context carries stitched session rows for template resolution.
	Context map[string]string
	// Cached is a prior eval result still fresh for this body; the engine
	// skips Evaluate when set.
	Cached map[string]any
}

// Map renders the decision for the journal's filter_json column.
func (d *Decision) Map() map[string]any {
	m := map[string]any{"decision": d.Kind, "tier": d.Tier}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}
	if d.Action != "" {
		m["action"] = d.Action
	}
	if d.Cached != nil {
		m["cached"] = true
	}
	if len(d.Context) > 0 {
		m["context"] = d.Context
	}
	return m
}

type cacheKey struct {
	promptHash string
	tier       string
	bodyHash   string
}

type cacheEntry struct {
	result  map[string]any
	expires time.Time
}

// Filter owns the per-process rate windows and eval cache. All methods run
// on the coordination goroutine and take no locks.
type Filter struct {
	breakers *breaker.Store
	db       *store.Store
	log      zerolog.Logger
	now      func() time.Time

	rate  map[string][]time.Time
	cache map[cacheKey]cacheEntry
}

func New(breakers *breaker.Store, db *store.Store, log zerolog.Logger) *Filter {
	return &Filter{
		breakers: breakers,
		db:       db,
		log:      log,
		now:      time.Now,
		rate:     map[string][]time.Time{},
		cache:    map[cacheKey]cacheEntry{},
	}
}

// Run applies the checks in order and returns the first terminal decision,
// or a pass carrying stitched context and any fresh cached result.
func (f *Filter) Run(e *envelope.Envelope, spec config.FilterSpec, tier, promptHash string) *Decision {
	return f.run(e, spec, tier, promptHash, false)
}

// DryRun applies the same checks without recording the rate-limit event, so
// replaying a journal row does not distort the live windows.
func (f *Filter) DryRun(e *envelope.Envelope, spec config.FilterSpec, tier, promptHash string) *Decision {
	return f.run(e, spec, tier, promptHash, true)
}

func (f *Filter) run(e *envelope.Envelope, spec config.FilterSpec, tier, promptHash string, dry bool) *Decision {
	d := &Decision{Kind: Pass, Tier: tier}
	prefix := envelope.SanitizePrefix(e.FromNode)

	// 1. Breaker: an active breaker stops everything for the sender.
	if br := f.breakers.Check(e.FromNode); br != nil {
		d.Kind = Drop
		d.Reason = "breaker_active"
		return d
	}

	// 2. Trust bypass: team senders skip evaluation entirely.
	if spec.TrustBypass && tier == trust.TierTeam {
		d.Kind = Bypass
		d.Action = spec.BypassAction
		d.Reason = "team node bypass"
		return d
	}

	// 3. Cooldown flag.
	if spec.CooldownKey != "" {
		if _, ok, err := f.db.GetFlag(spec.CooldownKey); err != nil {
			f.log.Warn().Err(err).Str("key", spec.CooldownKey).Msg("cooldown lookup failed")
		} else if ok {
			d.Kind = Drop
			d.Reason = "cooldown"
			return d
		}
	}

	// 4. Rate limit. The event records regardless of the outcome so a
	// flooding sender cannot reset its own window by being limited.
	if spec.RateLimitMax > 0 && prefix != envelope.InvalidPrefix {
		exceeded := false
		if dry {
			exceeded = f.peekRate(prefix, spec)
		} else {
			exceeded = f.recordRate(prefix, spec)
		}
		if exceeded {
			d.Kind = Bypass
			d.Action = spec.RateLimitAction
			d.Reason = fmt.Sprintf("rate limit (%d/%ds)", spec.RateLimitMax, spec.RateLimitWindowSeconds)
			return d
		}
	}

	// 5. Cache: a fresh prior result for the same prompt, tier and body
	// passes through with Evaluate skipped.
	if spec.CacheTTLSeconds > 0 {
		if res := f.lookupCache(promptHash, tier, e.BodyText); res != nil {
			d.Cached = res
			d.Reason = "cache hit"
		}
	}

	// 6. Context stitch.
	if e.SessionID != "" {
		rows, err := f.db.GetContext(e.SessionID)
		if err != nil {
			f.log.Warn().Err(err).Str("session", e.SessionID).Msg("context stitch failed")
		} else if len(rows) > 0 {
			d.Context = rows
		}
	}

	return d
}

// recordRate appends the event to the sender's window and reports whether
// the window already held rate_limit_max events.
func (f *Filter) recordRate(prefix string, spec config.FilterSpec) bool {
	cutoff := f.now().Add(-time.Duration(spec.RateLimitWindowSeconds) * time.Second)
	kept := f.rate[prefix][:0]
	for _, ts := range f.rate[prefix] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	exceeded := len(kept) >= spec.RateLimitMax
	f.rate[prefix] = append(kept, f.now())
	return exceeded
}

// peekRate reports whether the window is already full without recording.
func (f *Filter) peekRate(prefix string, spec config.FilterSpec) bool {
	cutoff := f.now().Add(-time.Duration(spec.RateLimitWindowSeconds) * time.Second)
	fresh := 0
	for _, ts := range f.rate[prefix] {
		if ts.After(cutoff) {
			fresh++
		}
	}
	return fresh >= spec.RateLimitMax
}

func (f *Filter) lookupCache(promptHash, tier, body string) map[string]any {
	key := cacheKey{promptHash: promptHash, tier: tier, bodyHash: hashBody(body)}
	entry, ok := f.cache[key]
	if !ok {
		return nil
	}
	if !entry.expires.After(f.now()) {
		delete(f.cache, key)
		return nil
	}
	return entry.result
}

// CacheResult stores an eval result for reuse. The recipe's cache_ttl at
// classification time decides freshness.
func (f *Filter) CacheResult(promptHash, tier, body string, ttl time.Duration, result map[string]any) {
	if ttl <= 0 || result == nil {
		return
	}
	if len(f.cache) >= maxCacheEntries {
		now := f.now()
		for k, v := range f.cache {
			if !v.expires.After(now) {
				delete(f.cache, k)
			}
		}
	}
	key := cacheKey{promptHash: promptHash, tier: tier, bodyHash: hashBody(body)}
	f.cache[key] = cacheEntry{result: result, expires: f.now().Add(ttl)}
}

func hashBody(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
