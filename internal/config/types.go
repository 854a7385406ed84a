// Package config loads and validates the plugin directory: recipes, prompts,
// models, hotwire sets and plugin.toml tunables. A successful load produces
// an immutable Registry; the Manager swaps registries atomically so in-flight
// pipeline runs keep the one they captured at entry.
package config

import (
	"errors"
	"time"

	"github.com/knarrhq/thrall/internal/hotwire"
	"github.com/knarrhq/thrall/internal/llm"
)

// ErrValidation wraps every rejection of a candidate registry.
var ErrValidation = errors.New("config validation failed")

// Modes a recipe can run in.
const (
	ModeManual     = "manual"
	ModeSupervised = "supervised"
	ModeAutomated  = "automated"
)

// Recipe is one pipeline definition from recipes/*.toml.
type Recipe struct {
	Name     string            `toml:"name"`
	Enabled  bool              `toml:"enabled"`
	Mode     string            `toml:"mode"`
	Trigger  TriggerSpec       `toml:"trigger"`
	Filter   FilterSpec        `toml:"filter"`
	Evaluate EvaluateSpec      `toml:"evaluate"`
	Actions  map[string][]Step `toml:"actions"`

	// Source is the recipe's file name; recipes run in lexical Source order.
	Source string `toml:"-"`
}

// TriggerSpec selects which envelopes enter the recipe.
type TriggerSpec struct {
	Type string `toml:"type"` // on_mail | on_tick
	// MsgTypes filters on_mail triggers; empty means all types.
	MsgTypes []string `toml:"msg_types"`
	// EverySeconds spaces on_tick runs; 0 means every tick.
	EverySeconds int `toml:"every_seconds"`
}

// FilterSpec tunes the fixed-order filter chain for one recipe. Zero window
// and max values inherit the plugin-wide tunables; a negative rate_limit_max
// disables the rate check.
type FilterSpec struct {
	TrustBypass            bool   `toml:"trust_bypass"`
	BypassAction           string `toml:"bypass_action"`
	CooldownKey            string `toml:"cooldown_key"`
	RateLimitMax           int    `toml:"rate_limit_max"`
	RateLimitWindowSeconds int    `toml:"rate_limit_window_seconds"`
	RateLimitAction        string `toml:"rate_limit_action"`
	CacheTTLSeconds        int    `toml:"cache_ttl_seconds"`
}

// EvaluateSpec picks the evaluator for a recipe.
type EvaluateSpec struct {
	Type string `toml:"type"` // llm | hotwire | none
	// LLM fields.
	Prompt         string `toml:"prompt"`
	Model          string `toml:"model"`
	FallbackAction string `toml:"fallback_action"` // wake | drop | tier
	// Hotwire fields.
	Hotwire       string `toml:"hotwire"`
	DefaultAction string `toml:"default_action"`
}

// Step is one action step. Fields are a union across step types; validation
// enforces the per-type required ones.
type Step struct {
	Type string `toml:"type"`

	Message     string            `toml:"message"`      // log
	Buffer      string            `toml:"buffer"`       // compile
	Entry       string            `toml:"entry"`        // compile
	Reason      string            `toml:"reason"`       // summon / wake
	Body        string            `toml:"body"`         // reply / trigger
	MsgType     string            `toml:"msg_type"`     // reply / trigger
	Skill       string            `toml:"skill"`        // act
	Input       map[string]string `toml:"input"`        // act
	ErrorBuffer string            `toml:"error_buffer"` // act
	Key         string            `toml:"key"`          // set_context / set_flag
	Value       string            `toml:"value"`        // set_context / set_flag
	TTLSeconds  int               `toml:"ttl_seconds"`  // set_context / set_flag
}

// PromptSpec is one prompt template from prompts/*.toml. Hash is computed at
// load over the raw template.
type PromptSpec struct {
	Name        string `toml:"name"`
	Version     int    `toml:"version"`
	Model       string `toml:"model"`
	AllowNoBody bool   `toml:"allow_no_body"`
	Template    string `toml:"template"`

	Hash string `toml:"-"`
}

// ModelSpec is one model descriptor from models/*.toml.
type ModelSpec struct {
	Name           string  `toml:"name"`
	Backend        string  `toml:"backend"`
	Model          string  `toml:"model"`
	ModelPath      string  `toml:"model_path"`
	URL            string  `toml:"url"`
	APIKey         string  `toml:"api_key"`
	APIKeyVault    string  `toml:"api_key_vault"`
	Temperature    float64 `toml:"temperature"`
	MaxTokens      int     `toml:"max_tokens"`
	NumCtx         int     `toml:"num_ctx"`
	Threads        int     `toml:"threads"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// ModelConfig converts the spec into the llm package's backend config.
func (m *ModelSpec) ModelConfig() llm.ModelConfig {
	return llm.ModelConfig{
		Name:        m.Name,
		Backend:     m.Backend,
		Model:       m.Model,
		ModelPath:   m.ModelPath,
		URL:         m.URL,
		APIKey:      m.APIKey,
		APIKeyVault: m.APIKeyVault,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		NumCtx:      m.NumCtx,
		Threads:     m.Threads,
		TimeoutSecs: m.TimeoutSeconds,
	}
}

// HotwireSpec is one ordered rule set from hotwires/*.toml. Rules compile at
// load; any bad rule rejects the whole registry.
type HotwireSpec struct {
	Name          string             `toml:"name"`
	DefaultAction string             `toml:"default_action"`
	Rules         []hotwire.RuleSpec `toml:"rules"`
}

// Plugin is the decoded plugin.toml.
type Plugin struct {
	Thrall  Tunables              `toml:"thrall"`
	Trust   TrustSpec             `toml:"trust"`
	Cockpit CockpitSpec           `toml:"cockpit"`
	Buffers map[string]BufferSpec `toml:"buffers"`
}

// TrustSpec lists 16-hex lowercase prefixes per tier.
type TrustSpec struct {
	Team  []string `toml:"team"`
	Known []string `toml:"known"`
}

// CockpitSpec locates the skill endpoint for act steps. Token is the
// dev-only plaintext fallback for TokenVault.
type CockpitSpec struct {
	URL        string `toml:"url"`
	TokenVault string `toml:"token_vault"`
	Token      string `toml:"token"`
}

// BufferSpec configures one named compilation buffer.
type BufferSpec struct {
	FlushAfterSeconds int      `toml:"flush_after_seconds"`
	SummonThreshold   int      `toml:"summon_threshold"`
	SummonKeywords    []string `toml:"summon_keywords"`
}

// Tunables are the plugin-wide knobs from [thrall] in plugin.toml.
type Tunables struct {
	Enabled                  bool    `toml:"enabled"`
	LoopThreshold            int     `toml:"loop_threshold"`
	LoopThresholdSessionless int     `toml:"loop_threshold_sessionless"`
	KnockThreshold           int     `toml:"knock_threshold"`
	ClassificationTTLDays    int     `toml:"classification_ttl_days"`
	QueueTimeoutSeconds      float64 `toml:"queue_timeout_seconds"`
	MaxBodyPreview           int     `toml:"max_body_preview"`
	MaxCounterEntries        int     `toml:"max_counter_entries"`
	ReplyWindowSeconds       int     `toml:"reply_window_seconds"`
	PruneIntervalSeconds     int     `toml:"prune_interval_seconds"`
	RateLimitMax             int     `toml:"rate_limit_max"`
	RateLimitWindowSeconds   int     `toml:"rate_limit_window_seconds"`
	BreakerCacheSeconds      int     `toml:"breaker_cache_seconds"`
	SolicitedWindowSeconds   int     `toml:"solicited_window_seconds"`
	InferenceTimeoutSeconds  int     `toml:"inference_timeout_seconds"`
	ActionTimeoutSeconds     int     `toml:"action_timeout_seconds"`
	Fallback                 string  `toml:"fallback"`
}

// DefaultTunables returns the built-in knob values. Loading starts from
// these and TOML overwrites only the fields it names.
func DefaultTunables() Tunables {
	return Tunables{
		Enabled:                  true,
		LoopThreshold:            2,
		LoopThresholdSessionless: 5,
		KnockThreshold:           10,
		ClassificationTTLDays:    30,
		QueueTimeoutSeconds:      5.0,
		MaxBodyPreview:           2000,
		MaxCounterEntries:        10000,
		ReplyWindowSeconds:       1800,
		PruneIntervalSeconds:     3600,
		RateLimitMax:             5,
		RateLimitWindowSeconds:   3600,
		BreakerCacheSeconds:      30,
		SolicitedWindowSeconds:   3600,
		InferenceTimeoutSeconds:  30,
		ActionTimeoutSeconds:     15,
		Fallback:                 "tier",
	}
}

func (t Tunables) QueueTimeout() time.Duration {
	return time.Duration(t.QueueTimeoutSeconds * float64(time.Second))
}

func (t Tunables) ReplyWindow() time.Duration {
	return time.Duration(t.ReplyWindowSeconds) * time.Second
}

func (t Tunables) PruneInterval() time.Duration {
	return time.Duration(t.PruneIntervalSeconds) * time.Second
}

func (t Tunables) RateLimitWindow() time.Duration {
	return time.Duration(t.RateLimitWindowSeconds) * time.Second
}

func (t Tunables) BreakerCache() time.Duration {
	return time.Duration(t.BreakerCacheSeconds) * time.Second
}

func (t Tunables) SolicitedWindow() time.Duration {
	return time.Duration(t.SolicitedWindowSeconds) * time.Second
}

func (t Tunables) InferenceTimeout() time.Duration {
	return time.Duration(t.InferenceTimeoutSeconds) * time.Second
}

func (t Tunables) ActionTimeout() time.Duration {
	return time.Duration(t.ActionTimeoutSeconds) * time.Second
}

func (t Tunables) ClassificationTTL() time.Duration {
	return time.Duration(t.ClassificationTTLDays) * 24 * time.Hour
}
