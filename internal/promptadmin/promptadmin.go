// Package promptadmin is the operator skill for managing classification
// prompts: push a replacement into the store, list what is loaded, fetch one
// back. Calls arrive as JSON maps from the skill transport and return the
// same shape; the caller's node id is injected by the host.
package promptadmin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/envelope"
	"github.com/knarrhq/thrall/internal/store"
)

// Admin handles prompt-load skill calls against the shared store.
type Admin struct {
	db     *store.Store
	log    zerolog.Logger
	reload func()
}

// New builds an Admin. reload is invoked after every successful push so the
// engine swaps its prompt cache; nil is allowed.
func New(db *store.Store, reload func(), log zerolog.Logger) *Admin {
	return &Admin{
		db:     db,
		log:    log.With().Str("component", "promptadmin").Logger(),
		reload: reload,
	}
}

// Handle processes one skill call. Input keys: action ("load" | "list" |
// "get", default load), name (default "triage"), content (for load),
// from_node (caller, injected by the host).
func (a *Admin) Handle(input map[string]any) map[string]any {
	action := stringOr(input, "action", "load")
	switch action {
	case "load":
		return a.load(input)
	case "list":
		return a.list()
	case "get":
		return a.get(input)
	default:
		return errResult("unknown action: " + action)
	}
}

func (a *Admin) load(input map[string]any) map[string]any {
	name := stringOr(input, "name", "triage")
	content := stringOr(input, "content", "")
	pushedBy := envelope.SanitizePrefix(stringOr(input, "from_node", ""))
	p, err := a.Push(name, content, pushedBy)
	if err != nil {
		return errResult(err.Error())
	}
	return map[string]any{"status": "ok", "prompt": name, "hash": p.Hash}
}

// Push validates and stores a prompt, then fires the reload hook. pushedBy
// is recorded as-is; Handle sanitizes remote callers before calling it,
// local surfaces pass a literal like "operator".
func (a *Admin) Push(name, content, pushedBy string) (*store.Prompt, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("content required")
	}
	// A prompt without the tier binding would classify every sender at the
	// same bar; refuse it outright.
	if !strings.Contains(content, "{tier}") {
		return nil, errors.New("prompt must contain {tier} placeholder")
	}

	p, err := a.db.UpsertPrompt(name, content, pushedBy)
	if err != nil {
		a.log.Error().Err(err).Str("prompt", name).Msg("prompt push failed")
		return nil, fmt.Errorf("store error: %w", err)
	}
	a.log.Info().
		Str("prompt", name).
		Str("hash", p.Hash).
		Str("pushed_by", pushedBy).
		Msg("prompt pushed")
	if a.reload != nil {
		a.reload()
	}
	return p, nil
}

func (a *Admin) list() map[string]any {
	rows, err := a.db.ListPrompts()
	if err != nil {
		return errResult("store error: " + err.Error())
	}
	prompts := make([]map[string]any, 0, len(rows))
	for _, p := range rows {
		prompts = append(prompts, map[string]any{
			"name":      p.Name,
			"hash":      p.Hash,
			"pushed_by": p.PushedBy,
			"pushed_at": p.PushedAt.Unix(),
			"active":    p.Active,
		})
	}
	return map[string]any{"status": "ok", "prompts": prompts}
}

func (a *Admin) get(input map[string]any) map[string]any {
	name := stringOr(input, "name", "triage")
	p, err := a.db.GetPrompt(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResult("prompt '" + name + "' not found")
		}
		return errResult("store error: " + err.Error())
	}
	return map[string]any{
		"status":    "ok",
		"name":      p.Name,
		"content":   p.Content,
		"hash":      p.Hash,
		"pushed_by": p.PushedBy,
	}
}

func errResult(msg string) map[string]any {
	return map[string]any{"status": "error", "error": msg}
}

func stringOr(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}
