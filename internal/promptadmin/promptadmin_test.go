package promptadmin

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/store"
)

func newTestAdmin(t *testing.T, reload func()) (*Admin, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "thrall.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, reload, zerolog.Nop()), s
}

func TestLoadPushesPromptAndFiresReload(t *testing.T) {
	reloads := 0
	a, db := newTestAdmin(t, func() { reloads++ })

	content := "Classify for {tier} senders. Reply with JSON."
	res := a.Handle(map[string]any{
		"content":   content,
		"from_node": "AD8D21D81A497993beefbeefbeefbeef",
	})
	if res["status"] != "ok" {
		t.Fatalf("result = %v", res)
	}
	if res["prompt"] != "triage" {
		t.Errorf("prompt = %v, want triage", res["prompt"])
	}
	if res["hash"] != store.PromptHash(content) {
		t.Errorf("hash = %v, want %v", res["hash"], store.PromptHash(content))
	}
	if reloads != 1 {
		t.Errorf("reload fired %d times, want 1", reloads)
	}

	p, err := db.GetPrompt("triage")
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if p.Content != content {
		t.Errorf("stored content = %q", p.Content)
	}
	if p.PushedBy != "ad8d21d81a497993" {
		t.Errorf("pushed_by = %q, want sanitized caller prefix", p.PushedBy)
	}
}

func TestLoadRejectsEmptyContent(t *testing.T) {
	a, _ := newTestAdmin(t, nil)

	res := a.Handle(map[string]any{"action": "load", "content": "   "})
	if res["status"] != "error" || res["error"] != "content required" {
		t.Errorf("result = %v", res)
	}
}

func TestLoadRejectsMissingTierPlaceholder(t *testing.T) {
	reloads := 0
	a, db := newTestAdmin(t, func() { reloads++ })

	res := a.Handle(map[string]any{
		"action":  "load",
		"name":    "triage",
		"content": "Classify everything the same way.",
	})
	if res["status"] != "error" {
		t.Fatalf("result = %v", res)
	}
	if res["error"] != "prompt must contain {tier} placeholder" {
		t.Errorf("error = %v", res["error"])
	}
	if reloads != 0 {
		t.Error("reload fired on rejected push")
	}
	if _, err := db.GetPrompt("triage"); err != store.ErrNotFound {
		t.Errorf("rejected prompt was stored: err = %v", err)
	}
}

func TestGetDefaultsToTriage(t *testing.T) {
	a, db := newTestAdmin(t, nil)

	if _, err := db.UpsertPrompt("triage", "rules for {tier}", "ad8d21d81a497993"); err != nil {
		t.Fatalf("UpsertPrompt: %v", err)
	}

	res := a.Handle(map[string]any{"action": "get"})
	if res["status"] != "ok" {
		t.Fatalf("result = %v", res)
	}
	if res["name"] != "triage" || res["content"] != "rules for {tier}" {
		t.Errorf("result = %v", res)
	}
	if res["hash"] != store.PromptHash("rules for {tier}") {
		t.Errorf("hash = %v", res["hash"])
	}
	if res["pushed_by"] != "ad8d21d81a497993" {
		t.Errorf("pushed_by = %v", res["pushed_by"])
	}
}

func TestGetMissingPrompt(t *testing.T) {
	a, _ := newTestAdmin(t, nil)

	res := a.Handle(map[string]any{"action": "get", "name": "absent"})
	if res["status"] != "error" || res["error"] != "prompt 'absent' not found" {
		t.Errorf("result = %v", res)
	}
}

func TestListReturnsStoredPrompts(t *testing.T) {
	a, db := newTestAdmin(t, nil)

	if _, err := db.UpsertPrompt("errorlog", "compile {tier} reports", "builtin"); err != nil {
		t.Fatalf("UpsertPrompt: %v", err)
	}
	if _, err := db.UpsertPrompt("triage", "rules for {tier}", "ad8d21d81a497993"); err != nil {
		t.Fatalf("UpsertPrompt: %v", err)
	}

	res := a.Handle(map[string]any{"action": "list"})
	if res["status"] != "ok" {
		t.Fatalf("result = %v", res)
	}
	prompts, ok := res["prompts"].([]map[string]any)
	if !ok {
		t.Fatalf("prompts = %T", res["prompts"])
	}
	if len(prompts) != 2 {
		t.Fatalf("got %d prompts, want 2", len(prompts))
	}
	// ListPrompts orders by name.
	if prompts[0]["name"] != "errorlog" || prompts[1]["name"] != "triage" {
		t.Errorf("order = %v, %v", prompts[0]["name"], prompts[1]["name"])
	}
	if prompts[1]["pushed_by"] != "ad8d21d81a497993" {
		t.Errorf("pushed_by = %v", prompts[1]["pushed_by"])
	}
	if prompts[0]["active"] != true {
		t.Errorf("active = %v", prompts[0]["active"])
	}
	if prompts[1]["hash"] != store.PromptHash("rules for {tier}") {
		t.Errorf("hash = %v", prompts[1]["hash"])
	}
}

func TestPushRecordsLiteralPusher(t *testing.T) {
	reloads := 0
	a, db := newTestAdmin(t, func() { reloads++ })

	p, err := a.Push("triage", "operator rules for {tier}", "operator")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if p.Hash != store.PromptHash("operator rules for {tier}") {
		t.Errorf("hash = %q", p.Hash)
	}
	if reloads != 1 {
		t.Errorf("reload fired %d times, want 1", reloads)
	}

	got, err := db.GetPrompt("triage")
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if got.PushedBy != "operator" {
		t.Errorf("pushed_by = %q", got.PushedBy)
	}
}

func TestUnknownAction(t *testing.T) {
	a, _ := newTestAdmin(t, nil)

	res := a.Handle(map[string]any{"action": "purge"})
	if res["status"] != "error" || res["error"] != "unknown action: purge" {
		t.Errorf("result = %v", res)
	}
}
