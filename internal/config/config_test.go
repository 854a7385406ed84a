package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/knarrhq/thrall/internal/store"
)

// scratchDir returns a plugin dir with all four section directories present
// but empty, so tests control exactly which files exist and the embedded
// defaults stay out of the way.
func scratchDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"recipes", "prompts", "models", "hotwires"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o750); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
}

const testPrompt = `
name = "triage"
model = "edge"
allow_no_body = true
template = "Classify for {tier}."
`

const testModel = `
name = "edge"
backend = "ollama"
model = "test:1b"
`

func writeLLMRefs(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, dir, "prompts/triage.toml", testPrompt)
	writeFile(t, dir, "models/edge.toml", testModel)
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	reg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load on empty dir: %v", err)
	}

	rec := reg.Recipe("mail-triage")
	if rec == nil {
		t.Fatal("default mail-triage recipe missing")
	}
	if !rec.Enabled || rec.Mode != ModeSupervised {
		t.Errorf("enabled=%v mode=%q", rec.Enabled, rec.Mode)
	}
	if rec.Trigger.Type != "on_mail" {
		t.Errorf("trigger type = %q", rec.Trigger.Type)
	}
	if rec.Evaluate.Type != "llm" || rec.Evaluate.Prompt != "triage" {
		t.Errorf("evaluate = %+v", rec.Evaluate)
	}

	p := reg.Prompts["triage"]
	if p == nil {
		t.Fatal("default triage prompt missing")
	}
	if !strings.Contains(p.Template, "{tier}") {
		t.Error("default prompt lost the {tier} binding")
	}
	if !p.AllowNoBody {
		t.Error("default prompt should set allow_no_body")
	}
	if p.Hash != store.PromptHash(p.Template) {
		t.Error("prompt hash not computed over the template")
	}

	m := reg.Models["edge"]
	if m == nil || m.Backend != "ollama" {
		t.Fatalf("default model = %+v", m)
	}
	if reg.Hotwires["prefilter"] == nil {
		t.Error("default hotwire set missing")
	}
	if reg.Plugin.Thrall.LoopThreshold != 2 || reg.Plugin.Thrall.KnockThreshold != 10 {
		t.Errorf("tunables = %+v", reg.Plugin.Thrall)
	}
}

func TestLoadTunableOverride(t *testing.T) {
	dir := scratchDir(t)
	writeFile(t, dir, "plugin.toml", "[thrall]\nloop_threshold = 7\n")

	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Plugin.Thrall.LoopThreshold != 7 {
		t.Errorf("loop_threshold = %d, want 7", reg.Plugin.Thrall.LoopThreshold)
	}
	// Unnamed fields keep their defaults.
	if reg.Plugin.Thrall.KnockThreshold != 10 || !reg.Plugin.Thrall.Enabled {
		t.Errorf("tunables = %+v", reg.Plugin.Thrall)
	}
	if reg.Plugin.Thrall.QueueTimeoutSeconds != 5.0 {
		t.Errorf("queue_timeout = %v", reg.Plugin.Thrall.QueueTimeoutSeconds)
	}
}

func TestLoadRecipeOrderAndNormalize(t *testing.T) {
	dir := scratchDir(t)
	writeFile(t, dir, "recipes/10-second.toml", "name = \"second\"\n[trigger]\ntype = \"on_tick\"\n")
	writeFile(t, dir, "recipes/02-first.toml", "name = \"first\"\n[trigger]\ntype = \"on_mail\"\n")

	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Recipes) != 2 || reg.Recipes[0].Name != "first" || reg.Recipes[1].Name != "second" {
		t.Fatalf("recipe order wrong: %+v", reg.Recipes)
	}

	f := reg.Recipes[0].Filter
	if f.RateLimitMax != 5 || f.RateLimitWindowSeconds != 3600 {
		t.Errorf("rate limit defaults not inherited: %+v", f)
	}
	if f.RateLimitAction != "drop" || f.BypassAction != "wake" {
		t.Errorf("action defaults not filled: %+v", f)
	}
}

func TestLoadRecipeKeepsExplicitFilter(t *testing.T) {
	dir := scratchDir(t)
	writeFile(t, dir, "recipes/01-r.toml", `
name = "r"
[trigger]
type = "on_mail"
[filter]
rate_limit_max = 9
rate_limit_action = "wake"
`)
	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	f := reg.Recipes[0].Filter
	if f.RateLimitMax != 9 || f.RateLimitAction != "wake" {
		t.Errorf("explicit filter overridden: %+v", f)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		errLike string
	}{
		{
			"unknown recipe field",
			"recipes/01-r.toml",
			"name = \"r\"\nsurprise = 1\n[trigger]\ntype = \"on_mail\"\n",
			"unknown fields",
		},
		{
			"missing trigger",
			"recipes/01-r.toml",
			"name = \"r\"\n",
			"missing [trigger]",
		},
		{
			"unknown trigger type",
			"recipes/01-r.toml",
			"name = \"r\"\n[trigger]\ntype = \"on_webhook\"\n",
			"unknown trigger type",
		},
		{
			"unknown mode",
			"recipes/01-r.toml",
			"name = \"r\"\nmode = \"yolo\"\n[trigger]\ntype = \"on_mail\"\n",
			"unknown mode",
		},
		{
			"nameless recipe",
			"recipes/01-r.toml",
			"[trigger]\ntype = \"on_mail\"\n",
			"no name",
		},
		{
			"unknown step type",
			"recipes/01-r.toml",
			"name = \"r\"\n[trigger]\ntype = \"on_mail\"\n[[actions.wake]]\ntype = \"teleport\"\n",
			"unknown step type",
		},
		{
			"step missing field",
			"recipes/01-r.toml",
			"name = \"r\"\n[trigger]\ntype = \"on_mail\"\n[[actions.wake]]\ntype = \"act\"\n",
			"act needs a skill",
		},
		{
			"dangling prompt",
			"recipes/01-r.toml",
			"name = \"r\"\n[trigger]\ntype = \"on_mail\"\n[evaluate]\ntype = \"llm\"\nprompt = \"ghost\"\nmodel = \"edge\"\n",
			"undefined prompt",
		},
		{
			"dangling hotwire",
			"recipes/01-r.toml",
			"name = \"r\"\n[trigger]\ntype = \"on_mail\"\n[evaluate]\ntype = \"hotwire\"\nhotwire = \"ghost\"\n",
			"undefined hotwire",
		},
		{
			"bad fallback action",
			"recipes/01-r.toml",
			"name = \"r\"\n[trigger]\ntype = \"on_mail\"\n[evaluate]\ntype = \"llm\"\nprompt = \"triage\"\nmodel = \"edge\"\nfallback_action = \"panic\"\n",
			"unknown fallback_action",
		},
		{
			"prompt without body or opt-out",
			"prompts/bare.toml",
			"name = \"bare\"\ntemplate = \"Classify {tier}.\"\n",
			"allow_no_body",
		},
		{
			"unsupported model backend",
			"models/bad.toml",
			"name = \"bad\"\nbackend = \"bedrock\"\n",
			"unsupported backend",
		},
		{
			"invalid hotwire regex",
			"hotwires/bad.toml",
			"name = \"bad\"\n[[rules]]\nfield = \"body_text\"\npattern = \"([\"\naction = \"drop\"\n",
			"pattern",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := scratchDir(t)
			writeLLMRefs(t, dir)
			writeFile(t, dir, tt.file, tt.content)
			_, err := Load(dir)
			if err == nil {
				t.Fatal("Load should have failed")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.errLike) {
				t.Errorf("err = %q, want substring %q", err, tt.errLike)
			}
		})
	}
}

func TestLoadDuplicateRecipeName(t *testing.T) {
	dir := scratchDir(t)
	writeFile(t, dir, "recipes/01-a.toml", "name = \"same\"\n[trigger]\ntype = \"on_mail\"\n")
	writeFile(t, dir, "recipes/02-b.toml", "name = \"same\"\n[trigger]\ntype = \"on_mail\"\n")
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "duplicate recipe") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadInvalidTrustPrefix(t *testing.T) {
	dir := scratchDir(t)
	writeFile(t, dir, "plugin.toml", "[trust]\nteam = [\"SHOUTING-NOT-HEX\"]\n")
	_, err := Load(dir)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestLoadModelRefFromPrompt(t *testing.T) {
	dir := scratchDir(t)
	writeLLMRefs(t, dir)
	// No evaluate.model: the prompt's model ref must resolve.
	writeFile(t, dir, "recipes/01-r.toml",
		"name = \"r\"\n[trigger]\ntype = \"on_mail\"\n[evaluate]\ntype = \"llm\"\nprompt = \"triage\"\n")

	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	m := reg.EvalModel(&reg.Recipes[0].Evaluate)
	if m == nil || m.Name != "edge" {
		t.Fatalf("EvalModel = %+v", m)
	}
}

func TestLoadEvaluateDefaultsToNone(t *testing.T) {
	dir := scratchDir(t)
	writeFile(t, dir, "recipes/01-r.toml", "name = \"r\"\n[trigger]\ntype = \"on_mail\"\n")
	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Recipes[0].Evaluate.Type != "none" {
		t.Errorf("evaluate type = %q, want none", reg.Recipes[0].Evaluate.Type)
	}
}

func TestScaffold(t *testing.T) {
	dir := t.TempDir()
	created, err := Scaffold(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"plugin.toml",
		"recipes/02-mail-triage.toml",
		"prompts/triage.toml",
		"models/edge.toml",
		"hotwires/prefilter.toml",
		"scenarios/smoke.yaml",
	}
	for _, rel := range want {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
	if len(created) != len(want) {
		t.Errorf("created %d files, want %d: %v", len(created), len(want), created)
	}

	// A scaffolded dir must load cleanly.
	if _, err := Load(dir); err != nil {
		t.Fatalf("scaffolded dir does not load: %v", err)
	}

	// Re-running init never clobbers operator edits.
	writeFile(t, dir, "plugin.toml", "[thrall]\nloop_threshold = 42\n")
	created, err = Scaffold(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("re-scaffold created %v", created)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "plugin.toml"))
	if !strings.Contains(string(data), "loop_threshold = 42") {
		t.Error("Scaffold overwrote an existing file")
	}
}

func TestDefaultPrompt(t *testing.T) {
	p, err := DefaultPrompt()
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "triage" {
		t.Errorf("name = %q", p.Name)
	}
	if !strings.Contains(p.Template, "{tier}") {
		t.Error("default prompt lost the {tier} binding")
	}
	if !strings.Contains(p.Template, `"action":"drop"`) {
		t.Error("default prompt lost the output format example")
	}
	if p.Hash != store.PromptHash(p.Template) {
		t.Error("hash mismatch")
	}
}

func TestTunableDurations(t *testing.T) {
	tn := DefaultTunables()
	if tn.QueueTimeout().Seconds() != 5.0 {
		t.Errorf("QueueTimeout = %v", tn.QueueTimeout())
	}
	if tn.ClassificationTTL().Hours() != 30*24 {
		t.Errorf("ClassificationTTL = %v", tn.ClassificationTTL())
	}
	if tn.ReplyWindow().Minutes() != 30 {
		t.Errorf("ReplyWindow = %v", tn.ReplyWindow())
	}
}
