package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/engine"
	"github.com/knarrhq/thrall/internal/store"
)

// testDir points every command at a temp plugin directory via the
// persistent flag.
func testDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dirFlag = dir
	t.Cleanup(func() { dirFlag = "" })
	return dir
}

func TestRunInitScaffolds(t *testing.T) {
	dir := testDir(t)

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	for _, rel := range []string{
		"plugin.toml",
		"recipes/02-mail-triage.toml",
		"prompts/triage.toml",
		"models/edge.toml",
		"hotwires/prefilter.toml",
		"scenarios/smoke.yaml",
	} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("%s not created: %v", rel, err)
		}
	}
}

func TestRunInitPreservesExisting(t *testing.T) {
	dir := testDir(t)

	sentinel := "# operator-tuned\n[thrall]\nenabled = false\n"
	path := filepath.Join(dir, "plugin.toml")
	if err := os.WriteFile(path, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != sentinel {
		t.Error("plugin.toml was overwritten")
	}
}

func TestPluginDirResolution(t *testing.T) {
	dirFlag = "/explicit"
	t.Cleanup(func() { dirFlag = "" })
	if got, _ := pluginDir(); got != "/explicit" {
		t.Errorf("flag should win, got %q", got)
	}

	dirFlag = ""
	t.Setenv("THRALL_PLUGIN_DIR", "/from-env")
	if got, _ := pluginDir(); got != "/from-env" {
		t.Errorf("env should win over home, got %q", got)
	}

	t.Setenv("THRALL_PLUGIN_DIR", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := pluginDir()
	if err != nil {
		t.Fatalf("pluginDir failed: %v", err)
	}
	if got != filepath.Join(home, ".thrall") {
		t.Errorf("expected home default, got %q", got)
	}
}

func TestRunPromptLoadAndGet(t *testing.T) {
	dir := testDir(t)

	content := "Classify for {tier} senders.\n"
	src := filepath.Join(dir, "new-prompt.txt")
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	promptLoadFile = src
	t.Cleanup(func() { promptLoadFile = "" })
	if err := runPromptLoad(nil, []string{"triage"}); err != nil {
		t.Fatalf("runPromptLoad failed: %v", err)
	}

	db, err := store.Open(filepath.Join(dir, "thrall.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	p, err := db.GetPrompt("triage")
	if err != nil {
		t.Fatalf("prompt not stored: %v", err)
	}
	if p.Content != content {
		t.Errorf("stored content %q, want %q", p.Content, content)
	}
	if p.PushedBy != "operator" {
		t.Errorf("pushed_by = %q, want operator", p.PushedBy)
	}

	if err := runPromptGet(nil, []string{"triage"}); err != nil {
		t.Errorf("runPromptGet failed: %v", err)
	}
	if err := runPromptList(nil, nil); err != nil {
		t.Errorf("runPromptList failed: %v", err)
	}
}

func TestRunPromptLoadRejectsMissingTier(t *testing.T) {
	dir := testDir(t)

	src := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(src, []byte("no placeholder here"), 0o644); err != nil {
		t.Fatal(err)
	}

	promptLoadFile = src
	t.Cleanup(func() { promptLoadFile = "" })
	err := runPromptLoad(nil, nil)
	if err == nil || !strings.Contains(err.Error(), "{tier}") {
		t.Fatalf("expected placeholder rejection, got %v", err)
	}
}

func TestRunPromptLoadMissingFile(t *testing.T) {
	testDir(t)

	promptLoadFile = "/nonexistent/prompt.txt"
	t.Cleanup(func() { promptLoadFile = "" })
	err := runPromptLoad(nil, nil)
	if err == nil || !strings.Contains(err.Error(), "read prompt") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestBreakerTripListClear(t *testing.T) {
	dir := testDir(t)

	breakerTripType = "manual"
	breakerTripReason = "maintenance window"
	breakerTripExpire = time.Hour
	if err := runBreakerTrip(nil, []string{"global"}); err != nil {
		t.Fatalf("runBreakerTrip failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "breakers", "global.json")); err != nil {
		t.Fatalf("breaker file not written: %v", err)
	}

	if err := runBreakerList(nil, nil); err != nil {
		t.Errorf("runBreakerList failed: %v", err)
	}

	if err := runBreakerClear(nil, []string{"global"}); err != nil {
		t.Fatalf("runBreakerClear failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "breakers", "global.json")); !os.IsNotExist(err) {
		t.Error("breaker file still present after clear")
	}
}

func TestRunBreakerClearRejectsBadTarget(t *testing.T) {
	testDir(t)

	if err := runBreakerClear(nil, []string{"../etc/passwd"}); err == nil {
		t.Fatal("expected invalid target error")
	}
}

func TestRunJournalShowMissing(t *testing.T) {
	testDir(t)

	err := runJournalShow(nil, []string{"99"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}

	err = runJournalShow(nil, []string{"abc"})
	if err == nil || !strings.Contains(err.Error(), "invalid journal id") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFormatJournalRows(t *testing.T) {
	rows := []*store.JournalRow{
		{
			ID:             3,
			TS:             time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
			Pipeline:       "mail-triage",
			EnvelopeJSON:   `{"from_node":"AAAAAAAAAAAAAAAA0001","msg_type":"text"}`,
			EvalType:       "llm",
			EvalResultJSON: `{"action":"drop","reason":"single word greeting"}`,
			ActionName:     "drop",
		},
	}
	out := formatJournalRows(rows)
	for _, want := range []string{"mail-triage", "drop", "llm", "aaaaaaaaaaaaaaaa", "single word greeting"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if got := formatJournalRows(nil); got != "journal is empty\n" {
		t.Errorf("empty output = %q", got)
	}
}

func TestFormatJournalRowFull(t *testing.T) {
	row := &store.JournalRow{
		ID:              7,
		TS:              time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		Pipeline:        "mail-triage",
		SessionID:       "ops-1",
		EnvelopeJSON:    `{"from_node":"aaaaaaaaaaaaaaaa0001"}`,
		FilterJSON:      `{"trust_tier":"unknown"}`,
		EvalType:        "llm",
		EvalResultJSON:  `{"action":"wake","reason":"skill request"}`,
		ActionName:      "wake",
		ActionTraceJSON: `[{"step":"summon"}]`,
		WallMS:          812,
		Mode:            "supervised",
		Reviewed:        store.ReviewedPending,
	}
	out := formatJournalRow(row)
	for _, want := range []string{"id:        7", "session:   ops-1", "reviewed:  pending", "wall:      812ms", "trust_tier", "summon"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "correction") {
		t.Error("empty correction should be omitted")
	}
}

func TestFormatReplay(t *testing.T) {
	res := &engine.ReplayResult{
		JournalID:  42,
		Pipeline:   "mail-triage",
		Matched:    true,
		EvalType:   "llm",
		ActionName: "drop",
		Result:     map[string]any{"reason": "duplicate ack"},
		WallMS:     95,
		Trace:      []map[string]any{{"step": "log", "dry_run": true}},
	}
	out := formatReplay(res)
	for _, want := range []string{"journal:   42", "action:    drop", "reason:    duplicate ack", "trace:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out = formatReplay(&engine.ReplayResult{JournalID: 43, Pipeline: "mail-triage"})
	if !strings.Contains(out, "no recipe matched") {
		t.Errorf("unmatched replay should say so:\n%s", out)
	}
}

func TestJournalEntrySanitizesSender(t *testing.T) {
	entry := newJournalEntry(&store.JournalRow{
		EnvelopeJSON: `{"from_node":"AAAAAAAAAAAAAAAA0001","msg_type":"chat"}`,
	})
	if entry.From != "aaaaaaaaaaaaaaaa" {
		t.Errorf("From = %q", entry.From)
	}
	if entry.MsgType != "chat" {
		t.Errorf("MsgType = %q", entry.MsgType)
	}

	entry = newJournalEntry(&store.JournalRow{EnvelopeJSON: `{"from_node":"??"}`})
	if entry.From != "" {
		t.Errorf("malformed sender should render empty, got %q", entry.From)
	}
}
