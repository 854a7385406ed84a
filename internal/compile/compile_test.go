package compile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/config"
)

func newTestManager(t *testing.T, specs map[string]config.BufferSpec) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(specs, DirWriter{Dir: dir}, zerolog.Nop())
	return m, dir
}

func entry(text string) Entry {
	return Entry{From: "aaaaaaaaaaaaaaaa0000", Text: text}
}

func TestAppendBelowThresholdNoFlush(t *testing.T) {
	m, dir := newTestManager(t, map[string]config.BufferSpec{
		"research": {SummonThreshold: 5},
	})
	for i := 0; i < 4; i++ {
		f, err := m.Append("research", entry("note"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if f != nil {
			t.Fatalf("unexpected flush at entry %d", i+1)
		}
	}
	if got := m.Pending("research"); got != 4 {
		t.Fatalf("Pending = %d, want 4", got)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("artifacts written before flush: %d", len(files))
	}
}

func TestSizeFlush(t *testing.T) {
	m, dir := newTestManager(t, map[string]config.BufferSpec{
		"research": {SummonThreshold: 3},
	})
	var f *Flush
	var err error
	for i := 0; i < 3; i++ {
		f, err = m.Append("research", entry("note"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if f == nil {
		t.Fatal("expected flush at threshold")
	}
	if f.Trigger != "size" || !f.Summon || f.Count != 3 {
		t.Fatalf("flush = %+v, want size/summon/3", f)
	}
	if m.Pending("research") != 0 {
		t.Fatalf("buffer not cleared: %d pending", m.Pending("research"))
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	text := string(data)
	for _, want := range []string{"# research digest", "trigger: size", "Entries: 3", "note"} {
		if !strings.Contains(text, want) {
			t.Errorf("artifact missing %q:\n%s", want, text)
		}
	}
	if filepath.Dir(f.Path) != dir {
		t.Errorf("artifact outside dir: %s", f.Path)
	}
	files, _ := os.ReadDir(dir)
	for _, fi := range files {
		if strings.HasSuffix(fi.Name(), ".tmp") {
			t.Errorf("tmp file left behind: %s", fi.Name())
		}
	}
}

func TestKeywordFlush(t *testing.T) {
	m, _ := newTestManager(t, map[string]config.BufferSpec{
		"research": {SummonThreshold: 100, SummonKeywords: []string{"urgent", "deadline"}},
	})
	f, err := m.Append("research", entry("routine note"))
	if err != nil || f != nil {
		t.Fatalf("routine note flushed: %v %v", f, err)
	}
	f, err = m.Append("research", entry("this is URGENT, look now"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if f == nil {
		t.Fatal("expected keyword flush")
	}
	if f.Trigger != "keyword" || !f.Summon || f.Keyword != "urgent" {
		t.Fatalf("flush = %+v, want keyword/summon/urgent", f)
	}
	if f.Count != 2 {
		t.Fatalf("Count = %d, want 2 (both entries flushed)", f.Count)
	}
}

func TestAgeFlush(t *testing.T) {
	m, _ := newTestManager(t, map[string]config.BufferSpec{
		"research": {FlushAfterSeconds: 3600},
	})
	base := time.Now()
	m.now = func() time.Time { return base }
	if _, err := m.Append("research", entry("old news")); err != nil {
		t.Fatal(err)
	}

	if flushes := m.Tick(); len(flushes) != 0 {
		t.Fatalf("flushed too early: %v", flushes)
	}

	m.now = func() time.Time { return base.Add(3601 * time.Second) }
	flushes := m.Tick()
	if len(flushes) != 1 {
		t.Fatalf("Tick flushes = %d, want 1", len(flushes))
	}
	f := flushes[0]
	if f.Trigger != "age" || f.Summon || f.Count != 1 {
		t.Fatalf("flush = %+v, want age/no-summon/1", f)
	}

	if flushes := m.Tick(); len(flushes) != 0 {
		t.Fatalf("empty buffer flushed again: %v", flushes)
	}
}

func TestUnknownBufferGetsDefaults(t *testing.T) {
	m, _ := newTestManager(t, nil)
	for i := 0; i < defaultSummonThreshold-1; i++ {
		f, err := m.Append("scratch", entry("note"))
		if err != nil || f != nil {
			t.Fatalf("entry %d: flush=%v err=%v", i+1, f, err)
		}
	}
	f, err := m.Append("scratch", entry("note"))
	if err != nil {
		t.Fatal(err)
	}
	if f == nil || f.Count != defaultSummonThreshold {
		t.Fatalf("flush = %+v, want default threshold %d", f, defaultSummonThreshold)
	}
}

func TestDigestRendersEntries(t *testing.T) {
	m, _ := newTestManager(t, map[string]config.BufferSpec{
		"log": {SummonThreshold: 2},
	})
	if _, err := m.Append("log", Entry{From: "aaaaaaaaaaaaaaaa0000", Text: "first item"}); err != nil {
		t.Fatal(err)
	}
	f, err := m.Append("log", Entry{From: "bbbbbbbbbbbbbbbb0000", Text: "second item"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{"first item", "second item", "[aaaaaaaaaaaaaaaa0000]", "[bbbbbbbbbbbbbbbb0000]"} {
		if !strings.Contains(text, want) {
			t.Errorf("digest missing %q", want)
		}
	}
	if strings.Index(text, "first item") > strings.Index(text, "second item") {
		t.Error("entries out of order")
	}
}
