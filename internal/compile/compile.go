// Package compile accumulates envelopes into named buffers and flushes them
// as markdown digest artifacts. A flush fires on age, on entry count, or on
// a keyword hit; the latter two may also summon the agent.
package compile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/config"
)

const (
	defaultFlushAfter      = 24 * time.Hour
	defaultSummonThreshold = 20
)

// Entry is one buffered item.
type Entry struct {
	At   time.Time
	From string
	Text string
}

// Flush describes one completed flush.
type Flush struct {
	Buffer  string
	Path    string
	Count   int
	Trigger string // age | size | keyword
	// Summon is set for size and keyword flushes; the engine turns it into
	// a summon action.
	Summon bool
	// Keyword is the matched summon keyword for keyword flushes.
	Keyword string
}

// ArtifactWriter persists one rendered digest and returns its path.
type ArtifactWriter interface {
	Write(buffer string, ts time.Time, data []byte) (string, error)
}

// DirWriter writes artifacts under a directory with an atomic tmp+rename.
type DirWriter struct {
	Dir string
}

func (w DirWriter) Write(buffer string, ts time.Time, data []byte) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("%s-%s.md", buffer, ts.UTC().Format("20060102T150405")))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

type buffer struct {
	name            string
	flushAfter      time.Duration
	summonThreshold int
	summonKeywords  []string
	entries         []Entry
}

// Manager owns all buffers. Methods run on the coordination goroutine.
type Manager struct {
	specs  map[string]config.BufferSpec
	writer ArtifactWriter
	log    zerolog.Logger
	now    func() time.Time

	buffers map[string]*buffer
}

func NewManager(specs map[string]config.BufferSpec, writer ArtifactWriter, log zerolog.Logger) *Manager {
	return &Manager{
		specs:   specs,
		writer:  writer,
		log:     log,
		now:     time.Now,
		buffers: map[string]*buffer{},
	}
}

func (m *Manager) get(name string) *buffer {
	if b, ok := m.buffers[name]; ok {
		return b
	}
	b := &buffer{name: name}
	m.configure(b)
	m.buffers[name] = b
	return b
}

func (m *Manager) configure(b *buffer) {
	b.flushAfter = defaultFlushAfter
	b.summonThreshold = defaultSummonThreshold
	b.summonKeywords = nil
	if spec, ok := m.specs[b.name]; ok {
		if spec.FlushAfterSeconds > 0 {
			b.flushAfter = time.Duration(spec.FlushAfterSeconds) * time.Second
		}
		if spec.SummonThreshold > 0 {
			b.summonThreshold = spec.SummonThreshold
		}
		b.summonKeywords = spec.SummonKeywords
	}
}

// Reconfigure installs new buffer specs after a registry swap. Buffered
// entries survive; thresholds take effect immediately.
func (m *Manager) Reconfigure(specs map[string]config.BufferSpec) {
	m.specs = specs
	for _, b := range m.buffers {
		m.configure(b)
	}
}

// Append adds an entry and returns a Flush when a size or keyword trigger
// fires, nil otherwise.
func (m *Manager) Append(name string, e Entry) (*Flush, error) {
	b := m.get(name)
	if e.At.IsZero() {
		e.At = m.now()
	}
	b.entries = append(b.entries, e)

	lower := strings.ToLower(e.Text)
	for _, kw := range b.summonKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			f, err := m.flush(b, "keyword")
			if f != nil {
				f.Summon = true
				f.Keyword = kw
			}
			return f, err
		}
	}
	if len(b.entries) >= b.summonThreshold {
		f, err := m.flush(b, "size")
		if f != nil {
			f.Summon = true
		}
		return f, err
	}
	return nil, nil
}

// Tick flushes every buffer whose oldest entry has aged past flush_after.
func (m *Manager) Tick() []*Flush {
	var flushes []*Flush
	now := m.now()
	for _, b := range m.buffers {
		if len(b.entries) == 0 {
			continue
		}
		if now.Sub(b.entries[0].At) >= b.flushAfter {
			f, err := m.flush(b, "age")
			if err != nil {
				m.log.Error().Err(err).Str("buffer", b.name).Msg("age flush failed")
				continue
			}
			flushes = append(flushes, f)
		}
	}
	return flushes
}

// Pending returns the entry count for a buffer without touching it.
func (m *Manager) Pending(name string) int {
	if b, ok := m.buffers[name]; ok {
		return len(b.entries)
	}
	return 0
}

func (m *Manager) flush(b *buffer, trigger string) (*Flush, error) {
	ts := m.now()
	data := render(b.name, ts, trigger, b.entries)
	path, err := m.writer.Write(b.name, ts, data)
	if err != nil {
		return nil, fmt.Errorf("flush %s: %w", b.name, err)
	}
	f := &Flush{Buffer: b.name, Path: path, Count: len(b.entries), Trigger: trigger}
	b.entries = nil
	m.log.Info().
		Str("buffer", b.name).
		Str("trigger", trigger).
		Int("entries", f.Count).
		Str("path", path).
		Msg("buffer flushed")
	return f, nil
}

func render(name string, ts time.Time, trigger string, entries []Entry) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s digest\n\n", name)
	fmt.Fprintf(&sb, "Flushed: %s (trigger: %s)\n", ts.UTC().Format(time.RFC3339), trigger)
	fmt.Fprintf(&sb, "Entries: %d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n## %s [%s]\n\n%s\n", e.At.UTC().Format("2006-01-02 15:04:05"), e.From, e.Text)
	}
	return []byte(sb.String())
}
