package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SentinelName is the file in the plugin dir whose write triggers a reload.
const SentinelName = "thrall.reload"

const debounceDelay = 500 * time.Millisecond

// Manager owns the current registry and swaps in validated replacements.
// Readers grab Current once per pipeline run and keep it for the whole run.
type Manager struct {
	dir string
	log zerolog.Logger
	cur atomic.Pointer[Registry]

	mu     sync.Mutex
	onSwap []func(*Registry)
}

// NewManager loads the initial registry from dir. A bad config at startup is
// a hard error; only reloads fall back to the previous generation.
func NewManager(dir string, log zerolog.Logger) (*Manager, error) {
	reg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{dir: dir, log: log}
	m.cur.Store(reg)
	return m, nil
}

// Current returns the installed registry.
func (m *Manager) Current() *Registry { return m.cur.Load() }

// Dir returns the plugin directory the manager loads from.
func (m *Manager) Dir() string { return m.dir }

// OnSwap registers a callback invoked after each successful swap.
func (m *Manager) OnSwap(fn func(*Registry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSwap = append(m.onSwap, fn)
}

// Reload loads and validates a fresh registry. On failure the current
// registry stays installed and the error is logged and returned.
func (m *Manager) Reload() error {
	reg, err := Load(m.dir)
	if err != nil {
		m.log.Error().Err(err).Msg("config reload rejected, keeping previous registry")
		return err
	}

	m.mu.Lock()
	m.cur.Store(reg)
	callbacks := append([]func(*Registry){}, m.onSwap...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(reg)
	}
	m.log.Info().
		Int("recipes", len(reg.Recipes)).
		Int("prompts", len(reg.Prompts)).
		Int("models", len(reg.Models)).
		Msg("config reloaded")
	return nil
}

// Watch blocks until ctx is cancelled, reloading when the sentinel file is
// written. Writes are debounced so an editor's save dance triggers one
// reload, not three.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch %q: %w", m.dir, err)
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != SentinelName {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					m.Reload()
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}
