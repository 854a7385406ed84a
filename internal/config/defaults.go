package config

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/knarrhq/thrall/internal/store"
)

// Embedded defaults: a bare install classifies mail out of the box, and
// `thrall init` scaffolds these into a real plugin directory.
//
//go:embed defaults
var defaultsFS embed.FS

// Scaffold writes the embedded defaults under dir, skipping files that
// already exist so re-running init never clobbers operator edits. It
// returns the relative paths it created.
func Scaffold(dir string) ([]string, error) {
	var created []string
	err := fs.WalkDir(defaultsFS, "defaults", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel("defaults", path)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		data, err := defaultsFS.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o640); err != nil {
			return fmt.Errorf("scaffold %s: %w", rel, err)
		}
		created = append(created, rel)
		return nil
	})
	return created, err
}

// DefaultPrompt returns the embedded triage prompt: name, template and hash.
// The store seeds thrall_prompts with it on first open.
func DefaultPrompt() (*PromptSpec, error) {
	data, err := defaultsFS.ReadFile("defaults/prompts/triage.toml")
	if err != nil {
		return nil, err
	}
	p := &PromptSpec{Version: 1}
	if err := decodeStrict("triage.toml", data, p); err != nil {
		return nil, err
	}
	p.Hash = store.PromptHash(p.Template)
	return p, nil
}
