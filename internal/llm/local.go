package llm

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
)

func init() {
	RegisterBackend("local", newLocalBackend)
}

// Runner is an in-process model runtime. Load is called once before the
// first Complete; a load failure is latched and the backend stays
// unavailable until restart.
type Runner interface {
	Load(modelPath string, threads, numCtx int) error
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}

type localBackend struct {
	modelPath   string
	threads     int
	numCtx      int
	maxTokens   int
	temperature float64
	runner      Runner

	mu      sync.Mutex
	loaded  bool
	loadErr error
}

func newLocalBackend(cfg ModelConfig, deps Deps) (Backend, error) {
	b := &localBackend{
		modelPath:   cfg.ModelPath,
		threads:     cfg.Threads,
		numCtx:      cfg.NumCtx,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		runner:      deps.Runner,
	}
	if b.threads == 0 {
		b.threads = 4
	}
	if b.numCtx == 0 {
		b.numCtx = 1024
	}
	if b.maxTokens == 0 {
		b.maxTokens = 128
	}
	if b.temperature == 0 {
		b.temperature = 0.1
	}
	return b, nil
}

func (b *localBackend) Name() string { return "local" }

func (b *localBackend) ModelName() string {
	if b.modelPath == "" {
		return "none"
	}
	return truncate(filepath.Base(b.modelPath), 40)
}

func (b *localBackend) Available(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return true
	}
	if b.loadErr != nil {
		return false
	}
	return b.modelPath != "" && b.runner != nil
}

func (b *localBackend) ensureLoaded() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return nil
	}
	if b.loadErr != nil {
		return b.loadErr
	}
	if b.runner == nil {
		b.loadErr = fmt.Errorf("%w: no local runtime linked", ErrUnavailable)
		return b.loadErr
	}
	if b.modelPath == "" {
		b.loadErr = fmt.Errorf("%w: no model path configured", ErrUnavailable)
		return b.loadErr
	}
	if err := b.runner.Load(b.modelPath, b.threads, b.numCtx); err != nil {
		b.loadErr = fmt.Errorf("load %s: %w", b.modelPath, err)
		return b.loadErr
	}
	b.loaded = true
	return nil
}

func (b *localBackend) Classify(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := b.ensureLoaded(); err != nil {
		return "", err
	}
	return b.runner.Complete(ctx, systemPrompt, userPrompt, b.maxTokens, b.temperature)
}
