// Package llm classifies message bodies through a pluggable model backend.
//
// Backends return raw response text over a narrow classify(system, user)
// contract. The Evaluator owns the single inference permit, JSON parsing,
// action validation, and tier fallback, so backends stay dumb transports.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrQueueFull is returned when the inference permit cannot be acquired
	// within the queue timeout.
	ErrQueueFull = errors.New("inference queue full")

	// ErrMalformedOutput is returned when the backend response contains no
	// parseable JSON object.
	ErrMalformedOutput = errors.New("malformed model output")

	// ErrUnavailable is returned when the backend cannot accept requests.
	ErrUnavailable = errors.New("backend unavailable")
)

// Backend is a model transport. Classify returns the raw response text;
// parsing and validation belong to the Evaluator.
type Backend interface {
	Name() string
	ModelName() string
	Classify(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Available(ctx context.Context) bool
}

// ModelConfig describes one configured model. Zero fields take
// backend-specific defaults.
type ModelConfig struct {
	Name        string
	Backend     string
	Model       string
	ModelPath   string
	URL         string
	APIKey      string
	APIKeyVault string
	Temperature float64
	MaxTokens   int
	NumCtx      int
	Threads     int
	TimeoutSecs int
}

// VaultFunc resolves a secret by key. Nil means no vault.
type VaultFunc func(key string) (string, error)

// Deps carries host-provided hooks into backend constructors.
type Deps struct {
	Vault  VaultFunc
	Runner Runner
}

// Factory builds a Backend from its model config.
type Factory func(cfg ModelConfig, deps Deps) (Backend, error)

var (
	regMu    sync.RWMutex
	backends = map[string]Factory{}
)

// RegisterBackend installs a backend factory. Later registrations with the
// same name replace earlier ones.
func RegisterBackend(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	backends[name] = f
}

// KnownBackend reports whether name has a registered factory.
func KnownBackend(name string) bool {
	regMu.RLock()
	defer regMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// BackendNames returns the registered backend names, sorted.
func BackendNames() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend builds the backend named by cfg.Backend.
func NewBackend(cfg ModelConfig, deps Deps) (Backend, error) {
	regMu.RLock()
	f, ok := backends[cfg.Backend]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (have %v)", cfg.Backend, BackendNames())
	}
	return f(cfg, deps)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
