package thrall

import (
	"context"

	"github.com/rs/zerolog"
)

// Host is the surface Thrall needs from the embedding node. All methods
// must be safe for concurrent use; SendMail may block on the network and
// is always called with a deadline-carrying context.
type Host interface {
	// NodeID returns the node's own identifier (16-hex prefix or longer id).
	NodeID() string
	// PluginDir returns the directory Thrall owns for config, state and
	// artifacts.
	PluginDir() string
	// Logger returns the process logger; Thrall derives component loggers
	// from it.
	Logger() zerolog.Logger
	// SendMail sends a P2P message. system marks node-generated traffic so
	// the receiving side can tell it from operator mail.
	SendMail(ctx context.Context, to, msgType, body, session string, system bool) error
	// VaultGet resolves a secret by key.
	VaultGet(key string) (string, error)
}

// Runner is an in-process model runtime for models with backend "local".
// Load is called once before the first Complete; a load failure is latched
// and the model stays unavailable until restart.
type Runner interface {
	Load(modelPath string, threads, numCtx int) error
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}
