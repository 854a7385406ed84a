// Package host defines the surface Thrall needs from the node that embeds it.
package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Context is implemented by the embedding node. All methods must be safe for
// concurrent use; SendMail may block on the network and is always called with
// a deadline-carrying context.
type Context interface {
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

// SentMail records one SendMail call on the Fake.
type SentMail struct {
	To      string
	MsgType string
	Body    string
	Session string
	System  bool
}

// Fake is an in-memory Context for tests.
type Fake struct {
	ID      string
	Dir     string
	Log     zerolog.Logger
	Vault   map[string]string
	SendErr error

	mu    sync.Mutex
	mails []SentMail
}

// NewFake returns a Fake with a temp-friendly zero logger. Callers set Dir
// to a t.TempDir().
func NewFake(nodeID, dir string) *Fake {
	return &Fake{
		ID:    nodeID,
		Dir:   dir,
		Log:   zerolog.Nop(),
		Vault: map[string]string{},
	}
}

func (f *Fake) NodeID() string         { return f.ID }
func (f *Fake) PluginDir() string      { return f.Dir }
func (f *Fake) Logger() zerolog.Logger { return f.Log }

func (f *Fake) SendMail(_ context.Context, to, msgType, body, session string, system bool) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mails = append(f.mails, SentMail{To: to, MsgType: msgType, Body: body, Session: session, System: system})
	return nil
}

func (f *Fake) VaultGet(key string) (string, error) {
	if v, ok := f.Vault[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("vault: no secret %q", key)
}

// Mails returns a copy of everything sent so far.
func (f *Fake) Mails() []SentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMail, len(f.mails))
	copy(out, f.mails)
	return out
}

// Reset clears recorded mail.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mails = nil
}
