package thrall

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/breaker"
	"github.com/knarrhq/thrall/internal/config"
	"github.com/knarrhq/thrall/internal/engine"
	"github.com/knarrhq/thrall/internal/eventlog"
	"github.com/knarrhq/thrall/internal/promptadmin"
	"github.com/knarrhq/thrall/internal/store"
)

// Guard is one running Thrall instance bound to a host node. All methods
// are safe for concurrent use.
type Guard struct {
	host   Host
	log    zerolog.Logger
	cfg    *config.Manager
	db     *store.Store
	events *eventlog.Writer
	brk    *breaker.Store
	eng    *engine.Engine
	admin  *promptadmin.Admin
	cancel context.CancelFunc
}

// New builds a Guard over the host's plugin directory and starts its
// pipeline. Missing config files are scaffolded from the embedded defaults
// on first run; existing files are never touched.
func New(h Host, opts ...Option) (*Guard, error) {
	var gc guardConfig
	for _, o := range opts {
		o(&gc)
	}

	dir := h.PluginDir()
	log := h.Logger()

	created, err := config.Scaffold(dir)
	if err != nil {
		return nil, fmt.Errorf("thrall: scaffold plugin dir: %w", err)
	}
	if len(created) > 0 {
		log.Info().Int("files", len(created)).Str("dir", dir).Msg("scaffolded default config")
	}

	mgr, err := config.NewManager(dir, log)
	if err != nil {
		return nil, fmt.Errorf("thrall: load config: %w", err)
	}
	db, err := store.Open(filepath.Join(dir, "thrall.db"), log)
	if err != nil {
		return nil, fmt.Errorf("thrall: open store: %w", err)
	}

	// The builtin triage prompt is seeded once so prompt resolution always
	// has a floor; operator pushes replace it.
	if p, perr := config.DefaultPrompt(); perr == nil {
		if serr := db.EnsureDefaultPrompt(p.Name, p.Template); serr != nil {
			log.Warn().Err(serr).Msg("seed default prompt failed")
		}
	}

	events := eventlog.New(filepath.Join(dir, "thrall.log"), log)
	tun := mgr.Current().Plugin.Thrall
	brk := breaker.NewStore(filepath.Join(dir, "breakers"), tun.BreakerCache(), events, log)

	eng := engine.New(engine.Options{
		Host:     h,
		Config:   mgr,
		Store:    db,
		Events:   events,
		Breakers: brk,
		Runner:   gc.runner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)

	if !gc.noWatch {
		go func() {
			if werr := mgr.Watch(ctx); werr != nil && ctx.Err() == nil {
				log.Warn().Err(werr).Msg("config watcher stopped")
			}
		}()
	}

	reg := mgr.Current()
	log.Info().
		Str("node", h.NodeID()).
		Int("recipes", len(reg.Recipes)).
		Int("models", len(reg.Models)).
		Msg("thrall guard started")

	return &Guard{
		host:   h,
		log:    log,
		cfg:    mgr,
		db:     db,
		events: events,
		brk:    brk,
		eng:    eng,
		admin:  promptadmin.New(db, eng.ReloadPrompts, log),
		cancel: cancel,
	}, nil
}

// OnMailReceived classifies one inbound message through every matching
// recipe. It blocks until the decision is executed, so the host's delivery
// path sees classification backpressure.
func (g *Guard) OnMailReceived(ctx context.Context, msgType, fromNode, toNode, rawBody, sessionID string) error {
	return g.eng.OnMail(ctx, msgType, fromNode, toNode, rawBody, sessionID)
}

// OnTick drives scheduled recipes and periodic maintenance. The host calls
// it from its heartbeat.
func (g *Guard) OnTick(ctx context.Context, peerCount int, health map[string]any) error {
	return g.eng.OnTick(ctx, peerCount, health)
}

// RecordSend notes mail the node itself sent, so the reply that comes back
// is held to the solicited loop threshold instead of the cold one.
func (g *Guard) RecordSend(toNode, sessionID string) {
	g.eng.RecordSend(toNode, sessionID)
}

// HandleAdmin serves the prompt admin skill. Input and output follow the
// skill's JSON map contract; errors come back as {"status": "error"}.
func (g *Guard) HandleAdmin(input map[string]any) map[string]any {
	return g.admin.Handle(input)
}

// Reload re-reads the config directory immediately. With the watcher
// running this happens automatically; hosts that disabled it call Reload
// after editing files.
func (g *Guard) Reload() error {
	return g.cfg.Reload()
}

// OnShutdown drains in-flight classifications, stops the watcher and closes
// the store. The Guard is unusable afterwards.
func (g *Guard) OnShutdown(ctx context.Context) error {
	err := g.eng.Shutdown(ctx)
	g.cancel()
	if cerr := g.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
