package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/breaker"
	"github.com/knarrhq/thrall/internal/config"
	"github.com/knarrhq/thrall/internal/engine"
	"github.com/knarrhq/thrall/internal/eventlog"
	"github.com/knarrhq/thrall/internal/store"
)

// cliHost satisfies host.Context for offline commands. Dry runs never send
// mail; secrets resolve from the environment so API-backed models still
// work under replay and certify.
type cliHost struct {
	dir string
	log zerolog.Logger
}

func (h *cliHost) NodeID() string         { return "cli" }
func (h *cliHost) PluginDir() string      { return h.dir }
func (h *cliHost) Logger() zerolog.Logger { return h.log }

func (h *cliHost) SendMail(context.Context, string, string, string, string, bool) error {
	return errors.New("mail unavailable offline")
}

func (h *cliHost) VaultGet(key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %q not set in environment", key)
}

// offline bundles an engine and the stores it runs on.
type offline struct {
	eng *engine.Engine
	db  *store.Store
	brk *breaker.Store
	cfg *config.Manager
}

// openOffline builds and starts an engine over the plugin directory. Dry
// runs share the node's database and breaker files but never write them.
// The returned cleanup shuts the engine down and closes the database.
func openOffline(ctx context.Context) (*offline, func(), error) {
	dir, err := pluginDir()
	if err != nil {
		return nil, nil, err
	}
	log := cliLogger()

	mgr, err := config.NewManager(dir, log)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(filepath.Join(dir, "thrall.db"), log)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	events := eventlog.New(filepath.Join(dir, "thrall.log"), log)
	tun := mgr.Current().Plugin.Thrall
	brk := breaker.NewStore(filepath.Join(dir, "breakers"), tun.BreakerCache(), events, log)

	eng := engine.New(engine.Options{
		Host:     &cliHost{dir: dir, log: log},
		Config:   mgr,
		Store:    db,
		Events:   events,
		Breakers: brk,
	})
	eng.Start(ctx)

	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(sctx)
		_ = db.Close()
	}
	return &offline{eng: eng, db: db, brk: brk, cfg: mgr}, cleanup, nil
}
