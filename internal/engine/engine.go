// Package engine drives envelopes through the recipe pipeline. One
// coordination goroutine owns every piece of mutable state (filter windows,
// loop counters, compile buffers, evaluator and prompt caches); host hooks
// hand envelopes to it over an intake channel and inference runs on short
// lived workers whose results re-enter through a results channel. Nothing in
// the pipeline takes a lock.
package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/action"
	"github.com/knarrhq/thrall/internal/breaker"
	"github.com/knarrhq/thrall/internal/compile"
	"github.com/knarrhq/thrall/internal/config"
	"github.com/knarrhq/thrall/internal/envelope"
	"github.com/knarrhq/thrall/internal/eventlog"
	"github.com/knarrhq/thrall/internal/filter"
	"github.com/knarrhq/thrall/internal/host"
	"github.com/knarrhq/thrall/internal/llm"
	"github.com/knarrhq/thrall/internal/loopguard"
	"github.com/knarrhq/thrall/internal/store"
)

// ErrStopped is returned for envelopes that arrive after Shutdown began.
var ErrStopped = errors.New("engine stopped")

const (
	intakeDepth  = 256
	resultsDepth = 16
	drainTimeout = 15 * time.Second
)

// Options wires an Engine. All fields are required except Runner, which is
// only needed when a model uses the local backend.
type Options struct {
	Host     host.Context
	Config   *config.Manager
	Store    *store.Store
	Events   *eventlog.Writer
	Breakers *breaker.Store
	Runner   llm.Runner
}

// Engine is the pipeline coordinator. Construct with New, run with Start,
// stop with Shutdown.
type Engine struct {
	host     host.Context
	cfg      *config.Manager
	db       *store.Store
	events   *eventlog.Writer
	breakers *breaker.Store
	runner   llm.Runner
	log      zerolog.Logger

	// Coordination-owned state. Only the loop goroutine touches these.
	filt      *filter.Filter
	buffers   *compile.Manager
	actions   *action.Executor
	guard     *loopguard.Guard
	guardCfg  loopguard.Config
	evals     map[string]*llm.Evaluator
	prompts   map[string]promptRef
	lastTick  map[string]time.Time
	lastPrune time.Time

	permit  chan struct{}
	intake  chan *run
	results chan evalDone
	ctl     chan func()
	quit    chan struct{}
	stopped chan struct{}

	started   atomic.Bool
	accepting atomic.Bool
	quitOnce  sync.Once
	tick      atomic.Int64
}

// New builds an Engine from an already-loaded registry. Start must be called
// before any hook fires.
func New(opts Options) *Engine {
	log := opts.Host.Logger().With().Str("component", "engine").Logger()
	reg := opts.Config.Current()
	tun := reg.Plugin.Thrall

	en := &Engine{
		host:     opts.Host,
		cfg:      opts.Config,
		db:       opts.Store,
		events:   opts.Events,
		breakers: opts.Breakers,
		runner:   opts.Runner,
		log:      log,

		evals:    map[string]*llm.Evaluator{},
		prompts:  map[string]promptRef{},
		lastTick: map[string]time.Time{},

		permit:  llm.NewPermit(),
		intake:  make(chan *run, intakeDepth),
		results: make(chan evalDone, resultsDepth),
		ctl:     make(chan func(), 8),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	en.filt = filter.New(opts.Breakers, opts.Store, log)
	en.buffers = compile.NewManager(reg.Plugin.Buffers,
		compile.DirWriter{Dir: filepath.Join(opts.Host.PluginDir(), "artifacts")}, log)
	en.guardCfg = guardConfig(tun)
	en.guard = loopguard.New(en.guardCfg)
	en.actions = action.New(action.Options{
		Host:    opts.Host,
		Store:   opts.Store,
		Events:  opts.Events,
		Buffers: en.buffers,
		Trigger: en.triggerStep,
		RecordSend: func(toNode, sessionID string) {
			en.guard.RecordSend(toNode, sessionID)
		},
		Timeout: tun.ActionTimeout(),
	})
	en.refreshPrompts(reg)
	opts.Config.OnSwap(func(next *config.Registry) {
		en.control(func() { en.onSwap(next) })
	})
	return en
}

func guardConfig(tun config.Tunables) loopguard.Config {
	return loopguard.Config{
		Threshold:            tun.LoopThreshold,
		ThresholdSessionless: tun.LoopThresholdSessionless,
		MaxEntries:           tun.MaxCounterEntries,
		ReplyWindow:          tun.ReplyWindow(),
		SolicitedWindow:      tun.SolicitedWindow(),
	}
}

// Start launches the coordination loop. Calling it twice is a no-op.
func (en *Engine) Start(ctx context.Context) {
	if !en.started.CompareAndSwap(false, true) {
		return
	}
	en.accepting.Store(true)
	go en.loop(ctx)
}

func (en *Engine) loop(ctx context.Context) {
	defer close(en.stopped)
	active := 0
	for {
		select {
		case <-ctx.Done():
			en.accepting.Store(false)
			en.drain(ctx, active)
			return
		case <-en.quit:
			en.accepting.Store(false)
			en.drain(ctx, active)
			return
		case fn := <-en.ctl:
			fn()
		case r := <-en.intake:
			if en.startRun(ctx, r) {
				active++
			}
		case d := <-en.results:
			if !en.resume(ctx, d) {
				active--
			}
		}
	}
}

// drain finishes queued and suspended runs before the loop exits. New
// envelopes are already being refused by the hooks.
func (en *Engine) drain(ctx context.Context, active int) {
	for {
		select {
		case r := <-en.intake:
			if en.startRun(ctx, r) {
				active++
			}
			continue
		default:
		}
		if active == 0 {
			return
		}
		select {
		case d := <-en.results:
			if !en.resume(ctx, d) {
				active--
			}
		case fn := <-en.ctl:
			fn()
		}
	}
}

// startRun begins processing an intake run. It reports whether the run
// suspended on an inference worker.
func (en *Engine) startRun(ctx context.Context, r *run) bool {
	if r.env.Kind == envelope.KindTick && !r.dry {
		en.maintenance(r.reg)
	}
	return en.continueRun(ctx, r)
}

// resume folds a finished inference back into its run. It reports whether
// the run suspended again on a later recipe.
func (en *Engine) resume(ctx context.Context, d evalDone) bool {
	en.finishRecipe(ctx, d.r, d.rec, d.dec, "llm", d.result)
	d.r.idx++
	return en.continueRun(ctx, d.r)
}

// control hands a closure to the coordination goroutine.
func (en *Engine) control(fn func()) {
	select {
	case en.ctl <- fn:
	case <-en.stopped:
	}
}

// syncControl runs fn on the coordination goroutine and waits for it, so the
// caller's next envelope observes the effect.
func (en *Engine) syncControl(fn func()) {
	done := make(chan struct{})
	en.control(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-en.stopped:
	}
}

// onSwap applies a freshly loaded registry. Evaluators are rebuilt lazily
// against the new model specs; loop counters survive unless the guard
// thresholds changed.
func (en *Engine) onSwap(reg *config.Registry) {
	en.refreshPrompts(reg)
	en.evals = map[string]*llm.Evaluator{}
	en.buffers.Reconfigure(reg.Plugin.Buffers)
	if gc := guardConfig(reg.Plugin.Thrall); gc != en.guardCfg {
		en.guardCfg = gc
		en.guard = loopguard.New(gc)
		en.log.Info().Msg("loop guard rebuilt after registry swap")
	}
	en.log.Info().Time("loaded_at", reg.LoadedAt).Msg("registry swapped")
}

// OnMail feeds one inbound mail through every matching recipe. It blocks
// until the envelope is fully processed so the host's delivery path sees
// classification backpressure.
func (en *Engine) OnMail(ctx context.Context, msgType, fromNode, toNode, rawBody, sessionID string) error {
	if !en.accepting.Load() {
		return ErrStopped
	}
	reg := en.cfg.Current()
	tun := reg.Plugin.Thrall
	if !tun.Enabled {
		en.events.Append("PASS_THROUGH", envelope.SanitizePrefix(fromNode), "thrall disabled")
		return nil
	}
	if envelope.SanitizePrefix(fromNode) == envelope.InvalidPrefix {
		en.events.Append("SKIP_INVALID", envelope.InvalidPrefix, "non-hex node ID: "+truncate(fromNode, 20))
		return nil
	}
	if fromNode == en.host.NodeID() {
		return nil
	}
	e, err := envelope.NewMail(msgType, fromNode, toNode, rawBody, sessionID, tun.MaxBodyPreview, time.Now())
	if err != nil {
		if errors.Is(err, envelope.ErrEmptyBody) {
			return nil
		}
		return err
	}
	r := &run{env: e, reg: reg, done: make(chan struct{})}
	return en.enqueue(ctx, r)
}

// OnTick feeds one heartbeat through on_tick recipes and runs periodic
// maintenance (journal pruning, breaker sweep, age flushes).
func (en *Engine) OnTick(ctx context.Context, peerCount int, health map[string]any) error {
	if !en.accepting.Load() {
		return ErrStopped
	}
	reg := en.cfg.Current()
	if !reg.Plugin.Thrall.Enabled {
		return nil
	}
	e := envelope.NewTick(en.tick.Add(1), peerCount, intField(health, "uptime_s"), time.Now())
	r := &run{env: e, reg: reg, done: make(chan struct{})}
	return en.enqueue(ctx, r)
}

func (en *Engine) enqueue(ctx context.Context, r *run) error {
	select {
	case en.intake <- r:
	case <-ctx.Done():
		return ctx.Err()
	case <-en.stopped:
		return ErrStopped
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-en.stopped:
		// The drain may have completed this run on its way out.
		select {
		case <-r.done:
			return nil
		default:
		}
		return ErrStopped
	}
}

// RecordSend marks an outbound send initiated by the host so replies to it
// count as solicited. Safe from any goroutine; returns once the send is
// visible to later envelopes.
func (en *Engine) RecordSend(toNode, sessionID string) {
	en.syncControl(func() { en.guard.RecordSend(toNode, sessionID) })
}

// ReloadPrompts rebuilds the prompt cache from the store and registry. The
// prompt admin calls this after a push; mail arriving after it returns sees
// the pushed prompt.
func (en *Engine) ReloadPrompts() {
	en.syncControl(func() { en.refreshPrompts(en.cfg.Current()) })
}

// Shutdown stops intake and waits for in-flight runs, inference included,
// to finish journaling.
func (en *Engine) Shutdown(ctx context.Context) error {
	en.accepting.Store(false)
	if !en.started.Load() {
		return nil
	}
	en.quitOnce.Do(func() { close(en.quit) })
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-en.stopped:
		return nil
	case <-timer.C:
		return errors.New("engine drain timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
