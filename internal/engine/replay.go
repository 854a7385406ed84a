package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/knarrhq/thrall/internal/envelope"
)

// ReplayResult is the outcome of re-running a journaled envelope against
// the current registry. Nothing in a replay is journaled, rate-limited,
// cached or sent; action steps render as would_execute entries.
type ReplayResult struct {
	JournalID  int64            `json:"journal_id"`
	Pipeline   string           `json:"pipeline"`
	Matched    bool             `json:"matched"`
	Filter     map[string]any   `json:"filter,omitempty"`
	EvalType   string           `json:"eval_type,omitempty"`
	Result     map[string]any   `json:"result,omitempty"`
	ActionName string           `json:"action_name,omitempty"`
	Trace      []map[string]any `json:"trace,omitempty"`
	WallMS     int64            `json:"wall_ms"`
}

// Replay re-runs the envelope of one journal row through its pipeline as a
// dry run and returns what would happen today. Inference runs for real.
func (en *Engine) Replay(ctx context.Context, journalID int64) (*ReplayResult, error) {
	if !en.started.Load() {
		return nil, ErrStopped
	}
	row, err := en.db.GetJournal(journalID)
	if err != nil {
		return nil, err
	}
	var e envelope.Envelope
	if err := json.Unmarshal([]byte(row.EnvelopeJSON), &e); err != nil {
		return nil, fmt.Errorf("journal %d envelope: %w", journalID, err)
	}
	res, err := en.DryRun(ctx, &e, row.Pipeline)
	if err != nil {
		return nil, err
	}
	res.JournalID = journalID
	return res, nil
}

// DryRun pushes an envelope through the pipeline without side effects and
// reports the outcome. pipeline narrows the run to one recipe; empty means
// every recipe whose trigger matches, with the result reflecting the last
// one that matched. Inference runs for real against the current registry.
func (en *Engine) DryRun(ctx context.Context, e *envelope.Envelope, pipeline string) (*ReplayResult, error) {
	if !en.started.Load() {
		return nil, ErrStopped
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	t0 := time.Now()
	r := &run{
		env:  e,
		reg:  en.cfg.Current(),
		dry:  true,
		only: pipeline,
		done: make(chan struct{}),
	}
	if err := en.enqueue(ctx, r); err != nil {
		return nil, err
	}
	res := r.replay
	if res == nil {
		res = &ReplayResult{Pipeline: pipeline}
	}
	res.WallMS = time.Since(t0).Milliseconds()
	return res, nil
}
