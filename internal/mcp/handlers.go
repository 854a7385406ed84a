package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/knarrhq/thrall/internal/engine"
	"github.com/knarrhq/thrall/internal/envelope"
	"github.com/knarrhq/thrall/internal/store"
)

// --- Input/Output types ---

// JournalTailInput defines parameters for the thrall_journal_tail tool.
type JournalTailInput struct {
	Pipeline string `json:"pipeline,omitempty" jsonschema:"filter to one pipeline"`
	Limit    int    `json:"limit,omitempty" jsonschema:"max rows (default 20, cap 200)"`
}

// JournalItem is one journal row trimmed for display.
type JournalItem struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Pipeline string `json:"pipeline"`
	From     string `json:"from,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Action   string `json:"action"`
	EvalType string `json:"eval_type"`
	Reason   string `json:"reason,omitempty"`
	Mode     string `json:"mode"`
	Reviewed int    `json:"reviewed"`
	WallMS   int64  `json:"wall_ms"`
}

// JournalTailOutput contains the tail rows, newest first.
type JournalTailOutput struct {
	Rows []JournalItem `json:"rows"`
}

// BreakerListInput is empty; the tool takes no parameters.
type BreakerListInput struct{}

// BreakerItem describes one active breaker.
type BreakerItem struct {
	Target    string `json:"target"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	TrippedAt string `json:"tripped_at"`
	TripCount int    `json:"trip_count"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// BreakerListOutput lists all active breakers.
type BreakerListOutput struct {
	Breakers []BreakerItem `json:"breakers"`
}

// BreakerClearInput defines parameters for the thrall_breaker_clear tool.
type BreakerClearInput struct {
	Target string `json:"target" jsonschema:"breaker target: 16-hex node prefix or 'global'"`
}

// BreakerClearOutput confirms the clear.
type BreakerClearOutput struct {
	Target  string `json:"target"`
	Cleared bool   `json:"cleared"`
}

// PromptListInput is empty; the tool takes no parameters.
type PromptListInput struct{}

// PromptItem describes one stored prompt.
type PromptItem struct {
	Name     string `json:"name"`
	Hash     string `json:"hash"`
	PushedBy string `json:"pushed_by"`
	PushedAt string `json:"pushed_at"`
	Active   bool   `json:"active"`
}

// PromptListOutput lists stored prompts.
type PromptListOutput struct {
	Prompts []PromptItem `json:"prompts"`
}

// PromptLoadInput defines parameters for the thrall_prompt_load tool.
type PromptLoadInput struct {
	Name    string `json:"name,omitempty" jsonschema:"prompt name (default triage)"`
	Content string `json:"content" jsonschema:"prompt text; must contain the {tier} placeholder"`
}

// PromptLoadOutput confirms the push, or carries the rejection reason.
type PromptLoadOutput struct {
	Prompt string `json:"prompt"`
	Hash   string `json:"hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ReplayInput defines parameters for the thrall_replay tool.
type ReplayInput struct {
	JournalID int64 `json:"journal_id" jsonschema:"journal row id to re-run"`
}

// --- Handlers ---

func (s *Server) handleJournalTail(ctx context.Context, req *mcpsdk.CallToolRequest, input JournalTailInput) (*mcpsdk.CallToolResult, JournalTailOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.TailJournal(input.Pipeline, limit)
	if err != nil {
		return nil, JournalTailOutput{}, err
	}

	items := make([]JournalItem, len(rows))
	for i, r := range rows {
		items[i] = journalItem(r)
	}
	return nil, JournalTailOutput{Rows: items}, nil
}

func (s *Server) handleBreakerList(ctx context.Context, req *mcpsdk.CallToolRequest, input BreakerListInput) (*mcpsdk.CallToolResult, BreakerListOutput, error) {
	list, err := s.breakers.List()
	if err != nil {
		return nil, BreakerListOutput{}, err
	}

	items := make([]BreakerItem, len(list))
	for i, b := range list {
		items[i] = BreakerItem{
			Target:    b.Target,
			Type:      b.Type,
			Reason:    b.Reason,
			TrippedAt: b.TrippedAt.UTC().Format(time.RFC3339),
			TripCount: b.TripCount,
		}
		if b.ExpiresAt != nil {
			items[i].ExpiresAt = b.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	return nil, BreakerListOutput{Breakers: items}, nil
}

func (s *Server) handleBreakerClear(ctx context.Context, req *mcpsdk.CallToolRequest, input BreakerClearInput) (*mcpsdk.CallToolResult, BreakerClearOutput, error) {
	if err := s.breakers.Clear(input.Target); err != nil {
		return nil, BreakerClearOutput{}, err
	}
	s.log.Info().Str("target", input.Target).Msg("breaker cleared over mcp")
	return nil, BreakerClearOutput{Target: input.Target, Cleared: true}, nil
}

func (s *Server) handlePromptList(ctx context.Context, req *mcpsdk.CallToolRequest, input PromptListInput) (*mcpsdk.CallToolResult, PromptListOutput, error) {
	rows, err := s.db.ListPrompts()
	if err != nil {
		return nil, PromptListOutput{}, err
	}

	items := make([]PromptItem, len(rows))
	for i, p := range rows {
		items[i] = PromptItem{
			Name:     p.Name,
			Hash:     p.Hash,
			PushedBy: p.PushedBy,
			PushedAt: p.PushedAt.UTC().Format(time.RFC3339),
			Active:   p.Active,
		}
	}
	return nil, PromptListOutput{Prompts: items}, nil
}

func (s *Server) handlePromptLoad(ctx context.Context, req *mcpsdk.CallToolRequest, input PromptLoadInput) (*mcpsdk.CallToolResult, PromptLoadOutput, error) {
	name := input.Name
	if name == "" {
		name = "triage"
	}

	p, err := s.prompts.Push(name, input.Content, "operator")
	if err != nil {
		out := PromptLoadOutput{Prompt: name, Error: err.Error()}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, PromptLoadOutput{Prompt: name, Hash: p.Hash}, nil
}

func (s *Server) handleReplay(ctx context.Context, req *mcpsdk.CallToolRequest, input ReplayInput) (*mcpsdk.CallToolResult, engine.ReplayResult, error) {
	if s.replayer == nil {
		return nil, engine.ReplayResult{}, errors.New("replay unavailable: no engine attached")
	}

	res, err := s.replayer.Replay(ctx, input.JournalID)
	if err != nil {
		return nil, engine.ReplayResult{}, err
	}
	return nil, *res, nil
}

// journalItem trims one row for display, pulling the sender prefix and the
// evaluation reason out of the journaled JSON.
func journalItem(r *store.JournalRow) JournalItem {
	it := JournalItem{
		ID:       r.ID,
		TS:       r.TS.UTC().Format(time.RFC3339),
		Pipeline: r.Pipeline,
		Action:   r.ActionName,
		EvalType: r.EvalType,
		Mode:     r.Mode,
		Reviewed: r.Reviewed,
		WallMS:   r.WallMS,
	}
	var env envelope.Envelope
	if json.Unmarshal([]byte(r.EnvelopeJSON), &env) == nil {
		if p := envelope.SanitizePrefix(env.FromNode); p != envelope.InvalidPrefix {
			it.From = p
		}
		it.MsgType = env.MsgType
	}
	var res map[string]any
	if json.Unmarshal([]byte(r.EvalResultJSON), &res) == nil {
		it.Reason, _ = res["reason"].(string)
	}
	return it
}
