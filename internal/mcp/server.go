// Package mcp serves Thrall's admin surface over the Model Context Protocol:
// journal inspection, breaker management, prompt pushes and replay, callable
// from any MCP client over stdio.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/breaker"
	"github.com/knarrhq/thrall/internal/engine"
	"github.com/knarrhq/thrall/internal/promptadmin"
	"github.com/knarrhq/thrall/internal/store"
)

// Replayer re-runs one journal row as a dry run. The engine satisfies it.
type Replayer interface {
	Replay(ctx context.Context, journalID int64) (*engine.ReplayResult, error)
}

// Options holds the stores and hooks the server exposes.
type Options struct {
	Store    *store.Store
	Breakers *breaker.Store
	Prompts  *promptadmin.Admin
	Replayer Replayer
	Version  string
	Log      zerolog.Logger
}

// Server wraps the MCP SDK server around Thrall's admin operations.
type Server struct {
	mcpServer *mcpsdk.Server
	db        *store.Store
	breakers  *breaker.Store
	prompts   *promptadmin.Admin
	replayer  Replayer
	log       zerolog.Logger
}

// New creates an MCP server with all thrall tools registered.
func New(opts Options) *Server {
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		db:       opts.Store,
		breakers: opts.Breakers,
		prompts:  opts.Prompts,
		replayer: opts.Replayer,
		log:      opts.Log.With().Str("component", "mcp").Logger(),
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "thrall",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all thrall tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "thrall_journal_tail",
		Description: "Tail recent classification journal rows, newest first. Optionally filter by pipeline.",
	}, s.handleJournalTail)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "thrall_breaker_list",
		Description: "List active circuit breakers.",
	}, s.handleBreakerList)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "thrall_breaker_clear",
		Description: "Clear one circuit breaker by target (16-hex node prefix or 'global').",
	}, s.handleBreakerClear)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "thrall_prompt_list",
		Description: "List stored classification prompts.",
	}, s.handlePromptList)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "thrall_prompt_load",
		Description: "Push a classification prompt. Content must contain the {tier} placeholder.",
	}, s.handlePromptLoad)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "thrall_replay",
		Description: "Re-run one journal row through the pipeline as a dry run and report what would happen under the current rules.",
	}, s.handleReplay)
}
