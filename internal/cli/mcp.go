package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/mcp"
	"github.com/knarrhq/thrall/internal/promptadmin"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the admin surface over the Model Context Protocol",
	Long: "Runs an MCP server on stdio exposing journal, breaker, prompt and\n" +
		"replay tools, so an MCP-capable agent can inspect and tune triage:\n\n" +
		"  {\"command\": \"thrall\", \"args\": [\"mcp\"]}",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	off, cleanup, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	// Pushed prompts apply to replay calls in this process right away; a
	// separately running node picks them up at its next config reload.
	admin := promptadmin.New(off.db, off.eng.ReloadPrompts, cliLogger())

	srv := mcp.New(mcp.Options{
		Store:    off.db,
		Breakers: off.brk,
		Prompts:  admin,
		Replayer: off.eng,
		Version:  version,
		Log:      cliLogger(),
	})

	fmt.Fprintln(os.Stderr, "thrall MCP server running on stdio")
	return srv.Run(ctx)
}
