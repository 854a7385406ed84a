// Package cli implements the thrall command: operator tooling for the plugin
// directory a node runs against. Commands that need a pipeline (replay,
// certify, mcp) build their own offline engine on that directory; nothing
// here talks to a live node process.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/store"
)

var dirFlag string

var rootCmd = &cobra.Command{
	Use:   "thrall",
	Short: "Message classification guard for P2P agent nodes",
	Long: "Thrall sits between a node's mailbox and its agent runtime, classifying\n" +
		"inbound messages with a small model before they can wake the agent.\n" +
		"This CLI inspects and drives the plugin directory a node runs against.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "Plugin directory (default $THRALL_PLUGIN_DIR, then ~/.thrall)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// pluginDir resolves the plugin directory: --dir wins, then the
// THRALL_PLUGIN_DIR environment variable, then ~/.thrall.
func pluginDir() (string, error) {
	if dirFlag != "" {
		return dirFlag, nil
	}
	if env := os.Getenv("THRALL_PLUGIN_DIR"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".thrall"), nil
}

// cliLogger returns a quiet stderr logger. Command output goes to stdout;
// component logs only surface at warn and above.
func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()
}

// openDB opens the plugin database, creating it if missing.
func openDB() (*store.Store, error) {
	dir, err := pluginDir()
	if err != nil {
		return nil, err
	}
	db, err := store.Open(filepath.Join(dir, "thrall.db"), cliLogger())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
