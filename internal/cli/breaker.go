package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/breaker"
	"github.com/knarrhq/thrall/internal/eventlog"
)

var (
	breakerTripType   string
	breakerTripReason string
	breakerTripExpire time.Duration
)

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerListCmd)
	breakerCmd.AddCommand(breakerTripCmd)
	breakerCmd.AddCommand(breakerClearCmd)
	breakerTripCmd.Flags().StringVar(&breakerTripType, "type", "manual", "Breaker type label")
	breakerTripCmd.Flags().StringVarP(&breakerTripReason, "reason", "r", "tripped from cli", "Reason recorded on the breaker")
	breakerTripCmd.Flags().DurationVar(&breakerTripExpire, "expire", 0, "Auto-expiry, e.g. 2h (0 = manual clear only)")
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Manage circuit breakers",
	Long: "Breakers silence a sender prefix, or everything when the target is\n" +
		"\"global\", until cleared or expired. A running node picks changes up\n" +
		"immediately: breaker files are the shared source of truth.",
}

var breakerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active breakers",
	RunE:  runBreakerList,
}

var breakerTripCmd = &cobra.Command{
	Use:   "trip <target>",
	Short: "Trip a breaker for a sender prefix or \"global\"",
	Args:  cobra.ExactArgs(1),
	RunE:  runBreakerTrip,
}

var breakerClearCmd = &cobra.Command{
	Use:   "clear <target>",
	Short: "Clear a breaker",
	Args:  cobra.ExactArgs(1),
	RunE:  runBreakerClear,
}

// openBreakers builds a breaker store with caching off so list always
// reflects what is on disk. Trips and clears land in the event log the
// running node also writes.
func openBreakers() (*breaker.Store, error) {
	dir, err := pluginDir()
	if err != nil {
		return nil, err
	}
	log := cliLogger()
	events := eventlog.New(filepath.Join(dir, "thrall.log"), log)
	return breaker.NewStore(filepath.Join(dir, "breakers"), 0, events, log), nil
}

func runBreakerList(cmd *cobra.Command, args []string) error {
	brk, err := openBreakers()
	if err != nil {
		return err
	}
	list, err := brk.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No active breakers.")
		return nil
	}

	fmt.Printf("%-16s %-10s %-6s %-20s %-20s %s\n", "TARGET", "TYPE", "TRIPS", "TRIPPED", "EXPIRES", "REASON")
	for _, b := range list {
		expires := "never"
		if b.ExpiresAt != nil {
			expires = b.ExpiresAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-16s %-10s %-6d %-20s %-20s %s\n",
			b.Target,
			b.Type,
			b.TripCount,
			b.TrippedAt.UTC().Format("2006-01-02 15:04:05"),
			expires,
			b.Reason,
		)
	}
	return nil
}

func runBreakerTrip(cmd *cobra.Command, args []string) error {
	brk, err := openBreakers()
	if err != nil {
		return err
	}
	b, err := brk.Trip(breakerTripType, args[0], breakerTripReason, breakerTripExpire)
	if err != nil {
		return err
	}
	if b.ExpiresAt != nil {
		fmt.Printf("Tripped %s (trip %d, expires %s).\n", b.Target, b.TripCount, b.ExpiresAt.UTC().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Tripped %s (trip %d, no auto-expiry).\n", b.Target, b.TripCount)
	}
	return nil
}

func runBreakerClear(cmd *cobra.Command, args []string) error {
	brk, err := openBreakers()
	if err != nil {
		return err
	}
	if err := brk.Clear(args[0]); err != nil {
		return err
	}
	fmt.Printf("Cleared %s.\n", args[0])
	return nil
}
