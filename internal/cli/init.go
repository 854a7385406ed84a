package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/config"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a plugin directory with the default configuration",
	Long: `Creates the plugin directory and writes the embedded defaults as editable
files: plugin.toml, recipes/, prompts/, models/, hotwires/ and scenarios/.
Existing files are never overwritten, so re-running init after an upgrade
only adds what is missing.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := pluginDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plugin directory: %w", err)
	}

	created, err := config.Scaffold(dir)
	if err != nil {
		return err
	}

	fmt.Printf("thrall init complete in %s\n", dir)
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist; nothing written.")
		fmt.Println()
	}

	fmt.Println("Next steps:")
	fmt.Println("  edit plugin.toml to list trusted sender prefixes under [trust]")
	fmt.Println("  thrall doctor")
	fmt.Println("  thrall certify")
	return nil
}
