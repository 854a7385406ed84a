package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/scenario"
)

var certifyFormat string

func init() {
	rootCmd.AddCommand(certifyCmd)
	certifyCmd.Flags().StringVarP(&certifyFormat, "format", "f", "text", "Output format (text|json)")
}

var certifyCmd = &cobra.Command{
	Use:   "certify [dir]",
	Short: "Run scenario assertions against the current configuration",
	Long: "Loads scenario YAML files and dry-runs each case through the pipeline,\n" +
		"checking the resulting action against expectations. Inference is real,\n" +
		"so a prompt edit or model swap that weakens triage fails here before\n" +
		"it reaches traffic.\n\n" +
		"Files come from <plugin-dir>/scenarios unless a directory is given.\n" +
		"Exit code 0 if all cases pass, 1 if any fail.",
	Args: cobra.MaximumNArgs(1),
	RunE: runCertify,
}

func runCertify(cmd *cobra.Command, args []string) error {
	scenDir := ""
	if len(args) > 0 {
		scenDir = args[0]
	} else {
		dir, err := pluginDir()
		if err != nil {
			return err
		}
		scenDir = filepath.Join(dir, "scenarios")
	}

	matches, err := filepath.Glob(filepath.Join(scenDir, "*.yaml"))
	if err != nil {
		return err
	}
	more, _ := filepath.Glob(filepath.Join(scenDir, "*.yml"))
	matches = append(matches, more...)
	sort.Strings(matches)
	if len(matches) == 0 {
		return fmt.Errorf("no scenario files in %s (thrall init seeds a default suite)", scenDir)
	}

	ctx := context.Background()
	off, cleanup, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var results []*scenario.RunResult
	for _, path := range matches {
		r, err := scenario.LoadAndRun(ctx, path, off.eng)
		if err != nil {
			return err
		}
		results = append(results, r)
	}

	switch certifyFormat {
	case "json":
		out, err := scenario.FormatJSON(results)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(scenario.FormatText(results))
	}

	for _, r := range results {
		if r.Failed > 0 {
			os.Exit(1)
		}
	}
	return nil
}
