package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/engine"
)

var replayFormat string

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay <journal-id>",
	Short: "Re-run a journaled message through the current pipeline",
	Long: "Loads the stored envelope for a journal entry and dry-runs it against\n" +
		"the current recipes, prompts and models. Inference is real; actions,\n" +
		"counters and the journal stay untouched. Use after editing a prompt\n" +
		"to see whether a past decision would change.",
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid journal id %q", args[0])
	}

	ctx := context.Background()
	off, cleanup, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := off.eng.Replay(ctx, id)
	if err != nil {
		return err
	}

	switch replayFormat {
	case "json":
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	default:
		fmt.Print(formatReplay(res))
	}
	return nil
}

func formatReplay(res *engine.ReplayResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "journal:   %d\n", res.JournalID)
	fmt.Fprintf(&b, "pipeline:  %s\n", res.Pipeline)
	if !res.Matched {
		b.WriteString("matched:   no recipe matched\n")
		return b.String()
	}
	fmt.Fprintf(&b, "eval:      %s\n", res.EvalType)
	fmt.Fprintf(&b, "action:    %s\n", res.ActionName)
	if reason, ok := res.Result["reason"].(string); ok && reason != "" {
		fmt.Fprintf(&b, "reason:    %s\n", reason)
	}
	fmt.Fprintf(&b, "wall:      %dms\n", res.WallMS)
	if len(res.Trace) > 0 {
		b.WriteString("trace:\n")
		for _, step := range res.Trace {
			line, _ := json.Marshal(step)
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}
