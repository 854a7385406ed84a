package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/envelope"
	"github.com/knarrhq/thrall/internal/store"
)

var (
	journalLimit    int
	journalPipeline string
	journalFormat   string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTailCmd)
	journalCmd.AddCommand(journalShowCmd)
	journalTailCmd.Flags().IntVarP(&journalLimit, "lines", "n", 20, "Number of entries")
	journalTailCmd.Flags().StringVar(&journalPipeline, "pipeline", "", "Filter by recipe name")
	journalTailCmd.Flags().StringVarP(&journalFormat, "format", "f", "text", "Output format (text|json)")
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect classification decisions",
}

var journalTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent journal entries, newest first",
	RunE:  runJournalTail,
}

var journalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one journal entry in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalShow,
}

func runJournalTail(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.TailJournal(journalPipeline, journalLimit)
	if err != nil {
		return err
	}

	switch journalFormat {
	case "json":
		entries := make([]journalEntry, 0, len(rows))
		for _, r := range rows {
			entries = append(entries, newJournalEntry(r))
		}
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	default:
		fmt.Print(formatJournalRows(rows))
	}
	return nil
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid journal id %q", args[0])
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	row, err := db.GetJournal(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("journal entry %d not found", id)
	}
	if err != nil {
		return err
	}
	fmt.Print(formatJournalRow(row))
	return nil
}

// journalEntry is the JSON shape for tail output. Sender ids are already
// reduced to prefixes before they reach the journal; the summary keeps only
// the prefix.
type journalEntry struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Pipeline string `json:"pipeline"`
	Action   string `json:"action"`
	EvalType string `json:"eval_type"`
	From     string `json:"from,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Reviewed int    `json:"reviewed"`
	WallMS   int64  `json:"wall_ms"`
}

func newJournalEntry(r *store.JournalRow) journalEntry {
	from, msgType := envelopeSummary(r.EnvelopeJSON)
	return journalEntry{
		ID:       r.ID,
		TS:       r.TS.UTC().Format(time.RFC3339),
		Pipeline: r.Pipeline,
		Action:   r.ActionName,
		EvalType: r.EvalType,
		From:     from,
		MsgType:  msgType,
		Reason:   resultReason(r.EvalResultJSON),
		Mode:     r.Mode,
		Reviewed: r.Reviewed,
		WallMS:   r.WallMS,
	}
}

func formatJournalRows(rows []*store.JournalRow) string {
	if len(rows) == 0 {
		return "journal is empty\n"
	}
	var b strings.Builder
	for _, r := range rows {
		from, _ := envelopeSummary(r.EnvelopeJSON)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(&b, "%6d  %s  %-14s %-8s %-9s %-16s %s\n",
			r.ID, r.TS.UTC().Format("2006-01-02 15:04:05"), r.Pipeline,
			r.ActionName, r.EvalType, from, resultReason(r.EvalResultJSON))
	}
	return b.String()
}

func formatJournalRow(r *store.JournalRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id:        %d\n", r.ID)
	fmt.Fprintf(&b, "time:      %s\n", r.TS.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "pipeline:  %s\n", r.Pipeline)
	if r.SessionID != "" {
		fmt.Fprintf(&b, "session:   %s\n", r.SessionID)
	}
	fmt.Fprintf(&b, "mode:      %s\n", r.Mode)
	fmt.Fprintf(&b, "reviewed:  %s\n", reviewedLabel(r.Reviewed))
	fmt.Fprintf(&b, "action:    %s\n", r.ActionName)
	fmt.Fprintf(&b, "eval:      %s\n", r.EvalType)
	fmt.Fprintf(&b, "wall:      %dms\n", r.WallMS)
	writeJSONField(&b, "envelope", r.EnvelopeJSON)
	writeJSONField(&b, "filter", r.FilterJSON)
	writeJSONField(&b, "result", r.EvalResultJSON)
	writeJSONField(&b, "trace", r.ActionTraceJSON)
	writeJSONField(&b, "correction", r.CorrectionJSON)
	return b.String()
}

func writeJSONField(b *strings.Builder, label, raw string) {
	if raw == "" || raw == "null" {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "  ", "  "); err != nil {
		fmt.Fprintf(b, "%s:\n  %s\n", label, raw)
		return
	}
	fmt.Fprintf(b, "%s:\n  %s\n", label, buf.String())
}

func reviewedLabel(v int) string {
	switch v {
	case store.ReviewedPending:
		return "pending"
	case store.ReviewedApproved:
		return "approved"
	default:
		return "-"
	}
}

// envelopeSummary pulls the sender prefix and message type out of a stored
// envelope. A malformed prefix renders as empty rather than leaking.
func envelopeSummary(raw string) (from, msgType string) {
	var e struct {
		FromNode string `json:"from_node"`
		MsgType  string `json:"msg_type"`
	}
	if json.Unmarshal([]byte(raw), &e) != nil {
		return "", ""
	}
	p := envelope.SanitizePrefix(e.FromNode)
	if p == envelope.InvalidPrefix {
		p = ""
	}
	return p, e.MsgType
}

func resultReason(raw string) string {
	var res struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal([]byte(raw), &res) != nil {
		return ""
	}
	return res.Reason
}
