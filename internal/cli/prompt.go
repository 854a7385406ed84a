package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/promptadmin"
)

var promptLoadFile string

func init() {
	rootCmd.AddCommand(promptCmd)
	promptCmd.AddCommand(promptListCmd)
	promptCmd.AddCommand(promptGetCmd)
	promptCmd.AddCommand(promptLoadCmd)
	promptLoadCmd.Flags().StringVarP(&promptLoadFile, "file", "F", "", "Read prompt content from this file (- for stdin)")
	promptLoadCmd.MarkFlagRequired("file")
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage classification prompts",
	Long: "Prompts live in the plugin database and override the prompts/*.toml\n" +
		"templates. A running node picks a pushed prompt up at its next\n" +
		"config reload; pushing through the node's skill applies immediately.",
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored prompts",
	RunE:  runPromptList,
}

var promptGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Print a stored prompt",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPromptGet,
}

var promptLoadCmd = &cobra.Command{
	Use:   "load [name]",
	Short: "Push a new prompt version",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPromptLoad,
}

func promptName(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "triage"
}

func runPromptList(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	prompts, err := db.ListPrompts()
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		fmt.Println("No prompts stored.")
		return nil
	}

	fmt.Printf("%-16s %-18s %-18s %-20s %s\n", "NAME", "HASH", "PUSHED_BY", "PUSHED", "ACTIVE")
	for _, p := range prompts {
		active := "-"
		if p.Active {
			active = "yes"
		}
		fmt.Printf("%-16s %-18s %-18s %-20s %s\n",
			p.Name, p.Hash, p.PushedBy, p.PushedAt.UTC().Format("2006-01-02 15:04:05"), active)
	}
	return nil
}

func runPromptGet(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := db.GetPrompt(promptName(args))
	if err != nil {
		return err
	}
	fmt.Printf("name:      %s\n", p.Name)
	fmt.Printf("hash:      %s\n", p.Hash)
	fmt.Printf("pushed_by: %s\n", p.PushedBy)
	fmt.Printf("pushed_at: %s\n", p.PushedAt.UTC().Format("2006-01-02 15:04:05"))
	fmt.Println()
	fmt.Println(p.Content)
	return nil
}

func runPromptLoad(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error
	if promptLoadFile == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(promptLoadFile)
	}
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	admin := promptadmin.New(db, nil, cliLogger())
	p, err := admin.Push(promptName(args), string(content), "operator")
	if err != nil {
		return err
	}
	fmt.Printf("Pushed %s (hash %s).\n", p.Name, p.Hash)
	fmt.Println("A running node applies it at its next config reload.")
	return nil
}
