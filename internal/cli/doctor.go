package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/knarrhq/thrall/internal/breaker"
	"github.com/knarrhq/thrall/internal/config"
	"github.com/knarrhq/thrall/internal/llm"
	"github.com/knarrhq/thrall/internal/store"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check plugin directory readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	// 1. Binary location and version.
	execPath, _ := os.Executable()
	if execPath != "" {
		checks = append(checks, checkResult{
			label:  "thrall binary",
			ok:     true,
			detail: fmt.Sprintf("%s (v%s)", execPath, version),
		})
	} else {
		checks = append(checks, checkResult{
			label:  "thrall binary",
			ok:     false,
			detail: "cannot determine executable path",
		})
	}

	// 2. Plugin directory.
	dir, dirErr := pluginDir()
	if dirErr == nil {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			checks = append(checks, checkResult{
				label:  "plugin directory",
				ok:     true,
				detail: dir,
			})
		} else {
			checks = append(checks, checkResult{
				label:  "plugin directory",
				ok:     false,
				detail: "missing",
				fix:    "thrall init",
			})
		}
	} else {
		checks = append(checks, checkResult{
			label:  "plugin directory",
			ok:     false,
			detail: dirErr.Error(),
		})
	}

	// 3. Configuration loads and validates. Missing files fall back to the
	// embedded defaults, so this passes on a bare directory too.
	var reg *config.Registry
	if dirErr == nil {
		r, err := config.Load(dir)
		if err == nil {
			reg = r
			checks = append(checks, checkResult{
				label: "configuration",
				ok:    true,
				detail: fmt.Sprintf("%d recipes, %d prompts, %d models",
					len(r.Recipes), len(r.Prompts), len(r.Models)),
			})
		} else {
			checks = append(checks, checkResult{
				label:  "configuration",
				ok:     false,
				detail: err.Error(),
				fix:    "fix the flagged file, or move it aside to fall back to defaults",
			})
		}
	}

	// 4. Database opens.
	var db *store.Store
	if dirErr == nil {
		d, err := store.Open(filepath.Join(dir, "thrall.db"), cliLogger())
		if err == nil {
			db = d
			defer db.Close()
			checks = append(checks, checkResult{
				label:  "database",
				ok:     true,
				detail: filepath.Join(dir, "thrall.db"),
			})
		} else {
			checks = append(checks, checkResult{
				label:  "database",
				ok:     false,
				detail: err.Error(),
				fix:    "check permissions on the plugin directory",
			})
		}
	}

	// 5. Triage prompt present somewhere: the database override wins, the
	// prompts/ template is the fallback.
	if db != nil && reg != nil {
		if p, err := db.GetPrompt("triage"); err == nil {
			checks = append(checks, checkResult{
				label:  "triage prompt",
				ok:     true,
				detail: fmt.Sprintf("database (hash %s, pushed by %s)", p.Hash, p.PushedBy),
			})
		} else if spec, ok := reg.Prompts["triage"]; ok {
			checks = append(checks, checkResult{
				label:  "triage prompt",
				ok:     true,
				detail: fmt.Sprintf("template (model %s)", spec.Model),
			})
		} else {
			checks = append(checks, checkResult{
				label:  "triage prompt",
				ok:     false,
				detail: "missing",
				fix:    "thrall prompt load triage --file <prompt.txt>",
			})
		}
	}

	// 6. Breakers.
	if dirErr == nil {
		brk := breaker.NewStore(filepath.Join(dir, "breakers"), 0, nil, cliLogger())
		if list, err := brk.List(); err == nil {
			detail := "none active"
			if len(list) > 0 {
				detail = fmt.Sprintf("%d active", len(list))
			}
			checks = append(checks, checkResult{
				label:  "breakers",
				ok:     true,
				detail: detail,
			})
		} else {
			checks = append(checks, checkResult{
				label:  "breakers",
				ok:     false,
				detail: err.Error(),
			})
		}
	}

	// 7. Model backends. Local models are checked for the weights file;
	// remote ones are probed.
	if reg != nil {
		names := make([]string, 0, len(reg.Models))
		for name := range reg.Models {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			checks = append(checks, modelCheck(reg.Models[name]))
		}
	}

	// Print results.
	hasFailures := false
	for _, c := range checks {
		mark := "✓"
		if !c.ok {
			mark = "✗"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Println(line)
	}

	if hasFailures {
		fmt.Println()
		fmt.Println("Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Println()
	fmt.Println("All checks passed.")
	return nil
}

func modelCheck(spec *config.ModelSpec) checkResult {
	label := "model " + spec.Name

	if spec.Backend == "local" {
		if spec.ModelPath == "" {
			return checkResult{label: label, ok: false, detail: "no model_path set", fix: "edit models/" + spec.Name + ".toml"}
		}
		if _, err := os.Stat(spec.ModelPath); err != nil {
			return checkResult{label: label, ok: false, detail: "weights missing: " + spec.ModelPath, fix: "download the model or edit models/" + spec.Name + ".toml"}
		}
		return checkResult{label: label, ok: true, detail: fmt.Sprintf("local weights %s", filepath.Base(spec.ModelPath))}
	}

	vault := func(key string) (string, error) {
		if v := os.Getenv(key); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("secret %q not set in environment", key)
	}
	backend, err := llm.NewBackend(spec.ModelConfig(), llm.Deps{Vault: vault})
	if err != nil {
		return checkResult{label: label, ok: false, detail: err.Error(), fix: "edit models/" + spec.Name + ".toml"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !backend.Available(ctx) {
		return checkResult{
			label:  label,
			ok:     false,
			detail: fmt.Sprintf("%s backend unreachable", spec.Backend),
			fix:    "start the backend or edit models/" + spec.Name + ".toml",
		}
	}
	return checkResult{label: label, ok: true, detail: fmt.Sprintf("%s: %s", spec.Backend, backend.ModelName())}
}
