package config

import (
	"fmt"
	"strings"

	"github.com/knarrhq/thrall/internal/llm"
)

// validate applies the fail-loud rules to a candidate registry. Any error
// rejects the whole candidate; the caller keeps the previous registry.
func validate(reg *Registry) error {
	for name, p := range reg.Prompts {
		if err := validatePrompt(p); err != nil {
			return fmt.Errorf("%w: prompt %q: %v", ErrValidation, name, err)
		}
	}
	for name, m := range reg.Models {
		if err := validateModel(m); err != nil {
			return fmt.Errorf("%w: model %q: %v", ErrValidation, name, err)
		}
	}

	seen := map[string]string{}
	for _, rec := range reg.Recipes {
		if rec.Name == "" {
			return fmt.Errorf("%w: %s: recipe has no name", ErrValidation, rec.Source)
		}
		if prev, dup := seen[rec.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate recipe %q (also in %s)", ErrValidation, rec.Source, rec.Name, prev)
		}
		seen[rec.Name] = rec.Source
		if err := validateRecipe(reg, rec); err != nil {
			return fmt.Errorf("%w: %s: recipe %q: %v", ErrValidation, rec.Source, rec.Name, err)
		}
	}
	return nil
}

func validatePrompt(p *PromptSpec) error {
	if p.Name == "" {
		return fmt.Errorf("prompt has no name")
	}
	if strings.TrimSpace(p.Template) == "" {
		return fmt.Errorf("template is empty")
	}
	if !p.AllowNoBody && !strings.Contains(p.Template, "{{envelope.body_text}}") {
		return fmt.Errorf("template has no {{envelope.body_text}} and allow_no_body is not set")
	}
	return nil
}

func validateModel(m *ModelSpec) error {
	if m.Name == "" {
		return fmt.Errorf("model has no name")
	}
	if !llm.KnownBackend(m.Backend) {
		return fmt.Errorf("unsupported backend %q (have %v)", m.Backend, llm.BackendNames())
	}
	return nil
}

func validateRecipe(reg *Registry, rec *Recipe) error {
	switch rec.Mode {
	case ModeManual, ModeSupervised, ModeAutomated:
	default:
		return fmt.Errorf("unknown mode %q", rec.Mode)
	}

	switch rec.Trigger.Type {
	case "":
		return fmt.Errorf("missing [trigger]")
	case "on_mail", "on_tick":
	default:
		return fmt.Errorf("unknown trigger type %q", rec.Trigger.Type)
	}

	if err := validateEvaluate(reg, &rec.Evaluate); err != nil {
		return err
	}

	for action, steps := range rec.Actions {
		if action == "" {
			return fmt.Errorf("action with empty name")
		}
		for i, step := range steps {
			if err := validateStep(step); err != nil {
				return fmt.Errorf("action %q step %d: %v", action, i, err)
			}
		}
	}
	return nil
}

func validateEvaluate(reg *Registry, ev *EvaluateSpec) error {
	if ev.Type == "" {
		if *ev != (EvaluateSpec{}) {
			return fmt.Errorf("[evaluate] needs a type")
		}
		ev.Type = "none"
		return nil
	}
	switch ev.Type {
	case "none":
		return nil
	case "llm":
		prompt, ok := reg.Prompts[ev.Prompt]
		if !ok {
			return fmt.Errorf("undefined prompt %q", ev.Prompt)
		}
		model := ev.Model
		if model == "" {
			model = prompt.Model
		}
		if model == "" {
			return fmt.Errorf("no model: set evaluate.model or a model on prompt %q", ev.Prompt)
		}
		if _, ok := reg.Models[model]; !ok {
			return fmt.Errorf("undefined model %q", model)
		}
		switch ev.FallbackAction {
		case "", "wake", "drop", "tier":
		default:
			return fmt.Errorf("unknown fallback_action %q", ev.FallbackAction)
		}
		return nil
	case "hotwire":
		if _, ok := reg.Hotwires[ev.Hotwire]; !ok {
			return fmt.Errorf("undefined hotwire set %q", ev.Hotwire)
		}
		return nil
	default:
		return fmt.Errorf("unknown evaluate type %q", ev.Type)
	}
}

func validateStep(step Step) error {
	switch step.Type {
	case "log":
		if step.Message == "" {
			return fmt.Errorf("log needs a message")
		}
	case "drop":
	case "compile":
		if step.Buffer == "" {
			return fmt.Errorf("compile needs a buffer")
		}
	case "summon", "wake":
	case "reply":
		if step.Body == "" {
			return fmt.Errorf("reply needs a body")
		}
	case "act":
		if step.Skill == "" {
			return fmt.Errorf("act needs a skill")
		}
	case "set_context", "set_flag":
		if step.Key == "" {
			return fmt.Errorf("%s needs a key", step.Type)
		}
	case "clear_context":
	case "trigger":
		if step.MsgType == "" {
			return fmt.Errorf("trigger needs a msg_type")
		}
	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}
	return nil
}
