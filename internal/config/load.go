package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/knarrhq/thrall/internal/hotwire"
	"github.com/knarrhq/thrall/internal/store"
	"github.com/knarrhq/thrall/internal/trust"
)

// Registry is one immutable, validated configuration generation.
type Registry struct {
	Plugin   *Plugin
	Recipes  []*Recipe
	Prompts  map[string]*PromptSpec
	Models   map[string]*ModelSpec
	Hotwires map[string]*hotwire.Set
	Trust    *trust.Resolver
	LoadedAt time.Time
}

// Recipe returns the named recipe, or nil.
func (r *Registry) Recipe(name string) *Recipe {
	for _, rec := range r.Recipes {
		if rec.Name == name {
			return rec
		}
	}
	return nil
}

// EvalModel resolves the model for an llm evaluate spec: the recipe override
// first, then the prompt's model ref. Validation guarantees a hit.
func (r *Registry) EvalModel(ev *EvaluateSpec) *ModelSpec {
	name := ev.Model
	if name == "" {
		if p, ok := r.Prompts[ev.Prompt]; ok {
			name = p.Model
		}
	}
	return r.Models[name]
}

// Load reads plugin.toml plus the recipes/, prompts/, models/ and hotwires/
// directories under dir and returns a validated registry. A missing file or
// directory falls back to the embedded defaults; any parse or validation
// failure rejects the whole candidate.
func Load(dir string) (*Registry, error) {
	reg := &Registry{
		Prompts:  map[string]*PromptSpec{},
		Models:   map[string]*ModelSpec{},
		Hotwires: map[string]*hotwire.Set{},
		LoadedAt: time.Now(),
	}

	plugin, err := loadPlugin(dir)
	if err != nil {
		return nil, err
	}
	reg.Plugin = plugin

	resolver, err := trust.NewResolver(plugin.Trust.Team, plugin.Trust.Known)
	if err != nil {
		return nil, fmt.Errorf("%w: plugin.toml [trust]: %v", ErrValidation, err)
	}
	reg.Trust = resolver

	if err := loadRecipes(dir, reg); err != nil {
		return nil, err
	}
	if err := loadPrompts(dir, reg); err != nil {
		return nil, err
	}
	if err := loadModels(dir, reg); err != nil {
		return nil, err
	}
	if err := loadHotwires(dir, reg); err != nil {
		return nil, err
	}

	if err := validate(reg); err != nil {
		return nil, err
	}
	normalize(reg)
	return reg, nil
}

func loadPlugin(dir string) (*Plugin, error) {
	plugin := &Plugin{Thrall: DefaultTunables()}
	data, err := os.ReadFile(filepath.Join(dir, "plugin.toml"))
	if errors.Is(err, fs.ErrNotExist) {
		data, err = defaultsFS.ReadFile("defaults/plugin.toml")
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin.toml: %w", err)
	}
	if err := decodeStrict("plugin.toml", data, plugin); err != nil {
		return nil, err
	}
	return plugin, nil
}

func loadRecipes(dir string, reg *Registry) error {
	files, err := listTOML(dir, "recipes")
	if err != nil {
		return err
	}
	for _, f := range files {
		rec := &Recipe{Enabled: true, Mode: ModeSupervised, Source: f.name}
		if err := decodeStrict(f.name, f.data, rec); err != nil {
			return err
		}
		reg.Recipes = append(reg.Recipes, rec)
	}
	sort.Slice(reg.Recipes, func(i, j int) bool {
		return reg.Recipes[i].Source < reg.Recipes[j].Source
	})
	return nil
}

func loadPrompts(dir string, reg *Registry) error {
	files, err := listTOML(dir, "prompts")
	if err != nil {
		return err
	}
	for _, f := range files {
		p := &PromptSpec{Version: 1}
		if err := decodeStrict(f.name, f.data, p); err != nil {
			return err
		}
		p.Hash = store.PromptHash(p.Template)
		if _, dup := reg.Prompts[p.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate prompt %q", ErrValidation, f.name, p.Name)
		}
		reg.Prompts[p.Name] = p
	}
	return nil
}

func loadModels(dir string, reg *Registry) error {
	files, err := listTOML(dir, "models")
	if err != nil {
		return err
	}
	for _, f := range files {
		m := &ModelSpec{Backend: "local"}
		if err := decodeStrict(f.name, f.data, m); err != nil {
			return err
		}
		if _, dup := reg.Models[m.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate model %q", ErrValidation, f.name, m.Name)
		}
		reg.Models[m.Name] = m
	}
	return nil
}

func loadHotwires(dir string, reg *Registry) error {
	files, err := listTOML(dir, "hotwires")
	if err != nil {
		return err
	}
	for _, f := range files {
		spec := &HotwireSpec{DefaultAction: "wake"}
		if err := decodeStrict(f.name, f.data, spec); err != nil {
			return err
		}
		if spec.Name == "" {
			return fmt.Errorf("%w: %s: hotwire set has no name", ErrValidation, f.name)
		}
		if _, dup := reg.Hotwires[spec.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate hotwire set %q", ErrValidation, f.name, spec.Name)
		}
		set, err := hotwire.Compile(spec.Name, spec.Rules, spec.DefaultAction)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrValidation, f.name, err)
		}
		reg.Hotwires[spec.Name] = set
	}
	return nil
}

// normalize fills recipe filter zeros from the plugin tunables so the filter
// stage never needs the tunables at run time.
func normalize(reg *Registry) {
	t := reg.Plugin.Thrall
	for _, rec := range reg.Recipes {
		if rec.Filter.RateLimitMax == 0 {
			rec.Filter.RateLimitMax = t.RateLimitMax
		}
		if rec.Filter.RateLimitWindowSeconds == 0 {
			rec.Filter.RateLimitWindowSeconds = t.RateLimitWindowSeconds
		}
		if rec.Filter.RateLimitAction == "" {
			rec.Filter.RateLimitAction = "drop"
		}
		if rec.Filter.BypassAction == "" {
			rec.Filter.BypassAction = "wake"
		}
	}
}

type tomlFile struct {
	name string
	data []byte
}

// listTOML returns the *.toml files under dir/sub sorted by name. A missing
// directory falls back to the embedded defaults for that section.
func listTOML(dir, sub string) ([]tomlFile, error) {
	path := filepath.Join(dir, sub)
	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return embeddedTOML(sub)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var files []tomlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		files = append(files, tomlFile{name: e.Name(), data: data})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func embeddedTOML(sub string) ([]tomlFile, error) {
	entries, err := fs.ReadDir(defaultsFS, "defaults/"+sub)
	if err != nil {
		return nil, fmt.Errorf("embedded defaults %s: %w", sub, err)
	}
	var files []tomlFile
	for _, e := range entries {
		data, err := defaultsFS.ReadFile("defaults/" + sub + "/" + e.Name())
		if err != nil {
			return nil, err
		}
		files = append(files, tomlFile{name: e.Name(), data: data})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// decodeStrict parses TOML and rejects unknown keys, so typos fail loud
// instead of silently configuring nothing.
func decodeStrict(name string, data []byte, v any) error {
	md, err := toml.Decode(string(data), v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: %s: unknown fields: %s", ErrValidation, name, strings.Join(keys, ", "))
	}
	return nil
}
