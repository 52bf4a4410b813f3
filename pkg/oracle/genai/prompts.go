package genai

import (
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/aymerick/raymond"
)

//go:embed prompts/*.hbs
var promptFS embed.FS

// promptSet holds one parsed Handlebars template per task.
type promptSet struct {
	templates map[string]*raymond.Template
}

func loadPrompts() (*promptSet, error) {
	entries, err := promptFS.ReadDir("prompts")
	if err != nil {
		return nil, fmt.Errorf("read prompt templates: %w", err)
	}

	ps := &promptSet{templates: make(map[string]*raymond.Template, len(entries))}
	for _, entry := range entries {
		name := entry.Name()
		content, err := promptFS.ReadFile(path.Join("prompts", name))
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", name, err)
		}
		tpl, err := raymond.Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", name, err)
		}
		ps.templates[strings.TrimSuffix(name, ".hbs")] = tpl
	}
	return ps, nil
}

func (ps *promptSet) render(task string, data map[string]any) (string, error) {
	tpl, ok := ps.templates[task]
	if !ok {
		return "", fmt.Errorf("no prompt template for task %q", task)
	}
	out, err := tpl.Exec(data)
	if err != nil {
		return "", fmt.Errorf("render prompt %s: %w", task, err)
	}
	return out, nil
}
