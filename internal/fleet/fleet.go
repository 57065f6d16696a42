// Package fleet loads agent rosters from fleet files. A fleet file is either
// a YAML document or a Lua script; both yield the same ordered entries that
// repeated --agent flags would.
package fleet

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/fleet/internal/directive"
)

// Entry is one roster position: the prompt body plus the scheduling
// attributes that would otherwise be spelled as prompt directives.
type Entry struct {
	Name   string
	Prompt string
	Wait   *directive.WaitGate
	After  []string
}

// Load reads a fleet file, dispatching on the extension: .lua runs the
// sandboxed Lua loader, everything else is parsed as YAML.
func Load(path string) ([]Entry, error) {
	if strings.HasSuffix(path, ".lua") {
		return LoadLua(path)
	}
	return LoadYAML(path)
}

type yamlFile struct {
	Agents []yamlAgent `yaml:"agents"`
}

type yamlAgent struct {
	Name   string   `yaml:"name"`
	Prompt string   `yaml:"prompt"`
	After  []string `yaml:"after"`
	Wait   *struct {
		Path   string `yaml:"path"`
		Status string `yaml:"status"`
	} `yaml:"wait"`
}

// LoadYAML parses a YAML fleet file.
func LoadYAML(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file: %w", err)
	}

	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse fleet YAML: %w", err)
	}

	var entries []Entry
	for i, a := range file.Agents {
		entry := Entry{Name: a.Name, Prompt: a.Prompt, After: a.After}
		if a.Wait != nil {
			entry.Wait = &directive.WaitGate{Path: a.Wait.Path, Status: a.Wait.Status}
		}
		if err := validate(&entry); err != nil {
			return nil, fmt.Errorf("agent %d: %w", i+1, err)
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("fleet file %s defines no agents", path)
	}
	return entries, nil
}

func validate(e *Entry) error {
	if strings.TrimSpace(e.Prompt) == "" {
		return fmt.Errorf("agent must have a prompt")
	}
	if e.Wait != nil && (e.Wait.Path == "" || e.Wait.Status == "") {
		return fmt.Errorf("wait gate requires both path and status")
	}
	return nil
}
