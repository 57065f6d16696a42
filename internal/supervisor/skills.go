package supervisor

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/mpataki/fleet/internal/protocol"
)

var skillMarkerRe = regexp.MustCompile(`\$([A-Za-z0-9_-]+)`)

// buildTurnInput turns a prompt into turn/start input items. A $name marker
// in the prompt adds a skill item when the skill can be resolved locally or
// under the home directory.
func buildTurnInput(prompt, cwd string) []protocol.TurnInput {
	items := []protocol.TurnInput{{Type: "text", Text: prompt}}
	match := skillMarkerRe.FindStringSubmatch(prompt)
	if match == nil {
		return items
	}
	name := match[1]
	path := resolveSkillPath(name, cwd)
	if path == "" {
		return items
	}
	return append(items, protocol.TurnInput{Type: "skill", Name: name, Path: path})
}

func resolveSkillPath(name, cwd string) string {
	var candidates []string
	if cwd != "" {
		candidates = append(candidates, filepath.Join(cwd, "skills", name, "SKILL.md"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".codex", "skills", name, "SKILL.md"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
