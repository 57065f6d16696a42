// Package directive extracts scheduling directives embedded in agent prompts.
//
// A prompt may begin with a run of directive tokens separated by "||". The
// run ends at the first token that is not a recognized directive; everything
// from there on is the prompt body delivered to the agent.
package directive

import "strings"

// Delimiter separates directive tokens from each other and from the body.
const Delimiter = "||"

// WaitGate names an external file whose first line must equal Status before
// the gated agent may start.
type WaitGate struct {
	Path   string
	Status string
}

// Extract splits a raw prompt into its body, an optional readiness gate and
// the list of agent dependency tokens (indices or names). Multiple dependency
// directives accumulate; a later WAIT_FOR_STATUS overwrites an earlier one.
func Extract(prompt string) (body string, wait *WaitGate, deps []string) {
	parts := strings.Split(prompt, Delimiter)
	i := 0
	for ; i < len(parts); i++ {
		token := strings.TrimSpace(parts[i])
		if rest, ok := strings.CutPrefix(token, "WAIT_FOR_STATUS:"); ok {
			if path, status, found := strings.Cut(rest, "|"); found {
				wait = &WaitGate{
					Path:   strings.TrimSpace(path),
					Status: strings.TrimSpace(status),
				}
				continue
			}
		}
		if rest, ok := cutDepPrefix(token); ok {
			deps = append(deps, splitDeps(rest)...)
			continue
		}
		break
	}
	body = strings.TrimSpace(strings.Join(parts[i:], Delimiter))
	return body, wait, deps
}

// The three dependency spellings are synonymous. WAIT_FOR_AGENT_DONE must be
// tried before WAIT_FOR_AGENT since the latter is a prefix of it.
func cutDepPrefix(token string) (string, bool) {
	for _, prefix := range []string{"WAIT_FOR_AGENT_DONE:", "WAIT_FOR_AGENTS:", "WAIT_FOR_AGENT:"} {
		if rest, ok := strings.CutPrefix(token, prefix); ok {
			return rest, true
		}
	}
	return "", false
}

func splitDeps(s string) []string {
	var deps []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}
	return deps
}

// ParseName pulls a display name from a "(name:<value>)" substring anywhere
// in the prompt. Returns "" when no name is present.
func ParseName(prompt string) string {
	const marker = "(name:"
	start := strings.Index(prompt, marker)
	if start == -1 {
		return ""
	}
	end := strings.Index(prompt[start:], ")")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(prompt[start+len(marker) : start+end])
}
