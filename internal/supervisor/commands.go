package supervisor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mpataki/fleet/internal/protocol"
)

const helpText = "Commands: <id> <prompt> | <name> <prompt> | <id> <a|s|p|d|c> | approve [id] [a|s|p|d|c] | <id> stop [reason] | show <id|name> | dump <id|name> | list | review <agent|thread> [target] [--detached|--inline|delivery <mode>] | threads [loaded|list] [limit|cursor] | help | quit"

// HandleCommand dispatches one operator command line. Output lines go
// through out; ErrQuit signals an orderly shutdown.
func (s *Supervisor) HandleCommand(line string, out func(string)) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	switch line {
	case "help", "?":
		out(helpText)
		return nil
	case "list", "ls":
		s.listAgents(out)
		return nil
	case "quit", "exit":
		return ErrQuit
	}
	head, rest, _ := strings.Cut(line, " ")
	switch head {
	case "review":
		s.reviewCommand(line, out)
		return nil
	case "threads":
		s.threadsCommand(strings.Fields(rest), out)
		return nil
	case "show":
		s.showCommand(rest, out)
		return nil
	case "dump":
		s.dumpCommand(rest, out)
		return nil
	case "approve":
		s.approveCommand(strings.Fields(rest), out)
		return nil
	}
	s.agentCommand(line, out)
	return nil
}

func (s *Supervisor) listAgents(out func(string)) {
	for _, agent := range s.Agents() {
		label := strconv.Itoa(agent.Index)
		if agent.Name != "" {
			label = fmt.Sprintf("%s (%s)", label, agent.Name)
		}
		out(fmt.Sprintf("%s: %s", label, agent.status()))
	}
}

func (s *Supervisor) showCommand(key string, out func(string)) {
	agent := s.resolveAgent(key)
	if agent == nil {
		out(fmt.Sprintf("Unknown agent '%s'. Use 'list' to see agents.", key))
		return
	}
	history := agent.History()
	if len(history) > 20 {
		history = history[len(history)-20:]
	}
	out(fmt.Sprintf("Agent %d history (last 20):", agent.Index))
	for _, entry := range history {
		out("  " + entry)
	}
}

func (s *Supervisor) dumpCommand(key string, out func(string)) {
	agent := s.resolveAgent(key)
	if agent == nil {
		out(fmt.Sprintf("Unknown agent '%s'. Use 'list' to see agents.", key))
		return
	}
	if agent.logPath != "" {
		out(fmt.Sprintf("Agent %d log: %s", agent.Index, agent.logPath))
	} else {
		out(fmt.Sprintf("Agent %d has no log path.", agent.Index))
	}
}

// approveCommand resolves "approve [ref] <choice>": with a ref it acts on
// that agent's oldest pending approval, without one on the globally oldest.
func (s *Supervisor) approveCommand(args []string, out func(string)) {
	var target, choice string
	switch len(args) {
	case 0:
	case 1:
		if _, ok := ParseDecision(args[0]); ok {
			choice = args[0]
		} else {
			target = args[0]
		}
	default:
		target, choice = args[0], args[1]
	}
	decision, ok := ParseDecision(choice)
	if !ok {
		out("Approval requires a choice: a/s/p/d/c.")
		return
	}

	var entry *Approval
	if target != "" {
		agent := s.resolveAgent(target)
		if agent == nil {
			out(fmt.Sprintf("Unknown agent '%s'. Use 'list' to see agents.", target))
			return
		}
		entry = s.OldestApprovalFor(agent.ThreadID)
		if entry == nil {
			out(fmt.Sprintf("No pending approvals for agent %d.", agent.Index))
			return
		}
	} else {
		entry = s.OldestApproval()
		if entry == nil {
			out("No pending approvals.")
			return
		}
	}
	if err := s.ResolveApproval(entry, decision); err != nil {
		out("Invalid approval choice.")
	}
}

// agentCommand handles the "<ref> ..." forms: one-letter approval choices,
// stop requests, and follow-up prompts. A colon after the ref is accepted so
// "2: ship it" and "2 ship it" mean the same thing.
func (s *Supervisor) agentCommand(line string, out func(string)) {
	var head, prompt string
	if before, after, found := strings.Cut(line, ":"); found && !strings.Contains(before, " ") {
		head, prompt = strings.TrimSpace(before), strings.TrimSpace(after)
	} else {
		var ok bool
		head, prompt, ok = strings.Cut(line, " ")
		if !ok {
			out("Invalid command. Use: <id> <prompt> or <name> <prompt>")
			return
		}
		prompt = strings.TrimSpace(prompt)
	}

	agent := s.resolveAgent(head)
	if agent == nil {
		out(fmt.Sprintf("Unknown agent '%s'. Use 'list' to see agents.", head))
		return
	}

	if decision, ok := ParseDecision(prompt); ok {
		entry := s.OldestApprovalFor(agent.ThreadID)
		if entry == nil {
			out(fmt.Sprintf("No pending approvals for agent %d.", agent.Index))
			return
		}
		if err := s.ResolveApproval(entry, decision); err != nil {
			out("Invalid approval choice.")
		}
		return
	}

	if prompt == "stop" || strings.HasPrefix(prompt, "stop ") {
		reason := strings.TrimSpace(strings.TrimPrefix(prompt, "stop"))
		if reason == "" {
			reason = "stop current task and report status"
		}
		if agent.Done {
			if err := s.startAgentPrompt(agent, "Stop: "+reason); err != nil {
				out(fmt.Sprintf("stop: %v", err))
			}
			return
		}
		if s.tryCancelTurn(agent) {
			agent.record("turn cancelled")
		} else {
			s.queuePrompt(agent, "Stop: "+reason)
		}
		return
	}

	if agent.Done {
		if err := s.startAgentPrompt(agent, prompt); err != nil {
			out(fmt.Sprintf("prompt: %v", err))
		}
	} else {
		s.queuePrompt(agent, prompt)
	}
}

// reviewCommand starts an on-demand code review on an agent's thread (or a
// raw thread id) against an optional target.
func (s *Supervisor) reviewCommand(line string, out func(string)) {
	parts, err := splitArgs(line)
	if err != nil {
		out(fmt.Sprintf("review: %v", err))
		return
	}
	if len(parts) < 2 {
		out("Usage: review <agent|thread> [uncommitted|base <branch>|commit <sha> [title]|custom <instructions>] [--detached|--inline|delivery <mode>]")
		return
	}
	threadID := parts[1]
	if agent := s.resolveAgent(parts[1]); agent != nil {
		threadID = agent.ThreadID
	}

	rest := parts[2:]
	var delivery string
	var remaining []string
	for i := 0; i < len(rest); i++ {
		token := rest[i]
		switch {
		case token == "--detached" || token == "--inline":
			delivery = strings.TrimPrefix(token, "--")
		case token == "delivery" && i+1 < len(rest) && (rest[i+1] == "inline" || rest[i+1] == "detached"):
			delivery = rest[i+1]
			i++
		default:
			remaining = append(remaining, token)
		}
	}

	var target map[string]any
	switch {
	case len(remaining) == 0:
		target = map[string]any{"type": "uncommittedChanges"}
	case remaining[0] == "uncommitted" || remaining[0] == "uncommittedChanges" ||
		remaining[0] == "changes" || remaining[0] == "current":
		target = map[string]any{"type": "uncommittedChanges"}
	case remaining[0] == "base":
		if len(remaining) < 2 {
			out("review: base requires a branch name")
			return
		}
		target = map[string]any{"type": "baseBranch", "branch": remaining[1]}
	case remaining[0] == "commit":
		if len(remaining) < 2 {
			out("review: commit requires a sha")
			return
		}
		target = map[string]any{"type": "commit", "sha": remaining[1]}
		if title := strings.TrimSpace(strings.Join(remaining[2:], " ")); title != "" {
			target["title"] = title
		}
	case remaining[0] == "custom":
		instructions := strings.TrimSpace(strings.Join(remaining[1:], " "))
		if instructions == "" {
			out("review: custom requires instructions")
			return
		}
		target = map[string]any{"type": "custom", "instructions": instructions}
	default:
		target = map[string]any{"type": "custom", "instructions": strings.Join(remaining, " ")}
	}

	params := map[string]any{"threadId": threadID, "target": target}
	if delivery != "" {
		params["delivery"] = delivery
	}
	resp, err := s.conn.Request("review/start", params, s.opts.RequestTimeout)
	if err != nil {
		out(fmt.Sprintf("review: request failed: %v", err))
		return
	}
	var result protocol.ReviewStartResult
	if err := resp.DecodeResult(&result); err != nil {
		out(fmt.Sprintf("review: request failed: %v", err))
		return
	}
	reviewThread := result.Thread()
	if reviewThread == "" {
		reviewThread = threadID
	}
	out(fmt.Sprintf("review started: thread %s (%s)", reviewThread, target["type"]))
}

// threadsCommand lists server-side threads: "loaded" for the in-memory set,
// "list" for the persisted index with cursor paging.
func (s *Supervisor) threadsCommand(args []string, out func(string)) {
	mode := "loaded"
	var cursor string
	limit := -1
	if len(args) >= 1 {
		switch {
		case args[0] == "loaded" || args[0] == "list":
			mode = args[0]
			if len(args) >= 2 {
				if n, err := strconv.Atoi(args[1]); err == nil {
					limit = n
				} else {
					cursor = args[1]
				}
			}
		default:
			if n, err := strconv.Atoi(args[0]); err == nil {
				limit = n
			} else {
				cursor = args[0]
			}
		}
	}
	params := map[string]any{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	if limit >= 0 {
		params["limit"] = limit
	}
	method := "thread/loaded/list"
	if mode == "list" {
		method = "thread/list"
	}
	resp, err := s.conn.Request(method, params, s.opts.RequestTimeout)
	if err != nil {
		out(fmt.Sprintf("threads: request failed: %v", err))
		return
	}
	var result protocol.ThreadListResult
	if err := resp.DecodeResult(&result); err != nil {
		out(fmt.Sprintf("threads: request failed: %v", err))
		return
	}
	ids := threadIDsFromData(mode, result.Data)
	out(fmt.Sprintf("threads (%s): %d", mode, len(ids)))
	for _, id := range ids {
		out("  " + id)
	}
	if next := result.Cursor(); next != "" {
		out("next_cursor: " + next)
	}
}

// threadIDsFromData decodes the data array of a thread listing. The
// persisted index returns objects with ids, the loaded set returns bare ids.
func threadIDsFromData(mode string, data json.RawMessage) []string {
	if len(data) == 0 {
		return nil
	}
	if mode == "list" {
		var entries []struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil
		}
		var ids []string
		for _, e := range entries {
			if e.ID != "" {
				ids = append(ids, e.ID)
			}
		}
		return ids
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil
	}
	return ids
}

// splitArgs tokenizes a command line, honoring single and double quotes.
func splitArgs(line string) ([]string, error) {
	var args []string
	var current strings.Builder
	var quote byte
	inToken := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				current.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inToken = true
		case ch == ' ' || ch == '\t':
			if inToken {
				args = append(args, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteByte(ch)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unbalanced quote")
	}
	if inToken {
		args = append(args, current.String())
	}
	return args, nil
}
