package supervisor

import (
	"encoding/json"
	"strings"

	"github.com/mpataki/fleet/internal/models"
	"github.com/mpataki/fleet/internal/protocol"
)

// processEvent routes one server event. Events for unknown threads are
// dropped; review-thread events are handled separately from agent events.
func (s *Supervisor) processEvent(ev *protocol.Event) {
	var params protocol.EventParams
	if len(ev.Params) > 0 {
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			return
		}
	}
	threadID := params.Thread()

	if agent := s.agentByThread(threadID); agent != nil {
		s.processAgentEvent(ev.Method, agent, &params)
		return
	}
	if _, ok := s.pendingReviews[threadID]; ok {
		s.processReviewEvent(ev.Method, threadID, &params)
	}
}

func (s *Supervisor) processAgentEvent(method string, agent *Agent, params *protocol.EventParams) {
	switch method {
	case "turn/started":
		agent.record("turn started")

	case "item/started":
		item := decodeItem(params.Item)
		if item == nil {
			return
		}
		if item.ID != "" {
			agent.items[item.ID] = item
		}
		if item.Type == "commandExecution" && item.Command != "" {
			agent.recentCommands.push(item.Command)
		}
		if item.Type == "fileChange" {
			agent.record(summarizeItem(item))
		}

	case "item/completed":
		item := decodeItem(params.Item)
		if item == nil {
			return
		}
		if item.ID != "" {
			agent.items[item.ID] = item
		}
		switch item.Type {
		case "fileChange":
			agent.record(summarizeItem(item))
		case "enteredReviewMode":
			if item.ID != "" {
				s.reviewLabels[item.ID] = item.Review
			}
		case "exitedReviewMode":
			s.saveReviewOutput(agent, item)
		case "agentMessage":
			s.flushAgentBuffer(agent)
			agent.LastMessage = item.Text
		}

	case "item/agentMessage/delta":
		if params.Delta != "" {
			agent.agentBuf.WriteString(params.Delta)
		}

	case "item/reasoning/textDelta":
		if d := strings.TrimSpace(params.Delta); d != "" {
			agent.record("reasoning: " + d)
		}

	case "item/reasoning/summaryTextDelta":
		if params.Delta != "" {
			agent.summaryBuf.WriteString(params.Delta)
		}

	case "item/commandExecution/outputDelta":
		if d := strings.TrimSpace(params.Delta); d != "" {
			agent.record("cmd out: " + d)
		}

	case "item/mcpToolCall/progress":
		if params.Message != "" {
			agent.record("mcp: " + params.Message)
		}

	case "item/fileChange/outputDelta":
		if params.Delta != "" {
			agent.record("file change output")
		}

	case "turn/completed":
		s.completeTurn(agent, params.Turn.Status)
	}
}

// completeTurn marks the agent done, dequeues one queued follow-up prompt if
// any, and launches the auto-review session for the finished turn. The two
// steps are independent: a dispatched follow-up does not suppress the review,
// which judges the output of the turn that just ended.
func (s *Supervisor) completeTurn(agent *Agent, status string) {
	agent.Done = true
	s.flushAgentBuffer(agent)
	s.flushSummaryBuffer(agent)
	agent.record("turn " + status)
	s.logf("agent %d completed status=%s", agent.Index, status)
	s.logger.Info("agent turn completed", "agent", agent.Index, "status", status)
	s.ledgerUpdate(agent)

	// startAgentPrompt resets LastMessage for the next turn, so snapshot the
	// finished turn's output before dispatching.
	output := agent.LastMessage

	if len(agent.queuedPrompts) > 0 {
		next := agent.queuedPrompts[0]
		agent.queuedPrompts = agent.queuedPrompts[1:]
		if err := s.startAgentPrompt(agent, next); err != nil {
			s.logf("agent %d follow-up failed: %v", agent.Index, err)
		} else {
			s.logf("agent %d dequeued prompt", agent.Index)
		}
	}
	if s.opts.Review && output != "" {
		s.startAutoReview(agent, output)
	}
}

// startAutoReview opens a fresh thread that reviews the agent's final
// message against its original prompt.
func (s *Supervisor) startAutoReview(agent *Agent, output string) {
	prompt := strings.NewReplacer(
		"{prompt}", agent.Prompt,
		"{output}", output,
	).Replace(s.opts.ReviewTemplate)

	params := map[string]any{}
	if s.opts.Cwd != "" {
		params["cwd"] = s.opts.Cwd
	}
	resp, err := s.conn.Request("thread/start", params, s.opts.RequestTimeout)
	if err != nil {
		s.logf("review %d start failed: %v", agent.Index, err)
		return
	}
	var result protocol.ThreadStartResult
	if err := resp.DecodeResult(&result); err != nil {
		s.logf("review %d start failed: %v", agent.Index, err)
		return
	}
	reviewThread := result.Thread.ID
	if _, err := s.conn.Request("turn/start", map[string]any{
		"threadId": reviewThread,
		"input":    []protocol.TurnInput{{Type: "text", Text: prompt}},
	}, s.opts.RequestTimeout); err != nil {
		s.logf("review %d start failed: %v", agent.Index, err)
		return
	}
	s.pendingReviews[reviewThread] = agent.Index
	agent.reviewThread = reviewThread
	s.logf("review %d started", agent.Index)
}

func (s *Supervisor) processReviewEvent(method, threadID string, params *protocol.EventParams) {
	switch method {
	case "item/completed":
		item := decodeItem(params.Item)
		if item == nil || item.Type != "agentMessage" {
			return
		}
		index := s.pendingReviews[threadID]
		text := strings.TrimSpace(item.Text)
		if runes := []rune(text); len(runes) > 120 {
			text = string(runes[:120])
		}
		s.logf("review %d: %s", index, text)

	case "turn/completed":
		index := s.pendingReviews[threadID]
		delete(s.pendingReviews, threadID)
		s.logf("review %d completed", index)
	}
}

// saveReviewOutput persists an exitedReviewMode item's text exactly once per
// review id, both as a markdown artifact and as a ledger row.
func (s *Supervisor) saveReviewOutput(agent *Agent, item *protocol.Item) {
	if item.Review == "" || item.ID == "" || s.reviewWritten[item.ID] {
		return
	}
	label := s.reviewLabels[item.ID]
	delete(s.reviewLabels, item.ID)
	path, err := writeReviewArtifact(s.opts.LogDir, agent.ThreadID, item.ID, label, item.Review)
	if err != nil {
		s.logger.Warn("failed to write review artifact", "agent", agent.Index, "error", err)
		return
	}
	s.reviewWritten[item.ID] = true
	agent.record("review output saved: " + path)
	s.logf("review output saved: %s", path)
	if s.opts.Store != nil {
		if _, err := s.opts.Store.CreateReview(&models.Review{
			ThreadID: agent.ThreadID,
			ReviewID: item.ID,
			Label:    label,
			Path:     path,
		}); err != nil {
			s.logger.Warn("failed to record review", "agent", agent.Index, "error", err)
		}
	}
}

// flushAgentBuffer drains accumulated agentMessage deltas into normalized
// "agent:" activity lines.
func (s *Supervisor) flushAgentBuffer(agent *Agent) {
	if agent.agentBuf.Len() == 0 {
		return
	}
	for _, line := range splitNormalized(agent.agentBuf.String()) {
		agent.record("agent: " + line)
	}
	agent.agentBuf.Reset()
}

// flushSummaryBuffer drains accumulated reasoning-summary deltas into
// normalized "summary:" activity lines.
func (s *Supervisor) flushSummaryBuffer(agent *Agent) {
	if agent.summaryBuf.Len() == 0 {
		return
	}
	for _, line := range splitNormalized(agent.summaryBuf.String()) {
		agent.record("summary: " + line)
	}
	agent.summaryBuf.Reset()
}

func decodeItem(raw json.RawMessage) *protocol.Item {
	if len(raw) == 0 {
		return nil
	}
	var item protocol.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil
	}
	return &item
}

// summarizeItem renders a one-line description of a turn item for the
// activity stream and approval prompts.
func summarizeItem(item *protocol.Item) string {
	switch item.Type {
	case "commandExecution":
		return "command: " + item.Command
	case "fileChange":
		var paths []string
		for _, change := range item.Changes {
			if change.Path != "" {
				paths = append(paths, change.Path)
			}
		}
		if len(paths) == 0 {
			return "file change"
		}
		sample := paths
		suffix := ""
		if len(paths) > 3 {
			sample = paths[:3]
			suffix = "..."
		}
		return "file change: " + strings.Join(sample, ", ") + suffix
	case "agentMessage":
		return "agent message"
	case "reasoning":
		return "reasoning"
	case "toolCall":
		tool := item.ToolName
		if tool == "" {
			tool = "tool"
		}
		return "tool: " + tool
	}
	return "item: " + item.Type
}
