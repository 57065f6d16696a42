package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mpataki/fleet/internal/directive"
	"github.com/mpataki/fleet/internal/models"
	"github.com/mpataki/fleet/internal/protocol"
)

// SpecFromPrompt builds an AgentSpec from one raw --agent prompt, stripping
// its directives.
func SpecFromPrompt(index int, prompt string) *AgentSpec {
	body, wait, deps := directive.Extract(prompt)
	return &AgentSpec{
		Index:  index,
		Prompt: body,
		Name:   directive.ParseName(body),
		Wait:   wait,
		Deps:   deps,
	}
}

// startReady scans the pending queue once, starting every spec whose
// dependencies are satisfied and whose readiness gate (if any) has opened, as
// long as the parallelism cap is not exceeded. Blocked specs keep their
// relative order.
func (s *Supervisor) startReady() error {
	var remaining []*AgentSpec
	for i, spec := range s.pending {
		if s.capReached() {
			remaining = append(remaining, s.pending[i:]...)
			break
		}
		if !s.depsSatisfied(spec) {
			remaining = append(remaining, spec)
			continue
		}
		if spec.Wait != nil && !s.gateOpen(spec) {
			remaining = append(remaining, spec)
			continue
		}
		if err := s.startAgent(spec); err != nil {
			return err
		}
	}
	s.pending = remaining
	return nil
}

func (s *Supervisor) capReached() bool {
	if s.opts.MaxParallel <= 0 {
		return false
	}
	running := 0
	for _, a := range s.agents {
		if !a.Done {
			running++
		}
	}
	return running >= s.opts.MaxParallel
}

// depsSatisfied reports whether every dependency token resolves to an agent
// that has completed at least once. An unresolvable token (no pending spec
// and no known agent matches it) is reported once and leaves the spec
// pending.
func (s *Supervisor) depsSatisfied(spec *AgentSpec) bool {
	satisfied := true
	for _, dep := range spec.Deps {
		if s.depDone(dep) {
			continue
		}
		satisfied = false
		if !s.depResolvable(dep) {
			if s.stalledSpecs[spec.Index] == "" {
				s.stalledSpecs[spec.Index] = dep
				s.logf("agent %d waiting on unknown dependency '%s'", spec.Index, dep)
				s.logger.Warn("unresolvable dependency", "agent", spec.Index, "dep", dep)
			}
		}
	}
	return satisfied
}

func (s *Supervisor) depDone(dep string) bool {
	if idx, err := strconv.Atoi(dep); err == nil {
		for _, a := range s.agents {
			if a.Index == idx && a.Done {
				return true
			}
		}
		return false
	}
	for _, a := range s.agents {
		if a.Name != "" && strings.EqualFold(a.Name, dep) && a.Done {
			return true
		}
	}
	return false
}

func (s *Supervisor) depResolvable(dep string) bool {
	if idx, err := strconv.Atoi(dep); err == nil {
		for _, a := range s.agents {
			if a.Index == idx {
				return true
			}
		}
		for _, p := range s.pending {
			if p.Index == idx {
				return true
			}
		}
		return false
	}
	for _, a := range s.agents {
		if strings.EqualFold(a.Name, dep) {
			return true
		}
	}
	for _, p := range s.pending {
		if strings.EqualFold(p.Name, dep) {
			return true
		}
	}
	return false
}

// gateOpen probes the spec's readiness gate. The probe is a single first-line
// read, throttled so a blocked gate costs one filesystem read every few
// seconds; the wait never blocks the tick itself. The first probe happens
// the moment the spec becomes eligible, so an already-satisfied gate opens
// without any polling delay.
func (s *Supervisor) gateOpen(spec *AgentSpec) bool {
	now := time.Now()
	if last, ok := s.lastGateProbe[spec.Index]; ok && now.Sub(last) < gateProbeInterval {
		return false
	}
	s.lastGateProbe[spec.Index] = now

	line, err := readFirstLine(spec.Wait.Path)
	if err == nil && line == spec.Wait.Status {
		if s.gateWaiting[spec.Index] {
			s.logf("status ready in %s", spec.Wait.Path)
		}
		delete(s.gateWaiting, spec.Index)
		return true
	}
	if !s.gateWaiting[spec.Index] {
		s.gateWaiting[spec.Index] = true
		s.logf("waiting for status '%s' in %s", spec.Wait.Status, spec.Wait.Path)
	}
	return false
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", scanner.Err()
}

// startAgent consumes a spec: creates the thread, issues the initial turn,
// and materializes the Agent record.
func (s *Supervisor) startAgent(spec *AgentSpec) error {
	params := map[string]any{}
	if s.opts.Cwd != "" {
		params["cwd"] = s.opts.Cwd
	}
	resp, err := s.conn.Request("thread/start", params, s.opts.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to start thread for agent %d: %w", spec.Index, err)
	}
	var result protocol.ThreadStartResult
	if err := resp.DecodeResult(&result); err != nil {
		return fmt.Errorf("thread/start for agent %d: %w", spec.Index, err)
	}
	threadID := result.Thread.ID

	if _, err := s.conn.Request("turn/start", map[string]any{
		"threadId": threadID,
		"input":    buildTurnInput(spec.Prompt, s.opts.Cwd),
	}, s.opts.RequestTimeout); err != nil {
		return fmt.Errorf("failed to start turn for agent %d: %w", spec.Index, err)
	}

	name := spec.Name
	if name == "" {
		name = directive.ParseName(spec.Prompt)
	}
	var logPath string
	if s.opts.LogDir != "" {
		logPath = filepath.Join(s.opts.LogDir, fmt.Sprintf("agent-%d.log", spec.Index))
	}

	agent := newAgent(spec.Index, name, threadID, spec.Prompt, logPath)
	agent.turnCount = 1
	s.agents[threadID] = agent
	s.order = append(s.order, threadID)
	delete(s.stalledSpecs, spec.Index)
	s.logf("agent %d started thread %s", spec.Index, threadID)
	s.logger.Info("agent started", "agent", spec.Index, "thread", threadID)

	s.ledgerCreate(agent)
	return nil
}

// startAgentPrompt re-arms a done agent with a new turn.
func (s *Supervisor) startAgentPrompt(agent *Agent, prompt string) error {
	if _, err := s.conn.Request("turn/start", map[string]any{
		"threadId": agent.ThreadID,
		"input":    buildTurnInput(prompt, s.opts.Cwd),
	}, s.opts.RequestTimeout); err != nil {
		return err
	}
	agent.Done = false
	agent.LastMessage = ""
	agent.turnCount++
	agent.record("user: " + prompt)
	s.ledgerUpdate(agent)
	return nil
}

func (s *Supervisor) queuePrompt(agent *Agent, prompt string) {
	agent.queuedPrompts = append(agent.queuedPrompts, prompt)
	agent.record("queued: " + prompt)
}

// tryCancelTurn asks the server to cancel the agent's in-flight turn.
func (s *Supervisor) tryCancelTurn(agent *Agent) bool {
	resp, err := s.conn.Request("turn/cancel", map[string]any{"threadId": agent.ThreadID}, s.opts.RequestTimeout)
	if err != nil || resp.Err != nil {
		return false
	}
	return true
}

// resolveAgent looks a key up as a 1-based index or a case-insensitive name.
func (s *Supervisor) resolveAgent(key string) *Agent {
	key = strings.ToLower(strings.TrimSpace(key))
	if idx, err := strconv.Atoi(key); err == nil {
		for _, a := range s.agents {
			if a.Index == idx {
				return a
			}
		}
		return nil
	}
	for _, a := range s.agents {
		if a.Name != "" && strings.ToLower(a.Name) == key {
			return a
		}
	}
	return nil
}

func (s *Supervisor) ledgerCreate(agent *Agent) {
	if s.opts.Store == nil {
		return
	}
	id, err := s.opts.Store.CreateSession(&models.Session{
		AgentIndex: agent.Index,
		Name:       agent.Name,
		ThreadID:   agent.ThreadID,
		Prompt:     agent.Prompt,
		Status:     models.SessionStatusRunning,
	})
	if err != nil {
		s.logger.Warn("failed to record session", "agent", agent.Index, "error", err)
		return
	}
	agent.ledgerID = id
}

func (s *Supervisor) ledgerUpdate(agent *Agent) {
	if s.opts.Store == nil || agent.ledgerID == 0 {
		return
	}
	sess := &models.Session{
		ID:          agent.ledgerID,
		Status:      models.SessionStatusRunning,
		TurnCount:   agent.turnCount,
		LastMessage: agent.LastMessage,
	}
	if agent.Done {
		sess.Status = models.SessionStatusDone
		now := time.Now()
		sess.CompletedAt = &now
	}
	if err := s.opts.Store.UpdateSession(sess); err != nil {
		s.logger.Warn("failed to update session", "agent", agent.Index, "error", err)
	}
}
