package supervisor

import (
	"fmt"
	"os"
	"strings"

	"github.com/mpataki/fleet/internal/directive"
	"github.com/mpataki/fleet/internal/protocol"
)

// AgentSpec is a queued-but-not-started agent. It is consumed exactly once
// when the scheduler starts it.
type AgentSpec struct {
	Index  int
	Prompt string
	Name   string
	Wait   *directive.WaitGate
	Deps   []string
}

// Agent is one live or completed agent session. All fields are owned by the
// control loop; nothing else mutates them.
type Agent struct {
	Index    int
	Name     string
	ThreadID string
	Prompt   string
	Done     bool

	// LastMessage is the text of the most recent completed agentMessage
	// item, shown in the status view and fed to auto-review.
	LastMessage string

	recentCommands *ring
	recentStream   *ring
	history        []string
	items          map[string]*protocol.Item
	queuedPrompts  []string
	agentBuf       strings.Builder
	summaryBuf     strings.Builder
	logPath        string
	reviewThread   string
	ledgerID       int64
	turnCount      int
}

func newAgent(index int, name, threadID, prompt, logPath string) *Agent {
	return &Agent{
		Index:          index,
		Name:           name,
		ThreadID:       threadID,
		Prompt:         prompt,
		recentCommands: newRing(recentRingSize),
		recentStream:   newRing(recentRingSize),
		items:          make(map[string]*protocol.Item),
		logPath:        logPath,
	}
}

// Label is the display label, e.g. "Agent 2 (builder)".
func (a *Agent) Label() string {
	if a.Name != "" {
		return fmt.Sprintf("Agent %d (%s)", a.Index, a.Name)
	}
	return fmt.Sprintf("Agent %d", a.Index)
}

func (a *Agent) status() string {
	if a.Done {
		return "done"
	}
	return "running"
}

// History returns the unbounded ordered activity history.
func (a *Agent) History() []string {
	return a.history
}

// QueuedPrompts returns the number of follow-up prompts waiting for the
// current turn to finish.
func (a *Agent) QueuedPrompts() int {
	return len(a.queuedPrompts)
}

// LogPath is the agent's append-only activity log file, "" when logging to
// disk is disabled.
func (a *Agent) LogPath() string {
	return a.logPath
}

// record appends one activity line to the recent stream, the history, and
// the on-disk activity log.
func (a *Agent) record(text string) {
	a.recentStream.push(text)
	a.history = append(a.history, text)
	a.appendLog(text)
}

// appendLog writes one line to the activity log, escaping embedded newlines
// so the log stays line-per-event. Log failures are ignored.
func (a *Agent) appendLog(text string) {
	if a.logPath == "" {
		return
	}
	f, err := os.OpenFile(a.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, strings.ReplaceAll(text, "\n", "\\n"))
}

// ring is a bounded FIFO of recent lines.
type ring struct {
	max     int
	entries []string
}

func newRing(max int) *ring {
	return &ring{max: max}
}

func (r *ring) push(s string) {
	r.entries = append(r.entries, s)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
}

func (r *ring) pushf(format string, args ...any) {
	r.push(fmt.Sprintf(format, args...))
}

func (r *ring) tail(n int) []string {
	if n > len(r.entries) {
		n = len(r.entries)
	}
	return r.entries[len(r.entries)-n:]
}

func (r *ring) empty() bool {
	return len(r.entries) == 0
}
