// Package supervisor contains the control-plane core shared by both front
// ends: the dependency-aware scheduler, the per-agent turn state machine, the
// human approval workflow, and operator command dispatch. The package never
// paints a screen; it produces display lines and leaves rendering to the
// caller.
package supervisor

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/mpataki/fleet/internal/protocol"
	"github.com/mpataki/fleet/internal/storage"
)

// ErrDeadline is returned when the overall run deadline is exceeded.
var ErrDeadline = errors.New("supervisor timed out")

// ErrQuit is returned by HandleCommand for quit/exit.
var ErrQuit = errors.New("quit")

const (
	defaultRequestTimeout = 30 * time.Second
	gateProbeInterval     = 5 * time.Second
	recentLogSize         = 10
	recentRingSize        = 3
)

// Conn is the slice of the protocol client the supervisor needs. Tests
// substitute a scripted in-memory implementation.
type Conn interface {
	Request(method string, params any, timeout time.Duration) (*protocol.Response, error)
	Notify(method string, params any) error
	Respond(id json.RawMessage, result any) error
	NextEvent(wait time.Duration) (*protocol.Event, bool)
	NextServerRequest(wait time.Duration) (*protocol.ServerRequest, bool)
}

type Options struct {
	Cwd            string
	Review         bool
	ReviewTemplate string
	Timeout        time.Duration // overall run deadline; 0 disables
	MaxParallel    int           // cap on non-done agents; 0 means no cap
	RequestTimeout time.Duration
	LogDir         string           // per-agent activity logs and review artifacts
	Store          *storage.Storage // optional session ledger
	Logger         *slog.Logger
}

// Supervisor owns all mutable scheduling, agent and approval state. It is not
// safe for concurrent use: exactly one flow of control (the control loop of
// whichever front end is active) may call into it.
type Supervisor struct {
	conn   Conn
	opts   Options
	logger *slog.Logger

	deadline time.Time // zero when no overall deadline

	pending       []*AgentSpec
	agents        map[string]*Agent // by thread id
	order         []string          // thread ids in start order
	stalledSpecs  map[int]string    // spec index -> unresolvable dep token
	lastGateProbe map[int]time.Time
	gateWaiting   map[int]bool

	approvals         []*Approval
	approvalsByThread map[string][]*Approval

	pendingReviews map[string]int    // auto-review thread id -> origin agent index
	reviewLabels   map[string]string // review item id -> label
	reviewWritten  map[string]bool   // review item ids already persisted

	recentLogs *ring
}

func New(conn Conn, specs []*AgentSpec, opts Options) *Supervisor {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Supervisor{
		conn:              conn,
		opts:              opts,
		logger:            logger,
		pending:           specs,
		agents:            make(map[string]*Agent),
		stalledSpecs:      make(map[int]string),
		lastGateProbe:     make(map[int]time.Time),
		gateWaiting:       make(map[int]bool),
		approvalsByThread: make(map[string][]*Approval),
		pendingReviews:    make(map[string]int),
		reviewLabels:      make(map[string]string),
		reviewWritten:     make(map[string]bool),
		recentLogs:        newRing(recentLogSize),
	}
	if opts.Timeout > 0 {
		s.deadline = time.Now().Add(opts.Timeout)
	}
	return s
}

// Tick runs one scheduler pass and drains all currently available
// server-initiated requests into the approval indices. It performs no
// blocking waits.
func (s *Supervisor) Tick() error {
	if s.DeadlineExceeded() {
		return ErrDeadline
	}
	if err := s.startReady(); err != nil {
		return err
	}
	for {
		req, ok := s.conn.NextServerRequest(0)
		if !ok {
			break
		}
		s.enqueueApproval(req)
	}
	return nil
}

// PollEvent waits up to wait for one event and runs it through the agent
// state machine. Zero wait is a non-blocking poll.
func (s *Supervisor) PollEvent(wait time.Duration) bool {
	ev, ok := s.conn.NextEvent(wait)
	if !ok {
		return false
	}
	s.processEvent(ev)
	return true
}

// Finished reports the run's termination condition: no pending specs, every
// known agent done, and no outstanding auto-review session.
func (s *Supervisor) Finished() bool {
	if len(s.pending) > 0 || len(s.pendingReviews) > 0 {
		return false
	}
	for _, a := range s.agents {
		if !a.Done {
			return false
		}
	}
	return true
}

func (s *Supervisor) DeadlineExceeded() bool {
	return !s.deadline.IsZero() && time.Now().After(s.deadline)
}

// Stalled returns, per pending spec index, the dependency token that can
// never resolve (unknown agent name or index). Such specs stay pending
// forever; callers surface this instead of silently hanging.
func (s *Supervisor) Stalled() map[int]string {
	out := make(map[int]string, len(s.stalledSpecs))
	for idx, dep := range s.stalledSpecs {
		out[idx] = dep
	}
	return out
}

// RecentLogs returns the shared recent-activity log tail.
func (s *Supervisor) RecentLogs() []string {
	return s.recentLogs.tail(recentLogSize)
}

func (s *Supervisor) logf(format string, args ...any) {
	s.recentLogs.pushf(format, args...)
}

// Log appends one line to the recent-activity tail. Front ends use it to
// surface command feedback next to the supervisor's own log lines.
func (s *Supervisor) Log(line string) {
	s.recentLogs.push(line)
}

// FindAgent resolves a 1-based index or case-insensitive agent name.
func (s *Supervisor) FindAgent(key string) *Agent {
	return s.resolveAgent(key)
}

// agentByThread is a nil-safe registry lookup.
func (s *Supervisor) agentByThread(threadID string) *Agent {
	if threadID == "" {
		return nil
	}
	return s.agents[threadID]
}

// Agents returns all agents in start order.
func (s *Supervisor) Agents() []*Agent {
	out := make([]*Agent, 0, len(s.order))
	for _, threadID := range s.order {
		out = append(out, s.agents[threadID])
	}
	return out
}
