package models

import "time"

type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusDone    SessionStatus = "done"
)

// Session is one ledger row per started agent session. The ledger exists for
// inspection only; the supervisor never reads it back to make decisions.
type Session struct {
	ID          int64
	AgentIndex  int
	Name        string
	ThreadID    string
	Prompt      string
	Status      SessionStatus
	TurnCount   int
	LastMessage string
	CreatedAt   time.Time
	CompletedAt *time.Time
}
