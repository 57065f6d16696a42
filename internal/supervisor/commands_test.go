package supervisor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, s *Supervisor, line string) ([]string, error) {
	t.Helper()
	var out []string
	err := s.HandleCommand(line, func(msg string) { out = append(out, msg) })
	return out, err
}

func TestHandleCommand_HelpAndQuit(t *testing.T) {
	conn := newFakeConn(t)
	s := newTestSupervisor(t, conn, nil, Options{})

	out, err := runCommand(t, s, "help")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "approve")

	_, err = runCommand(t, s, "quit")
	assert.ErrorIs(t, err, ErrQuit)
	_, err = runCommand(t, s, "exit")
	assert.ErrorIs(t, err, ErrQuit)
}

func TestHandleCommand_List(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first (name:alpha)", "second")
	conn.pushTurnCompleted("t-2", "completed")
	drainEvents(s)

	out, err := runCommand(t, s, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"1 (alpha): running", "2: done"}, out)
}

func TestHandleCommand_PromptQueuedWhileRunning(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first")
	agent := s.Agents()[0]

	out, err := runCommand(t, s, "1 also update the docs")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, agent.QueuedPrompts())
	assert.Equal(t, 1, conn.countRequests("turn/start"))
}

func TestHandleCommand_PromptStartsTurnWhenDone(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first (name:alpha)")
	conn.pushTurnCompleted("t-1", "completed")
	drainEvents(s)

	_, err := runCommand(t, s, "alpha: also update the docs")
	require.NoError(t, err)
	agent := s.Agents()[0]
	assert.False(t, agent.Done)
	assert.Equal(t, 2, conn.countRequests("turn/start"))
}

func TestHandleCommand_UnknownAgent(t *testing.T) {
	conn := newFakeConn(t)
	s := newTestSupervisor(t, conn, nil, Options{})

	out, err := runCommand(t, s, "9 do something")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "Unknown agent '9'")
}

func TestHandleCommand_StopCancelsRunningTurn(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first")
	agent := s.Agents()[0]

	_, err := runCommand(t, s, "1 stop wrong direction")
	require.NoError(t, err)
	assert.Equal(t, 1, conn.countRequests("turn/cancel"))
	assert.Contains(t, agent.History(), "turn cancelled")
}

func TestHandleCommand_StopQueuesWhenCancelFails(t *testing.T) {
	conn := newFakeConn(t)
	conn.failMethods["turn/cancel"] = true
	s := startedSupervisor(t, conn, Options{}, "first")
	agent := s.Agents()[0]

	_, err := runCommand(t, s, "1 stop")
	require.NoError(t, err)
	require.Equal(t, 1, agent.QueuedPrompts())
	assert.Equal(t, "queued: Stop: stop current task and report status", agent.History()[len(agent.History())-1])
}

func TestHandleCommand_StopPromptsWhenDone(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first")
	conn.pushTurnCompleted("t-1", "completed")
	drainEvents(s)

	_, err := runCommand(t, s, "1 stop clean up")
	require.NoError(t, err)
	assert.Equal(t, 2, conn.countRequests("turn/start"))
	assert.Contains(t, s.Agents()[0].History(), "user: Stop: clean up")
}

func TestHandleCommand_ApproveGlobalOldest(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first", "second")
	pushApproval(conn, "1", "execCommandApproval", "t-2")
	pushApproval(conn, "2", "execCommandApproval", "t-1")
	require.NoError(t, s.Tick())

	_, err := runCommand(t, s, "approve a")
	require.NoError(t, err)
	require.Len(t, conn.responses, 1)
	assert.Equal(t, "1", conn.responses[0].ID)
	assert.Equal(t, 1, s.PendingApprovals())
}

func TestHandleCommand_ApproveByAgentRef(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first", "second")
	pushApproval(conn, "1", "execCommandApproval", "t-2")
	pushApproval(conn, "2", "execCommandApproval", "t-1")
	require.NoError(t, s.Tick())

	_, err := runCommand(t, s, "1 d")
	require.NoError(t, err)
	require.Len(t, conn.responses, 1)
	assert.Equal(t, "2", conn.responses[0].ID)

	out, err := runCommand(t, s, "approve 1 a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "No pending approvals for agent 1")
}

func TestHandleCommand_ApproveRequiresChoice(t *testing.T) {
	conn := newFakeConn(t)
	s := newTestSupervisor(t, conn, nil, Options{})

	out, err := runCommand(t, s, "approve")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "a/s/p/d/c")
}

func TestHandleCommand_ShowAndDump(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first")
	agent := s.Agents()[0]
	agent.record("turn started")

	out, err := runCommand(t, s, "show 1")
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, "Agent 1 history (last 20):", out[0])
	assert.Contains(t, out, "  turn started")

	out, err = runCommand(t, s, "dump 1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "Agent 1 log: ")
}

func TestReviewCommand_Targets(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantTarget string
		wantParams map[string]any
	}{
		{"default uncommitted", "review 1", "uncommittedChanges", nil},
		{"base branch", "review 1 base main", "baseBranch", map[string]any{"branch": "main"}},
		{"commit with title", `review 1 commit abc123 "fix parser"`, "commit",
			map[string]any{"sha": "abc123", "title": "fix parser"}},
		{"custom", "review 1 custom check error handling", "custom",
			map[string]any{"instructions": "check error handling"}},
		{"bare words become custom", "review 1 anything goes", "custom",
			map[string]any{"instructions": "anything goes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(t)
			s := startedSupervisor(t, conn, Options{}, "first")

			out, err := runCommand(t, s, tt.line)
			require.NoError(t, err)

			last := conn.requests[len(conn.requests)-1]
			require.Equal(t, "review/start", last.Method)
			var params struct {
				ThreadID string         `json:"threadId"`
				Target   map[string]any `json:"target"`
			}
			require.NoError(t, json.Unmarshal(last.Params, &params))
			assert.Equal(t, "t-1", params.ThreadID)
			assert.Equal(t, tt.wantTarget, params.Target["type"])
			for k, v := range tt.wantParams {
				assert.Equal(t, v, params.Target[k])
			}
			require.Len(t, out, 1)
			assert.Contains(t, out[0], "review started")
		})
	}
}

func TestReviewCommand_Delivery(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first")

	_, err := runCommand(t, s, "review 1 --detached")
	require.NoError(t, err)
	last := conn.requests[len(conn.requests)-1]
	var params map[string]any
	require.NoError(t, json.Unmarshal(last.Params, &params))
	assert.Equal(t, "detached", params["delivery"])

	_, err = runCommand(t, s, "review 1 delivery inline")
	require.NoError(t, err)
	last = conn.requests[len(conn.requests)-1]
	require.NoError(t, json.Unmarshal(last.Params, &params))
	assert.Equal(t, "inline", params["delivery"])
}

func TestReviewCommand_Errors(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first")

	out, err := runCommand(t, s, "review")
	require.NoError(t, err)
	assert.Contains(t, out[0], "Usage: review")

	out, err = runCommand(t, s, "review 1 base")
	require.NoError(t, err)
	assert.Contains(t, out[0], "base requires a branch name")

	out, err = runCommand(t, s, "review 1 custom")
	require.NoError(t, err)
	assert.Contains(t, out[0], "custom requires instructions")
}

func TestThreadsCommand(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first")

	_, err := runCommand(t, s, "threads")
	require.NoError(t, err)
	assert.Equal(t, "thread/loaded/list", conn.requests[len(conn.requests)-1].Method)

	_, err = runCommand(t, s, "threads list 5")
	require.NoError(t, err)
	last := conn.requests[len(conn.requests)-1]
	assert.Equal(t, "thread/list", last.Method)
	var params map[string]any
	require.NoError(t, json.Unmarshal(last.Params, &params))
	assert.Equal(t, float64(5), params["limit"])

	_, err = runCommand(t, s, "threads cursor-abc")
	require.NoError(t, err)
	last = conn.requests[len(conn.requests)-1]
	assert.Equal(t, "thread/loaded/list", last.Method)
	require.NoError(t, json.Unmarshal(last.Params, &params))
	assert.Equal(t, "cursor-abc", params["cursor"])
}

func TestSplitArgs(t *testing.T) {
	args, err := splitArgs(`review 2 commit abc "a longer title"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"review", "2", "commit", "abc", "a longer title"}, args)

	args, err = splitArgs("one  two\tthree")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, args)

	_, err = splitArgs(`bad "quote`)
	require.Error(t, err)
}

func TestStatusStrip(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first (name:alpha)", "second")
	agent := s.Agents()[0]

	conn.pushTurnCompleted("t-2", "completed")
	drainEvents(s)
	s.queuePrompt(agent, "more work")
	pushApproval(conn, "1", "execCommandApproval", "t-1")
	require.NoError(t, s.Tick())

	assert.Equal(t, "1!+1:alpha  2✓", s.StatusStrip())
}

func TestBuildDisplayLines(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "first")
	agent := s.Agents()[0]
	agent.recentCommands.push("make build")
	agent.LastMessage = "all done"
	agent.record("agent: all done")

	lines := s.BuildDisplayLines("|")
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "Agent 1 [running] |")
	assert.Contains(t, joined, "  make build")
	assert.Contains(t, joined, "  last message:")
	assert.Contains(t, joined, "  all done")
	assert.Contains(t, joined, "Logs:")
	assert.Contains(t, joined, "agent 1 started thread t-1")
}
