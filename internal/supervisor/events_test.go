package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedSupervisor(t *testing.T, conn *fakeConn, opts Options, prompts ...string) *Supervisor {
	t.Helper()
	s := newTestSupervisor(t, conn, specsFromPrompts(prompts...), opts)
	require.NoError(t, s.Tick())
	return s
}

func itemEvent(method, threadID string, item map[string]any) (string, string) {
	raw, _ := json.Marshal(map[string]any{"threadId": threadID, "item": item})
	return method, string(raw)
}

func TestProcessEvent_CommandAndMessageFlow(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "do the thing")
	agent := s.Agents()[0]

	conn.pushEvent("turn/started", `{"threadId":"t-1"}`)
	conn.pushEvent(itemEvent("item/started", "t-1", map[string]any{
		"id": "i1", "type": "commandExecution", "command": "go test ./...",
	}))
	conn.pushEvent("item/agentMessage/delta", `{"threadId":"t-1","delta":"hello\nworld"}`)
	conn.pushEvent(itemEvent("item/completed", "t-1", map[string]any{
		"id": "i2", "type": "agentMessage", "text": "hello world",
	}))
	drainEvents(s)

	assert.Equal(t, []string{"go test ./..."}, agent.recentCommands.tail(3))
	assert.Equal(t, "hello world", agent.LastMessage)
	assert.Contains(t, agent.History(), "turn started")
	assert.Contains(t, agent.History(), "agent: hello world")
	assert.Zero(t, agent.agentBuf.Len())
}

func TestProcessEvent_DeltaStreams(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "do the thing")
	agent := s.Agents()[0]

	conn.pushEvent("item/reasoning/textDelta", `{"threadId":"t-1","delta":" thinking "}`)
	conn.pushEvent("item/commandExecution/outputDelta", `{"threadId":"t-1","delta":"ok\n"}`)
	conn.pushEvent("item/mcpToolCall/progress", `{"threadId":"t-1","message":"fetching"}`)
	conn.pushEvent("item/fileChange/outputDelta", `{"threadId":"t-1","delta":"x"}`)
	conn.pushEvent("item/reasoning/summaryTextDelta", `{"threadId":"t-1","delta":"first\nsecond"}`)
	conn.pushTurnCompleted("t-1", "completed")
	drainEvents(s)

	history := agent.History()
	assert.Contains(t, history, "reasoning: thinking")
	assert.Contains(t, history, "cmd out: ok")
	assert.Contains(t, history, "mcp: fetching")
	assert.Contains(t, history, "file change output")
	assert.Contains(t, history, "summary: first second")
	assert.Contains(t, history, "turn completed")
	assert.True(t, agent.Done)
}

func TestProcessEvent_UnknownThreadIgnored(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "do the thing")

	conn.pushTurnCompleted("t-99", "completed")
	drainEvents(s)

	assert.False(t, s.Agents()[0].Done)
}

func TestTurnCompleted_DequeuesExactlyOneFollowUp(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "do the thing")
	agent := s.Agents()[0]

	s.queuePrompt(agent, "then do this")
	s.queuePrompt(agent, "then do that")
	require.Equal(t, 2, agent.QueuedPrompts())

	conn.pushTurnCompleted("t-1", "completed")
	drainEvents(s)

	assert.False(t, agent.Done)
	assert.Equal(t, 1, agent.QueuedPrompts())
	assert.Equal(t, 2, conn.countRequests("turn/start"))
	assert.Equal(t, 2, agent.turnCount)

	conn.pushTurnCompleted("t-1", "completed")
	drainEvents(s)
	assert.Equal(t, 0, agent.QueuedPrompts())
	assert.Equal(t, 3, conn.countRequests("turn/start"))
}

func TestAutoReviewLifecycle(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn,
		Options{Review: true, ReviewTemplate: "task: {prompt} result: {output}"},
		"write the parser")
	agent := s.Agents()[0]

	conn.pushEvent(itemEvent("item/completed", "t-1", map[string]any{
		"id": "i1", "type": "agentMessage", "text": "parser done",
	}))
	conn.pushTurnCompleted("t-1", "completed")
	drainEvents(s)

	require.Equal(t, "t-2", agent.reviewThread)
	assert.False(t, s.Finished())

	var reviewPrompt struct {
		Input []struct {
			Text string `json:"text"`
		} `json:"input"`
	}
	last := conn.requests[len(conn.requests)-1]
	require.Equal(t, "turn/start", last.Method)
	require.NoError(t, json.Unmarshal(last.Params, &reviewPrompt))
	require.Len(t, reviewPrompt.Input, 1)
	assert.Equal(t, "task: write the parser result: parser done", reviewPrompt.Input[0].Text)

	conn.pushEvent(itemEvent("item/completed", "t-2", map[string]any{
		"id": "r1", "type": "agentMessage", "text": "looks good",
	}))
	conn.pushTurnCompleted("t-2", "completed")
	drainEvents(s)

	assert.True(t, s.Finished())
	assert.Contains(t, strings.Join(s.RecentLogs(), "\n"), "review 1: looks good")
	assert.Contains(t, strings.Join(s.RecentLogs(), "\n"), "review 1 completed")
}

func TestAutoReviewRunsAlongsideFollowUp(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn,
		Options{Review: true, ReviewTemplate: "result: {output}"},
		"write the parser")
	agent := s.Agents()[0]
	s.queuePrompt(agent, "now the lexer")

	conn.pushEvent(itemEvent("item/completed", "t-1", map[string]any{
		"id": "i1", "type": "agentMessage", "text": "parser done",
	}))
	conn.pushTurnCompleted("t-1", "completed")
	drainEvents(s)

	// The queued follow-up started a new turn and the review still opened
	// its own thread for the turn that just finished.
	assert.Equal(t, 0, agent.QueuedPrompts())
	assert.False(t, agent.Done)
	assert.Equal(t, 2, conn.countRequests("thread/start"))
	assert.Equal(t, 3, conn.countRequests("turn/start"))
	assert.Equal(t, "t-2", agent.reviewThread)

	// The review judges the finished turn's output, not the follow-up's.
	var reviewPrompt struct {
		Input []struct {
			Text string `json:"text"`
		} `json:"input"`
	}
	last := conn.requests[len(conn.requests)-1]
	require.Equal(t, "turn/start", last.Method)
	require.NoError(t, json.Unmarshal(last.Params, &reviewPrompt))
	require.Len(t, reviewPrompt.Input, 1)
	assert.Equal(t, "result: parser done", reviewPrompt.Input[0].Text)
}

func TestReviewSummaryTruncatesOnRuneBoundary(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn,
		Options{Review: true, ReviewTemplate: "{output}"},
		"write the parser")

	conn.pushEvent(itemEvent("item/completed", "t-1", map[string]any{
		"id": "i1", "type": "agentMessage", "text": "done",
	}))
	conn.pushTurnCompleted("t-1", "completed")
	drainEvents(s)

	conn.pushEvent(itemEvent("item/completed", "t-2", map[string]any{
		"id": "r1", "type": "agentMessage", "text": strings.Repeat("é", 130),
	}))
	drainEvents(s)

	logs := strings.Join(s.RecentLogs(), "\n")
	assert.Contains(t, logs, "review 1: "+strings.Repeat("é", 120))
}

func TestAutoReview_SkippedWithoutFinalMessage(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn,
		Options{Review: true, ReviewTemplate: "{output}"},
		"write the parser")

	conn.pushTurnCompleted("t-1", "failed")
	drainEvents(s)

	assert.True(t, s.Finished())
	assert.Equal(t, 1, conn.countRequests("thread/start"))
}

func TestExitedReviewMode_WritesArtifactOnce(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{LogDir: dir}, "do the thing")
	agent := s.Agents()[0]

	conn.pushEvent(itemEvent("item/completed", "t-1", map[string]any{
		"id": "rev-1", "type": "enteredReviewMode", "review": "uncommitted changes",
	}))
	conn.pushEvent(itemEvent("item/completed", "t-1", map[string]any{
		"id": "rev-1", "type": "exitedReviewMode", "review": "## Findings\nnone",
	}))
	// A duplicate completion must not write a second artifact.
	conn.pushEvent(itemEvent("item/completed", "t-1", map[string]any{
		"id": "rev-1", "type": "exitedReviewMode", "review": "## Findings\nnone",
	}))
	drainEvents(s)

	matches, err := filepath.Glob(filepath.Join(dir, "review-*.md"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	content, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "# Review Output")
	assert.Contains(t, text, "Thread: t-1")
	assert.Contains(t, text, "Review ID: rev-1")
	assert.Contains(t, text, "Label: uncommitted changes")
	assert.Contains(t, text, "## Findings")
	assert.True(t, strings.HasSuffix(text, "\n"))

	found := false
	for _, entry := range agent.History() {
		if strings.HasPrefix(entry, "review output saved: ") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFileChangeSummaries(t *testing.T) {
	conn := newFakeConn(t)
	s := startedSupervisor(t, conn, Options{}, "do the thing")
	agent := s.Agents()[0]

	changes := []map[string]any{}
	for i := 1; i <= 4; i++ {
		changes = append(changes, map[string]any{"path": fmt.Sprintf("pkg/file%d.go", i)})
	}
	conn.pushEvent(itemEvent("item/started", "t-1", map[string]any{
		"id": "f1", "type": "fileChange", "changes": changes,
	}))
	drainEvents(s)

	assert.Contains(t, agent.History(),
		"file change: pkg/file1.go, pkg/file2.go, pkg/file3.go...")
}
