package supervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPlain_CompletesWhenAgentsFinish(t *testing.T) {
	conn := newFakeConn(t)
	s := newTestSupervisor(t, conn, specsFromPrompts("only task"), Options{})
	conn.pushTurnCompleted("t-1", "completed")

	var out strings.Builder
	err := s.RunPlain(strings.NewReader(""), &out, false)
	require.NoError(t, err)
	assert.True(t, s.Finished())
}

func TestRunPlain_QuitCommand(t *testing.T) {
	conn := newFakeConn(t)
	s := newTestSupervisor(t, conn, specsFromPrompts("task"), Options{})

	var out strings.Builder
	err := s.RunPlain(strings.NewReader("quit\n"), &out, false)
	require.NoError(t, err)
	assert.False(t, s.Finished())
}

func TestRunPlain_SynchronousApprovalPrompt(t *testing.T) {
	conn := newFakeConn(t)
	s := newTestSupervisor(t, conn, specsFromPrompts("task"), Options{})
	pushApproval(conn, "7", "item/commandExecution/requestApproval", "t-1")

	var out strings.Builder
	// An invalid letter re-prompts before the accept resolves the request.
	err := s.RunPlain(strings.NewReader("x\na\nquit\n"), &out, false)
	require.NoError(t, err)

	require.Len(t, conn.responses, 1)
	assert.Equal(t, "7", conn.responses[0].ID)
	text := out.String()
	assert.Contains(t, text, "[approval] request")
	assert.Contains(t, text, "invalid choice")
	assert.Contains(t, text, "[p]execpolicy")
}

func TestApprovalChoices(t *testing.T) {
	assert.Contains(t, approvalChoices("item/commandExecution/requestApproval"), "[p]execpolicy")
	assert.NotContains(t, approvalChoices("item/fileChange/requestApproval"), "[p]execpolicy")
	assert.NotContains(t, approvalChoices("somethingElse"), "[s]ession")
}
