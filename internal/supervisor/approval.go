package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/mpataki/fleet/internal/protocol"
)

// Decision is one of the five approval outcomes, independent of the wire
// vocabulary it is encoded into.
type Decision byte

const (
	DecisionAccept          Decision = 'a'
	DecisionAcceptSession   Decision = 's'
	DecisionPolicyAmendment Decision = 'p'
	DecisionDecline         Decision = 'd'
	DecisionCancel          Decision = 'c'
)

// ParseDecision maps a one-letter operator choice onto a Decision.
func ParseDecision(s string) (Decision, bool) {
	switch s {
	case "a", "s", "p", "d", "c":
		return Decision(s[0]), true
	}
	return 0, false
}

// Approval is one pending human-approval request. It lives in the global
// FIFO and its session's FIFO simultaneously until resolved exactly once.
type Approval struct {
	ID        json.RawMessage
	Method    string
	ThreadID  string
	ItemID    string
	Reason    string
	Amendment json.RawMessage
}

// legacyApprovalMethod reports whether the method uses the older decision
// vocabulary.
func legacyApprovalMethod(method string) bool {
	return method == "applyPatchApproval" || method == "execCommandApproval"
}

// decisionPayload encodes a decision into the wire shape the request's
// method family expects. The amendment outcome is only valid when the
// original request proposed one.
func decisionPayload(method string, d Decision, amendment json.RawMessage) (any, bool) {
	legacy := legacyApprovalMethod(method)
	switch d {
	case DecisionAccept:
		return pick(legacy, "approved", "accept"), true
	case DecisionAcceptSession:
		return pick(legacy, "approved_for_session", "acceptForSession"), true
	case DecisionPolicyAmendment:
		if len(amendment) == 0 {
			return nil, false
		}
		if legacy {
			return map[string]any{
				"decision": map[string]any{
					"approved_execpolicy_amendment": map[string]any{
						"proposed_execpolicy_amendment": amendment,
					},
				},
			}, true
		}
		return map[string]any{
			"decision": map[string]any{
				"acceptWithExecpolicyAmendment": map[string]any{
					"execpolicyAmendment": amendment,
				},
			},
		}, true
	case DecisionDecline:
		return pick(legacy, "denied", "decline"), true
	case DecisionCancel:
		return pick(legacy, "abort", "cancel"), true
	}
	return nil, false
}

func pick(legacy bool, legacyWord, currentWord string) map[string]any {
	if legacy {
		return map[string]any{"decision": legacyWord}
	}
	return map[string]any{"decision": currentWord}
}

// enqueueApproval files a server-initiated approval request in both indices.
func (s *Supervisor) enqueueApproval(req *protocol.ServerRequest) {
	var params protocol.ApprovalParams
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}
	threadID := params.Thread()
	if threadID == "" {
		threadID = "unknown"
	}
	entry := &Approval{
		ID:        req.ID,
		Method:    req.Method,
		ThreadID:  threadID,
		ItemID:    params.Item(),
		Reason:    params.Reason,
		Amendment: params.ProposedAmendment(),
	}
	s.approvals = append(s.approvals, entry)
	s.approvalsByThread[threadID] = append(s.approvalsByThread[threadID], entry)
	s.logf("approval request: %s", threadID)
}

// OldestApproval returns the globally oldest pending approval, nil if none.
func (s *Supervisor) OldestApproval() *Approval {
	if len(s.approvals) == 0 {
		return nil
	}
	return s.approvals[0]
}

// OldestApprovalFor returns the oldest pending approval for one thread.
func (s *Supervisor) OldestApprovalFor(threadID string) *Approval {
	queue := s.approvalsByThread[threadID]
	if len(queue) == 0 {
		return nil
	}
	return queue[0]
}

// PendingApprovals reports how many approvals await a decision.
func (s *Supervisor) PendingApprovals() int {
	return len(s.approvals)
}

// ResolveApproval encodes the decision, sends exactly one response, and
// removes the entry from both indices. An invalid decision (unsupported
// letter, or amendment without a proposal) leaves the approval pending.
func (s *Supervisor) ResolveApproval(entry *Approval, d Decision) error {
	payload, ok := decisionPayload(entry.Method, d, entry.Amendment)
	if !ok {
		return fmt.Errorf("invalid approval choice %q for %s", string(rune(d)), entry.Method)
	}
	s.removeApproval(entry)
	if err := s.conn.Respond(entry.ID, payload); err != nil {
		return err
	}
	s.logf("approval %s: %s", entry.ThreadID, string(rune(d)))
	return nil
}

// removeApproval deletes the entry from the global FIFO and its thread's
// FIFO so it can never be delivered twice.
func (s *Supervisor) removeApproval(entry *Approval) {
	s.approvals = removeEntry(s.approvals, entry)
	queue := removeEntry(s.approvalsByThread[entry.ThreadID], entry)
	if len(queue) == 0 {
		delete(s.approvalsByThread, entry.ThreadID)
	} else {
		s.approvalsByThread[entry.ThreadID] = queue
	}
}

func removeEntry(queue []*Approval, entry *Approval) []*Approval {
	for i, e := range queue {
		if e == entry {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}

// DescribeApproval renders a one-line description: the referenced item's
// summary when the item is cached, else the carried reason, else the method.
func (s *Supervisor) DescribeApproval(entry *Approval) string {
	if agent := s.agentByThread(entry.ThreadID); agent != nil && entry.ItemID != "" {
		if item, ok := agent.items[entry.ItemID]; ok {
			return summarizeItem(item)
		}
	}
	if entry.Reason != "" {
		return entry.Reason
	}
	if entry.Method != "" {
		return entry.Method
	}
	return "approval"
}
