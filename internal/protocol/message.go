// Package protocol implements the line-delimited JSON protocol spoken by the
// app-server subprocess. One message per line; a message is exactly one of a
// response, a server-initiated request, or an event.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the raw wire unit. Which fields are set determines the kind:
// method+id without result/error is a server-initiated request, id alone is a
// response, method alone is an event.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error object carried on a failed response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Response is a reply to one of our requests.
type Response struct {
	ID     int64
	Result json.RawMessage
	Err    *Error
}

// DecodeResult unmarshals the response result into v.
func (r *Response) DecodeResult(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// Event is a server notification; no reply is expected.
type Event struct {
	Method string
	Params json.RawMessage
}

// ServerRequest is a server-initiated request that needs a reply. The id is
// kept raw and echoed back verbatim in the response.
type ServerRequest struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// EventParams covers the parameter fields used by the events we consume. The
// server has emitted both camelCase and snake_case thread ids historically.
type EventParams struct {
	ThreadID      string          `json:"threadId"`
	ThreadIDSnake string          `json:"thread_id"`
	Item          json.RawMessage `json:"item"`
	Delta         string          `json:"delta"`
	Message       string          `json:"message"`
	Turn          struct {
		Status string `json:"status"`
	} `json:"turn"`
}

// Thread returns the thread id under either spelling.
func (p *EventParams) Thread() string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	return p.ThreadIDSnake
}

// Item is a discrete unit of turn activity.
type Item struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Command  string `json:"command,omitempty"`
	Text     string `json:"text,omitempty"`
	Review   string `json:"review,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Changes  []struct {
		Path string `json:"path"`
	} `json:"changes,omitempty"`
}

// ApprovalParams are the parameters of a requestApproval server request.
type ApprovalParams struct {
	ThreadID       string          `json:"threadId"`
	ThreadIDSnake  string          `json:"thread_id"`
	ItemID         string          `json:"itemId"`
	ItemIDSnake    string          `json:"item_id"`
	Reason         string          `json:"reason"`
	Amendment      json.RawMessage `json:"proposedExecpolicyAmendment"`
	AmendmentSnake json.RawMessage `json:"proposed_execpolicy_amendment"`
}

func (p *ApprovalParams) Thread() string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	return p.ThreadIDSnake
}

func (p *ApprovalParams) Item() string {
	if p.ItemID != "" {
		return p.ItemID
	}
	return p.ItemIDSnake
}

func (p *ApprovalParams) ProposedAmendment() json.RawMessage {
	if len(p.Amendment) > 0 {
		return p.Amendment
	}
	return p.AmendmentSnake
}

// TurnInput is one typed input item of a turn/start request.
type TurnInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// ThreadStartResult is the result of thread/start.
type ThreadStartResult struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

// ReviewStartResult is the result of review/start.
type ReviewStartResult struct {
	ReviewThreadID      string `json:"reviewThreadId"`
	ReviewThreadIDSnake string `json:"review_thread_id"`
}

func (r *ReviewStartResult) Thread() string {
	if r.ReviewThreadID != "" {
		return r.ReviewThreadID
	}
	return r.ReviewThreadIDSnake
}

// ThreadListResult is the result of thread/list and thread/loaded/list.
type ThreadListResult struct {
	Data            json.RawMessage `json:"data"`
	NextCursor      string          `json:"nextCursor"`
	NextCursorSnake string          `json:"next_cursor"`
}

func (r *ThreadListResult) Cursor() string {
	if r.NextCursor != "" {
		return r.NextCursor
	}
	return r.NextCursorSnake
}
