package supervisor

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mpataki/fleet/internal/protocol"
)

// fakeConn is a scripted in-memory server: requests are answered from a
// small playbook and recorded, events and server requests are fed from
// queues the test fills.
type fakeConn struct {
	t *testing.T

	requests   []fakeRequest
	responses  []fakeResponse
	events     []*protocol.Event
	serverReqs []*protocol.ServerRequest

	failMethods map[string]bool
	threadSeq   int
}

type fakeRequest struct {
	Method string
	Params json.RawMessage
}

type fakeResponse struct {
	ID     string
	Result any
}

func newFakeConn(t *testing.T) *fakeConn {
	return &fakeConn{t: t, failMethods: make(map[string]bool)}
}

func (c *fakeConn) Request(method string, params any, timeout time.Duration) (*protocol.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		c.t.Fatalf("marshal params for %s: %v", method, err)
	}
	c.requests = append(c.requests, fakeRequest{Method: method, Params: raw})
	if c.failMethods[method] {
		return nil, fmt.Errorf("scripted failure for %s", method)
	}
	switch method {
	case "thread/start":
		c.threadSeq++
		result := fmt.Sprintf(`{"thread":{"id":"t-%d"}}`, c.threadSeq)
		return &protocol.Response{Result: json.RawMessage(result)}, nil
	}
	return &protocol.Response{Result: json.RawMessage(`{}`)}, nil
}

func (c *fakeConn) Notify(method string, params any) error {
	return nil
}

func (c *fakeConn) Respond(id json.RawMessage, result any) error {
	c.responses = append(c.responses, fakeResponse{ID: string(id), Result: result})
	return nil
}

func (c *fakeConn) NextEvent(wait time.Duration) (*protocol.Event, bool) {
	if len(c.events) == 0 {
		return nil, false
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, true
}

func (c *fakeConn) NextServerRequest(wait time.Duration) (*protocol.ServerRequest, bool) {
	if len(c.serverReqs) == 0 {
		return nil, false
	}
	req := c.serverReqs[0]
	c.serverReqs = c.serverReqs[1:]
	return req, true
}

func (c *fakeConn) requestMethods() []string {
	var methods []string
	for _, r := range c.requests {
		methods = append(methods, r.Method)
	}
	return methods
}

func (c *fakeConn) countRequests(method string) int {
	n := 0
	for _, r := range c.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (c *fakeConn) pushEvent(method string, params string) {
	c.events = append(c.events, &protocol.Event{
		Method: method,
		Params: json.RawMessage(params),
	})
}

func (c *fakeConn) pushTurnCompleted(threadID, status string) {
	c.pushEvent("turn/completed", fmt.Sprintf(`{"threadId":%q,"turn":{"status":%q}}`, threadID, status))
}

// drainEvents runs every queued event through the supervisor.
func drainEvents(s *Supervisor) {
	for s.PollEvent(0) {
	}
}
