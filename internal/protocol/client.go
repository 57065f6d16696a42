package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrTimeout is returned when a request sees no response in time.
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is returned once the subprocess channel is gone.
	ErrClosed = errors.New("app-server connection closed")
)

// Client owns the duplex channel to one app-server subprocess. A single
// reader goroutine classifies inbound messages into responses (delivered to
// the waiting caller), server-initiated requests, and events. Outbound writes
// and request id allocation are serialized behind one mutex so concurrent
// requesters never interleave partial lines.
type Client struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	nextID  int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	events   *queue[*Event]
	requests *queue[*ServerRequest]
	done     chan struct{}

	logger *slog.Logger
}

// queue is an unbounded FIFO. The reader goroutine must never block on a
// slow consumer, since that would also stall response delivery and time out
// requests that the server already answered.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// pop returns the oldest item, waiting up to wait for one to arrive. A zero
// wait is a non-blocking poll. done unblocks an indefinite waiter when the
// connection goes away; any item already queued is still drained first.
func (q *queue[T]) pop(wait time.Duration, done <-chan struct{}) (T, bool) {
	if v, ok := q.tryPop(); ok {
		return v, true
	}
	if wait <= 0 {
		var zero T
		return zero, false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-q.wake:
			if v, ok := q.tryPop(); ok {
				return v, true
			}
		case <-timer.C:
			var zero T
			return zero, false
		case <-done:
			return q.tryPop()
		}
	}
}

// Start launches the app-server command and begins reading its output.
func Start(command []string, logger *slog.Logger) (*Client, error) {
	if len(command) == 0 {
		return nil, errors.New("empty app-server command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open app-server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open app-server stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start app-server: %w", err)
	}
	c := newClient(stdin, stdout, logger)
	c.cmd = cmd
	return c, nil
}

// newClient wires a client around an arbitrary duplex pair. Tests use this
// directly with in-memory pipes.
func newClient(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		stdin:    stdin,
		pending:  make(map[int64]chan *Response),
		events:   newQueue[*Event](),
		requests: newQueue[*ServerRequest](),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go c.readLoop(stdout)
	return c
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed lines are dropped, not fatal.
			c.logger.Debug("dropping malformed line", "error", err)
			continue
		}
		switch {
		case msg.Method != "" && len(msg.ID) > 0 && len(msg.Result) == 0 && msg.Error == nil:
			c.requests.push(&ServerRequest{ID: msg.ID, Method: msg.Method, Params: msg.Params})
		case len(msg.ID) > 0:
			c.deliverResponse(&msg)
		case msg.Method != "":
			c.events.push(&Event{Method: msg.Method, Params: msg.Params})
		}
	}
}

func (c *Client) deliverResponse(msg *Message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Warn("response with non-numeric id", "id", string(msg.ID))
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", "id", id)
		return
	}
	ch <- &Response{ID: id, Result: msg.Result, Err: msg.Error}
}

// Notify writes a request-shaped message with no id; no reply is expected.
func (c *Client) Notify(method string, params any) error {
	msg := Message{Method: method}
	if err := msg.setParams(params); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(&msg)
}

// Request writes a request with a fresh id and blocks until the matching
// response arrives or the timeout elapses. A server-side error is carried on
// the returned Response, not in err.
func (c *Client) Request(method string, params any, timeout time.Duration) (*Response, error) {
	msg := Message{Method: method}
	if err := msg.setParams(params); err != nil {
		return nil, err
	}

	ch := make(chan *Response, 1)
	c.writeMu.Lock()
	c.nextID++
	id := c.nextID
	msg.ID = json.RawMessage(fmt.Sprintf("%d", id))
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	err := c.write(&msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("request %d (%s): %w", id, method, ErrTimeout)
	case <-c.done:
		c.forget(id)
		return nil, fmt.Errorf("request %d (%s): %w", id, method, ErrClosed)
	}
}

// Respond writes a response to a server-initiated request, echoing its id.
func (c *Client) Respond(id json.RawMessage, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(&Message{ID: id, Result: data})
}

// NextEvent pops the oldest event, waiting up to wait for one to arrive.
// A zero wait is a non-blocking poll.
func (c *Client) NextEvent(wait time.Duration) (*Event, bool) {
	return c.events.pop(wait, c.done)
}

// NextServerRequest pops the oldest server-initiated request, waiting up to
// wait. A zero wait is a non-blocking poll.
func (c *Client) NextServerRequest(wait time.Duration) (*ServerRequest, bool) {
	return c.requests.pop(wait, c.done)
}

// Done is closed once the reader loop ends (subprocess exited or stdout
// closed). Outstanding requests fail at that point instead of hanging.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close asks the subprocess to terminate and kills it if it does not exit
// within a bounded grace period.
func (c *Client) Close() error {
	c.stdin.Close()
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	c.cmd.Process.Signal(syscall.SIGTERM)

	waited := make(chan error, 1)
	go func() { waited <- c.cmd.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-time.After(3 * time.Second):
		c.cmd.Process.Kill()
		return <-waited
	}
}

func (c *Client) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to app-server: %w", err)
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (m *Message) setParams(params any) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	m.Params = data
	return nil
}
