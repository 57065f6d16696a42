package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

// RunPlain drives the supervisor as a line-oriented console session: a
// periodic status block, synchronous approval prompts, and one operator
// command per loop pass. It returns nil when the fleet finishes, ErrDeadline
// on timeout, and nil on an operator quit.
func (s *Supervisor) RunPlain(in io.Reader, out io.Writer, color bool) error {
	input := readLines(in)
	spinnerIdx := 0
	var lastStatus time.Time

	for {
		if s.Finished() {
			return nil
		}
		if err := s.Tick(); err != nil {
			return err
		}

		// Approvals and commands need console input; once stdin is gone the
		// loop keeps running headless and approvals stay pending.
		if entry := s.OldestApproval(); entry != nil && input != nil {
			if !s.promptApproval(entry, input, out) {
				input = nil
			}
		}

		select {
		case line, ok := <-input:
			if !ok {
				input = nil
				break
			}
			err := s.HandleCommand(line, func(msg string) { fmt.Fprintln(out, msg) })
			if errors.Is(err, ErrQuit) {
				return nil
			}
		default:
		}

		s.PollEvent(time.Second)

		if time.Since(lastStatus) >= 2*time.Second {
			spinnerIdx = (spinnerIdx + 1) % len(spinnerFrames)
			if color {
				fmt.Fprint(out, "\033[2J\033[H")
			}
			if block := s.StatusBlock(spinnerFrames[spinnerIdx], color); block != "" {
				fmt.Fprintln(out, block)
			}
			lastStatus = time.Now()
		}
	}
}

// promptApproval blocks the console session on one approval decision. It
// keeps asking until the operator enters a letter that is valid for the
// request, so an amendment choice without a proposed amendment re-prompts.
// The return is false when input closed before a decision was made.
func (s *Supervisor) promptApproval(entry *Approval, input <-chan string, out io.Writer) bool {
	fmt.Fprintln(out, "\n[approval] request")
	fmt.Fprintf(out, "method: %s\n", entry.Method)
	fmt.Fprintf(out, "thread: %s\n", entry.ThreadID)
	if entry.ItemID != "" {
		fmt.Fprintf(out, "item: %s\n", entry.ItemID)
	}
	if entry.Reason != "" {
		fmt.Fprintf(out, "reason: %s\n", entry.Reason)
	}
	fmt.Fprintf(out, "details: %s\n", s.DescribeApproval(entry))

	for {
		fmt.Fprint(out, approvalChoices(entry.Method))
		line, ok := <-input
		if !ok {
			return false
		}
		decision, valid := ParseDecision(strings.ToLower(strings.TrimSpace(line)))
		if !valid {
			fmt.Fprintln(out, "invalid choice")
			continue
		}
		if err := s.ResolveApproval(entry, decision); err != nil {
			fmt.Fprintln(out, "invalid choice")
			continue
		}
		return true
	}
}

func approvalChoices(method string) string {
	switch method {
	case "item/commandExecution/requestApproval":
		return "approve? [a]ccept, [s]ession, [p]execpolicy, [d]ecline, [c]ancel: "
	case "item/fileChange/requestApproval":
		return "approve? [a]ccept, [s]ession, [d]ecline, [c]ancel: "
	}
	return "approve? [a]ccept, [d]ecline, [c]ancel: "
}

// readLines owns the reader and feeds trimmed lines to a channel, closed on
// EOF, so the control loop never blocks on console input.
func readLines(in io.Reader) <-chan string {
	out := make(chan string, 8)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}
