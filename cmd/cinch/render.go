package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/martinemde/cinch/agentloop"
)

// controller receives the decisions a run pauses for.
type controller interface {
	Decide(callID string, approved bool, reason string) error
	Answer(callID, text string) error
}

// renderer prints run events to a terminal and answers approval and
// question events from its input.
type renderer struct {
	out         io.Writer
	in          *bufio.Reader
	ctl         controller
	streaming   bool
	autoApprove bool
}

func newRenderer(out io.Writer, in io.Reader, ctl controller) *renderer {
	return &renderer{out: out, in: bufio.NewReader(in), ctl: ctl}
}

// consume handles events until the channel closes.
func (r *renderer) consume(events <-chan agentloop.Event) {
	for ev := range events {
		r.handle(ev)
	}
}

func (r *renderer) handle(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventTextDelta:
		fmt.Fprint(r.out, ev.Data["delta"])
	case agentloop.EventAssistantText:
		if r.streaming {
			fmt.Fprintln(r.out)
		} else {
			fmt.Fprintln(r.out, ev.Data["text"])
		}
	case agentloop.EventToolExecuting:
		fmt.Fprintf(r.out, "-> %s %s\n", ev.Data["tool"], clip(fmt.Sprint(ev.Data["arguments"]), 100))
	case agentloop.EventToolResult:
		if failed, _ := ev.Data["is_error"].(bool); failed {
			fmt.Fprintf(r.out, "   %s failed: %s\n", ev.Data["tool"], clip(fmt.Sprint(ev.Data["output"]), 200))
		}
	case agentloop.EventApprovalRequired:
		r.approve(ev)
	case agentloop.EventQuestion:
		r.ask(ev)
	case agentloop.EventSubAgentStart:
		fmt.Fprintf(r.out, "== sub-agent %s (%s) started\n", ev.Data["name"], ev.Data["agent_type"])
	case agentloop.EventSubAgentEnd:
		tokens, _ := ev.Data["tokens"].(int)
		fmt.Fprintf(r.out, "== sub-agent %s %s after %v rounds, %s tokens\n",
			ev.Data["name"], ev.Data["outcome"], ev.Data["rounds"], humanize.Comma(int64(tokens)))
	case agentloop.EventEviction:
		fmt.Fprintf(r.out, "(evicted %v old tool results, %s)\n", ev.Data["evicted"], ev.Data["freed"])
	case agentloop.EventCompaction:
		before, _ := ev.Data["before"].(float64)
		after, _ := ev.Data["after"].(float64)
		fmt.Fprintf(r.out, "(context compacted from %.0f%% to %.0f%%)\n", before*100, after*100)
	case agentloop.EventPhaseTransition:
		fmt.Fprintf(r.out, "== executing plan (%s)\n", ev.Data["reason"])
	case agentloop.EventHookContinued:
		fmt.Fprintf(r.out, "(stop hook: %s)\n", clip(fmt.Sprint(ev.Data["message"]), 200))
	case agentloop.EventRetry:
		fmt.Fprintf(r.out, "(retrying, attempt %v: %s)\n", ev.Data["attempt"], ev.Data["error"])
	case agentloop.EventLoopDetection, agentloop.EventWarning:
		fmt.Fprintf(r.out, "warning: %s\n", ev.Data["message"])
	case agentloop.EventError:
		fmt.Fprintf(r.out, "error: %s\n", ev.Data["error"])
	case agentloop.EventResync:
		fmt.Fprintf(r.out, "(%v events dropped)\n", ev.Data["dropped"])
	}
}

func (r *renderer) approve(ev agentloop.Event) {
	id, _ := ev.Data["call_id"].(string)
	if r.autoApprove {
		fmt.Fprintf(r.out, "approved %s automatically\n", ev.Data["tool"])
		_ = r.ctl.Decide(id, true, "auto-approved")
		return
	}
	fmt.Fprintf(r.out, "Allow %s %s? [y/N] ", ev.Data["tool"], clip(fmt.Sprint(ev.Data["arguments"]), 200))
	line := strings.ToLower(r.readLine())
	if line == "y" || line == "yes" {
		_ = r.ctl.Decide(id, true, "")
		return
	}
	_ = r.ctl.Decide(id, false, "denied by the user")
}

func (r *renderer) ask(ev agentloop.Event) {
	id, _ := ev.Data["call_id"].(string)
	fmt.Fprintf(r.out, "? %s\n", ev.Data["question"])
	choices, _ := ev.Data["choices"].([]string)
	for i, c := range choices {
		fmt.Fprintf(r.out, "  %d. %s\n", i+1, c)
	}
	fmt.Fprint(r.out, "> ")
	_ = r.ctl.Answer(id, r.readLine())
}

// readLine returns the next trimmed input line, or "" at EOF.
func (r *renderer) readLine() string {
	line, _ := r.in.ReadString('\n')
	return strings.TrimSpace(line)
}

func printSummary(w io.Writer, res *agentloop.Result) {
	fmt.Fprintf(w, "\n%s after %d rounds: %s prompt + %s completion tokens, $%.4f\n",
		res.Outcome, res.Rounds,
		humanize.Comma(int64(res.Cost.PromptTokens)),
		humanize.Comma(int64(res.Cost.CompletionTokens)),
		res.Cost.EstimatedCostUSD)
	fmt.Fprintf(w, "trace %s\n", res.TraceID)
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
