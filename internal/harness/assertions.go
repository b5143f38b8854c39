package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
)

// AssertionError is returned when an assertion fails. It carries the trace
// so the failure can be read in context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		line := fmt.Sprintf("  [%d] %s %s", ev.Step, ev.Action, ev.Entity)
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		buf.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	return buf.String()
}

func (h *Harness) evaluate(ctx context.Context, a Assertion, result *Result) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		return h.assertFinalState(ctx, result.Trace, a)
	case AssertReceiptCount:
		return h.assertReceiptCount(ctx, result.Trace, a)
	case AssertChainValid:
		return h.assertChainValid(ctx, result.Trace)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// matches reports whether ev is a successful step of the assertion's action,
// restricted to its entity when one is given.
func matches(ev TraceEvent, a Assertion) bool {
	return ev.Action == a.Action && ev.Error == "" && (a.Entity == "" || ev.Entity == a.Entity)
}

func describe(a Assertion) string {
	if a.Entity == "" {
		return a.Action
	}
	return a.Action + " " + a.Entity
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("a successful %s", describe(a)),
		Actual:   "none found",
		Trace:    trace,
	}
}

// assertTraceOrder checks the actions occur as a subsequence of the trace,
// counting successful steps only.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Actions) && ev.Error == "" && ev.Action == a.Actions[next] {
			next++
		}
	}
	if next == len(a.Actions) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Actions, " -> "),
		Actual:   fmt.Sprintf("matched up to %s, missing %s", strings.Join(a.Actions[:next], " -> "), a.Actions[next]),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if matches(ev, a) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d x %s", a.Count, describe(a)),
		Actual:   fmt.Sprintf("%d", n),
		Trace:    trace,
	}
}

func (h *Harness) assertFinalState(ctx context.Context, trace []TraceEvent, a Assertion) error {
	state, err := h.sys.Service.State(ctx, a.Entity)
	if err != nil {
		return fmt.Errorf("final_state %s: %w", a.Entity, err)
	}
	if string(state) == a.State {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%s is %s", a.Entity, a.State),
		Actual:   string(state),
		Trace:    trace,
	}
}

func (h *Harness) assertReceiptCount(ctx context.Context, trace []TraceEvent, a Assertion) error {
	f := ledger.Filter{Types: []ir.ReceiptType{ir.ReceiptType(a.ReceiptType)}, EntityID: a.Entity}
	n := 0
	for _, err := range h.sys.Ledger.Query(ctx, f) {
		if err != nil {
			return fmt.Errorf("receipt_count: %w", err)
		}
		n++
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertReceiptCount,
		Expected: fmt.Sprintf("%d %s receipts", a.Count, a.ReceiptType),
		Actual:   fmt.Sprintf("%d", n),
		Trace:    trace,
	}
}

func (h *Harness) assertChainValid(ctx context.Context, trace []TraceEvent) error {
	sum, err := h.sys.Ledger.VerifyAll(ctx, nil)
	if err != nil {
		return fmt.Errorf("chain_valid: %w", err)
	}
	if sum.OK() {
		return nil
	}
	return &AssertionError{
		Type:     AssertChainValid,
		Expected: "every receipt verifies",
		Actual:   fmt.Sprintf("%d of %d failed, first: %v", sum.Failed, sum.Total, sum.FirstFault),
		Trace:    trace,
	}
}
