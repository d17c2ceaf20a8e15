package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/coedit/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s -> %s", i+1, ev.Principal, ev.Action, ev.EventID, ev.Outcome)
			if ev.Reason != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Reason)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// checkExpect compares a flow step's trace event with its expect clause.
// A nil clause expects acceptance.
func checkExpect(expect *Expect, ev TraceEvent) []string {
	want := Expect{Outcome: "accepted"}
	if expect != nil {
		want = *expect
	}

	var errs []string
	if ev.Outcome != want.Outcome {
		msg := fmt.Sprintf("expected outcome %s, got %s", want.Outcome, ev.Outcome)
		if ev.Reason != "" {
			msg += fmt.Sprintf(" (%s)", ev.Reason)
		}
		return append(errs, msg)
	}
	if want.Seq != 0 && ev.Seq != want.Seq {
		errs = append(errs, fmt.Sprintf("expected seq %d, got %d", want.Seq, ev.Seq))
	}
	if want.Fields != nil && !slices.Equal(ev.Fields, want.Fields) {
		errs = append(errs, fmt.Sprintf("expected fields %v, got %v", want.Fields, ev.Fields))
	}
	if want.Merged != nil && ev.Merged != *want.Merged {
		errs = append(errs, fmt.Sprintf("expected merged=%t, got %t", *want.Merged, ev.Merged))
	}
	if want.Reason != "" && !strings.Contains(ev.Reason, want.Reason) {
		errs = append(errs, fmt.Sprintf("expected reason containing %q, got %q", want.Reason, ev.Reason))
	}
	return errs
}

// evaluateAssertions returns one message per failed assertion.
func (h *Harness) evaluateAssertions(ctx context.Context, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalState:
			err = assertFinalState(result, a)
		case AssertHistoryCount:
			err = h.assertHistoryCount(ctx, a)
		case AssertOutcomeCount:
			err = assertOutcomeCount(result, a)
		case AssertChangelogKinds:
			err = h.assertChangelogKinds(ctx, a)
		case AssertVerified:
			err = h.assertVerified(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			if ae, ok := err.(*AssertionError); ok {
				ae.Trace = result.Trace
			}
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertFinalState checks the head payload with subset semantics.
func assertFinalState(result *Result, a Assertion) error {
	state, ok := result.State[a.Event]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("event %s to exist", a.Event),
			Actual:   "no such event",
		}
	}

	want, err := toObject(a.Expect)
	if err != nil {
		return fmt.Errorf("final_state: expect: %w", err)
	}
	for _, k := range want.SortedKeys() {
		got, present := state.Payload[k]
		if !present || !ir.Equal(got, want[k]) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %s", a.Event, k, render(want[k])),
				Actual:   render(got),
			}
		}
	}
	for _, k := range a.Absent {
		if got, present := state.Payload[k]; present {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s to be absent", a.Event, k),
				Actual:   render(got),
			}
		}
	}
	if a.Deleted != nil && state.Deleted != *a.Deleted {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s deleted=%t", a.Event, *a.Deleted),
			Actual:   fmt.Sprintf("deleted=%t", state.Deleted),
		}
	}
	return nil
}

func (h *Harness) assertHistoryCount(ctx context.Context, a Assertion) error {
	n := 0
	for _, err := range h.store.History(ctx, a.Event) {
		if err != nil {
			return fmt.Errorf("history_count: %w", err)
		}
		n++
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertHistoryCount,
			Expected: fmt.Sprintf("%d versions of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d versions", n),
		}
	}
	return nil
}

func assertOutcomeCount(result *Result, a Assertion) error {
	if n := result.Count(a.Outcome); n != a.Count {
		return &AssertionError{
			Type:     AssertOutcomeCount,
			Expected: fmt.Sprintf("%d flow steps ending %s", a.Count, a.Outcome),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

func (h *Harness) assertChangelogKinds(ctx context.Context, a Assertion) error {
	reader, err := h.reader(ctx, a)
	if err != nil {
		return fmt.Errorf("changelog_kinds: %w", err)
	}
	entries, err := h.engine.Changelog(ctx, reader, a.Event)
	if err != nil {
		return fmt.Errorf("changelog_kinds: %w", err)
	}

	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = string(e.Kind)
	}
	if !slices.Equal(kinds, a.Kinds) {
		return &AssertionError{
			Type:     AssertChangelogKinds,
			Expected: fmt.Sprintf("%v", a.Kinds),
			Actual:   fmt.Sprintf("%v", kinds),
		}
	}
	return nil
}

func (h *Harness) assertVerified(ctx context.Context, a Assertion) error {
	reader, err := h.reader(ctx, a)
	if err != nil {
		return fmt.Errorf("verified: %w", err)
	}
	report, err := h.engine.Verify(ctx, reader, a.Event)
	if err != nil {
		return fmt.Errorf("verified: %w", err)
	}
	if !report.OK() {
		return &AssertionError{
			Type:     AssertVerified,
			Expected: fmt.Sprintf("chain of %s to verify", a.Event),
			Actual:   strings.Join(report.Problems, "; "),
		}
	}
	return nil
}

// reader is the assertion's principal, or the event owner.
func (h *Harness) reader(ctx context.Context, a Assertion) (string, error) {
	if a.As != "" {
		return a.As, nil
	}
	ev, err := h.store.Event(ctx, a.Event)
	if err != nil {
		return "", err
	}
	return ev.Owner, nil
}

func render(v ir.Value) string {
	if v == nil {
		return "<absent>"
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
