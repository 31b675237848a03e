package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when the final state misses an expectation.
type AssertionError struct {
	Field    string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Field)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s -> %s (%d-%d %s) %s\n",
			ev.Step, ev.Op, ev.Outcome, ev.ScoreA, ev.ScoreB, ev.Status, ev.Label)
	}
	return buf.String()
}

// checkExpectation compares the final summary with exp and returns one
// error per mismatched field.
func checkExpectation(exp Expectation, got Summary, trace []TraceEvent) []error {
	var errs []error
	check := func(field string, want, have any) {
		if want != have {
			errs = append(errs, &AssertionError{
				Field:    field,
				Expected: fmt.Sprint(want),
				Actual:   fmt.Sprint(have),
				Trace:    trace,
			})
		}
	}

	if exp.Status != "" {
		check("status", string(exp.Status), got.Status)
	}
	if exp.Winner != "" {
		check("winner", string(exp.Winner), got.Winner)
	}
	if exp.WinType != "" {
		check("win_type", string(exp.WinType), got.WinType)
	}
	if exp.ScoreA != nil {
		check("score_a", *exp.ScoreA, got.ScoreA)
	}
	if exp.ScoreB != nil {
		check("score_b", *exp.ScoreB, got.ScoreB)
	}
	if exp.Period != "" {
		check("period", exp.Period, got.Period)
	}
	if exp.CanUndo != nil {
		check("can_undo", *exp.CanUndo, got.CanUndo)
	}
	if exp.CanRedo != nil {
		check("can_redo", *exp.CanRedo, got.CanRedo)
	}
	return errs
}
