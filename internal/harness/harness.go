package harness

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/takedown/internal/match"
	"github.com/roach88/takedown/internal/rules"
	"github.com/roach88/takedown/internal/testutil"
)

// Run executes a scenario against a fresh engine.
//
// The returned error is reserved for scenarios that cannot run at all, such
// as an unreadable ruleset. Steps that misbehave and missed expectations
// are reported in Result.Errors.
func Run(s *Scenario) (*Result, error) {
	rs := rules.Folkstyle()
	if s.Rules != "" {
		loaded, err := rules.Load(s.Rules)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		rs = loaded
	}

	engine := match.New(rs,
		match.WithClock(testutil.NewClock()),
		match.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	result := NewResult()
	if s.Competitors != nil {
		if err := engine.Start(DefaultMatchID, "", s.Competitors.A, s.Competitors.B); err != nil {
			return nil, fmt.Errorf("scenario %s: start: %w", s.Name, err)
		}
	}

	for i, step := range s.Steps {
		n := i + 1
		err := engine.Apply(step.Command)
		code := match.CodeOf(err)
		if err != nil && code == "" {
			return nil, fmt.Errorf("scenario %s: step %d: %w", s.Name, n, err)
		}

		outcome := OutcomeOK
		if code != "" {
			outcome = string(code)
		}
		m, _ := engine.Current()
		result.addTrace(n, step.Op, outcome, m)

		switch {
		case step.ExpectError != "" && code != step.ExpectError:
			result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %s", n, step.Op, step.ExpectError, outcome))
		case step.ExpectError == "" && err != nil:
			result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", n, step.Op, err))
		}
	}

	v, ok := engine.View()
	if !ok {
		result.AddError("no match was started")
		return result, nil
	}
	result.Final = summarize(v)
	result.Match = v.Match
	for _, err := range checkExpectation(s.Expect, result.Final, result.Trace) {
		result.AddError(err.Error())
	}
	return result, nil
}
