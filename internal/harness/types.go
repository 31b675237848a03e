package harness

import "github.com/roach88/takedown/internal/match"

// Outcome of a step that the engine accepted.
const OutcomeOK = "ok"

// TraceEvent records one executed step and the score after it.
type TraceEvent struct {
	Step    int    `json:"step"`
	Op      string `json:"op"`
	Outcome string `json:"outcome"` // "ok" or the engine error code
	Label   string `json:"label"`
	ScoreA  int    `json:"score_a"`
	ScoreB  int    `json:"score_b"`
	Status  string `json:"status"`
}

// Summary is the final state of a scenario match.
type Summary struct {
	Status         string `json:"status"`
	Period         string `json:"period"`
	ScoreA         int    `json:"score_a"`
	ScoreB         int    `json:"score_b"`
	Winner         string `json:"winner"`
	WinType        string `json:"win_type"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	CanUndo        bool   `json:"can_undo"`
	CanRedo        bool   `json:"can_redo"`
}

func summarize(v match.View) Summary {
	return Summary{
		Status:         string(v.Match.Status),
		Period:         string(v.Match.Period),
		ScoreA:         v.Match.A.Score,
		ScoreB:         v.Match.B.Score,
		Winner:         string(v.Match.Winner),
		WinType:        string(v.Match.WinType),
		ElapsedSeconds: v.Match.ElapsedSeconds,
		CanUndo:        v.CanUndo,
		CanRedo:        v.CanRedo,
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as scripted and the final state
	// met the expectation.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Final Summary `json:"final"`

	// Match is the full final snapshot.
	Match match.Match `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(step int, op string, outcome string, m match.Match) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:    step,
		Op:      op,
		Outcome: outcome,
		Label:   m.LastAction,
		ScoreA:  m.A.Score,
		ScoreB:  m.B.Score,
		Status:  string(m.Status),
	})
}
