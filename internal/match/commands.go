package match

import (
	"time"

	"github.com/roach88/takedown/internal/rules"
)

// Command operation names.
const (
	OpStart           = "start"
	OpScore           = "score"
	OpStall           = "stall"
	OpPenalty         = "penalty"
	OpCaution         = "caution"
	OpPosition        = "position"
	OpFall            = "fall"
	OpAdvancePeriod   = "advance_period"
	OpSelectPeriod    = "select_period"
	OpCheckAutoEnd    = "check_auto_end"
	OpConfirmTechFall = "confirm_tech_fall"
	OpDismissTechFall = "dismiss_tech_fall"
	OpDecision        = "decision"
	OpForfeit         = "forfeit"
	OpDisqualify      = "disqualify"
	OpStartClock      = "start_clock"
	OpStopClock       = "stop_clock"
	OpTick            = "tick"
	OpBloodTime       = "blood_time"
	OpInjuryTime      = "injury_time"
	OpUndo            = "undo"
	OpRedo            = "redo"
)

// Command is a serialisable engine operation. The agent API decodes it from
// JSON and the scenario harness from YAML.
type Command struct {
	Op       string       `json:"op" yaml:"op"`
	Slot     Slot         `json:"slot,omitempty" yaml:"slot,omitempty"`
	Move     rules.Move   `json:"move,omitempty" yaml:"move,omitempty"`
	Points   int          `json:"points,omitempty" yaml:"points,omitempty"`
	Position Position     `json:"position,omitempty" yaml:"position,omitempty"`
	Period   rules.Period `json:"period,omitempty" yaml:"period,omitempty"`
	// At is the elapsed-time marker of a fall, in seconds.
	At *int `json:"at,omitempty" yaml:"at,omitempty"`
	// On toggles blood or injury time.
	On *bool `json:"on,omitempty" yaml:"on,omitempty"`
	// Seconds is the tick length; zero means one second.
	Seconds int `json:"seconds,omitempty" yaml:"seconds,omitempty"`

	// Start fields.
	ID      string  `json:"id,omitempty" yaml:"id,omitempty"`
	Ruleset string  `json:"ruleset,omitempty" yaml:"ruleset,omitempty"`
	A       Entrant `json:"a,omitempty" yaml:"a,omitempty"`
	B       Entrant `json:"b,omitempty" yaml:"b,omitempty"`
}

// Apply dispatches cmd to the matching engine operation.
func (e *Engine) Apply(cmd Command) error {
	switch cmd.Op {
	case OpStart:
		return e.Start(cmd.ID, cmd.Ruleset, cmd.A, cmd.B)
	case OpScore:
		return e.Score(cmd.Slot, cmd.Move, e.defaultPoints(cmd.Move, cmd.Points))
	case OpStall:
		return e.RecordStall(cmd.Slot)
	case OpPenalty:
		return e.RecordPenalty(cmd.Slot, cmd.Points)
	case OpCaution:
		return e.RecordCaution(cmd.Slot)
	case OpPosition:
		return e.SetPosition(cmd.Position)
	case OpFall:
		at := -1
		if cmd.At != nil {
			at = *cmd.At
		}
		return e.DeclareFall(cmd.Slot, at)
	case OpAdvancePeriod:
		return e.AdvancePeriod()
	case OpSelectPeriod:
		return e.SelectPeriod(cmd.Period)
	case OpCheckAutoEnd:
		_, err := e.CheckAutoEnd()
		return err
	case OpConfirmTechFall:
		return e.ConfirmTechFall()
	case OpDismissTechFall:
		return e.DismissTechFall()
	case OpDecision:
		return e.DeclareDecision()
	case OpForfeit:
		return e.Forfeit(cmd.Slot)
	case OpDisqualify:
		return e.Disqualify(cmd.Slot)
	case OpStartClock:
		return e.StartClock()
	case OpStopClock:
		return e.StopClock()
	case OpTick:
		secs := cmd.Seconds
		if secs <= 0 {
			secs = 1
		}
		return e.Tick(time.Duration(secs) * time.Second)
	case OpBloodTime:
		return e.SetBloodTime(cmd.On == nil || *cmd.On)
	case OpInjuryTime:
		return e.SetInjuryTime(cmd.On == nil || *cmd.On)
	case OpUndo:
		return e.Undo()
	case OpRedo:
		return e.Redo()
	default:
		return invalidInput("unknown operation %q", cmd.Op)
	}
}

// defaultPoints fills in the fixed-value moves when a command omits points.
func (e *Engine) defaultPoints(m rules.Move, points int) int {
	if points != 0 {
		return points
	}
	switch m {
	case rules.Takedown:
		return e.rules.Points.Takedown
	case rules.Escape:
		return e.rules.Points.Escape
	case rules.Reversal:
		return e.rules.Points.Reversal
	}
	return points
}
