package match

import (
	"time"

	"github.com/roach88/takedown/internal/rules"
)

// Slot identifies one of the two competitors.
type Slot string

const (
	SlotNone Slot = ""
	SlotA    Slot = "A"
	SlotB    Slot = "B"
)

// Valid reports whether s names a competitor.
func (s Slot) Valid() bool {
	return s == SlotA || s == SlotB
}

// Opponent returns the other competitor.
func (s Slot) Opponent() Slot {
	switch s {
	case SlotA:
		return SlotB
	case SlotB:
		return SlotA
	default:
		return SlotNone
	}
}

// Position is the mat position of the two competitors.
type Position string

const (
	Neutral Position = "neutral"
	TopA    Position = "topA"
	BottomA Position = "bottomA"
	TopB    Position = "topB"
	BottomB Position = "bottomB"
)

// Valid reports whether p is a known position.
func (p Position) Valid() bool {
	switch p {
	case Neutral, TopA, BottomA, TopB, BottomB:
		return true
	}
	return false
}

// Rider returns the competitor in control, who accrues riding time.
func (p Position) Rider() Slot {
	switch p {
	case TopA, BottomB:
		return SlotA
	case TopB, BottomA:
		return SlotB
	default:
		return SlotNone
	}
}

// Status is the state-machine state of a match.
type Status string

const (
	StatusSetup           Status = "setup"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusPeriodEnded     Status = "period_ended"
	StatusTechFallPending Status = "tech_fall_pending"
	StatusEnded           Status = "ended"
)

// WinType records how an ended match was decided.
type WinType string

const (
	WinNone             WinType = ""
	WinPin              WinType = "pin"
	WinTechFall         WinType = "tech_fall"
	WinMajorDecision    WinType = "major_decision"
	WinDecision         WinType = "decision"
	WinForfeit          WinType = "forfeit"
	WinDisqualification WinType = "disqualification"
)

// Entrant identifies a wrestler at match start.
type Entrant struct {
	Name string `json:"name" yaml:"name"`
	Team string `json:"team" yaml:"team"`
}

// Competitor is one wrestler's running tally. It is only mutated by engine
// transitions.
type Competitor struct {
	Name          string `json:"name"`
	Team          string `json:"team"`
	Score         int    `json:"score"`
	Takedowns     int    `json:"takedowns"`
	Escapes       int    `json:"escapes"`
	Reversals     int    `json:"reversals"`
	NearFalls     int    `json:"near_falls"`
	NearFall2     int    `json:"near_fall_2"`
	NearFall3     int    `json:"near_fall_3"`
	NearFall4     int    `json:"near_fall_4"`
	Penalties     int    `json:"penalties"`
	Cautions      int    `json:"cautions"`
	Stalls        int    `json:"stalls"`
	RidingSeconds int    `json:"riding_seconds"`
}

// Match is the authoritative live state. It holds no pointers, so a plain
// assignment is a complete snapshot.
type Match struct {
	ID               string       `json:"id"`
	Ruleset          string       `json:"ruleset"`
	A                Competitor   `json:"a"`
	B                Competitor   `json:"b"`
	Period           rules.Period `json:"period"`
	RemainingSeconds int          `json:"remaining_seconds"`
	ElapsedSeconds   int          `json:"elapsed_seconds"`
	Running          bool         `json:"running"`
	Status           Status       `json:"status"`
	Position         Position     `json:"position"`
	Riding           Slot         `json:"riding"`
	BloodTime        bool         `json:"blood_time"`
	InjuryTime       bool         `json:"injury_time"`
	RidingPointTo    Slot         `json:"riding_point_to"`
	Winner           Slot         `json:"winner"`
	WinType          WinType      `json:"win_type"`
	EndedAtSeconds   int          `json:"ended_at_seconds"`
	LastAction       string       `json:"last_action"`
}

// Competitor returns the tally for s, or nil for an unknown slot.
func (m *Match) Competitor(s Slot) *Competitor {
	switch s {
	case SlotA:
		return &m.A
	case SlotB:
		return &m.B
	default:
		return nil
	}
}

// Margin returns the absolute score difference.
func (m Match) Margin() int {
	d := m.A.Score - m.B.Score
	if d < 0 {
		return -d
	}
	return d
}

// Leader returns the competitor ahead on points, or SlotNone when tied.
func (m Match) Leader() Slot {
	switch {
	case m.A.Score > m.B.Score:
		return SlotA
	case m.B.Score > m.A.Score:
		return SlotB
	default:
		return SlotNone
	}
}

// Ended reports whether the match reached its terminal state.
func (m Match) Ended() bool {
	return m.Status == StatusEnded
}

// ActionKind classifies a transition.
type ActionKind string

const (
	ActionStart      ActionKind = "start"
	ActionScore      ActionKind = "score"
	ActionStall      ActionKind = "stall"
	ActionPenalty    ActionKind = "penalty"
	ActionCaution    ActionKind = "caution"
	ActionPosition   ActionKind = "position"
	ActionFall       ActionKind = "fall"
	ActionPeriod     ActionKind = "period"
	ActionTechFall   ActionKind = "tech_fall"
	ActionDecision   ActionKind = "decision"
	ActionForfeit    ActionKind = "forfeit"
	ActionDisqualify ActionKind = "disqualify"
	ActionClock      ActionKind = "clock"
	ActionTick       ActionKind = "tick"
	ActionBloodTime  ActionKind = "blood_time"
	ActionInjuryTime ActionKind = "injury_time"
	ActionAutoEnd    ActionKind = "auto_end"
	ActionUndo       ActionKind = "undo"
	ActionRedo       ActionKind = "redo"
	ActionRestore    ActionKind = "restore"
)

// ScoringAction is one entry on the undo or redo stack. Previous is the
// full match snapshot taken before the action was applied.
type ScoringAction struct {
	Kind     ActionKind
	Label    string
	At       time.Time
	Previous Match
}

// Event describes a scoring event worth appending to the match log.
type Event struct {
	Type           string       `json:"type"`
	Actor          Slot         `json:"actor"`
	AwardedTo      Slot         `json:"awarded_to"`
	Points         int          `json:"points"`
	Period         rules.Period `json:"period"`
	ElapsedSeconds int          `json:"elapsed_seconds"`
}

// View is the read model handed to UIs.
type View struct {
	Match     Match  `json:"match"`
	CanUndo   bool   `json:"can_undo"`
	CanRedo   bool   `json:"can_redo"`
	UndoLabel string `json:"undo_label,omitempty"`
	RedoLabel string `json:"redo_label,omitempty"`
}

// Transition is delivered to subscribers after every accepted operation.
type Transition struct {
	Kind   ActionKind
	Label  string
	Before Match
	After  Match
	// Event is nil for transitions that do not append to the match log.
	Event *Event
	// Recorded is true when the transition pushed an undoable action.
	Recorded bool
	View     View
}
