// Package rules holds the scoring tables a match is judged by.
//
// Folkstyle returns the built-in defaults. Alternate rulesets are written in
// CUE and loaded with Load; any field a file leaves out keeps its Folkstyle
// value.
package rules

import (
	"fmt"
	"slices"
)

// Period is a timed segment of a match.
type Period string

const (
	Period1 Period = "1"
	Period2 Period = "2"
	Period3 Period = "3"
	// SuddenVictory is the first overtime period.
	SuddenVictory Period = "SV"
	// TieBreaker is the riding tie-breaker period.
	TieBreaker Period = "TB"
	// UltimateTieBreaker is the final overtime period.
	UltimateTieBreaker Period = "UTB"
)

// Periods lists every period in match order.
var Periods = []Period{Period1, Period2, Period3, SuddenVictory, TieBreaker, UltimateTieBreaker}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return slices.Contains(Periods, p)
}

// Next returns the period that follows p. The second result is false for
// the last period.
func (p Period) Next() (Period, bool) {
	i := slices.Index(Periods, p)
	if i < 0 || i == len(Periods)-1 {
		return "", false
	}
	return Periods[i+1], true
}

// Move is a point-scoring move.
type Move string

const (
	Takedown Move = "takedown"
	Escape   Move = "escape"
	Reversal Move = "reversal"
	NearFall Move = "near_fall"
)

// Points is the point table for scoring moves.
type Points struct {
	Takedown int
	Escape   int
	Reversal int
	NearFall []int
}

// Ruleset is the full set of scoring tables.
type Ruleset struct {
	Name               string
	Points             Points
	PenaltyPoints      []int
	PeriodSeconds      map[Period]int
	StallProgression   []int
	CautionProgression []int
	TechFallMargin     int
	MajorMargin        int
	// RidingTimeThreshold is the net riding advantage in seconds that earns
	// RidingTimePoint at decision time. Zero disables the riding point.
	RidingTimeThreshold int
	RidingTimePoint     int
}

// Folkstyle returns the default scoring tables.
func Folkstyle() *Ruleset {
	return &Ruleset{
		Name: "folkstyle",
		Points: Points{
			Takedown: 2,
			Escape:   1,
			Reversal: 2,
			NearFall: []int{2, 3, 4},
		},
		PenaltyPoints: []int{1, 2},
		PeriodSeconds: map[Period]int{
			Period1:            120,
			Period2:            120,
			Period3:            120,
			SuddenVictory:      60,
			TieBreaker:         30,
			UltimateTieBreaker: 30,
		},
		StallProgression:    []int{0, 1, 1, 2},
		CautionProgression:  []int{0, 0, 1},
		TechFallMargin:      15,
		MajorMargin:         8,
		RidingTimeThreshold: 60,
		RidingTimePoint:     1,
	}
}

// ValidateMove checks points against the table for m.
func (r *Ruleset) ValidateMove(m Move, points int) error {
	switch m {
	case Takedown:
		return expectPoints(m, points, r.Points.Takedown)
	case Escape:
		return expectPoints(m, points, r.Points.Escape)
	case Reversal:
		return expectPoints(m, points, r.Points.Reversal)
	case NearFall:
		if !slices.Contains(r.Points.NearFall, points) {
			return fmt.Errorf("near_fall must award one of %v points, got %d", r.Points.NearFall, points)
		}
		return nil
	default:
		return fmt.Errorf("unknown move %q", m)
	}
}

func expectPoints(m Move, got, want int) error {
	if got != want {
		return fmt.Errorf("%s must award %d points, got %d", m, want, got)
	}
	return nil
}

// ValidatePenalty checks a penalty award against the penalty table.
func (r *Ruleset) ValidatePenalty(points int) error {
	if !slices.Contains(r.PenaltyPoints, points) {
		return fmt.Errorf("penalty must award one of %v points, got %d", r.PenaltyPoints, points)
	}
	return nil
}

// PeriodDuration returns the clock length of p in seconds.
func (r *Ruleset) PeriodDuration(p Period) int {
	return r.PeriodSeconds[p]
}

// StallAward returns the points awarded to the opponent for the n-th
// stalling call (1-based). Once the progression is exhausted the call
// disqualifies the offender.
func (r *Ruleset) StallAward(n int) (points int, disqualify bool) {
	if n < 1 {
		return 0, false
	}
	if n > len(r.StallProgression) {
		return 0, true
	}
	return r.StallProgression[n-1], false
}

// CautionAward returns the points awarded to the opponent for the n-th
// caution (1-based). Calls past the end of the progression repeat its last
// value.
func (r *Ruleset) CautionAward(n int) int {
	if n < 1 || len(r.CautionProgression) == 0 {
		return 0
	}
	if n > len(r.CautionProgression) {
		return r.CautionProgression[len(r.CautionProgression)-1]
	}
	return r.CautionProgression[n-1]
}

// Validate checks the ruleset is usable by the engine.
func (r *Ruleset) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("ruleset name is required")
	}
	for m, p := range map[Move]int{Takedown: r.Points.Takedown, Escape: r.Points.Escape, Reversal: r.Points.Reversal} {
		if p <= 0 {
			return fmt.Errorf("%s points must be positive, got %d", m, p)
		}
	}
	if len(r.Points.NearFall) == 0 {
		return fmt.Errorf("near_fall table is empty")
	}
	if len(r.PenaltyPoints) == 0 {
		return fmt.Errorf("penalty table is empty")
	}
	for _, p := range Periods {
		if r.PeriodSeconds[p] <= 0 {
			return fmt.Errorf("period %s duration must be positive", p)
		}
	}
	if r.TechFallMargin <= 0 {
		return fmt.Errorf("tech_fall_margin must be positive")
	}
	if r.MajorMargin <= 0 || r.MajorMargin >= r.TechFallMargin {
		return fmt.Errorf("major_margin must be positive and below tech_fall_margin")
	}
	return nil
}
