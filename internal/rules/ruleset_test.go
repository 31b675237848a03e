package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolkstyleDefaults(t *testing.T) {
	rs := Folkstyle()
	require.NoError(t, rs.Validate())

	assert.Equal(t, 120, rs.PeriodDuration(Period1))
	assert.Equal(t, 120, rs.PeriodDuration(Period3))
	assert.Equal(t, 60, rs.PeriodDuration(SuddenVictory))
	assert.Equal(t, 30, rs.PeriodDuration(TieBreaker))
	assert.Equal(t, 30, rs.PeriodDuration(UltimateTieBreaker))
	assert.Equal(t, 15, rs.TechFallMargin)
}

func TestValidateMove(t *testing.T) {
	rs := Folkstyle()
	tests := []struct {
		move    Move
		points  int
		wantErr bool
	}{
		{Takedown, 2, false},
		{Takedown, 3, true},
		{Escape, 1, false},
		{Escape, 2, true},
		{Reversal, 2, false},
		{NearFall, 2, false},
		{NearFall, 3, false},
		{NearFall, 4, false},
		{NearFall, 5, true},
		{Move("headlock"), 2, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.move), func(t *testing.T) {
			err := rs.ValidateMove(tt.move, tt.points)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePenalty(t *testing.T) {
	rs := Folkstyle()
	assert.NoError(t, rs.ValidatePenalty(1))
	assert.NoError(t, rs.ValidatePenalty(2))
	assert.Error(t, rs.ValidatePenalty(3))
	assert.Error(t, rs.ValidatePenalty(0))
}

func TestStallAward(t *testing.T) {
	rs := Folkstyle()
	var awards []int
	for n := 1; n <= 4; n++ {
		pts, dq := rs.StallAward(n)
		require.False(t, dq, "call %d", n)
		awards = append(awards, pts)
	}
	assert.Equal(t, []int{0, 1, 1, 2}, awards)

	_, dq := rs.StallAward(5)
	assert.True(t, dq)
}

func TestCautionAward(t *testing.T) {
	rs := Folkstyle()
	assert.Equal(t, 0, rs.CautionAward(1))
	assert.Equal(t, 0, rs.CautionAward(2))
	assert.Equal(t, 1, rs.CautionAward(3))
	assert.Equal(t, 1, rs.CautionAward(4))
}

func TestPeriodNext(t *testing.T) {
	next, ok := Period1.Next()
	require.True(t, ok)
	assert.Equal(t, Period2, next)

	next, ok = Period3.Next()
	require.True(t, ok)
	assert.Equal(t, SuddenVictory, next)

	_, ok = UltimateTieBreaker.Next()
	assert.False(t, ok)

	assert.False(t, Period("4").Valid())
}

func TestCompile_OverridesDefaults(t *testing.T) {
	src := []byte(`
ruleset: {
	name: "high-school"
	points: takedown: 3
	period_seconds: SV: 90
	stall_progression: [0, 1, 2]
}
`)
	rs, err := Compile(src, "hs.cue")
	require.NoError(t, err)

	assert.Equal(t, "high-school", rs.Name)
	assert.Equal(t, 3, rs.Points.Takedown)
	assert.Equal(t, 1, rs.Points.Escape, "unset fields keep defaults")
	assert.Equal(t, 90, rs.PeriodDuration(SuddenVictory))
	assert.Equal(t, 120, rs.PeriodDuration(Period1))
	assert.Equal(t, []int{0, 1, 2}, rs.StallProgression)
}

func TestCompile_RejectsUnknownField(t *testing.T) {
	_, err := Compile([]byte(`ruleset: { bogus: 1 }`), "bad.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestCompile_RejectsNonPositivePoints(t *testing.T) {
	_, err := Compile([]byte(`ruleset: points: takedown: 0`), "bad.cue")
	assert.Error(t, err)
}

func TestCompile_RequiresRuleset(t *testing.T) {
	_, err := Compile([]byte(`other: 1`), "empty.cue")
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ruleset", ce.Field)
}

func TestCompile_InvalidMargins(t *testing.T) {
	_, err := Compile([]byte(`ruleset: { major_margin: 20 }`), "margins.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "major_margin")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.cue")
	require.NoError(t, os.WriteFile(path, []byte(`ruleset: name: "club"`), 0o644))

	rs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "club", rs.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
