package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/takedown/internal/match"
)

func TestLoadScenario_ParsesSteps(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/tech_fall.yaml")
	require.NoError(t, err)

	assert.Equal(t, "tech_fall", s.Name)
	require.NotNil(t, s.Competitors)
	assert.Equal(t, "Lee", s.Competitors.A.Name)
	assert.Equal(t, "Iowa", s.Competitors.B.Team)

	require.Len(t, s.Steps, 14)
	assert.Equal(t, match.OpTick, s.Steps[1].Op)
	assert.Equal(t, 45, s.Steps[1].Seconds)
	assert.Equal(t, match.SlotA, s.Steps[4].Slot)
	assert.Equal(t, 4, s.Steps[4].Points)
	assert.Equal(t, match.ErrCodeInvalidInput, s.Steps[7].ExpectError)

	require.NotNil(t, s.Expect.ScoreA)
	assert.Equal(t, 16, *s.Expect.ScoreA)
	assert.Equal(t, match.WinTechFall, s.Expect.WinType)
	require.NotNil(t, s.Expect.CanRedo)
	assert.False(t, *s.Expect.CanRedo)
}

func TestLoadScenario_ResolvesRulesPath(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/riding_decision.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "rules", "high_school.cue"), s.Rules)
}

func TestLoadScenario_ExplicitStart(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/explicit_start.yaml")
	require.NoError(t, err)
	assert.Nil(t, s.Competitors)
	assert.Equal(t, "local-7", s.Steps[1].ID)
	require.NotNil(t, s.Steps[2].At)
	assert.Equal(t, 95, *s.Steps[2].At)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\ndescription: d\nstep: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "unknown step field",
			yaml: "name: x\ndescription: d\ncompetitors: {a: {name: L}, b: {name: R}}\nsteps:\n  - {op: score, slto: A}\nexpect: {status: setup}\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "description: d\n",
			want: "name is required",
		},
		{
			name: "name with path",
			yaml: "name: a/b\ndescription: d\n",
			want: "must not contain spaces or path separators",
		},
		{
			name: "missing description",
			yaml: "name: x\n",
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: "name: x\ndescription: d\nexpect: {status: setup}\n",
			want: "steps list is required",
		},
		{
			name: "empty expect",
			yaml: "name: x\ndescription: d\nsteps:\n  - {op: undo}\n",
			want: "expect must check at least one field",
		},
		{
			name: "no start",
			yaml: "name: x\ndescription: d\nsteps:\n  - {op: undo}\nexpect: {status: setup}\n",
			want: "a start is required",
		},
		{
			name: "unnamed competitor",
			yaml: "name: x\ndescription: d\ncompetitors: {a: {name: L}, b: {team: T}}\nsteps:\n  - {op: undo}\nexpect: {status: setup}\n",
			want: "both a and b need a name",
		},
		{
			name: "missing op",
			yaml: "name: x\ndescription: d\ncompetitors: {a: {name: L}, b: {name: R}}\nsteps:\n  - {slot: A}\nexpect: {status: setup}\n",
			want: "steps[0]: op is required",
		},
		{
			name: "unknown error code",
			yaml: "name: x\ndescription: d\ncompetitors: {a: {name: L}, b: {name: R}}\nsteps:\n  - {op: undo, expect_error: NOPE}\nexpect: {status: setup}\n",
			want: `unknown error code "NOPE"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_AbsoluteRulesPathKept(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "r.cue")
	path := filepath.Join(dir, "s.yaml")
	data := "name: abs\ndescription: d\nrules: " + rulesPath + "\ncompetitors: {a: {name: L}, b: {name: R}}\nsteps:\n  - {op: undo}\nexpect: {status: setup}\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, rulesPath, s.Rules)
}
