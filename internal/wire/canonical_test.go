package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 1, "a": "x", "c": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":true}`, string(got))
}

func TestMarshal_Struct(t *testing.T) {
	got, err := Marshal(CreateResponse{ID: "m-1"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"m-1"}`, string(got))
}

func TestMarshal_NoHTMLEscape(t *testing.T) {
	got, err := Marshal(map[string]any{"team": "A&M <West>"})
	require.NoError(t, err)
	assert.Equal(t, `{"team":"A&M <West>"}`, string(got))
}

func TestMarshal_NFC(t *testing.T) {
	decomposed := "Jose\u0301"
	composed := "Jos\u00e9"

	a, err := Marshal(map[string]any{"name": decomposed})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"name": composed})
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
	assert.Equal(t, "{\"name\":\"Jos\u00e9\"}", string(a))
}

func TestMarshal_LineSeparators(t *testing.T) {
	got, err := Marshal(map[string]any{"s": "a\u2028b"})
	require.NoError(t, err)
	assert.Equal(t, "{\"s\":\"a\u2028b\"}", string(got))

	// A literal backslash followed by u2028 stays escaped.
	got, err = Marshal(map[string]any{"s": `a\u2028b`})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"a\\u2028b"}`, string(got))
}

func TestMarshal_RejectsFloatsAndNull(t *testing.T) {
	_, err := Marshal(map[string]any{"x": 1.5})
	assert.Error(t, err)

	_, err = Marshal(map[string]any{"x": nil})
	assert.Error(t, err)
}

func TestMarshal_Deterministic(t *testing.T) {
	ev := MatchEvent{OpID: "op-1", MatchID: "local-1", Type: "takedown", Actor: "A", Points: 2, Period: "1"}
	first, err := Marshal(ev)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Marshal(ev)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/api/matches/local-1", MatchPath("local-1"))
	assert.Equal(t, "/api/matches/local-1/events", EventsPath("local-1"))
	assert.Equal(t, "/api/matches/local-1/media", MediaPath("local-1"))
}
