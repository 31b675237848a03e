package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONEmit(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Emit(map[string]int{"pending": 3}, func(w io.Writer) {
		t.Fatal("text renderer must not run in json mode")
	}))

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data["pending"])
}

func TestOutputFormatter_TextEmit(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Emit("ignored", func(w io.Writer) { fmt.Fprint(w, "rendered") }))
	assert.Equal(t, "rendered", buf.String())

	buf.Reset()
	require.NoError(t, f.Emit("plain", nil))
	assert.Equal(t, "plain\n", buf.String())
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Error(CodeRules, "ruleset rejected", map[string]string{"field": "ruleset"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRules, resp.Error.Code)
	assert.Equal(t, "ruleset rejected", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Error(CodeStore, "database locked", "details hidden"))
	assert.Equal(t, "Error [E_STORE]: database locked\n", buf.String())

	buf.Reset()
	f.Verbose = true
	require.NoError(t, f.Error(CodeStore, "database locked", "wal busy"))
	assert.Contains(t, buf.String(), "Details: wal busy")
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}

	f.VerboseLog("hidden %d", 1)
	assert.Empty(t, errOut.String())

	f.Verbose = true
	f.VerboseLog("running %s", "tech_fall.yaml")
	assert.Equal(t, "running tech_fall.yaml\n", errOut.String())
	assert.Empty(t, out.String())
}

func TestOutputFormatter_Table(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	f.Table(buf, []string{"ID", "KIND"}, [][]string{{"op-1", "match_create"}, {"op-22", "match_event"}})
	assert.Equal(t, "ID     KIND\nop-1   match_create\nop-22  match_event\n", buf.String())
}

func TestOutputFormatter_Logger(t *testing.T) {
	errOut := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: io.Discard, ErrWriter: errOut}

	f.Logger().Debug("dropped")
	assert.Empty(t, errOut.String())

	f.Logger().Info("kept", "match_id", "local-1")
	var line map[string]any
	require.NoError(t, json.Unmarshal(errOut.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "local-1", line["match_id"])

	errOut.Reset()
	f.Verbose = true
	f.Format = "text"
	f.Logger().Debug("shown")
	assert.Contains(t, errOut.String(), "level=DEBUG msg=shown")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "inner", errors.New("cause")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "outer: inner: cause", wrapped.Error())
}
