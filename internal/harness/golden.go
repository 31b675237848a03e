package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/takedown/internal/wire"
)

// Snapshot is the golden form of a scenario run. It is serialised as
// canonical JSON so files are byte-stable.
type Snapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Final        Summary      `json:"final"`
}

// MarshalSnapshot renders the golden bytes for a result.
func MarshalSnapshot(name string, r *Result) ([]byte, error) {
	trace := r.Trace
	if trace == nil {
		trace = []TraceEvent{}
	}
	return wire.Marshal(Snapshot{ScenarioName: name, Trace: trace, Final: r.Final})
}

// RunWithGolden executes a scenario and compares the snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return result, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
