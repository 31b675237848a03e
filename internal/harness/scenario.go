package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/takedown/internal/match"
)

// DefaultMatchID is the id a scenario match is started with when the
// scenario does not start it explicitly.
const DefaultMatchID = "local-scenario"

// Scenario is a scripted bout with its expected outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Rules is an optional CUE ruleset. Relative paths are resolved against
	// the scenario file. Empty means the built-in folkstyle tables.
	Rules string `yaml:"rules,omitempty"`

	// Competitors starts the match before the first step.
	Competitors *Competitors `yaml:"competitors,omitempty"`

	Steps []Step `yaml:"steps"`

	Expect Expectation `yaml:"expect"`
}

// Competitors names the two wrestlers.
type Competitors struct {
	A match.Entrant `yaml:"a"`
	B match.Entrant `yaml:"b"`
}

// Step is one engine command. ExpectError, when set, is the error code the
// engine must reject the command with.
type Step struct {
	match.Command `yaml:",inline"`
	ExpectError   match.ErrorCode `yaml:"expect_error,omitempty"`
}

// Expectation is checked against the match after the last step. Unset
// fields are not checked.
type Expectation struct {
	Status  match.Status  `yaml:"status,omitempty"`
	Winner  match.Slot    `yaml:"winner,omitempty"`
	WinType match.WinType `yaml:"win_type,omitempty"`
	ScoreA  *int          `yaml:"score_a,omitempty"`
	ScoreB  *int          `yaml:"score_b,omitempty"`
	Period  string        `yaml:"period,omitempty"`
	CanUndo *bool         `yaml:"can_undo,omitempty"`
	CanRedo *bool         `yaml:"can_redo,omitempty"`
}

func (e Expectation) empty() bool {
	return e == Expectation{}
}

var knownCodes = map[match.ErrorCode]bool{
	match.ErrCodeInvalidInput:      true,
	match.ErrCodeTerminalState:     true,
	match.ErrCodeInvalidTransition: true,
	match.ErrCodeNoActiveMatch:     true,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected and a relative rules path is resolved against the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Rules != "" && !filepath.IsAbs(s.Rules) {
		s.Rules = filepath.Join(filepath.Dir(path), s.Rules)
	}
	return s, nil
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\ `) {
		return fmt.Errorf("name %q must not contain spaces or path separators", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Expect.empty() {
		return fmt.Errorf("expect must check at least one field")
	}

	if s.Competitors != nil {
		if s.Competitors.A.Name == "" || s.Competitors.B.Name == "" {
			return fmt.Errorf("competitors: both a and b need a name")
		}
	} else if !slices.ContainsFunc(s.Steps, func(st Step) bool { return st.Op == match.OpStart }) {
		return fmt.Errorf("steps: a start is required when competitors are omitted")
	}

	for i, step := range s.Steps {
		if step.Op == "" {
			return fmt.Errorf("steps[%d]: op is required", i)
		}
		if step.ExpectError != "" && !knownCodes[step.ExpectError] {
			return fmt.Errorf("steps[%d]: unknown error code %q", i, step.ExpectError)
		}
	}
	return nil
}
