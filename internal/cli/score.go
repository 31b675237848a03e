package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/takedown/internal/harness"
)

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string           `json:"name"`
	Path   string           `json:"path"`
	Pass   bool             `json:"pass"`
	Errors []string         `json:"errors,omitempty"`
	Final  *harness.Summary `json:"final,omitempty"`
}

// ScoreResult holds the overall result.
type ScoreResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScoreCommand creates the score command.
func NewScoreCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <scenario.yaml|dir>...",
		Short: "Replay scoring scenarios",
		Long: `Replay scripted scoring scenarios against a fresh engine and check
their expected outcome. Directories are searched for .yaml and .yml files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (unreadable or invalid scenario files)

Examples:
  takedown score scenarios/tech_fall.yaml
  takedown score scenarios/ --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runScore(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	var paths []string
	for _, arg := range args {
		found, err := findScenarioFiles(arg)
		if err != nil {
			f.Error(CodeScenario, err.Error(), nil)
			return WrapExitError(ExitCommandError, "find scenarios", err)
		}
		paths = append(paths, found...)
	}

	result := ScoreResult{Scenarios: make([]ScenarioResult, 0, len(paths)), Total: len(paths)}
	for _, path := range paths {
		f.VerboseLog("running %s", path)
		sr, err := runScenarioFile(path)
		if err != nil {
			f.Error(CodeScenario, err.Error(), map[string]string{"path": path})
			return WrapExitError(ExitCommandError, "run scenario", err)
		}
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if err := f.Emit(result, func(w io.Writer) { writeScoreText(w, result) }); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

func runScenarioFile(path string) (ScenarioResult, error) {
	s, err := harness.LoadScenario(path)
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("%s: %w", path, err)
	}
	r, err := harness.Run(s)
	if err != nil {
		return ScenarioResult{}, err
	}
	sr := ScenarioResult{Name: s.Name, Path: path, Pass: r.Pass, Final: &r.Final}
	if !r.Pass {
		sr.Errors = r.Errors
	}
	return sr, nil
}

// findScenarioFiles expands path to the scenario files it names.
func findScenarioFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path not found: %s", path)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(p); ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func writeScoreText(w io.Writer, r ScoreResult) {
	for _, s := range r.Scenarios {
		mark := "PASS"
		if !s.Pass {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%s %s", mark, s.Name)
		if s.Final != nil {
			fmt.Fprintf(w, " (%d-%d %s", s.Final.ScoreA, s.Final.ScoreB, s.Final.Status)
			if s.Final.Winner != "" {
				fmt.Fprintf(w, ", %s by %s", s.Final.Winner, strings.ReplaceAll(s.Final.WinType, "_", " "))
			}
			fmt.Fprint(w, ")")
		}
		fmt.Fprintln(w)
		for _, e := range s.Errors {
			for _, line := range strings.Split(strings.TrimRight(e, "\n"), "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
}
