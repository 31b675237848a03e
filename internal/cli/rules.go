package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/takedown/internal/rules"
)

// RulesSummary is the checked ruleset as reported by rules check.
type RulesSummary struct {
	Name                string         `json:"name"`
	Takedown            int            `json:"takedown"`
	Escape              int            `json:"escape"`
	Reversal            int            `json:"reversal"`
	NearFall            []int          `json:"near_fall"`
	PenaltyPoints       []int          `json:"penalty_points"`
	PeriodSeconds       map[string]int `json:"period_seconds"`
	StallProgression    []int          `json:"stall_progression"`
	CautionProgression  []int          `json:"caution_progression"`
	TechFallMargin      int            `json:"tech_fall_margin"`
	MajorMargin         int            `json:"major_margin"`
	RidingTimeThreshold int            `json:"riding_time_threshold"`
	RidingTimePoint     int            `json:"riding_time_point"`
}

func summarizeRules(rs *rules.Ruleset) RulesSummary {
	periods := make(map[string]int, len(rs.PeriodSeconds))
	for p, s := range rs.PeriodSeconds {
		periods[string(p)] = s
	}
	return RulesSummary{
		Name:                rs.Name,
		Takedown:            rs.Points.Takedown,
		Escape:              rs.Points.Escape,
		Reversal:            rs.Points.Reversal,
		NearFall:            rs.Points.NearFall,
		PenaltyPoints:       rs.PenaltyPoints,
		PeriodSeconds:       periods,
		StallProgression:    rs.StallProgression,
		CautionProgression:  rs.CautionProgression,
		TechFallMargin:      rs.TechFallMargin,
		MajorMargin:         rs.MajorMargin,
		RidingTimeThreshold: rs.RidingTimeThreshold,
		RidingTimePoint:     rs.RidingTimePoint,
	}
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with CUE rulesets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file.cue>",
		Short: "Validate a ruleset and print the resolved tables",
		Long: `Validate a CUE ruleset against the schema and print the tables the
engine would use. Fields the file leaves out keep their folkstyle values.

Examples:
  takedown rules check high_school.cue
  takedown rules check high_school.cue --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesCheck(rootOpts, args[0], cmd)
		},
	})
	return cmd
}

func runRulesCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	rs, err := rules.Load(path)
	if err != nil {
		var ce *rules.CompileError
		if errors.As(err, &ce) {
			f.Error(CodeRules, ce.Error(), map[string]string{"field": ce.Field})
			return WrapExitError(ExitFailure, "ruleset rejected", err)
		}
		f.Error(CodeRules, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load ruleset", err)
	}

	sum := summarizeRules(rs)
	return f.Emit(sum, func(w io.Writer) {
		fmt.Fprintf(w, "Ruleset %s is valid\n", sum.Name)
		fmt.Fprintf(w, "  points:      takedown %d, escape %d, reversal %d, near fall %v\n",
			sum.Takedown, sum.Escape, sum.Reversal, sum.NearFall)
		fmt.Fprintf(w, "  penalties:   %v\n", sum.PenaltyPoints)
		fmt.Fprintf(w, "  periods:     ")
		for i, p := range rules.Periods {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprintf(w, "%s %ds", p, rs.PeriodDuration(p))
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  stalling:    %v\n", sum.StallProgression)
		fmt.Fprintf(w, "  cautions:    %v\n", sum.CautionProgression)
		fmt.Fprintf(w, "  margins:     major %d, tech fall %d\n", sum.MajorMargin, sum.TechFallMargin)
		fmt.Fprintf(w, "  riding time: %d point at %ds\n", sum.RidingTimePoint, sum.RidingTimeThreshold)
	})
}
