package rules

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaCUE string

// CompileError represents a ruleset error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads a CUE ruleset file.
func Load(path string) (*Ruleset, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return Compile(src, path)
}

// Compile parses a CUE ruleset. The source must declare a top-level
// "ruleset" struct:
//
//	ruleset: {
//		name: "high-school"
//		points: takedown: 3
//	}
func Compile(src []byte, filename string) (*Ruleset, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("ruleset_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile ruleset schema: %w", err)
	}

	file := ctx.CompileBytes(src, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	merged := schema.Unify(file)
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	v := merged.LookupPath(cue.ParsePath("ruleset"))
	if !v.Exists() || !file.LookupPath(cue.ParsePath("ruleset")).Exists() {
		return nil, &CompileError{
			Field:   "ruleset",
			Message: "ruleset is required",
			Pos:     file.Pos(),
		}
	}

	rs := Folkstyle()
	rs.Name = "custom"
	if err := decodeInto(v, rs); err != nil {
		return nil, err
	}
	if err := rs.Validate(); err != nil {
		return nil, &CompileError{Field: "ruleset", Message: err.Error(), Pos: v.Pos()}
	}
	return rs, nil
}

// decodeInto overwrites the fields of rs that v sets.
func decodeInto(v cue.Value, rs *Ruleset) error {
	if s, ok, err := stringField(v, cue.ParsePath("name")); err != nil {
		return err
	} else if ok {
		rs.Name = s
	}

	ints := []struct {
		path cue.Path
		dst  *int
	}{
		{cue.ParsePath("points.takedown"), &rs.Points.Takedown},
		{cue.ParsePath("points.escape"), &rs.Points.Escape},
		{cue.ParsePath("points.reversal"), &rs.Points.Reversal},
		{cue.ParsePath("tech_fall_margin"), &rs.TechFallMargin},
		{cue.ParsePath("major_margin"), &rs.MajorMargin},
		{cue.ParsePath("riding_time_threshold"), &rs.RidingTimeThreshold},
		{cue.ParsePath("riding_time_point"), &rs.RidingTimePoint},
	}
	for _, f := range ints {
		if n, ok, err := intField(v, f.path); err != nil {
			return err
		} else if ok {
			*f.dst = n
		}
	}

	lists := []struct {
		path cue.Path
		dst  *[]int
	}{
		{cue.ParsePath("points.near_fall"), &rs.Points.NearFall},
		{cue.ParsePath("penalty_points"), &rs.PenaltyPoints},
		{cue.ParsePath("stall_progression"), &rs.StallProgression},
		{cue.ParsePath("caution_progression"), &rs.CautionProgression},
	}
	for _, f := range lists {
		if l, ok, err := intList(v, f.path); err != nil {
			return err
		} else if ok {
			*f.dst = l
		}
	}

	for _, p := range Periods {
		path := cue.MakePath(cue.Str("period_seconds"), cue.Str(string(p)))
		if n, ok, err := intField(v, path); err != nil {
			return err
		} else if ok {
			rs.PeriodSeconds[p] = n
		}
	}

	slices.Sort(rs.Points.NearFall)
	return nil
}

func stringField(v cue.Value, path cue.Path) (string, bool, error) {
	f := v.LookupPath(path)
	if !f.Exists() || !f.IsConcrete() {
		return "", false, nil
	}
	s, err := f.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

func intField(v cue.Value, path cue.Path) (int, bool, error) {
	f := v.LookupPath(path)
	if !f.Exists() || !f.IsConcrete() {
		return 0, false, nil
	}
	n, err := f.Int64()
	if err != nil {
		return 0, false, formatCUEError(err)
	}
	return int(n), true, nil
}

// intList returns the list at path. An empty list counts as unset.
func intList(v cue.Value, path cue.Path) ([]int, bool, error) {
	f := v.LookupPath(path)
	if !f.Exists() || !f.IsConcrete() {
		return nil, false, nil
	}
	it, err := f.List()
	if err != nil {
		return nil, false, formatCUEError(err)
	}
	var out []int
	for it.Next() {
		n, err := it.Value().Int64()
		if err != nil {
			return nil, false, formatCUEError(err)
		}
		out = append(out, int(n))
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out, true, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
