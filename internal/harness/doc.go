// Package harness runs scripted scoring scenarios against the match engine.
//
// Scenarios double as regression tests for the scoring rules: each one
// replays a bout step by step and checks the final result.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: tech_fall
//	description: "Lead reaches 15 and the referee confirms"
//	rules: rules/short.cue       # optional, relative to the scenario file
//	competitors:
//	  a: { name: Lee, team: Penn State }
//	  b: { name: Ramirez, team: Iowa }
//	steps:
//	  - op: score
//	    slot: A
//	    move: takedown
//	  - op: score
//	    slot: A
//	    move: takedown
//	    points: 3
//	    expect_error: INVALID_INPUT
//	  - op: undo
//	expect:
//	  status: ended
//	  winner: A
//	  win_type: tech_fall
//	  score_a: 15
//	  score_b: 0
//	  can_undo: true
//
// Every step is a match command, in the same shape the agent API accepts
// as JSON. A step with expect_error must be rejected with that error code;
// any other step must succeed. When competitors are given the match is
// started before the first step, otherwise a step must start it.
//
// # Deterministic Testing
//
// Every run uses a fresh engine on a fake clock pinned to testutil.Epoch,
// so repeated runs produce identical traces and golden snapshots.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/tech_fall.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
