// internal/engine/state.go
package engine

import (
	"fmt"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Interpreter state.
 *
 * The rule interpreter is a small state machine:
 *
 *   StartFilterCase -> LoadFilterData -> NextFilterRule -> ExecuteAction
 *        ^                                  ^   |              |
 *        |                                  |   v              |
 *        +---------------- goto ------------+  CaseDone <------+ exit
 *                                           +-- next rule -----+
 *
 * plus Paused (waiting for a lookup) and Stopped (no further evaluation for
 * the message). interpState is a value: every transition returns a new
 * state and never touches the old one, so transitions are tested without a
 * message.
 *
 * After the last action of a matched rule returns Next, evaluation goes on
 * with the rules after it. Goto chains are bounded by maxGotoDepth; a
 * configuration that keeps jumping ends the filter case.
 */

// maxGotoDepth bounds goto_filter_case jumps within one start filter case.
const maxGotoDepth = 64

type stepKind int

const (
	stepStartFilterCase stepKind = iota
	stepLoadFilterData
	stepNextFilterRule
	stepExecuteAction
	stepPaused
	stepCaseDone
	stepStopped
)

func (s stepKind) String() string {
	switch s {
	case stepStartFilterCase:
		return "start_filter_case"
	case stepLoadFilterData:
		return "load_filter_data"
	case stepNextFilterRule:
		return "next_filter_rule"
	case stepExecuteAction:
		return "execute_action"
	case stepPaused:
		return "paused"
	case stepCaseDone:
		return "case_done"
	case stepStopped:
		return "stopped"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// interpState is the cursor of the interpreter within one start filter case.
type interpState struct {
	step   stepKind
	fc     string // current filter case
	from   int    // first rule index still to evaluate
	rule   int    // matched rule
	action int    // action within the matched rule
	gotos  int    // goto jumps taken so far

	// loop is set when the goto bound ended the case.
	loop bool
}

// actionOutcome is what an action handler reports back to the interpreter.
type actionOutcome struct {
	result  types.ActionResult
	target  string // filter case for ActionGotoFC
	touched bool   // headers or query changed, filter data must be reloaded
}

func next() actionOutcome { return actionOutcome{result: types.ActionNext} }
func touched() actionOutcome { return actionOutcome{result: types.ActionNext, touched: true} }
func gotoCase(fc string) actionOutcome { return actionOutcome{result: types.ActionGotoFC, target: fc} }
func exitCase() actionOutcome { return actionOutcome{result: types.ActionExit} }
func stopIteration() actionOutcome { return actionOutcome{result: types.ActionStopIteration} }
func pauseIteration() actionOutcome { return actionOutcome{result: types.ActionPauseIteration} }
func gotoOrNext(fc string) actionOutcome { return gotoIf(fc, next()) }

func gotoIf(fc string, otherwise actionOutcome) actionOutcome {
	if fc == "" {
		return otherwise
	}
	return gotoCase(fc)
}

func startState(fc string) interpState {
	return interpState{step: stepStartFilterCase, fc: fc}
}

// enter moves from StartFilterCase to LoadFilterData.
func (s interpState) enter() interpState {
	s.step = stepLoadFilterData
	s.from, s.rule, s.action = 0, 0, 0
	return s
}

// loaded moves from LoadFilterData to rule selection.
func (s interpState) loaded() interpState {
	s.step = stepNextFilterRule
	return s
}

// matched selects rule i and positions at its first action.
func (s interpState) matched(i int) interpState {
	s.step = stepExecuteAction
	s.rule, s.action = i, 0
	return s
}

// exhausted ends the case because no further rule matches.
func (s interpState) exhausted() interpState {
	s.step = stepCaseDone
	return s
}

// apply moves past an executed action. actions is the number of actions of
// the matched rule.
func (s interpState) apply(out actionOutcome, actions int) interpState {
	switch out.result {
	case types.ActionNext:
		s.action++
		if s.action >= actions {
			s.step = stepNextFilterRule
			s.from = s.rule + 1
		}
	case types.ActionGotoFC:
		if s.gotos >= maxGotoDepth {
			s.step = stepCaseDone
			s.loop = true
			return s
		}
		s.gotos++
		s.fc = out.target
		s.step = stepStartFilterCase
	case types.ActionExit:
		s.step = stepCaseDone
	case types.ActionStopIteration:
		s.step = stepStopped
	case types.ActionPauseIteration:
		s.step = stepPaused
	}
	return s
}

// resume continues a paused state with the resolved lookup outcome. The
// lookup counts as the paused action.
func (s interpState) resume(out actionOutcome, actions int) interpState {
	if s.step != stepPaused {
		return s
	}
	if out.result == types.ActionPauseIteration {
		// a lookup never resolves to another pause
		out = next()
	}
	return s.apply(out, actions)
}

func (s interpState) done() bool {
	return s.step == stepCaseDone || s.step == stepStopped
}
