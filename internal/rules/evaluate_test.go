package rules

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

type mapEnv struct {
	vars      map[string]Value
	req, resp map[string][]string
	query     map[string]string
	reqJSON   bool
	respJSON  bool
}

func (e mapEnv) Var(name string) (Value, bool) {
	v, ok := e.vars[name]
	return v, ok
}
func (e mapEnv) ReqHeader(name string) []string { return e.req[name] }
func (e mapEnv) RespHeader(name string) []string { return e.resp[name] }
func (e mapEnv) QueryParam(name string) (string, bool) {
	v, ok := e.query[name]
	return v, ok
}
func (e mapEnv) BodyIsValidJSON(request bool) bool {
	if request {
		return e.reqJSON
	}
	return e.respJSON
}

func sp(s string) *string { return &s }
func bp(b bool) *bool { return &b }
func fp(f float64) *float64 { return &f }

func mustCondition(t *testing.T, c types.Condition) *Cond {
	t.Helper()
	cc, err := compileCondition(c)
	if err != nil {
		t.Fatalf("compileCondition() error = %v", err)
	}
	return cc
}

func TestEvaluate(t *testing.T) {
	env := mapEnv{
		vars: map[string]Value{
			"mnc":     StringValue("456"),
			"empty":   StringValue(""),
			"flag":    BoolValue(true),
			"count":   NumberValue(3),
			"list":    Coerce([]any{}),
			"boolstr": StringValue("true"),
		},
		req: map[string][]string{
			"x-multi":    {"a", "b"},
			"x-blank":    {""},
			":authority": {"nrf.example.com"},
		},
		resp:    map[string][]string{"server": {"scp"}},
		query:   map[string]string{"target-nf-type": "UDM", "e": ""},
		reqJSON: true,
	}

	tests := []struct {
		name string
		cond types.Condition
		want bool
	}{
		{
			name: "var equals string",
			cond: types.Condition{Equals: &types.BinaryOp{Left: types.Term{Var: "mnc"}, Right: types.Term{String: sp("456")}}},
			want: true,
		},
		{
			name: "joined header equals",
			cond: types.Condition{Equals: &types.BinaryOp{Left: types.Term{ReqHeader: "X-Multi"}, Right: types.Term{String: sp("a,b")}}},
			want: true,
		},
		{
			name: "number tolerance",
			cond: types.Condition{Equals: &types.BinaryOp{Left: types.Term{Var: "count"}, Right: types.Term{Number: fp(3.05)}}},
			want: true,
		},
		{
			name: "string var never equals boolean",
			cond: types.Condition{Equals: &types.BinaryOp{Left: types.Term{Var: "boolstr"}, Right: types.Term{Boolean: bp(true)}}},
			want: false,
		},
		{
			name: "undefined var never equals empty string",
			cond: types.Condition{Equals: &types.BinaryOp{Left: types.Term{Var: "nope"}, Right: types.Term{String: sp("")}}},
			want: false,
		},
		{
			name: "absent header never equals",
			cond: types.Condition{Equals: &types.BinaryOp{Left: types.Term{ReqHeader: "x-none"}, Right: types.Term{String: sp("")}}},
			want: false,
		},
		{
			name: "exists empty string var",
			cond: types.Condition{Exists: &types.Term{Var: "empty"}},
			want: false,
		},
		{
			name: "exists blank header",
			cond: types.Condition{Exists: &types.Term{ReqHeader: "x-blank"}},
			want: true,
		},
		{
			name: "isempty blank header",
			cond: types.Condition{IsEmpty: &types.Term{ReqHeader: "x-blank"}},
			want: true,
		},
		{
			name: "isempty absent header",
			cond: types.Condition{IsEmpty: &types.Term{RespHeader: "x-none"}},
			want: true,
		},
		{
			name: "isempty empty array var",
			cond: types.Condition{IsEmpty: &types.Term{Var: "list"}},
			want: true,
		},
		{
			name: "isempty empty query param",
			cond: types.Condition{IsEmpty: &types.Term{QueryParam: "e"}},
			want: true,
		},
		{
			name: "query param equals",
			cond: types.Condition{Equals: &types.BinaryOp{Left: types.Term{QueryParam: "target-nf-type"}, Right: types.Term{String: sp("UDM")}}},
			want: true,
		},
		{
			name: "valid json request",
			cond: types.Condition{IsValidJSON: &types.JSONValidity{RequestBody: true}},
			want: true,
		},
		{
			name: "valid json response",
			cond: types.Condition{IsValidJSON: &types.JSONValidity{ResponseBody: true}},
			want: false,
		},
		{
			name: "bool var",
			cond: types.Condition{Var: "flag"},
			want: true,
		},
		{
			name: "and or not",
			cond: types.Condition{And: []types.Condition{
				{Or: []types.Condition{{Boolean: bp(false)}, {Exists: &types.Term{RespHeader: "server"}}}},
				{Not: &types.Condition{Var: "missing"}},
			}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustCondition(t, tt.cond).Evaluate(env); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileConditionErrors(t *testing.T) {
	tests := []struct {
		name    string
		cond    types.Condition
		wantErr error
	}{
		{"empty", types.Condition{}, types.ErrInvalidCondition},
		{"two operators", types.Condition{Boolean: bp(true), Var: "x"}, types.ErrInvalidCondition},
		{"empty and", types.Condition{And: []types.Condition{}}, types.ErrInvalidCondition},
		{"term with two kinds", types.Condition{Exists: &types.Term{Var: "a", ReqHeader: "b"}}, types.ErrInvalidTerm},
		{"isvalidjson both bodies", types.Condition{IsValidJSON: &types.JSONValidity{RequestBody: true, ResponseBody: true}}, types.ErrInvalidCondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := compileCondition(tt.cond); err != tt.wantErr {
				t.Errorf("compileCondition() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConditionCostOrdering(t *testing.T) {
	c := mustCondition(t, types.Condition{And: []types.Condition{
		{IsValidJSON: &types.JSONValidity{RequestBody: true}},
		{Exists: &types.Term{ReqHeader: "a"}},
		{Boolean: bp(true)},
		{Exists: &types.Term{Var: "v"}},
	}})
	want := []condOp{condConst, condExists, condExists, condIsValidJSON}
	for i, child := range c.children {
		if child.op != want[i] {
			t.Fatalf("child %d op = %v, want %v", i, child.op, want[i])
		}
	}
	if c.children[1].left.kind != termVar {
		t.Errorf("variable test should run before header test")
	}
}

// Property: moving rules whose condition is false ahead of the others
// never changes which rule is selected.
func TestRuleSelectionDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	env := mapEnv{vars: map[string]Value{"a": StringValue("1"), "b": StringValue("2")}}

	// Rule conditions: true when outcome[i] is set.
	build := func(outcomes []bool) *FilterCase {
		fc := &FilterCase{Name: "fc"}
		for i, o := range outcomes {
			want := "1"
			if !o {
				want = "x"
			}
			cond := mustCondition(t, types.Condition{Equals: &types.BinaryOp{
				Left:  types.Term{Var: "a"},
				Right: types.Term{String: sp(want)},
			}})
			fc.Rules = append(fc.Rules, &Rule{Name: string(rune('a' + i)), Cond: cond})
		}
		return fc
	}

	properties.Property("false rules moved forward do not change selection", prop.ForAll(
		func(outcomes []bool, pick int) bool {
			fc := build(outcomes)
			first, ok := fc.Match(env, 0)

			// Same case, evaluated twice.
			again, ok2 := fc.Match(env, 0)
			if first != again || ok != ok2 {
				return false
			}

			var falseIdx []int
			for i, o := range outcomes {
				if !o {
					falseIdx = append(falseIdx, i)
				}
			}
			if len(falseIdx) == 0 {
				return true
			}
			moved := falseIdx[pick%len(falseIdx)]

			reordered := &FilterCase{Name: "fc", Rules: []*Rule{fc.Rules[moved]}}
			for i, r := range fc.Rules {
				if i != moved {
					reordered.Rules = append(reordered.Rules, r)
				}
			}
			idx, ok3 := reordered.Match(env, 0)
			if ok != ok3 {
				return false
			}
			return !ok || reordered.Rules[idx].Name == fc.Rules[first].Name
		},
		gen.SliceOfN(8, gen.Bool()),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
