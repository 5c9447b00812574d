// internal/rules/evaluate.go
package rules

import (
	"sort"
	"strings"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Condition evaluation.
 *
 * A condition is a tree of connectives (and/or/not) over leaf tests:
 *   - op_equals: same-kind equality of two terms (see Equal)
 *   - op_exists: header or query parameter present; a string variable must
 *     be non-empty, any other variable must be bound
 *   - op_isempty: header absent or all its values empty; query parameter
 *     absent or empty; variable unbound, "", or an empty object or array
 *   - op_isvalidjson: the request or response body parses as JSON
 *   - term_boolean / term_var: constant, or a variable holding true
 *
 * And/or operands are evaluated in ascending cost order (cost.go) with
 * short-circuit. Conditions have no side effects, so the order does not
 * change the result.
 *
 * Evaluation never fails: unreadable inputs make the leaf false.
 */

// Env gives conditions read access to the message being screened.
type Env interface {
	Var(name string) (Value, bool)
	ReqHeader(name string) []string
	RespHeader(name string) []string
	QueryParam(name string) (string, bool)
	BodyIsValidJSON(request bool) bool
}

type condOp int

const (
	condAnd condOp = iota
	condOr
	condNot
	condEquals
	condExists
	condIsEmpty
	condIsValidJSON
	condConst
	condVar
)

// Cond is a compiled condition node.
type Cond struct {
	op       condOp
	children []*Cond
	left     Term
	right    Term
	request  bool // op_isvalidjson: request body, else response body
	constant bool
	name     string
	cost     int
}

type termKind int

const (
	termConst termKind = iota
	termVar
	termReqHeader
	termRespHeader
	termQueryParam
)

// Term is a compiled operand.
type Term struct {
	kind  termKind
	value Value  // termConst
	name  string // variable, header or parameter name
}

func compileCondition(c types.Condition) (*Cond, error) {
	var out *Cond
	set := 0

	if c.And != nil {
		set++
		out = &Cond{op: condAnd}
	}
	if c.Or != nil {
		set++
		out = &Cond{op: condOr}
	}
	if out != nil {
		src := c.And
		if out.op == condOr {
			src = c.Or
		}
		if len(src) == 0 {
			return nil, types.ErrInvalidCondition
		}
		for _, child := range src {
			cc, err := compileCondition(child)
			if err != nil {
				return nil, err
			}
			out.children = append(out.children, cc)
		}
		// Stable: equal-cost operands keep configuration order.
		sort.SliceStable(out.children, func(i, j int) bool {
			return out.children[i].cost < out.children[j].cost
		})
	}
	if c.Not != nil {
		set++
		cc, err := compileCondition(*c.Not)
		if err != nil {
			return nil, err
		}
		out = &Cond{op: condNot, children: []*Cond{cc}}
	}
	if c.Equals != nil {
		set++
		l, err := compileTerm(c.Equals.Left)
		if err != nil {
			return nil, err
		}
		r, err := compileTerm(c.Equals.Right)
		if err != nil {
			return nil, err
		}
		out = &Cond{op: condEquals, left: l, right: r}
	}
	if c.Exists != nil {
		set++
		t, err := compileTerm(*c.Exists)
		if err != nil {
			return nil, err
		}
		out = &Cond{op: condExists, left: t}
	}
	if c.IsEmpty != nil {
		set++
		t, err := compileTerm(*c.IsEmpty)
		if err != nil {
			return nil, err
		}
		out = &Cond{op: condIsEmpty, left: t}
	}
	if c.IsValidJSON != nil {
		set++
		if c.IsValidJSON.RequestBody == c.IsValidJSON.ResponseBody {
			return nil, types.ErrInvalidCondition
		}
		out = &Cond{op: condIsValidJSON, request: c.IsValidJSON.RequestBody}
	}
	if c.Boolean != nil {
		set++
		out = &Cond{op: condConst, constant: *c.Boolean}
	}
	if c.Var != "" {
		set++
		out = &Cond{op: condVar, name: c.Var}
	}

	if set != 1 {
		return nil, types.ErrInvalidCondition
	}
	out.cost = conditionCost(out)
	return out, nil
}

func compileTerm(t types.Term) (Term, error) {
	var out Term
	set := 0
	if t.String != nil {
		set++
		out = Term{kind: termConst, value: StringValue(*t.String)}
	}
	if t.Number != nil {
		set++
		out = Term{kind: termConst, value: NumberValue(*t.Number)}
	}
	if t.Boolean != nil {
		set++
		out = Term{kind: termConst, value: BoolValue(*t.Boolean)}
	}
	if t.Var != "" {
		set++
		out = Term{kind: termVar, name: t.Var}
	}
	if t.ReqHeader != "" {
		set++
		out = Term{kind: termReqHeader, name: strings.ToLower(t.ReqHeader)}
	}
	if t.RespHeader != "" {
		set++
		out = Term{kind: termRespHeader, name: strings.ToLower(t.RespHeader)}
	}
	if t.QueryParam != "" {
		set++
		out = Term{kind: termQueryParam, name: t.QueryParam}
	}
	if set != 1 {
		return Term{}, types.ErrInvalidTerm
	}
	return out, nil
}

// Evaluate reports whether c holds in env.
func (c *Cond) Evaluate(env Env) bool {
	switch c.op {
	case condAnd:
		for _, child := range c.children {
			if !child.Evaluate(env) {
				return false
			}
		}
		return true
	case condOr:
		for _, child := range c.children {
			if child.Evaluate(env) {
				return true
			}
		}
		return false
	case condNot:
		return !c.children[0].Evaluate(env)
	case condEquals:
		return Equal(c.left.resolve(env), c.right.resolve(env))
	case condExists:
		return exists(c.left, env)
	case condIsEmpty:
		return isEmpty(c.left, env)
	case condIsValidJSON:
		return env.BodyIsValidJSON(c.request)
	case condConst:
		return c.constant
	case condVar:
		v, ok := env.Var(c.name)
		return ok && v.Kind == KindBool && v.Bool
	}
	return false
}

// resolve returns the term value. Absent headers and parameters are undefined.
func (t Term) resolve(env Env) Value {
	switch t.kind {
	case termConst:
		return t.value
	case termVar:
		v, _ := env.Var(t.name)
		return v
	case termReqHeader:
		return headerValue(env.ReqHeader(t.name))
	case termRespHeader:
		return headerValue(env.RespHeader(t.name))
	case termQueryParam:
		if v, ok := env.QueryParam(t.name); ok {
			return StringValue(v)
		}
	}
	return Undefined()
}

func headerValue(values []string) Value {
	if len(values) == 0 {
		return Undefined()
	}
	return StringValue(strings.Join(values, ","))
}

// Match returns the index of the first rule at or after from whose
// condition holds.
func (fc *FilterCase) Match(env Env, from int) (int, bool) {
	for i := from; i < len(fc.Rules); i++ {
		if fc.Rules[i].Cond.Evaluate(env) {
			return i, true
		}
	}
	return -1, false
}
