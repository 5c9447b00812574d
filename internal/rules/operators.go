// internal/rules/operators.go
package rules

/*
 * Leaf operators that look past plain equality.
 *
 * op_exists and op_isempty are not complements: a header present with an
 * empty value both exists and is empty.
 */

// exists implements op_exists.
func exists(t Term, env Env) bool {
	switch t.kind {
	case termConst:
		return true
	case termReqHeader:
		return len(env.ReqHeader(t.name)) > 0
	case termRespHeader:
		return len(env.RespHeader(t.name)) > 0
	case termQueryParam:
		_, ok := env.QueryParam(t.name)
		return ok
	case termVar:
		v, ok := env.Var(t.name)
		if !ok {
			return false
		}
		if v.Kind == KindString {
			return v.Str != ""
		}
		return v.Defined()
	}
	return false
}

// isEmpty implements op_isempty.
func isEmpty(t Term, env Env) bool {
	switch t.kind {
	case termConst:
		return t.value.IsEmpty()
	case termReqHeader:
		return allEmpty(env.ReqHeader(t.name))
	case termRespHeader:
		return allEmpty(env.RespHeader(t.name))
	case termQueryParam:
		v, ok := env.QueryParam(t.name)
		return !ok || v == ""
	case termVar:
		v, _ := env.Var(t.name)
		return v.IsEmpty()
	}
	return true
}

// allEmpty is true for an absent header too.
func allEmpty(values []string) bool {
	for _, v := range values {
		if v != "" {
			return false
		}
	}
	return true
}
