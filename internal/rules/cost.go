// internal/rules/cost.go
package rules

/*
 * Cost model for condition evaluation.
 *
 * And/or operands run cheapest first so short-circuit skips the expensive
 * ones. Costs are relative:
 *   - constants are free
 *   - variable reads are map lookups
 *   - header and query reads scan a small list
 *   - op_isvalidjson may parse the whole body
 *
 * A connective costs the sum of its operands.
 */

const (
	CostConst       = 0
	CostVar         = 1
	CostHeader      = 2
	CostQueryParam  = 3
	CostIsValidJSON = 64
)

func conditionCost(c *Cond) int {
	switch c.op {
	case condAnd, condOr, condNot:
		total := 0
		for _, child := range c.children {
			total += child.cost
		}
		return total
	case condEquals:
		return termCost(c.left) + termCost(c.right)
	case condExists, condIsEmpty:
		return termCost(c.left)
	case condIsValidJSON:
		return CostIsValidJSON
	case condVar:
		return CostVar
	}
	return CostConst
}

func termCost(t Term) int {
	switch t.kind {
	case termVar:
		return CostVar
	case termReqHeader, termRespHeader:
		return CostHeader
	case termQueryParam:
		return CostQueryParam
	}
	return CostConst
}
