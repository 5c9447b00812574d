// internal/reselect/load.go
package reselect

/*
 * Load recomputation over the non-excluded priority levels.
 *
 * Each level weighs its healthy and degraded host counts. Availability is
 * the sum of weights capped at 100. With zero availability the exclusions
 * are lifted and the sum taken again, once. If it is still zero the caller
 * keeps the original load.
 *
 * 100 points are then handed out proportionally with integer division,
 * healthy levels before degraded ones, and the pass repeats until all 100
 * are placed; remainders therefore land on the earliest levels.
 */

func (c *Coordinator) adjustForAttemptedPriorities(set PrioritySet) bool {
	healthy := make([]int, len(set))
	degraded := make([]int, len(set))
	for p, level := range set {
		for _, h := range level {
			switch h.Health {
			case Healthy:
				healthy[p]++
			case Degraded:
				degraded[p]++
			case Unhealthy:
			}
		}
	}

	adjHealthy := make([]int, len(set))
	adjDegraded := make([]int, len(set))
	total := c.adjustedAvailability(healthy, degraded, adjHealthy, adjDegraded)
	if total == 0 {
		for p := range c.excluded {
			c.excluded[p] = false
		}
		total = c.adjustedAvailability(healthy, degraded, adjHealthy, adjDegraded)
	}
	if total == 0 {
		return false
	}

	c.load = distributeLoad(adjHealthy, adjDegraded, total)
	return true
}

func (c *Coordinator) adjustedAvailability(healthy, degraded, adjHealthy, adjDegraded []int) int {
	total := 0
	for p := range healthy {
		if p < len(c.excluded) && c.excluded[p] {
			adjHealthy[p], adjDegraded[p] = 0, 0
			continue
		}
		adjHealthy[p], adjDegraded[p] = healthy[p], degraded[p]
		total += healthy[p] + degraded[p]
	}
	return min(total, 100)
}

// distributeLoad spreads 100 points over the weights; total must be positive
// and not exceed the sum of weights.
func distributeLoad(healthy, degraded []int, total int) Load {
	load := newLoad(len(healthy))
	left := 100
	for left != 0 {
		for p, w := range healthy {
			delta := min(left, w*100/total)
			load.Healthy[p] += delta
			left -= delta
		}
		for p, w := range degraded {
			delta := min(left, w*100/total)
			load.Degraded[p] += delta
			left -= delta
		}
	}
	return load
}
