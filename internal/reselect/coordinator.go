// internal/reselect/coordinator.go
package reselect

import (
	"go.uber.org/zap"
)

/*
 * Retry-time priority reselection.
 *
 * A Coordinator lives for one retry sequence (one original request). The
 * host retry loop calls it in a fixed order for each retry:
 *
 *   DetermineLoad -> (host picked from the load) -> HostAttempted -> ShouldRetry
 *
 * The first try uses the original load and only reports HostAttempted.
 * DetermineLoad is also skipped while preferred-host retries are pending,
 * since those go to the same host without consulting priorities.
 *
 * The first try is never a reselect. Later tries consume, in this order, the
 * preferred-host retries, the failover reselects (primary cluster) and the
 * last-resort reselects (secondary cluster of an aggregate). Budgets are
 * clamped on first use to the number of eligible hosts, where eligibility
 * honours temporary blocking (healthy only) and loop prevention (not listed
 * in the via header).
 *
 * The coordinator never refuses to route: when every level is exhausted it
 * hands back the original load.
 *
 * Not safe for concurrent use.
 */

// Outcome labels a DetermineLoad decision.
type Outcome string

const (
	OutcomeOriginal Outcome = "original"
	OutcomeCached   Outcome = "cached"
	OutcomeAdvanced Outcome = "advanced"
)

// Observer is told about every DetermineLoad decision.
type Observer func(Outcome)

type triedHost struct {
	address string
	counted bool
}

// Coordinator tracks one retry sequence.
type Coordinator struct {
	log      *zap.Logger
	observe  Observer
	blocking bool
	loopPrev bool
	via      []string

	prefRetries int
	failover    int
	lastResort  int

	remainingCurr int
	remainingNext int
	current       int
	next          int // -1 when not analysed

	excluded []bool
	load     Load
	invoked  bool
	ctx      *PrioritiesContext
	tried    []triedHost
}

// NewCoordinator starts a retry sequence under the given policy.
func NewCoordinator(policy Policy, log *zap.Logger, observe Observer) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		log:         log,
		observe:     observe,
		blocking:    policy.TemporaryBlocking,
		loopPrev:    policy.LoopPrevention,
		prefRetries: max(policy.PreferredHostRetries, 0),
		failover:    max(policy.FailoverReselects, 0),
		lastResort:  max(policy.LastResortReselects, 0),
		next:        -1,
	}
}

// PreferredHostRetries returns the preferred-host retries still pending.
func (c *Coordinator) PreferredHostRetries() int {
	return c.prefRetries
}

// Context returns the priorities context, nil before the first DetermineLoad.
func (c *Coordinator) Context() *PrioritiesContext {
	return c.ctx
}

// CurrentPriority returns the level reselects are currently drawn from.
func (c *Coordinator) CurrentPriority() int {
	return c.current
}

// HostAttempted records an attempt against the host at address.
func (c *Coordinator) HostAttempted(address string) {
	c.log.Debug("host attempted",
		zap.String("host", address),
		zap.Int("preferred_host_retries", c.prefRetries),
		zap.Int("failover_reselects", c.failover),
		zap.Int("last_resort_reselects", c.lastResort))

	if len(c.tried) == 0 {
		c.remember(address)
		if c.prefRetries == 0 && c.remainingCurr > 0 {
			c.remainingCurr--
		}
		return
	}
	if c.prefRetries > 0 {
		c.remember(address)
		c.prefRetries--
		return
	}

	if c.remainingCurr > 0 {
		c.remainingCurr--
	}
	switch {
	case c.failover > 0:
		c.failover--
		// the primary cluster is used up
		if c.failover > 0 && c.remainingCurr == 0 && c.ctx != nil && c.current == c.ctx.LastPrimary {
			c.failover = 0
		}
	case c.lastResort > 0:
		c.lastResort--
	}
}

func (c *Coordinator) remember(address string) {
	for _, t := range c.tried {
		if t.address == address {
			return
		}
	}
	c.tried = append(c.tried, triedHost{address: address})
}

// ShouldRetry reports whether another attempt should be armed.
func (c *Coordinator) ShouldRetry() bool {
	verdict := false
	if c.prefRetries > 0 {
		verdict = true
	}
	// nothing analysed yet; the first reselect computes the context
	if c.ctx == nil && !c.invoked && (c.failover > 0 || c.lastResort > 0) {
		verdict = true
	}
	if c.remainingCurr > 0 && c.budgetFor(c.current) {
		verdict = true
	}
	if c.next >= 0 && c.remainingNext > 0 && c.budgetFor(c.next) {
		verdict = true
	}
	c.log.Debug("should retry",
		zap.Bool("verdict", verdict),
		zap.Int("current_priority", c.current),
		zap.Int("remaining_current", c.remainingCurr),
		zap.Int("next_priority", c.next),
		zap.Int("remaining_next", c.remainingNext))
	return verdict
}

func (c *Coordinator) budgetFor(level int) bool {
	if c.ctx != nil && c.ctx.hasLastResort() {
		if level >= c.ctx.LastResortStart {
			return c.lastResort > 0
		}
		return c.failover > 0
	}
	return c.failover > 0 || c.lastResort > 0
}

// DetermineLoad returns the priority load for the next attempt. via lists
// the hosts named in the request's via header.
func (c *Coordinator) DetermineLoad(set PrioritySet, original Load, via []string) Load {
	if !c.invoked {
		start := -1
		for p, l := range original.Healthy {
			if l != 0 {
				start = p
				break
			}
		}
		if start < 0 || len(set) == 0 || len(set[0]) == 0 {
			c.log.Debug("no usable start priority, keeping original load", zap.Stringer("load", original))
			c.invoked = true
			return c.decided(OutcomeOriginal, original)
		}
		c.excluded = make([]bool, len(set))
		c.ctx = newPrioritiesContext(set, start)
		c.current = start
		if c.loopPrev {
			if len(via) == 0 {
				c.loopPrev = false
			}
			c.via = via
		}
		c.clampBudgets(set)
	}

	skip := c.shouldSkipToLastResort()
	if c.remainingCurr > 0 && !skip {
		return c.decided(OutcomeCached, c.load)
	}

	if c.invoked {
		c.log.Debug("priority level exhausted", zap.Int("priority", c.current))
	}
	c.remainingCurr = 0
	c.determineNextPriority(set, skip)
	c.invoked = true

	if !c.adjustForAttemptedPriorities(set) {
		return c.decided(OutcomeOriginal, original)
	}
	return c.decided(OutcomeAdvanced, c.load)
}

func (c *Coordinator) decided(o Outcome, load Load) Load {
	if c.observe != nil {
		c.observe(o)
	}
	c.log.Debug("priority load", zap.String("outcome", string(o)), zap.Stringer("load", load))
	return load
}

// clampBudgets bounds the reselect budgets by the eligible host counts of
// each cluster. The first try takes one host only if that host was healthy.
func (c *Coordinator) clampBudgets(set PrioritySet) {
	first := c.firstTryLevel(set)
	primary, lastResort := 0, 0
	for p, level := range set {
		if p < c.ctx.Start || len(level) == 0 {
			continue
		}
		n := c.countHosts(level) - c.triedEligible(set, p)
		if p == first {
			n--
		}
		n = max(n, 0)
		if c.ctx.hasLastResort() && p >= c.ctx.LastResortStart {
			lastResort += n
		} else {
			primary += n
		}
	}
	c.failover = min(c.failover, primary)
	if c.ctx.hasLastResort() {
		c.lastResort = min(c.lastResort, lastResort)
	} else {
		c.lastResort = 0
	}
}

// firstTryLevel returns the level of the host the first try went to when
// that host is healthy and eligible, else -1. An unreported first try was
// drawn from the start level.
func (c *Coordinator) firstTryLevel(set PrioritySet) int {
	if len(c.tried) == 0 {
		for _, h := range set[c.ctx.Start] {
			if h.Health == Healthy && c.eligible(h) {
				return c.ctx.Start
			}
		}
		return -1
	}
	addr := c.tried[0].address
	p, ok := set.PriorityOf(addr)
	if !ok || p < c.ctx.Start {
		return -1
	}
	if h, ok := hostAt(set[p], addr); ok && h.Health == Healthy && c.eligible(h) {
		return p
	}
	return -1
}

func (c *Coordinator) shouldSkipToLastResort() bool {
	if !c.invoked || c.ctx == nil {
		return false
	}
	return c.prefRetries == 0 && !c.ctx.AdjustedForLastResort && c.lastResort > 0 && c.failover == 0
}

func (c *Coordinator) determineNextPriority(set PrioritySet, skip bool) {
	if c.next >= 0 && !skip {
		c.remainingCurr = c.remainingNext
		c.current = c.next
	} else {
		from := c.current
		if c.invoked {
			from++
		}
		c.current, c.remainingCurr = c.findNextPriority(set, from, skip)
	}
	for p := 0; p < c.current && p < len(c.excluded); p++ {
		c.excluded[p] = true
	}

	c.next, c.remainingNext = c.findNextPriority(set, c.current+1, false)
}

// findNextPriority returns the first level at or after start with eligible
// untried hosts, and their number. The result is len(set) when none is left.
func (c *Coordinator) findNextPriority(set PrioritySet, start int, skip bool) (int, int) {
	if skip {
		if c.ctx.hasLastResort() {
			start = c.ctx.LastResortStart
		} else {
			start = c.current
		}
	}

	remaining := 0
	for remaining == 0 && start < len(set) {
		if len(set[start]) == 0 {
			start++
			continue
		}
		remaining = max(c.countHosts(set[start])-c.alreadyTried(set, start), 0)
		if remaining == 0 {
			start++
		}
	}

	if skip && c.ctx.hasLastResort() && start >= c.ctx.LastResortStart {
		c.failover = 0
		c.ctx.AdjustedForLastResort = true
	}
	return start, remaining
}

// countHosts counts the eligible hosts of a level.
func (c *Coordinator) countHosts(level []Host) int {
	n := 0
	for _, h := range level {
		if c.eligible(h) {
			n++
		}
	}
	return n
}

func (c *Coordinator) eligible(h Host) bool {
	if c.blocking && h.Health != Healthy {
		return false
	}
	if c.loopPrev && c.inVia(h) {
		return false
	}
	return true
}

func (c *Coordinator) inVia(h Host) bool {
	for _, v := range c.via {
		if v == h.Name || v == h.Address {
			return true
		}
	}
	return false
}

// alreadyTried returns how many remembered hosts sit at level p and still
// count against its eligible hosts. Each remembered host is counted once.
func (c *Coordinator) alreadyTried(set PrioritySet, p int) int {
	n := 0
	for i := range c.tried {
		t := &c.tried[i]
		if t.counted {
			continue
		}
		if prio, ok := set.PriorityOf(t.address); !ok || prio != p {
			continue
		}
		t.counted = true
		if h, ok := hostAt(set[p], t.address); ok && c.eligible(h) {
			n++
		}
	}
	return n
}

// triedEligible is alreadyTried without marking hosts as counted. The first
// try is left to firstTryLevel.
func (c *Coordinator) triedEligible(set PrioritySet, p int) int {
	n := 0
	for i, t := range c.tried {
		if i == 0 {
			continue
		}
		if h, ok := hostAt(set[p], t.address); ok && c.eligible(h) {
			n++
		}
	}
	return n
}

func hostAt(level []Host, address string) (Host, bool) {
	for _, h := range level {
		if h.Address == address {
			return h, true
		}
	}
	return Host{}, false
}
