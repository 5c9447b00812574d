// internal/selection/selector.go
package selection

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Endpoint selection over a parsed discovery result.
 *
 * Endpoints are grouped by priority (0 is preferred). Within a level the
 * choice is a weighted draw: weights are capacities, the draw is uniform
 * over [1, total] against the cumulative weight table. A level where every
 * capacity is zero falls back to a uniform draw over its endpoints.
 *
 * The random source is injected so tests can seed it. A Selector may be
 * shared between streams; draws are serialized.
 */

// Rand is the random source used for weighted draws.
type Rand interface {
	Int63n(n int64) int64
}

// Selector draws endpoints from discovery results.
type Selector struct {
	mu  sync.Mutex
	rnd Rand
}

// NewSelector returns a Selector drawing from rnd. A nil rnd is seeded from
// the clock.
func NewSelector(rnd Rand) *Selector {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{rnd: rnd}
}

// Selected is the result of a single-target selection.
type Selected struct {
	Host         string // host:port
	NfSetID      string
	NfInstanceID string
	Priority     uint64
}

// SelectOnPriority picks one endpoint from the best priority level. A
// preferred host present in that level wins without a draw.
func (s *Selector) SelectOnPriority(d *Discovery, ipv types.IPVersion, preferred string) (Selected, error) {
	eps, err := d.endpoints(filter{ipVersion: ipv})
	if err != nil {
		return Selected{}, err
	}
	levels := byPriority(eps)
	if len(levels) == 0 {
		return Selected{}, types.ErrEmptyDiscovery
	}
	best := levels[0]

	if preferred != "" {
		for _, ep := range best {
			if ep.Instance.Hostname == preferred {
				return selected(ep), nil
			}
		}
	}
	if len(best) == 1 {
		return selected(best[0]), nil
	}
	return selected(best[s.pick(best)]), nil
}

// RemoteOptions configures target list construction for remote routing.
type RemoteOptions struct {
	Reselections int
	Retries      *int   // preferred TaR retries; nil means no preferred entries
	PreferredTaR string // repeated Retries+1 times at the head of the list
	NfSetID      string // restrict to one NF set
	IPVersion    types.IPVersion
}

// SelectTargets returns an ordered list of target-api-roots. Each priority
// level is consumed in turn by weighted draws without replacement.
func (s *Selector) SelectTargets(d *Discovery, opts RemoteOptions) ([]string, error) {
	eps, err := d.endpoints(filter{
		ipVersion: opts.IPVersion,
		nfSetID:   opts.NfSetID,
		skipTaR:   opts.PreferredTaR,
		byTaR:     true,
	})
	if err != nil {
		return nil, err
	}

	limit := opts.Reselections + 1
	var out []string
	if opts.PreferredTaR != "" {
		n := 1
		if opts.Retries != nil {
			n = *opts.Retries + 1
			limit += *opts.Retries
		}
		for i := 0; i < n; i++ {
			out = append(out, opts.PreferredTaR)
		}
	}

	for _, level := range byPriority(eps) {
		pool := append([]Endpoint(nil), level...)
		for len(pool) > 0 && len(out) < limit {
			i := 0
			if len(pool) > 1 {
				i = s.pick(pool)
			}
			out = append(out, pool[i].TaR)
			pool = append(pool[:i], pool[i+1:]...)
		}
	}
	if len(out) == 0 {
		return nil, types.ErrEmptyDiscovery
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// pick returns the index of a weighted draw over eps.
func (s *Selector) pick(eps []Endpoint) int {
	var total int64
	for _, ep := range eps {
		total += int64(ep.Capacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if total == 0 {
		return int(s.rnd.Int63n(int64(len(eps))))
	}
	draw := s.rnd.Int63n(total) + 1
	var acc int64
	for i, ep := range eps {
		acc += int64(ep.Capacity)
		if draw <= acc {
			return i
		}
	}
	return len(eps) - 1
}

// byPriority groups endpoints by priority, best first, keeping response
// order inside a level.
func byPriority(eps []Endpoint) [][]Endpoint {
	idx := make(map[uint64]int)
	var prios []uint64
	var levels [][]Endpoint
	for _, ep := range eps {
		i, ok := idx[ep.Priority]
		if !ok {
			i = len(levels)
			idx[ep.Priority] = i
			prios = append(prios, ep.Priority)
			levels = append(levels, nil)
		}
		levels[i] = append(levels[i], ep)
	}
	order := make([]int, len(levels))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return prios[order[a]] < prios[order[b]] })

	out := make([][]Endpoint, len(levels))
	for i, j := range order {
		out[i] = levels[j]
	}
	return out
}

func selected(ep Endpoint) Selected {
	return Selected{
		Host:         ep.Instance.Hostname,
		NfSetID:      ep.Instance.NfSetID,
		NfInstanceID: ep.Instance.NfInstanceID,
		Priority:     ep.Priority,
	}
}
