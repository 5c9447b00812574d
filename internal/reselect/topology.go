// Package reselect decides which priority level a retry should be sent to
// when the previous upstream attempt failed.
package reselect

import (
	"fmt"
	"strings"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// Health is the coarse health of an upstream host.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("Health(%d)", int(h))
}

// ParseHealth parses a health name; the empty string is healthy.
func ParseHealth(s string) (Health, error) {
	switch strings.ToLower(s) {
	case "", "healthy":
		return Healthy, nil
	case "degraded":
		return Degraded, nil
	case "unhealthy":
		return Unhealthy, nil
	}
	return 0, fmt.Errorf("health %q: %w", s, types.ErrUnknownEnum)
}

// UnmarshalYAML accepts the health by name.
func (h *Health) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseHealth(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Host is one upstream endpoint of a cluster.
type Host struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Cluster string `yaml:"cluster"`
	Health  Health `yaml:"health"`
}

// PrioritySet holds the hosts of each priority level; the index is the
// priority. A level may be empty after a topology update.
type PrioritySet [][]Host

// PriorityOf returns the level holding a host with the given address.
func (s PrioritySet) PriorityOf(address string) (int, bool) {
	for p, level := range s {
		for _, h := range level {
			if h.Address == address {
				return p, true
			}
		}
	}
	return 0, false
}

// lastHost returns the last host of a level; levels are checked non-empty
// by the caller.
func (s PrioritySet) lastHost(p int) Host {
	return s[p][len(s[p])-1]
}

// Load is the share of traffic, in percent, each priority level receives.
type Load struct {
	Healthy  []int
	Degraded []int
}

func newLoad(n int) Load {
	return Load{Healthy: make([]int, n), Degraded: make([]int, n)}
}

func (l Load) String() string {
	return fmt.Sprintf("healthy %v degraded %v", l.Healthy, l.Degraded)
}

// OriginalLoad is the load a host applies without reselection: everything
// on the first level with a healthy host, else the first with a degraded
// one.
func OriginalLoad(set PrioritySet) Load {
	load := newLoad(len(set))
	for _, want := range []Health{Healthy, Degraded} {
		for p, level := range set {
			for _, h := range level {
				if h.Health != want {
					continue
				}
				if want == Healthy {
					load.Healthy[p] = 100
				} else {
					load.Degraded[p] = 100
				}
				return load
			}
		}
	}
	return load
}

// Policy is the static retry configuration of a route.
type Policy struct {
	PreferredHostRetries int  `yaml:"preferred_host_retries"`
	FailoverReselects    int  `yaml:"failover_reselects"`
	LastResortReselects  int  `yaml:"last_resort_reselects"`
	TemporaryBlocking    bool `yaml:"temporary_blocking"`
	LoopPrevention       bool `yaml:"loop_prevention"`
}

// PrioritiesContext records the cluster boundaries of a retry sequence.
// LastResortStart is -1 when only one cluster is present.
type PrioritiesContext struct {
	Start                 int
	LastPrimary           int
	LastResortStart       int
	LastResortEnd         int
	AdjustedForLastResort bool
}

func newPrioritiesContext(set PrioritySet, start int) *PrioritiesContext {
	ctx := &PrioritiesContext{Start: start, LastPrimary: len(set) - 1, LastResortStart: -1, LastResortEnd: -1}
	primary := set.lastHost(0).Cluster
	for p, level := range set {
		if len(level) == 0 {
			continue
		}
		if set.lastHost(p).Cluster != primary {
			if ctx.LastResortStart < 0 {
				ctx.LastResortStart = p
			}
			ctx.LastResortEnd = p
			continue
		}
		if ctx.LastResortStart < 0 {
			ctx.LastPrimary = p
		}
	}
	return ctx
}

// hasLastResort reports whether a last-resort cluster was found.
func (c *PrioritiesContext) hasLastResort() bool {
	return c.LastResortStart >= 0
}
