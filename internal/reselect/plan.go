// internal/reselect/plan.go
package reselect

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Offline planning: drive a Coordinator the way a host retry loop does,
 * against a described topology, and record every attempt.
 *
 * Host choice inside a level is deterministic: the level with the largest
 * load share wins (lowest index on ties), then the first untried usable
 * host, then the first untried host, then the first host.
 */

// maxPlanAttempts bounds a plan regardless of policy.
const maxPlanAttempts = 64

// Topology describes one retry sequence to plan.
type Topology struct {
	Policy        Policy   `yaml:"policy"`
	Priorities    [][]Host `yaml:"priorities"`
	PreferredHost string   `yaml:"preferred_host"`
	Failing       []string `yaml:"failing"`
	Via           []string `yaml:"via"`
}

// Attempt is one try within a plan.
type Attempt struct {
	Host      Host
	Priority  int
	Preferred bool // a preferred-host try, not a reselect
	Load      Load
	Failed    bool
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that hosts have unique addresses and that referenced
// hosts exist.
func (t *Topology) Validate() error {
	if len(t.Priorities) == 0 {
		return fmt.Errorf("topology has no priorities: %w", types.ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for p, level := range t.Priorities {
		for _, h := range level {
			if h.Address == "" {
				return fmt.Errorf("priority %d: host %q has no address: %w", p, h.Name, types.ErrInvalidConfig)
			}
			if seen[h.Address] {
				return fmt.Errorf("priority %d: duplicate address %s: %w", p, h.Address, types.ErrInvalidConfig)
			}
			seen[h.Address] = true
		}
	}
	if t.PreferredHost != "" && !seen[t.PreferredHost] {
		return fmt.Errorf("preferred host %s not in topology: %w", t.PreferredHost, types.ErrInvalidConfig)
	}
	for _, f := range t.Failing {
		if !seen[f] {
			return fmt.Errorf("failing host %s not in topology: %w", f, types.ErrInvalidConfig)
		}
	}
	return nil
}

// Plan runs the retry sequence and returns the attempts in order.
func Plan(t *Topology, log *zap.Logger, observe Observer) []Attempt {
	set := PrioritySet(t.Priorities)
	original := OriginalLoad(set)
	coord := NewCoordinator(t.Policy, log, observe)

	failing := make(map[string]bool, len(t.Failing))
	for _, f := range t.Failing {
		failing[f] = true
	}
	attempted := make(map[string]bool)

	var sticky Host
	if t.PreferredHost != "" {
		p, _ := set.PriorityOf(t.PreferredHost)
		sticky, _ = hostAt(set[p], t.PreferredHost)
	}

	var out []Attempt
	for i := 0; i < maxPlanAttempts; i++ {
		var a Attempt
		switch {
		case i == 0 && t.PreferredHost != "":
			a = Attempt{Host: sticky, Preferred: true, Load: original}
		case i == 0:
			h, ok := pickHost(set, original, attempted, t.Via)
			if !ok {
				return nil
			}
			a = Attempt{Host: h, Load: original}
		case coord.PreferredHostRetries() > 0:
			a = Attempt{Host: sticky, Preferred: true, Load: original}
		default:
			load := coord.DetermineLoad(set, original, t.Via)
			h, ok := pickHost(set, load, attempted, t.Via)
			if !ok {
				return out
			}
			a = Attempt{Host: h, Load: load}
		}
		if i == 0 && t.PreferredHost == "" {
			sticky = a.Host
		}
		a.Priority, _ = set.PriorityOf(a.Host.Address)
		a.Failed = failing[a.Host.Address]

		coord.HostAttempted(a.Host.Address)
		attempted[a.Host.Address] = true
		out = append(out, a)

		if !a.Failed || !coord.ShouldRetry() {
			break
		}
	}
	return out
}

func pickHost(set PrioritySet, load Load, attempted map[string]bool, via []string) (Host, bool) {
	level, best := -1, 0
	for p := range set {
		share := 0
		if p < len(load.Healthy) {
			share += load.Healthy[p]
		}
		if p < len(load.Degraded) {
			share += load.Degraded[p]
		}
		if share > best && len(set[p]) > 0 {
			level, best = p, share
		}
	}
	if level < 0 {
		return Host{}, false
	}

	hosts := set[level]
	for _, h := range hosts {
		if !attempted[h.Address] && h.Health != Unhealthy && !listed(via, h) {
			return h, true
		}
	}
	for _, h := range hosts {
		if !attempted[h.Address] {
			return h, true
		}
	}
	return hosts[0], true
}

func listed(via []string, h Host) bool {
	for _, v := range via {
		if v == h.Name || v == h.Address {
			return true
		}
	}
	return false
}
