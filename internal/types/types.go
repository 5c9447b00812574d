// Package types provides domain models shared across the screening components.
//
// The filter configuration tree lives in rules.go, the local reply catalogue in
// problem.go and the report event enums in events.go. ID utilities in ids.go
// import uuid; everything else uses the standard library only.
package types

import "fmt"

// MessageID represents a UUIDv7 identifier of one screened HTTP transaction.
// It is attached to every per-message log entry.
type MessageID string

// Resource limits enforced by the screening engine.
const (
	// MaxBodySize bounds a body after a JSON mutation. A larger result produces
	// the payload-too-large local reply.
	MaxBodySize = 16 * 1024 * 1024

	// MaxPointerDepth bounds the number of reference tokens in a JSON pointer.
	MaxPointerDepth = 32

	// MaxPointerWildcards bounds the "*" tokens of a modify_json_value pointer.
	MaxPointerWildcards = 4

	// DefaultMaxLogMessageLength applies when a log action has no limit configured.
	DefaultMaxLogMessageLength = 500

	// DefaultPriority and DefaultCapacity apply to discovery entries without them.
	DefaultPriority = 65535
	DefaultCapacity = 0
)

// Phase identifies one of the six fixed processing phases of a transaction.
type Phase int

const (
	PhaseScreening1 Phase = iota + 1 // in-request screening
	PhaseRouting                     // routing
	PhaseScreening3                  // out-request screening
	PhaseScreening4                  // in-response screening
	PhaseResponse5                   // response finalization (not configurable)
	PhaseScreening6                  // out-response screening
)

func (p Phase) String() string {
	switch p {
	case PhaseScreening1:
		return "screening-1"
	case PhaseRouting:
		return "routing"
	case PhaseScreening3:
		return "screening-3"
	case PhaseScreening4:
		return "screening-4"
	case PhaseResponse5:
		return "response-5"
	case PhaseScreening6:
		return "screening-6"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// IsRequest reports whether the phase works on the request message.
func (p Phase) IsRequest() bool {
	return p == PhaseScreening1 || p == PhaseRouting || p == PhaseScreening3
}

// ActionResult is the control-flow signal returned by every action handler.
type ActionResult int

const (
	// ActionNext continues with the next action of the same rule.
	ActionNext ActionResult = iota
	// ActionGotoFC abandons the rule and restarts at the named filter case.
	ActionGotoFC
	// ActionExit ends the current filter case; the next phase may still run.
	ActionExit
	// ActionStopIteration ends all rule evaluation for the message.
	ActionStopIteration
	// ActionPauseIteration suspends the interpreter until a lookup completes.
	ActionPauseIteration
)

func (r ActionResult) String() string {
	switch r {
	case ActionNext:
		return "next"
	case ActionGotoFC:
		return "goto_fc"
	case ActionExit:
		return "exit"
	case ActionStopIteration:
		return "stop_iteration"
	case ActionPauseIteration:
		return "pause_iteration"
	}
	return fmt.Sprintf("action_result(%d)", int(r))
}

// RoutingBehaviour selects how the host proxy picks an upstream from a pool.
type RoutingBehaviour int

const (
	RoutingRoundRobin RoutingBehaviour = iota
	RoutingStrict
	RoutingPreferred
	RoutingStrictDFP
	RoutingRemoteRoundRobin
	RoutingRemotePreferred
)

// ParseRoutingBehaviour converts a configuration string to a RoutingBehaviour.
// The empty string selects ROUND_ROBIN.
func ParseRoutingBehaviour(s string) (RoutingBehaviour, error) {
	switch s {
	case "", "ROUND_ROBIN":
		return RoutingRoundRobin, nil
	case "STRICT":
		return RoutingStrict, nil
	case "PREFERRED":
		return RoutingPreferred, nil
	case "STRICT_DFP":
		return RoutingStrictDFP, nil
	case "REMOTE_ROUND_ROBIN":
		return RoutingRemoteRoundRobin, nil
	case "REMOTE_PREFERRED":
		return RoutingRemotePreferred, nil
	}
	return 0, fmt.Errorf("routing behaviour %q: %w", s, ErrUnknownEnum)
}

func (b RoutingBehaviour) String() string {
	switch b {
	case RoutingRoundRobin:
		return "ROUND_ROBIN"
	case RoutingStrict:
		return "STRICT"
	case RoutingPreferred:
		return "PREFERRED"
	case RoutingStrictDFP:
		return "STRICT_DFP"
	case RoutingRemoteRoundRobin:
		return "REMOTE_ROUND_ROBIN"
	case RoutingRemotePreferred:
		return "REMOTE_PREFERRED"
	}
	return fmt.Sprintf("routing_behaviour(%d)", int(b))
}

// IsRemote reports whether the behaviour computes a target-api-root list.
func (b RoutingBehaviour) IsRemote() bool {
	return b == RoutingRemoteRoundRobin || b == RoutingRemotePreferred
}

// NeedsTargetAPIRoot reports whether the behaviour validates the TaR header.
func (b RoutingBehaviour) NeedsTargetAPIRoot() bool {
	return b == RoutingStrict || b == RoutingPreferred || b == RoutingStrictDFP || b == RoutingRemotePreferred
}

// NodeType is the proxy role.
type NodeType int

const (
	NodeSCP NodeType = iota
	NodeSEPP
)

// ParseNodeType converts a configuration string to a NodeType. Empty selects SCP.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "", "scp", "SCP":
		return NodeSCP, nil
	case "sepp", "SEPP":
		return NodeSEPP, nil
	}
	return 0, fmt.Errorf("node type %q: %w", s, ErrUnknownEnum)
}

func (n NodeType) String() string {
	if n == NodeSEPP {
		return "sepp"
	}
	return "scp"
}

// IPVersion selects which endpoint addresses are usable when no FQDN is given.
type IPVersion int

const (
	IPVersionDefault IPVersion = iota
	IPVersion4
	IPVersion6
	IPVersionDualStack
)

// ParseIPVersion converts a configuration string to an IPVersion.
func ParseIPVersion(s string) (IPVersion, error) {
	switch s {
	case "", "DEFAULT":
		return IPVersionDefault, nil
	case "IPv4", "IPV4":
		return IPVersion4, nil
	case "IPv6", "IPV6":
		return IPVersion6, nil
	case "DualStack", "DUAL_STACK":
		return IPVersionDualStack, nil
	}
	return 0, fmt.Errorf("ip version %q: %w", s, ErrUnknownEnum)
}

// NfInstance is one candidate endpoint from a discovery result. An empty
// field is absent. Equality is structural (==).
type NfInstance struct {
	Hostname     string
	NfSetID      string
	NfInstanceID string
}
