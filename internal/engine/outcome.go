package engine

import (
	"fmt"
	"sort"

	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// OutcomeKind tells the host what to do with a processed message.
type OutcomeKind int

const (
	// OutcomeContinue forwards the (possibly mutated) message.
	OutcomeContinue OutcomeKind = iota
	// OutcomeLocalReply answers the downstream with Reply.
	OutcomeLocalReply
	// OutcomeDrop resets the stream without a response.
	OutcomeDrop
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeLocalReply:
		return "local_reply"
	case OutcomeDrop:
		return "drop"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the result of running the phases of one side of a transaction.
type Outcome struct {
	Kind OutcomeKind

	// OutcomeContinue: header changes against the message as received, and
	// the new body when it changed.
	Headers     message.HeaderDiff
	Body        []byte
	BodyChanged bool

	// OutcomeLocalReply: the reply after out-response screening, and the
	// extra headers screening added to it.
	Reply        types.LocalReply
	ReplyHeaders []message.Header

	// Metadata is the dynamic metadata published under MetadataNamespace.
	Metadata map[string]any
}

// MetadataNamespace is the dynamic metadata namespace of routing decisions.
const MetadataNamespace = "eric_proxy"

// Dynamic metadata keys.
const (
	mdRoutingBehaviour        = "routing-behaviour"
	mdPreferredHost           = "preferred-host"
	mdKeepAuthorityHeader     = "keep-authority-header"
	mdTargetAPIRootProcessing = "target-api-root-processing"
	mdTargetAPIRootValues     = "target-api-root-values"
	mdAbsolutePathProcessing  = "absolute-path-processing"
	mdRelativePathValue       = "relative-path-value"
	mdAbsolutePathValue       = "absolute-path-value"
	mdDiscParamsPreserved     = "disc-parameters-to-be-preserved-if-indirect"
	mdPreserveAllDiscParams   = "preserve-all-disc-parameters-if-indirect"
	mdDfpRemoveTaR            = "dfp_remove_tar"
	mdInternalRejected        = "internal-rejected"
	mdInternalRejectedBy      = "internal-rejected-by"
)

// Decision is the routing decision of a transaction.
type Decision struct {
	Routed         bool
	Cluster        string
	Behaviour      types.RoutingBehaviour
	PreferredHost  string
	TargetHost     string   // x-host, excluded from reselection
	TargetAPIRoots []string // remote routing

	md map[string]any // string or []string
}

func (d *Decision) set(key, value string) {
	if d.md == nil {
		d.md = make(map[string]any)
	}
	d.md[key] = value
}

func (d *Decision) setList(key string, values []string) {
	if d.md == nil {
		d.md = make(map[string]any)
	}
	d.md[key] = append([]string(nil), values...)
}

func (d *Decision) unset(key string) {
	delete(d.md, key)
}

// Value returns a string metadata entry.
func (d *Decision) Value(key string) (string, bool) {
	s, ok := d.md[key].(string)
	return s, ok
}

// Keys returns the metadata keys in sorted order.
func (d *Decision) Keys() []string {
	keys := make([]string, 0, len(d.md))
	for k := range d.md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metadata renders the metadata in the shape structpb.NewStruct accepts:
// lists become []any.
func (d *Decision) Metadata() map[string]any {
	if len(d.md) == 0 {
		return nil
	}
	out := make(map[string]any, len(d.md))
	for k, v := range d.md {
		switch t := v.(type) {
		case []string:
			list := make([]any, len(t))
			for i, s := range t {
				list[i] = s
			}
			out[k] = list
		default:
			out[k] = t
		}
	}
	return out
}
