// internal/rules/vars.go
package rules

import (
	"sort"
	"strings"

	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
)

/*
 * Variable store.
 *
 * Two namespaces:
 *   - var: mutable, written by extraction and actions
 *   - req: request header snapshot taken once when the request arrives,
 *     read-only afterwards and still visible during response processing
 *
 * Names of the form "req.<header>" read the req namespace. All other names
 * read the var namespace. The store belongs to one message and is never
 * shared, so it has no locking.
 */

// ReqPrefix selects the request header snapshot namespace.
const ReqPrefix = "req."

// Vars is the per-message variable store.
type Vars struct {
	vars map[string]Value
	req  map[string]Value

	sealed bool
}

// NewVars returns an empty store.
func NewVars() *Vars {
	return &Vars{
		vars: make(map[string]Value),
		req:  make(map[string]Value),
	}
}

// SnapshotRequest fills the req namespace from request headers. Only the
// first call has an effect.
func (v *Vars) SnapshotRequest(h *message.Headers) {
	if v.sealed {
		return
	}
	v.sealed = true
	for _, name := range h.Names() {
		joined, _ := h.Joined(name)
		v.req[name] = StringValue(joined)
	}
}

// Get returns the value bound to name.
func (v *Vars) Get(name string) (Value, bool) {
	if rest, ok := strings.CutPrefix(name, ReqPrefix); ok {
		val, found := v.req[strings.ToLower(rest)]
		return val, found
	}
	val, ok := v.vars[name]
	if !ok || !val.Defined() {
		return Undefined(), false
	}
	return val, true
}

// Text returns the rendered value of name, or "" when undefined.
func (v *Vars) Text(name string) string {
	val, _ := v.Get(name)
	return val.Text()
}

// Set binds name in the var namespace. Names in the req namespace are
// ignored.
func (v *Vars) Set(name string, val Value) {
	if strings.HasPrefix(name, ReqPrefix) {
		return
	}
	v.vars[name] = val
}

// Names returns the bound var names in sorted order.
func (v *Vars) Names() []string {
	names := make([]string, 0, len(v.vars))
	for k := range v.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both stores hold the same var bindings.
func (v *Vars) Equal(o *Vars) bool {
	if len(v.vars) != len(o.vars) {
		return false
	}
	for k, a := range v.vars {
		b, ok := o.vars[k]
		if !ok || a.Kind != b.Kind || a.Text() != b.Text() {
			return false
		}
	}
	return true
}
