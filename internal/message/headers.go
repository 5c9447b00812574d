// Package message provides the header, query and body collections the
// screening engine reads and mutates.
//
// Header names are case-insensitive and stored lower-cased. Pseudo headers
// (:method, :path, :authority, :scheme, :status) live in the same collection.
package message

import (
	"strings"
)

// Header is one name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered, multi-valued header collection.
type Headers struct {
	entries []Header
}

// NewHeaders builds a collection from pairs, lower-casing the names.
func NewHeaders(pairs ...Header) *Headers {
	h := &Headers{entries: make([]Header, 0, len(pairs))}
	for _, p := range pairs {
		h.Add(p.Name, p.Value)
	}
	return h
}

// Get returns all values of name in insertion order.
func (h *Headers) Get(name string) []string {
	name = strings.ToLower(name)
	var values []string
	for _, e := range h.entries {
		if e.Name == name {
			values = append(values, e.Value)
		}
	}
	return values
}

// First returns the first value of name.
func (h *Headers) First(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, e := range h.entries {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

// Joined returns all values of name combined with "," (RFC 7230 section 3.2.2).
func (h *Headers) Joined(name string) (string, bool) {
	values := h.Get(name)
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ","), true
}

// Has reports whether name has at least one value.
func (h *Headers) Has(name string) bool {
	_, ok := h.First(name)
	return ok
}

// Add appends a value.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, Header{Name: strings.ToLower(name), Value: value})
}

// Set replaces all values of name with value.
func (h *Headers) Set(name, value string) {
	h.SetValues(name, []string{value})
}

// SetValues replaces all values of name. The first existing position is kept.
func (h *Headers) SetValues(name string, values []string) {
	name = strings.ToLower(name)
	pos := -1
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.Name == name {
			if pos < 0 {
				pos = len(kept)
			}
			continue
		}
		kept = append(kept, e)
	}
	h.entries = kept
	if pos < 0 {
		for _, v := range values {
			h.entries = append(h.entries, Header{Name: name, Value: v})
		}
		return
	}
	inserted := make([]Header, 0, len(h.entries)+len(values))
	inserted = append(inserted, h.entries[:pos]...)
	for _, v := range values {
		inserted = append(inserted, Header{Name: name, Value: v})
	}
	inserted = append(inserted, h.entries[pos:]...)
	h.entries = inserted
}

// Remove deletes all values of name.
func (h *Headers) Remove(name string) {
	name = strings.ToLower(name)
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Each calls fn for every pair in order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, e := range h.entries {
		fn(e.Name, e.Value)
	}
}

// Names returns the distinct header names in first-seen order.
func (h *Headers) Names() []string {
	seen := make(map[string]bool, len(h.entries))
	var names []string
	for _, e := range h.entries {
		if !seen[e.Name] {
			seen[e.Name] = true
			names = append(names, e.Name)
		}
	}
	return names
}

// Len returns the number of pairs.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Clone returns an independent copy.
func (h *Headers) Clone() *Headers {
	c := &Headers{entries: make([]Header, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

// HeaderDiff lists the changes turning one collection into another.
type HeaderDiff struct {
	Set    map[string][]string // names whose value list changed or appeared
	Remove []string            // names no longer present
}

// Empty reports whether the diff carries no change.
func (d HeaderDiff) Empty() bool {
	return len(d.Set) == 0 && len(d.Remove) == 0
}

// Diff computes the mutation that turns orig into h.
func (h *Headers) Diff(orig *Headers) HeaderDiff {
	d := HeaderDiff{Set: make(map[string][]string)}
	for _, name := range h.Names() {
		now := h.Get(name)
		before := orig.Get(name)
		if !equalValues(now, before) {
			d.Set[name] = now
		}
	}
	for _, name := range orig.Names() {
		if !h.Has(name) {
			d.Remove = append(d.Remove, name)
		}
	}
	return d
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
