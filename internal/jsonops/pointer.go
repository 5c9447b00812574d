// internal/jsonops/pointer.go
package jsonops

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-openapi/jsonpointer"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * JSON pointer handling for body operations.
 *
 * Pointers follow RFC 6901. Reads go through go-openapi/jsonpointer; this
 * file adds the parsed segment form used for parent lookups and for the
 * "*" tokens accepted by modify_json_value.
 *
 * Key functions:
 *   - ParsePointer: string -> []PathSegment, enforces MaxPointerDepth
 *   - Get: resolve a pointer against a decoded document
 *   - Expand: replace "*" tokens with every concrete key or index
 *
 * Wildcard expansion on objects iterates keys in sorted order so the
 * resulting patch is the same for identical documents.
 */

// ParsePointer splits a JSON pointer into unescaped segments. The empty
// pointer addresses the whole document and yields no segments.
func ParsePointer(p string) ([]types.PathSegment, error) {
	if p == "" {
		return nil, nil
	}
	if p[0] != '/' {
		return nil, fmt.Errorf("%q: %w", p, types.ErrInvalidPointer)
	}
	tokens := strings.Split(p[1:], "/")
	if len(tokens) > types.MaxPointerDepth {
		return nil, fmt.Errorf("%q: %w", p, types.ErrPointerTooDeep)
	}

	segs := make([]types.PathSegment, 0, len(tokens))
	for _, tok := range tokens {
		if !validEscapes(tok) {
			return nil, fmt.Errorf("%q: %w", p, types.ErrInvalidPointer)
		}
		key := jsonpointer.Unescape(tok)
		seg := types.PathSegment{Key: key}
		switch {
		case key == "*":
			seg.Wildcard = true
		case isIndex(key):
			seg.Index, _ = strconv.Atoi(key)
			seg.IsIndex = true
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// FormatPointer is the inverse of ParsePointer.
func FormatPointer(segs []types.PathSegment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(jsonpointer.Escape(s.Key))
	}
	return b.String()
}

// HasWildcard reports whether any segment is "*".
func HasWildcard(segs []types.PathSegment) bool {
	for _, s := range segs {
		if s.Wildcard {
			return true
		}
	}
	return false
}

// Get resolves pointer p in doc. A token "-" never resolves.
func Get(doc any, p string) (any, bool) {
	if p == "" {
		return doc, true
	}
	ptr, err := jsonpointer.New(p)
	if err != nil {
		return nil, false
	}
	v, _, err := ptr.Get(doc)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Expand resolves every "*" segment against doc and returns the concrete
// paths that exist. Paths without wildcards are returned as is when they
// resolve.
func Expand(segs []types.PathSegment, doc any) [][]types.PathSegment {
	var out [][]types.PathSegment
	expand(segs, doc, nil, &out)
	return out
}

func expand(path []types.PathSegment, current any, soFar []types.PathSegment, out *[][]types.PathSegment) {
	if len(path) == 0 {
		resolved := make([]types.PathSegment, len(soFar))
		copy(resolved, soFar)
		*out = append(*out, resolved)
		return
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		if seg.Wildcard {
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				expand(remaining, v[key], append(soFar, types.PathSegment{Key: key}), out)
			}
			return
		}
		if val, ok := v[seg.Key]; ok {
			expand(remaining, val, append(soFar, seg), out)
		}

	case []any:
		if seg.Wildcard {
			for i, elem := range v {
				expand(remaining, elem, append(soFar, indexSegment(i)), out)
			}
			return
		}
		if !seg.IsIndex || seg.Index >= len(v) {
			return
		}
		expand(remaining, v[seg.Index], append(soFar, seg), out)
	}
}

func indexSegment(i int) types.PathSegment {
	return types.PathSegment{Key: strconv.Itoa(i), Index: i, IsIndex: true}
}

// isIndex accepts the RFC 6901 array-index form: "0" or no leading zero.
func isIndex(tok string) bool {
	if tok == "" || len(tok) > 9 {
		return false
	}
	if tok[0] == '0' && len(tok) > 1 {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return false
		}
	}
	return true
}

func validEscapes(tok string) bool {
	for i := 0; i < len(tok); i++ {
		if tok[i] != '~' {
			continue
		}
		if i+1 >= len(tok) || (tok[i+1] != '0' && tok[i+1] != '1') {
			return false
		}
	}
	return true
}

// parent splits segs into the parent pointer and the last segment.
func parent(segs []types.PathSegment) (string, types.PathSegment) {
	return FormatPointer(segs[:len(segs)-1]), segs[len(segs)-1]
}
