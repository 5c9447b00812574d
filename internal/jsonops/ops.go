// internal/jsonops/ops.go
package jsonops

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Body mutation primitives.
 *
 * Every operation takes the raw body and returns the new raw body. The
 * existence checks run on a decoded view; the mutation itself is a JSON
 * patch applied to the raw bytes so untouched members keep their order
 * and number formatting.
 *
 * An operation whose target does not qualify returns the input unchanged
 * and a nil error. Errors mean the body is not JSON, the pointer or value
 * is malformed, or the patch failed; callers escalate those.
 */

// Missing-path policy of add_to_json.
const (
	PathCreate    = "CREATE"
	PathDoNothing = "DO_NOTHING"
)

// Existing-element policy of add_to_json.
const (
	ElementReplace  = "REPLACE"
	ElementNoAction = "NO_ACTION"
)

type operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// AddOptions controls AddToJSON.
type AddOptions struct {
	CreatePath     bool // if_path_not_exists = CREATE
	ReplaceElement bool // if_element_exists = REPLACE
}

// AddToJSON adds value at pointer p.
func AddToJSON(raw []byte, p string, value []byte, opts AddOptions) ([]byte, error) {
	doc, segs, err := prepare(raw, p)
	if err != nil {
		return nil, err
	}
	if err := validValue(value); err != nil {
		return nil, err
	}

	if len(segs) == 0 {
		if opts.ReplaceElement {
			return checkSize(value)
		}
		return raw, nil
	}

	parentPtr, last := parent(segs)
	if last.Key != "-" {
		if _, ok := Get(doc, p); ok {
			if !opts.ReplaceElement {
				return raw, nil
			}
			return applyOps(raw, false, operation{Op: "add", Path: p, Value: value})
		}
	}

	if container, ok := Get(doc, parentPtr); ok {
		switch c := container.(type) {
		case []any:
			if last.Key != "-" && (!last.IsIndex || last.Index > len(c)) {
				return raw, nil
			}
		case map[string]any:
		default:
			return raw, nil
		}
		return applyOps(raw, false, operation{Op: "add", Path: p, Value: value})
	}

	if !opts.CreatePath {
		return raw, nil
	}
	return applyOps(raw, true, operation{Op: "add", Path: p, Value: value})
}

// ReplaceInJSON replaces the existing element at pointer p. A final "-"
// token addresses the last element of a non-empty array.
func ReplaceInJSON(raw []byte, p string, value []byte) ([]byte, error) {
	doc, segs, err := prepare(raw, p)
	if err != nil {
		return nil, err
	}
	if err := validValue(value); err != nil {
		return nil, err
	}

	if len(segs) == 0 {
		return checkSize(value)
	}
	if _, ok := Get(doc, p); ok {
		return applyOps(raw, false, operation{Op: "replace", Path: p, Value: value})
	}

	parentPtr, last := parent(segs)
	if last.Key == "-" {
		if arr, ok := getArray(doc, parentPtr); ok && len(arr) > 0 {
			target := FormatPointer(append(segs[:len(segs)-1:len(segs)-1], indexSegment(len(arr)-1)))
			return applyOps(raw, false, operation{Op: "replace", Path: target, Value: value})
		}
	}
	return raw, nil
}

// RemoveFromJSON removes the element at pointer p. Removing the whole
// document leaves the JSON null.
func RemoveFromJSON(raw []byte, p string) ([]byte, error) {
	doc, segs, err := prepare(raw, p)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return []byte("null"), nil
	}
	if _, last := parent(segs); last.Key == "-" {
		return raw, nil
	}
	if _, ok := Get(doc, p); !ok {
		return raw, nil
	}
	return applyOps(raw, false, operation{Op: "remove", Path: p})
}

// ModifyValues rewrites the string values addressed by pointer p with fn.
// The pointer may contain "*" tokens. Non-string targets are skipped, or
// rejected with ErrInvalidAction when strict is set.
func ModifyValues(raw []byte, p string, strict bool, fn func(string) (string, error)) ([]byte, error) {
	doc, segs, err := prepare(raw, p)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return raw, nil
	}

	wildcards := 0
	for _, s := range segs {
		if s.Wildcard {
			wildcards++
		}
	}
	if wildcards > types.MaxPointerWildcards {
		return nil, fmt.Errorf("%q: %w", p, types.ErrInvalidPointer)
	}

	var ops []operation
	for _, target := range Expand(segs, doc) {
		ptr := FormatPointer(target)
		v, ok := Get(doc, ptr)
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			if strict {
				return nil, fmt.Errorf("value at %q is not a string: %w", ptr, types.ErrInvalidAction)
			}
			continue
		}
		out, err := fn(s)
		if err != nil {
			return nil, err
		}
		if out == s {
			continue
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		ops = append(ops, operation{Op: "replace", Path: ptr, Value: encoded})
	}
	if len(ops) == 0 {
		return raw, nil
	}
	return applyOps(raw, false, ops...)
}

// ApplyPatch applies an RFC 6902 patch document to raw.
func ApplyPatch(raw, patch []byte) ([]byte, error) {
	if _, err := message.DecodeJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBodyNotJSON, err)
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, err
	}
	out, err := decoded.ApplyWithOptions(bytes.TrimSpace(raw), applyOptions(false))
	if err != nil {
		return nil, err
	}
	return checkSize(out)
}

func prepare(raw []byte, p string) (any, []types.PathSegment, error) {
	doc, err := message.DecodeJSON(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrBodyNotJSON, err)
	}
	segs, err := ParsePointer(p)
	if err != nil {
		return nil, nil, err
	}
	return doc, segs, nil
}

func validValue(value []byte) error {
	if _, err := message.DecodeJSON(value); err != nil {
		return fmt.Errorf("value: %w", err)
	}
	return nil
}

func getArray(doc any, p string) ([]any, bool) {
	v, ok := Get(doc, p)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	return arr, ok
}

func applyOptions(createPath bool) *jsonpatch.ApplyOptions {
	opts := jsonpatch.NewApplyOptions()
	opts.EnsurePathExistsOnAdd = createPath
	opts.EscapeHTML = false
	return opts
}

func applyOps(raw []byte, createPath bool, ops ...operation) ([]byte, error) {
	encoded, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(encoded)
	if err != nil {
		return nil, err
	}
	out, err := patch.ApplyWithOptions(bytes.TrimSpace(raw), applyOptions(createPath))
	if err != nil {
		return nil, err
	}
	return checkSize(out)
}

func checkSize(out []byte) ([]byte, error) {
	if len(out) > types.MaxBodySize {
		return nil, types.ErrBodyTooLarge
	}
	return out, nil
}
