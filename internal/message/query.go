package message

import (
	"net/url"
	"strings"
)

// SplitPath separates the path component of a :path value from its raw query.
func SplitPath(p string) (path, rawQuery string, hasQuery bool) {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i], p[i+1:], true
	}
	return p, "", false
}

// JoinPath is the inverse of SplitPath. An empty query drops the "?".
func JoinPath(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

type queryParam struct {
	key string
	raw string // value as it appears on the wire
}

// Query is an ordered, multi-valued view of a raw query string. Untouched
// parameters keep their original encoding.
type Query struct {
	params []queryParam
}

// ParseQuery splits a raw query. Pairs without "=" have an empty value.
func ParseQuery(raw string) *Query {
	q := &Query{}
	if raw == "" {
		return q
	}
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		q.params = append(q.params, queryParam{key: key, raw: value})
	}
	return q
}

// Get returns the decoded first value of key.
func (q *Query) Get(key string) (string, bool) {
	for _, p := range q.params {
		if p.key == key {
			return decodeQueryValue(p.raw), true
		}
	}
	return "", false
}

// Values returns all decoded values of key.
func (q *Query) Values(key string) []string {
	var values []string
	for _, p := range q.params {
		if p.key == key {
			values = append(values, decodeQueryValue(p.raw))
		}
	}
	return values
}

// Keys returns the distinct keys in first-seen order.
func (q *Query) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, p := range q.params {
		if !seen[p.key] {
			seen[p.key] = true
			keys = append(keys, p.key)
		}
	}
	return keys
}

// Has reports whether key is present.
func (q *Query) Has(key string) bool {
	_, ok := q.Get(key)
	return ok
}

// Set replaces all values of key with one value, keeping the first position.
func (q *Query) Set(key, value string) {
	raw := url.QueryEscape(value)
	pos := -1
	kept := q.params[:0]
	for _, p := range q.params {
		if p.key == key {
			if pos < 0 {
				pos = len(kept)
				kept = append(kept, queryParam{key: key, raw: raw})
			}
			continue
		}
		kept = append(kept, p)
	}
	q.params = kept
	if pos < 0 {
		q.params = append(q.params, queryParam{key: key, raw: raw})
	}
}

// Remove deletes all values of key.
func (q *Query) Remove(key string) {
	kept := q.params[:0]
	for _, p := range q.params {
		if p.key != key {
			kept = append(kept, p)
		}
	}
	q.params = kept
}

// Encode renders the query without the leading "?".
func (q *Query) Encode() string {
	parts := make([]string, 0, len(q.params))
	for _, p := range q.params {
		parts = append(parts, url.QueryEscape(p.key)+"="+p.raw)
	}
	return strings.Join(parts, "&")
}

func decodeQueryValue(raw string) string {
	if v, err := url.QueryUnescape(raw); err == nil {
		return v
	}
	return raw
}
