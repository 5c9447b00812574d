// internal/jsonops/modifiers.go
package jsonops

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * String modifier pipeline.
 *
 * A pipeline is compiled once from configuration and applied left to right.
 * Operand values (prepend/append text, search and replace values) are
 * resolved per message through a Resolver.
 *
 * search_and_replace:
 *   - plain search is literal; case_insensitive, full_match, search_from_end
 *     and replace_all_occurrences combine freely
 *   - regex search replaces the first match only; "\N" in the replacement
 *     refers to capture group N
 *
 * table_lookup with ONLY_FQDN looks up the host part of
 * "scheme://fqdn:port/path" and splices the result back. A miss resolves
 * to default_value, leaves the string unchanged (do_nothing), or fails
 * with a *LookupMissError.
 */

// Table lookup transforms.
const (
	TransformOnlyFQDN = "ONLY_FQDN"
	TransformNone     = "NO_TRANSFORMATION"
)

// Resolver supplies per-message operand values and lookup tables.
type Resolver interface {
	Resolve(v types.Value) string
	Table(name string) (map[string]string, bool)
}

// LookupMissError reports a table lookup without a match. FilterCase is the
// configured fc_unsuccessful_operation, possibly empty.
type LookupMissError struct {
	Table      string
	Key        string
	FilterCase string
}

func (e *LookupMissError) Error() string {
	return fmt.Sprintf("table %q has no entry %q", e.Table, e.Key)
}

func (e *LookupMissError) Unwrap() error {
	return types.ErrTableLookupMiss
}

// UnsuccessfulFilterCase returns the filter case configured for a failed
// table lookup in err, if any.
func UnsuccessfulFilterCase(err error) (string, bool) {
	var miss *LookupMissError
	if errors.As(err, &miss) && miss.FilterCase != "" {
		return miss.FilterCase, true
	}
	return "", false
}

type stepKind int

const (
	stepUpper stepKind = iota
	stepLower
	stepPrepend
	stepAppend
	stepSearchReplace
	stepTableLookup
)

type step struct {
	kind    stepKind
	operand types.Value
	sr      *searchReplace
	table   *types.TableLookup
}

type searchReplace struct {
	cfg    types.SearchAndReplace
	static *regexp.Regexp // precompiled when the search value is a constant
}

// Pipeline is a compiled list of string modifiers.
type Pipeline struct {
	steps []step
}

// CompileModifiers validates mods and builds a pipeline. A nil or empty
// list yields an identity pipeline.
func CompileModifiers(mods []types.StringModifier) (*Pipeline, error) {
	p := &Pipeline{steps: make([]step, 0, len(mods))}
	for i, m := range mods {
		s, err := compileStep(m)
		if err != nil {
			return nil, fmt.Errorf("string modifier %d: %w", i, err)
		}
		p.steps = append(p.steps, s)
	}
	return p, nil
}

func compileStep(m types.StringModifier) (step, error) {
	set := 0
	var s step
	if m.ToUpper {
		set++
		s = step{kind: stepUpper}
	}
	if m.ToLower {
		set++
		s = step{kind: stepLower}
	}
	if m.Prepend != nil {
		set++
		s = step{kind: stepPrepend, operand: *m.Prepend}
	}
	if m.Append != nil {
		set++
		s = step{kind: stepAppend, operand: *m.Append}
	}
	if m.SearchAndReplace != nil {
		set++
		sr := &searchReplace{cfg: *m.SearchAndReplace}
		if c := m.SearchAndReplace.SearchValue.String; c != nil {
			re, err := searchRegexp(*c, sr.cfg)
			if err != nil {
				return step{}, err
			}
			sr.static = re
		}
		s = step{kind: stepSearchReplace, sr: sr}
	}
	if m.TableLookup != nil {
		set++
		switch m.TableLookup.Transform {
		case "", TransformOnlyFQDN, TransformNone:
		default:
			return step{}, fmt.Errorf("transform %q: %w", m.TableLookup.Transform, types.ErrUnknownEnum)
		}
		tl := *m.TableLookup
		s = step{kind: stepTableLookup, table: &tl}
	}
	if set != 1 {
		return step{}, types.ErrInvalidAction
	}
	return s, nil
}

// Len returns the number of steps.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}

// Apply runs the pipeline over s.
func (p *Pipeline) Apply(s string, r Resolver) (string, error) {
	if p == nil {
		return s, nil
	}
	for _, st := range p.steps {
		var err error
		switch st.kind {
		case stepUpper:
			s = strings.ToUpper(s)
		case stepLower:
			s = strings.ToLower(s)
		case stepPrepend:
			s = r.Resolve(st.operand) + s
		case stepAppend:
			s = s + r.Resolve(st.operand)
		case stepSearchReplace:
			s, err = st.sr.apply(s, r)
		case stepTableLookup:
			s, err = tableLookup(s, st.table, r)
		}
		if err != nil {
			return "", err
		}
	}
	return s, nil
}

func (sr *searchReplace) apply(s string, r Resolver) (string, error) {
	re := sr.static
	if re == nil {
		search := r.Resolve(sr.cfg.SearchValue)
		if search == "" {
			return s, nil
		}
		var err error
		if re, err = searchRegexp(search, sr.cfg); err != nil {
			return "", err
		}
	}
	if re == nil {
		return s, nil
	}
	replacement := r.Resolve(sr.cfg.ReplaceValue)

	if sr.cfg.Regex {
		m := re.FindStringSubmatchIndex(s)
		if m == nil {
			return s, nil
		}
		expanded := re.ExpandString(nil, backrefTemplate(replacement), s, m)
		return s[:m[0]] + string(expanded) + s[m[1]:], nil
	}

	matches := re.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	switch {
	case sr.cfg.ReplaceAll:
	case sr.cfg.SearchFromEnd:
		matches = matches[len(matches)-1:]
	default:
		matches = matches[:1]
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		b.WriteString(replacement)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// searchRegexp returns nil for an empty search value.
func searchRegexp(search string, cfg types.SearchAndReplace) (*regexp.Regexp, error) {
	if search == "" {
		return nil, nil
	}
	expr := search
	if !cfg.Regex {
		expr = regexp.QuoteMeta(search)
	}
	if cfg.FullMatch {
		expr = "^(?:" + expr + ")$"
	}
	if cfg.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", search, types.ErrInvalidRegex)
	}
	return re, nil
}

// backrefTemplate turns "\N" group references into regexp template form.
func backrefTemplate(repl string) string {
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		switch {
		case c == '$':
			b.WriteString("$$")
		case c == '\\' && i+1 < len(repl) && repl[i+1] >= '0' && repl[i+1] <= '9':
			b.WriteString("${")
			b.WriteByte(repl[i+1])
			b.WriteString("}")
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func tableLookup(s string, tl *types.TableLookup, r Resolver) (string, error) {
	prefix, key, suffix := "", s, ""
	if tl.Transform != TransformNone {
		prefix, key, suffix = splitFQDN(s)
	}

	table, ok := r.Table(tl.LookupTableName)
	var mapped string
	if ok {
		mapped, ok = table[key]
	}
	if !ok {
		switch {
		case tl.DefaultValue != nil:
			mapped = *tl.DefaultValue
		case tl.DoNothing:
			return s, nil
		default:
			return "", &LookupMissError{Table: tl.LookupTableName, Key: key, FilterCase: tl.FcUnsuccessfulOperation}
		}
	}
	return prefix + mapped + suffix, nil
}

// splitFQDN splits "scheme://host:port/path" around the host.
func splitFQDN(s string) (prefix, host, suffix string) {
	start := 0
	if i := strings.Index(s, "://"); i >= 0 {
		start = i + 3
	}
	rest := s[start:]
	end := len(rest)
	if strings.HasPrefix(rest, "[") {
		if j := strings.IndexByte(rest, ']'); j >= 0 {
			end = j + 1
		}
	} else if j := strings.IndexAny(rest, ":/?"); j >= 0 {
		end = j
	}
	return s[:start], rest[:end], rest[end:]
}
