// internal/rules/extract.go
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/consultant-1379/sc-envoy-sub001/internal/jsonops"
	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Filter data extraction.
 *
 * Each FilterData reads one source and binds variables:
 *   - header: the joined values of a header of the current message
 *   - query_param / path: the request :path
 *   - body_json_pointer: a value of the current JSON body
 *
 * A missing header, parameter or path binds "". A body pointer that does
 * not resolve leaves variable_name untouched.
 *
 * With extractor_regex, the named groups of the first (unanchored) match
 * bind variables of the same name. A group that captured text is always
 * bound. Otherwise the group variable is set to "" only when it is still
 * empty, so a failed match never clears an earlier result. Non-string
 * sources never match.
 *
 * Entries run in configuration order and a later entry may overwrite an
 * earlier one; the overwrite rule is the same as above: a non-empty string
 * or a boolean always wins, anything else only fills an empty variable.
 * Running the same entries twice over the same message binds the same
 * values.
 */

type sourceKind int

const (
	sourceHeader sourceKind = iota
	sourceQueryParam
	sourcePath
	sourceBody
)

// FilterData is a compiled extraction directive.
type FilterData struct {
	Name     string
	source   sourceKind
	key      string // header name, parameter name or JSON pointer
	variable string
	regex    *regexp.Regexp
	groups   []string
}

// Input is the message view extraction reads from.
type Input struct {
	Current     *message.Message
	RequestPath string
}

func compileFilterData(fd types.FilterData) (*FilterData, error) {
	out := &FilterData{Name: fd.Name, variable: fd.VariableName}

	set := 0
	if fd.Header != "" {
		set++
		out.source, out.key = sourceHeader, strings.ToLower(fd.Header)
	}
	if fd.QueryParam != "" {
		set++
		out.source, out.key = sourceQueryParam, fd.QueryParam
	}
	if fd.Path {
		set++
		out.source = sourcePath
	}
	if fd.BodyJSONPointer != "" {
		set++
		if _, err := jsonops.ParsePointer(fd.BodyJSONPointer); err != nil {
			return nil, err
		}
		out.source, out.key = sourceBody, fd.BodyJSONPointer
	}
	if set != 1 {
		return nil, fmt.Errorf("filter data needs exactly one source: %w", types.ErrInvalidAction)
	}

	if fd.ExtractorRegex != "" {
		re, err := regexp.Compile(fd.ExtractorRegex)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", fd.ExtractorRegex, types.ErrInvalidRegex)
		}
		out.regex = re
		for _, name := range re.SubexpNames() {
			if name != "" {
				out.groups = append(out.groups, name)
			}
		}
	}
	if out.variable == "" && out.regex == nil {
		return nil, fmt.Errorf("filter data binds no variable: %w", types.ErrInvalidAction)
	}
	return out, nil
}

// Extract runs data in order against in and binds the results in vars.
func Extract(data []*FilterData, in Input, vars *Vars) {
	for _, fd := range data {
		fd.apply(in, vars)
	}
}

func (fd *FilterData) apply(in Input, vars *Vars) {
	val := fd.read(in)

	if fd.variable != "" && val.Defined() {
		update(vars, fd.variable, val)
	}
	if fd.regex == nil {
		return
	}

	var match []string
	if val.Kind == KindString {
		match = fd.regex.FindStringSubmatch(val.Str)
	}
	for _, name := range fd.groups {
		captured := ""
		if match != nil {
			captured = match[fd.regex.SubexpIndex(name)]
		}
		if captured != "" {
			vars.Set(name, StringValue(captured))
			continue
		}
		if cur, _ := vars.Get(name); cur.IsEmpty() {
			vars.Set(name, StringValue(""))
		}
	}
}

func (fd *FilterData) read(in Input) Value {
	switch fd.source {
	case sourceHeader:
		if in.Current == nil {
			return StringValue("")
		}
		v, _ := in.Current.Headers.Joined(fd.key)
		return StringValue(v)
	case sourceQueryParam:
		_, raw, _ := message.SplitPath(in.RequestPath)
		v, _ := message.ParseQuery(raw).Get(fd.key)
		return StringValue(v)
	case sourcePath:
		return StringValue(in.RequestPath)
	case sourceBody:
		if in.Current == nil {
			return Undefined()
		}
		doc, ok := in.Current.Body.JSON()
		if !ok {
			return Undefined()
		}
		v, ok := jsonops.Get(doc, fd.key)
		if !ok {
			return Undefined()
		}
		return Coerce(v)
	}
	return Undefined()
}

func update(vars *Vars, name string, val Value) {
	switch {
	case val.Kind == KindString && val.Str != "":
	case val.Kind == KindBool:
	default:
		if cur, _ := vars.Get(name); !cur.IsEmpty() {
			return
		}
	}
	vars.Set(name, val)
}
