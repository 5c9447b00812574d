package jsonops

import (
	"errors"
	"testing"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

type staticResolver struct {
	vars   map[string]string
	tables map[string]map[string]string
}

func (r staticResolver) Resolve(v types.Value) string {
	switch {
	case v.String != nil:
		return *v.String
	case v.Var != "":
		return r.vars[v.Var]
	}
	return ""
}

func (r staticResolver) Table(name string) (map[string]string, bool) {
	t, ok := r.tables[name]
	return t, ok
}

func str(s string) *string { return &s }

func constant(s string) types.Value { return types.Value{String: &s} }

func TestPipeline(t *testing.T) {
	r := staticResolver{
		vars: map[string]string{"mcc": "262"},
		tables: map[string]map[string]string{
			"fqdns": {"nrf.home.net": "nrf.visited.net"},
		},
	}

	tests := []struct {
		name  string
		mods  []types.StringModifier
		input string
		want  string
	}{
		{
			name:  "case and affixes",
			mods:  []types.StringModifier{{ToUpper: true}, {Prepend: &types.Value{Var: "mcc"}}, {Append: str2v("-x")}},
			input: "ab",
			want:  "262AB-x",
		},
		{
			name: "plain first occurrence",
			mods: []types.StringModifier{{SearchAndReplace: &types.SearchAndReplace{
				SearchValue: constant("a"), ReplaceValue: constant("b"),
			}}},
			input: "aaa",
			want:  "baa",
		},
		{
			name: "plain from end",
			mods: []types.StringModifier{{SearchAndReplace: &types.SearchAndReplace{
				SearchValue: constant("a"), ReplaceValue: constant("b"), SearchFromEnd: true,
			}}},
			input: "aaa",
			want:  "aab",
		},
		{
			name: "plain all case insensitive",
			mods: []types.StringModifier{{SearchAndReplace: &types.SearchAndReplace{
				SearchValue: constant("a"), ReplaceValue: constant("."), CaseInsensitive: true, ReplaceAll: true,
			}}},
			input: "AbA",
			want:  ".b.",
		},
		{
			name: "full match misses substring",
			mods: []types.StringModifier{{SearchAndReplace: &types.SearchAndReplace{
				SearchValue: constant("ab"), ReplaceValue: constant("x"), FullMatch: true,
			}}},
			input: "abc",
			want:  "abc",
		},
		{
			name: "regex with back reference",
			mods: []types.StringModifier{{SearchAndReplace: &types.SearchAndReplace{
				SearchValue: constant(`imsi-(\d+)`), ReplaceValue: constant(`id=\1$`), Regex: true,
			}}},
			input: "x imsi-123 imsi-456",
			want:  "x id=123$ imsi-456",
		},
		{
			name: "search value from variable",
			mods: []types.StringModifier{{SearchAndReplace: &types.SearchAndReplace{
				SearchValue: types.Value{Var: "mcc"}, ReplaceValue: constant("999"),
			}}},
			input: "mcc262",
			want:  "mcc999",
		},
		{
			name:  "fqdn lookup keeps scheme and port",
			mods:  []types.StringModifier{{TableLookup: &types.TableLookup{LookupTableName: "fqdns"}}},
			input: "https://nrf.home.net:443/nnrf-disc/v1",
			want:  "https://nrf.visited.net:443/nnrf-disc/v1",
		},
		{
			name:  "lookup miss with default",
			mods:  []types.StringModifier{{TableLookup: &types.TableLookup{LookupTableName: "fqdns", DefaultValue: str("dflt")}}},
			input: "other.net:80",
			want:  "dflt:80",
		},
		{
			name:  "lookup miss do nothing",
			mods:  []types.StringModifier{{TableLookup: &types.TableLookup{LookupTableName: "fqdns", DoNothing: true, Transform: TransformNone}}},
			input: "nrf.home.net:80",
			want:  "nrf.home.net:80",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CompileModifiers(tt.mods)
			if err != nil {
				t.Fatalf("CompileModifiers() error = %v", err)
			}
			got, err := p.Apply(tt.input, r)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply() = %q, want %q", got, tt.want)
			}
		})
	}
}

func str2v(s string) *types.Value {
	v := constant(s)
	return &v
}

func TestPipelineLookupMiss(t *testing.T) {
	p, err := CompileModifiers([]types.StringModifier{{TableLookup: &types.TableLookup{
		LookupTableName:         "missing",
		FcUnsuccessfulOperation: "fc_fail",
	}}})
	if err != nil {
		t.Fatalf("CompileModifiers() error = %v", err)
	}
	_, err = p.Apply("a.b", staticResolver{})
	if !errors.Is(err, types.ErrTableLookupMiss) {
		t.Fatalf("Apply() error = %v, want ErrTableLookupMiss", err)
	}
	if fc, ok := UnsuccessfulFilterCase(err); !ok || fc != "fc_fail" {
		t.Errorf("UnsuccessfulFilterCase() = %q, %v", fc, ok)
	}
}

func TestCompileModifiersErrors(t *testing.T) {
	tests := []struct {
		name    string
		mod     types.StringModifier
		wantErr error
	}{
		{"empty", types.StringModifier{}, types.ErrInvalidAction},
		{"two kinds", types.StringModifier{ToUpper: true, ToLower: true}, types.ErrInvalidAction},
		{"bad regex", types.StringModifier{SearchAndReplace: &types.SearchAndReplace{SearchValue: constant("("), Regex: true}}, types.ErrInvalidRegex},
		{"bad transform", types.StringModifier{TableLookup: &types.TableLookup{Transform: "SOMETIMES"}}, types.ErrUnknownEnum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompileModifiers([]types.StringModifier{tt.mod}); !errors.Is(err, tt.wantErr) {
				t.Errorf("CompileModifiers() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
