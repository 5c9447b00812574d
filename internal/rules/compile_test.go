package rules

import (
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

const sampleConfig = `
name: sepp_router
node_type: sepp
own_fqdn: sepp.mnc456.mcc262.3gppnetwork.org
networks:
  - name: external
    in_request_screening: [in_req]
    routing: route
    out_response_screening: [out_resp]
cluster_screening:
  - cluster: pool_a
    out_request_screening: [out_req]
roaming_partners:
  - name: rp_1
    pool_name: rp1_pool
kv_tables:
  - name: mcc_to_region
    entries:
      "262": eu
filter_cases:
  - name: in_req
    filter_data:
      - name: apiroot
        header: 3gpp-Sbi-target-apiRoot
        extractor_regex: '^https?://(?P<nf>[^.]+)\.'
    filter_rules:
      - name: tag
        condition:
          op_exists:
            term_var: nf
        actions:
          - action_add_header:
              name: x-nf
              value:
                term_var: nf
          - action_goto_filter_case: second
  - name: second
    filter_rules:
      - name: log
        condition:
          term_boolean: true
        actions:
          - action_log:
              log_level: warning
              log_values:
                - term_string: seen
  - name: route
    filter_rules:
      - name: to_partner
        condition:
          term_boolean: true
        actions:
          - action_route_to_roaming_partner:
              roaming_partner_name: rp_1
              routing_behaviour: STRICT
  - name: out_req
  - name: out_resp
`

func loadConfig(t *testing.T, doc string) *types.FilterConfig {
	t.Helper()
	var cfg types.FilterConfig
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	return &cfg
}

func TestCompile_SampleConfig(t *testing.T) {
	cfg, err := Compile(loadConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	if cfg.NodeType != types.NodeSEPP {
		t.Errorf("NodeType = %v, want sepp", cfg.NodeType)
	}
	if got := cfg.StartCases(types.PhaseScreening1, "external", ""); len(got) != 1 || got[0] != "in_req" {
		t.Errorf("StartCases(screening-1) = %v", got)
	}
	if got := cfg.StartCases(types.PhaseRouting, "external", ""); len(got) != 1 || got[0] != "route" {
		t.Errorf("StartCases(routing) = %v", got)
	}
	if got := cfg.StartCases(types.PhaseScreening3, "external", "pool_a"); len(got) != 1 || got[0] != "out_req" {
		t.Errorf("StartCases(screening-3) = %v", got)
	}
	if got := cfg.StartCases(types.PhaseScreening4, "external", "pool_b"); len(got) != 0 {
		t.Errorf("StartCases(screening-4) for unknown cluster = %v", got)
	}

	fc, ok := cfg.Case("in_req")
	if !ok {
		t.Fatalf("Case(in_req) missing")
	}
	if len(fc.Data) != 1 || len(fc.Rules) != 1 {
		t.Fatalf("in_req has %d data, %d rules", len(fc.Data), len(fc.Rules))
	}
	acts := fc.Rules[0].Actions
	if acts[0].Kind != ActionAddHeader || acts[1].Kind != ActionGotoFilterCase {
		t.Errorf("action kinds = %v, %v", acts[0].Kind, acts[1].Kind)
	}

	second, _ := cfg.Case("second")
	if lvl := second.Rules[0].Actions[0].LogLevel; lvl != zapcore.WarnLevel {
		t.Errorf("LogLevel = %v, want warn", lvl)
	}

	route, _ := cfg.Case("route")
	a := route.Rules[0].Actions[0]
	if a.Pool != "rp1_pool" || a.Behaviour != types.RoutingStrict {
		t.Errorf("route action pool=%q behaviour=%v", a.Pool, a.Behaviour)
	}

	if table, ok := cfg.Table("mcc_to_region"); !ok || table["262"] != "eu" {
		t.Errorf("Table(mcc_to_region) = %v, %v", table, ok)
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name: "duplicate filter case",
			doc: `
filter_cases:
  - name: a
  - name: a
`,
			wantErr: types.ErrDuplicateFilterCase,
		},
		{
			name: "goto unknown case",
			doc: `
filter_cases:
  - name: a
    filter_rules:
      - name: r
        condition: {term_boolean: true}
        actions:
          - action_goto_filter_case: nowhere
`,
			wantErr: types.ErrUnknownFilterCase,
		},
		{
			name: "rule without condition",
			doc: `
filter_cases:
  - name: a
    filter_rules:
      - name: r
        actions:
          - action_exit_filter_case: true
`,
			wantErr: types.ErrMissingCondition,
		},
		{
			name: "bad extractor regex",
			doc: `
filter_cases:
  - name: a
    filter_data:
      - name: d
        header: x
        extractor_regex: '(?P<v>'
`,
			wantErr: types.ErrInvalidRegex,
		},
		{
			name: "two action kinds",
			doc: `
filter_cases:
  - name: a
    filter_rules:
      - name: r
        condition: {term_boolean: true}
        actions:
          - action_drop_message: true
            action_exit_filter_case: true
`,
			wantErr: types.ErrInvalidAction,
		},
		{
			name: "unknown roaming partner",
			doc: `
filter_cases:
  - name: a
    filter_rules:
      - name: r
        condition: {term_boolean: true}
        actions:
          - action_route_to_roaming_partner:
              roaming_partner_name: ghost
`,
			wantErr: types.ErrUnknownPool,
		},
		{
			name: "unknown routing behaviour",
			doc: `
filter_cases:
  - name: a
    filter_rules:
      - name: r
        condition: {term_boolean: true}
        actions:
          - action_route_to_pool:
              pool_name: {term_string: p}
              routing_behaviour: SOMETIMES
`,
			wantErr: types.ErrUnknownEnum,
		},
		{
			name: "preserve with remote behaviour",
			doc: `
filter_cases:
  - name: a
    filter_rules:
      - name: r
        condition: {term_boolean: true}
        actions:
          - action_route_to_pool:
              pool_name: {term_string: p}
              routing_behaviour: REMOTE_ROUND_ROBIN
              preserve_if_indirect: TARGET_API_ROOT
`,
			wantErr: types.ErrInvalidAction,
		},
		{
			name: "bad json pointer",
			doc: `
filter_cases:
  - name: a
    filter_rules:
      - name: r
        condition: {term_boolean: true}
        actions:
          - action_modify_json_body:
              json_operation:
                remove_from_json:
                  json_pointer: {term_string: "no-slash"}
`,
			wantErr: types.ErrInvalidPointer,
		},
		{
			name: "network start case missing",
			doc: `
networks:
  - name: n
    in_request_screening: [missing]
`,
			wantErr: types.ErrUnknownFilterCase,
		},
		{
			name: "table lookup failure case missing",
			doc: `
filter_cases:
  - name: a
    filter_rules:
      - name: r
        condition: {term_boolean: true}
        actions:
          - action_modify_header:
              name: x
              use_string_modifiers:
                - table_lookup:
                    lookup_table_name: t
                    fc_unsuccessful_operation: missing
`,
			wantErr: types.ErrUnknownFilterCase,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(loadConfig(t, tt.doc))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Compile() error = %v, want %v", err, tt.wantErr)
			}
			var cerr *types.ConfigError
			if !errors.As(err, &cerr) || cerr.Location == "" {
				t.Errorf("Compile() error %v carries no location", err)
			}
		})
	}
}

func TestWithTablesOverlays(t *testing.T) {
	cfg, err := Compile(loadConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	merged := cfg.WithTables(map[string]map[string]string{
		"mcc_to_region": {"262": "central", "208": "west"},
		"new":           {"k": "v"},
	})

	if got, _ := merged.Table("mcc_to_region"); got["262"] != "central" || got["208"] != "west" {
		t.Errorf("merged table = %v", got)
	}
	if got, _ := cfg.Table("mcc_to_region"); got["262"] != "eu" {
		t.Errorf("original table modified: %v", got)
	}
	if _, ok := merged.Table("new"); !ok {
		t.Errorf("new table missing")
	}
	if n := merged.TableEntries(); n != 3 {
		t.Errorf("TableEntries() = %d, want 3", n)
	}
	if n := cfg.TableEntries(); n != 1 {
		t.Errorf("original TableEntries() = %d, want 1", n)
	}
}
