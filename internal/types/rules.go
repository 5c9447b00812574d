// internal/types/rules.go
package types

/*
 * Filter configuration tree.
 *
 * The YAML document handed to the engine at construction. internal/rules
 * compiles it once into an immutable form shared by all streams.
 *
 * Key types:
 *   - FilterConfig: node role, networks and clusters with their start lists
 *   - FilterCase: named list of FilterData and FilterRule
 *   - FilterRule: condition + ordered actions, first match wins
 *   - Condition / Term: boolean expression tree
 *   - Action: tagged variant, exactly one field set
 *   - StringModifier: one step of a string modification pipeline
 *
 * Optional scalars are pointers so that "absent" and "zero" differ.
 */

// FilterConfig is the root of the filter configuration.
type FilterConfig struct {
	Name             string             `yaml:"name"`
	NodeType         string             `yaml:"node_type"`
	OwnFQDN          string             `yaml:"own_fqdn"`
	NslfAPIRoot      string             `yaml:"nslf_api_root"`
	Networks         []Network          `yaml:"networks"`
	ClusterScreening []ClusterScreening `yaml:"cluster_screening"`
	RoamingPartners  []RoamingPartner   `yaml:"roaming_partners"`
	FilterCases      []FilterCase       `yaml:"filter_cases"`
	KvTables         []KvTable          `yaml:"kv_tables"`
}

// Network names the start filter cases of an ingress network.
type Network struct {
	Name                 string   `yaml:"name"`
	InRequestScreening   []string `yaml:"in_request_screening"`
	Routing              string   `yaml:"routing"`
	OutResponseScreening []string `yaml:"out_response_screening"`
}

// ClusterScreening names the start filter cases used towards an upstream cluster.
type ClusterScreening struct {
	Cluster             string   `yaml:"cluster"`
	OutRequestScreening []string `yaml:"out_request_screening"`
	InResponseScreening []string `yaml:"in_response_screening"`
}

// RoamingPartner maps a partner name to its pool.
type RoamingPartner struct {
	Name     string `yaml:"name"`
	PoolName string `yaml:"pool_name"`
}

// KvTable is a static key-value lookup table.
type KvTable struct {
	Name    string            `yaml:"name"`
	Entries map[string]string `yaml:"entries"`
}

// FilterCase is a named rule group.
type FilterCase struct {
	Name        string       `yaml:"name"`
	FilterData  []FilterData `yaml:"filter_data"`
	FilterRules []FilterRule `yaml:"filter_rules"`
}

// FilterData is an extraction directive. Exactly one source is set:
// Header, QueryParam, Path or BodyJSONPointer.
type FilterData struct {
	Name            string `yaml:"name"`
	Header          string `yaml:"header"`
	QueryParam      string `yaml:"query_param"`
	Path            bool   `yaml:"path"`
	BodyJSONPointer string `yaml:"body_json_pointer"`
	VariableName    string `yaml:"variable_name"`
	ExtractorRegex  string `yaml:"extractor_regex"`
}

// FilterRule is a condition with its ordered actions.
type FilterRule struct {
	Name      string     `yaml:"name"`
	Condition *Condition `yaml:"condition"`
	Actions   []Action   `yaml:"actions"`
}

// Condition is a node of a boolean expression tree. Exactly one field is set.
type Condition struct {
	And         []Condition   `yaml:"op_and"`
	Or          []Condition   `yaml:"op_or"`
	Not         *Condition    `yaml:"op_not"`
	Equals      *BinaryOp     `yaml:"op_equals"`
	Exists      *Term         `yaml:"op_exists"`
	IsEmpty     *Term         `yaml:"op_isempty"`
	IsValidJSON *JSONValidity `yaml:"op_isvalidjson"`
	Boolean     *bool         `yaml:"term_boolean"`
	Var         string        `yaml:"term_var"`
}

// BinaryOp holds the operands of a comparison.
type BinaryOp struct {
	Left  Term `yaml:"typed_config1"`
	Right Term `yaml:"typed_config2"`
}

// JSONValidity selects the body tested by op_isvalidjson.
type JSONValidity struct {
	RequestBody  bool `yaml:"request_body"`
	ResponseBody bool `yaml:"response_body"`
}

// Term is a typed operand. Exactly one field is set.
type Term struct {
	String     *string  `yaml:"term_string"`
	Number     *float64 `yaml:"term_number"`
	Boolean    *bool    `yaml:"term_boolean"`
	Var        string   `yaml:"term_var"`
	ReqHeader  string   `yaml:"term_reqheader"`
	RespHeader string   `yaml:"term_respheader"`
	QueryParam string   `yaml:"term_queryparam"`
}

// Value is a string source: a variable, a header of the current message, or a constant.
type Value struct {
	String *string `yaml:"term_string"`
	Var    string  `yaml:"term_var"`
	Header string  `yaml:"term_header"`
}

// JSONValue is a JSON-valued source: a variable or a JSON literal.
type JSONValue struct {
	Var        string `yaml:"term_var"`
	JSONString string `yaml:"term_json_string"`
}

// LogValue is one part of a log or event text.
type LogValue struct {
	String     *string  `yaml:"term_string"`
	Var        string   `yaml:"term_var"`
	ReqHeader  string   `yaml:"term_reqheader"`
	RespHeader string   `yaml:"term_respheader"`
	Boolean    *bool    `yaml:"term_boolean"`
	Number     *float64 `yaml:"term_number"`
	ReqBody    bool     `yaml:"term_reqbody"`
	RespBody   bool     `yaml:"term_respbody"`
}

// Action is a tagged variant over all action kinds. Exactly one field is set.
type Action struct {
	AddHeader             *AddHeaderAction             `yaml:"action_add_header"`
	RemoveHeader          *RemoveHeaderAction          `yaml:"action_remove_header"`
	ModifyHeader          *ModifyHeaderAction          `yaml:"action_modify_header"`
	ModifyQueryParam      *ModifyQueryParamAction      `yaml:"action_modify_query_param"`
	RemoveQueryParam      *RemoveQueryParamAction      `yaml:"action_remove_query_param"`
	TransformURI          *TransformURIAction          `yaml:"action_transform_uri"`
	CreateBody            *CreateBodyAction            `yaml:"action_create_body"`
	ModifyJSONBody        *ModifyJSONBodyAction        `yaml:"action_modify_json_body"`
	ModifyVariable        *ModifyVariableAction        `yaml:"action_modify_variable"`
	Log                   *LogAction                   `yaml:"action_log"`
	ReportEvent           *ReportEventAction           `yaml:"action_report_event"`
	RouteToPool           *RouteToPoolAction           `yaml:"action_route_to_pool"`
	RouteToRoamingPartner *RouteToRoamingPartnerAction `yaml:"action_route_to_roaming_partner"`
	RejectMessage         *RejectMessageAction         `yaml:"action_reject_message"`
	DropMessage           bool                         `yaml:"action_drop_message"`
	ModifyStatusCode      *ModifyStatusCodeAction      `yaml:"action_modify_status_code"`
	SlfLookup             *SlfLookupAction             `yaml:"action_slf_lookup"`
	NfDiscovery           *NfDiscoveryAction           `yaml:"action_nf_discovery"`
	GotoFilterCase        string                       `yaml:"action_goto_filter_case"`
	ExitFilterCase        bool                         `yaml:"action_exit_filter_case"`
}

// AddHeaderAction adds a header. IfExists is NO_ACTION (default), ADD or REPLACE.
type AddHeaderAction struct {
	Name     string `yaml:"name"`
	Value    Value  `yaml:"value"`
	IfExists string `yaml:"if_exists"`
}

// RemoveHeaderAction removes all values of a header.
type RemoveHeaderAction struct {
	Name string `yaml:"name"`
}

// ModifyHeaderAction changes the values of an existing header.
type ModifyHeaderAction struct {
	Name            string           `yaml:"name"`
	ReplaceValue    *Value           `yaml:"replace_value"`
	AppendValue     *Value           `yaml:"append_value"`
	PrependValue    *Value           `yaml:"prepend_value"`
	StringModifiers []StringModifier `yaml:"use_string_modifiers"`
}

// ModifyQueryParamAction changes the value of a query parameter of :path.
type ModifyQueryParamAction struct {
	KeyName         string           `yaml:"key_name"`
	ReplaceValue    *Value           `yaml:"replace_value"`
	StringModifiers []StringModifier `yaml:"use_string_modifiers"`
}

// RemoveQueryParamAction removes query parameters from :path.
type RemoveQueryParamAction struct {
	KeyNames []string `yaml:"key_name"`
}

// TransformURIAction rewrites the path component of :path; the query stays.
type TransformURIAction struct {
	ReplaceValue    *Value           `yaml:"replace_value"`
	StringModifiers []StringModifier `yaml:"use_string_modifiers"`
}

// CreateBodyAction replaces the body.
type CreateBodyAction struct {
	Content     string `yaml:"content"`
	ContentType string `yaml:"content_type"`
}

// ModifyJSONBodyAction applies one JSON operation to the body.
type ModifyJSONBodyAction struct {
	Name          string        `yaml:"name"`
	JSONOperation JSONOperation `yaml:"json_operation"`
}

// JSONOperation is a tagged variant. Exactly one field is set.
type JSONOperation struct {
	AddToJSON       *AddToJSON       `yaml:"add_to_json"`
	ReplaceInJSON   *ReplaceInJSON   `yaml:"replace_in_json"`
	RemoveFromJSON  *RemoveFromJSON  `yaml:"remove_from_json"`
	ModifyJSONValue *ModifyJSONValue `yaml:"modify_json_value"`
	JSONPatch       *JSONValue       `yaml:"json_patch"`
}

// AddToJSON adds an element. IfPathNotExists is CREATE or DO_NOTHING (default);
// IfElementExists is REPLACE or NO_ACTION (default).
type AddToJSON struct {
	JSONPointer     Value     `yaml:"json_pointer"`
	Value           JSONValue `yaml:"value"`
	IfPathNotExists string    `yaml:"if_path_not_exists"`
	IfElementExists string    `yaml:"if_element_exists"`
}

// ReplaceInJSON replaces an existing element.
type ReplaceInJSON struct {
	JSONPointer Value     `yaml:"json_pointer"`
	Value       JSONValue `yaml:"value"`
}

// RemoveFromJSON removes an element.
type RemoveFromJSON struct {
	JSONPointer Value `yaml:"json_pointer"`
}

// ModifyJSONValue runs string modifiers over the string values at a pointer.
// The pointer may contain "*" tokens that expand over arrays and objects.
type ModifyJSONValue struct {
	JSONPointer             Value            `yaml:"json_pointer"`
	EnableExceptionHandling bool             `yaml:"enable_exception_handling"`
	StringModifiers         []StringModifier `yaml:"string_modifiers"`
}

// ModifyVariableAction sets a variable from a table lookup.
type ModifyVariableAction struct {
	Name        string             `yaml:"name"`
	TableLookup *VariableKvtLookup `yaml:"table_lookup"`
}

// VariableKvtLookup names a table and the key source.
type VariableKvtLookup struct {
	TableName string `yaml:"table_name"`
	Key       Value  `yaml:"key"`
}

// LogAction writes a log entry built from LogValues.
type LogAction struct {
	LogValues           []LogValue `yaml:"log_values"`
	LogLevel            string     `yaml:"log_level"`
	MaxLogMessageLength int        `yaml:"max_log_message_length"`
}

// ReportEventAction emits a security event.
type ReportEventAction struct {
	EventType             string     `yaml:"event_type"`
	EventCategory         string     `yaml:"event_category"`
	EventSeverity         string     `yaml:"event_severity"`
	EventAction           string     `yaml:"event_action"`
	EventMessageValues    []LogValue `yaml:"event_message_values"`
	MaxEventMessageLength int        `yaml:"max_event_message_length"`
}

// PreserveDiscParams selects the discovery parameters kept for indirect routing.
type PreserveDiscParams struct {
	PreserveAll bool     `yaml:"preserve_all"`
	Params      []string `yaml:"preserve_params"`
}

// RouteToPoolAction routes to a named pool.
type RouteToPoolAction struct {
	PoolName                     Value               `yaml:"pool_name"`
	RoutingBehaviour             string              `yaml:"routing_behaviour"`
	PreserveIfIndirect           string              `yaml:"preserve_if_indirect"`
	PreferredTarget              *Value              `yaml:"preferred_target"`
	KeepAuthorityHeader          bool                `yaml:"keep_authority_header"`
	RemoteRetries                *int                `yaml:"remote_retries"`
	RemoteReselections           *int                `yaml:"remote_reselections"`
	PreserveDiscParamsIfIndirect *PreserveDiscParams `yaml:"preserve_disc_params_if_indirect"`
}

// RouteToRoamingPartnerAction routes to the pool of a roaming partner.
type RouteToRoamingPartnerAction struct {
	RoamingPartnerName  string `yaml:"roaming_partner_name"`
	RoutingBehaviour    string `yaml:"routing_behaviour"`
	PreserveIfIndirect  string `yaml:"preserve_if_indirect"`
	PreferredTarget     *Value `yaml:"preferred_target"`
	KeepAuthorityHeader bool   `yaml:"keep_authority_header"`
}

// RejectMessageAction answers with a local reply. MessageFormat is JSON or PLAIN_TEXT.
type RejectMessageAction struct {
	Status        int    `yaml:"status"`
	Title         string `yaml:"title"`
	Detail        string `yaml:"detail"`
	Cause         string `yaml:"cause"`
	MessageFormat string `yaml:"message_format"`
}

// ModifyStatusCodeAction changes the status of a response. Status 0 keeps it.
type ModifyStatusCodeAction struct {
	Status        int    `yaml:"status"`
	Title         string `yaml:"title"`
	Detail        string `yaml:"detail"`
	Cause         string `yaml:"cause"`
	MessageFormat string `yaml:"message_format"`
}

// SlfLookupAction resolves a subscriber identity to a destination region.
type SlfLookupAction struct {
	ClusterName         string `yaml:"cluster_name"`
	NrfGroupName        string `yaml:"nrf_group_name"`
	QueryIDType         string `yaml:"query_id_type"`
	QueryIDVar          string `yaml:"query_id_var"`
	DestinationVariable string `yaml:"destination_variable"`
	FcLookupFailure     string `yaml:"fc_lookup_failure"`
	FcIDMissing         string `yaml:"fc_id_missing"`
	FcIDNotFound        string `yaml:"fc_id_not_found"`
	FcDestUnknown       string `yaml:"fc_dest_unknown"`
	TimeoutMs           int    `yaml:"timeout"`
}

// QueryParam is a discovery parameter added when the request lacks it.
type QueryParam struct {
	Key   string `yaml:"key"`
	Value Value  `yaml:"value"`
}

// NfSelectionOnPriority names the variables receiving the selected host and NF set.
type NfSelectionOnPriority struct {
	VarNamePreferredHost string `yaml:"var_name_preferred_host"`
	VarNameNfSet         string `yaml:"var_name_nf_set"`
}

// NfDiscoveryAction queries the discovery directory.
type NfDiscoveryAction struct {
	ClusterName            string                 `yaml:"cluster_name"`
	NrfGroupName           string                 `yaml:"nrf_group_name"`
	UseAllParameters       bool                   `yaml:"use_all_parameters"`
	UseParameters          []string               `yaml:"use_parameters"`
	AddParametersIfMissing []QueryParam           `yaml:"add_parameters_if_missing"`
	IPVersion              string                 `yaml:"ip_version"`
	TimeoutMs              int                    `yaml:"timeout"`
	NfSelectionOnPriority  *NfSelectionOnPriority `yaml:"nf_selection_on_priority"`
}

// StringModifier is one pipeline step. Exactly one field is set.
type StringModifier struct {
	ToUpper          bool              `yaml:"to_upper"`
	ToLower          bool              `yaml:"to_lower"`
	Prepend          *Value            `yaml:"prepend"`
	Append           *Value            `yaml:"append"`
	SearchAndReplace *SearchAndReplace `yaml:"search_and_replace"`
	TableLookup      *TableLookup      `yaml:"table_lookup"`
}

// SearchAndReplace replaces occurrences of a search value.
type SearchAndReplace struct {
	SearchValue     Value `yaml:"search_value"`
	ReplaceValue    Value `yaml:"replace_value"`
	Regex           bool  `yaml:"regex_search"`
	CaseInsensitive bool  `yaml:"case_insensitive"`
	FullMatch       bool  `yaml:"full_match"`
	SearchFromEnd   bool  `yaml:"search_from_end"`
	ReplaceAll      bool  `yaml:"replace_all_occurrences"`
}

// TableLookup maps the value through a key-value table. Transform is
// ONLY_FQDN (default) or NO_TRANSFORMATION.
type TableLookup struct {
	LookupTableName         string  `yaml:"lookup_table_name"`
	Transform               string  `yaml:"transform"`
	DefaultValue            *string `yaml:"default_value"`
	DoNothing               bool    `yaml:"do_nothing"`
	FcUnsuccessfulOperation string  `yaml:"fc_unsuccessful_operation"`
}

// PathSegment is one reference token of a parsed JSON pointer.
type PathSegment struct {
	Key      string // raw token, unescaped
	Index    int    // array index when IsIndex
	IsIndex  bool   // token is a decimal array index
	Wildcard bool   // token is "*"
}
