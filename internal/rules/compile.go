// internal/rules/compile.go
package rules

import (
	"fmt"
	"sort"

	"go.uber.org/zap/zapcore"

	"github.com/consultant-1379/sc-envoy-sub001/internal/jsonops"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Filter configuration compilation and validation.
 *
 * Compile turns the YAML configuration tree into an immutable Config
 * shared by every stream. All configuration-time errors surface here as
 * *types.ConfigError carrying the location of the offending element, so a
 * configuration that compiles cannot fail on a dangling name at runtime.
 *
 * Compilation workflow:
 *   1. Index filter cases by name (duplicates rejected)
 *   2. Compile filter data (one source, regex compiled, pointer parsed)
 *   3. Compile rule conditions and order and/or operands by cost
 *   4. Compile actions: exactly one kind, enums parsed, string modifier
 *      pipelines built, every referenced filter case resolved
 *   5. Resolve network and cluster start lists
 *
 * Rules without a condition are rejected rather than treated as matching.
 */

// Config is a compiled filter configuration. It is read-only after Compile.
type Config struct {
	Name        string
	NodeType    types.NodeType
	OwnFQDN     string
	NslfAPIRoot string

	cases    map[string]*FilterCase
	networks map[string]types.Network
	clusters map[string]types.ClusterScreening
	partners map[string]string
	tables   map[string]map[string]string
}

// FilterCase is a compiled filter case.
type FilterCase struct {
	Name  string
	Data  []*FilterData
	Rules []*Rule
}

// Rule is a compiled filter rule.
type Rule struct {
	Name    string
	Cond    *Cond
	Actions []*Action
}

// ActionKind identifies the variant of an Action.
type ActionKind int

const (
	ActionAddHeader ActionKind = iota
	ActionRemoveHeader
	ActionModifyHeader
	ActionModifyQueryParam
	ActionRemoveQueryParam
	ActionTransformURI
	ActionCreateBody
	ActionModifyJSONBody
	ActionModifyVariable
	ActionLog
	ActionReportEvent
	ActionRouteToPool
	ActionRouteToRoamingPartner
	ActionRejectMessage
	ActionDropMessage
	ActionModifyStatusCode
	ActionSlfLookup
	ActionNfDiscovery
	ActionGotoFilterCase
	ActionExitFilterCase
)

func (k ActionKind) String() string {
	switch k {
	case ActionAddHeader:
		return "add_header"
	case ActionRemoveHeader:
		return "remove_header"
	case ActionModifyHeader:
		return "modify_header"
	case ActionModifyQueryParam:
		return "modify_query_param"
	case ActionRemoveQueryParam:
		return "remove_query_param"
	case ActionTransformURI:
		return "transform_uri"
	case ActionCreateBody:
		return "create_body"
	case ActionModifyJSONBody:
		return "modify_json_body"
	case ActionModifyVariable:
		return "modify_variable"
	case ActionLog:
		return "log"
	case ActionReportEvent:
		return "report_event"
	case ActionRouteToPool:
		return "route_to_pool"
	case ActionRouteToRoamingPartner:
		return "route_to_roaming_partner"
	case ActionRejectMessage:
		return "reject_message"
	case ActionDropMessage:
		return "drop_message"
	case ActionModifyStatusCode:
		return "modify_status_code"
	case ActionSlfLookup:
		return "slf_lookup"
	case ActionNfDiscovery:
		return "nf_discovery"
	case ActionGotoFilterCase:
		return "goto_filter_case"
	case ActionExitFilterCase:
		return "exit_filter_case"
	}
	return fmt.Sprintf("action_kind(%d)", int(k))
}

// EventSpec holds the parsed enums of a report_event action.
type EventSpec struct {
	Type     types.EventType
	Category types.EventCategory
	Severity types.EventSeverity
	Action   types.EventAction
}

// Action is a compiled action. Spec is the configuration variant; the
// remaining fields hold what compilation derived from it.
type Action struct {
	Kind     ActionKind
	Location string
	Spec     types.Action

	Modifiers *jsonops.Pipeline      // modify_header, modify_query_param, transform_uri, modify_json_value
	Behaviour types.RoutingBehaviour // route_to_pool, route_to_roaming_partner
	Pool      string                 // route_to_roaming_partner: resolved pool
	LogLevel  zapcore.Level          // log
	Event     EventSpec              // report_event
	IPVersion types.IPVersion        // nf_discovery
}

// Message formats of reject_message and modify_status_code.
const (
	FormatJSON      = "JSON"
	FormatPlainText = "PLAIN_TEXT"
)

// add_header if_exists policies.
const (
	IfExistsNoAction = "NO_ACTION"
	IfExistsAdd      = "ADD"
	IfExistsReplace  = "REPLACE"
)

// Indirect routing preservation policies.
const (
	PreserveTargetAPIRoot = "TARGET_API_ROOT"
	PreserveAbsolutePath  = "ABSOLUTE_PATH"
)

// Compile validates cfg and builds the shared configuration.
func Compile(cfg *types.FilterConfig) (*Config, error) {
	nodeType, err := types.ParseNodeType(cfg.NodeType)
	if err != nil {
		return nil, &types.ConfigError{Location: "node_type", Err: err}
	}

	c := &Config{
		Name:        cfg.Name,
		NodeType:    nodeType,
		OwnFQDN:     cfg.OwnFQDN,
		NslfAPIRoot: cfg.NslfAPIRoot,
		cases:       make(map[string]*FilterCase, len(cfg.FilterCases)),
		networks:    make(map[string]types.Network, len(cfg.Networks)),
		clusters:    make(map[string]types.ClusterScreening, len(cfg.ClusterScreening)),
		partners:    make(map[string]string, len(cfg.RoamingPartners)),
		tables:      make(map[string]map[string]string, len(cfg.KvTables)),
	}

	for _, rp := range cfg.RoamingPartners {
		c.partners[rp.Name] = rp.PoolName
	}
	for _, t := range cfg.KvTables {
		entries := make(map[string]string, len(t.Entries))
		for k, v := range t.Entries {
			entries[k] = v
		}
		c.tables[t.Name] = entries
	}

	// Names first so gotos may point forward.
	for _, fc := range cfg.FilterCases {
		if _, dup := c.cases[fc.Name]; dup {
			return nil, &types.ConfigError{Location: "filter_case " + fc.Name, Err: types.ErrDuplicateFilterCase}
		}
		c.cases[fc.Name] = &FilterCase{Name: fc.Name}
	}

	for _, fc := range cfg.FilterCases {
		if err := c.compileCase(fc); err != nil {
			return nil, err
		}
	}

	for _, n := range cfg.Networks {
		loc := "network " + n.Name
		if err := c.checkCases(loc, n.InRequestScreening...); err != nil {
			return nil, err
		}
		if err := c.checkCases(loc, n.OutResponseScreening...); err != nil {
			return nil, err
		}
		if n.Routing != "" {
			if err := c.checkCases(loc, n.Routing); err != nil {
				return nil, err
			}
		}
		c.networks[n.Name] = n
	}
	for _, cs := range cfg.ClusterScreening {
		loc := "cluster_screening " + cs.Cluster
		if err := c.checkCases(loc, cs.OutRequestScreening...); err != nil {
			return nil, err
		}
		if err := c.checkCases(loc, cs.InResponseScreening...); err != nil {
			return nil, err
		}
		c.clusters[cs.Cluster] = cs
	}

	return c, nil
}

func (c *Config) compileCase(fc types.FilterCase) error {
	out := c.cases[fc.Name]
	loc := "filter_case " + fc.Name

	for i, fd := range fc.FilterData {
		compiled, err := compileFilterData(fd)
		if err != nil {
			return &types.ConfigError{Location: fmt.Sprintf("%s/filter_data[%d]", loc, i), Err: err}
		}
		out.Data = append(out.Data, compiled)
	}

	for i, fr := range fc.FilterRules {
		ruleLoc := fmt.Sprintf("%s/filter_rule[%d] %s", loc, i, fr.Name)
		if fr.Condition == nil {
			return &types.ConfigError{Location: ruleLoc, Err: types.ErrMissingCondition}
		}
		cond, err := compileCondition(*fr.Condition)
		if err != nil {
			return &types.ConfigError{Location: ruleLoc + "/condition", Err: err}
		}
		rule := &Rule{Name: fr.Name, Cond: cond}
		for j, a := range fr.Actions {
			actLoc := fmt.Sprintf("%s/action[%d]", ruleLoc, j)
			compiled, err := c.compileAction(a, actLoc)
			if err != nil {
				return &types.ConfigError{Location: actLoc, Err: err}
			}
			rule.Actions = append(rule.Actions, compiled)
		}
		out.Rules = append(out.Rules, rule)
	}
	return nil
}

func (c *Config) checkCases(loc string, names ...string) error {
	for _, n := range names {
		if _, ok := c.cases[n]; !ok {
			return &types.ConfigError{Location: loc, Err: fmt.Errorf("%q: %w", n, types.ErrUnknownFilterCase)}
		}
	}
	return nil
}

func (c *Config) checkCase(name string) error {
	if name == "" {
		return nil
	}
	if _, ok := c.cases[name]; !ok {
		return fmt.Errorf("%q: %w", name, types.ErrUnknownFilterCase)
	}
	return nil
}

func (c *Config) compileAction(a types.Action, loc string) (*Action, error) {
	kinds := actionKinds(a)
	if len(kinds) != 1 {
		return nil, types.ErrInvalidAction
	}
	out := &Action{Kind: kinds[0], Location: loc, Spec: a}

	var err error
	switch out.Kind {
	case ActionAddHeader:
		switch a.AddHeader.IfExists {
		case "", IfExistsNoAction, IfExistsAdd, IfExistsReplace:
		default:
			return nil, fmt.Errorf("if_exists %q: %w", a.AddHeader.IfExists, types.ErrUnknownEnum)
		}
	case ActionModifyHeader:
		out.Modifiers, err = c.compileModifiers(a.ModifyHeader.StringModifiers)
	case ActionModifyQueryParam:
		out.Modifiers, err = c.compileModifiers(a.ModifyQueryParam.StringModifiers)
	case ActionTransformURI:
		out.Modifiers, err = c.compileModifiers(a.TransformURI.StringModifiers)
	case ActionModifyJSONBody:
		err = c.compileJSONOperation(out, a.ModifyJSONBody.JSONOperation)
	case ActionLog:
		out.LogLevel, err = parseLogLevel(a.Log.LogLevel)
	case ActionReportEvent:
		out.Event, err = parseEvent(a.ReportEvent)
	case ActionRouteToPool:
		out.Behaviour, err = compileRouting(a.RouteToPool.RoutingBehaviour, a.RouteToPool.PreserveIfIndirect)
	case ActionRouteToRoamingPartner:
		rp := a.RouteToRoamingPartner
		pool, ok := c.partners[rp.RoamingPartnerName]
		if !ok {
			return nil, fmt.Errorf("%q: %w", rp.RoamingPartnerName, types.ErrUnknownPool)
		}
		out.Pool = pool
		out.Behaviour, err = compileRouting(rp.RoutingBehaviour, rp.PreserveIfIndirect)
	case ActionRejectMessage:
		err = checkFormat(a.RejectMessage.MessageFormat)
	case ActionModifyStatusCode:
		err = checkFormat(a.ModifyStatusCode.MessageFormat)
	case ActionSlfLookup:
		s := a.SlfLookup
		for _, fc := range []string{s.FcLookupFailure, s.FcIDMissing, s.FcIDNotFound, s.FcDestUnknown} {
			if err = c.checkCase(fc); err != nil {
				break
			}
		}
	case ActionNfDiscovery:
		out.IPVersion, err = types.ParseIPVersion(a.NfDiscovery.IPVersion)
	case ActionGotoFilterCase:
		err = c.checkCase(a.GotoFilterCase)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Config) compileJSONOperation(out *Action, op types.JSONOperation) error {
	set := 0
	var pointer *types.Value
	if op.AddToJSON != nil {
		set++
		pointer = &op.AddToJSON.JSONPointer
		switch op.AddToJSON.IfPathNotExists {
		case "", jsonops.PathCreate, jsonops.PathDoNothing:
		default:
			return fmt.Errorf("if_path_not_exists %q: %w", op.AddToJSON.IfPathNotExists, types.ErrUnknownEnum)
		}
		switch op.AddToJSON.IfElementExists {
		case "", jsonops.ElementReplace, jsonops.ElementNoAction:
		default:
			return fmt.Errorf("if_element_exists %q: %w", op.AddToJSON.IfElementExists, types.ErrUnknownEnum)
		}
	}
	if op.ReplaceInJSON != nil {
		set++
		pointer = &op.ReplaceInJSON.JSONPointer
	}
	if op.RemoveFromJSON != nil {
		set++
		pointer = &op.RemoveFromJSON.JSONPointer
	}
	if op.ModifyJSONValue != nil {
		set++
		pointer = &op.ModifyJSONValue.JSONPointer
		var err error
		if out.Modifiers, err = c.compileModifiers(op.ModifyJSONValue.StringModifiers); err != nil {
			return err
		}
	}
	if op.JSONPatch != nil {
		set++
	}
	if set != 1 {
		return types.ErrInvalidAction
	}
	if pointer != nil && pointer.String != nil {
		if _, err := jsonops.ParsePointer(*pointer.String); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) compileModifiers(mods []types.StringModifier) (*jsonops.Pipeline, error) {
	for _, m := range mods {
		if m.TableLookup != nil {
			if err := c.checkCase(m.TableLookup.FcUnsuccessfulOperation); err != nil {
				return nil, err
			}
		}
	}
	return jsonops.CompileModifiers(mods)
}

func actionKinds(a types.Action) []ActionKind {
	var kinds []ActionKind
	add := func(set bool, k ActionKind) {
		if set {
			kinds = append(kinds, k)
		}
	}
	add(a.AddHeader != nil, ActionAddHeader)
	add(a.RemoveHeader != nil, ActionRemoveHeader)
	add(a.ModifyHeader != nil, ActionModifyHeader)
	add(a.ModifyQueryParam != nil, ActionModifyQueryParam)
	add(a.RemoveQueryParam != nil, ActionRemoveQueryParam)
	add(a.TransformURI != nil, ActionTransformURI)
	add(a.CreateBody != nil, ActionCreateBody)
	add(a.ModifyJSONBody != nil, ActionModifyJSONBody)
	add(a.ModifyVariable != nil, ActionModifyVariable)
	add(a.Log != nil, ActionLog)
	add(a.ReportEvent != nil, ActionReportEvent)
	add(a.RouteToPool != nil, ActionRouteToPool)
	add(a.RouteToRoamingPartner != nil, ActionRouteToRoamingPartner)
	add(a.RejectMessage != nil, ActionRejectMessage)
	add(a.DropMessage, ActionDropMessage)
	add(a.ModifyStatusCode != nil, ActionModifyStatusCode)
	add(a.SlfLookup != nil, ActionSlfLookup)
	add(a.NfDiscovery != nil, ActionNfDiscovery)
	add(a.GotoFilterCase != "", ActionGotoFilterCase)
	add(a.ExitFilterCase, ActionExitFilterCase)
	return kinds
}

func compileRouting(behaviour, preserve string) (types.RoutingBehaviour, error) {
	b, err := types.ParseRoutingBehaviour(behaviour)
	if err != nil {
		return 0, err
	}
	switch preserve {
	case "":
	case PreserveTargetAPIRoot, PreserveAbsolutePath:
		if b.IsRemote() {
			return 0, fmt.Errorf("preserve_if_indirect with %s: %w", b, types.ErrInvalidAction)
		}
	default:
		return 0, fmt.Errorf("preserve_if_indirect %q: %w", preserve, types.ErrUnknownEnum)
	}
	return b, nil
}

func checkFormat(f string) error {
	switch f {
	case "", FormatJSON, FormatPlainText:
		return nil
	}
	return fmt.Errorf("message_format %q: %w", f, types.ErrUnknownEnum)
}

func parseLogLevel(s string) (zapcore.Level, error) {
	switch s {
	case "":
		return zapcore.InfoLevel, nil
	case "warning", "WARNING", "WARN":
		return zapcore.WarnLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, types.ErrUnknownEnum)
	}
	return lvl, nil
}

func parseEvent(e *types.ReportEventAction) (EventSpec, error) {
	var spec EventSpec
	var err error
	if spec.Type, err = types.ParseEventType(e.EventType); err != nil {
		return spec, err
	}
	if spec.Category, err = types.ParseEventCategory(e.EventCategory); err != nil {
		return spec, err
	}
	if spec.Severity, err = types.ParseEventSeverity(e.EventSeverity); err != nil {
		return spec, err
	}
	if spec.Action, err = types.ParseEventAction(e.EventAction); err != nil {
		return spec, err
	}
	return spec, nil
}

// Case returns the filter case called name.
func (c *Config) Case(name string) (*FilterCase, bool) {
	fc, ok := c.cases[name]
	return fc, ok
}

// CaseNames returns all filter case names in sorted order.
func (c *Config) CaseNames() []string {
	names := make([]string, 0, len(c.cases))
	for n := range c.cases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NetworkNames returns the configured ingress networks in sorted order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.networks))
	for n := range c.networks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartCases returns the configured start filter cases of a phase. Request
// screening and routing are keyed by the ingress network, out-request and
// in-response screening by the upstream cluster.
func (c *Config) StartCases(phase types.Phase, network, cluster string) []string {
	switch phase {
	case types.PhaseScreening1:
		return c.networks[network].InRequestScreening
	case types.PhaseRouting:
		if r := c.networks[network].Routing; r != "" {
			return []string{r}
		}
	case types.PhaseScreening3:
		return c.clusters[cluster].OutRequestScreening
	case types.PhaseScreening4:
		return c.clusters[cluster].InResponseScreening
	case types.PhaseScreening6:
		return c.networks[network].OutResponseScreening
	}
	return nil
}

// RoamingPartnerPool returns the pool configured for a roaming partner.
func (c *Config) RoamingPartnerPool(name string) (string, bool) {
	p, ok := c.partners[name]
	return p, ok
}

// Table returns a key-value table.
func (c *Config) Table(name string) (map[string]string, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// TableEntries returns the number of entries across all tables.
func (c *Config) TableEntries() int {
	n := 0
	for _, t := range c.tables {
		n += len(t)
	}
	return n
}

// WithTables returns a copy of c whose tables are overlaid with extra.
// Entries in extra win over entries of the same table and key.
func (c *Config) WithTables(extra map[string]map[string]string) *Config {
	cp := *c
	cp.tables = make(map[string]map[string]string, len(c.tables)+len(extra))
	for name, entries := range c.tables {
		merged := make(map[string]string, len(entries))
		for k, v := range entries {
			merged[k] = v
		}
		cp.tables[name] = merged
	}
	for name, entries := range extra {
		merged, ok := cp.tables[name]
		if !ok {
			merged = make(map[string]string, len(entries))
			cp.tables[name] = merged
		}
		for k, v := range entries {
			merged[k] = v
		}
	}
	return &cp
}
