// internal/selection/discovery.go
package selection

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Discovery result parsing.
 *
 * A discovery response is a JSON object whose "nfInstances" array lists NF
 * instances. Each instance carries its services either as an object
 * ("nfServiceList", keyed by service instance id) or as an array
 * ("nfServices"); each service may list "ipEndPoints".
 *
 * Shape errors on the spine (wrong JSON type where an array, object, string
 * or integer is required) are malformed-response errors. A well formed
 * response without instances, or without any usable endpoint, is an
 * empty-result error. The two are never merged.
 *
 * Endpoint attributes resolve service level first, then instance level:
 *   - host: fqdn, else the IP addresses allowed by the IP version
 *   - port: ipEndPoint port, else 80/443 by scheme
 *   - priority: default 65535 (lowest); capacity: default 0
 *
 * When a service spreads over several hosts, its capacity is split evenly
 * between them.
 */

// Discovery is a parsed discovery response.
type Discovery struct {
	instances []map[string]any
}

// Endpoint is one usable target derived from a discovery response.
type Endpoint struct {
	Instance types.NfInstance
	TaR      string // scheme://host:port[apiPrefix]
	Priority uint64
	Capacity uint64
}

// Parse decodes a discovery response body.
func Parse(body []byte) (*Discovery, error) {
	doc, err := message.DecodeJSON(body)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, types.ErrMalformedDiscovery)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top level is not an object: %w", types.ErrMalformedDiscovery)
	}
	raw, ok := obj["nfInstances"]
	if !ok {
		return nil, types.ErrEmptyDiscovery
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("nfInstances is not an array: %w", types.ErrMalformedDiscovery)
	}
	if len(list) == 0 {
		return nil, types.ErrEmptyDiscovery
	}

	d := &Discovery{instances: make([]map[string]any, 0, len(list))}
	for i, item := range list {
		inst, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("nfInstances[%d] is not an object: %w", i, types.ErrMalformedDiscovery)
		}
		d.instances = append(d.instances, inst)
	}
	return d, nil
}

// Len returns the number of NF instances.
func (d *Discovery) Len() int {
	return len(d.instances)
}

// filter narrows endpoint extraction.
type filter struct {
	ipVersion types.IPVersion
	nfSetID   string // only instances of this NF set, when set
	skipTaR   string // leave out this target-api-root
	byTaR     bool   // deduplicate on TaR instead of host:port
}

// endpoints returns the usable endpoints in response order.
func (d *Discovery) endpoints(f filter) ([]Endpoint, error) {
	var out []Endpoint
	seen := make(map[string]bool)

	for i, inst := range d.instances {
		setID, hasSet, err := nfSetID(inst)
		if err != nil {
			return nil, fmt.Errorf("nfInstances[%d]: %w", i, err)
		}
		if f.nfSetID != "" && hasSet && setID != f.nfSetID {
			continue
		}
		services, err := servicesOf(inst)
		if err != nil {
			return nil, fmt.Errorf("nfInstances[%d]: %w", i, err)
		}
		for _, svc := range services {
			eps, err := serviceEndpoints(inst, svc, f, seen)
			if err != nil {
				return nil, fmt.Errorf("nfInstances[%d]: %w", i, err)
			}
			out = append(out, eps...)
		}
	}
	return out, nil
}

func serviceEndpoints(inst, svc map[string]any, f filter, seen map[string]bool) ([]Endpoint, error) {
	scheme, err := schemeOf(svc)
	if err != nil {
		return nil, err
	}
	prefix, _ := svc["apiPrefix"].(string)

	var hostports []string
	if raw, ok := svc["ipEndPoints"]; ok {
		eps, ok := raw.([]any)
		if !ok {
			return nil, malformed("ipEndPoints")
		}
		for _, item := range eps {
			ep, ok := item.(map[string]any)
			if !ok {
				return nil, malformed("ipEndPoints element")
			}
			hp, err := hostPorts(inst, svc, ep, scheme, f.ipVersion)
			if err != nil {
				return nil, err
			}
			hostports = append(hostports, hp...)
		}
	} else {
		hp, err := hostPorts(inst, svc, nil, scheme, f.ipVersion)
		if err != nil {
			return nil, err
		}
		// without ipEndPoints only the first host counts
		if len(hp) > 1 {
			hp = hp[:1]
		}
		hostports = hp
	}

	var keep []Endpoint
	for _, hp := range hostports {
		tar := scheme + "://" + hp + prefix
		key := hp
		if f.byTaR {
			key = tar
			if tar == f.skipTaR {
				continue
			}
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		keep = append(keep, Endpoint{TaR: tar, Instance: types.NfInstance{Hostname: hp}})
	}
	if len(keep) == 0 {
		return nil, nil
	}

	priority, err := boundedInt(inst, svc, "priority", types.DefaultPriority)
	if err != nil {
		return nil, err
	}
	capacity, err := boundedInt(inst, svc, "capacity", types.DefaultCapacity)
	if err != nil {
		return nil, err
	}
	setID, _, _ := nfSetID(inst)
	instID, _ := inst["nfInstanceId"].(string)

	share := capacity / uint64(len(keep))
	for i := range keep {
		keep[i].Instance.NfSetID = setID
		keep[i].Instance.NfInstanceID = instID
		keep[i].Priority = priority
		keep[i].Capacity = share
	}
	return keep, nil
}

func servicesOf(inst map[string]any) ([]map[string]any, error) {
	if raw, ok := inst["nfServiceList"]; ok {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, malformed("nfServiceList")
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			svc, ok := obj[k].(map[string]any)
			if !ok {
				return nil, malformed("nfServiceList entry " + k)
			}
			out = append(out, svc)
		}
		return out, nil
	}
	if raw, ok := inst["nfServices"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, malformed("nfServices")
		}
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			svc, ok := item.(map[string]any)
			if !ok {
				return nil, malformed("nfServices element")
			}
			out = append(out, svc)
		}
		return out, nil
	}
	return nil, nil
}

func schemeOf(svc map[string]any) (string, error) {
	s, ok := svc["scheme"].(string)
	if !ok || (s != "http" && s != "https") {
		return "", malformed("scheme")
	}
	return s, nil
}

// hostPorts resolves the host:port pairs of one endpoint.
func hostPorts(inst, svc, ep map[string]any, scheme string, ipv types.IPVersion) ([]string, error) {
	hosts, err := hostsOf(inst, svc, ep, ipv)
	if err != nil || len(hosts) == 0 {
		return nil, err
	}
	port, err := portOf(ep, scheme)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h + ":" + port
	}
	return out, nil
}

func hostsOf(inst, svc, ep map[string]any, ipv types.IPVersion) ([]string, error) {
	for _, src := range []map[string]any{svc, inst} {
		if raw, ok := src["fqdn"]; ok {
			s, ok := raw.(string)
			if !ok {
				return nil, malformed("fqdn")
			}
			return []string{s}, nil
		}
	}

	switch ipv {
	case types.IPVersionDefault:
		return nil, nil
	case types.IPVersion4:
		if h, ok, err := endpointAddr(ep, "ipv4Address", false); ok || err != nil {
			return h, err
		}
		return addrList(inst, "ipv4Addresses", false)
	case types.IPVersion6:
		if h, ok, err := endpointAddr(ep, "ipv6Address", true); ok || err != nil {
			return h, err
		}
		return addrList(inst, "ipv6Addresses", true)
	case types.IPVersionDualStack:
		v4, _, err := endpointAddr(ep, "ipv4Address", false)
		if err != nil {
			return nil, err
		}
		v6, _, err := endpointAddr(ep, "ipv6Address", true)
		if err != nil {
			return nil, err
		}
		if hosts := append(v4, v6...); len(hosts) > 0 {
			return hosts, nil
		}
		l4, err := addrList(inst, "ipv4Addresses", false)
		if err != nil {
			return nil, err
		}
		l6, err := addrList(inst, "ipv6Addresses", true)
		if err != nil {
			return nil, err
		}
		return append(l4, l6...), nil
	}
	return nil, nil
}

func endpointAddr(ep map[string]any, key string, bracket bool) ([]string, bool, error) {
	if ep == nil {
		return nil, false, nil
	}
	raw, ok := ep[key]
	if !ok {
		return nil, false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, false, malformed(key)
	}
	if bracket {
		s = "[" + s + "]"
	}
	return []string{s}, true, nil
}

func addrList(inst map[string]any, key string, bracket bool) ([]string, error) {
	raw, ok := inst[key]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, malformed(key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, malformed(key + " element")
		}
		if bracket {
			s = "[" + s + "]"
		}
		out = append(out, s)
	}
	return out, nil
}

func portOf(ep map[string]any, scheme string) (string, error) {
	if ep != nil {
		if raw, ok := ep["port"]; ok {
			n, ok := integer(raw)
			if !ok {
				return "", malformed("port")
			}
			return strconv.FormatInt(n, 10), nil
		}
	}
	if scheme == "http" {
		return "80", nil
	}
	return "443", nil
}

// nfSetID returns the first element of nfSetIdList.
func nfSetID(inst map[string]any) (string, bool, error) {
	raw, ok := inst["nfSetIdList"]
	if !ok {
		return "", false, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return "", false, malformed("nfSetIdList")
	}
	if len(list) == 0 {
		return "", false, nil
	}
	s, ok := list[0].(string)
	if !ok {
		return "", false, malformed("nfSetIdList element")
	}
	return s, true, nil
}

// boundedInt reads an integer in [0, 65535] from the service, else the instance.
func boundedInt(inst, svc map[string]any, key string, def uint64) (uint64, error) {
	for _, src := range []map[string]any{svc, inst} {
		raw, ok := src[key]
		if !ok {
			continue
		}
		n, ok := integer(raw)
		if !ok || n < 0 || n > 65535 {
			return 0, malformed(key)
		}
		return uint64(n), nil
	}
	return def, nil
}

func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func malformed(what string) error {
	return fmt.Errorf("invalid %s: %w", what, types.ErrMalformedDiscovery)
}
