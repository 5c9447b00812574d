// internal/engine/actions_routing.go
package engine

/*
 * Routing actions.
 *
 * route_to_pool and route_to_roaming_partner decide the upstream cluster and
 * publish everything the host proxy needs to route and reselect as request
 * headers and dynamic metadata:
 *   - x-cluster:             the chosen pool
 *   - x-host:                preferred or strict target, excluded on reselection
 *   - x-envoy-max-retries:   remote routing, one retry per extra target
 *   - routing-behaviour md and friends (see outcome.go)
 *
 * Both actions end the filter case. A malformed 3gpp-sbi-target-apiroot or
 * x-notify-uri header under a behaviour that relies on it ends the message
 * with a 400 reply instead.
 */

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/rules"
	"github.com/consultant-1379/sc-envoy-sub001/internal/selection"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

const (
	headerAuthority         = ":authority"
	headerScheme            = ":scheme"
	headerPath              = ":path"
	headerNotifyURI         = "x-notify-uri"
	headerOrigAbsolutePath  = "x-eric-original-absolute-path"
	headerSchemeHTTPS       = "x-scheme-https"
	headerEnvoyMaxRetries   = "x-envoy-max-retries"
	mdTrue                  = "true"
	schemeHTTP, schemeHTTPS = "http", "https"
)

// routeParams is the part of both routing actions the common path needs.
type routeParams struct {
	pool          string
	behaviour     types.RoutingBehaviour
	preserve      string
	preferred     *types.Value
	keepAuthority bool
}

func (t *Transaction) routeToPool(a *types.RouteToPoolAction, behaviour types.RoutingBehaviour) actionOutcome {
	p := routeParams{
		pool:          t.env().Resolve(a.PoolName),
		behaviour:     behaviour,
		preserve:      a.PreserveIfIndirect,
		preferred:     a.PreferredTarget,
		keepAuthority: a.KeepAuthorityHeader,
	}
	if p.keepAuthority {
		t.decision.set(mdKeepAuthorityHeader, mdTrue)
	}
	if behaviour == types.RoutingStrictDFP {
		t.prepareDynamicForwarding()
	}
	if out, ok := t.route(p); !ok {
		return out
	}
	if behaviour.IsRemote() {
		if out, ok := t.routeRemote(a, behaviour); !ok {
			return out
		}
	}
	return exitCase()
}

func (t *Transaction) routeToRoamingPartner(a *types.RouteToRoamingPartnerAction, pool string, behaviour types.RoutingBehaviour) actionOutcome {
	if a.KeepAuthorityHeader {
		t.decision.set(mdKeepAuthorityHeader, mdTrue)
	}
	out, ok := t.route(routeParams{
		pool:      pool,
		behaviour: behaviour,
		preserve:  a.PreserveIfIndirect,
		preferred: a.PreferredTarget,
	})
	if !ok {
		return out
	}
	return exitCase()
}

// prepareDynamicForwarding copies the authority and scheme of the
// target-api-root into the pseudo headers so strict routing tables apply.
func (t *Transaction) prepareDynamicForwarding() {
	h := t.current.Headers
	tar, ok := h.First(headerTargetAPIRoot)
	if !ok {
		return
	}
	scheme := schemeHTTP
	if strings.HasPrefix(tar, "https://") {
		scheme = schemeHTTPS
	}
	host, _ := hostAndPort(tar)
	h.Set(headerAuthority, host)
	h.Set(headerScheme, scheme)
	t.decision.set(mdDfpRemoveTaR, mdTrue)
}

// route runs the steps shared by both routing actions. ok is false when the
// message ended with a local reply.
func (t *Transaction) route(p routeParams) (actionOutcome, bool) {
	h := t.current.Headers
	t.decision.Routed = true
	t.decision.Cluster = p.pool
	t.decision.Behaviour = p.behaviour
	h.Set(headerXCluster, p.pool)
	t.decision.set(mdRoutingBehaviour, p.behaviour.String())

	if p.preserve != "" && !p.behaviour.IsRemote() {
		t.preserveIfIndirect(p.preserve)
	}

	tar, hasTaR := h.First(headerTargetAPIRoot)
	if p.behaviour.NeedsTargetAPIRoot() {
		if hasTaR && !validAbsoluteURI(tar) {
			return t.localReply(types.ProblemTargetAPIRootMalformed.Reply()), false
		}
		if notify, ok := h.First(headerNotifyURI); ok && !validAbsoluteURI(notify) {
			return t.localReply(types.ProblemNotifyURIMalformed.Reply()), false
		}
	}

	var preferredHost string
	if t.e.cfg.NodeType == types.NodeSEPP {
		if hasTaR {
			preferredHost, _ = hostAndPort(tar)
		}
	} else if auth, ok := h.First(headerAuthority); ok {
		preferredHost = strings.ToLower(auth)
	}
	if preferredHost != "" {
		t.decision.PreferredHost = preferredHost
		t.decision.set(mdPreferredHost, preferredHost)
	}

	if p.preferred != nil {
		target := tar
		if t.e.cfg.NodeType != types.NodeSEPP || !hasTaR {
			target = t.env().Resolve(*p.preferred)
		}
		t.setTargetHost(target)
	}

	t.log.Debug("routing decided",
		zap.String("cluster", p.pool),
		zap.Stringer("behaviour", p.behaviour),
		zap.String("preferred_host", preferredHost),
		zap.String("target_host", t.decision.TargetHost))
	return actionOutcome{}, true
}

func (t *Transaction) preserveIfIndirect(preserve string) {
	switch preserve {
	case rules.PreserveTargetAPIRoot:
		t.decision.set(mdTargetAPIRootProcessing, mdTrue)
	case rules.PreserveAbsolutePath:
		h := t.current.Headers
		abs, ok := h.First(headerOrigAbsolutePath)
		if !ok {
			return
		}
		rel, _ := h.First(headerPath)
		t.decision.set(mdAbsolutePathProcessing, mdTrue)
		t.decision.set(mdRelativePathValue, rel)
		t.decision.set(mdAbsolutePathValue, abs)
		h.Remove(headerOrigAbsolutePath)
	}
}

// setTargetHost publishes the preferred or strict target in x-host.
func (t *Transaction) setTargetHost(target string) {
	host, https := hostAndPort(target)
	if https {
		t.current.Headers.Set(headerSchemeHTTPS, "")
	}
	t.current.Headers.Set(headerXHost, host)
	t.decision.TargetHost = host
}

// routeRemote computes the target-api-root list of a remote behaviour from
// the stored discovery result.
func (t *Transaction) routeRemote(a *types.RouteToPoolAction, behaviour types.RoutingBehaviour) (actionOutcome, bool) {
	if behaviour == types.RoutingRemotePreferred && (a.RemoteRetries == nil || *a.RemoteRetries < 0) {
		t.log.Debug("remote preferred routing without remote_retries")
		return actionOutcome{}, true
	}
	if a.RemoteReselections == nil || *a.RemoteReselections < 0 {
		t.log.Debug("remote routing without remote_reselections")
		return actionOutcome{}, true
	}
	if t.discovery == nil || t.discovery.Len() == 0 {
		return t.localReply(types.ProblemDiscoveryEmpty.Reply()), false
	}

	t.decision.set(mdTargetAPIRootProcessing, mdTrue)
	if pd := a.PreserveDiscParamsIfIndirect; pd != nil {
		if len(pd.Params) > 0 {
			t.decision.setList(mdDiscParamsPreserved, pd.Params)
		} else if pd.PreserveAll {
			t.decision.set(mdPreserveAllDiscParams, mdTrue)
		}
	}

	opts := selection.RemoteOptions{
		Reselections: *a.RemoteReselections,
		NfSetID:      t.nfSetID,
		IPVersion:    t.ipVersion,
	}
	if behaviour == types.RoutingRemotePreferred {
		if a.PreferredTarget == nil {
			t.log.Error("remote preferred routing without preferred_target")
			return actionOutcome{}, true
		}
		pref := t.env().Resolve(*a.PreferredTarget)
		if pref == "" {
			t.log.Error("remote preferred routing without preferred host")
			return actionOutcome{}, true
		}
		opts.Retries = a.RemoteRetries
		opts.PreferredTaR = pref
	}

	tars, err := t.e.selector.SelectTargets(t.discovery, opts)
	switch {
	case errors.Is(err, types.ErrMalformedDiscovery):
		return t.localReply(types.ProblemDiscoveryMalformed.Reply()), false
	case err != nil:
		return t.localReply(types.ProblemDiscoveryEmpty.Reply()), false
	}

	t.current.Headers.Set(headerEnvoyMaxRetries, strconv.Itoa(len(tars)-1))
	t.decision.TargetAPIRoots = tars
	t.decision.setList(mdTargetAPIRootValues, tars)
	return actionOutcome{}, true
}

// validAbsoluteURI accepts an http or https URI with a valid authority.
func validAbsoluteURI(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Opaque != "" {
		return false
	}
	if u.Scheme != schemeHTTP && u.Scheme != schemeHTTPS {
		return false
	}
	if u.Host == "" || u.User != nil {
		return false
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return false
		}
	}
	host := u.Hostname()
	if strings.Contains(u.Host, "[") {
		return net.ParseIP(host) != nil
	}
	return host != ""
}

// hostAndPort strips scheme and path from a URI and lower-cases the rest.
// A missing port is the default port of the scheme. https reports an
// https scheme.
func hostAndPort(uri string) (host string, https bool) {
	switch {
	case strings.HasPrefix(uri, "http://"):
		uri = uri[len("http://"):]
	case strings.HasPrefix(uri, "https://"):
		uri = uri[len("https://"):]
		https = true
	}
	if i := strings.IndexByte(uri, '/'); i >= 0 {
		uri = uri[:i]
	}
	if uri == "" {
		return "", https
	}
	host = strings.ToLower(uri)
	port := ":80"
	if https {
		port = ":443"
	}
	if !strings.Contains(uri, ":") || strings.HasSuffix(uri, "]") {
		host += port
	}
	return host, https
}
