// internal/lookup/requests.go
package lookup

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/consultant-1379/sc-envoy-sub001/internal/jsonops"
	"github.com/consultant-1379/sc-envoy-sub001/internal/message"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

/*
 * Lookup request construction and answer classification.
 *
 * NF discovery copies the 3gpp-Sbi-Discovery-* request headers into the
 * query string of
 *   GET /nnlf-disc/v0/nf-instances/<node type>?<query>
 * either all of them or only the configured names, then appends the
 * configured defaults for parameters still missing. service-names and
 * required-features keep only the first element of a list. A fixed set of
 * parameters carrying structured values is percent-encoded.
 *
 * The SLF query is
 *   GET <nslf api root><id type>=<id>&limit=1
 * and its answer lists addresses; the lowest non-negative priority wins.
 */

const discoveryHeaderPrefix = "3gpp-sbi-discovery-"

const correlationInfoHeader = "3gpp-sbi-correlation-info"

// percentEncoded lists the discovery parameters whose values are encoded.
var percentEncoded = map[string]bool{
	"target-plmn-list":                      true,
	"requester-plmn-list":                   true,
	"snssais":                               true,
	"requester-snssais":                     true,
	"plmn-specific-snssai-list":             true,
	"requester-plmn-specific-snssai-list":   true,
	"ipv4-index":                            true,
	"ipv6-index":                            true,
	"tai":                                   true,
	"guami":                                 true,
	"pgw-ip":                                true,
	"pfd-data":                              true,
	"chf-supported-plmn":                    true,
	"ext-preferred-locality":                true,
	"complex-query":                         true,
	"atsss-capability":                      true,
	"client-type":                           true,
	"lmf-id":                                true,
	"an-node-type":                          true,
	"rat-type":                              true,
	"preferred-tai":                         true,
	"target-snpn":                           true,
	"requester-snpn-list":                   true,
	"af-ee-data":                            true,
	"w-agf-info":                            true,
	"tngf-info":                             true,
	"twif-info":                             true,
	"preferred-api-versions":                true,
	"remote-plmn-id":                        true,
	"remote-snpn-id":                        true,
	"preferred-vendor-specific-features":    true,
	"preferred-vendor-specific-nf-features": true,
	"ml-analytics-info-list":                true,
	"mbs-session-id-list":                   true,
	"upf-n6-ip":                             true,
	"tai-list":                              true,
	"v2x-capability":                        true,
	"prose-capability":                      true,
	"exclude-nfservinst-list":               true,
	"preferred-analytics-delays":            true,
}

const reservedChars = ":/?#[]@!$&'()*+,;=\"< >\\{}%"

// Param is a resolved query parameter.
type Param struct {
	Key   string
	Value string
}

// QueryOptions selects the discovery parameters copied from the request.
type QueryOptions struct {
	UseAll       bool
	Use          []string
	AddIfMissing []Param
}

// DiscoveryQuery builds the NLF query string from the request headers.
func DiscoveryQuery(h *message.Headers, opts QueryOptions) string {
	var parts []string
	present := make(map[string]bool)

	if opts.UseAll {
		h.Each(func(name, value string) {
			if !strings.HasPrefix(name, discoveryHeaderPrefix) {
				return
			}
			param := name[len(discoveryHeaderPrefix):]
			parts = append(parts, queryPair(param, value))
			present[strings.ToLower(param)] = true
		})
	} else {
		for _, param := range opts.Use {
			value, ok := h.First(discoveryHeaderPrefix + param)
			if !ok {
				continue
			}
			parts = append(parts, queryPair(param, value))
			present[strings.ToLower(param)] = true
		}
	}

	for _, p := range opts.AddIfMissing {
		if present[strings.ToLower(p.Key)] {
			continue
		}
		parts = append(parts, queryPair(p.Key, p.Value))
	}
	return strings.Join(parts, "&")
}

func queryPair(name, value string) string {
	if name == "service-names" || name == "required-features" {
		if i := strings.IndexAny(value, " ,"); i >= 0 {
			value = value[:i]
		}
	}
	if percentEncoded[name] {
		value = percentEncode(value)
	}
	return name + "=" + value
}

// percentEncode escapes reserved and non-printable bytes.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c >= 0x7f || strings.IndexByte(reservedChars, c) >= 0 {
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// DiscoveryPath returns the NLF path for a query.
func DiscoveryPath(node types.NodeType, query string) string {
	return "/nnlf-disc/v0/nf-instances/" + node.String() + "?" + query
}

// SlfPath returns the SLF path for an identity.
func SlfPath(apiRoot, idType, id string) string {
	return apiRoot + idType + "=" + id + "&limit=1"
}

// Headers returns the headers common to both lookups. The correlation info
// of the screened request is forwarded unchanged.
func Headers(node types.NodeType, nrfGroup string, request *message.Headers) http.Header {
	h := http.Header{}
	h.Set("User-Agent", strings.ToUpper(node.String()))
	if nrfGroup != "" {
		h.Set("Nrf-Group", nrfGroup)
	}
	if request != nil {
		if v, ok := request.First(correlationInfoHeader); ok {
			h.Set(correlationInfoHeader, v)
		}
	}
	return h
}

// DiscoveryFailure maps a failed or non-200 NLF answer to its local reply.
// ok is false for a 200 answer, whose body is the discovery result.
func DiscoveryFailure(resp *Response, err error) (types.LocalReply, bool) {
	switch {
	case err != nil || resp == nil:
		return types.ProblemNrfNotReachable.Reply(), true
	case resp.Status == http.StatusOK:
		return types.LocalReply{}, false
	case resp.Status == http.StatusGatewayTimeout:
		return types.ProblemNrfNotReachable.Reply(), true
	case resp.Status >= 500 || resp.Status == http.StatusTooManyRequests:
		return types.ProblemNrfErrorResponse.Reply(), true
	}
	return types.LocalReply{
		Status:      resp.Status,
		ContentType: types.ContentTypeProblemJSON,
		Body:        string(resp.Body),
		Details:     "direct_response",
	}, true
}

// SlfOutcome classifies an SLF answer.
type SlfOutcome int

const (
	SlfFound SlfOutcome = iota
	SlfLookupFailure
	SlfIDNotFound
	SlfDestUnknown
)

func (o SlfOutcome) String() string {
	switch o {
	case SlfFound:
		return "found"
	case SlfLookupFailure:
		return "lookup_failure"
	case SlfIDNotFound:
		return "id_not_found"
	case SlfDestUnknown:
		return "dest_unknown"
	}
	return "slf_outcome(" + strconv.Itoa(int(o)) + ")"
}

// SlfRegion extracts the destination region from an SLF answer.
func SlfRegion(resp *Response, err error) (string, SlfOutcome) {
	if err != nil || resp == nil {
		return "", SlfLookupFailure
	}
	switch {
	case resp.Status == http.StatusNotFound:
		return "", SlfDestUnknown
	case resp.Status != http.StatusOK:
		return "", SlfLookupFailure
	}

	doc, derr := message.DecodeJSON(resp.Body)
	if derr != nil {
		return "", SlfLookupFailure
	}
	raw, ok := jsonops.Get(doc, "/addresses")
	if !ok {
		return "", SlfLookupFailure
	}
	if raw == nil {
		return "", SlfIDNotFound
	}
	addresses, ok := raw.([]any)
	if !ok {
		return "", SlfLookupFailure
	}
	if len(addresses) == 0 {
		return "", SlfIDNotFound
	}

	var (
		region      string
		minPriority int64
		found       bool
	)
	for _, item := range addresses {
		addr, ok := item.(map[string]any)
		if !ok {
			continue
		}
		priority := int64(0)
		if p, ok := addr["priority"]; ok {
			n, ok := asInt(p)
			if !ok {
				continue
			}
			priority = n
		}
		host := addressHost(addr)
		if host == "" || priority < 0 || (found && priority >= minPriority) {
			continue
		}
		region, minPriority, found = host, priority, true
	}
	if !found {
		return "", SlfDestUnknown
	}
	return region, SlfFound
}

// addressHost is the fqdn of an SLF address, else its first IPv6 address,
// else its first IPv4 address.
func addressHost(addr map[string]any) string {
	if fqdn, _ := addr["fqdn"].(string); fqdn != "" {
		return fqdn
	}
	if v6 := firstString(addr["ipv6Addresses"]); v6 != "" {
		return v6
	}
	return firstString(addr["ipv4Addresses"])
}

func firstString(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	s, _ := list[0].(string)
	return s
}

func asInt(v any) (int64, bool) {
	n, ok := v.(interface{ Int64() (int64, error) })
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}
