// internal/types/problem.go
package types

import (
	"strconv"
	"strings"
)

/*
 * Locally generated terminal responses.
 *
 * Every reply the engine produces on its own uses one of two content types:
 * application/problem+json with a body of the form
 *   {"status": N, "title": "T", "cause": "C", "detail": "D"}
 * or text/plain with the title as body. The catalogue entries are fixed;
 * test suites compare bodies byte for byte, so the field order and spacing
 * below must not change.
 */

// Content types used by local replies.
const (
	ContentTypeProblemJSON = "application/problem+json"
	ContentTypeJSON        = "application/json"
	ContentTypeText        = "text/plain"
)

// LocalReply is a response generated by the engine instead of the upstream.
type LocalReply struct {
	Status      int
	ContentType string
	Body        string
	Details     string // response code details reported to the host proxy
}

// Problem identifies one entry of the fixed local reply catalogue.
type Problem int

const (
	ProblemPayloadTooLarge Problem = iota
	ProblemRequestJSONOperation
	ProblemResponseJSONOperation
	ProblemTargetAPIRootMalformed
	ProblemNotifyURIMalformed
	ProblemDiscoveryMalformed
	ProblemDiscoveryEmpty
	ProblemNrfNotReachable
	ProblemNrfErrorResponse
	ProblemResponseTooLarge
)

// Reply returns the catalogue entry for p.
func (p Problem) Reply() LocalReply {
	switch p {
	case ProblemPayloadTooLarge:
		return problemReply(413, "Payload Too Large", "", "request_payload_too_large", "request_payload_too_large")
	case ProblemRequestJSONOperation:
		return problemReply(400, "Bad Request", "UNSPECIFIED_MSG_FAILURE", "request_json_operation_failed", "direct_response")
	case ProblemResponseJSONOperation:
		return problemReply(500, "Internal Server Error", "SYSTEM_FAILURE", "response_json_operation_failed", "direct_response")
	case ProblemTargetAPIRootMalformed:
		return problemReply(400, "Bad Request", "MANDATORY_IE_INCORRECT", "3gpp-sbi-target-apiroot_header_malformed", "direct_response")
	case ProblemNotifyURIMalformed:
		return problemReply(400, "Bad Request", "MANDATORY_IE_INCORRECT", "x-notify-uri_header_malformed", "direct_response")
	case ProblemDiscoveryMalformed:
		return problemReply(400, "Bad Request", "NF_DISCOVERY_FAILURE", "nf_discovery_response_malformed", "nf_discovery_response_malformed")
	case ProblemDiscoveryEmpty:
		return problemReply(400, "Bad Request", "NF_DISCOVERY_FAILURE", "nf_discovery_empty_result", "nf_discovery_empty_result")
	case ProblemNrfNotReachable:
		return problemReply(504, "Gateway Timeout", "NRF_NOT_REACHABLE", "nf_discovery_nrf_not_reachable", "nf_discovery_nrf_not_reachable")
	case ProblemNrfErrorResponse:
		return problemReply(502, "Bad Gateway", "NF_DISCOVERY_ERROR", "nf_discovery_error_response_received", "nf_discovery_error_response_received")
	case ProblemResponseTooLarge:
		return problemReply(500, "Internal Server Error", "SYSTEM_FAILURE", "response_payload_too_large", "response_payload_too_large")
	}
	return problemReply(500, "Internal Server Error", "SYSTEM_FAILURE", "", "direct_response")
}

// catalogue entries put cause before detail
func problemReply(status int, title, cause, detail, details string) LocalReply {
	var b strings.Builder
	b.WriteString(`{"status": `)
	b.WriteString(strconv.Itoa(status))
	b.WriteString(`, "title": "`)
	b.WriteString(title)
	b.WriteString(`"`)
	if cause != "" {
		b.WriteString(`, "cause": "`)
		b.WriteString(cause)
		b.WriteString(`"`)
	}
	if detail != "" {
		b.WriteString(`, "detail": "`)
		b.WriteString(detail)
		b.WriteString(`"`)
	}
	b.WriteString("}")
	return LocalReply{Status: status, ContentType: ContentTypeProblemJSON, Body: b.String(), Details: details}
}

// ProblemBody renders a configured problem body. Detail and cause are
// omitted when empty and follow the title in that order.
func ProblemBody(status int, title, detail, cause string) string {
	var b strings.Builder
	b.WriteString(`{"status": `)
	b.WriteString(strconv.Itoa(status))
	b.WriteString(`, "title": "`)
	b.WriteString(title)
	b.WriteString(`"`)
	if detail != "" {
		b.WriteString(`, "detail": "`)
		b.WriteString(detail)
		b.WriteString(`"`)
	}
	if cause != "" {
		b.WriteString(`, "cause": "`)
		b.WriteString(cause)
		b.WriteString(`"`)
	}
	b.WriteString("}")
	return b.String()
}
