package types

import "fmt"

// EventType classifies a reported screening event.
type EventType int

const (
	EventHTTPSyntaxError EventType = iota
	EventHTTPHeaderTooMany
	EventHTTPHeaderTooLong
	EventHTTPHeaderNotAllowed
	EventHTTPBodyTooLong
	EventHTTPBodyExtraBodies
	EventHTTPJSONBodySyntaxErr
	EventHTTPJSONBodyTooManyLeaves
	EventHTTPJSONBodyMaxDepthExceeded
	EventUnauthorizedServiceOperation
	EventBarredHTTP1
	EventUserDefined
)

// ParseEventType converts a configuration string to an EventType.
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "HTTP_SYNTAX_ERROR":
		return EventHTTPSyntaxError, nil
	case "HTTP_HEADER_TOO_MANY":
		return EventHTTPHeaderTooMany, nil
	case "HTTP_HEADER_TOO_LONG":
		return EventHTTPHeaderTooLong, nil
	case "HTTP_HEADER_NOT_ALLOWED":
		return EventHTTPHeaderNotAllowed, nil
	case "HTTP_BODY_TOO_LONG":
		return EventHTTPBodyTooLong, nil
	case "HTTP_BODY_EXTRA_BODIES":
		return EventHTTPBodyExtraBodies, nil
	case "HTTP_JSON_BODY_SYNTAX_ERR":
		return EventHTTPJSONBodySyntaxErr, nil
	case "HTTP_JSON_BODY_TOO_MANY_LEAVES":
		return EventHTTPJSONBodyTooManyLeaves, nil
	case "HTTP_JSON_BODY_MAX_DEPTH_EXCEEDED":
		return EventHTTPJSONBodyMaxDepthExceeded, nil
	case "UNAUTHORIZED_SERVICE_OPERATION_DETECTED":
		return EventUnauthorizedServiceOperation, nil
	case "BARRED_HTTP1":
		return EventBarredHTTP1, nil
	case "", "USER_DEFINED_EVENT":
		return EventUserDefined, nil
	}
	return 0, fmt.Errorf("event type %q: %w", s, ErrUnknownEnum)
}

func (t EventType) String() string {
	switch t {
	case EventHTTPSyntaxError:
		return "ERIC_EVENT_SC_HTTP_SYNTAX_ERROR"
	case EventHTTPHeaderTooMany:
		return "ERIC_EVENT_SC_HTTP_HEADER_TOO_MANY"
	case EventHTTPHeaderTooLong:
		return "ERIC_EVENT_SC_HTTP_HEADER_TOO_LONG"
	case EventHTTPHeaderNotAllowed:
		return "ERIC_EVENT_SC_HTTP_HEADER_NOT_ALLOWED"
	case EventHTTPBodyTooLong:
		return "ERIC_EVENT_SC_HTTP_BODY_TOO_LONG"
	case EventHTTPBodyExtraBodies:
		return "ERIC_EVENT_SC_HTTP_BODY_EXTRA_BODIES"
	case EventHTTPJSONBodySyntaxErr:
		return "ERIC_EVENT_SC_HTTP_JSON_BODY_SYNTAX_ERR"
	case EventHTTPJSONBodyTooManyLeaves:
		return "ERIC_EVENT_SC_HTTP_JSON_BODY_TOO_MANY_LEAVES"
	case EventHTTPJSONBodyMaxDepthExceeded:
		return "ERIC_EVENT_SC_HTTP_JSON_BODY_MAX_DEPTH_EXCEEDED"
	case EventUnauthorizedServiceOperation:
		return "ERIC_EVENT_SC_UNAUTHORIZED_SERVICE_OPERATION_DETECTED"
	case EventBarredHTTP1:
		return "ERIC_EVENT_SC_BARRED_HTTP1"
	case EventUserDefined:
		return "ERIC_EVENT_SC_USER_DEFINED_EVENT"
	}
	return fmt.Sprintf("event_type(%d)", int(t))
}

// EventCategory classifies the event domain. Only SECURITY exists today.
type EventCategory int

const (
	EventCategorySecurity EventCategory = iota
)

// ParseEventCategory converts a configuration string to an EventCategory.
func ParseEventCategory(s string) (EventCategory, error) {
	switch s {
	case "", "SECURITY":
		return EventCategorySecurity, nil
	}
	return 0, fmt.Errorf("event category %q: %w", s, ErrUnknownEnum)
}

func (c EventCategory) String() string {
	switch c {
	case EventCategorySecurity:
		return "security"
	}
	return fmt.Sprintf("event_category(%d)", int(c))
}

// EventSeverity is the reported severity.
type EventSeverity int

const (
	EventSeverityInfo EventSeverity = iota
	EventSeverityDebug
	EventSeverityWarning
	EventSeverityError
	EventSeverityCritical
)

// ParseEventSeverity converts a configuration string to an EventSeverity.
func ParseEventSeverity(s string) (EventSeverity, error) {
	switch s {
	case "", "INFO":
		return EventSeverityInfo, nil
	case "DEBUG":
		return EventSeverityDebug, nil
	case "WARNING":
		return EventSeverityWarning, nil
	case "ERROR":
		return EventSeverityError, nil
	case "CRITICAL":
		return EventSeverityCritical, nil
	}
	return 0, fmt.Errorf("event severity %q: %w", s, ErrUnknownEnum)
}

func (s EventSeverity) String() string {
	switch s {
	case EventSeverityInfo:
		return "info"
	case EventSeverityDebug:
		return "debug"
	case EventSeverityWarning:
		return "warning"
	case EventSeverityError:
		return "error"
	case EventSeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("event_severity(%d)", int(s))
}

// EventAction records what the proxy did with the offending message.
type EventAction int

const (
	EventActionRejected EventAction = iota
	EventActionDropped
	EventActionIgnored
	EventActionRepaired
)

// ParseEventAction converts a configuration string to an EventAction.
func ParseEventAction(s string) (EventAction, error) {
	switch s {
	case "REJECTED":
		return EventActionRejected, nil
	case "DROPPED":
		return EventActionDropped, nil
	case "", "IGNORED":
		return EventActionIgnored, nil
	case "REPAIRED":
		return EventActionRepaired, nil
	}
	return 0, fmt.Errorf("event action %q: %w", s, ErrUnknownEnum)
}

func (a EventAction) String() string {
	switch a {
	case EventActionRejected:
		return "rejected"
	case EventActionDropped:
		return "dropped"
	case EventActionIgnored:
		return "ignored"
	case EventActionRepaired:
		return "repaired"
	}
	return fmt.Sprintf("event_action(%d)", int(a))
}
