package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for screening and routing operations.
var (
	// ErrUnknownFilterCase indicates a goto or start list names a filter case that does not exist.
	ErrUnknownFilterCase = errors.New("unknown filter case")

	// ErrDuplicateFilterCase indicates two filter cases share a name.
	ErrDuplicateFilterCase = errors.New("duplicate filter case name")

	// ErrMissingCondition indicates a filter rule has no condition.
	ErrMissingCondition = errors.New("filter rule has no condition")

	// ErrInvalidRegex indicates an extractor or search regex does not compile.
	ErrInvalidRegex = errors.New("invalid regular expression")

	// ErrInvalidAction indicates an action sets zero or several action kinds.
	ErrInvalidAction = errors.New("action must set exactly one kind")

	// ErrInvalidCondition indicates a condition sets zero or several operators.
	ErrInvalidCondition = errors.New("condition must set exactly one operator")

	// ErrInvalidTerm indicates a term sets zero or several kinds.
	ErrInvalidTerm = errors.New("term must set exactly one kind")

	// ErrInvalidPointer indicates a malformed JSON pointer.
	ErrInvalidPointer = errors.New("invalid JSON pointer")

	// ErrPointerTooDeep indicates a JSON pointer exceeds MaxPointerDepth.
	ErrPointerTooDeep = errors.New("JSON pointer exceeds maximum depth")

	// ErrUnknownPool indicates a roaming partner has no pool configured.
	ErrUnknownPool = errors.New("unknown roaming partner")

	// ErrUnknownEnum indicates an enum-valued configuration string is not recognised.
	ErrUnknownEnum = errors.New("unknown enum value")

	// ErrPathNotFound indicates a JSON pointer does not resolve in the document.
	ErrPathNotFound = errors.New("path not found")

	// ErrBodyNotJSON indicates the message body does not parse as JSON.
	ErrBodyNotJSON = errors.New("body is not valid JSON")

	// ErrBodyTooLarge indicates a body mutation would exceed MaxBodySize.
	ErrBodyTooLarge = errors.New("body exceeds maximum size")

	// ErrTableLookupMiss indicates a table lookup modifier found no entry.
	ErrTableLookupMiss = errors.New("table lookup found no entry")

	// ErrMalformedDiscovery indicates the discovery response spine has the wrong shape.
	ErrMalformedDiscovery = errors.New("discovery response malformed")

	// ErrEmptyDiscovery indicates the discovery response yields no usable endpoint.
	ErrEmptyDiscovery = errors.New("discovery result empty")

	// ErrLookupFailed indicates a lookup request could not be sent or timed out.
	ErrLookupFailed = errors.New("lookup request failed")

	// ErrInvalidConfig indicates a service or topology setting is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStreamDropped indicates a message was dropped by a screening action.
	ErrStreamDropped = errors.New("stream reset by message screening action")
)

// ConfigError locates a configuration compile error inside the filter tree.
type ConfigError struct {
	Location string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Location, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
