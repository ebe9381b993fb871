package relay

import (
	"fmt"
)

// Common error types for relay connections
var (
	// Validation errors
	ErrInvalidTimeRange = fmt.Errorf("'since' timestamp is after 'until' timestamp")
	ErrTooManyTagValues = fmt.Errorf("too many values in tag filter (max 20)")
	ErrInvalidPubkey    = fmt.Errorf("invalid pubkey format")
	ErrEmptyFilters     = fmt.Errorf("at least one filter is required")

	// Frame errors
	ErrInvalidJSON   = fmt.Errorf("invalid JSON format")
	ErrUnknownFrame  = fmt.Errorf("unknown frame label")
	ErrShortFrame    = fmt.Errorf("frame has too few elements")
	ErrInvalidSubID  = fmt.Errorf("invalid subscription id")
	ErrInvalidOKFlag = fmt.Errorf("OK frame flag is not a boolean")

	// Connection errors
	ErrConnectionClosed = fmt.Errorf("connection closed")
)
