package relay

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Shugur-Network/relaypool/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
)

const (
	maxTagFilters   = 10
	maxTagValues    = 20
	maxSearchLength = 200
	maxKind         = 65535
)

// ValidateFilters checks every filter of an outgoing REQ.
func ValidateFilters(filters nostr.Filters) error {
	if len(filters) == 0 {
		return errors.Wrap(ErrEmptyFilters, errors.ErrorTypeValidation, "INVALID_FILTER", "Filter validation failed").
			WithSeverity(errors.SeverityLow)
	}
	for i, f := range filters {
		if err := ValidateFilter(f); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return nil
}

// ValidateFilter rejects filters that relays would refuse or misread.
// An empty filter is allowed and asks for everything.
func ValidateFilter(f nostr.Filter) error {
	// IDs may be prefixes
	for _, id := range f.IDs {
		if len(id) == 0 || len(id) > 64 || !isHexString(id) {
			return errors.FilterError(fmt.Sprintf("invalid ID format: %s", id))
		}
	}

	for _, author := range f.Authors {
		if !nostr.IsValid32ByteHex(author) {
			return errors.Wrap(ErrInvalidPubkey, errors.ErrorTypeValidation, "INVALID_FILTER",
				fmt.Sprintf("invalid author pubkey: %s", author)).WithSeverity(errors.SeverityLow)
		}
	}

	for _, kind := range f.Kinds {
		if kind < 0 || kind > maxKind {
			return errors.FilterError(fmt.Sprintf("invalid event kind: %d", kind))
		}
	}

	if len(f.Tags) > maxTagFilters {
		return errors.FilterError(fmt.Sprintf("too many tag filters (max %d)", maxTagFilters))
	}
	for tagName, values := range f.Tags {
		if tagName == "" {
			return errors.FilterError("empty tag name")
		}
		if len(values) > maxTagValues {
			return errors.Wrap(ErrTooManyTagValues, errors.ErrorTypeValidation, "INVALID_FILTER",
				fmt.Sprintf("too many values for tag '%s'", tagName)).WithSeverity(errors.SeverityLow)
		}
	}

	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return errors.Wrap(ErrInvalidTimeRange, errors.ErrorTypeValidation, "INVALID_FILTER", "invalid time range").
			WithSeverity(errors.SeverityLow)
	}

	if f.Limit < 0 {
		return errors.FilterError("limit must not be negative")
	}

	if f.Search != "" && len(strings.TrimSpace(f.Search)) > maxSearchLength {
		return errors.FilterError(fmt.Sprintf("search query too long (max %d chars)", maxSearchLength))
	}

	return nil
}

// isHexString checks if a string contains only hexadecimal characters.
// Odd-length prefixes are allowed.
func isHexString(s string) bool {
	if len(s)%2 == 1 {
		s += "0"
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
