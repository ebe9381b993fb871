package pool

import (
	"github.com/Shugur-Network/relaypool/internal/errors"
)

var (
	ErrPoolClosed         = errors.ClosedError("relay pool")
	ErrSubscriptionClosed = errors.ClosedError("subscription")
	ErrUnknownRelay       = errors.NotFoundError("relay")
	ErrNoTargets          = errors.New(errors.ErrorTypeState, "NO_TARGETS", "selector matched no relays")
	ErrNoIterator         = errors.New(errors.ErrorTypeState, "NO_ITERATOR", "subscription was created without a pull view")
	ErrInvalidEvent       = errors.New(errors.ErrorTypeValidation, "INVALID_EVENT", "event must carry a 32-byte hex id")
)
