package domain

import (
	"context"

	nostr "github.com/nbd-wtf/go-nostr"
)

// EventSink is an external event cache the pool notifies. The pool never
// reads from it.
type EventSink interface {
	// StoreEvent is called once per event id the first time any
	// subscription receives it.
	StoreEvent(ctx context.Context, evt *nostr.Event, relay string) error

	// MarkSeen is called when an already-known event is seen on another relay.
	MarkSeen(ctx context.Context, eventID string, relay string) error
}

// EventVerifier checks an inbound event before it reaches deduplication,
// typically by validating its signature.
type EventVerifier interface {
	Verify(evt *nostr.Event) bool
}

// VerifierFunc adapts a plain function to EventVerifier.
type VerifierFunc func(evt *nostr.Event) bool

// Verify calls f(evt).
func (f VerifierFunc) Verify(evt *nostr.Event) bool { return f(evt) }
