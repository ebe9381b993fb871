package relay

import (
	"encoding/json"
	"fmt"

	"github.com/Shugur-Network/relaypool/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
)

// FrameType is the literal label in the first position of a wire frame.
type FrameType string

const (
	FrameEvent  FrameType = "EVENT"
	FrameReq    FrameType = "REQ"
	FrameClose  FrameType = "CLOSE"
	FrameEOSE   FrameType = "EOSE"
	FrameOK     FrameType = "OK"
	FrameNotice FrameType = "NOTICE"
	FrameClosed FrameType = "CLOSED"
	FrameAuth   FrameType = "AUTH"
)

// Frame is a parsed inbound relay message. Only the fields relevant to
// Type are populated.
type Frame struct {
	Type           FrameType
	SubscriptionID string       // EVENT, EOSE, CLOSED
	Event          *nostr.Event // EVENT
	EventID        string       // OK
	OK             bool         // OK
	Message        string       // OK, NOTICE, CLOSED
	Challenge      string       // AUTH
}

// ParseFrame decodes a relay-to-client frame.
func ParseFrame(data []byte) (*Frame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, errors.Wrap(ErrInvalidJSON, errors.ErrorTypeProtocol, "MALFORMED_FRAME", err.Error())
	}
	if len(arr) < 2 {
		return nil, errors.FrameError("", ErrShortFrame.Error())
	}

	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, errors.FrameError("", "label is not a string")
	}

	f := &Frame{Type: FrameType(label)}
	switch f.Type {
	case FrameEvent:
		if len(arr) < 3 {
			return nil, errors.FrameError(label, ErrShortFrame.Error())
		}
		if err := unmarshalString(arr[1], &f.SubscriptionID); err != nil {
			return nil, errors.FrameError(label, ErrInvalidSubID.Error())
		}
		var evt nostr.Event
		if err := json.Unmarshal(arr[2], &evt); err != nil {
			return nil, errors.FrameError(label, fmt.Sprintf("event: %v", err))
		}
		if !nostr.IsValid32ByteHex(evt.ID) {
			return nil, errors.FrameError(label, "event id is not 32-byte hex")
		}
		f.Event = &evt

	case FrameEOSE:
		if err := unmarshalString(arr[1], &f.SubscriptionID); err != nil {
			return nil, errors.FrameError(label, ErrInvalidSubID.Error())
		}

	case FrameClosed:
		if err := unmarshalString(arr[1], &f.SubscriptionID); err != nil {
			return nil, errors.FrameError(label, ErrInvalidSubID.Error())
		}
		if len(arr) > 2 {
			_ = json.Unmarshal(arr[2], &f.Message)
		}

	case FrameOK:
		if len(arr) < 3 {
			return nil, errors.FrameError(label, ErrShortFrame.Error())
		}
		if err := json.Unmarshal(arr[1], &f.EventID); err != nil || f.EventID == "" {
			return nil, errors.FrameError(label, "event id is not a string")
		}
		if err := json.Unmarshal(arr[2], &f.OK); err != nil {
			return nil, errors.FrameError(label, ErrInvalidOKFlag.Error())
		}
		// the message is optional on some older relays
		if len(arr) > 3 {
			_ = json.Unmarshal(arr[3], &f.Message)
		}

	case FrameNotice:
		if err := json.Unmarshal(arr[1], &f.Message); err != nil {
			return nil, errors.FrameError(label, "notice is not a string")
		}

	case FrameAuth:
		if err := json.Unmarshal(arr[1], &f.Challenge); err != nil {
			return nil, errors.FrameError(label, "challenge is not a string")
		}

	default:
		return nil, errors.Wrap(ErrUnknownFrame, errors.ErrorTypeProtocol, "UNKNOWN_FRAME", fmt.Sprintf("Unknown relay frame %q", label)).
			WithSeverity(errors.SeverityLow)
	}

	return f, nil
}

func unmarshalString(raw json.RawMessage, dst *string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if *dst == "" {
		return ErrInvalidSubID
	}
	return nil
}

// marshalFrame marshals a top-level array like ["CLOSE", subID] or ["REQ", subID, filter...].
func marshalFrame(label FrameType, args ...interface{}) ([]byte, error) {
	data := append([]interface{}{string(label)}, args...)
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", label, err)
	}
	return raw, nil
}

// ReqFrame builds ["REQ", id, filter1, filter2, ...].
func ReqFrame(subID string, filters nostr.Filters) ([]byte, error) {
	args := make([]interface{}, 0, len(filters)+1)
	args = append(args, subID)
	for _, f := range filters {
		args = append(args, f)
	}
	return marshalFrame(FrameReq, args...)
}

// CloseFrame builds ["CLOSE", id].
func CloseFrame(subID string) ([]byte, error) {
	return marshalFrame(FrameClose, subID)
}

// EventFrame builds ["EVENT", event] for publishing.
func EventFrame(evt *nostr.Event) ([]byte, error) {
	return marshalFrame(FrameEvent, evt)
}

// AuthFrame builds ["AUTH", event] answering a NIP-42 challenge.
func AuthFrame(evt *nostr.Event) ([]byte, error) {
	return marshalFrame(FrameAuth, evt)
}
