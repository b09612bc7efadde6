package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedMessage is returned for relay frames that can't be decoded.
var ErrMalformedMessage = errors.New("malformed relay message")

// RelayMessage is one inbound frame: *EventMessage, *EOSEMessage, *OKMessage,
// *NoticeMessage or *ClosedMessage.
type RelayMessage interface {
	Label() string
}

// EventMessage delivers an event for a subscription.
type EventMessage struct {
	SubscriptionID string
	Event          Event
}

// EOSEMessage marks the end of stored events for a subscription.
type EOSEMessage struct {
	SubscriptionID string
}

// OKMessage acknowledges (or rejects) a published event.
type OKMessage struct {
	EventID string
	Success bool
	Message string
}

// NoticeMessage is a human-readable relay notice.
type NoticeMessage struct {
	Message string
}

// ClosedMessage means the relay ended a subscription on its own.
type ClosedMessage struct {
	SubscriptionID string
	Message        string
}

func (*EventMessage) Label() string  { return "EVENT" }
func (*EOSEMessage) Label() string   { return "EOSE" }
func (*OKMessage) Label() string     { return "OK" }
func (*NoticeMessage) Label() string { return "NOTICE" }
func (*ClosedMessage) Label() string { return "CLOSED" }

// Machine-readable prefixes relays put on OK and CLOSED messages.
const (
	ReasonRateLimited = "rate-limited"
	ReasonDuplicate   = "duplicate"
	ReasonBlocked     = "blocked"
	ReasonInvalid     = "invalid"
	ReasonPoW         = "pow"
	ReasonRestricted  = "restricted"
	ReasonError       = "error"
)

// Reason returns the machine-readable prefix of the message, if any.
func (m *OKMessage) Reason() string {
	return reasonPrefix(m.Message)
}

// IsRateLimited reports whether a rejection asks us to slow down.
func (m *OKMessage) IsRateLimited() bool {
	return !m.Success && m.Reason() == ReasonRateLimited
}

// Reason returns the machine-readable prefix of the message, if any.
func (m *ClosedMessage) Reason() string {
	return reasonPrefix(m.Message)
}

func reasonPrefix(msg string) string {
	prefix, _, found := strings.Cut(msg, ":")
	if !found {
		return ""
	}
	return strings.TrimSpace(prefix)
}

// ParseRelayMessage decodes a relay → client frame.
func ParseRelayMessage(data []byte) (RelayMessage, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return nil, fmt.Errorf("%w: bad label: %v", ErrMalformedMessage, err)
	}

	str := func(i int) (string, error) {
		if i >= len(frame) {
			return "", fmt.Errorf("%w: %s frame too short", ErrMalformedMessage, label)
		}
		var s string
		if err := json.Unmarshal(frame[i], &s); err != nil {
			return "", fmt.Errorf("%w: %s element %d: %v", ErrMalformedMessage, label, i, err)
		}
		return s, nil
	}

	switch label {
	case "EVENT":
		sub, err := str(1)
		if err != nil {
			return nil, err
		}
		if len(frame) < 3 {
			return nil, fmt.Errorf("%w: EVENT without event", ErrMalformedMessage)
		}
		var ev Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			return nil, fmt.Errorf("%w: EVENT payload: %v", ErrMalformedMessage, err)
		}
		return &EventMessage{SubscriptionID: sub, Event: ev}, nil
	case "EOSE":
		sub, err := str(1)
		if err != nil {
			return nil, err
		}
		return &EOSEMessage{SubscriptionID: sub}, nil
	case "OK":
		id, err := str(1)
		if err != nil {
			return nil, err
		}
		if len(frame) < 3 {
			return nil, fmt.Errorf("%w: OK without status", ErrMalformedMessage)
		}
		var ok bool
		if err := json.Unmarshal(frame[2], &ok); err != nil {
			return nil, fmt.Errorf("%w: OK status: %v", ErrMalformedMessage, err)
		}
		msg, _ := str(3)
		return &OKMessage{EventID: id, Success: ok, Message: msg}, nil
	case "NOTICE":
		msg, err := str(1)
		if err != nil {
			return nil, err
		}
		return &NoticeMessage{Message: msg}, nil
	case "CLOSED":
		sub, err := str(1)
		if err != nil {
			return nil, err
		}
		msg, _ := str(2)
		return &ClosedMessage{SubscriptionID: sub, Message: msg}, nil
	}
	return nil, fmt.Errorf("%w: unknown label %q", ErrMalformedMessage, label)
}

// ReqFrame encodes ["REQ", id, filters...].
func ReqFrame(subscriptionID string, filters []Filter) ([]byte, error) {
	frame := make([]any, 0, len(filters)+2)
	frame = append(frame, "REQ", subscriptionID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return json.Marshal(frame)
}

// CloseFrame encodes ["CLOSE", id].
func CloseFrame(subscriptionID string) ([]byte, error) {
	return json.Marshal([]any{"CLOSE", subscriptionID})
}

// EventFrame encodes ["EVENT", event] for publishing.
func EventFrame(e Event) ([]byte, error) {
	return json.Marshal([]any{"EVENT", e})
}
