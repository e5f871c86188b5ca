// Package relay provides transports that carry Nostr events: a websocket
// pool speaking NIP-01 to public relays and a Redis-backed bus for private
// deployments.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/gencore/internal/nostr"
)

// Message labels used on the wire.
const (
	labelEvent  = "EVENT"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelOK     = "OK"
	labelEOSE   = "EOSE"
	labelNotice = "NOTICE"
	labelClosed = "CLOSED"
)

// envelope is a decoded relay-to-client message.
type envelope struct {
	Label   string
	SubID   string
	Event   *nostr.Event
	EventID string
	OK      bool
	Message string
}

func encodeEvent(ev *nostr.Event) ([]byte, error) {
	return json.Marshal([]any{labelEvent, ev})
}

func encodeReq(subID string, f nostr.Filter) ([]byte, error) {
	return json.Marshal([]any{labelReq, subID, f})
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{labelClose, subID})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return envelope{}, fmt.Errorf("decoding relay message: %w", err)
	}
	if len(raw) == 0 {
		return envelope{}, errors.New("empty relay message")
	}
	var env envelope
	if err := json.Unmarshal(raw[0], &env.Label); err != nil {
		return envelope{}, fmt.Errorf("decoding label: %w", err)
	}

	str := func(i int, dst *string) error {
		if len(raw) <= i {
			return fmt.Errorf("%s message too short", env.Label)
		}
		return json.Unmarshal(raw[i], dst)
	}

	switch env.Label {
	case labelEvent:
		if err := str(1, &env.SubID); err != nil {
			return envelope{}, err
		}
		if len(raw) < 3 {
			return envelope{}, errors.New("EVENT message without event")
		}
		env.Event = new(nostr.Event)
		if err := json.Unmarshal(raw[2], env.Event); err != nil {
			return envelope{}, fmt.Errorf("decoding event: %w", err)
		}
	case labelOK:
		if err := str(1, &env.EventID); err != nil {
			return envelope{}, err
		}
		if len(raw) < 3 {
			return envelope{}, errors.New("OK message without status")
		}
		if err := json.Unmarshal(raw[2], &env.OK); err != nil {
			return envelope{}, fmt.Errorf("decoding OK status: %w", err)
		}
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &env.Message)
		}
	case labelEOSE:
		if err := str(1, &env.SubID); err != nil {
			return envelope{}, err
		}
	case labelClosed:
		if err := str(1, &env.SubID); err != nil {
			return envelope{}, err
		}
		if len(raw) > 2 {
			_ = json.Unmarshal(raw[2], &env.Message)
		}
	case labelNotice:
		if err := str(1, &env.Message); err != nil {
			return envelope{}, err
		}
	}
	return env, nil
}
