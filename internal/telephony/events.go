// Package telephony adapts the Twilio media-stream websocket and webhooks to
// typed events and TwiML. It owns the wire format end to end: inbound frames
// are decoded into an Event sum type, outbound audio is re-encoded into
// Twilio media messages, and webhook requests are parsed and verified.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol indicates a frame that does not conform to the media-stream
// protocol. The session terminates on the first such frame.
var ErrProtocol = errors.New("telephony: protocol violation")

// Event is one decoded inbound media-stream message.
type Event interface {
	event()
}

// Connected is the handshake message Twilio sends after the websocket opens.
type Connected struct {
	Protocol string
	Version  string
}

// StreamStart announces the media stream and identifies the call.
type StreamStart struct {
	CallSID      string
	StreamSID    string
	AccountSID   string
	CallerNumber string
	CustomParams map[string]string
}

// StreamMedia carries one decoded inbound audio frame (mulaw, 8 kHz).
type StreamMedia struct {
	Payload []byte
}

// StreamStop signals the caller hung up or Twilio tore the stream down.
type StreamStop struct {
	CallSID string
}

// Mark confirms playback reached a previously sent mark.
type Mark struct {
	Name string
}

// DTMF reports a keypad press.
type DTMF struct {
	Digit string
}

func (Connected) event()   {}
func (StreamStart) event() {}
func (StreamMedia) event() {}
func (StreamStop) event()  {}
func (Mark) event()        {}
func (DTMF) event()        {}

// inboundFrame mirrors the wire shape of every inbound message; only the
// fields for the named event are populated.
type inboundFrame struct {
	Event     string `json:"event"`
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
	StreamSID string `json:"streamSid"`

	Start *struct {
		AccountSID       string            `json:"accountSid"`
		CallSID          string            `json:"callSid"`
		StreamSID        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`

	Media *struct {
		Payload string `json:"payload"`
	} `json:"media"`

	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`

	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`

	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

// callerPhoneParam is the custom <Parameter> name carrying the caller number
// into the stream.
const callerPhoneParam = "caller_phone"

// ParseEvent decodes one inbound websocket message into an Event.
func ParseEvent(data []byte) (Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrProtocol, err)
	}

	switch f.Event {
	case "connected":
		return Connected{Protocol: f.Protocol, Version: f.Version}, nil

	case "start":
		if f.Start == nil || f.Start.CallSID == "" {
			return nil, fmt.Errorf("%w: start frame without call sid", ErrProtocol)
		}
		streamSID := f.Start.StreamSID
		if streamSID == "" {
			streamSID = f.StreamSID
		}
		ev := StreamStart{
			CallSID:      f.Start.CallSID,
			StreamSID:    streamSID,
			AccountSID:   f.Start.AccountSID,
			CustomParams: f.Start.CustomParameters,
		}
		ev.CallerNumber = ev.CustomParams[callerPhoneParam]
		return ev, nil

	case "media":
		if f.Media == nil {
			return nil, fmt.Errorf("%w: media frame without payload", ErrProtocol)
		}
		payload, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload not base64: %v", ErrProtocol, err)
		}
		return StreamMedia{Payload: payload}, nil

	case "stop":
		ev := StreamStop{}
		if f.Stop != nil {
			ev.CallSID = f.Stop.CallSID
		}
		return ev, nil

	case "mark":
		if f.Mark == nil {
			return nil, fmt.Errorf("%w: mark frame without name", ErrProtocol)
		}
		return Mark{Name: f.Mark.Name}, nil

	case "dtmf":
		if f.DTMF == nil {
			return nil, fmt.Errorf("%w: dtmf frame without digit", ErrProtocol)
		}
		return DTMF{Digit: f.DTMF.Digit}, nil

	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrProtocol, f.Event)
	}
}

// outbound message shapes.

type mediaMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markMessage struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      markName `json:"mark"`
}

type markName struct {
	Name string `json:"name"`
}

type clearMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds an outbound media message carrying audio.
func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(mediaMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// EncodeMark builds an outbound mark message used for playback tracking.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(markMessage{Event: "mark", StreamSID: streamSID, Mark: markName{Name: name}})
}

// EncodeClear builds the clear message that discards Twilio's buffered
// outbound audio. Sent on barge-in.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(clearMessage{Event: "clear", StreamSID: streamSID})
}
