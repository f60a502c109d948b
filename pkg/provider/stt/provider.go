// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw audio frames in the
// telephony encoding and emits two streams of Transcript values —
// low-latency partials for barge-in detection and authoritative finals that
// drive the reasoning loop.
//
// Implementations must be safe for concurrent use. Audio input and
// transcript output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/donnalabs/donna/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new
// STT session. All fields must be compatible with what the underlying
// provider supports.
type StreamConfig struct {
	// Encoding is the audio codec of the inbound frames ("mulaw" for
	// telephony, "linear16" for PCM). An empty string uses the provider
	// default.
	Encoding string

	// SampleRate is the audio sample rate in Hz. Telephony media streams use
	// 8000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed; failing to
// do so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider for
	// transcription. The chunk must match the encoding agreed in
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits interim Transcript
	// values as the provider makes preliminary guesses. These drive barge-in
	// detection but must never be written to the call transcript.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a result. Finals advance the
	// committed transcript monotonically; empty-text events are filtered at
	// the source. The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Err reports why the session ended. It returns nil after a clean Close
	// and the terminal transport error if the provider dropped mid-stream.
	// Valid only after the Finals channel is closed; the orchestrator uses
	// it to decide whether to start a replacement session.
	Err() error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call), and a new session started after
// Close carries no state from its predecessor.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format configuration. The returned SessionHandle is ready to
	// accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
