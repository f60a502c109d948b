// Package tts defines the Provider interface for Text-to-Speech backends and
// the per-call Session that serializes speak requests on top of one.
//
// A TTS provider wraps a speech synthesis service (e.g., Deepgram Aura,
// ElevenLabs) and presents a uniform streaming interface. The primary entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a channel of raw audio bytes as they become available, enabling
// low-latency pipelining between reply text and the telephony stream.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the synthesis backend could not be reached or
// rejected the request at the transport level.
var ErrUnavailable = errors.New("tts: unavailable")

// Voice identifies a synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier (a model name for
	// Deepgram Aura, a voice ID for ElevenLabs).
	ID string

	// Name is the human-readable voice name, for logging.
	Name string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per active call).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw audio byte slices as they are
	// synthesised, in the telephony encoding (mulaw/8 kHz/mono).
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider failure.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// Synthesize produces the complete audio for text in one call. Used by
	// the audio artifact cache, which stores whole blobs.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)

	// ContentType returns the MIME type of the audio bytes this provider
	// produces (e.g., "audio/basic" for mulaw). Constant per instance.
	ContentType() string
}
