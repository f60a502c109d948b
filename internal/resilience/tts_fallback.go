package resilience

import (
	"context"

	"github.com/donnalabs/donna/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// This is how a premium voice degrades gracefully: ElevenLabs as primary,
// Deepgram Aura as fallback. Voice IDs are provider-specific, so the voice
// passed to a fallback should be one the fallback recognises; callers that
// mix providers pass each backend's default voice via [tts.Voice].
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream consumes text fragments and returns a channel of audio
// bytes, trying the first healthy provider. Only stream setup is covered by
// failover; mid-stream errors are the caller's responsibility.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// Synthesize produces the complete audio blob using the first healthy
// provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ContentType reports the primary's audio MIME type. All backends in a group
// must produce the telephony encoding, so the primary's answer stands for
// the group.
func (f *TTSFallback) ContentType() string {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.ContentType()
	}
	return ""
}
