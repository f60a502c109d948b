// Package mock provides a test double for the tts.Provider interface.
//
// The mock synthesizes deterministic audio: each text fragment becomes a
// sequence of fixed-size chunks derived from the text bytes, optionally
// paced by Delay so tests can cancel mid-stream.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/donnalabs/donna/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
// Zero values produce a single chunk per fragment with no pacing.
type Provider struct {
	mu sync.Mutex

	// ChunkSize is the synthetic frame size in bytes. Zero means 160
	// (one 20 ms mulaw telephony frame).
	ChunkSize int

	// Delay paces chunk emission, giving tests a window to cancel.
	Delay time.Duration

	// StreamErr, if non-nil, is returned by SynthesizeStream.
	StreamErr error

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// StreamCalls records every text fragment consumed across all streams.
	StreamCalls []string

	// SynthesizeCalls records every text passed to Synthesize.
	SynthesizeCalls []string
}

var _ tts.Provider = (*Provider)(nil)

func (p *Provider) chunkSize() int {
	if p.ChunkSize == 0 {
		return 160
	}
	return p.ChunkSize
}

// SynthesizeStream emits chunked synthetic audio for each text fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	size := p.chunkSize()
	delay := p.Delay
	p.mu.Unlock()

	audio := make(chan []byte, 64)
	go func() {
		defer close(audio)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.StreamCalls = append(p.StreamCalls, fragment)
				p.mu.Unlock()

				for _, chunk := range chunksFor(fragment, size) {
					if delay > 0 {
						select {
						case <-time.After(delay):
						case <-ctx.Done():
							return
						}
					}
					select {
					case audio <- chunk:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// Synthesize returns the concatenation of the chunks SynthesizeStream would
// emit for text.
func (p *Provider) Synthesize(_ context.Context, text string, _ tts.Voice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	p.SynthesizeCalls = append(p.SynthesizeCalls, text)

	var out []byte
	for _, chunk := range chunksFor(text, p.chunkSize()) {
		out = append(out, chunk...)
	}
	return out, nil
}

// ContentType implements tts.Provider.
func (p *Provider) ContentType() string { return "audio/basic" }

// chunksFor derives one chunk per chunkSize bytes of text, padding the last.
// A minimum of one chunk is always produced so that even short fragments
// yield audio.
func chunksFor(text string, size int) [][]byte {
	data := []byte(text)
	if len(data) == 0 {
		data = []byte{0}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunk := make([]byte, size)
		copy(chunk, data[:n])
		chunks = append(chunks, chunk)
		data = data[n:]
	}
	return chunks
}
