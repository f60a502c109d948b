// Package deepgram provides a Deepgram Aura-backed TTS provider using the
// Deepgram speak REST API. It implements the tts.Provider interface.
//
// Aura voices are model names (e.g., "aura-asteria-en"); the voice ID passed
// to synthesis selects the model.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/donnalabs/donna/pkg/provider/tts"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/speak"

	// DefaultVoice is the default Aura voice model.
	DefaultVoice = "aura-asteria-en"

	// Telephony output defaults.
	defaultEncoding   = "mulaw"
	defaultSampleRate = 8000

	// streamChunkSize is the read size used when relaying the HTTP audio
	// stream onto the channel. 4 KiB keeps latency low without tiny writes.
	streamChunkSize = 4096
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithEndpoint overrides the speak endpoint URL. Useful for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimSuffix(endpoint, "/")
	}
}

// WithEncoding sets the output encoding and sample rate (e.g., "mulaw"/8000
// for telephony, "mp3"/0 for cached artifacts; a zero sample rate omits the
// parameter).
func WithEncoding(encoding string, sampleRate int) Option {
	return func(p *Provider) {
		p.encoding = encoding
		p.sampleRate = sampleRate
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by the Deepgram speak API.
type Provider struct {
	apiKey     string
	endpoint   string
	encoding   string
	sampleRate int
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Deepgram TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		encoding:   defaultEncoding,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// buildURL constructs the speak endpoint URL for the given voice model.
func (p *Provider) buildURL(voice tts.Voice) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := voice.ID
	if model == "" {
		model = DefaultVoice
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", p.encoding)
	if p.sampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	}
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// speakRequest is the JSON body for POST /v1/speak.
type speakRequest struct {
	Text string `json:"text"`
}

// start issues the speak request and returns the audio body stream.
func (p *Provider) start(ctx context.Context, text string, voice tts.Voice) (io.ReadCloser, error) {
	reqURL, err := p.buildURL(voice)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: build URL: %w", err)
	}

	body, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: %w: %w", tts.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("deepgram tts: %w: status %d: %s",
			tts.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

// SynthesizeStream synthesizes each text fragment in arrival order and
// relays the audio bytes onto the returned channel as they stream in.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	audio := make(chan []byte, 64)

	go func() {
		defer close(audio)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(fragment) == "" {
					continue
				}
				if !p.relay(ctx, fragment, voice, audio) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audio, nil
}

// relay streams one fragment's audio onto the channel. Returns false when
// the stream should end (cancellation or transport failure).
func (p *Provider) relay(ctx context.Context, fragment string, voice tts.Voice, audio chan<- []byte) bool {
	body, err := p.start(ctx, fragment, voice)
	if err != nil {
		return false
	}
	defer body.Close()

	for {
		buf := make([]byte, streamChunkSize)
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case audio <- buf[:n]:
			case <-ctx.Done():
				return false
			}
		}
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}

// Synthesize produces the complete audio for text in one call.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("deepgram tts: text must not be empty")
	}

	body, err := p.start(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	out, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: %w: read audio: %w", tts.ErrUnavailable, err)
	}
	return out, nil
}

// ContentType implements tts.Provider.
func (p *Provider) ContentType() string {
	switch p.encoding {
	case "mulaw":
		return "audio/basic"
	case "mp3":
		return "audio/mpeg"
	case "linear16":
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}
