// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
//
// Tests drive a Session directly: EmitPartial and EmitFinal push transcript
// events to the consumer, SendAudio input is recorded, and Fail ends the
// session with a terminal error the way a dropped provider connection would.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/donnalabs/donna/pkg/provider/stt"
	"github.com/donnalabs/donna/pkg/types"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by StartStream.
	StartErr error

	// Sessions records every session handed out, in order.
	Sessions []*Session

	// StartCalls counts StartStream invocations.
	StartCalls int
}

var _ stt.Provider = (*Provider)(nil)

// StartStream returns a fresh mock Session, or StartErr if set.
func (p *Provider) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls++
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Started returns the number of StartStream calls so far.
func (p *Provider) Started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StartCalls
}

// LastSession returns the most recently handed out session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu       sync.Mutex
	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool
	err      error

	// Audio records every chunk passed to SendAudio.
	Audio [][]byte
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns an open mock session.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
	}
}

// SendAudio records the chunk. Returns an error after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.Audio = append(s.Audio, buf)
	return nil
}

// Partials returns the interim transcript channel.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// Err returns the terminal error set by Fail, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes both transcript channels. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
}

// EmitPartial delivers an interim transcript to the consumer.
func (s *Session) EmitPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.partials <- types.Transcript{Text: text, IsFinal: false}
}

// EmitFinal delivers a final transcript to the consumer.
func (s *Session) EmitFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.finals <- types.Transcript{Text: text, IsFinal: true, Confidence: 0.9}
}

// Fail ends the session with err, simulating a dropped provider connection.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closeLocked()
}
