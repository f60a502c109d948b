package tts

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// Frame is one chunk of synthesized audio attributed to a speak request.
type Frame struct {
	// Data is raw audio in the provider's output encoding.
	Data []byte

	// SpeakID identifies the Speak call that produced this frame.
	SpeakID string
}

// SpeakDone signals that a speak request finished.
type SpeakDone struct {
	// ID is the speak request identifier.
	ID string

	// Cancelled is true when the request was aborted by Cancel or Close
	// before all audio was delivered.
	Cancelled bool

	// Err is the synthesis error, if the provider failed. Cancellation is
	// not an error.
	Err error
}

// Session serializes speak requests for one call on top of a Provider.
//
// Speak requests are FIFO: audio for request N+1 never starts before request
// N has finished or been cancelled. Cancel aborts the in-progress request at
// the next frame boundary and discards its undelivered frames; requests
// queued behind it still run. All methods are safe for concurrent use.
type Session struct {
	provider Provider
	voice    Voice

	requests chan speakReq
	frames   chan Frame
	doneCh   chan SpeakDone

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	seq           int
	outstanding   int
	idle          *sync.Cond
	cancelCurrent context.CancelFunc

	// Dropped counts outbound frames discarded because the consumer fell
	// behind. Read with FramesDropped.
	dropped int

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type speakReq struct {
	id   string
	text string
}

// NewSession creates a speech session bound to voice. Callers must consume
// Frames and Done, and must call Close when the call ends.
func NewSession(provider Provider, voice Voice) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		provider: provider,
		voice:    voice,
		requests: make(chan speakReq, 16),
		frames:   make(chan Frame, 256),
		doneCh:   make(chan SpeakDone, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.idle = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.run()
	return s
}

// Speak queues text for synthesis and returns the request identifier.
// Returns an error if the session is closed or the queue is full.
func (s *Session) Speak(text string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("tts: session is closed")
	}
	s.seq++
	id := "speak-" + strconv.Itoa(s.seq)
	s.outstanding++
	s.mu.Unlock()

	select {
	case s.requests <- speakReq{id: id, text: text}:
		return id, nil
	default:
		s.mu.Lock()
		s.outstanding--
		s.mu.Unlock()
		return "", errors.New("tts: speak queue full")
	}
}

// Cancel aborts the in-progress speak request, if any. Undelivered frames
// are discarded; queued requests still run.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelCurrent
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Flush blocks until every request queued before the call has completed or
// been cancelled.
func (s *Session) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.outstanding > 0 && !s.closed {
		s.idle.Wait()
	}
}

// Frames returns the synthesized audio stream. Closed by Close.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Done returns per-speak completion events. Closed by Close.
func (s *Session) Done() <-chan SpeakDone { return s.doneCh }

// FramesDropped reports how many frames were discarded because the consumer
// fell behind.
func (s *Session) FramesDropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close aborts any in-progress synthesis, releases all resources, and closes
// the Frames and Done channels. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.idle.Broadcast()
		s.mu.Unlock()

		s.cancel()
		close(s.requests)
		s.wg.Wait()
		close(s.frames)
		close(s.doneCh)
	})
	return nil
}

// run is the session worker. It executes speak requests strictly in order.
func (s *Session) run() {
	defer s.wg.Done()
	for req := range s.requests {
		s.speak(req)

		s.mu.Lock()
		s.outstanding--
		if s.outstanding == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
}

// speak synthesizes one request and forwards its frames.
func (s *Session) speak(req speakReq) {
	if s.ctx.Err() != nil {
		s.emitDone(SpeakDone{ID: req.id, Cancelled: true})
		return
	}

	speakCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.mu.Lock()
	s.cancelCurrent = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelCurrent = nil
		s.mu.Unlock()
	}()

	textCh := make(chan string, 1)
	textCh <- req.text
	close(textCh)

	audio, err := s.provider.SynthesizeStream(speakCtx, textCh, s.voice)
	if err != nil {
		s.emitDone(SpeakDone{ID: req.id, Err: err})
		return
	}

	cancelled := false
	for chunk := range audio {
		if speakCtx.Err() != nil {
			// Cancelled mid-stream: drain the provider without forwarding.
			cancelled = true
			continue
		}
		select {
		case s.frames <- Frame{Data: chunk, SpeakID: req.id}:
		default:
			// Consumer fell behind; drop rather than stall the pipeline.
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
	if speakCtx.Err() != nil {
		cancelled = true
	}

	s.emitDone(SpeakDone{ID: req.id, Cancelled: cancelled})
}

func (s *Session) emitDone(d SpeakDone) {
	select {
	case s.doneCh <- d:
	case <-s.ctx.Done():
		// Closing; the consumer may be gone.
		select {
		case s.doneCh <- d:
		default:
		}
	}
}
