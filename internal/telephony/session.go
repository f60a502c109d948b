package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Session owns one Twilio media-stream websocket. Inbound frames are decoded
// on a background read loop and delivered on Events; outbound messages go
// through a buffered write loop so a slow socket cannot stall the caller.
//
// The first protocol violation terminates the session; Err reports it after
// the Events channel closes.
type Session struct {
	conn *websocket.Conn
	log  *slog.Logger

	streamMu  sync.Mutex
	streamSID string

	events   chan Event
	outbound chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// NewSession starts the read and write loops over an accepted websocket
// connection. ctx bounds the session; cancelling it tears the loops down.
func NewSession(ctx context.Context, conn *websocket.Conn, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		conn: conn,
		log:  log,
		// Inbound audio must never be dropped; at 20 ms per frame this
		// buffers several seconds.
		events:   make(chan Event, 256),
		outbound: make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s
}

// Events returns the inbound event channel. Closed when the stream ends for
// any reason; check Err afterwards.
func (s *Session) Events() <-chan Event { return s.events }

// StreamSID returns the stream identifier, available after StreamStart.
func (s *Session) StreamSID() string {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streamSID
}

// Err reports the terminal error, if any. Valid after Events closes.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SendAudio queues one outbound audio frame. Frames are droppable under
// backpressure; a full buffer logs and discards rather than blocking the
// orchestrator.
func (s *Session) SendAudio(audio []byte) error {
	msg, err := EncodeMedia(s.StreamSID(), audio)
	if err != nil {
		return err
	}
	return s.send(msg, true)
}

// SendMark queues a playback-tracking mark.
func (s *Session) SendMark(name string) error {
	msg, err := EncodeMark(s.StreamSID(), name)
	if err != nil {
		return err
	}
	return s.send(msg, false)
}

// SendClear tells Twilio to discard its buffered outbound audio. Sent on
// barge-in.
func (s *Session) SendClear() error {
	msg, err := EncodeClear(s.StreamSID())
	if err != nil {
		return err
	}
	return s.send(msg, false)
}

func (s *Session) send(msg []byte, droppable bool) error {
	select {
	case <-s.done:
		return errors.New("telephony: session closed")
	default:
	}
	if droppable {
		select {
		case s.outbound <- msg:
			return nil
		case <-s.done:
			return errors.New("telephony: session closed")
		default:
			s.log.Warn("outbound media buffer full, dropping frame")
			return nil
		}
	}
	select {
	case s.outbound <- msg:
		return nil
	case <-s.done:
		return errors.New("telephony: session closed")
	}
}

// Close tears the session down. Safe to call multiple times.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Closing the connection unblocks the read loop; it must happen
		// before waiting on the loops.
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.setErr(fmt.Errorf("telephony: stream read: %w", err))
				}
			}
			return
		}

		ev, err := ParseEvent(msg)
		if err != nil {
			s.setErr(err)
			s.log.Warn("closing stream on protocol violation", "err", err)
			return
		}

		if start, ok := ev.(StreamStart); ok {
			s.streamMu.Lock()
			s.streamSID = start.StreamSID
			s.streamMu.Unlock()
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.outbound:
			if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is already queued.
			for {
				select {
				case msg := <-s.outbound:
					_ = s.conn.Write(ctx, websocket.MessageText, msg)
				default:
					return
				}
			}
		}
	}
}
