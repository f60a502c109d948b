package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// dialSession connects a Session to a test server whose handler speaks the
// Twilio side of the protocol.
func dialSession(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *Session {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sess := NewSession(ctx, conn, nil)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestSession_DeliversEventsInOrder(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("pcm"))
	frames := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","streamSid":"MZ1","start":{"callSid":"CA1","streamSid":"MZ1"}}`,
		`{"event":"media","media":{"payload":"` + audio + `"}}`,
		`{"event":"stop","stop":{"callSid":"CA1"}}`,
	}
	sess := dialSession(t, func(ctx context.Context, conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	var got []Event
	for ev := range sess.Events() {
		got = append(got, ev)
	}
	if sess.Err() != nil {
		t.Fatalf("session error: %v", sess.Err())
	}
	if len(got) != 4 {
		t.Fatalf("events: want 4, got %d (%v)", len(got), got)
	}
	if _, ok := got[0].(Connected); !ok {
		t.Errorf("event 0: %T", got[0])
	}
	start, ok := got[1].(StreamStart)
	if !ok || start.CallSID != "CA1" {
		t.Errorf("event 1: %#v", got[1])
	}
	media, ok := got[2].(StreamMedia)
	if !ok || string(media.Payload) != "pcm" {
		t.Errorf("event 2: %#v", got[2])
	}
	if _, ok := got[3].(StreamStop); !ok {
		t.Errorf("event 3: %T", got[3])
	}
	if sess.StreamSID() != "MZ1" {
		t.Errorf("stream sid: got %q", sess.StreamSID())
	}
}

func TestSession_ProtocolViolationClosesStream(t *testing.T) {
	sess := dialSession(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"warp-drive"}`))
		// Keep the socket open; the session must bail on its own.
		time.Sleep(200 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	for range sess.Events() {
	}
	if !errors.Is(sess.Err(), ErrProtocol) {
		t.Errorf("want ErrProtocol, got %v", sess.Err())
	}
}

func TestSession_OutboundMessages(t *testing.T) {
	received := make(chan []byte, 8)
	sess := dialSession(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText,
			[]byte(`{"event":"start","streamSid":"MZ1","start":{"callSid":"CA1","streamSid":"MZ1"}}`))
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				close(received)
				return
			}
			received <- msg
		}
	})

	// Wait for stream start so the stream sid is known.
	select {
	case <-sess.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no start event")
	}

	if err := sess.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.SendClear(); err != nil {
		t.Fatalf("SendClear: %v", err)
	}
	if err := sess.SendMark("reply-1"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}

	wantEvents := []string{"media", "clear", "mark"}
	for _, want := range wantEvents {
		select {
		case msg := <-received:
			var envelope struct {
				Event     string `json:"event"`
				StreamSID string `json:"streamSid"`
			}
			if err := json.Unmarshal(msg, &envelope); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if envelope.Event != want {
				t.Errorf("event: want %q, got %q", want, envelope.Event)
			}
			if envelope.StreamSID != "MZ1" {
				t.Errorf("stream sid: got %q", envelope.StreamSID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSession_SendAfterCloseFails(t *testing.T) {
	sess := dialSession(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	sess.Close()

	if err := sess.SendMark("late"); err == nil {
		t.Error("expected error sending on a closed session")
	}
}
