package tts_test

import (
	"testing"
	"time"

	"github.com/donnalabs/donna/pkg/provider/tts"
	"github.com/donnalabs/donna/pkg/provider/tts/mock"
)

// collectUntilDone drains frames until the next SpeakDone event arrives.
func collectUntilDone(t *testing.T, s *tts.Session) (frames int, done tts.SpeakDone) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case <-s.Frames():
			frames++
		case d := <-s.Done():
			return frames, d
		case <-timeout:
			t.Fatal("timed out waiting for SpeakDone")
		}
	}
}

func TestSession_SpeakProducesFramesAndDone(t *testing.T) {
	p := &mock.Provider{ChunkSize: 8}
	s := tts.NewSession(p, tts.Voice{ID: "aura-asteria-en"})
	defer s.Close()

	id, err := s.Speak("hello caller")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	frames, done := collectUntilDone(t, s)
	if frames == 0 {
		t.Error("expected at least one audio frame")
	}
	if done.ID != id {
		t.Errorf("done ID: want %q, got %q", id, done.ID)
	}
	if done.Cancelled || done.Err != nil {
		t.Errorf("unexpected done state: %+v", done)
	}
}

func TestSession_SpeaksAreFIFO(t *testing.T) {
	p := &mock.Provider{ChunkSize: 8}
	s := tts.NewSession(p, tts.Voice{ID: "aura-asteria-en"})
	defer s.Close()

	id1, err := s.Speak("first reply")
	if err != nil {
		t.Fatalf("Speak 1: %v", err)
	}
	id2, err := s.Speak("second reply")
	if err != nil {
		t.Fatalf("Speak 2: %v", err)
	}

	_, done1 := collectUntilDone(t, s)
	_, done2 := collectUntilDone(t, s)

	if done1.ID != id1 || done2.ID != id2 {
		t.Errorf("completion order: want [%s %s], got [%s %s]", id1, id2, done1.ID, done2.ID)
	}
}

func TestSession_CancelAbortsInProgressSpeak(t *testing.T) {
	// Long text with pacing so cancellation lands mid-stream.
	p := &mock.Provider{ChunkSize: 4, Delay: 20 * time.Millisecond}
	s := tts.NewSession(p, tts.Voice{ID: "aura-asteria-en"})
	defer s.Close()

	if _, err := s.Speak("a very long reply that keeps the synthesizer busy for a while"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	// Let at least one frame through, then barge in.
	select {
	case <-s.Frames():
	case <-time.After(time.Second):
		t.Fatal("no frame before cancel")
	}
	s.Cancel()

	_, done := collectUntilDone(t, s)
	if !done.Cancelled {
		t.Error("expected Cancelled=true after Cancel")
	}

	// Subsequent speaks proceed on the same session.
	if _, err := s.Speak("still here"); err != nil {
		t.Fatalf("Speak after cancel: %v", err)
	}
	frames, done2 := collectUntilDone(t, s)
	if done2.Cancelled || done2.Err != nil {
		t.Errorf("post-cancel speak should complete cleanly: %+v", done2)
	}
	if frames == 0 {
		t.Error("expected frames from the post-cancel speak")
	}
}

func TestSession_FlushWaitsForCompletion(t *testing.T) {
	p := &mock.Provider{ChunkSize: 8}
	s := tts.NewSession(p, tts.Voice{ID: "aura-asteria-en"})
	defer s.Close()

	// Drain in the background so the worker is never blocked.
	go func() {
		for range s.Frames() {
		}
	}()
	go func() {
		for range s.Done() {
		}
	}()

	if _, err := s.Speak("short"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	flushed := make(chan struct{})
	go func() {
		s.Flush()
		close(flushed)
	}()

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return")
	}
}

func TestSession_SpeakAfterCloseFails(t *testing.T) {
	p := &mock.Provider{}
	s := tts.NewSession(p, tts.Voice{ID: "aura-asteria-en"})
	_ = s.Close()

	if _, err := s.Speak("too late"); err == nil {
		t.Error("expected error speaking on a closed session")
	}
}

func TestSession_CloseClosesChannels(t *testing.T) {
	p := &mock.Provider{}
	s := tts.NewSession(p, tts.Voice{ID: "aura-asteria-en"})
	_ = s.Close()

	if _, ok := <-s.Frames(); ok {
		t.Error("expected Frames channel to be closed")
	}
	if _, ok := <-s.Done(); ok {
		t.Error("expected Done channel to be closed")
	}
	// Idempotent.
	_ = s.Close()
}
