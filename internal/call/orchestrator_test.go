package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/donnalabs/donna/internal/config"
	"github.com/donnalabs/donna/internal/observe/observetest"
	"github.com/donnalabs/donna/internal/reasoning"
	"github.com/donnalabs/donna/internal/telephony"
	"github.com/donnalabs/donna/pkg/provider/stt"
	sttmock "github.com/donnalabs/donna/pkg/provider/stt/mock"
	ttsmock "github.com/donnalabs/donna/pkg/provider/tts/mock"
	"github.com/donnalabs/donna/pkg/store"
	storemock "github.com/donnalabs/donna/pkg/store/mock"
	"github.com/donnalabs/donna/pkg/types"
)

// fakeMedia stands in for the telephony session. Tests feed events in and
// count what the orchestrator sends back.
type fakeMedia struct {
	events chan telephony.Event

	mu     sync.Mutex
	audio  int
	marks  []string
	clears int
	closed bool
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{events: make(chan telephony.Event, 64)}
}

func (m *fakeMedia) Events() <-chan telephony.Event { return m.events }

func (m *fakeMedia) SendAudio(_ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("media closed")
	}
	m.audio++
	return nil
}

func (m *fakeMedia) SendMark(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, name)
	return nil
}

func (m *fakeMedia) SendClear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return nil
}

func (m *fakeMedia) Err() error { return nil }

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) markCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marks)
}

func (m *fakeMedia) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

func (m *fakeMedia) audioCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

// fakeReasoner answers every turn with a canned reply and records inputs.
type fakeReasoner struct {
	mu           sync.Mutex
	reply        string
	turnErr      error
	turnCalls    int
	lastInput    reasoning.TurnInput
	analysis     reasoning.CallAnalysis
	analyzeErr   error
	analyzeCalls int
}

func (f *fakeReasoner) Turn(ctx context.Context, in reasoning.TurnInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.turnCalls++
	f.lastInput = in
	return f.reply, f.turnErr
}

func (f *fakeReasoner) AnalyzeOutcome(_ context.Context, _ []types.TranscriptEntry) (reasoning.CallAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	return f.analysis, f.analyzeErr
}

func (f *fakeReasoner) setTurnErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnErr = err
}

func (f *fakeReasoner) input() reasoning.TurnInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastInput
}

func (f *fakeReasoner) analyzed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzeCalls
}

type fixture struct {
	media    *fakeMedia
	sttp     *sttmock.Provider
	ttsp     *ttsmock.Provider
	reasoner *fakeReasoner
	st       *storemock.Store
	orch     *Orchestrator
	done     chan error
}

const testGreeting = "Hello, this is Donna. How may I help you today?"

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		media: newFakeMedia(),
		sttp:  &sttmock.Provider{},
		ttsp:  &ttsmock.Provider{},
		reasoner: &fakeReasoner{
			reply: "Our hours are nine to five.",
			analysis: reasoning.CallAnalysis{
				Summary:   "Caller asked about hours.",
				Decision:  "handled",
				Reasoning: "Information request.",
			},
		},
		st:   storemock.New(),
		done: make(chan error, 1),
	}
	cfg := Config{
		CallSID:      "CA1",
		CallerNumber: "+15550100",
		Media:        f.media,
		STT:          f.sttp,
		TTS:          f.ttsp,
		Reasoner:     f.reasoner,
		Store:        f.st,
		Greeting:     testGreeting,
		Limits: config.LimitsConfig{
			CallIdleTimeout: config.Duration(10 * time.Second),
			SilenceTimeout:  config.Duration(5 * time.Second),
			ShutdownGrace:   config.Duration(time.Second),
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func (f *fixture) run(ctx context.Context) {
	go func() { f.done <- f.orch.Run(ctx) }()
}

// startStream performs the gateway handshake.
func (f *fixture) startStream(callSID string) {
	f.media.events <- telephony.Connected{Protocol: "Call", Version: "1.0.0"}
	f.media.events <- telephony.StreamStart{
		CallSID:      callSID,
		StreamSID:    "MZ1",
		CallerNumber: "+15550100",
	}
}

// sttSession waits for the orchestrator to open its transcription stream.
func (f *fixture) sttSession(t *testing.T) *sttmock.Session {
	t.Helper()
	waitFor(t, "stt session", func() bool { return f.sttp.LastSession() != nil })
	return f.sttp.LastSession()
}

func (f *fixture) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not finish")
		return nil
	}
}

func (f *fixture) record(t *testing.T, callSID string) store.CallRecord {
	t.Helper()
	for _, rec := range f.st.Calls() {
		if rec.CallSID == callSID {
			return rec
		}
	}
	t.Fatalf("no persisted record for %s (have %v)", callSID, f.st.Calls())
	return store.CallRecord{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrchestrator_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.run(context.Background())
	f.startStream("CA1")
	sess := f.sttSession(t)

	// Greeting committed once its playback mark goes out.
	waitFor(t, "greeting mark", func() bool { return f.media.markCount() >= 1 })
	if f.media.audioCount() == 0 {
		t.Error("no greeting audio reached the stream")
	}

	sess.EmitFinal("Hi, this is Maria Santos. I'm calling about my invoice.")
	waitFor(t, "reply mark", func() bool { return f.media.markCount() >= 2 })

	f.media.events <- telephony.StreamStop{CallSID: "CA1"}
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := f.record(t, "CA1")
	if rec.Outcome != store.OutcomeConnected {
		t.Errorf("outcome: got %q, want %q", rec.Outcome, store.OutcomeConnected)
	}
	if rec.CallerNumber != "+15550100" {
		t.Errorf("caller number: got %q", rec.CallerNumber)
	}
	if rec.IdentifiedName != "Maria Santos" {
		t.Errorf("identified name: got %q", rec.IdentifiedName)
	}
	if rec.Summary != "Caller asked about hours." {
		t.Errorf("summary: got %q", rec.Summary)
	}
	if len(rec.Transcript) != 3 {
		t.Fatalf("transcript: want 3 entries, got %d (%v)", len(rec.Transcript), rec.Transcript)
	}
	wantSpeakers := []types.Speaker{types.SpeakerAssistant, types.SpeakerCaller, types.SpeakerAssistant}
	for i, want := range wantSpeakers {
		if rec.Transcript[i].Speaker != want {
			t.Errorf("transcript[%d].Speaker: got %q, want %q", i, rec.Transcript[i].Speaker, want)
		}
	}
	if rec.Transcript[0].Text != testGreeting {
		t.Errorf("transcript[0]: got %q", rec.Transcript[0].Text)
	}
	if rec.Transcript[2].Text != "Our hours are nine to five." {
		t.Errorf("transcript[2]: got %q", rec.Transcript[2].Text)
	}
	if got := f.reasoner.input().IdentifiedName; got != "Maria Santos" {
		t.Errorf("turn input name: got %q", got)
	}
}

func TestOrchestrator_BargeInCancelsSpeech(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		// Slow, chunky synthesis so the greeting is still streaming when
		// the caller interrupts.
		cfg.Greeting = strings.Repeat("Welcome to Brightside Dental. ", 30)
	})
	f.ttsp.ChunkSize = 8
	f.ttsp.Delay = 20 * time.Millisecond
	f.run(context.Background())
	f.startStream("CA1")
	sess := f.sttSession(t)

	waitFor(t, "greeting audio", func() bool { return f.media.audioCount() >= 2 })
	sess.EmitPartial("I have a question")
	waitFor(t, "clear frame", func() bool { return f.media.clearCount() >= 1 })

	sess.EmitFinal("What are your hours?")
	waitFor(t, "reply mark", func() bool { return f.media.markCount() >= 1 })

	f.media.events <- telephony.StreamStop{CallSID: "CA1"}
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := f.record(t, "CA1")
	if len(rec.Transcript) == 0 {
		t.Fatal("empty transcript")
	}
	// The interrupted greeting is never committed.
	if rec.Transcript[0].Speaker != types.SpeakerCaller {
		t.Errorf("transcript[0]: got %q speaker (%q)", rec.Transcript[0].Speaker, rec.Transcript[0].Text)
	}
	for _, e := range rec.Transcript {
		if e.Speaker == types.SpeakerAssistant && strings.HasPrefix(e.Text, "Welcome to") {
			t.Errorf("cancelled greeting reached the transcript: %q", e.Text)
		}
	}
}

func TestOrchestrator_SilenceRepromptsThenGoodbye(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Limits.SilenceTimeout = config.Duration(60 * time.Millisecond)
		cfg.Limits.SilenceReprompts = 2
	})
	f.run(context.Background())
	f.startStream("CA1")
	f.sttSession(t)

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := f.record(t, "CA1")
	var reprompts, goodbyes int
	for _, e := range rec.Transcript {
		if e.Speaker != types.SpeakerAssistant {
			t.Errorf("unexpected caller entry: %q", e.Text)
		}
		switch e.Text {
		case RepromptLine:
			reprompts++
		case GoodbyeLine:
			goodbyes++
		}
	}
	if reprompts != 2 {
		t.Errorf("re-prompts: got %d, want 2", reprompts)
	}
	if goodbyes != 1 {
		t.Errorf("goodbyes: got %d, want 1", goodbyes)
	}
	if rec.Outcome != store.OutcomeMissed {
		t.Errorf("outcome: got %q, want %q", rec.Outcome, store.OutcomeMissed)
	}
}

func TestOrchestrator_IdleTimeoutEndsCall(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Limits.CallIdleTimeout = config.Duration(80 * time.Millisecond)
	})
	f.run(context.Background())
	f.startStream("CA1")

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := f.record(t, "CA1")
	if rec.Outcome != store.OutcomeMissed {
		t.Errorf("outcome: got %q, want %q", rec.Outcome, store.OutcomeMissed)
	}
}

func TestOrchestrator_NoStreamStart(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Limits.CallIdleTimeout = config.Duration(50 * time.Millisecond)
	})
	f.run(context.Background())

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.reasoner.analyzed() != 0 {
		t.Error("outcome analysis ran on an empty transcript")
	}
	if f.st.PersistCallCalls != 1 {
		t.Errorf("persist calls: got %d, want 1", f.st.PersistCallCalls)
	}
}

func TestOrchestrator_CallSIDFromStreamStart(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.CallSID = ""
		cfg.CallerNumber = ""
	})
	f.run(context.Background())
	f.startStream("CA9")
	f.sttSession(t)

	f.media.events <- telephony.StreamStop{CallSID: "CA9"}
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := f.record(t, "CA9")
	if rec.CallerNumber != "+15550100" {
		t.Errorf("caller number: got %q", rec.CallerNumber)
	}
	if f.orch.CallSID() != "CA9" {
		t.Errorf("CallSID: got %q", f.orch.CallSID())
	}
}

func TestOrchestrator_VoicemailOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.run(context.Background())
	f.startStream("CA1")
	f.sttSession(t)
	f.orch.MarkVoicemail()

	f.media.events <- telephony.StreamStop{CallSID: "CA1"}
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := f.record(t, "CA1")
	if rec.Outcome != store.OutcomeVoicemail {
		t.Errorf("outcome: got %q, want %q", rec.Outcome, store.OutcomeVoicemail)
	}
}

func TestOrchestrator_TurnFailureKeepsListening(t *testing.T) {
	f := newFixture(t, nil)
	f.reasoner.setTurnErr(errors.New("model down"))
	f.run(context.Background())
	f.startStream("CA1")
	sess := f.sttSession(t)

	waitFor(t, "greeting mark", func() bool { return f.media.markCount() >= 1 })
	sess.EmitFinal("Hello?")
	waitFor(t, "failed turn", func() bool {
		f.reasoner.mu.Lock()
		defer f.reasoner.mu.Unlock()
		return f.reasoner.turnCalls >= 1
	})

	// The model recovers; the next utterance gets a spoken reply.
	f.reasoner.setTurnErr(nil)
	sess.EmitFinal("Are you there?")
	waitFor(t, "reply mark", func() bool { return f.media.markCount() >= 2 })

	f.media.events <- telephony.StreamStop{CallSID: "CA1"}
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := f.record(t, "CA1")
	last := rec.Transcript[len(rec.Transcript)-1]
	if last.Speaker != types.SpeakerAssistant || last.Text != "Our hours are nine to five." {
		t.Errorf("last transcript entry: %+v", last)
	}
}

func TestOrchestrator_RestartsDroppedSTT(t *testing.T) {
	f := newFixture(t, nil)
	f.run(context.Background())
	f.startStream("CA1")
	first := f.sttSession(t)

	waitFor(t, "greeting mark", func() bool { return f.media.markCount() >= 1 })
	first.Fail(errors.New("upstream hiccup"))

	waitFor(t, "replacement stt session", func() bool { return f.sttp.Started() == 2 })
	second := f.sttSession(t)
	second.EmitFinal("What are your hours?")
	waitFor(t, "reply mark", func() bool { return f.media.markCount() >= 2 })

	f.media.events <- telephony.StreamStop{CallSID: "CA1"}
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := f.record(t, "CA1")
	if rec.Outcome != store.OutcomeConnected {
		t.Errorf("outcome: got %q, want %q", rec.Outcome, store.OutcomeConnected)
	}
}

func TestOrchestrator_PersistRetriesAndReportsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.st.FailWith = store.ErrUnavailable
	f.run(context.Background())
	f.startStream("CA1")
	f.sttSession(t)

	f.media.events <- telephony.StreamStop{CallSID: "CA1"}
	err := f.waitDone(t)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Run: got %v, want ErrUnavailable", err)
	}
	// One initial write plus the final write and its retry.
	if f.st.PersistCallCalls != 3 {
		t.Errorf("persist calls: got %d, want 3", f.st.PersistCallCalls)
	}
}

// hangingSTT mimics a websocket-backed transcription session whose Close
// waits for the read loop to exit, and whose read loop only unblocks when
// the stream context ends.
type hangingSTT struct {
	mu   sync.Mutex
	sess *hangingSession
}

func (p *hangingSTT) StartStream(ctx context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	s := &hangingSession{
		ctx:      ctx,
		partials: make(chan types.Transcript),
		finals:   make(chan types.Transcript),
	}
	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()
	return s, nil
}

func (p *hangingSTT) started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil
}

type hangingSession struct {
	ctx      context.Context
	partials chan types.Transcript
	finals   chan types.Transcript
	once     sync.Once
}

func (s *hangingSession) SendAudio([]byte) error            { return nil }
func (s *hangingSession) Partials() <-chan types.Transcript { return s.partials }
func (s *hangingSession) Finals() <-chan types.Transcript   { return s.finals }
func (s *hangingSession) Err() error                        { return nil }

func (s *hangingSession) Close() error {
	<-s.ctx.Done()
	s.once.Do(func() {
		close(s.partials)
		close(s.finals)
	})
	return nil
}

func TestOrchestrator_EndsWhenSessionCloseWaitsOnContext(t *testing.T) {
	sttp := &hangingSTT{}
	f := newFixture(t, func(cfg *Config) { cfg.STT = sttp })
	f.run(context.Background())
	f.startStream("CA1")
	waitFor(t, "stt session", sttp.started)
	waitFor(t, "greeting mark", func() bool { return f.media.markCount() >= 1 })

	// Hangup must reach the persisted record even though the transcription
	// session refuses to close until the call context is cancelled.
	f.media.events <- telephony.StreamStop{CallSID: "CA1"}
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := f.record(t, "CA1")
	if rec.EndedAt.IsZero() {
		t.Error("final record missing end time")
	}
}

func TestOrchestrator_RepromptBudgetRefillsAfterSpeech(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Limits.SilenceTimeout = config.Duration(120 * time.Millisecond)
		cfg.Limits.SilenceReprompts = 1
	})
	f.run(context.Background())
	f.startStream("CA1")
	sess := f.sttSession(t)

	// Greeting, then the single re-prompt of the first silence episode.
	waitFor(t, "first re-prompt mark", func() bool { return f.media.markCount() >= 2 })

	// The caller speaks; the budget refills for the next silence episode,
	// so the call gets one more re-prompt before the goodbye.
	sess.EmitFinal("Sorry, I'm here. What are your hours?")
	waitFor(t, "reply mark", func() bool { return f.media.markCount() >= 3 })

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := f.record(t, "CA1")
	var reprompts, goodbyes int
	for _, e := range rec.Transcript {
		switch e.Text {
		case RepromptLine:
			reprompts++
		case GoodbyeLine:
			goodbyes++
		}
	}
	if reprompts != 2 {
		t.Errorf("re-prompts: got %d, want 2 (budget is per silence episode)", reprompts)
	}
	if goodbyes != 1 {
		t.Errorf("goodbyes: got %d, want 1", goodbyes)
	}
}

func TestOrchestrator_RecordsCallMetrics(t *testing.T) {
	m, reader := observetest.NewMetrics(t)
	f := newFixture(t, func(cfg *Config) {
		cfg.Greeting = strings.Repeat("Welcome to Brightside Dental. ", 30)
	})
	f.orch.metrics = m
	f.ttsp.ChunkSize = 8
	f.ttsp.Delay = 20 * time.Millisecond
	f.run(context.Background())
	f.startStream("CA1")
	sess := f.sttSession(t)

	waitFor(t, "greeting audio", func() bool { return f.media.audioCount() >= 2 })
	sess.EmitPartial("I have a question about billing")
	waitFor(t, "clear frame", func() bool { return f.media.clearCount() >= 1 })

	sess.EmitFinal("What are your hours?")
	waitFor(t, "reply mark", func() bool { return f.media.markCount() >= 1 })

	f.media.events <- telephony.StreamStop{CallSID: "CA1"}
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := observetest.CounterTotal(t, reader, "donna.barge_ins"); got != 1 {
		t.Errorf("barge-ins: got %d, want 1", got)
	}
	if got := observetest.CounterTotal(t, reader, "donna.calls.completed"); got != 1 {
		t.Errorf("calls completed: got %d, want 1", got)
	}
	if got := observetest.HistogramCount(t, reader, "donna.turn.duration"); got != 1 {
		t.Errorf("turn duration samples: got %d, want 1", got)
	}
}

func TestOrchestrator_MediaClosedAbruptly(t *testing.T) {
	f := newFixture(t, nil)
	f.run(context.Background())
	f.startStream("CA1")
	f.sttSession(t)

	waitFor(t, "greeting mark", func() bool { return f.media.markCount() >= 1 })
	close(f.media.events)

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := f.record(t, "CA1")
	if rec.Outcome != store.OutcomeMissed {
		t.Errorf("outcome: got %q, want %q", rec.Outcome, store.OutcomeMissed)
	}
}
