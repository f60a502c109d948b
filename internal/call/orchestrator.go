// Package call owns the per-call state machine and the orchestrator that
// wires media, speech, and reasoning together for one phone call.
//
// The orchestrator is strictly single-writer: one goroutine owns the call
// state and the transcript, and every collaborator (media stream, STT
// session, speech session, reasoning turns) communicates with it through
// channels. At most one reasoning turn is in flight per call; barge-in
// cancels both the active speech and any in-flight turn.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/donnalabs/donna/internal/config"
	"github.com/donnalabs/donna/internal/observe"
	"github.com/donnalabs/donna/internal/reasoning"
	"github.com/donnalabs/donna/internal/telephony"
	"github.com/donnalabs/donna/pkg/provider/stt"
	"github.com/donnalabs/donna/pkg/provider/tts"
	"github.com/donnalabs/donna/pkg/store"
	"github.com/donnalabs/donna/pkg/types"
)

// Re-prompt and goodbye lines. The goodbye after silence is distinct from a
// deliberate hangup so transcripts read honestly.
const (
	RepromptLine = "Are you still there?"
	GoodbyeLine  = "I haven't heard anything, so I'll let you go. Goodbye!"
)

// MediaStream is the slice of the telephony session the orchestrator needs.
// *telephony.Session satisfies it.
type MediaStream interface {
	Events() <-chan telephony.Event
	SendAudio(audio []byte) error
	SendMark(name string) error
	SendClear() error
	Err() error
	Close() error
}

// Reasoner is the slice of the reasoning driver the orchestrator needs.
// *reasoning.Driver satisfies it.
type Reasoner interface {
	Turn(ctx context.Context, in reasoning.TurnInput) (string, error)
	AnalyzeOutcome(ctx context.Context, transcript []types.TranscriptEntry) (reasoning.CallAnalysis, error)
}

// Config assembles the collaborators for one call.
type Config struct {
	CallSID      string
	CallerNumber string

	Media    MediaStream
	STT      stt.Provider
	TTS      tts.Provider
	Voice    tts.Voice
	Reasoner Reasoner
	Store    store.Store

	// Greeting is spoken as soon as the media stream starts.
	Greeting string

	Limits config.LimitsConfig
	Logger *slog.Logger
}

type speakKind int

const (
	speakGreeting speakKind = iota
	speakReply
	speakReprompt
	speakGoodbye
)

type speakMeta struct {
	text string
	kind speakKind
}

type turnResult struct {
	seq   int
	reply string
	err   error
}

// Orchestrator drives one call from stream start to persistence.
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	// sid is the gateway call identifier, readable from other goroutines
	// (status webhooks) while the event loop may still be filling it in.
	sidMu sync.RWMutex
	sid   string

	state     State
	startedAt time.Time

	transcript      []types.TranscriptEntry
	identifiedName  string
	inferredPurpose string
	callerTurns     int

	voicemail atomic.Bool

	sttSess  stt.SessionHandle
	partials <-chan types.Transcript
	finals   <-chan types.Transcript

	speech *tts.Session
	speaks map[string]speakMeta

	turnSeq       int
	turnCancel    context.CancelFunc
	turnCh        chan turnResult
	turnStartedAt time.Time

	// pendingTurn is set when a caller final arrives mid-speech; the turn
	// starts once the current speech finishes.
	pendingTurn bool

	silenceReprompts int

	idle    *time.Timer
	silence *time.Timer
}

// NewOrchestrator validates cfg and builds an Orchestrator. Run must be
// called exactly once.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Media == nil || cfg.STT == nil || cfg.TTS == nil || cfg.Reasoner == nil || cfg.Store == nil {
		return nil, errors.New("call: incomplete orchestrator config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	config.ApplyLimitDefaults(&cfg.Limits)
	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger.With("call_sid", cfg.CallSID),
		metrics: observe.DefaultMetrics(),
		sid:     cfg.CallSID,
		state:   StateIdle,
		speaks:  make(map[string]speakMeta),
		turnCh:  make(chan turnResult, 1),
	}, nil
}

// CallSID returns the gateway call identifier, empty until the stream
// starts when no webhook supplied it up front.
func (o *Orchestrator) CallSID() string {
	o.sidMu.RLock()
	defer o.sidMu.RUnlock()
	return o.sid
}

func (o *Orchestrator) setCallSID(sid string) {
	o.sidMu.Lock()
	o.sid = sid
	o.sidMu.Unlock()
}

// MarkVoicemail flags the call as answered by a machine. Called from the
// status webhook; safe from any goroutine.
func (o *Orchestrator) MarkVoicemail() { o.voicemail.Store(true) }

// Run executes the call to completion: it waits for the stream start, opens
// the speech sessions, speaks the greeting, and then loops over events until
// the caller hangs up, the idle timeout fires, or ctx is cancelled. The call
// record is persisted before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = time.Now()
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.idle = time.NewTimer(o.cfg.Limits.CallIdleTimeout.Std())
	defer o.idle.Stop()

	if !o.awaitStreamStart(callCtx) {
		return o.finish(ctx, cancel)
	}

	sess, err := o.cfg.STT.StartStream(callCtx, stt.StreamConfig{
		Encoding:   "mulaw",
		SampleRate: 8000,
		Channels:   1,
	})
	if err != nil {
		o.log.Error("cannot start transcription", "err", err)
		o.transition(StateEnding)
		return o.finish(ctx, cancel)
	}
	o.adoptSTT(sess)
	defer func() { _ = o.sttSess.Close() }()

	o.speech = tts.NewSession(o.cfg.TTS, o.cfg.Voice)
	defer o.speech.Close()

	o.persistInitial(callCtx)

	o.transition(StateGreeting)
	o.speak(o.cfg.Greeting, speakGreeting)

	o.silence = time.NewTimer(o.cfg.Limits.SilenceTimeout.Std())
	o.silence.Stop()
	defer o.silence.Stop()

	for o.state != StateEnding {
		select {
		case ev, ok := <-o.cfg.Media.Events():
			if !ok {
				o.log.Info("media stream closed", "err", o.cfg.Media.Err())
				o.transition(StateEnding)
				continue
			}
			o.handleMediaEvent(ev)

		case t, ok := <-o.partials:
			if !ok {
				o.partials = nil
				continue
			}
			o.handlePartial(t, callCtx)

		case t, ok := <-o.finals:
			if !ok {
				o.finals = nil
				o.maybeRestartSTT(callCtx)
				continue
			}
			o.handleFinal(t, callCtx)

		case res := <-o.turnCh:
			o.handleTurnResult(res, callCtx)

		case frame := <-o.speech.Frames():
			if err := o.cfg.Media.SendAudio(frame.Data); err != nil {
				o.log.Warn("cannot send audio", "err", err)
			}

		case done := <-o.speech.Done():
			o.handleSpeakDone(done, callCtx)

		case <-o.silence.C:
			o.handleSilence()

		case <-o.idle.C:
			o.log.Info("idle timeout, ending call")
			o.transition(StateEnding)

		case <-callCtx.Done():
			o.log.Info("call cancelled")
			o.transition(StateEnding)
		}
	}

	return o.finish(ctx, cancel)
}

// awaitStreamStart consumes media events until the start frame arrives.
// Returns false if the stream ends first.
func (o *Orchestrator) awaitStreamStart(ctx context.Context) bool {
	for {
		select {
		case ev, ok := <-o.cfg.Media.Events():
			if !ok {
				o.transition(StateEnding)
				return false
			}
			switch e := ev.(type) {
			case telephony.Connected:
				// Handshake; nothing to do.
			case telephony.StreamStart:
				if o.CallSID() == "" {
					o.setCallSID(e.CallSID)
					o.log = o.log.With("call_sid", e.CallSID)
				}
				if e.CallerNumber != "" {
					o.cfg.CallerNumber = e.CallerNumber
				}
				return true
			case telephony.StreamStop:
				o.transition(StateEnding)
				return false
			default:
				// Media before start carries no stream sid to answer on.
			}
		case <-o.idle.C:
			o.log.Info("no stream start before idle timeout")
			o.transition(StateEnding)
			return false
		case <-ctx.Done():
			o.transition(StateEnding)
			return false
		}
	}
}

func (o *Orchestrator) adoptSTT(sess stt.SessionHandle) {
	o.sttSess = sess
	o.partials = sess.Partials()
	o.finals = sess.Finals()
}

// maybeRestartSTT starts a replacement transcription session when the
// previous one dropped with a transport error mid-call.
func (o *Orchestrator) maybeRestartSTT(ctx context.Context) {
	err := o.sttSess.Err()
	if err == nil || o.state == StateEnding {
		return
	}
	o.log.Warn("transcription dropped, restarting", "err", err)
	sess, serr := o.cfg.STT.StartStream(ctx, stt.StreamConfig{
		Encoding:   "mulaw",
		SampleRate: 8000,
		Channels:   1,
	})
	if serr != nil {
		o.log.Error("cannot restart transcription, ending call", "err", serr)
		o.transition(StateEnding)
		return
	}
	_ = o.sttSess.Close()
	o.adoptSTT(sess)
}

func (o *Orchestrator) handleMediaEvent(ev telephony.Event) {
	switch e := ev.(type) {
	case telephony.StreamMedia:
		resetTimer(o.idle, o.cfg.Limits.CallIdleTimeout.Std())
		if err := o.sttSess.SendAudio(e.Payload); err != nil {
			o.log.Warn("cannot forward audio to transcription", "err", err)
		}
	case telephony.StreamStop:
		o.log.Info("caller hung up")
		o.transition(StateEnding)
	case telephony.Mark:
		// Playback checkpoint; nothing to track yet.
	case telephony.DTMF:
		o.log.Debug("dtmf ignored", "digit", e.Digit)
	case telephony.Connected, telephony.StreamStart:
		// Duplicate handshake frames are harmless.
	}
}

// handlePartial drives barge-in: enough interim text while the assistant is
// speaking cancels the speech and returns the floor to the caller.
func (o *Orchestrator) handlePartial(t types.Transcript, ctx context.Context) {
	if o.state != StateSpeaking && o.state != StateGreeting {
		return
	}
	if len(t.Text) <= o.cfg.Limits.BargeInMinChars {
		return
	}

	o.log.Debug("barge-in", "partial", t.Text)
	o.metrics.BargeIns.Add(ctx, 1)
	o.speech.Cancel()
	if err := o.cfg.Media.SendClear(); err != nil {
		o.log.Warn("cannot clear gateway buffer", "err", err)
	}
	o.cancelTurn()
	o.pendingTurn = false
	o.transition(StateListening)
	resetTimer(o.silence, o.cfg.Limits.SilenceTimeout.Std())
}

// handleFinal commits the caller utterance and starts (or restarts) the
// reasoning turn.
func (o *Orchestrator) handleFinal(t types.Transcript, ctx context.Context) {
	o.appendTranscript(types.SpeakerCaller, t.Text)
	o.callerTurns++

	if name, purpose := reasoning.ExtractCallerInfo(t.Text); name != "" || purpose != "" {
		if o.identifiedName == "" && name != "" {
			o.identifiedName = name
			o.log.Info("caller identified", "name", name)
		}
		if o.inferredPurpose == "" && purpose != "" {
			o.inferredPurpose = purpose
		}
	}
	// The re-prompt budget is per silence episode: once the caller speaks
	// again, a later silence gets the full budget back.
	o.silenceReprompts = 0
	o.silence.Stop()

	switch o.state {
	case StateListening:
		o.transition(StateThinking)
		o.startTurn(ctx)
	case StateThinking:
		// The caller kept talking; restart the turn over the longer
		// transcript.
		o.startTurn(ctx)
	case StateGreeting, StateSpeaking:
		// Short interjection that never crossed the barge-in threshold.
		// Answer it once the current speech finishes.
		o.pendingTurn = true
	}
}

func (o *Orchestrator) startTurn(ctx context.Context) {
	o.cancelTurn()
	o.turnSeq++
	seq := o.turnSeq
	o.turnStartedAt = time.Now()

	tctx, cancel := context.WithCancel(ctx)
	o.turnCancel = cancel

	in := reasoning.TurnInput{
		Transcript:      append([]types.TranscriptEntry(nil), o.transcript...),
		IdentifiedName:  o.identifiedName,
		InferredPurpose: o.inferredPurpose,
	}
	go func() {
		reply, err := o.cfg.Reasoner.Turn(tctx, in)
		select {
		case o.turnCh <- turnResult{seq: seq, reply: reply, err: err}:
		case <-tctx.Done():
		}
	}()
}

func (o *Orchestrator) cancelTurn() {
	if o.turnCancel != nil {
		o.turnCancel()
		o.turnCancel = nil
	}
	// Discard a result that raced the cancellation.
	select {
	case <-o.turnCh:
	default:
	}
}

func (o *Orchestrator) handleTurnResult(res turnResult, ctx context.Context) {
	if res.seq != o.turnSeq || o.state != StateThinking {
		return
	}
	o.turnCancel = nil

	if res.err != nil {
		o.log.Warn("reasoning turn failed", "err", res.err)
		o.transition(StateListening)
		resetTimer(o.silence, o.cfg.Limits.SilenceTimeout.Std())
		return
	}

	o.metrics.RecordTurnDuration(ctx, time.Since(o.turnStartedAt))
	o.transition(StateSpeaking)
	o.speak(res.reply, speakReply)
}

// speak queues text on the speech session and remembers why.
func (o *Orchestrator) speak(text string, kind speakKind) {
	id, err := o.speech.Speak(text)
	if err != nil {
		o.log.Error("cannot queue speech", "err", err)
		if kind == speakGoodbye || kind == speakGreeting {
			o.transition(StateEnding)
			return
		}
		o.transition(StateListening)
		if o.silence != nil {
			resetTimer(o.silence, o.cfg.Limits.SilenceTimeout.Std())
		}
		return
	}
	o.speaks[id] = speakMeta{text: text, kind: kind}
}

func (o *Orchestrator) handleSpeakDone(done tts.SpeakDone, ctx context.Context) {
	meta, ok := o.speaks[done.ID]
	if !ok {
		return
	}
	delete(o.speaks, done.ID)

	if done.Err != nil {
		o.log.Warn("synthesis failed", "speak_id", done.ID, "err", done.Err)
	} else if !done.Cancelled {
		o.appendTranscript(types.SpeakerAssistant, meta.text)
		if err := o.cfg.Media.SendMark(done.ID); err != nil {
			o.log.Debug("cannot send playback mark", "err", err)
		}
	}

	if meta.kind == speakGoodbye {
		o.transition(StateEnding)
		return
	}

	if (o.state == StateSpeaking || o.state == StateGreeting) && len(o.speaks) == 0 {
		if o.pendingTurn {
			// A caller utterance arrived mid-speech; answer it now.
			o.pendingTurn = false
			o.transition(StateListening)
			o.transition(StateThinking)
			o.startTurn(ctx)
			return
		}
		o.transition(StateListening)
		resetTimer(o.silence, o.cfg.Limits.SilenceTimeout.Std())
	}
}

// handleSilence re-prompts a quiet caller a bounded number of times, then
// says goodbye.
func (o *Orchestrator) handleSilence() {
	if o.state != StateListening {
		return
	}
	if o.silenceReprompts < o.cfg.Limits.SilenceReprompts {
		o.silenceReprompts++
		o.log.Debug("silence re-prompt", "attempt", o.silenceReprompts)
		o.transition(StateSpeaking)
		o.speak(RepromptLine, speakReprompt)
		return
	}
	o.log.Info("caller silent, hanging up")
	o.transition(StateSpeaking)
	o.speak(GoodbyeLine, speakGoodbye)
}

func (o *Orchestrator) appendTranscript(speaker types.Speaker, text string) {
	if text == "" {
		return
	}
	o.transcript = append(o.transcript, types.TranscriptEntry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) transition(to State) {
	if o.state == to {
		return
	}
	if !CanTransition(o.state, to) {
		// A skipped intermediate state is a bug worth hearing about, but
		// never worth crashing a live call.
		o.log.Warn("irregular state transition", "from", o.state.String(), "to", to.String())
	}
	o.log.Debug("state", "from", o.state.String(), "to", to.String())
	o.state = to
}

// persistInitial writes the in-progress record at call start. Best effort.
func (o *Orchestrator) persistInitial(ctx context.Context) {
	rec := store.CallRecord{
		CallSID:      o.CallSID(),
		CallerNumber: o.cfg.CallerNumber,
		StartedAt:    o.startedAt,
		Outcome:      store.OutcomeInProgress,
	}
	if err := o.cfg.Store.PersistCall(ctx, rec); err != nil {
		o.log.Warn("cannot persist initial call record", "err", err)
	}
}

// finish runs teardown: cancel outstanding work, analyze the outcome, and
// persist the final record. Bounded by the shutdown grace window.
func (o *Orchestrator) finish(ctx context.Context, cancel context.CancelFunc) error {
	// Cancel the call context before closing the provider sessions: their
	// read loops block on it, and a websocket-backed Close waits for those
	// loops to exit. Closing first against a hung peer would park the call
	// in ENDING for as long as the remote stays silent.
	cancel()
	o.cancelTurn()
	if o.sttSess != nil {
		_ = o.sttSess.Close()
	}
	if o.speech != nil {
		o.speech.Close()
	}

	grace := o.cfg.Limits.ShutdownGrace.Std()
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer fcancel()

	rec := store.CallRecord{
		CallSID:         o.CallSID(),
		CallerNumber:    o.cfg.CallerNumber,
		StartedAt:       o.startedAt,
		EndedAt:         time.Now(),
		IdentifiedName:  o.identifiedName,
		InferredPurpose: o.inferredPurpose,
		Transcript:      o.transcript,
		Outcome:         o.defaultOutcome(),
	}

	if len(o.transcript) > 0 {
		analysis, err := o.cfg.Reasoner.AnalyzeOutcome(fctx, o.transcript)
		if err != nil {
			o.log.Warn("outcome analysis failed", "err", err)
		} else {
			rec.Summary = analysis.Summary
			rec.Decision = analysis.Decision
			rec.Reasoning = analysis.Reasoning
			rec.FollowUp = analysis.FollowUp
			rec.Outcome = reasoning.OutcomeFor(analysis.Decision, o.callerTurns, o.voicemail.Load())
		}
	}

	err := o.persistFinal(fctx, rec)

	o.metrics.RecordCallCompleted(fctx, string(rec.Outcome))
	o.transition(StateEnded)
	_ = o.cfg.Media.Close()
	if err != nil {
		return fmt.Errorf("call %s: persist record: %w", o.CallSID(), err)
	}
	return nil
}

// defaultOutcome classifies the call without analysis input.
func (o *Orchestrator) defaultOutcome() store.Outcome {
	switch {
	case o.voicemail.Load():
		return store.OutcomeVoicemail
	case o.callerTurns > 0:
		return store.OutcomeConnected
	default:
		return store.OutcomeMissed
	}
}

// persistFinal writes the finished record, retrying once.
func (o *Orchestrator) persistFinal(ctx context.Context, rec store.CallRecord) error {
	err := o.cfg.Store.PersistCall(ctx, rec)
	if err == nil {
		return nil
	}
	o.log.Warn("persist failed, retrying", "err", err)
	if err := o.cfg.Store.PersistCall(ctx, rec); err != nil {
		o.log.Error("call record lost", "err", err)
		return err
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
