package reasoning

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/donnalabs/donna/internal/config"
	"github.com/donnalabs/donna/internal/observe/observetest"
	"github.com/donnalabs/donna/internal/retrieval"
	embmock "github.com/donnalabs/donna/pkg/provider/embeddings/mock"
	"github.com/donnalabs/donna/pkg/provider/llm"
	llmmock "github.com/donnalabs/donna/pkg/provider/llm/mock"
	"github.com/donnalabs/donna/pkg/store"
	storemock "github.com/donnalabs/donna/pkg/store/mock"
	"github.com/donnalabs/donna/pkg/types"
)

var testBusiness = config.BusinessConfig{
	Name:      "Brightside Dental",
	AgentName: "Donna",
	Hours:     "Mon-Fri 9-5",
}

func callerSays(texts ...string) []types.TranscriptEntry {
	entries := make([]types.TranscriptEntry, len(texts))
	for i, t := range texts {
		entries[i] = types.TranscriptEntry{Speaker: types.SpeakerCaller, Text: t, Timestamp: time.Now()}
	}
	return entries
}

func toolCallChunk(id, name, args string) llm.Chunk {
	return llm.Chunk{
		FinishReason: "tool_calls",
		ToolCalls:    []types.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

func newTestDriver(model llm.Provider, st *storemock.Store, emb *embmock.Provider, opts ...Option) *Driver {
	eng := retrieval.NewEngine(st, emb)
	return NewDriver(model, eng, testBusiness, opts...)
}

func TestTurn_TerminalReply(t *testing.T) {
	model := &llmmock.Provider{
		ScriptedStreams: [][]llm.Chunk{
			{toolCallChunk("1", toolGenerateResponse, `{"reply":"We open at nine."}`)},
		},
	}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{})

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("What time do you open?")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply != "We open at nine." {
		t.Errorf("reply: got %q", reply)
	}
	if len(model.StreamCalls) != 1 {
		t.Errorf("stream calls: want 1, got %d", len(model.StreamCalls))
	}
	req := model.StreamCalls[0].Req
	if req.SystemPrompt == "" || !strings.Contains(req.SystemPrompt, "Brightside Dental") {
		t.Error("system prompt should carry the business identity")
	}
	if len(req.Tools) != 3 {
		t.Errorf("tools offered: want 3, got %d", len(req.Tools))
	}
}

func TestTurn_ToolCallThenReply(t *testing.T) {
	st := storemock.New()
	if err := st.UpsertContact(context.Background(), store.Contact{ID: "c1", Name: "Maria Santos", Email: "maria@acme.test"}); err != nil {
		t.Fatal(err)
	}

	model := &llmmock.Provider{
		ScriptedStreams: [][]llm.Chunk{
			{toolCallChunk("1", toolSearchContacts, `{"name":"Maria"}`)},
			{toolCallChunk("2", toolGenerateResponse, `{"reply":"Yes, Maria Santos is in our contacts."}`)},
		},
	}
	d := newTestDriver(model, st, &embmock.Provider{})

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("Do you know Maria?")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !strings.Contains(reply, "Maria Santos") {
		t.Errorf("reply: got %q", reply)
	}
	if len(model.StreamCalls) != 2 {
		t.Fatalf("stream calls: want 2, got %d", len(model.StreamCalls))
	}

	// The second invocation must carry the assistant tool call and its result.
	msgs := model.StreamCalls[1].Req.Messages
	var sawAssistant, sawTool bool
	for _, m := range msgs {
		if m.Role == "assistant" && len(m.ToolCalls) == 1 {
			sawAssistant = true
		}
		if m.Role == "tool" && m.ToolCallID == "1" {
			sawTool = true
			if !strings.Contains(m.Content, "Maria Santos") {
				t.Errorf("tool result should carry the contact: %q", m.Content)
			}
		}
	}
	if !sawAssistant || !sawTool {
		t.Errorf("conversation missing tool exchange: %+v", msgs)
	}
}

func TestTurn_DeduplicatesIdenticalToolCalls(t *testing.T) {
	emb := &embmock.Provider{}
	model := &llmmock.Provider{
		ScriptedStreams: [][]llm.Chunk{
			{toolCallChunk("1", toolSearchEmails, `{"query":"invoice"}`)},
			{toolCallChunk("2", toolSearchEmails, `{"query":"invoice"}`)},
			{toolCallChunk("3", toolGenerateResponse, `{"reply":"I could not find that invoice."}`)},
		},
	}
	d := newTestDriver(model, storemock.New(), emb)

	if _, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("Any invoice from Acme?")}); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if len(emb.EmbedCalls) != 1 {
		t.Errorf("identical search_emails must execute once, embedded %d times", len(emb.EmbedCalls))
	}
}

func TestTurn_BudgetExhaustionFallsBack(t *testing.T) {
	script := make([][]llm.Chunk, 0, 5)
	for _, q := range []string{"a", "b", "c", "d", "e"} {
		script = append(script, []llm.Chunk{toolCallChunk(q, toolSearchContacts, `{"name":"`+q+`"}`)})
	}
	model := &llmmock.Provider{ScriptedStreams: script}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{})

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("hello")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply != FallbackReply {
		t.Errorf("expected fallback reply, got %q", reply)
	}
	if len(model.StreamCalls) != config.DefaultMaxToolIters {
		t.Errorf("stream calls: want %d, got %d", config.DefaultMaxToolIters, len(model.StreamCalls))
	}
}

func TestTurn_PlainContentAccepted(t *testing.T) {
	model := &llmmock.Provider{
		ScriptedStreams: [][]llm.Chunk{
			{{Text: "Sure, "}, {Text: "one moment."}, {FinishReason: "stop"}},
		},
	}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{})

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("Can you check?")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply != "Sure, one moment." {
		t.Errorf("reply: got %q", reply)
	}
}

func TestTurn_TransportFailureRetriesOnceThenFallsBack(t *testing.T) {
	model := &llmmock.Provider{StreamErr: llm.ErrUnavailable}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{})

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("hello")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply != FallbackReply {
		t.Errorf("expected fallback reply, got %q", reply)
	}
	if len(model.StreamCalls) != 2 {
		t.Errorf("expected exactly one retry, got %d calls", len(model.StreamCalls))
	}
}

func TestTurn_RetrySucceedsAfterEmptyStream(t *testing.T) {
	model := &llmmock.Provider{
		ScriptedStreams: [][]llm.Chunk{
			{}, // first attempt yields nothing
			{toolCallChunk("1", toolGenerateResponse, `{"reply":"Recovered."}`)},
		},
	}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{})

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("hello")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply != "Recovered." {
		t.Errorf("reply: got %q", reply)
	}
}

func TestTurn_TimeoutFallsBack(t *testing.T) {
	model := &llmmock.Provider{
		Delay:        200 * time.Millisecond,
		StreamChunks: []llm.Chunk{{Text: "too late"}},
	}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{}, WithTurnTimeout(20*time.Millisecond))

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("hello")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply != FallbackReply {
		t.Errorf("expected fallback after timeout, got %q", reply)
	}
}

func TestTurn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &llmmock.Provider{
		StreamChunks: []llm.Chunk{toolCallChunk("1", toolGenerateResponse, `{"reply":"hi"}`)},
	}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{})

	if _, err := d.Turn(ctx, TurnInput{Transcript: callerSays("hello")}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestTurn_UnknownToolKeepsLoopMoving(t *testing.T) {
	model := &llmmock.Provider{
		ScriptedStreams: [][]llm.Chunk{
			{toolCallChunk("1", "transfer_call", `{"number":"+1555"}`)},
			{toolCallChunk("2", toolGenerateResponse, `{"reply":"I can't transfer calls yet."}`)},
		},
	}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{})

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("transfer me")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !strings.Contains(reply, "transfer") {
		t.Errorf("reply: got %q", reply)
	}
	msgs := model.StreamCalls[1].Req.Messages
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "unknown tool") {
		t.Errorf("expected unknown-tool result, got %+v", last)
	}
}

func TestTurn_PreSeedsContextFromIdentifiedCaller(t *testing.T) {
	st := storemock.New()
	if err := st.UpsertContact(context.Background(), store.Contact{ID: "c1", Name: "Maria Santos"}); err != nil {
		t.Fatal(err)
	}
	model := &llmmock.Provider{
		ScriptedStreams: [][]llm.Chunk{
			{toolCallChunk("1", toolGenerateResponse, `{"reply":"Hello Maria."}`)},
		},
	}
	d := newTestDriver(model, st, &embmock.Provider{})

	_, err := d.Turn(context.Background(), TurnInput{
		Transcript:     callerSays("Hi, this is Maria Santos"),
		IdentifiedName: "Maria Santos",
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	prompt := model.StreamCalls[0].Req.SystemPrompt
	if !strings.Contains(prompt, "Maria Santos") {
		t.Error("system prompt should include the identified caller and contact hit")
	}
}

func TestTurn_RecordsToolAndModelMetrics(t *testing.T) {
	m, reader := observetest.NewMetrics(t)
	st := storemock.New()
	if err := st.UpsertContact(context.Background(), store.Contact{ID: "c1", Name: "Maria Santos"}); err != nil {
		t.Fatal(err)
	}
	model := &llmmock.Provider{
		ScriptedStreams: [][]llm.Chunk{
			{toolCallChunk("1", toolSearchContacts, `{"name":"Maria"}`)},
			{toolCallChunk("2", toolGenerateResponse, `{"reply":"Yes, Maria is in our contacts."}`)},
		},
	}
	d := newTestDriver(model, st, &embmock.Provider{}, WithMetrics(m))

	if _, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("Do you know Maria?")}); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	if got := observetest.CounterTotal(t, reader, "donna.tool.calls"); got != 1 {
		t.Errorf("tool calls: got %d, want 1", got)
	}
	if got := observetest.HistogramCount(t, reader, "donna.tool_call.duration"); got != 1 {
		t.Errorf("tool call duration samples: got %d, want 1", got)
	}
	if got := observetest.CounterTotal(t, reader, "donna.provider.requests"); got != 2 {
		t.Errorf("provider requests: got %d, want 2", got)
	}
	if got := observetest.HistogramCount(t, reader, "donna.reasoning.duration"); got != 1 {
		t.Errorf("reasoning duration samples: got %d, want 1", got)
	}
}

func TestTurn_RecordsProviderErrorOnFailedStream(t *testing.T) {
	m, reader := observetest.NewMetrics(t)
	model := &llmmock.Provider{StreamErr: llm.ErrUnavailable}
	d := newTestDriver(model, storemock.New(), &embmock.Provider{}, WithMetrics(m))

	reply, err := d.Turn(context.Background(), TurnInput{Transcript: callerSays("Hello?")})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if reply != FallbackReply {
		t.Errorf("reply: got %q, want fallback", reply)
	}

	// One initial attempt plus one retry, both failed.
	if got := observetest.CounterTotal(t, reader, "donna.provider.errors"); got != 2 {
		t.Errorf("provider errors: got %d, want 2", got)
	}
}
