// Package types defines the shared types used across all Donna packages.
//
// These types form the lingua franca between providers, the retrieval layer,
// the reasoning driver, and the call orchestrator. Each package defines its
// own domain types; only cross-cutting data structures live here, to avoid
// circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Timestamp marks when the event was emitted, relative to session start.
	Timestamp time.Duration
}

// Speaker identifies one side of a phone conversation.
type Speaker string

const (
	// SpeakerCaller is the person who dialled in.
	SpeakerCaller Speaker = "caller"

	// SpeakerAssistant is the reception agent.
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptEntry is one committed utterance in a call's transcript history.
// Entries are appended by the call orchestrator in strict chronological order.
type TranscriptEntry struct {
	// Speaker is who said it.
	Speaker Speaker `json:"speaker"`

	// Text is the utterance text. Never empty; empty final transcripts are
	// dropped before they reach the history.
	Text string `json:"text"`

	// Timestamp is when the utterance was committed.
	Timestamp time.Time `json:"timestamp"`
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// SearchResult is a transient retrieval hit over the contact or email corpus.
//
// Collections of results are always sorted strictly by descending Score; ties
// are broken by lexicographic ID.
type SearchResult struct {
	// ID is the stable identifier of the underlying record.
	ID string

	// Content is the text presented to the reasoning model (contact summary
	// or email snippet).
	Content string

	// Source describes where the hit came from ("contact" or "email").
	Source string

	// Score is the similarity score in [0, 1]. Name-based contact hits carry
	// a ranking score on the same scale.
	Score float64
}
