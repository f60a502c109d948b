// Package reasoning drives the per-turn tool-calling loop against the LLM and
// the post-call outcome analysis. It owns the Donna persona prompt, the tool
// schema, and the caller-info extraction heuristics; retrieval is delegated
// to the retrieval engine.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/donnalabs/donna/internal/config"
	"github.com/donnalabs/donna/internal/observe"
	"github.com/donnalabs/donna/internal/retrieval"
	"github.com/donnalabs/donna/pkg/provider/llm"
	"github.com/donnalabs/donna/pkg/types"
)

// FallbackReply is spoken when the turn budget is exhausted or the model
// fails twice.
const FallbackReply = "I'm sorry, I'm having trouble understanding. Could you repeat that?"

const retryBackoff = 250 * time.Millisecond

// TurnInput is everything the orchestrator hands the driver for one caller
// turn.
type TurnInput struct {
	// Transcript is the committed conversation so far, oldest first. The last
	// entry is the caller utterance being answered.
	Transcript []types.TranscriptEntry

	// IdentifiedName is the caller's name if one has been extracted.
	IdentifiedName string

	// InferredPurpose is why the caller seems to be calling, if known.
	InferredPurpose string
}

// Option configures a Driver.
type Option func(*Driver)

// WithMaxToolIters overrides the tool iteration budget per turn.
func WithMaxToolIters(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxToolIters = n
		}
	}
}

// WithTurnTimeout bounds a single model completion.
func WithTurnTimeout(t time.Duration) Option {
	return func(d *Driver) {
		if t > 0 {
			d.turnTimeout = t
		}
	}
}

// WithToolTimeout bounds a single retrieval tool call.
func WithToolTimeout(t time.Duration) Option {
	return func(d *Driver) {
		if t > 0 {
			d.toolTimeout = t
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Driver) {
		d.log = log
	}
}

// WithMetrics overrides the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) {
		if m != nil {
			d.metrics = m
		}
	}
}

// Driver runs bounded tool-calling turns for one business configuration.
// Safe for concurrent use across calls.
type Driver struct {
	model     llm.Provider
	retriever *retrieval.Engine
	business  config.BusinessConfig

	maxToolIters int
	turnTimeout  time.Duration
	toolTimeout  time.Duration
	log          *slog.Logger
	metrics      *observe.Metrics
}

// NewDriver creates a Driver over model and retriever.
func NewDriver(model llm.Provider, retriever *retrieval.Engine, business config.BusinessConfig, opts ...Option) *Driver {
	d := &Driver{
		model:        model,
		retriever:    retriever,
		business:     business,
		maxToolIters: config.DefaultMaxToolIters,
		turnTimeout:  config.DefaultModelTurnTimeout,
		toolTimeout:  config.DefaultToolCallTimeout,
		log:          slog.Default(),
		metrics:      observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Turn produces the reply to speak for the latest caller utterance.
//
// The model is invoked with the tool schema; non-terminal tool calls are
// executed against the retrieval engine and fed back, at most maxToolIters
// times. Identical (tool, arguments) pairs within a turn run once and replay
// the cached result. Turn returns an error only on context cancellation; any
// model or tool failure degrades to FallbackReply so the caller always hears
// something.
func (d *Driver) Turn(ctx context.Context, in TurnInput) (string, error) {
	start := time.Now()
	defer func() { d.metrics.RecordReasoningDuration(ctx, time.Since(start)) }()

	rc := d.preSeedContext(ctx, in)

	messages := conversationMessages(in.Transcript)
	req := llm.CompletionRequest{
		Messages:     messages,
		Tools:        toolDefinitions(),
		Temperature:  0.7,
		SystemPrompt: systemPrompt(d.business, rc, in.IdentifiedName, in.InferredPurpose),
	}

	// Cache of executed (tool, arguments) pairs for this turn.
	executed := map[string]string{}

	for iter := 0; iter < d.maxToolIters; iter++ {
		resp, err := d.completeWithRetry(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			d.log.Warn("model turn failed, using fallback", "err", err)
			return FallbackReply, nil
		}

		if len(resp.ToolCalls) == 0 {
			// The model answered in plain text instead of calling
			// generate_response. Accept it rather than burning iterations.
			if reply := strings.TrimSpace(resp.Content); reply != "" {
				return reply, nil
			}
			d.log.Warn("model returned neither tool calls nor content")
			return FallbackReply, nil
		}

		assistantMsg := types.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		toolMsgs := make([]types.Message, 0, len(resp.ToolCalls))

		for _, call := range resp.ToolCalls {
			if call.Name == toolGenerateResponse {
				var args generateResponseArgs
				if err := decodeArgs(call, &args); err != nil || strings.TrimSpace(args.Reply) == "" {
					d.log.Warn("unusable generate_response call", "err", err)
					return FallbackReply, nil
				}
				return strings.TrimSpace(args.Reply), nil
			}

			key := call.Name + "\x00" + call.Arguments
			result, ok := executed[key]
			if !ok {
				result = d.executeTool(ctx, call)
				executed[key] = result
			}
			toolMsgs = append(toolMsgs, types.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		req.Messages = append(append(req.Messages, assistantMsg), toolMsgs...)
	}

	d.log.Warn("tool iteration budget exhausted", "budget", d.maxToolIters)
	return FallbackReply, nil
}

// completeWithRetry invokes the model once, retrying a single time after a
// short backoff on transport failure.
func (d *Driver) completeWithRetry(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := d.completeOnce(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.log.Warn("model call failed, retrying once", "err", err)
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.completeOnce(ctx, req)
}

// completeOnce streams one completion and collects it into a response. The
// stream must deliver at least one chunk inside the turn timeout.
func (d *Driver) completeOnce(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	tctx, cancel := context.WithTimeout(ctx, d.turnTimeout)
	defer cancel()

	ch, err := d.model.StreamCompletion(tctx, req)
	if err != nil {
		d.metrics.RecordProviderRequest(ctx, "llm", "completion", "error")
		d.metrics.RecordProviderError(ctx, "llm", "completion")
		return nil, err
	}

	var resp llm.CompletionResponse
	var text strings.Builder
	received := false
	for chunk := range ch {
		received = true
		text.WriteString(chunk.Text)
		resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCalls...)
		if chunk.FinishReason == "error" {
			d.metrics.RecordProviderRequest(ctx, "llm", "completion", "error")
			d.metrics.RecordProviderError(ctx, "llm", "completion")
			return nil, fmt.Errorf("reasoning: %w: stream aborted", llm.ErrUnavailable)
		}
	}
	if err := tctx.Err(); err != nil {
		d.metrics.RecordProviderRequest(ctx, "llm", "completion", "error")
		return nil, err
	}
	if !received {
		d.metrics.RecordProviderRequest(ctx, "llm", "completion", "error")
		d.metrics.RecordProviderError(ctx, "llm", "completion")
		return nil, fmt.Errorf("reasoning: %w: empty stream", llm.ErrUnavailable)
	}
	resp.Content = text.String()
	d.metrics.RecordProviderRequest(ctx, "llm", "completion", "ok")
	return &resp, nil
}

// executeTool runs one retrieval tool call, recording its latency and
// outcome. Failures degrade to a no-results payload so the loop keeps moving.
func (d *Driver) executeTool(ctx context.Context, call types.ToolCall) string {
	start := time.Now()
	result, status := d.runTool(ctx, call)
	d.metrics.RecordToolCall(ctx, call.Name, status)
	d.metrics.RecordToolCallDuration(ctx, call.Name, time.Since(start))
	return result
}

// runTool dispatches one retrieval tool call and reports the payload plus an
// "ok"/"error" status.
func (d *Driver) runTool(ctx context.Context, call types.ToolCall) (string, string) {
	tctx, cancel := context.WithTimeout(ctx, d.toolTimeout)
	defer cancel()

	switch call.Name {
	case toolSearchContacts:
		var args searchContactsArgs
		if err := decodeArgs(call, &args); err != nil {
			return `{"error":"invalid arguments"}`, "error"
		}
		results, err := d.retriever.SearchContacts(tctx, args.Name)
		if err != nil {
			d.log.Warn("search_contacts failed", "err", err)
			return `{"results":[],"note":"contact lookup unavailable"}`, "error"
		}
		return encodeResults(results), "ok"

	case toolSearchEmails:
		var args searchEmailsArgs
		if err := decodeArgs(call, &args); err != nil {
			return `{"error":"invalid arguments"}`, "error"
		}
		results, err := d.retriever.SearchEmails(tctx, args.Query)
		if err != nil {
			d.log.Warn("search_emails failed", "err", err)
			return `{"results":[],"note":"email search unavailable"}`, "error"
		}
		return encodeResults(results), "ok"

	default:
		d.log.Warn("model requested unknown tool", "tool", call.Name)
		return `{"error":"unknown tool"}`, "error"
	}
}

// preSeedContext runs retrieval for whichever of name and purpose are known
// before the first model invocation.
func (d *Driver) preSeedContext(ctx context.Context, in TurnInput) retrieval.Context {
	if d.retriever == nil || (in.IdentifiedName == "" && in.InferredPurpose == "") {
		return retrieval.Context{}
	}
	tctx, cancel := context.WithTimeout(ctx, d.toolTimeout)
	defer cancel()

	rc, err := d.retriever.BuildContext(tctx, in.IdentifiedName, in.InferredPurpose)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.log.Warn("context pre-seed failed", "err", err)
		}
		return retrieval.Context{}
	}
	return rc
}
