package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/donnalabs/donna/pkg/provider/llm"
	"github.com/donnalabs/donna/pkg/store"
	"github.com/donnalabs/donna/pkg/types"
)

// CallAnalysis is the post-call judgment produced by one JSON-mode model
// call.
type CallAnalysis struct {
	// Summary is a one- or two-sentence recap of the call.
	Summary string `json:"summary"`

	// Decision classifies how the call was handled: handled, scheduled,
	// escalated, or rejected.
	Decision string `json:"decision"`

	// Reasoning explains the decision.
	Reasoning string `json:"reasoning"`

	// FollowUp is a suggested next action for the business, if any.
	FollowUp string `json:"follow_up"`
}

var validDecisions = map[string]bool{
	"handled":   true,
	"scheduled": true,
	"escalated": true,
	"rejected":  true,
}

const analysisPrompt = `You review transcripts of calls answered by an AI receptionist.
Respond with a JSON object with exactly these string fields:
"summary": one or two sentences recapping the call,
"decision": one of "handled", "scheduled", "escalated", "rejected",
"reasoning": why you chose that decision,
"follow_up": a suggested next action for the business, or "" if none.`

// AnalyzeOutcome runs one JSON-mode completion over the finished call's
// transcript. The caller decides what to do with a failure; the usual policy
// is to keep the state machine's outcome and log.
func (d *Driver) AnalyzeOutcome(ctx context.Context, transcript []types.TranscriptEntry) (CallAnalysis, error) {
	if len(transcript) == 0 {
		return CallAnalysis{}, fmt.Errorf("reasoning: empty transcript")
	}

	var b strings.Builder
	for _, e := range transcript {
		b.WriteString(string(e.Speaker))
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteString("\n")
	}

	resp, err := d.model.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: b.String()}},
		SystemPrompt: analysisPrompt,
		Temperature:  0.2,
		JSONOnly:     true,
	})
	if err != nil {
		return CallAnalysis{}, fmt.Errorf("reasoning: outcome analysis: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return CallAnalysis{}, fmt.Errorf("reasoning: outcome analysis: empty response")
	}

	var analysis CallAnalysis
	if err := json.Unmarshal([]byte(resp.Content), &analysis); err != nil {
		return CallAnalysis{}, fmt.Errorf("reasoning: outcome analysis: parse: %w", err)
	}
	if !validDecisions[analysis.Decision] {
		d.log.Warn("analysis returned unknown decision, treating as handled", "decision", analysis.Decision)
		analysis.Decision = "handled"
	}
	return analysis, nil
}

// OutcomeFor maps an analysis decision onto the call outcome enum.
//
// A rejected decision wins outright. Otherwise a call with at least one
// caller utterance connected; with none it was missed, unless the status
// webhook already flagged voicemail.
func OutcomeFor(decision string, callerUtterances int, voicemail bool) store.Outcome {
	switch {
	case decision == "rejected":
		return store.OutcomeRejected
	case voicemail:
		return store.OutcomeVoicemail
	case callerUtterances > 0:
		return store.OutcomeConnected
	default:
		return store.OutcomeMissed
	}
}
