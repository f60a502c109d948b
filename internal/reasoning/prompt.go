package reasoning

import (
	"strings"

	"github.com/donnalabs/donna/internal/config"
	"github.com/donnalabs/donna/internal/retrieval"
	"github.com/donnalabs/donna/pkg/types"
)

// DefaultAgentName is the persona used when the business config does not set
// one.
const DefaultAgentName = "Donna"

// Greeting returns the line spoken when a call connects.
func Greeting(biz config.BusinessConfig) string {
	if biz.Greeting != "" {
		return biz.Greeting
	}
	agent := biz.AgentName
	if agent == "" {
		agent = DefaultAgentName
	}
	var b strings.Builder
	b.WriteString("Hello, this is ")
	b.WriteString(agent)
	if biz.Name != "" {
		b.WriteString(" at ")
		b.WriteString(biz.Name)
	} else {
		b.WriteString(", your AI assistant")
	}
	b.WriteString(". How may I help you today?")
	return b.String()
}

// systemPrompt builds the model's standing instructions from the business
// identity and this turn's retrieval context.
func systemPrompt(biz config.BusinessConfig, rc retrieval.Context, name, purpose string) string {
	agent := biz.AgentName
	if agent == "" {
		agent = DefaultAgentName
	}

	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(agent)
	b.WriteString(", a friendly and professional phone receptionist")
	if biz.Name != "" {
		b.WriteString(" for ")
		b.WriteString(biz.Name)
	}
	b.WriteString(".\n\n")

	b.WriteString("You are on a live phone call. Your replies are spoken aloud, so keep them short, natural, and free of markup or lists. Never read out identifiers or scores.\n")
	b.WriteString("Use the search_contacts and search_emails tools to check facts before answering questions about people or correspondence. When you are ready to answer, call generate_response with the reply.\n")
	b.WriteString("If a lookup finds nothing, say so honestly and offer to take a message.\n")

	if biz.Hours != "" {
		b.WriteString("\nBusiness hours: ")
		b.WriteString(biz.Hours)
		b.WriteString("\n")
	}
	if len(biz.Services) > 0 {
		b.WriteString("Services offered: ")
		b.WriteString(strings.Join(biz.Services, ", "))
		b.WriteString("\n")
	}
	if biz.TransferNumber != "" {
		b.WriteString("For urgent matters, callers can be referred to ")
		b.WriteString(biz.TransferNumber)
		b.WriteString(".\n")
	}
	if biz.Notes != "" {
		b.WriteString("\n")
		b.WriteString(biz.Notes)
		b.WriteString("\n")
	}

	if name != "" {
		b.WriteString("\nThe caller has identified themselves as ")
		b.WriteString(name)
		b.WriteString(".\n")
	}
	if purpose != "" {
		b.WriteString("The caller seems to be calling about: ")
		b.WriteString(purpose)
		b.WriteString("\n")
	}

	writeAxis(&b, "Known contacts possibly relevant to this call", rc.Contacts)
	writeAxis(&b, "Emails possibly relevant to this call", rc.Emails)

	return b.String()
}

func writeAxis(b *strings.Builder, heading string, axis retrieval.Axis) {
	if axis.Degraded {
		b.WriteString("\n")
		b.WriteString(heading)
		b.WriteString(": lookup unavailable (")
		b.WriteString(axis.Reason)
		b.WriteString("); tell the caller you cannot check right now if they ask.\n")
		return
	}
	if len(axis.Results) == 0 {
		return
	}
	b.WriteString("\n")
	b.WriteString(heading)
	b.WriteString(":\n")
	for _, r := range axis.Results {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(r.Content, "\n", "; "))
		b.WriteString("\n")
	}
}

// conversationMessages converts the transcript tail into model messages.
func conversationMessages(entries []types.TranscriptEntry) []types.Message {
	msgs := make([]types.Message, 0, len(entries))
	for _, e := range entries {
		role := "user"
		if e.Speaker == types.SpeakerAssistant {
			role = "assistant"
		}
		msgs = append(msgs, types.Message{Role: role, Content: e.Text})
	}
	return msgs
}
