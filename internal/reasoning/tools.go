package reasoning

import (
	"encoding/json"
	"fmt"

	"github.com/donnalabs/donna/pkg/types"
)

const (
	toolSearchContacts   = "search_contacts"
	toolSearchEmails     = "search_emails"
	toolGenerateResponse = "generate_response"
)

// toolDefinitions is the schema offered to the model on every turn.
// generate_response is terminal: its reply argument ends the turn.
func toolDefinitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        toolSearchContacts,
			Description: "Look up a person in the business contact book by name. Use when the caller mentions who they are or who they want to reach.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "The person's name as the caller said it, possibly misspelled.",
					},
				},
				"required": []string{"name"},
			},
		},
		{
			Name:        toolSearchEmails,
			Description: "Search the business email archive for messages relevant to a topic. Use when the caller asks about an order, invoice, appointment, or prior correspondence.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "A short description of what to look for.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        toolGenerateResponse,
			Description: "Speak a reply to the caller. Call this exactly once when you have enough information to respond. The reply is read aloud, so keep it short and conversational.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reply": map[string]any{
						"type":        "string",
						"description": "What to say to the caller.",
					},
				},
				"required": []string{"reply"},
			},
		},
	}
}

type searchContactsArgs struct {
	Name string `json:"name"`
}

type searchEmailsArgs struct {
	Query string `json:"query"`
}

type generateResponseArgs struct {
	Reply string `json:"reply"`
}

func decodeArgs(call types.ToolCall, into any) error {
	if err := json.Unmarshal([]byte(call.Arguments), into); err != nil {
		return fmt.Errorf("reasoning: bad %s arguments: %w", call.Name, err)
	}
	return nil
}

// toolResultEntry is one retrieval hit serialized back to the model.
type toolResultEntry struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// encodeResults renders retrieval hits as the JSON tool result. An empty hit
// list encodes as an explicit no-results message so the model does not
// hallucinate records.
func encodeResults(results []types.SearchResult) string {
	if len(results) == 0 {
		return `{"results":[],"note":"no matching records found"}`
	}
	entries := make([]toolResultEntry, len(results))
	for i, r := range results {
		entries[i] = toolResultEntry{Content: r.Content, Score: r.Score}
	}
	out, err := json.Marshal(map[string]any{"results": entries})
	if err != nil {
		return `{"results":[],"note":"serialization failed"}`
	}
	return string(out)
}
