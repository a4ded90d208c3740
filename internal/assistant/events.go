// Package assistant is the Assistant Runner and Event Parser: it spawns one
// invocation of the external assistant CLI for a workflow phase, multiplexes
// its line-delimited JSON event stream, and recognizes the in-band signals
// and structured blocks the rest of the loop depends on (spec.md §4.3,
// §4.4).
package assistant

import "encoding/json"

// contentBlock is one element of an assistant/user message's content array.
// Only the fields the loop relies on are modeled (spec.md §6 "Assistant
// event stream").
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`         // tool_use
	Name      string          `json:"name,omitempty"`       // tool_use
	Input     json.RawMessage `json:"input,omitempty"`      // tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   json.RawMessage `json:"content,omitempty"`    // tool_result
	IsError   bool            `json:"is_error,omitempty"`   // tool_result
}

type message struct {
	Content []contentBlock `json:"content"`
}

// Event is one decoded line of the assistant's stream-json output.
type Event struct {
	Type    string  `json:"type"` // "assistant" | "user" | other (ignored)
	Message message `json:"message"`
}

// ToolUse is one tool_use block extracted from an assistant event.
type ToolUse struct {
	ToolUseID string
	Name      string
	Input     json.RawMessage
}

// ToolResult is one tool_result block extracted from a user event.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ParseEvent decodes one line of the stream as an Event. Invalid lines
// produce (Event{}, false) — the caller preserves the raw line in output
// but does not error out of the stream.
func ParseEvent(line string) (Event, bool) {
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	if ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}

// TextFromAssistant concatenates all text blocks of an "assistant" event.
func TextFromAssistant(ev Event) string {
	if ev.Type != "assistant" {
		return ""
	}
	var out string
	for _, b := range ev.Message.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ToolUsesFromAssistant extracts tool_use blocks from an "assistant" event.
func ToolUsesFromAssistant(ev Event) []ToolUse {
	if ev.Type != "assistant" {
		return nil
	}
	var out []ToolUse
	for _, b := range ev.Message.Content {
		if b.Type == "tool_use" {
			out = append(out, ToolUse{ToolUseID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return out
}

// ToolResultsFromUser extracts tool_result blocks from a "user" event.
func ToolResultsFromUser(ev Event) []ToolResult {
	if ev.Type != "user" {
		return nil
	}
	var out []ToolResult
	for _, b := range ev.Message.Content {
		if b.Type == "tool_result" {
			out = append(out, ToolResult{
				ToolUseID: b.ToolUseID,
				Content:   contentToString(b.Content),
				IsError:   b.IsError,
			})
		}
	}
	return out
}

// contentToString renders a tool_result's content field, which may be a
// bare string or a structured value, as plain text for summarization.
func contentToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
