package assistant

import (
	"encoding/json"
	"strings"
)

// Truncation limits (spec.md §4.4).
const (
	maxFilePathLen = 100
	maxCommandLen  = 80
	maxPatternLen  = 60
	maxOutputLen   = 200
)

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// toolInputShape is the subset of tool-use input fields the summarizer
// recognizes across common tool kinds.
type toolInputShape struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
	Command  string `json:"command"`
	Pattern  string `json:"pattern"`
	Query    string `json:"query"`
}

// SummarizeInput builds a tool-kind-aware, truncated summary of a tool_use's
// input: file paths get a longer budget than commands, which get more than
// search patterns.
func SummarizeInput(toolName string, input json.RawMessage) string {
	var shape toolInputShape
	_ = json.Unmarshal(input, &shape)

	lower := strings.ToLower(toolName)
	switch {
	case shape.Command != "":
		return truncate(shape.Command, maxCommandLen)
	case strings.Contains(lower, "grep") || strings.Contains(lower, "glob") || strings.Contains(lower, "search"):
		if shape.Pattern != "" {
			return truncate(shape.Pattern, maxPatternLen)
		}
		if shape.Query != "" {
			return truncate(shape.Query, maxPatternLen)
		}
	case shape.FilePath != "":
		return truncate(shape.FilePath, maxFilePathLen)
	case shape.Path != "":
		return truncate(shape.Path, maxFilePathLen)
	}

	// Fallback: compact JSON, truncated to the pattern budget.
	return truncate(string(input), maxPatternLen)
}

// SummarizeOutput truncates a tool_result's content to maxOutputLen,
// prefixing "ERROR: " when the result was flagged an error.
func SummarizeOutput(content string, isError bool) string {
	out := truncate(content, maxOutputLen)
	if isError {
		return "ERROR: " + out
	}
	return out
}
