package domain

import "time"

// Action is one assistant tool invocation, correlated across the matching
// tool_use / tool_result event pair by ToolUseID. Every tool_use creates an
// Action in the Assistant Runner's pending map; the matching tool_result
// updates it and removes it from that map.
type Action struct {
	ToolName      string
	ToolUseID     string
	InputSummary  string // truncated, tool-kind-aware
	OutputSummary string // truncated; prefixed "ERROR: " when flagged an error
	Success       bool
	Timestamp     time.Time
	DurationMS    int64 // 0 if unknown
}
