// Package storage persists the gateway's audit trail: every turn, tool
// call, and proposal transition.
package storage

import "time"

// EventWriter is the interface for writing audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *AuditEvent)
	Close()
}

// Event kinds.
const (
	EventTurn     = "turn"
	EventToolCall = "tool_call"
	EventProposal = "proposal"
	EventExport   = "export"
)

// AuditEvent is one persisted record in the audit trail. One shape covers
// every kind; unused fields stay zero.
type AuditEvent struct {
	RequestID      string
	ConversationID string
	Timestamp      time.Time
	Kind           string
	IdentityID     string
	WorkspaceCode  string

	// Turn fields.
	Tier         string
	Provider     string
	Model        string
	Escalated    bool
	Reasons      []string
	ToolCalls    uint32
	InputTokens  uint64
	OutputTokens uint64
	Outcome      string

	// Tool call fields.
	ToolName       string
	ParamsPreview  string
	EstimatedRows  int64
	Recommendation string

	// Proposal and export fields.
	SubjectID string
	FromState string
	ToState   string
	Actor     string

	LatencyMs float32
}

// ParamsPreviewLength is the max chars stored in params_preview.
const ParamsPreviewLength = 500

// TruncatePreview returns the first N characters (runes) of a payload for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncatePreview(payload string, maxLen int) string {
	runes := []rune(payload)
	if len(runes) <= maxLen {
		return payload
	}
	return string(runes[:maxLen])
}
