package agents

import (
	"context"

	"github.com/modista/shopagent/internal/logger"
	"github.com/modista/shopagent/internal/store"
)

// maxAuditContent bounds the persisted human-readable content.
const maxAuditContent = 500

// CommWriter is the slice of the store the audit logger needs.
type CommWriter interface {
	CreateAgentCommunication(ctx context.Context, c *store.AgentCommunication) error
}

// AuditLogger appends inter-agent audit events. This channel is diagnostic,
// not transactional: write failures are logged and swallowed, never returned.
type AuditLogger struct {
	store CommWriter
}

// NewAuditLogger creates an audit logger over the given store.
func NewAuditLogger(s CommWriter) *AuditLogger {
	return &AuditLogger{store: s}
}

// Log persists one audit event describing a message from one logical agent
// to another. Content is truncated to a bounded size.
func (a *AuditLogger) Log(ctx context.Context, sessionID string, from, to Agent, msgType MessageType, content string, metadata map[string]any) {
	if sessionID == "" {
		return
	}
	err := a.store.CreateAgentCommunication(ctx, &store.AgentCommunication{
		SessionID:   sessionID,
		FromAgent:   string(from),
		ToAgent:     string(to),
		MessageType: string(msgType),
		Content:     truncate(content, maxAuditContent),
		Metadata:    metadata,
	})
	if err != nil {
		logger.L.Warn("failed to log agent communication", "error", err, "sessionId", sessionID, "from", from, "to", to)
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
