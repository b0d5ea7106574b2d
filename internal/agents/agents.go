// Package agents defines the closed vocabulary of logical agent tags used to
// attribute inter-agent messages, and the best-effort audit logger that
// records them.
package agents

// Agent is a logical processing role, not a process. The set is closed.
type Agent string

const (
	Communication Agent = "COMMUNICATION"
	Search        Agent = "SEARCH"
	Location      Agent = "LOCATION"
	Comparison    Agent = "COMPARISON"
	Presentation  Agent = "PRESENTATION"
	ASR           Agent = "ASR"
	LLM           Agent = "LLM"
)

// MessageType classifies one audit event.
type MessageType string

const (
	TypeTask     MessageType = "task"
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
)
