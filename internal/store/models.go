package store

import "time"

// Message roles and content types as stored in the transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	ContentTypeText     = "text"
	ContentTypeAudioURL = "audio_url"
	ContentTypeTable    = "table"
)

// Session is one user conversation with persisted priority/profile context.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	ProfileID     string    `json:"profileId,omitempty"`
	PriorityOrder []string  `json:"priorityOrder,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Message is one line of the user-visible conversation transcript.
// Table messages carry a JSON-encoded ResultTable in Content.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Role        string    `json:"role"`
	ContentType string    `json:"contentType"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ResultTable is the structured table content of a "table" message.
type ResultTable struct {
	Headers []string            `json:"headers"`
	Rows    []map[string]string `json:"rows"`
}

// SearchRun is one invocation of the search capability for one resolved
// query string. Immutable once created.
type SearchRun struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"sessionId"`
	QueryText     string         `json:"queryText"`
	RefinedParams map[string]any `json:"refinedParams,omitempty"`
	ItemCount     int            `json:"itemCount"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// SearchResult is one ranked item returned by a SearchRun. Position is the
// 1-based provider rank, stable per run.
type SearchResult struct {
	ID          string    `json:"id"`
	SearchRunID string    `json:"searchRunId"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Price       string    `json:"price,omitempty"`
	Source      string    `json:"source,omitempty"`
	Position    int       `json:"position"`
	Snippet     string    `json:"snippet,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Choice records that the user selected a SearchResult. ProductURL is
// denormalized at selection time so later result edits cannot change history.
type Choice struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	SearchResultID string    `json:"searchResultId"`
	ProductURL     string    `json:"productUrl"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AgentCommunication is one audit event in the inter-agent trail.
type AgentCommunication struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	FromAgent   string         `json:"fromAgent"`
	ToAgent     string         `json:"toAgent"`
	MessageType string         `json:"messageType"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// AgentPrompt is an administrator-configured instruction template for one
// logical agent. The pipeline reads the active prompt per agent type and
// role; role "default" is the fallback.
type AgentPrompt struct {
	ID        string    `json:"id"`
	AgentType string    `json:"agentType"`
	Role      string    `json:"role"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	IsActive  bool      `json:"isActive"`
	SortOrder int       `json:"sortOrder"`
	CreatedAt time.Time `json:"createdAt"`
}
