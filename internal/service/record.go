package service

// ErrorInfo is the persistable form of an error: a flat name/message pair
// with an optional unwrapped cause chain.
type ErrorInfo struct {
	Name    string     `json:"name"`
	Message string     `json:"message"`
	Stack   string     `json:"stack,omitempty"`
	Cause   *ErrorInfo `json:"cause,omitempty"`
}

// TimelineRecord is one persisted timeline entry of a run. Dates are
// RFC3339 strings; durations are milliseconds.
type TimelineRecord struct {
	Type        string     `json:"type"`
	At          string     `json:"at"`
	NodeID      string     `json:"node_id,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`
	NextDelayMS int64      `json:"next_delay_ms,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	Status      string     `json:"status,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
}

// RunRecord is the persistable form of a workflow run result. The file
// store writes exactly this shape as <run id>.json.
type RunRecord struct {
	ID             string                `json:"id"`
	WorkflowID     string                `json:"workflow_id"`
	Status         string                `json:"status"`
	StartedAt      string                `json:"started_at"`
	FinishedAt     string                `json:"finished_at"`
	DurationMS     int64                 `json:"duration_ms"`
	Results        map[string]any        `json:"results"`
	Errors         map[string]*ErrorInfo `json:"errors,omitempty"`
	Attempts       map[string]int        `json:"attempts"`
	Timeline       []TimelineRecord      `json:"timeline"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Memory         Memory                `json:"memory,omitempty"`
}
