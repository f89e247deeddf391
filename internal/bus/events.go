package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an event on the presentation stream.
type EventType string

const (
	TextDelta     EventType = "text_delta"
	ToolCallStart EventType = "tool_call_start"
	ToolOutput    EventType = "tool_output"
	ToolCallEnd   EventType = "tool_call_end"
	Complete      EventType = "complete"
	Error         EventType = "error"
)

// Event is one item of the ordered stream a front end consumes. Sub-agent
// runs publish to the same stream, tagged with their agent and depth.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Agent     string    `json:"agent,omitempty"`
	Depth     int       `json:"depth,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Args      string    `json:"args,omitempty"`
	Status    string    `json:"status,omitempty"`
	Text      string    `json:"text,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stamp fills the id and timestamp when unset.
func (e *Event) Stamp() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}
