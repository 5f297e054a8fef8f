// Package events defines the progress events the execution engine surfaces
// to the chat transport. The transport renders them; the engine only emits.
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	// TypeAgentStatus signals an agent state change (working, done, error).
	TypeAgentStatus Type = "agent_status"

	// TypeAgentProgress carries step narration while a job runs.
	TypeAgentProgress Type = "agent_progress"

	// TypeAgentQuestion asks the user for data the workflow is missing.
	// The transport routes the user's next message back as the answer.
	TypeAgentQuestion Type = "agent_question"

	// TypeContent carries the terminal result: a markdown summary plus
	// structured data for the transport to render.
	TypeContent Type = "content"
)

// Event is a single progress event. Events are delivered to the transport
// in emission order.
type Event struct {
	Type      Type           `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Question  string         `json:"question,omitempty"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Elapsed   time.Duration  `json:"elapsed,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives events. Implementations must be safe to call from the
// goroutine that drains the progress queue; the engine never calls a sink
// from a worker thread directly.
type Sink func(Event)

// NewStatusEvent creates an agent status change event.
func NewStatusEvent(agent, status, message string) Event {
	return Event{
		Type:      TypeAgentStatus,
		Agent:     agent,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewProgressEvent creates a step narration event.
func NewProgressEvent(agent, message string, elapsed time.Duration) Event {
	return Event{
		Type:      TypeAgentProgress,
		Agent:     agent,
		Message:   message,
		Elapsed:   elapsed,
		Timestamp: time.Now(),
	}
}

// NewQuestionEvent creates a blocking question event.
func NewQuestionEvent(agent, question string) Event {
	return Event{
		Type:      TypeAgentQuestion,
		Agent:     agent,
		Question:  question,
		Timestamp: time.Now(),
	}
}

// NewContentEvent creates the terminal result event.
func NewContentEvent(content string, data map[string]any) Event {
	return Event{
		Type:      TypeContent,
		Content:   content,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// IsTerminal reports whether this event ends the job's event stream.
func (e Event) IsTerminal() bool {
	return e.Type == TypeContent
}
