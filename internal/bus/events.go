package bus

import "time"

// EventType is a job lifecycle transition.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventTimedOut  EventType = "timed_out"
	EventFailed    EventType = "failed"
	EventRejected  EventType = "rejected"
)

// Event describes one job lifecycle transition.
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"jobId"`
	Kind      string         `json:"kind,omitempty"`      // processor kind
	Container string         `json:"container,omitempty"` // container id, when one was used
	Reason    string         `json:"reason,omitempty"`    // failure/rejection classification
	Score     int            `json:"score,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
