package interfaces

import (
	"context"
)

// EventType identifies a job lifecycle event
type EventType string

const (
	EventJobCreated      EventType = "job_created"
	EventJobStatusChange EventType = "job_status_change"
	EventStageCompleted  EventType = "stage_completed"
	EventTaskStarted     EventType = "task_started"
	EventTaskCompleted   EventType = "task_completed"
)

// Event is a job lifecycle notification for observers (websocket UI, tests)
type Event struct {
	Type    EventType              `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// EventService is an in-process pub/sub for job lifecycle events. Publish
// never blocks processing; slow subscribers drop events.
type EventService interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a receive channel and an unsubscribe function
	Subscribe(buffer int) (<-chan Event, func())
}
