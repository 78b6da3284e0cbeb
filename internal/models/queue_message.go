package models

import (
	"encoding/json"
	"errors"
)

// ErrNoMessage is returned when a queue has no visible messages
var ErrNoMessage = errors.New("no messages in queue")

// JobsMessage activates one stage of a job. Duplicate deliveries are
// harmless: activation is reconciled against the persisted job state.
type JobsMessage struct {
	JobID         string `json:"job_id"`
	JobType       string `json:"job_type"`
	Stage         int    `json:"stage"`
	CorrelationID string `json:"correlation_id"`
}

// TaskMessage dispatches one task to a task queue. Redeliveries are dropped
// by the consumer's claim step against the persisted task state.
type TaskMessage struct {
	JobID         string `json:"job_id"`
	TaskID        string `json:"task_id"`
	Stage         int    `json:"stage"`
	TaskType      string `json:"task_type"`
	CorrelationID string `json:"correlation_id"`
}

// Marshal serializes the message for the bus
func (m *JobsMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

// Marshal serializes the message for the bus
func (m *TaskMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

// UnmarshalJobsMessage decodes and validates a jobs-queue message body
func UnmarshalJobsMessage(data []byte) (*JobsMessage, error) {
	var m JobsMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.JobID == "" || m.Stage < 1 {
		return nil, errors.New("invalid jobs message")
	}
	return &m, nil
}

// UnmarshalTaskMessage decodes and validates a task-queue message body
func UnmarshalTaskMessage(data []byte) (*TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.JobID == "" || m.TaskID == "" || m.Stage < 1 {
		return nil, errors.New("invalid task message")
	}
	return &m, nil
}
