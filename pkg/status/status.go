// Package status carries per-task analysis progress events from the
// worker to any number of live subscribers, with the latest event
// retained so a subscriber that connects mid-run catches up immediately.
package status

import (
	"context"

	"aligniq/pkg/domain"
)

const EventType = "task_status_update"

// Task-level status values, distinct from the five step states.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// TaskStatusUpdate is one progress event for an analysis task.
// CurrentStep indexes domain.StepNames; StepProgress is 0-100 within
// that step. Result is set only on the final completed event.
type TaskStatusUpdate struct {
	Type         string                 `json:"type"`
	Status       string                 `json:"status"`
	CurrentStep  int                    `json:"current_step"`
	StepProgress int                    `json:"step_progress"`
	Message      string                 `json:"message,omitempty"`
	Result       *domain.AnalysisResult `json:"result,omitempty"`
}

// Processing builds an in-flight event for the given step.
func Processing(step, progress int, message string) TaskStatusUpdate {
	return TaskStatusUpdate{
		Type:         EventType,
		Status:       StatusProcessing,
		CurrentStep:  step,
		StepProgress: progress,
		Message:      message,
	}
}

// Completed builds the terminal success event carrying the analysis result.
func Completed(result domain.AnalysisResult) TaskStatusUpdate {
	return TaskStatusUpdate{
		Type:         EventType,
		Status:       StatusCompleted,
		CurrentStep:  len(domain.StepNames) - 1,
		StepProgress: 100,
		Message:      "Analysis complete",
		Result:       &result,
	}
}

// Failed builds the terminal error event. Step is the step that failed;
// later steps never run.
func Failed(step int, message string) TaskStatusUpdate {
	return TaskStatusUpdate{
		Type:        EventType,
		Status:      StatusError,
		CurrentStep: step,
		Message:     message,
	}
}

// Terminal reports whether no further events follow this one.
func (u TaskStatusUpdate) Terminal() bool {
	return u.Status == StatusCompleted || u.Status == StatusError
}

// Broker publishes task status events and fans them out to subscribers.
type Broker interface {
	// Publish delivers the event to current subscribers and retains it
	// as the task's latest state.
	Publish(ctx context.Context, taskID string, update TaskStatusUpdate) error
	// Subscribe returns a channel of events for the task, starting with
	// the retained latest event if one exists. The returned stop
	// function releases the subscription; the channel is closed after a
	// terminal event or when stop is called.
	Subscribe(ctx context.Context, taskID string) (<-chan TaskStatusUpdate, func(), error)
}
