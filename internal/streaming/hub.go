package streaming

import (
	"context"
	"time"
)

// StreamEvent is a live pipeline event fanned out to subscribers.
type StreamEvent struct {
	WorkflowID string         `json:"workflow_id"`
	Stage      string         `json:"stage,omitempty"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EventFilter selects which events a subscriber receives.
// Zero values match everything.
type EventFilter struct {
	WorkflowID string
	EventTypes []string
}

// Matches reports whether the event passes the filter.
func (f EventFilter) Matches(ev StreamEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != ev.WorkflowID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == ev.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EventHub fans pipeline events out to live subscribers.
// Publish never blocks workflow execution.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent)
	Subscribe(filter EventFilter) (<-chan StreamEvent, func())
	Close()
}
