// Package events provides the in-process event bus the recording
// engine publishes on: source lifecycle, compositor health, recorder
// state, and upload progress all fan out through here to the API
// layer and its WebSocket feed.
package events

import (
	"time"
)

// EventType represents the type of event
type EventType string

// Engine-wide event types
const (
	// Source events
	EventSourceAcquired EventType = "source.acquired"
	EventSourceReleased EventType = "source.released"
	EventSourceLost     EventType = "source.lost"

	// Compositor events
	EventLayoutChanged       EventType = "compositor.layout_changed"
	EventPerformanceDegraded EventType = "compositor.performance_degraded"
	EventQualityReduced      EventType = "compositor.quality_reduced"

	// Recorder events
	EventRecordingStarted   EventType = "recording.started"
	EventRecordingPaused    EventType = "recording.paused"
	EventRecordingResumed   EventType = "recording.resumed"
	EventRecordingFinalized EventType = "recording.finalized"
	EventRecordingFailed    EventType = "recording.failed"

	// Artifact events
	EventContainerRepaired EventType = "artifact.container_repaired"
	EventTrimCompleted     EventType = "artifact.trim_completed"

	// Upload events
	EventUploadPhaseChanged EventType = "upload.phase_changed"
	EventUploadProgress     EventType = "upload.progress"
	EventUploadCompleted    EventType = "upload.completed"
	EventUploadFailed       EventType = "upload.failed"

	// System events
	EventSystemStarted EventType = "system.started"
	EventSystemStopped EventType = "system.stopped"
)

// EventPriority represents the priority level of an event
type EventPriority int

const (
	PriorityLow      EventPriority = 1
	PriorityNormal   EventPriority = 5
	PriorityHigh     EventPriority = 10
	PriorityCritical EventPriority = 20
)

// Event represents an engine event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // component name, session:id
	SessionID string                 `json:"session_id,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Priority  EventPriority          `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler represents a function that handles events
type EventHandler func(event Event)

// EventFilter represents filters for event subscriptions
type EventFilter struct {
	Types     []EventType `json:"types,omitempty"`
	Sources   []string    `json:"sources,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// Matches reports whether an event passes the filter
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Sources) > 0 {
		found := false
		for _, s := range f.Sources {
			if s == event.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SessionID != "" && f.SessionID != event.SessionID {
		return false
	}
	return true
}

// Subscription represents an event subscription
type Subscription struct {
	ID           string       `json:"id"`
	Filter       EventFilter  `json:"filter"`
	Handler      EventHandler `json:"-"`
	Created      time.Time    `json:"created"`
	TriggerCount int64        `json:"trigger_count"`
}

// BusConfig represents configuration for the event bus
type BusConfig struct {
	BufferSize      int  `json:"buffer_size" yaml:"buffer_size"`
	MaxStoredEvents int  `json:"max_stored_events" yaml:"max_stored_events"`
	Persist         bool `json:"persist" yaml:"persist"`
}

// DefaultBusConfig returns default configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:      256,
		MaxStoredEvents: 1000,
		Persist:         true,
	}
}
