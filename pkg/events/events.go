// Package events defines event types for flow and run lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
)

type EventType string

// Topic carries all flow and run lifecycle events.
const Topic = "stitch.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle events.
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"

	// Node lifecycle events. NodeKey is the state key, so parallel
	// instances show up individually ("worker_0", "worker_1", ...).
	NodeFiredEvent     EventType = "node.fired"
	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"
	NodeWaitingEvent   EventType = "node.waiting"

	// Versioning events.
	VersionCreatedEvent EventType = "version.created"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowID    string         `json:"flow_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, flowID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		FlowID:    flowID,
		Metadata:  make(map[string]any),
	}
}

type RunStarted struct {
	BaseEvent

	RunID         string `json:"run_id"`
	FlowVersionID string `json:"flow_version_id"`
	EntityID      string `json:"entity_id,omitempty"`
	Trigger       string `json:"trigger"`
}

func (r RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunCompleted struct {
	BaseEvent

	RunID  string `json:"run_id"`
	Failed bool   `json:"failed"`
}

func (r RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type NodeFired struct {
	BaseEvent

	RunID      string          `json:"run_id"`
	NodeKey    string          `json:"node_key"`
	NodeType   models.NodeType `json:"node_type"`
	WorkerType string          `json:"worker_type,omitempty"`
}

func (n NodeFired) GetType() EventType {
	return NodeFiredEvent
}

type NodeCompleted struct {
	BaseEvent

	RunID   string `json:"run_id"`
	NodeKey string `json:"node_key"`
	Output  any    `json:"output,omitempty"`
}

func (n NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type NodeFailed struct {
	BaseEvent

	RunID   string `json:"run_id"`
	NodeKey string `json:"node_key"`
	Error   string `json:"error"`
}

func (n NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

type NodeWaiting struct {
	BaseEvent

	RunID   string `json:"run_id"`
	NodeKey string `json:"node_key"`
}

func (n NodeWaiting) GetType() EventType {
	return NodeWaitingEvent
}

type VersionCreated struct {
	BaseEvent

	VersionID     string `json:"version_id"`
	CommitMessage string `json:"commit_message,omitempty"`
}

func (v VersionCreated) GetType() EventType {
	return VersionCreatedEvent
}
