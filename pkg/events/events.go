// Package events defines event types and structures for execution lifecycle notifications.
package events

import (
	"time"

	"github.com/loomlabs/loom/pkg/models"
)

type EventType string

// Topic carries every execution lifecycle event.
const Topic = "loom.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"

	BlockCompletedEvent EventType = "block.completed"
	BlockFailedEvent    EventType = "block.failed"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ExecutionStarted struct {
	BaseEvent

	Mode models.ExecutionMode `json:"mode"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	Output   map[string]any `json:"output,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type BlockCompleted struct {
	BaseEvent

	BlockID   string         `json:"block_id"`
	BlockType string         `json:"block_type"`
	Output    map[string]any `json:"output,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

func (e BlockCompleted) GetType() EventType {
	return BlockCompletedEvent
}

type BlockFailed struct {
	BaseEvent

	BlockID   string        `json:"block_id"`
	BlockType string        `json:"block_type"`
	Error     string        `json:"error"`
	Duration  time.Duration `json:"duration"`
}

func (e BlockFailed) GetType() EventType {
	return BlockFailedEvent
}
