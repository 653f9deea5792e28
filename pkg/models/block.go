// Package models defines the core domain models for block-based workflow execution.
package models

// BlockCategory represents the category of a block.
type BlockCategory string

const (
	CategoryBlock   BlockCategory = "block"   // Regular executable blocks (agent, api, condition, ...)
	CategoryTrigger BlockCategory = "trigger" // Trigger blocks (webhook, schedule, chat entry points)
)

// Built-in block types.
const (
	BlockTypeStarter   = "starter"
	BlockTypeAgent     = "agent"
	BlockTypeAPI       = "api"
	BlockTypeFunction  = "function"
	BlockTypeCondition = "condition"
	BlockTypeRouter    = "router"
	BlockTypeLoop      = "loop"
	BlockTypeParallel  = "parallel"
	BlockTypeResponse  = "response"
)

// Trigger block types. Triggers are entry points only and are excluded from
// the compiled graph during manual and chat executions.
const (
	BlockTypeTriggerWebhook  = "trigger:webhook"
	BlockTypeTriggerSchedule = "trigger:schedule"
	BlockTypeTriggerChat     = "trigger:chat"
)

// Block represents a single node in a workflow graph. Config holds the merged
// sub-block values produced by the graph editor; ParentID places the block
// inside a loop or parallel container.
type Block struct {
	ID           string         `json:"id"             validate:"required"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Config       map[string]any `json:"config"`
	ParentID     string         `json:"parent_id,omitempty"`
	AdvancedMode bool           `json:"advanced_mode,omitempty"`
	Enabled      bool           `json:"enabled"`
	PositionX    int            `json:"position_x"`
	PositionY    int            `json:"position_y"`
}

// IsTriggerBlock reports whether the block acts as a workflow entry point.
func (b *Block) IsTriggerBlock() bool {
	if b.Type == BlockTypeStarter {
		return true
	}

	return len(b.Type) > 8 && b.Type[:8] == "trigger:"
}

// Edge is a directed connection between two blocks. SourceHandle distinguishes
// outputs of multi-output blocks (condition branches, router targets).
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"        validate:"required"`
	Target       string `json:"target"        validate:"required"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
}

// BlockStatus defines the execution states of a block. A block becomes ready
// only once every upstream block reachable via non-trigger edges is terminal.
type BlockStatus string

const (
	BlockStatusPending   BlockStatus = "pending"
	BlockStatusReady     BlockStatus = "ready"
	BlockStatusRunning   BlockStatus = "running"
	BlockStatusCompleted BlockStatus = "completed"
	BlockStatusFailed    BlockStatus = "failed"
	BlockStatusSkipped   BlockStatus = "skipped"
)

// Terminal reports whether the status is a terminal state.
func (s BlockStatus) Terminal() bool {
	return s == BlockStatusCompleted || s == BlockStatusFailed || s == BlockStatusSkipped
}

// Well-known output keys written by routing blocks and consumed by the executor.
const (
	OutputKeySelectedHandle = "selected_handle" // condition blocks: chosen source handle
	OutputKeySelectedRoute  = "selected_route"  // router blocks: chosen target block id
)
