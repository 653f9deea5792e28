package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"     // Editable, not executable
	WorkflowStatusPublished WorkflowStatus = "published" // Current active, executable
)

// Workflow is the mutable authoring state of a block-based workflow. It is
// what the graph editor persists; the serializer compiles it into a
// SerializedWorkflow before each run.
type Workflow struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"        validate:"required,min=3"`
	Description string               `json:"description"`
	Status      WorkflowStatus       `json:"status"`
	Blocks      []*Block             `json:"blocks"`
	Edges       []*Edge              `json:"edges"`
	Loops       map[string]*Loop     `json:"loops,omitempty"`
	Parallels   map[string]*Parallel `json:"parallels,omitempty"`
	Variables   map[string]any       `json:"variables,omitempty"`
	Owner       string               `json:"owner"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}
