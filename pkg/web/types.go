package web

import "github.com/loomlabs/loom/pkg/models"

// CreateWorkflowRequest is the body of POST /workflows.
type CreateWorkflowRequest struct {
	Name        string                      `json:"name"        validate:"required,min=3"`
	Description string                      `json:"description"`
	Blocks      []*models.Block             `json:"blocks"`
	Edges       []*models.Edge              `json:"edges"`
	Loops       map[string]*models.Loop     `json:"loops,omitempty"`
	Parallels   map[string]*models.Parallel `json:"parallels,omitempty"`
	Variables   map[string]any              `json:"variables,omitempty"`
	Owner       string                      `json:"owner"`
}

// ExecuteRequest is the body of the execute endpoints.
type ExecuteRequest struct {
	Mode            string         `json:"mode"`
	TriggerData     map[string]any `json:"trigger_data,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	SelectedOutputs []string       `json:"selected_outputs,omitempty"`
	OutputBlockID   string         `json:"output_block_id,omitempty"`
}

// TraceResponse is the body of GET /executions/:id/trace.
type TraceResponse struct {
	ExecutionID string              `json:"execution_id"`
	WorkflowID  string              `json:"workflow_id"`
	Success     bool                `json:"success"`
	Spans       []*models.TraceSpan `json:"spans"`
}
