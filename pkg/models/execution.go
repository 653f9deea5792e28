package models

import (
	"sync"
	"time"
)

// ExecutionMode distinguishes how a run was started. Manual and chat runs
// exclude trigger blocks from the compiled graph.
type ExecutionMode string

const (
	ExecutionModeManual   ExecutionMode = "manual"
	ExecutionModeChat     ExecutionMode = "chat"
	ExecutionModeAPI      ExecutionMode = "api"
	ExecutionModeSchedule ExecutionMode = "schedule"
)

// StreamChunk is one unit of partial content produced by the designated
// output block while a run streams.
type StreamChunk struct {
	BlockID string `json:"block_id"`
	Content string `json:"content"`
}

// BlockState tracks one block through the executor's state machine.
type BlockState struct {
	Status     BlockStatus    `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	EndedAt    time.Time      `json:"ended_at,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// ExecutionContext is the per-run mutable state threaded through the
// executor, the block handlers and the tool-call loop. It is created at run
// start and discarded at run end; its durable residue is the persisted
// ExecutionResult. Block state access is safe for concurrent use because
// parallel subflow iterations write from multiple goroutines.
type ExecutionContext struct {
	ID          string
	WorkflowID  string
	Mode        ExecutionMode
	EnvVars     map[string]string
	Variables   map[string]any
	TriggerData map[string]any
	Metadata    map[string]any

	// SelectedOutputs lists block-output paths ("blockID.content") surfaced
	// to the chat consumer; empty means every terminal output is visible.
	SelectedOutputs []string

	// Streaming marks a run whose designated output block forwards partial
	// content into Stream as it arrives from the provider.
	Streaming     bool
	OutputBlockID string
	Stream        chan<- StreamChunk

	mu           sync.RWMutex
	blockStates  map[string]*BlockState
	logs         []BlockLog
	agentDetails map[string]*AgentDetail
}

// AgentDetail carries the tool-call list and accounting an agent block
// produced, recorded by the handler and folded into the block log by the
// executor.
type AgentDetail struct {
	ToolCalls  []ToolCallRecord
	Usage      *TokenUsage
	Timing     *TimingBreakdown
	Iterations int
}

// NewExecutionContext creates the per-run state for one execution.
func NewExecutionContext(id, workflowID string, mode ExecutionMode) *ExecutionContext {
	return &ExecutionContext{
		ID:           id,
		WorkflowID:   workflowID,
		Mode:         mode,
		EnvVars:      make(map[string]string),
		Variables:    make(map[string]any),
		TriggerData:  make(map[string]any),
		Metadata:     make(map[string]any),
		blockStates:  make(map[string]*BlockState),
		agentDetails: make(map[string]*AgentDetail),
	}
}

// RecordAgentDetail stores the agent accounting for one block run.
func (c *ExecutionContext) RecordAgentDetail(blockID string, detail *AgentDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.agentDetails[blockID] = detail
}

// TakeAgentDetail removes and returns the agent accounting for a block, if
// its handler recorded any.
func (c *ExecutionContext) TakeAgentDetail(blockID string) (*AgentDetail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	detail, ok := c.agentDetails[blockID]
	if ok {
		delete(c.agentDetails, blockID)
	}

	return detail, ok
}

// BlockState returns a copy of the state of the given block, or a pending
// state if the block has not been touched yet.
func (c *ExecutionContext) BlockState(blockID string) BlockState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if state, ok := c.blockStates[blockID]; ok {
		return *state
	}

	return BlockState{Status: BlockStatusPending}
}

// SetBlockRunning transitions a block to running and stamps its start time.
func (c *ExecutionContext) SetBlockRunning(blockID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blockStates[blockID] = &BlockState{
		Status:    BlockStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// CompleteBlock transitions a block to completed with its output.
func (c *ExecutionContext) CompleteBlock(blockID string, output map[string]any) {
	c.finishBlock(blockID, BlockStatusCompleted, output, "")
}

// FailBlock transitions a block to failed with a structured error message.
func (c *ExecutionContext) FailBlock(blockID string, errMsg string) {
	c.finishBlock(blockID, BlockStatusFailed, nil, errMsg)
}

// ResetBlock returns a block to pending, clearing any prior state. Loop
// iterations reset their members before re-entering the sub-graph.
func (c *ExecutionContext) ResetBlock(blockID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.blockStates, blockID)
}

// SkipBlock marks a block skipped (pruned branch or failed upstream).
func (c *ExecutionContext) SkipBlock(blockID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blockStates[blockID] = &BlockState{Status: BlockStatusSkipped}
}

func (c *ExecutionContext) finishBlock(blockID string, status BlockStatus, output map[string]any, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.blockStates[blockID]
	if !ok {
		state = &BlockState{StartedAt: time.Now().UTC()}
		c.blockStates[blockID] = state
	}

	state.Status = status
	state.Output = output
	state.Error = errMsg
	state.EndedAt = time.Now().UTC()
	state.DurationMs = state.EndedAt.Sub(state.StartedAt).Milliseconds()
}

// BlockOutputs returns the outputs of every completed block keyed by block id.
func (c *ExecutionContext) BlockOutputs() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outputs := make(map[string]map[string]any, len(c.blockStates))

	for id, state := range c.blockStates {
		if state.Status == BlockStatusCompleted && state.Output != nil {
			outputs[id] = state.Output
		}
	}

	return outputs
}

// AppendLog records one block log entry in occurrence order.
func (c *ExecutionContext) AppendLog(entry BlockLog) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs = append(c.logs, entry)
}

// Logs returns the block logs accumulated so far.
func (c *ExecutionContext) Logs() []BlockLog {
	c.mu.RLock()
	defer c.mu.RUnlock()

	logs := make([]BlockLog, len(c.logs))
	copy(logs, c.logs)

	return logs
}

// Child derives an iteration-scoped context for a loop or parallel subflow.
// The child sees a snapshot of the parent's block states and carries its own
// log list; the caller merges results back under the iteration namespace.
func (c *ExecutionContext) Child() *ExecutionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	child := NewExecutionContext(c.ID, c.WorkflowID, c.Mode)
	child.EnvVars = c.EnvVars
	child.TriggerData = c.TriggerData
	child.Metadata = c.Metadata
	child.SelectedOutputs = c.SelectedOutputs
	child.Streaming = c.Streaming
	child.OutputBlockID = c.OutputBlockID
	child.Stream = c.Stream

	child.Variables = make(map[string]any, len(c.Variables))
	for k, v := range c.Variables {
		child.Variables[k] = v
	}

	for id, state := range c.blockStates {
		copied := *state
		child.blockStates[id] = &copied
	}

	return child
}

// AdoptState copies a block state from a child context into this context
// under the given block id (possibly namespaced by iteration index).
func (c *ExecutionContext) AdoptState(blockID string, state BlockState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := state
	c.blockStates[blockID] = &copied
}
