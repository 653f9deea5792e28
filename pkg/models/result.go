package models

import "time"

// SegmentType classifies a timing segment of an agent block run.
type SegmentType string

const (
	SegmentTypeModel SegmentType = "model"
	SegmentTypeTool  SegmentType = "tool"
)

// TimeSegment is one contiguous span of an agent block run attributed either
// to waiting on the model or to executing tools.
type TimeSegment struct {
	Type       SegmentType `json:"type"`
	Name       string      `json:"name,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
	DurationMs int64       `json:"duration_ms"`
}

// TimingBreakdown splits an agent block's wall time into provider wait and
// tool execution buckets. FirstResponseMs is the latency until the first
// streamed token or the full response on non-streaming runs.
type TimingBreakdown struct {
	TotalMs         int64         `json:"total_ms"`
	ModelMs         int64         `json:"model_ms"`
	ToolsMs         int64         `json:"tools_ms"`
	FirstResponseMs int64         `json:"first_response_ms,omitempty"`
	Segments        []TimeSegment `json:"segments,omitempty"`
}

// TokenUsage accumulates provider-reported token counts across every model
// call of a run. Totals are additive over iterations.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates another usage report into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
}

// ToolCallRecord captures one tool invocation made during an agent block run.
type ToolCallRecord struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMs int64          `json:"duration_ms"`
}

// BlockLog is the flat per-block execution record appended to the run's log
// list in occurrence order. Iteration carries the subflow iteration index for
// blocks executed inside a loop or parallel container.
type BlockLog struct {
	BlockID       string           `json:"block_id"`
	BlockType     string           `json:"block_type"`
	BlockName     string           `json:"block_name,omitempty"`
	Status        BlockStatus      `json:"status"`
	Input         map[string]any   `json:"input,omitempty"`
	Output        map[string]any   `json:"output,omitempty"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       time.Time        `json:"ended_at"`
	DurationMs    int64            `json:"duration_ms"`
	ParentBlockID string           `json:"parent_block_id,omitempty"`
	Iteration     *int             `json:"iteration,omitempty"`
	ToolCalls     []ToolCallRecord `json:"tool_calls,omitempty"`
	Usage         *TokenUsage      `json:"usage,omitempty"`
	Timing        *TimingBreakdown `json:"timing,omitempty"`
}

// ExecutionMetadata summarizes a run for listing and trace views.
type ExecutionMetadata struct {
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
}

// ExecutionResult is the durable outcome of one run. Output holds the merged
// outputs of completed blocks keyed by block id so selected-output paths like
// "blockID.content" resolve against it. Logs are always populated, including
// on failed runs.
type ExecutionResult struct {
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	Success     bool              `json:"success"`
	Output      map[string]any    `json:"output"`
	Error       string            `json:"error,omitempty"`
	Logs        []BlockLog        `json:"logs"`
	Metadata    ExecutionMetadata `json:"metadata"`
}

// TraceSpan is one node of the hierarchical trace tree reconstructed from the
// flat block logs after a run ends. Children of loop and parallel containers
// are the per-iteration member spans.
type TraceSpan struct {
	BlockID    string           `json:"block_id"`
	BlockType  string           `json:"block_type"`
	Name       string           `json:"name,omitempty"`
	Status     BlockStatus      `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	DurationMs int64            `json:"duration_ms"`
	Iteration  *int             `json:"iteration,omitempty"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	Usage      *TokenUsage      `json:"usage,omitempty"`
	Timing     *TimingBreakdown `json:"timing,omitempty"`
	Children   []*TraceSpan     `json:"children,omitempty"`
}
