// Package agent implements the bounded tool-call loop that runs inside every
// agent block: send the transcript to a provider, execute any requested
// tools, fold the results back in, and repeat until the model stops asking.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/provider"
	"github.com/loomlabs/loom/pkg/tools"
)

// DefaultMaxIterations caps provider round-trips per agent block.
const DefaultMaxIterations = 10

// Config is the agent-block configuration driving one loop.
type Config struct {
	Model          string
	SystemPrompt   string
	Temperature    *float64
	MaxTokens      int
	ToolChoice     *provider.ToolChoice
	ResponseFormat *provider.ResponseFormat
	MaxIterations  int
}

// Result is the outcome of one completed loop. Iterations counts completed
// tool-execution cycles, not provider round-trips: a final content-only
// response does not add one.
type Result struct {
	Content    string
	Iterations int
	ToolCalls  []models.ToolCallRecord
	Usage      models.TokenUsage
	Timing     models.TimingBreakdown
}

// Loop drives the tool-call protocol against one provider and one tool
// registry. Round-trips are strictly sequential; round-trip n+1 never starts
// before n's tool results are folded in.
type Loop struct {
	provider provider.Provider
	tools    *tools.Registry
	logger   *slog.Logger
}

// NewLoop creates a loop bound to a provider and tool registry.
func NewLoop(p provider.Provider, registry *tools.Registry, logger *slog.Logger) *Loop {
	return &Loop{
		provider: p,
		tools:    registry,
		logger:   logger.With("module", "agent"),
	}
}

// Run executes the loop without streaming.
func (l *Loop) Run(ctx context.Context, config Config, messages []provider.Message) (*Result, error) {
	return l.run(ctx, config, messages, nil)
}

// RunStream executes the loop, forwarding content deltas of every model call
// to onChunk as they arrive.
func (l *Loop) RunStream(ctx context.Context, config Config, messages []provider.Message, onChunk func(string)) (*Result, error) {
	return l.run(ctx, config, messages, onChunk)
}

func (l *Loop) run(ctx context.Context, config Config, messages []provider.Message, onChunk func(string)) (*Result, error) {
	maxIterations := config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	transcript := make([]provider.Message, 0, len(messages)+1)
	if config.SystemPrompt != "" {
		transcript = append(transcript, provider.Message{Role: provider.RoleSystem, Content: config.SystemPrompt})
	}

	transcript = append(transcript, messages...)

	forced := newForcedTracker(config.ToolChoice)
	result := &Result{}
	loopStart := time.Now()

	for round := 1; round <= maxIterations; round++ {
		req := &provider.ChatRequest{
			Model:          config.Model,
			Messages:       transcript,
			Tools:          l.tools.Schemas(),
			ToolChoice:     forced.choice(),
			ResponseFormat: config.ResponseFormat,
			Temperature:    config.Temperature,
			MaxTokens:      config.MaxTokens,
		}

		modelStart := time.Now()

		resp, err := l.call(ctx, req, onChunk)
		if err != nil {
			result.Timing.TotalMs = time.Since(loopStart).Milliseconds()

			return result, fmt.Errorf("model call failed on round %d: %w", round, err)
		}

		l.recordModelSegment(result, modelStart, round)
		l.accumulateUsage(result, req, resp)

		// A provider returning no choices ends the loop with the last
		// known content rather than failing the block.
		if len(resp.Choices) == 0 {
			l.logger.WarnContext(ctx, "Provider returned no choices, ending loop", "round", round)
			result.Timing.TotalMs = time.Since(loopStart).Milliseconds()

			return result, nil
		}

		msg := resp.First()
		if msg.Content != "" {
			result.Content = msg.Content
		}

		if len(msg.ToolCalls) == 0 {
			result.Timing.TotalMs = time.Since(loopStart).Milliseconds()

			return result, nil
		}

		transcript = append(transcript, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})

		for _, call := range msg.ToolCalls {
			transcript = append(transcript, l.executeToolCall(ctx, call, result, forced))
		}

		// An iteration is one completed tool-execution cycle.
		result.Iterations++
	}

	l.logger.WarnContext(ctx, "Tool-call loop hit iteration cap",
		"max_iterations", maxIterations, "tool_calls", len(result.ToolCalls))

	result.Timing.TotalMs = time.Since(loopStart).Milliseconds()

	return result, nil
}

// call performs one provider round-trip, streaming when onChunk is set. A
// rejected payload gets exactly one reduced retry with the optional fields
// dropped; the retry does not consume an iteration.
func (l *Loop) call(ctx context.Context, req *provider.ChatRequest, onChunk func(string)) (*provider.ChatResponse, error) {
	resp, err := l.dispatch(ctx, req, onChunk)
	if err == nil {
		return resp, nil
	}

	if !provider.IsPayloadRejection(err) {
		return nil, err
	}

	l.logger.Warn("Provider rejected request, retrying with reduced payload", "error", err)

	reduced := *req
	reduced.ResponseFormat = nil
	reduced.Temperature = nil

	return l.dispatch(ctx, &reduced, onChunk)
}

func (l *Loop) dispatch(ctx context.Context, req *provider.ChatRequest, onChunk func(string)) (*provider.ChatResponse, error) {
	if onChunk == nil {
		return l.provider.Chat(ctx, req)
	}

	streamReq := *req
	streamReq.Stream = true

	deltas, err := l.provider.ChatStream(ctx, &streamReq)
	if err != nil {
		return nil, err
	}

	var content string

	var toolCalls []provider.ToolCall

	var usage provider.Usage

	var finishReason string

	for delta := range deltas {
		if delta.Content != "" {
			content += delta.Content
			onChunk(delta.Content)
		}

		if delta.Done {
			toolCalls = delta.ToolCalls
			finishReason = delta.FinishReason

			if delta.Usage != nil {
				usage = *delta.Usage
			}
		}
	}

	return &provider.ChatResponse{
		Model: req.Model,
		Choices: []provider.Choice{{
			Message: provider.Message{
				Role:      provider.RoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}, nil
}

// executeToolCall runs one requested tool and returns the tool-result message
// to fold back into the transcript. Unknown tools and failed executions come
// back as structured error payloads so the model can react; neither fails the
// loop.
func (l *Loop) executeToolCall(ctx context.Context, call provider.ToolCall, result *Result, forced *forcedTracker) provider.Message {
	if !l.tools.Has(call.Name) {
		l.logger.WarnContext(ctx, "Skipping unknown tool requested by model", "tool", call.Name)

		return toolMessage(call, tools.Result{Success: false, Error: "tool not found: " + call.Name})
	}

	args, parseErr := parseArguments(call.Arguments)
	if parseErr != nil {
		l.logger.WarnContext(ctx, "Tool arguments unparseable after repair", "tool", call.Name, "error", parseErr)

		record := models.ToolCallRecord{
			ID:        call.ID,
			Name:      call.Name,
			Error:     parseErr.Error(),
			StartedAt: time.Now().UTC(),
			EndedAt:   time.Now().UTC(),
		}
		result.ToolCalls = append(result.ToolCalls, record)

		return toolMessage(call, tools.Result{Success: false, Error: "invalid tool arguments: " + parseErr.Error()})
	}

	toolStart := time.Now()

	toolResult, err := l.tools.Execute(ctx, call.Name, args)
	if err != nil {
		// Registry lookup raced with Has; treat like an unknown tool.
		return toolMessage(call, tools.Result{Success: false, Error: err.Error()})
	}

	toolEnd := time.Now()

	record := models.ToolCallRecord{
		ID:         call.ID,
		Name:       call.Name,
		Arguments:  args,
		Result:     toolResult.Output,
		Error:      toolResult.Error,
		StartedAt:  toolStart.UTC(),
		EndedAt:    toolEnd.UTC(),
		DurationMs: toolEnd.Sub(toolStart).Milliseconds(),
	}
	result.ToolCalls = append(result.ToolCalls, record)

	segment := models.TimeSegment{
		Type:       models.SegmentTypeTool,
		Name:       call.Name,
		StartedAt:  toolStart.UTC(),
		EndedAt:    toolEnd.UTC(),
		DurationMs: toolEnd.Sub(toolStart).Milliseconds(),
	}
	result.Timing.Segments = append(result.Timing.Segments, segment)
	result.Timing.ToolsMs += segment.DurationMs

	if toolResult.Success {
		forced.satisfy(call.Name)
	}

	return toolMessage(call, toolResult)
}

func (l *Loop) recordModelSegment(result *Result, start time.Time, round int) {
	end := time.Now()
	segment := models.TimeSegment{
		Type:       models.SegmentTypeModel,
		Name:       l.provider.Name(),
		StartedAt:  start.UTC(),
		EndedAt:    end.UTC(),
		DurationMs: end.Sub(start).Milliseconds(),
	}

	result.Timing.Segments = append(result.Timing.Segments, segment)
	result.Timing.ModelMs += segment.DurationMs

	if round == 1 {
		result.Timing.FirstResponseMs = segment.DurationMs
	}
}

func (l *Loop) accumulateUsage(result *Result, req *provider.ChatRequest, resp *provider.ChatResponse) {
	usage := resp.Usage
	if usage.TotalTokens == 0 {
		estimated := provider.EstimateUsage(req, resp.First().Content)
		usage = estimated
	}

	result.Usage.Add(models.TokenUsage{
		Prompt:     usage.PromptTokens,
		Completion: usage.CompletionTokens,
		Total:      usage.TotalTokens,
	})
}

func toolMessage(call provider.ToolCall, toolResult tools.Result) provider.Message {
	payload, err := json.Marshal(toolResult)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
	}

	return provider.Message{
		Role:       provider.RoleTool,
		Name:       call.Name,
		Content:    string(payload),
		ToolCallID: call.ID,
	}
}

// parseArguments decodes tool-call arguments, repairing malformed JSON the
// way models commonly produce it (trailing commas, single quotes).
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to repair arguments: %w", err)
	}

	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("failed to parse repaired arguments: %w", err)
	}

	return args, nil
}

// forcedTracker tracks which forced tools remain unsatisfied. Once every
// forced tool has been used successfully, the choice loosens to auto so the
// model can terminate naturally.
type forcedTracker struct {
	configured *provider.ToolChoice
	pending    map[string]bool
}

func newForcedTracker(choice *provider.ToolChoice) *forcedTracker {
	tracker := &forcedTracker{configured: choice, pending: make(map[string]bool)}

	if choice != nil && choice.Mode == provider.ToolChoiceForced {
		for _, name := range choice.Forced {
			tracker.pending[name] = true
		}
	}

	return tracker
}

func (t *forcedTracker) satisfy(name string) {
	delete(t.pending, name)
}

func (t *forcedTracker) choice() *provider.ToolChoice {
	if t.configured == nil {
		return nil
	}

	if t.configured.Mode != provider.ToolChoiceForced {
		return t.configured
	}

	if len(t.pending) == 0 {
		return &provider.ToolChoice{Mode: provider.ToolChoiceAuto}
	}

	remaining := make([]string, 0, len(t.pending))
	for name := range t.pending {
		remaining = append(remaining, name)
	}

	return &provider.ToolChoice{Mode: provider.ToolChoiceForced, Forced: remaining}
}
