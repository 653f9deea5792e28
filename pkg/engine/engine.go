// Package engine wires the compiler, the executor, the recording session and
// the stream reconciler into the run entry points the CLI and the API share.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loomlabs/loom/pkg/eventbus"
	"github.com/loomlabs/loom/pkg/execution"
	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence"
	"github.com/loomlabs/loom/pkg/protocol"
	"github.com/loomlabs/loom/pkg/registry"
	"github.com/loomlabs/loom/pkg/serializer"
	"github.com/loomlabs/loom/pkg/stream"
	"github.com/loomlabs/loom/pkg/trace"
	"github.com/loomlabs/loom/pkg/tracer"
)

// Config carries the collaborators an engine needs. Persistence, EventBus and
// Tracer are optional; a nil value disables recording, lifecycle events and
// spans respectively.
type Config struct {
	Persistence  persistence.Persistence
	Registry     *registry.Registry
	Dependencies protocol.Dependencies
	EventBus     eventbus.EventBus
	Tracer       oteltrace.Tracer
	Logger       *slog.Logger
}

// Engine is the run entry point. One engine serves many concurrent runs.
type Engine struct {
	serializer  *serializer.Serializer
	executor    *execution.Executor
	persistence persistence.Persistence
	tracer      oteltrace.Tracer
	validate    *validator.Validate
	logger      *slog.Logger
}

// New creates an engine from its collaborators.
func New(cfg Config) *Engine {
	return &Engine{
		serializer:  serializer.NewSerializer(cfg.Logger),
		executor:    execution.NewExecutor(cfg.Registry, cfg.Dependencies, cfg.EventBus, cfg.Logger),
		persistence: cfg.Persistence,
		tracer:      cfg.Tracer,
		validate:    validator.New(),
		logger:      cfg.Logger.With("module", "engine"),
	}
}

// RunRequest describes one run of a workflow.
type RunRequest struct {
	Workflow        *models.Workflow
	Mode            models.ExecutionMode
	TriggerData     map[string]any
	Variables       map[string]any
	EnvVars         map[string]string
	SelectedOutputs []string

	// OutputBlockID designates the block whose partial content streams to
	// the client. Empty falls back to the first selected output's block.
	OutputBlockID string
}

// ValidateWorkflow checks the workflow's structural constraints and compiles
// it without running anything, surfacing compilation errors early.
func (e *Engine) ValidateWorkflow(workflow *models.Workflow, mode models.ExecutionMode) error {
	if err := e.validate.Struct(workflow); err != nil {
		return fmt.Errorf("workflow validation failed: %w", err)
	}

	if _, err := e.serializer.Compile(workflow, serializer.Options{Mode: mode}); err != nil {
		return err
	}

	return nil
}

// Run executes the workflow synchronously and returns its result. The result
// is never nil once compilation succeeds; compilation failures return an
// error before any block runs.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*models.ExecutionResult, error) {
	compiled, executionCtx, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := e.startSpan(ctx, "workflow.execute", executionCtx)
	defer span.End()

	session := trace.NewSession(e.executions(), e.logger)
	session.Start(ctx, executionCtx)

	result := e.executor.Execute(ctx, compiled, executionCtx)
	e.finishRun(ctx, span, session, result)

	return result, nil
}

// RunStream executes the workflow while streaming partial content to dst as
// SSE records, reconciling the streamed chunks with the persisted final
// output. Blocks until the stream has fully drained.
func (e *Engine) RunStream(ctx context.Context, req RunRequest, dst io.Writer) (*models.ExecutionResult, error) {
	compiled, executionCtx, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan models.StreamChunk, 64)
	executionCtx.Streaming = true
	executionCtx.OutputBlockID = outputBlockID(req)
	executionCtx.Stream = chunks

	ctx, span := e.startSpan(ctx, "workflow.execute_stream", executionCtx)
	defer span.End()

	session := trace.NewSession(e.executions(), e.logger)
	session.Start(ctx, executionCtx)

	pipeReader, pipeWriter := io.Pipe()
	producer := stream.NewWriter(pipeWriter)
	resultCh := make(chan *models.ExecutionResult, 1)

	go func() {
		defer pipeWriter.Close()

		done := make(chan *models.ExecutionResult, 1)

		go func() {
			result := e.executor.Execute(ctx, compiled, executionCtx)
			close(chunks)
			done <- result
		}()

		for chunk := range chunks {
			if err := producer.WriteChunk(chunk.Content); err != nil {
				e.logger.WarnContext(ctx, "Failed to forward stream chunk", "error", err)
			}
		}

		result := <-done
		e.finishRun(ctx, span, session, result)

		if err := producer.WriteFinal(stream.FinalData{
			Success: result.Success,
			Error:   result.Error,
			Output:  result.Output,
		}); err != nil {
			e.logger.WarnContext(ctx, "Failed to emit final stream event", "error", err)
		}

		if err := producer.WriteDone(); err != nil {
			e.logger.WarnContext(ctx, "Failed to emit stream sentinel", "error", err)
		}

		resultCh <- result
	}()

	reconciler := stream.NewReconciler(e.executions(), e.logger)

	_, streamErr := reconciler.Process(ctx, executionCtx.ID, req.SelectedOutputs, pipeReader, dst)
	result := <-resultCh

	return result, streamErr
}

func (e *Engine) prepare(req RunRequest) (*models.SerializedWorkflow, *models.ExecutionContext, error) {
	if req.Workflow == nil {
		return nil, nil, errors.New("run request has no workflow")
	}

	compiled, err := e.serializer.Compile(req.Workflow, serializer.Options{Mode: req.Mode})
	if err != nil {
		return nil, nil, err
	}

	executionCtx := models.NewExecutionContext(uuid.NewString(), req.Workflow.ID, req.Mode)
	executionCtx.SelectedOutputs = req.SelectedOutputs

	for k, v := range req.Workflow.Variables {
		executionCtx.Variables[k] = v
	}

	for k, v := range req.Variables {
		executionCtx.Variables[k] = v
	}

	for k, v := range req.EnvVars {
		executionCtx.EnvVars[k] = v
	}

	for k, v := range req.TriggerData {
		executionCtx.TriggerData[k] = v
	}

	return compiled, executionCtx, nil
}

func (e *Engine) finishRun(ctx context.Context, span oteltrace.Span, session *trace.Session, result *models.ExecutionResult) {
	if result.Success {
		session.Complete(ctx, result)

		return
	}

	err := errors.New(result.Error)
	session.CompleteWithError(ctx, result, err)
	tracer.SetError(span, err)
}

func (e *Engine) startSpan(ctx context.Context, name string, executionCtx *models.ExecutionContext) (context.Context, oteltrace.Span) {
	if e.tracer == nil {
		return noop.NewTracerProvider().Tracer("loom").Start(ctx, name)
	}

	return tracer.StartSpan(ctx, e.tracer, name,
		attribute.String(tracer.WorkflowIDKey, executionCtx.WorkflowID),
		attribute.String(tracer.ExecutionIDKey, executionCtx.ID),
	)
}

func (e *Engine) executions() persistence.ExecutionRepository {
	if e.persistence == nil {
		return nil
	}

	return e.persistence.ExecutionRepository()
}

// outputBlockID resolves the designated streaming block: explicit wins, then
// the first selected output's root block.
func outputBlockID(req RunRequest) string {
	if req.OutputBlockID != "" {
		return req.OutputBlockID
	}

	for _, path := range req.SelectedOutputs {
		for i := 0; i < len(path); i++ {
			if path[i] == '.' {
				return path[:i]
			}
		}

		return path
	}

	return ""
}
