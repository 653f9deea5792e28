// Package web exposes the engine over HTTP: workflow CRUD, synchronous and
// streaming execution, and execution trace retrieval.
package web

import (
	"bufio"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/loomlabs/loom/pkg/engine"
	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence"
	"github.com/loomlabs/loom/pkg/trace"
)

type APIHandlers struct {
	engine      *engine.Engine
	persistence persistence.Persistence
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	eng *engine.Engine,
	store persistence.Persistence,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		engine:      eng,
		persistence: store,
		validator:   validate,
		logger:      logger.With("module", "web"),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.persistence.WorkflowRepository().Workflows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": workflows})
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Status:      models.WorkflowStatusDraft,
		Blocks:      req.Blocks,
		Edges:       req.Edges,
		Loops:       req.Loops,
		Parallels:   req.Parallels,
		Variables:   req.Variables,
		Owner:       req.Owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.persistence.WorkflowRepository().Save(c.Context(), workflow); err != nil {
		return handleStorageError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	workflow, err := h.persistence.WorkflowRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleStorageError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if err := h.persistence.WorkflowRepository().Delete(c.Context(), id); err != nil {
		return handleStorageError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ExecuteWorkflow runs a workflow synchronously and returns its result.
func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	runReq, err := h.buildRunRequest(c)
	if err != nil {
		return handleStorageError(c, err)
	}

	result, runErr := h.engine.Run(c.Context(), *runReq)
	if runErr != nil {
		return handleStorageError(c, runErr)
	}

	return c.JSON(result)
}

// ExecuteWorkflowStream runs a workflow while streaming partial content as
// server-sent events.
func (h *APIHandlers) ExecuteWorkflowStream(c fiber.Ctx) error {
	runReq, err := h.buildRunRequest(c)
	if err != nil {
		return handleStorageError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	ctx := c.Context()

	return c.SendStreamWriter(func(w *bufio.Writer) {
		if _, err := h.engine.RunStream(ctx, *runReq, w); err != nil {
			h.logger.ErrorContext(ctx, "Streaming execution failed", "error", err)
		}

		if err := w.Flush(); err != nil {
			h.logger.WarnContext(ctx, "Failed to flush stream", "error", err)
		}
	})
}

func (h *APIHandlers) buildRunRequest(c fiber.Ctx) (*engine.RunRequest, error) {
	id := c.Params("id")

	workflow, err := h.persistence.WorkflowRepository().GetByID(c.Context(), id)
	if err != nil {
		return nil, err
	}

	var req ExecuteRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return nil, err
		}
	}

	mode := models.ExecutionMode(req.Mode)
	if mode == "" {
		mode = models.ExecutionModeAPI
	}

	return &engine.RunRequest{
		Workflow:        workflow,
		Mode:            mode,
		TriggerData:     req.TriggerData,
		Variables:       req.Variables,
		SelectedOutputs: req.SelectedOutputs,
		OutputBlockID:   req.OutputBlockID,
	}, nil
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	record, err := h.persistence.ExecutionRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleStorageError(c, err)
	}

	return c.JSON(record)
}

// GetExecutionTrace rebuilds the hierarchical span tree of a finished run.
func (h *APIHandlers) GetExecutionTrace(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	record, err := h.persistence.ExecutionRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleStorageError(c, err)
	}

	return c.JSON(TraceResponse{
		ExecutionID: record.ExecutionID,
		WorkflowID:  record.WorkflowID,
		Success:     record.Success,
		Spans:       trace.BuildTraceSpans(record.Logs),
	})
}

func (h *APIHandlers) ListWorkflowExecutions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	records, err := h.persistence.ExecutionRepository().ListByWorkflow(c.Context(), id)
	if err != nil {
		return handleStorageError(c, err)
	}

	return c.JSON(fiber.Map{"executions": records})
}
