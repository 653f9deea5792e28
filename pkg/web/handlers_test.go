package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/blocks"
	"github.com/loomlabs/loom/pkg/engine"
	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence/memory"
	"github.com/loomlabs/loom/pkg/protocol"
	"github.com/loomlabs/loom/pkg/registry"
	"github.com/loomlabs/loom/pkg/web"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	store := memory.NewPersistence()
	reg := registry.NewRegistry(slog.Default())
	blocks.RegisterBuiltins(reg)

	eng := engine.New(engine.Config{
		Persistence:  store,
		Registry:     reg,
		Dependencies: protocol.Dependencies{Logger: slog.Default()},
		Logger:       slog.Default(),
	})

	return web.NewAPI(eng, store, slog.Default()).App()
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()

	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, target))
}

func TestCreateWorkflow(t *testing.T) {
	app := setupTestApp(t)

	resp := postJSON(t, app, "/workflows", web.CreateWorkflowRequest{
		Name:  "Greeting flow",
		Owner: "test-user",
		Blocks: []*models.Block{
			{ID: "fn", Type: models.BlockTypeFunction, Config: map[string]any{"expression": "hello"}},
		},
	})

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var workflow models.Workflow
	decodeBody(t, resp, &workflow)
	assert.NotEmpty(t, workflow.ID)
	assert.Equal(t, models.WorkflowStatusDraft, workflow.Status)
	assert.Len(t, workflow.Blocks, 1)
}

func TestCreateWorkflowValidatesName(t *testing.T) {
	app := setupTestApp(t)

	resp := postJSON(t, app, "/workflows", web.CreateWorkflowRequest{Name: "ab"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflowNotFound(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/workflows/missing", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteWorkflow(t *testing.T) {
	app := setupTestApp(t)

	createResp := postJSON(t, app, "/workflows", web.CreateWorkflowRequest{
		Name: "Echo flow",
		Blocks: []*models.Block{
			{ID: "fn", Type: models.BlockTypeFunction, Config: map[string]any{
				"expression": "{{ .trigger.name }}",
			}},
		},
	})
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	var workflow models.Workflow
	decodeBody(t, createResp, &workflow)

	execResp := postJSON(t, app, "/workflows/"+workflow.ID+"/execute", web.ExecuteRequest{
		Mode:        string(models.ExecutionModeManual),
		TriggerData: map[string]any{"name": "loom"},
	})
	require.Equal(t, http.StatusOK, execResp.StatusCode)

	var result models.ExecutionResult
	decodeBody(t, execResp, &result)
	assert.True(t, result.Success)
	assert.Equal(t, "loom", result.Output["fn"].(map[string]any)["result"])

	// The run is recorded and its trace is retrievable.
	traceReq := httptest.NewRequest(http.MethodGet, "/executions/"+result.ExecutionID+"/trace", nil)
	traceResp, err := app.Test(traceReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, traceResp.StatusCode)

	var traceBody web.TraceResponse
	decodeBody(t, traceResp, &traceBody)
	assert.True(t, traceBody.Success)
	require.Len(t, traceBody.Spans, 1)
	assert.Equal(t, "fn", traceBody.Spans[0].BlockID)
}

func TestExecuteWorkflowNotFound(t *testing.T) {
	app := setupTestApp(t)

	resp := postJSON(t, app, "/workflows/ghost/execute", web.ExecuteRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetExecutionNotFound(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/executions/ghost", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
