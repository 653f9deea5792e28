// Package api provides the HTTP request block handler.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/protocol"
)

const defaultTimeoutSeconds = 30

// maxBodySize caps response body reads (10 MB).
const maxBodySize int64 = 10 * 1024 * 1024

type Factory struct{}

func (f *Factory) Type() string {
	return models.BlockTypeAPI
}

func (f *Factory) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"url": {"type": "string"},
			"method": {"type": "string"},
			"headers": {"type": "object"},
			"body": {"type": "string"},
			"timeout": {"type": "number"}
		},
		"required": ["url"]
	}`
}

func (f *Factory) Create(config map[string]any, _ protocol.Dependencies) (protocol.BlockHandler, error) {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("api block: missing or invalid 'url' in configuration")
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	timeout := defaultTimeoutSeconds * time.Second
	if seconds, ok := config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	headers := make(map[string]string)

	if headersConfig, ok := config["headers"].(map[string]any); ok {
		for key, value := range headersConfig {
			if strValue, ok := value.(string); ok {
				headers[key] = strValue
			}
		}
	}

	body, _ := config["body"].(string)

	return &Handler{
		url:     url,
		method:  strings.ToUpper(method),
		headers: headers,
		body:    body,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type Handler struct {
	url     string
	method  string
	headers map[string]string
	body    string
	client  *http.Client
}

func (h *Handler) Execute(ctx context.Context, block *models.Block, _ *models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	logger.InfoContext(ctx, "Executing API block", "block_id", block.ID, "method", h.method, "url", h.url)

	var bodyReader io.Reader
	if h.body != "" {
		bodyReader = strings.NewReader(h.body)
	}

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	output := map[string]any{
		"status": resp.StatusCode,
		"body":   string(respBody),
	}

	// JSON bodies additionally decode into "data" for template access.
	var data any
	if json.Unmarshal(respBody, &data) == nil {
		output["data"] = data
	}

	if resp.StatusCode >= 400 {
		return output, fmt.Errorf("request returned status %d", resp.StatusCode)
	}

	return output, nil
}
