// Package httprequest provides an HTTP request tool for agent blocks.
package httprequest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTimeoutSeconds = 30

// maxBodySize caps response body reads (5 MB).
const maxBodySize int64 = 5 * 1024 * 1024

// Tool performs an HTTP request with the method, url, headers and body the
// model supplies as arguments.
type Tool struct {
	client *http.Client
	logger *slog.Logger
}

// NewTool creates an HTTP request tool.
func NewTool(logger *slog.Logger) *Tool {
	return &Tool{
		client: &http.Client{Timeout: defaultTimeoutSeconds * time.Second},
		logger: logger.With("module", "http_request_tool"),
	}
}

func (t *Tool) Name() string {
	return "http_request"
}

func (t *Tool) Description() string {
	return "Performs an HTTP request and returns status, headers and body. Use for REST API calls."
}

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute request URL",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method, defaults to GET",
				"enum":        []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body for POST/PUT/PATCH",
			},
		},
		"required": []string{"url"},
	}
}

// Execute performs the request. Non-2xx responses are still successful tool
// results; the model decides what to do with the status code.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("missing or invalid 'url' argument")
	}

	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)

	var bodyReader io.Reader

	if body, ok := args["body"].(string); ok && body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if headers, ok := args["headers"].(map[string]any); ok {
		for key, value := range headers {
			if strValue, ok := value.(string); ok {
				req.Header.Set(key, strValue)
			}
		}
	}

	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	t.logger.InfoContext(ctx, "Executing HTTP request tool", "method", method, "url", url)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		respHeaders[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    string(respBody),
	}, nil
}
