// Package template provides templating functionality for dynamic block configuration.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/loomlabs/loom/pkg/models"
)

// RenderWithContext renders a template expression against the live execution
// state. Block outputs are addressable as {{ .blocks.<id>.<key> }}; loop and
// parallel iteration scope is exposed under {{ .loop.index }} and
// {{ .loop.item }} when set in Variables by the executor.
func RenderWithContext(input string, executionCtx *models.ExecutionContext) (any, error) {
	data := map[string]any{
		"blocks":    blockOutputs(executionCtx),
		"variables": executionCtx.Variables,
		"vars":      executionCtx.Variables,
		"trigger":   executionCtx.TriggerData,
		"metadata":  executionCtx.Metadata,
		"env":       envVars(executionCtx),
		"execution": map[string]any{
			"id":          executionCtx.ID,
			"workflow_id": executionCtx.WorkflowID,
		},
	}

	if loopScope, ok := executionCtx.Variables["loop"]; ok {
		data["loop"] = loopScope
	}

	return Render(input, data)
}

// Render executes a text/template expression and coerces the result back to a
// structured value: JSON objects and arrays are unmarshalled, numbers become
// float64, booleans become bool, everything else stays a string.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("transform").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}

				num := make([]byte, 1)
				if _, err := rand.Read(num); err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderConfig resolves every templated string in a block config map,
// recursing into nested maps and slices. Non-string leaves pass through.
func RenderConfig(config map[string]any, executionCtx *models.ExecutionContext) (map[string]any, error) {
	resolved := make(map[string]any, len(config))

	for key, value := range config {
		rendered, err := renderValue(value, executionCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to render config key '%s': %w", key, err)
		}

		resolved[key] = rendered
	}

	return resolved, nil
}

func renderValue(value any, executionCtx *models.ExecutionContext) (any, error) {
	switch typed := value.(type) {
	case string:
		if !NeedsTemplating(typed) {
			return typed, nil
		}

		return RenderWithContext(typed, executionCtx)
	case map[string]any:
		return RenderConfig(typed, executionCtx)
	case []any:
		resolved := make([]any, len(typed))
		for i, item := range typed {
			rendered, err := renderValue(item, executionCtx)
			if err != nil {
				return nil, err
			}

			resolved[i] = rendered
		}

		return resolved, nil
	default:
		return value, nil
	}
}

// NeedsTemplating reports whether a string contains template expressions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

func blockOutputs(executionCtx *models.ExecutionContext) map[string]any {
	outputs := make(map[string]any)

	for id, output := range executionCtx.BlockOutputs() {
		outputs[id] = output
	}

	return outputs
}

func envVars(executionCtx *models.ExecutionContext) map[string]any {
	envMap := make(map[string]any, len(executionCtx.EnvVars))

	for key, value := range executionCtx.EnvVars {
		envMap[key] = value
	}

	return envMap
}
