// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrTask     = "task"
	attrProvider = "provider"
	attrSuccess  = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func taskAttr(taskRef string) attribute.KeyValue {
	return attribute.String(attrTask, taskRef)
}

func providerAttr(providerID string) attribute.KeyValue {
	return attribute.String(attrProvider, providerID)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// collections whose members appear as the next path segment
var collectionPlaceholders = map[string]string{
	"jobs":          "{jobId}",
	"pipelines":     "{pipelineId}",
	"pipeline-runs": "{runId}",
	"tasks":         "{taskRef}",
}

// normalizePath replaces dynamic path segments with placeholders so metric
// cardinality stays bounded: /v1/jobs/abc123/result -> /v1/jobs/{jobId}/result.
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i := 0; i < len(segments)-1; i++ {
		if placeholder, ok := collectionPlaceholders[segments[i]]; ok && segments[i+1] != "" {
			segments[i+1] = placeholder
		}
	}
	return strings.Join(segments, "/")
}

// WithTask returns a metric option with the task attribute.
func WithTask(taskRef string) metric.MeasurementOption {
	return metric.WithAttributes(taskAttr(taskRef))
}

// WithProvider returns a metric option with the provider attribute.
func WithProvider(providerID string) metric.MeasurementOption {
	return metric.WithAttributes(providerAttr(providerID))
}
