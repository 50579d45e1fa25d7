// Package observability provides metrics for the research service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrPhase    = "phase"
	attrStage    = "stage"
	attrSuccess  = "success"
	attrObserved = "observed"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func phaseAttr(phase string) attribute.KeyValue {
	return attribute.String(attrPhase, phase)
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func observedAttr(observed bool) attribute.KeyValue {
	return attribute.Bool(attrObserved, observed)
}

// normalizePath replaces the job ID segment with a placeholder.
// /v1/jobs/abc123/report -> /v1/jobs/{jobId}/report
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{jobId}" + rest[i:]
	}
	return prefix + "{jobId}"
}
