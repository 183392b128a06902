// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the review engine.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanModelRequest  = "model.request"
	SpanSkillDispatch = "skill.dispatch"
	SpanGraphStep     = "graph.step"
	SpanDocumentParse = "document.parse"
)

// Attribute keys.
const (
	AttrModelName = "model.name"
	AttrProvider  = "model.provider"
	AttrSkillID   = "skill.id"
	AttrTaskID    = "task.id"
	AttrGraphNode = "graph.node"
	AttrClauseID  = "clause.id"
)

// GetTracer returns a tracer scoped to the given component name.
// The global tracer provider is a no-op unless the host process installs
// an SDK; handlers and the graph runner call this unconditionally.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
