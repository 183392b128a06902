package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/observability"
	"github.com/redlineai/redline/pkg/workflow"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Error kinds carried on SkillResult. A skill failure is never fatal to
// the caller; the kind tells the agent loop what happened.
const (
	ErrKindValidation = "validation_error"
	ErrKindNotFound   = "not_found"
	ErrKindTimeout    = "timeout"
	ErrKindBackend    = "backend_error"
	ErrKindExecution  = "execution_error"
)

// SkillResult is the uniform dispatch outcome.
type SkillResult struct {
	SkillID   string         `json:"skill_id"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

// Dispatcher validates, routes, and times skill invocations.
type Dispatcher struct {
	registry *Registry
	runner   workflow.Runner
	metrics  *observability.Metrics

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewDispatcher builds a dispatcher. runner may be nil when no remote
// skills are registered.
func NewDispatcher(reg *Registry, runner workflow.Runner, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		runner:   runner,
		metrics:  metrics,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Dispatch runs one skill call end to end: input validation, backend
// execution, output validation, timing. Failures are returned inside the
// result, never as a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, skillID string, input map[string]any) *SkillResult {
	start := time.Now()

	tracer := observability.GetTracer("redline.skill")
	ctx, span := tracer.Start(ctx, observability.SpanSkillDispatch,
		trace.WithAttributes(attribute.String(observability.AttrSkillID, skillID)),
	)
	defer span.End()

	res := d.dispatch(ctx, skillID, input)
	res.SkillID = skillID
	res.ElapsedMS = time.Since(start).Milliseconds()

	var err error
	if !res.Success {
		err = errors.New(res.ErrorKind)
		span.RecordError(errors.New(res.Error))
		slog.Warn("Skill call failed",
			"skill", skillID, "kind", res.ErrorKind, "error", res.Error)
	}
	d.metrics.RecordSkillCall(skillID, time.Since(start), err)
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, skillID string, input map[string]any) *SkillResult {
	reg, ok := d.registry.Get(skillID)
	if !ok {
		return failure(ErrKindNotFound, fmt.Sprintf("unknown skill: %s", skillID))
	}

	if err := d.validate(skillID+"/input", reg.InputSchema, input); err != nil {
		return failure(ErrKindValidation, fmt.Sprintf("input: %v", err))
	}

	var output map[string]any
	var err error
	switch reg.Backend {
	case BackendLocal:
		output, err = d.runLocal(ctx, reg, input)
	case BackendRemote:
		output, err = d.runRemote(ctx, reg, input)
	}
	if err != nil {
		return failure(classify(err), err.Error())
	}

	if err := d.validate(skillID+"/output", reg.OutputSchema, output); err != nil {
		return failure(ErrKindValidation, fmt.Sprintf("output: %v", err))
	}
	return &SkillResult{Success: true, Data: output}
}

// runLocal executes the handler, converting a panic into an execution
// error so a misbehaving skill cannot take down the task goroutine.
func (d *Dispatcher) runLocal(ctx context.Context, reg *Registration, input map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("skill panicked: %v", r)
		}
	}()
	return reg.Handler(ctx, input)
}

func (d *Dispatcher) runRemote(ctx context.Context, reg *Registration, input map[string]any) (map[string]any, error) {
	if d.runner == nil {
		return nil, fmt.Errorf("no workflow engine configured for remote skill %s", reg.ID)
	}
	return d.runner.Run(ctx, reg.WorkflowID, input)
}

// validate compiles the schema on first use and caches it by key.
func (d *Dispatcher) validate(key string, schema map[string]any, value map[string]any) error {
	sch, err := d.schema(key, schema)
	if err != nil {
		return err
	}
	// The validator expects generic decoded JSON.
	var instance any = map[string]any{}
	if value != nil {
		instance = toGenericJSON(value)
	}
	return sch.Validate(instance)
}

func (d *Dispatcher) schema(key string, schema map[string]any) (*jsonschema.Schema, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sch, ok := d.compiled[key]; ok {
		return sch, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "inmem://" + key + ".json"
	if err := compiler.AddResource(url, toGenericJSON(schema)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", key, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", key, err)
	}
	d.compiled[key] = sch
	return sch, nil
}

// ToolDefinitions exports the skills visible to a domain as
// provider-neutral tool schemas, in sorted id order.
func (d *Dispatcher) ToolDefinitions(domainID string) []llms.ToolDefinition {
	var defs []llms.ToolDefinition
	for _, id := range d.registry.Keys() {
		reg, ok := d.registry.Get(id)
		if !ok || !reg.VisibleTo(domainID) {
			continue
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        reg.ID,
			Description: reg.Description,
			Parameters:  reg.InputSchema,
		})
	}
	return defs
}

func failure(kind, msg string) *SkillResult {
	return &SkillResult{Success: false, Error: msg, ErrorKind: kind}
}

func classify(err error) string {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, workflow.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.Is(err, workflow.ErrBackendFailed):
		return ErrKindBackend
	default:
		return ErrKindExecution
	}
}
