package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/skill"
)

// scriptedProvider replays canned tool responses in order.
type scriptedProvider struct {
	responses []*llms.ToolResponse
	errs      []error
	calls     int
	seenTools [][]llms.ToolDefinition
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, messages []llms.Message, opts llms.Options) (string, error) {
	return "", errors.New("not used")
}

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []llms.Message, opts llms.Options) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("not used")
}

func (p *scriptedProvider) ChatWithTools(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition, opts llms.Options) (*llms.ToolResponse, error) {
	i := p.calls
	p.calls++
	p.seenTools = append(p.seenTools, tools)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &llms.ToolResponse{Text: "[]"}, nil
	}
	return p.responses[i], nil
}

var anySchema = map[string]any{"type": "object"}

func newTestDispatcher(t *testing.T) *skill.Dispatcher {
	t.Helper()
	reg := skill.NewRegistry()
	regs := []*skill.Registration{
		{
			ID: skill.SkillGetClauseContext, InputSchema: anySchema, OutputSchema: anySchema,
			Backend: skill.BackendLocal,
			Handler: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				return map[string]any{"clause_text": "The Advance Payment shall be 10%."}, nil
			},
		},
		{
			ID: skill.SkillLookupDefinitions, InputSchema: anySchema, OutputSchema: anySchema,
			Backend: skill.BackendLocal,
			Handler: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				return map[string]any{"definitions": map[string]any{}}, nil
			},
		},
		{
			ID: "failing_skill", InputSchema: anySchema, OutputSchema: anySchema,
			Backend: skill.BackendLocal,
			Handler: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				return nil, errors.New("backend down")
			},
		},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			t.Fatal(err)
		}
	}
	return skill.NewDispatcher(reg, nil, nil)
}

func baseRequest() Request {
	return Request{
		TaskID:          "task-1",
		DomainID:        "construction",
		SystemPrompt:    "You review contracts.",
		ClauseID:        "14.2",
		ClauseText:      "The Advance Payment shall be 10%.",
		ItemName:        "Advance Payment",
		ItemFocus:       "payment percentage",
		Priority:        "high",
		SuggestedSkills: []string{"failing_skill"},
	}
}

func TestRunDirectFindingsNoTools(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.ToolResponse{
		{Text: `[{"risk_level":"high","description":"Advance payment has no guarantee."}]`},
	}}
	loop := NewLoop(provider, newTestDispatcher(t), nil)

	res, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Risks) != 1 || res.Risks[0].Level != RiskHigh {
		t.Fatalf("risks = %+v", res.Risks)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
}

func TestRunToolRoundThenFindings(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.ToolResponse{
		{ToolCalls: []llms.ToolCall{
			{ID: "c1", Name: skill.SkillGetClauseContext, Arguments: `{"clause_id":"14.2"}`},
		}},
		{Text: `[{"risk_level":"medium","description":"No repayment schedule."}]`},
	}}
	bus := events.NewBus(16, nil)
	loop := NewLoop(provider, newTestDispatcher(t), bus)

	res, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Risks) != 1 {
		t.Fatalf("risks = %+v", res.Risks)
	}
	if _, ok := res.SkillContext[skill.SkillGetClauseContext]; !ok {
		t.Error("skill context should record the tool output")
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}

	// tool_call then tool_result landed on the bus.
	replay, _, cancel := bus.Subscribe("task-1", 0)
	defer cancel()
	if len(replay) != 2 || replay[0].Kind != events.KindToolCall || replay[1].Kind != events.KindToolResult {
		t.Errorf("event sequence = %+v", replay)
	}
}

func TestRunIterationCap(t *testing.T) {
	// The model asks for a tool every time; the loop must stop at the cap.
	toolResp := &llms.ToolResponse{ToolCalls: []llms.ToolCall{
		{ID: "c", Name: skill.SkillGetClauseContext, Arguments: `{}`},
	}}
	provider := &scriptedProvider{responses: []*llms.ToolResponse{toolResp, toolResp, toolResp, toolResp}}
	loop := NewLoop(provider, newTestDispatcher(t), nil)

	res, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if len(res.Risks) != 0 {
		t.Errorf("risks should be empty at the cap, got %+v", res.Risks)
	}
	if provider.calls != 3 {
		t.Errorf("model calls = %d, want 3", provider.calls)
	}
}

func TestRunMalformedToolArgumentsReportedNotFatal(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.ToolResponse{
		{ToolCalls: []llms.ToolCall{
			{ID: "c1", Name: skill.SkillGetClauseContext, Arguments: `{not json`},
		}},
		{Text: `[]`},
	}}
	loop := NewLoop(provider, newTestDispatcher(t), nil)

	res, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 {
		t.Errorf("loop should continue past malformed arguments, iterations = %d", res.Iterations)
	}
}

func TestRunSkillFailureContinues(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.ToolResponse{
		{ToolCalls: []llms.ToolCall{
			{ID: "c1", Name: "failing_skill", Arguments: `{}`},
		}},
		{Text: `[{"risk_level":"low","description":"minor"}]`},
	}}
	loop := NewLoop(provider, newTestDispatcher(t), nil)

	res, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Risks) != 1 {
		t.Fatalf("risks = %+v", res.Risks)
	}
	if _, ok := res.SkillContext["failing_skill"]; ok {
		t.Error("failed skill must not populate skill context")
	}
}

func TestRunModelFailureReturnsContextIntact(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*llms.ToolResponse{
			{ToolCalls: []llms.ToolCall{
				{ID: "c1", Name: skill.SkillGetClauseContext, Arguments: `{}`},
			}},
		},
		errs: []error{nil, llms.ErrProviderUnavailable},
	}
	loop := NewLoop(provider, newTestDispatcher(t), nil)

	res, err := loop.Run(context.Background(), baseRequest())
	if !errors.Is(err, llms.ErrProviderUnavailable) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(res.Risks) != 0 {
		t.Errorf("risks should be empty on failure")
	}
	if _, ok := res.SkillContext[skill.SkillGetClauseContext]; !ok {
		t.Error("skill context gathered before the failure must survive")
	}
}

func TestRunChecksCancellationAtIterationTop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{}
	loop := NewLoop(provider, newTestDispatcher(t), nil)

	_, err := loop.Run(ctx, baseRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if provider.calls != 0 {
		t.Errorf("no model call should happen after cancellation")
	}
}

func TestSelectToolsScopesToDefaultsPlusPreferences(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.ToolResponse{{Text: "[]"}}}
	loop := NewLoop(provider, newTestDispatcher(t), nil)

	if _, err := loop.Run(context.Background(), baseRequest()); err != nil {
		t.Fatal(err)
	}

	names := map[string]bool{}
	for _, def := range provider.seenTools[0] {
		names[def.Name] = true
	}
	for _, want := range []string{skill.SkillGetClauseContext, skill.SkillLookupDefinitions, "failing_skill"} {
		if !names[want] {
			t.Errorf("tool %s missing from offered set %v", want, names)
		}
	}
}

func TestParseFindingsTolerance(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"bare array", `[{"risk_level":"high","description":"x"}]`, 1},
		{"code fence", "```json\n[{\"risk_level\":\"low\",\"description\":\"x\"}]\n```", 1},
		{"prose around array", `Here are the risks: [{"risk_level":"medium","description":"x"}] as requested.`, 1},
		{"risks object", `{"risks":[{"risk_level":"high","description":"x"}]}`, 1},
		{"plain prose", `No significant risks were identified.`, 0},
		{"empty array", `[]`, 0},
		{"garbage", `[{"risk_level":`, 0},
	}
	for _, tt := range tests {
		if got := len(ParseFindings(tt.text)); got != tt.want {
			t.Errorf("%s: got %d findings, want %d", tt.name, got, tt.want)
		}
	}
}

func TestParseFindingsNormalizesLevels(t *testing.T) {
	risks := ParseFindings(`[{"risk_level":" HIGH ","description":"x"},{"risk_level":"weird","description":"y"}]`)
	if len(risks) != 2 {
		t.Fatalf("findings = %+v", risks)
	}
	if risks[0].Level != RiskHigh {
		t.Errorf("level = %q, want high", risks[0].Level)
	}
	if risks[1].Level != RiskLow {
		t.Errorf("unknown level should default to low, got %q", risks[1].Level)
	}
}
