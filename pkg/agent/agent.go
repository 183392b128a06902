// Package agent runs the per-clause analysis loop: the model alternates
// between tool calls and reasoning over the accumulated transcript until
// it produces a final list of risk findings, bounded by an iteration cap.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/skill"
)

// RiskPoint is one finding attached to a clause.
type RiskPoint struct {
	Level        string `json:"risk_level"`
	Type         string `json:"risk_type,omitempty"`
	Description  string `json:"description"`
	Rationale    string `json:"rationale,omitempty"`
	OriginalText string `json:"original_text,omitempty"`
}

const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

const (
	defaultMaxIterations = 3
	defaultResultCharCap = 4000
)

// Request describes one clause analysis.
type Request struct {
	TaskID       string
	DomainID     string
	SystemPrompt string
	ClauseID     string
	ClauseText   string
	ItemName     string
	ItemFocus    string
	Priority     string

	// RequiredSkills and SuggestedSkills scope the toolset beyond the
	// default minimal set.
	RequiredSkills  []string
	SuggestedSkills []string
}

// Result carries the findings plus the accumulated skill context. The
// context survives even when the loop exits on a model failure.
type Result struct {
	Risks        []RiskPoint
	SkillContext map[string]map[string]any
	Iterations   int
}

// Loop is the analysis engine. One Loop serves many clauses; per-clause
// state lives in Run.
type Loop struct {
	provider   llms.Provider
	dispatcher *skill.Dispatcher
	bus        *events.Bus

	maxIterations int
	resultCharCap int
}

type Option func(*Loop)

func WithMaxIterations(n int) Option {
	return func(l *Loop) { l.maxIterations = n }
}

func WithResultCharCap(n int) Option {
	return func(l *Loop) { l.resultCharCap = n }
}

func NewLoop(provider llms.Provider, dispatcher *skill.Dispatcher, bus *events.Bus, opts ...Option) *Loop {
	l := &Loop{
		provider:      provider,
		dispatcher:    dispatcher,
		bus:           bus,
		maxIterations: defaultMaxIterations,
		resultCharCap: defaultResultCharCap,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// defaultToolset is always offered regardless of checklist preferences.
var defaultToolset = []string{skill.SkillGetClauseContext, skill.SkillLookupDefinitions}

// Run executes the loop for one clause. A model failure breaks the loop
// and returns the error alongside whatever context was gathered; the
// caller decides whether it is fatal.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{SkillContext: make(map[string]map[string]any)}
	tools := l.selectTools(req)
	transcript := l.openingTranscript(req)

	for res.Iterations < l.maxIterations {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Iterations++

		resp, err := l.provider.ChatWithTools(ctx, transcript, tools, llms.Options{})
		if err != nil {
			slog.Error("Clause analysis model call failed",
				"task", req.TaskID, "clause", req.ClauseID, "iteration", res.Iterations, "error", err)
			return res, err
		}

		if len(resp.ToolCalls) == 0 {
			res.Risks = ParseFindings(resp.Text)
			return res, nil
		}

		transcript = append(transcript, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		// One round: every requested tool, in the order the model
		// returned them.
		for _, call := range resp.ToolCalls {
			transcript = append(transcript, l.execute(ctx, req, call, res))
		}
	}

	slog.Info("Clause analysis hit iteration cap",
		"task", req.TaskID, "clause", req.ClauseID, "iterations", res.Iterations)
	return res, nil
}

// execute runs one tool call and returns the tool message to append.
// Failures are reported back to the model, never raised.
func (l *Loop) execute(ctx context.Context, req Request, call llms.ToolCall, res *Result) llms.Message {
	l.publish(req.TaskID, events.KindToolCall, map[string]any{
		"clause_id": req.ClauseID,
		"skill_id":  call.Name,
		"args":      digest(call.Arguments),
	})

	msg := llms.Message{Role: llms.RoleTool, ToolCallID: call.ID, ToolName: call.Name}

	var input map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
		msg.Content = fmt.Sprintf("Error: tool arguments were not valid JSON: %v", err)
		l.publishResult(req, call.Name, false, msg.Content)
		return msg
	}

	sr := l.dispatcher.Dispatch(ctx, call.Name, input)
	if !sr.Success {
		msg.Content = fmt.Sprintf("Error (%s): %s", sr.ErrorKind, sr.Error)
		l.publishResult(req, call.Name, false, msg.Content)
		return msg
	}

	res.SkillContext[call.Name] = sr.Data // latest wins

	data, err := json.Marshal(sr.Data)
	if err != nil {
		data = []byte("{}")
	}
	msg.Content = truncate(string(data), l.resultCharCap)
	l.publishResult(req, call.Name, true, truncate(string(data), 200))
	return msg
}

func (l *Loop) selectTools(req Request) []llms.ToolDefinition {
	wanted := make(map[string]bool)
	for _, id := range defaultToolset {
		wanted[id] = true
	}
	for _, id := range req.RequiredSkills {
		wanted[id] = true
	}
	for _, id := range req.SuggestedSkills {
		wanted[id] = true
	}

	var tools []llms.ToolDefinition
	for _, def := range l.dispatcher.ToolDefinitions(req.DomainID) {
		if wanted[def.Name] {
			tools = append(tools, def)
		}
	}
	return tools
}

func (l *Loop) openingTranscript(req Request) []llms.Message {
	system := req.SystemPrompt + `

When your analysis is complete, respond with ONLY a JSON array of risk
objects, each shaped like:
  {"risk_level": "high|medium|low", "risk_type": "...", "description": "...",
   "rationale": "...", "original_text": "..."}
An empty array means no risks. Do not wrap the array in prose.`

	user := fmt.Sprintf("Review clause %s (%s, priority %s).\nFocus: %s\n\nClause text:\n%s",
		req.ClauseID, req.ItemName, req.Priority, req.ItemFocus, req.ClauseText)

	return []llms.Message{
		{Role: llms.RoleSystem, Content: system},
		{Role: llms.RoleUser, Content: user},
	}
}

func (l *Loop) publish(taskID, kind string, data map[string]any) {
	if l.bus != nil {
		l.bus.Publish(taskID, kind, data)
	}
}

func (l *Loop) publishResult(req Request, skillID string, success bool, summary string) {
	l.publish(req.TaskID, events.KindToolResult, map[string]any{
		"clause_id": req.ClauseID,
		"skill_id":  skillID,
		"success":   success,
		"summary":   summary,
	})
}

// digest identifies tool arguments in events without replaying their
// full content to every subscriber.
func digest(args string) string {
	sum := sha256.Sum256([]byte(args))
	return fmt.Sprintf("%x", sum[:8])
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "…(truncated)"
}
