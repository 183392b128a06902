package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redlineai/redline/pkg/agent"
	"github.com/redlineai/redline/pkg/clausetree"
	"github.com/redlineai/redline/pkg/domain"
	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/observability"
	"github.com/redlineai/redline/pkg/skill"
	"github.com/redlineai/redline/pkg/streamjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome of one graph step.
type Outcome int

const (
	// OutcomeContinue means the runner should step again.
	OutcomeContinue Outcome = iota
	// OutcomeSuspend means the graph halted at human_approval.
	OutcomeSuspend
	// OutcomeDone means the review completed.
	OutcomeDone
	// OutcomeFailed means the task failed terminally.
	OutcomeFailed
)

const defaultRegenCap = 2

// Graph executes the review state machine for one task. All mutation
// happens on the owning task goroutine; Graph itself is not safe for
// concurrent use.
type Graph struct {
	state    *GraphState
	doc      *skill.DocumentContext
	plugin   *domain.Plugin
	loop     *agent.Loop
	provider llms.Provider
	bus      *events.Bus
	metrics  *observability.Metrics

	regenCap int
}

// NewGraph wires a graph over prepared dependencies and state. state may
// be freshly initialized or rehydrated from a checkpoint.
func NewGraph(state *GraphState, doc *skill.DocumentContext, plugin *domain.Plugin,
	loop *agent.Loop, provider llms.Provider, bus *events.Bus, metrics *observability.Metrics) *Graph {
	return &Graph{
		state:    state,
		doc:      doc,
		plugin:   plugin,
		loop:     loop,
		provider: provider,
		bus:      bus,
		metrics:  metrics,
		regenCap: defaultRegenCap,
	}
}

// State exposes the graph state for checkpointing and status queries.
func (g *Graph) State() *GraphState { return g.state }

// Step executes the current node and advances. The runner checkpoints
// after every call, so each node must leave the state self-contained.
func (g *Graph) Step(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		g.state.Node = NodeFailed
		return OutcomeFailed, err
	}

	tracer := observability.GetTracer("redline.review")
	ctx, span := tracer.Start(ctx, observability.SpanGraphStep,
		trace.WithAttributes(
			attribute.String(observability.AttrTaskID, g.state.TaskID),
			attribute.String(observability.AttrGraphNode, string(g.state.Node)),
		),
	)
	defer span.End()
	g.metrics.RecordNodeStep(string(g.state.Node))

	switch g.state.Node {
	case NodeInit:
		return g.stepInit(ctx)
	case NodeSelectClause:
		return g.stepSelectClause()
	case NodeClauseContext:
		return g.stepClauseContext()
	case NodeClauseAnalyze:
		return g.stepClauseAnalyze(ctx)
	case NodeGenerateDiffs:
		return g.stepGenerateDiffs(ctx)
	case NodeValidateDiffs:
		return g.stepValidateDiffs()
	case NodeHumanApproval:
		return g.stepHumanApproval()
	case NodeSaveClause:
		return g.stepSaveClause()
	case NodeSummarize:
		return g.stepSummarize(ctx)
	case NodeDone:
		return OutcomeDone, nil
	case NodeFailed:
		return OutcomeFailed, nil
	default:
		g.state.Node = NodeFailed
		return OutcomeFailed, fmt.Errorf("unknown graph node: %s", g.state.Node)
	}
}

func (g *Graph) stepInit(ctx context.Context) (Outcome, error) {
	g.supplementDefinitions(ctx)
	g.publish(events.KindReviewStarted, map[string]any{
		"domain_id": g.state.DomainID,
		"total":     len(g.state.Checklist),
	})
	g.state.Node = NodeSelectClause
	return OutcomeContinue, nil
}

// supplementDefinitions asks the model for terms the regex pass missed in
// the definitions section, then folds them in through MergeDefinitions.
// The regex table stays authoritative; any failure leaves it untouched.
func (g *Graph) supplementDefinitions(ctx context.Context) {
	secID := g.plugin.ParserConfig.DefinitionsSectionID
	if secID == "" || g.doc == nil || g.doc.Tree == nil {
		return
	}
	section := g.doc.Tree.FullText(secID)
	if strings.TrimSpace(section) == "" {
		return
	}

	prompt := []llms.Message{
		{Role: llms.RoleSystem, Content: g.plugin.SystemPrompt},
		{Role: llms.RoleUser, Content: "Extract every defined term from this definitions section. Reply with only a JSON object mapping each term to its definition.\n\n" + section},
	}
	text, err := g.provider.Chat(ctx, prompt, llms.Options{})
	if err != nil {
		slog.Warn("Definition supplement failed, keeping regex table",
			"task", g.state.TaskID, "error", err)
		return
	}
	modelDefs := parseDefinitionObject(text)
	if len(modelDefs) == 0 {
		return
	}
	g.doc.Definitions = clausetree.MergeDefinitions(g.doc.Definitions, modelDefs)
}

// parseDefinitionObject tolerates prose around the JSON object.
func parseDefinitionObject(text string) map[string]string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	var defs map[string]string
	if err := json.Unmarshal([]byte(text[start:end+1]), &defs); err != nil {
		return nil
	}
	return defs
}

func (g *Graph) stepSelectClause() (Outcome, error) {
	if g.state.CurrentItem() == nil {
		g.state.Node = NodeSummarize
		return OutcomeContinue, nil
	}
	g.publish(events.KindReviewProgress, map[string]any{
		"current_clause_index": g.state.CurrentClauseIndex,
		"total":                len(g.state.Checklist),
		"clause_id":            g.state.CurrentItem().ClauseID,
	})
	g.state.Node = NodeClauseContext
	return OutcomeContinue, nil
}

func (g *Graph) stepClauseContext() (Outcome, error) {
	item := g.state.CurrentItem()
	g.state.Working = &ClauseFindings{
		ClauseID:     item.ClauseID,
		Risks:        []agent.RiskPoint{},
		SkillContext: map[string]map[string]any{},
	}

	if g.doc.Tree.Get(item.ClauseID) == nil {
		// The checklist names a clause this document does not have:
		// record the empty finding and move on.
		slog.Warn("Checklist clause not present in document",
			"task", g.state.TaskID, "clause", item.ClauseID)
		g.state.Node = NodeSaveClause
		return OutcomeContinue, nil
	}

	g.state.Node = NodeClauseAnalyze
	return OutcomeContinue, nil
}

func (g *Graph) stepClauseAnalyze(ctx context.Context) (Outcome, error) {
	item := g.state.CurrentItem()

	res, err := g.loop.Run(ctx, agent.Request{
		TaskID:          g.state.TaskID,
		DomainID:        g.state.DomainID,
		SystemPrompt:    g.plugin.SystemPrompt,
		ClauseID:        item.ClauseID,
		ClauseText:      g.doc.Tree.FullText(item.ClauseID),
		ItemName:        item.Name,
		ItemFocus:       item.Description,
		Priority:        string(item.Priority),
		RequiredSkills:  item.RequiredSkills,
		SuggestedSkills: item.SuggestedSkills,
	})
	if res != nil {
		g.state.Working.Risks = res.Risks
		g.state.Working.SkillContext = res.SkillContext
	}
	if err != nil {
		if isFatal(err) {
			return g.fail(err)
		}
		// Non-fatal analysis failure: continue with what was gleaned.
		slog.Warn("Clause analysis degraded",
			"task", g.state.TaskID, "clause", item.ClauseID, "error", err)
	}

	g.state.Node = NodeGenerateDiffs
	return OutcomeContinue, nil
}

func (g *Graph) stepGenerateDiffs(ctx context.Context) (Outcome, error) {
	actionable := actionableRisks(g.state.Working.Risks)
	if len(actionable) == 0 {
		g.state.PendingDiffs = nil
		g.state.Node = NodeValidateDiffs
		return OutcomeContinue, nil
	}

	diffs, err := g.generateDiffs(ctx, actionable)
	if err != nil {
		if isFatal(err) {
			return g.fail(err)
		}
		slog.Warn("Diff generation degraded",
			"task", g.state.TaskID, "clause", g.state.Working.ClauseID, "error", err)
	}

	g.state.PendingDiffs = dedupeDiffs(diffs)
	g.state.Node = NodeValidateDiffs
	return OutcomeContinue, nil
}

func (g *Graph) stepValidateDiffs() (Outcome, error) {
	clauseText := g.doc.Tree.FullText(g.state.Working.ClauseID)
	g.state.PendingDiffs = validateDiffs(g.state.TaskID, g.state.PendingDiffs, clauseText)

	if len(g.state.PendingDiffs) == 0 {
		// Nothing for a human to decide.
		g.state.Node = NodeSaveClause
		return OutcomeContinue, nil
	}
	g.state.Node = NodeHumanApproval
	return OutcomeContinue, nil
}

func (g *Graph) stepHumanApproval() (Outcome, error) {
	g.publish(events.KindApprovalRequired, map[string]any{
		"clause_id":     g.state.Working.ClauseID,
		"pending_diffs": g.state.PendingDiffs,
	})
	return OutcomeSuspend, nil
}

// Resume applies the decision routing law after approval: an all-reject
// round re-enters diff generation (bounded by the regeneration cap);
// anything else proceeds to save_clause. Callers must have validated
// decisions with ValidateDecisions first.
func (g *Graph) Resume() {
	if allRejected(g.state.PendingDiffs, g.state.UserDecisions) {
		g.state.RegenRounds++
		if g.state.RegenRounds <= g.regenCap {
			slog.Info("All diffs rejected, regenerating",
				"task", g.state.TaskID, "clause", g.state.Working.ClauseID,
				"round", g.state.RegenRounds)
			g.state.PendingDiffs = nil
			g.state.UserDecisions = make(map[string]string)
			g.state.Node = NodeGenerateDiffs
			return
		}
		g.publish(events.KindRegenerationExhausted, map[string]any{
			"clause_id": g.state.Working.ClauseID,
			"rounds":    g.state.RegenRounds,
		})
		// Mark everything rejected and let save_clause store zero
		// approved diffs.
		for i := range g.state.PendingDiffs {
			g.state.PendingDiffs[i].Status = DiffRejected
		}
		g.state.Node = NodeSaveClause
		return
	}

	applyDecisions(g.state.PendingDiffs, g.state.UserDecisions)
	g.state.Node = NodeSaveClause
}

func (g *Graph) stepSaveClause() (Outcome, error) {
	working := g.state.Working
	if working == nil {
		return g.fail(fmt.Errorf("save_clause reached with no working findings"))
	}

	applyDecisions(g.state.PendingDiffs, g.state.UserDecisions)
	var approved []DocumentDiff
	for _, d := range g.state.PendingDiffs {
		if d.Status == DiffApproved {
			approved = append(approved, d)
		}
	}
	working.Diffs = approved

	// Findings are written once per clause per pass.
	g.state.Findings[working.ClauseID] = working

	if len(approved) > 0 {
		g.publish(events.KindDocUpdate, map[string]any{
			"clause_id": working.ClauseID,
			"diffs":     approved,
		})
	}

	g.state.PendingDiffs = nil
	g.state.UserDecisions = make(map[string]string)
	g.state.Working = nil
	g.state.RegenRounds = 0
	g.state.CurrentClauseIndex++
	g.state.Node = NodeSelectClause
	return OutcomeContinue, nil
}

func (g *Graph) stepSummarize(ctx context.Context) (Outcome, error) {
	g.state.SummaryNotes = g.summarize(ctx)
	g.state.IsComplete = true
	g.state.Node = NodeDone

	g.publish(events.KindReviewCompleted, map[string]any{
		"total_clauses": len(g.state.Checklist),
		"summary":       g.state.SummaryNotes,
	})
	return OutcomeDone, nil
}

// summarize asks the model for task-level notes; on failure it falls
// back to a mechanical summary so completion never depends on one more
// model call succeeding.
func (g *Graph) summarize(ctx context.Context) string {
	var b strings.Builder
	for _, item := range g.state.Checklist {
		f := g.state.Findings[item.ClauseID]
		if f == nil {
			continue
		}
		fmt.Fprintf(&b, "Clause %s (%s): %d risks, %d approved changes\n",
			f.ClauseID, item.Name, len(f.Risks), len(f.Diffs))
	}
	mechanical := b.String()

	prompt := []llms.Message{
		{Role: llms.RoleSystem, Content: g.plugin.SystemPrompt},
		{Role: llms.RoleUser, Content: "Write a short review summary for the client based on these per-clause results:\n\n" + mechanical},
	}
	text, err := g.provider.Chat(ctx, prompt, llms.Options{})
	if err != nil || strings.TrimSpace(text) == "" {
		slog.Warn("Summary generation failed, using mechanical summary",
			"task", g.state.TaskID, "error", err)
		return mechanical
	}
	return text
}

func (g *Graph) fail(err error) (Outcome, error) {
	g.state.Node = NodeFailed
	g.publish(events.KindError, map[string]any{"error": err.Error()})
	return OutcomeFailed, err
}

func (g *Graph) publish(kind string, data map[string]any) {
	if g.bus != nil {
		g.bus.Publish(g.state.TaskID, kind, data)
	}
}

// isFatal reports errors that must fail the task: exhausted providers,
// broken or oversize streams, cancellation.
func isFatal(err error) bool {
	return errors.Is(err, llms.ErrProviderUnavailable) ||
		errors.Is(err, llms.ErrStreamInterrupted) ||
		errors.Is(err, streamjson.ErrStreamTooLarge) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func actionableRisks(risks []agent.RiskPoint) []agent.RiskPoint {
	var out []agent.RiskPoint
	for _, r := range risks {
		if r.Level == agent.RiskHigh || r.Level == agent.RiskMedium {
			out = append(out, r)
		}
	}
	return out
}
