package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redlineai/redline/pkg/agent"
	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/streamjson"
)

const diffStreamByteCap = 4 << 20

// diffProposal is the model's wire shape for one proposed change.
type diffProposal struct {
	Action       string `json:"action"`
	OriginalText string `json:"original_text"`
	ProposedText string `json:"proposed_text"`
	Reason       string `json:"reason"`
	RiskLevel    string `json:"risk_level"`
}

// generateDiffs streams the model's diff proposals for the actionable
// risks, emitting message_delta events for the UI and diff_proposed per
// completed object. The response is parsed incrementally over the
// "diffs" array; the finalize pass reconciles against the full document
// and reports any disagreement as a structured event.
func (g *Graph) generateDiffs(ctx context.Context, risks []agent.RiskPoint) ([]DocumentDiff, error) {
	clauseID := g.state.Working.ClauseID
	clauseText := g.doc.Tree.FullText(clauseID)

	parser := streamjson.New("diffs",
		streamjson.WithMaxBytes(diffStreamByteCap),
		streamjson.WithReconcileFunc(func(incremental, full int) {
			slog.Warn("Diff stream reconciled against full parse",
				"task", g.state.TaskID, "clause", clauseID,
				"incremental", incremental, "full", full)
			g.publish(events.KindStreamReconciled, map[string]any{
				"clause_id":   clauseID,
				"incremental": incremental,
				"full":        full,
			})
		}),
	)

	stream, err := g.provider.ChatStream(ctx, g.diffPrompt(clauseID, clauseText, risks), llms.Options{})
	if err != nil {
		return nil, err
	}

	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		g.publish(events.KindMessageDelta, map[string]any{
			"clause_id": clauseID,
			"delta":     chunk.Text,
		})
		objs, err := parser.Feed(chunk.Text)
		if err != nil {
			// Oversize stream; the cap error is terminal.
			return nil, err
		}
		for _, obj := range objs {
			g.publishProposal(clauseID, obj)
		}
	}

	diffs := decodeProposals(clauseID, parser.Finalize())
	if streamErr != nil {
		return diffs, streamErr
	}
	return diffs, nil
}

func (g *Graph) publishProposal(clauseID string, obj json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(obj, &payload); err != nil {
		return
	}
	g.publish(events.KindDiffProposed, map[string]any{
		"clause_id": clauseID,
		"diff":      payload,
	})
}

func (g *Graph) diffPrompt(clauseID, clauseText string, risks []agent.RiskPoint) []llms.Message {
	var riskLines strings.Builder
	for _, r := range risks {
		fmt.Fprintf(&riskLines, "- [%s] %s", r.Level, r.Description)
		if r.OriginalText != "" {
			fmt.Fprintf(&riskLines, " (text: %q)", r.OriginalText)
		}
		riskLines.WriteString("\n")
	}

	system := g.plugin.SystemPrompt + `

Propose concrete text changes addressing the identified risks. Respond
with ONLY a JSON object of the form:
  {"diffs": [{"action": "replace|insert|delete", "original_text": "...",
              "proposed_text": "...", "reason": "...", "risk_level": "high|medium|low"}]}
For "replace" and "delete", original_text must quote the clause verbatim.
Propose nothing for risks that need no text change.`

	user := fmt.Sprintf("Clause %s:\n%s\n\nIdentified risks:\n%s",
		clauseID, clauseText, riskLines.String())

	return []llms.Message{
		{Role: llms.RoleSystem, Content: system},
		{Role: llms.RoleUser, Content: user},
	}
}

// decodeProposals converts raw stream objects into pending diffs,
// skipping unparseable entries.
func decodeProposals(clauseID string, objs []json.RawMessage) []DocumentDiff {
	var out []DocumentDiff
	for _, obj := range objs {
		var p diffProposal
		if err := json.Unmarshal(obj, &p); err != nil {
			continue
		}
		out = append(out, DocumentDiff{
			DiffID:       uuid.NewString(),
			ClauseID:     clauseID,
			Action:       strings.ToLower(strings.TrimSpace(p.Action)),
			OriginalText: p.OriginalText,
			ProposedText: p.ProposedText,
			Reason:       p.Reason,
			RiskLevel:    strings.ToLower(strings.TrimSpace(p.RiskLevel)),
			Status:       DiffPending,
		})
	}
	return out
}

// dedupeDiffs drops later duplicates keyed by (action, original_text).
func dedupeDiffs(diffs []DocumentDiff) []DocumentDiff {
	seen := make(map[string]bool, len(diffs))
	out := diffs[:0]
	for _, d := range diffs {
		key := d.Action + "\x00" + d.OriginalText
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

// validateDiffs enforces the per-action invariants and the substring
// rule: replace/delete must quote text actually present in the clause.
// Invalid diffs are dropped with a logged reason, never surfaced.
func validateDiffs(taskID string, diffs []DocumentDiff, clauseText string) []DocumentDiff {
	out := diffs[:0]
	for _, d := range diffs {
		if reason := diffInvalidReason(d, clauseText); reason != "" {
			slog.Info("Dropping invalid diff",
				"task", taskID, "clause", d.ClauseID, "action", d.Action, "reason", reason)
			continue
		}
		out = append(out, d)
	}
	return out
}

func diffInvalidReason(d DocumentDiff, clauseText string) string {
	switch d.Action {
	case ActionReplace:
		if d.OriginalText == "" || d.ProposedText == "" {
			return "replace requires both original and proposed text"
		}
	case ActionInsert:
		if d.ProposedText == "" {
			return "insert requires proposed text"
		}
	case ActionDelete:
		if d.OriginalText == "" {
			return "delete requires original text"
		}
	default:
		return "unknown action"
	}

	if d.Action == ActionReplace || d.Action == ActionDelete {
		if !strings.Contains(clauseText, d.OriginalText) {
			return "original text not found in clause"
		}
	}
	return ""
}
