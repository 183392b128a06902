// Package review implements the clause review graph: an explicit state
// machine stepping through the domain checklist, suspending for human
// approval, and checkpointing through the session store after every node.
package review

import (
	"errors"
	"strings"

	"github.com/redlineai/redline/pkg/agent"
	"github.com/redlineai/redline/pkg/domain"
)

// Node identifies a graph state.
type Node string

const (
	NodeInit          Node = "init"
	NodeSelectClause  Node = "select_clause"
	NodeClauseContext Node = "clause_context"
	NodeClauseAnalyze Node = "clause_analyze"
	NodeGenerateDiffs Node = "clause_generate_diffs"
	NodeValidateDiffs Node = "clause_validate"
	NodeHumanApproval Node = "human_approval"
	NodeSaveClause    Node = "save_clause"
	NodeSummarize     Node = "summarize"
	NodeDone          Node = "done"
	NodeFailed        Node = "failed"
)

// Diff actions.
const (
	ActionReplace = "replace"
	ActionInsert  = "insert"
	ActionDelete  = "delete"
)

// Diff statuses.
const (
	DiffPending  = "pending"
	DiffApproved = "approved"
	DiffRejected = "rejected"
)

// Decision values for pending diffs.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ErrDecisionsIncomplete blocks resume while pending diffs lack
// decisions. Missing ids travel on the error.
var ErrDecisionsIncomplete = errors.New("decisions incomplete")

// DecisionsIncompleteError lists the undecided diff ids.
type DecisionsIncompleteError struct {
	MissingDiffIDs []string
}

func (e *DecisionsIncompleteError) Error() string {
	return "decisions incomplete: missing " + strings.Join(e.MissingDiffIDs, ", ")
}

func (e *DecisionsIncompleteError) Unwrap() error { return ErrDecisionsIncomplete }

// DocumentDiff is one proposed text change, pending until a human
// decides.
type DocumentDiff struct {
	DiffID       string `json:"diff_id"`
	ClauseID     string `json:"clause_id"`
	Action       string `json:"action"`
	OriginalText string `json:"original_text,omitempty"`
	ProposedText string `json:"proposed_text,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RiskLevel    string `json:"risk_level,omitempty"`
	Status       string `json:"status"`
}

// ClauseFindings is the per-clause review outcome: risks, approved diffs,
// and the skill context gathered while analyzing.
type ClauseFindings struct {
	ClauseID     string                    `json:"clause_id"`
	Risks        []agent.RiskPoint         `json:"risks"`
	Diffs        []DocumentDiff            `json:"diffs,omitempty"`
	SkillContext map[string]map[string]any `json:"skill_context,omitempty"`
}

// GraphState is the checkpointed review state. Current clause index is
// monotonic; findings are written once per clause.
type GraphState struct {
	TaskID             string                     `json:"task_id"`
	DomainID           string                     `json:"domain_id"`
	Language           string                     `json:"language,omitempty"`
	Checklist          []domain.ChecklistItem     `json:"checklist"`
	CurrentClauseIndex int                        `json:"current_clause_index"`
	Findings           map[string]*ClauseFindings `json:"findings"`
	PendingDiffs       []DocumentDiff             `json:"pending_diffs"`
	UserDecisions      map[string]string          `json:"user_decisions"`
	UserFeedback       map[string]string          `json:"user_feedback,omitempty"`
	SummaryNotes       string                     `json:"summary_notes,omitempty"`
	IsComplete         bool                       `json:"is_complete"`
	Node               Node                       `json:"node"`

	// Working accumulates the current clause's findings until save_clause
	// commits them; it must survive the approval suspension.
	Working *ClauseFindings `json:"working,omitempty"`

	// RegenRounds counts regeneration passes after all-reject rounds for
	// the current clause.
	RegenRounds int `json:"regeneration_rounds,omitempty"`
}

// NewGraphState initializes state for a task.
func NewGraphState(taskID string, plugin *domain.Plugin, language string) *GraphState {
	return &GraphState{
		TaskID:        taskID,
		DomainID:      plugin.ID,
		Language:      language,
		Checklist:     plugin.Checklist,
		Findings:      make(map[string]*ClauseFindings),
		UserDecisions: make(map[string]string),
		UserFeedback:  make(map[string]string),
		Node:          NodeInit,
	}
}

// CurrentItem returns the checklist item under review, or nil past the
// end.
func (s *GraphState) CurrentItem() *domain.ChecklistItem {
	if s.CurrentClauseIndex < 0 || s.CurrentClauseIndex >= len(s.Checklist) {
		return nil
	}
	return &s.Checklist[s.CurrentClauseIndex]
}
