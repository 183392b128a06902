package skill

import (
	"context"
	"fmt"
	"strings"

	"github.com/redlineai/redline/pkg/clausetree"
)

// Builtin skill ids. These form the default minimal toolset every review
// domain can call.
const (
	SkillGetClauseContext    = "get_clause_context"
	SkillFindCrossReferences = "find_cross_references"
	SkillLookupDefinitions   = "lookup_definitions"
	SkillCompareBaseline     = "compare_baseline"
)

// DocumentContext is the parsed document a task's builtin skills read
// from. It is immutable once the task starts.
type DocumentContext struct {
	Tree        *clausetree.Tree
	CrossRefs   map[string][]string
	Definitions map[string]string

	// Baseline is the reference document for compare_baseline, when one
	// was uploaded.
	Baseline *clausetree.Tree
}

type clauseContextInput struct {
	ClauseID string `json:"clause_id" jsonschema:"description=Clause id to resolve"`
}

type clauseContextOutput struct {
	ClauseID   string `json:"clause_id"`
	Title      string `json:"title,omitempty"`
	ClauseText string `json:"clause_text"`
	PrevText   string `json:"prev_text,omitempty"`
	NextText   string `json:"next_text,omitempty"`
}

type crossRefsOutput struct {
	References []crossRef `json:"references"`
}

type crossRef struct {
	ClauseID string `json:"clause_id"`
	Text     string `json:"text"`
}

type definitionsInput struct {
	Terms []string `json:"terms,omitempty" jsonschema:"description=Terms to look up; empty returns every definition"`
}

type definitionsOutput struct {
	Definitions map[string]string `json:"definitions"`
}

type compareBaselineOutput struct {
	ClauseID     string `json:"clause_id"`
	ClauseText   string `json:"clause_text"`
	BaselineText string `json:"baseline_text"`
	Identical    bool   `json:"identical"`
}

// RegisterBuiltins registers the default local skills over a parsed
// document.
func RegisterBuiltins(reg *Registry, doc *DocumentContext) error {
	builtins := []*Registration{
		{
			ID:           SkillGetClauseContext,
			Description:  "Resolve a clause's full text plus its immediate neighbors in document order.",
			InputSchema:  SchemaFor(&clauseContextInput{}),
			OutputSchema: SchemaFor(&clauseContextOutput{}),
			Backend:      BackendLocal,
			Handler:      doc.getClauseContext,
		},
		{
			ID:           SkillFindCrossReferences,
			Description:  "List the clauses referenced from a given clause.",
			InputSchema:  SchemaFor(&clauseContextInput{}),
			OutputSchema: SchemaFor(&crossRefsOutput{}),
			Backend:      BackendLocal,
			Handler:      doc.findCrossReferences,
		},
		{
			ID:           SkillLookupDefinitions,
			Description:  "Look up defined terms from the document's definitions section.",
			InputSchema:  SchemaFor(&definitionsInput{}),
			OutputSchema: SchemaFor(&definitionsOutput{}),
			Backend:      BackendLocal,
			Handler:      doc.lookupDefinitions,
		},
		{
			ID:           SkillCompareBaseline,
			Description:  "Compare a clause against the same clause in the uploaded baseline document.",
			InputSchema:  SchemaFor(&clauseContextInput{}),
			OutputSchema: SchemaFor(&compareBaselineOutput{}),
			Backend:      BackendLocal,
			Handler:      doc.compareBaseline,
		},
	}
	for _, b := range builtins {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func inputClauseID(input map[string]any) (string, error) {
	id, _ := input["clause_id"].(string)
	if id == "" {
		return "", fmt.Errorf("clause_id is required")
	}
	return id, nil
}

func (doc *DocumentContext) getClauseContext(ctx context.Context, input map[string]any) (map[string]any, error) {
	id, err := inputClauseID(input)
	if err != nil {
		return nil, err
	}
	clause := doc.Tree.Get(id)
	if clause == nil {
		return nil, fmt.Errorf("clause %s not found", id)
	}

	out := clauseContextOutput{
		ClauseID:   id,
		Title:      clause.Title,
		ClauseText: doc.Tree.FullText(id),
	}
	prev, next := doc.Tree.Neighbors(id)
	if prev != nil {
		out.PrevText = prev.Text
	}
	if next != nil {
		out.NextText = next.Text
	}
	return asMap(out)
}

func (doc *DocumentContext) findCrossReferences(ctx context.Context, input map[string]any) (map[string]any, error) {
	id, err := inputClauseID(input)
	if err != nil {
		return nil, err
	}
	if doc.Tree.Get(id) == nil {
		return nil, fmt.Errorf("clause %s not found", id)
	}

	out := crossRefsOutput{References: []crossRef{}}
	for _, ref := range doc.CrossRefs[id] {
		if target := doc.Tree.Get(ref); target != nil {
			out.References = append(out.References, crossRef{ClauseID: ref, Text: target.Text})
		}
	}
	return asMap(out)
}

func (doc *DocumentContext) lookupDefinitions(ctx context.Context, input map[string]any) (map[string]any, error) {
	out := definitionsOutput{Definitions: map[string]string{}}

	terms, _ := input["terms"].([]any)
	if len(terms) == 0 {
		for term, body := range doc.Definitions {
			out.Definitions[term] = body
		}
		return asMap(out)
	}

	for _, t := range terms {
		term, _ := t.(string)
		if term == "" {
			continue
		}
		// Exact match first, then case-insensitive.
		if body, ok := doc.Definitions[term]; ok {
			out.Definitions[term] = body
			continue
		}
		for known, body := range doc.Definitions {
			if strings.EqualFold(known, term) {
				out.Definitions[known] = body
				break
			}
		}
	}
	return asMap(out)
}

func (doc *DocumentContext) compareBaseline(ctx context.Context, input map[string]any) (map[string]any, error) {
	id, err := inputClauseID(input)
	if err != nil {
		return nil, err
	}
	if doc.Baseline == nil {
		return nil, fmt.Errorf("no baseline document uploaded for this task")
	}
	clause := doc.Tree.Get(id)
	if clause == nil {
		return nil, fmt.Errorf("clause %s not found", id)
	}

	out := compareBaselineOutput{
		ClauseID:   id,
		ClauseText: doc.Tree.FullText(id),
	}
	if doc.Baseline.Get(id) != nil {
		out.BaselineText = doc.Baseline.FullText(id)
	}
	out.Identical = normalizeWS(out.ClauseText) == normalizeWS(out.BaselineText)
	return asMap(out)
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func asMap(v any) (map[string]any, error) {
	generic := toGenericJSON(v)
	m, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("skill output is not an object")
	}
	return m, nil
}
