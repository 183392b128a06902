package domain

import (
	"github.com/redlineai/redline/pkg/clausetree"
	"github.com/redlineai/redline/pkg/skill"
)

const constructionPrompt = `You are a contract review specialist for construction and engineering
agreements. Review each clause against the checklist item, identify risks
to the instructing party, and ground every finding in the clause text.
Use the available tools to resolve clause context, cross references, and
defined terms before concluding.`

const generalPrompt = `You are a contract review specialist. Review each clause against the
checklist item, identify risks to the instructing party, and ground every
finding in the clause text. Use the available tools to resolve clause
context, cross references, and defined terms before concluding.`

// RegisterBuiltins installs the built-in review domains.
func RegisterBuiltins(reg *Registry) error {
	for _, p := range []*Plugin{constructionDomain(), generalDomain()} {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func constructionDomain() *Plugin {
	return &Plugin{
		ID:       "construction",
		Name:     "Construction & Engineering Contracts",
		Subtypes: []string{"epc", "supply", "subcontract"},
		ParserConfig: clausetree.Config{
			ClausePattern:        `^(\d+(?:\.\d+)*)\s+(.*)$`,
			MaxDepth:             4,
			DefinitionsSectionID: "1.1",
		},
		SystemPrompt: constructionPrompt,
		Checklist: []ChecklistItem{
			{
				ClauseID: "14.2", Name: "Advance Payment",
				Description: "Advance payment percentage, guarantee requirements, and repayment schedule.",
				Priority:    PriorityHigh,
				RequiredSkills: []string{
					skill.SkillGetClauseContext,
				},
				SuggestedSkills: []string{
					skill.SkillFindCrossReferences,
					skill.SkillLookupDefinitions,
				},
			},
			{
				ClauseID: "8.7", Name: "Delay Damages",
				Description: "Liquidated damages rate and cap for delayed completion.",
				Priority:    PriorityCritical,
				RequiredSkills: []string{
					skill.SkillGetClauseContext,
				},
				SuggestedSkills: []string{
					skill.SkillFindCrossReferences,
					skill.SkillCompareBaseline,
				},
			},
			{
				ClauseID: "17.6", Name: "Limitation of Liability",
				Description: "Aggregate liability cap and carve-outs.",
				Priority:    PriorityCritical,
				RequiredSkills: []string{
					skill.SkillGetClauseContext,
				},
				SuggestedSkills: []string{
					skill.SkillLookupDefinitions,
					skill.SkillCompareBaseline,
				},
			},
		},
	}
}

func generalDomain() *Plugin {
	return &Plugin{
		ID:   "general",
		Name: "General Commercial Contracts",
		ParserConfig: clausetree.Config{
			MaxDepth: 3,
		},
		SystemPrompt: generalPrompt,
		Checklist: []ChecklistItem{
			{
				ClauseID: "1", Name: "Whole Document",
				Description: "Full-document risk scan when no domain structure is configured.",
				Priority:    PriorityMedium,
				RequiredSkills: []string{
					skill.SkillGetClauseContext,
				},
				SuggestedSkills: []string{
					skill.SkillLookupDefinitions,
				},
			},
		},
	}
}
