package clausetree

import (
	"fmt"
	"regexp"
	"strings"
)

// Config drives the structure parser. ClausePattern must anchor to line
// start and capture the clause id in group 1; a second group, when
// present, is taken as the title.
type Config struct {
	ClausePattern          string   `json:"clause_pattern,omitempty"`
	MaxDepth               int      `json:"max_depth,omitempty"`
	DefinitionsSectionID   string   `json:"definitions_section_id,omitempty"`
	CrossReferencePatterns []string `json:"cross_reference_patterns,omitempty"`
	StructureType          string   `json:"structure_type,omitempty"`
}

const (
	defaultMaxDepth = 5

	// A candidate pattern must label at least this share of non-empty
	// lines, and at least two lines, before it is trusted over the
	// single-clause fallback.
	fallbackMatchThreshold = 0.03
	fallbackMinMatches     = 2
)

// fallbackPatterns are tried, in order, when the configured pattern labels
// too little of the document. The one with the highest match ratio wins.
var fallbackPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"numbered-article", regexp.MustCompile(`^(?:Article|ARTICLE)\s+([IVXLC\d]+)[.:)\s]\s*(.*)$`)},
	{"chapter-numbered", regexp.MustCompile(`^(?:Chapter|CHAPTER)\s+(\d+)[.:)\s]\s*(.*)$`)},
	{"section-numbered", regexp.MustCompile(`^(?:Section|SECTION|§)\s*(\d+(?:\.\d+)*)[.:)\s]\s*(.*)$`)},
	{"generic-dotted", regexp.MustCompile(`^(\d+(?:\.\d+)*)[.)]?\s+(.*)$`)},
}

// Result is the full structure-parse output.
type Result struct {
	Tree        *Tree
	CrossRefs   map[string][]string
	Definitions map[string]string
	PatternUsed string
}

// Parse builds the clause tree from plain text. It prefers the configured
// pattern; when that labels too little of the document it auctions the
// built-in fallbacks and, failing those, returns a single-clause tree
// holding the whole text.
func Parse(text string, cfg Config) (*Result, error) {
	lines := strings.Split(text, "\n")

	pattern, used, err := selectPattern(lines, cfg)
	if err != nil {
		return nil, err
	}

	var tree *Tree
	if pattern == nil {
		tree = singleClauseTree(text)
	} else {
		tree = buildTree(lines, pattern, maxDepth(cfg))
		if tree.Len() == 0 {
			tree = singleClauseTree(text)
			used = "single-clause"
		}
	}

	res := &Result{
		Tree:        tree,
		PatternUsed: used,
		CrossRefs:   extractCrossRefs(tree, cfg.CrossReferencePatterns),
		Definitions: map[string]string{},
	}
	if cfg.DefinitionsSectionID != "" {
		res.Definitions = ExtractDefinitions(tree.FullText(cfg.DefinitionsSectionID))
	}
	return res, nil
}

// selectPattern picks the heading pattern: the configured one when it
// clears the threshold, otherwise the best fallback, otherwise nil
// (single-clause).
func selectPattern(lines []string, cfg Config) (*regexp.Regexp, string, error) {
	if cfg.ClausePattern != "" {
		re, err := regexp.Compile(cfg.ClausePattern)
		if err != nil {
			return nil, "", fmt.Errorf("invalid clause_pattern: %w", err)
		}
		if matchRatio(lines, re) >= fallbackMatchThreshold && matchCount(lines, re) >= fallbackMinMatches {
			return re, "configured", nil
		}
	}

	var best *regexp.Regexp
	var bestName string
	var bestRatio float64
	for _, fb := range fallbackPatterns {
		ratio := matchRatio(lines, fb.pattern)
		if ratio > bestRatio && matchCount(lines, fb.pattern) >= fallbackMinMatches {
			best, bestName, bestRatio = fb.pattern, fb.name, ratio
		}
	}
	if best != nil && bestRatio >= fallbackMatchThreshold {
		return best, bestName, nil
	}
	return nil, "single-clause", nil
}

func matchCount(lines []string, re *regexp.Regexp) int {
	n := 0
	for _, line := range lines {
		if re.MatchString(strings.TrimRight(line, " \t\r")) {
			n++
		}
	}
	return n
}

func matchRatio(lines []string, re *regexp.Regexp) float64 {
	nonEmpty := 0
	matched := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		nonEmpty++
		if re.MatchString(trimmed) {
			matched++
		}
	}
	if nonEmpty == 0 {
		return 0
	}
	return float64(matched) / float64(nonEmpty)
}

// buildTree scans line by line, opening a clause per heading match and
// attaching body lines to the open clause. Hierarchy follows dotted-id
// depth, maintained as a stack of open ancestors. Character offsets into
// the source text are recorded as each clause opens and closed off when
// the next heading begins, so spans never overlap.
func buildTree(lines []string, re *regexp.Regexp, maxDepth int) *Tree {
	var roots []*Clause
	var stack []*Clause // open ancestors, shallowest first

	pos := 0
	for i, line := range lines {
		lineStart := pos
		pos += len(line)
		if i < len(lines)-1 {
			pos++ // the newline the split consumed
		}

		trimmed := strings.TrimRight(line, " \t\r")
		m := re.FindStringSubmatch(trimmed)
		if m == nil {
			if len(stack) > 0 {
				cur := stack[len(stack)-1]
				cur.Text += "\n" + trimmed
			}
			continue
		}

		id := m[1]
		title := ""
		if len(m) > 2 {
			title = strings.TrimSpace(m[2])
		}
		depth := clauseDepth(id)
		if depth > maxDepth {
			// Too deep for the tree: treat as body text of the open clause.
			if len(stack) > 0 {
				cur := stack[len(stack)-1]
				cur.Text += "\n" + trimmed
			}
			continue
		}

		// The open clause's own span ends where this heading begins.
		if len(stack) > 0 {
			stack[len(stack)-1].EndOffset = lineStart
		}

		clause := &Clause{
			ID:          id,
			Title:       title,
			Text:        trimmed,
			Depth:       depth,
			StartOffset: lineStart,
			EndOffset:   pos,
		}

		for len(stack) > 0 && stack[len(stack)-1].Depth >= depth {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, clause)
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, clause)
		}
		stack = append(stack, clause)
	}
	if len(stack) > 0 {
		stack[len(stack)-1].EndOffset = pos
	}

	return NewTree(roots)
}

// clauseDepth maps a dotted id to a 1-based depth: "14" is 1, "14.2" is 2.
func clauseDepth(id string) int {
	return strings.Count(id, ".") + 1
}

func singleClauseTree(text string) *Tree {
	return NewTree([]*Clause{{
		ID:        "1",
		Text:      strings.TrimSpace(text),
		Depth:     1,
		EndOffset: len(text),
	}})
}

func maxDepth(cfg Config) int {
	if cfg.MaxDepth > 0 {
		return cfg.MaxDepth
	}
	return defaultMaxDepth
}

// defaultCrossRefPatterns find intra-document references when the domain
// config supplies none. Group 1 must capture the referenced clause id.
var defaultCrossRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:clause|section|article)\s+(\d+(?:\.\d+)*)`),
	regexp.MustCompile(`(?i)\bparagraph\s+(\d+(?:\.\d+)*)`),
}

// extractCrossRefs scans each clause's own text (not descendants) for
// reference patterns and resolves the captures against the tree. Self
// references and unknown ids are dropped; each target appears once, in
// first-mention order.
func extractCrossRefs(tree *Tree, patterns []string) map[string][]string {
	res := defaultCrossRefPatterns
	if len(patterns) > 0 {
		res = make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				continue
			}
			res = append(res, re)
		}
	}

	refs := make(map[string][]string)
	for _, id := range tree.IDs() {
		clause := tree.Get(id)
		seen := map[string]bool{}
		for _, re := range res {
			for _, m := range re.FindAllStringSubmatch(clause.Text, -1) {
				if len(m) < 2 {
					continue
				}
				target := m[1]
				if target == id || seen[target] || tree.Get(target) == nil {
					continue
				}
				seen[target] = true
				refs[id] = append(refs[id], target)
			}
		}
	}
	return refs
}
