package clausetree

import (
	"regexp"
	"strings"
)

// Definition extraction is hybrid: regex first, then model-supplemented.
// The regex pass runs here; model results are merged afterwards via
// MergeDefinitions and can only add terms, never overwrite.

var definitionPatterns = []*regexp.Regexp{
	// "Advance Payment" means the sum specified in ...
	regexp.MustCompile(`[“"]([^”"]+)[”"]\s+(?:shall\s+)?means?\s+(.+?)(?:\.|;|$)`),
	// Advance Payment: the sum specified in ...
	regexp.MustCompile(`^([A-Z][A-Za-z0-9 /-]{1,60}?):\s+(.+?)(?:\.|;|$)`),
}

// ExtractDefinitions runs the regex pass over the definitions section
// text. First occurrence of a term wins within the pass.
func ExtractDefinitions(sectionText string) map[string]string {
	defs := make(map[string]string)
	for _, line := range strings.Split(sectionText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, re := range definitionPatterns {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			term := strings.TrimSpace(m[1])
			body := strings.TrimSpace(m[2])
			if term == "" || body == "" {
				continue
			}
			if _, ok := defs[term]; !ok {
				defs[term] = body
			}
			break
		}
	}
	return defs
}

// MergeDefinitions folds model-supplemented definitions into the regex
// results. A term already present is kept as-is: regex extraction is
// authoritative.
func MergeDefinitions(regexDefs, modelDefs map[string]string) map[string]string {
	out := make(map[string]string, len(regexDefs)+len(modelDefs))
	for term, body := range regexDefs {
		out[term] = body
	}
	for term, body := range modelDefs {
		term = strings.TrimSpace(term)
		body = strings.TrimSpace(body)
		if term == "" || body == "" {
			continue
		}
		if _, ok := out[term]; !ok {
			out[term] = body
		}
	}
	return out
}
