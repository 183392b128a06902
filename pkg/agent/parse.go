package agent

import (
	"encoding/json"
	"strings"
)

// ParseFindings extracts risk findings from final assistant text. The
// parser is tolerant: code fences are stripped, the array may be embedded
// in prose or nested under a "risks" key, and anything unparseable is
// zero findings, never an error.
func ParseFindings(text string) []RiskPoint {
	text = stripCodeFences(text)

	// Bare array, possibly surrounded by prose.
	if start := strings.Index(text, "["); start >= 0 {
		if end := strings.LastIndex(text, "]"); end > start {
			var risks []RiskPoint
			if err := json.Unmarshal([]byte(text[start:end+1]), &risks); err == nil {
				return normalize(risks)
			}
		}
	}

	// Object form: {"risks": [...]}.
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			var wrapper struct {
				Risks []RiskPoint `json:"risks"`
			}
			if err := json.Unmarshal([]byte(text[start:end+1]), &wrapper); err == nil {
				return normalize(wrapper.Risks)
			}
		}
	}

	return nil
}

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// Language tag on the fence line.
	if i := strings.Index(text, "\n"); i >= 0 {
		text = text[i+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// normalize drops entries with no usable content and lowercases levels so
// downstream comparisons are exact.
func normalize(risks []RiskPoint) []RiskPoint {
	out := risks[:0]
	for _, r := range risks {
		if r.Description == "" && r.OriginalText == "" {
			continue
		}
		r.Level = strings.ToLower(strings.TrimSpace(r.Level))
		switch r.Level {
		case RiskHigh, RiskMedium, RiskLow:
		default:
			r.Level = RiskLow
		}
		out = append(out, r)
	}
	return out
}
