package review

// ApplyDecision records one approval decision on the state. It is called
// on the task goroutine while the graph is suspended. Decisions for
// unknown diff ids are refused.
func (s *GraphState) ApplyDecision(diffID, decision, feedback string) bool {
	if decision != DecisionApprove && decision != DecisionReject {
		return false
	}
	for _, d := range s.PendingDiffs {
		if d.DiffID != diffID {
			continue
		}
		if s.UserDecisions == nil {
			s.UserDecisions = make(map[string]string)
		}
		s.UserDecisions[diffID] = decision
		if feedback != "" {
			if s.UserFeedback == nil {
				s.UserFeedback = make(map[string]string)
			}
			s.UserFeedback[diffID] = feedback
		}
		return true
	}
	return false
}

// ValidateDecisions checks approval completeness: resume may proceed only
// when every pending diff has a decision. An empty pending list is
// trivially valid.
func (s *GraphState) ValidateDecisions() error {
	var missing []string
	for _, d := range s.PendingDiffs {
		if _, ok := s.UserDecisions[d.DiffID]; !ok {
			missing = append(missing, d.DiffID)
		}
	}
	if len(missing) > 0 {
		return &DecisionsIncompleteError{MissingDiffIDs: missing}
	}
	return nil
}

// applyDecisions stamps decision statuses onto the pending diffs.
func applyDecisions(diffs []DocumentDiff, decisions map[string]string) {
	for i := range diffs {
		switch decisions[diffs[i].DiffID] {
		case DecisionApprove:
			diffs[i].Status = DiffApproved
		case DecisionReject:
			diffs[i].Status = DiffRejected
		}
	}
}

// allRejected reports whether a non-empty decision round rejected every
// pending diff.
func allRejected(diffs []DocumentDiff, decisions map[string]string) bool {
	if len(diffs) == 0 {
		return false
	}
	for _, d := range diffs {
		if decisions[d.DiffID] != DecisionReject {
			return false
		}
	}
	return true
}
