package schema

// Validate checks the structural invariants of a pipeline state. A
// violation means a stage produced output it was not allowed to produce;
// it is fatal and never silently corrected.
func Validate(s *PipelineState) error {
	if s == nil {
		return NewError(ErrCodeValidation, "pipeline state is nil")
	}
	if s.WorkflowID == "" {
		return NewError(ErrCodeValidation, "workflow id is empty")
	}

	// Draft versions must be 1..N with no gaps.
	for i, d := range s.Drafts {
		if d.Version != i+1 {
			return NewErrorf(ErrCodeValidation,
				"draft versions must be contiguous from 1: index %d has version %d", i, d.Version)
		}
	}

	// Every draft after the first must reference the modify feedback that
	// triggered it.
	for i, d := range s.Drafts {
		if i == 0 {
			if d.FromFeedback != "" {
				return NewError(ErrCodeValidation, "draft version 1 must not reference feedback")
			}
			continue
		}
		if d.FromFeedback == "" {
			return NewErrorf(ErrCodeValidation, "draft version %d missing feedback reference", d.Version)
		}
		if fb := findFeedback(s.Feedback, d.FromFeedback); fb == nil || fb.Decision != DecisionModify {
			return NewErrorf(ErrCodeValidation,
				"draft version %d references feedback %q which is not a recorded modify decision", d.Version, d.FromFeedback)
		}
	}

	// Feedback must reference existing draft versions.
	for _, fb := range s.Feedback {
		if fb.DraftVersion < 1 || fb.DraftVersion > len(s.Drafts) {
			return NewErrorf(ErrCodeValidation,
				"feedback %s references unknown draft version %d", fb.ID, fb.DraftVersion)
		}
	}

	// A published post requires an existing draft and a status of published,
	// or approved while the confirmation is still being finalized.
	if s.Published != nil {
		if s.Status != WorkflowStatusPublished && s.Status != WorkflowStatusApproved {
			return NewErrorf(ErrCodeValidation,
				"published post present but workflow status is %s", s.Status)
		}
		if s.Published.DraftVersion < 1 || s.Published.DraftVersion > len(s.Drafts) {
			return NewErrorf(ErrCodeValidation,
				"published post references unknown draft version %d", s.Published.DraftVersion)
		}
	}
	if s.Status == WorkflowStatusPublished && s.Published == nil {
		return NewError(ErrCodeValidation, "workflow status is published but no published post recorded")
	}

	return nil
}

func findFeedback(records []Feedback, id string) *Feedback {
	for i := range records {
		if records[i].ID == id {
			return &records[i]
		}
	}
	return nil
}
