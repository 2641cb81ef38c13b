package model

import "fmt"

// Verdict is the human decision taken at a review checkpoint
type Verdict string

// Review verdicts
const (
	VerdictApproved Verdict = "approved"
	VerdictModified Verdict = "modified"
	VerdictRejected Verdict = "rejected"
)

// ReviewDecision is sent to the engine to resume an interrupted task.
type ReviewDecision struct {
	Verdict       Verdict          `json:"review_status"`
	CorrectedBody []map[string]any `json:"corrected_body,omitempty"`
	Feedback      string           `json:"feedback,omitempty"`
}

// Validate checks the decision is well formed.
func (d ReviewDecision) Validate() error {
	switch d.Verdict {
	case VerdictApproved, VerdictModified:
		return nil
	case VerdictRejected:
		if len(d.CorrectedBody) > 0 {
			return fmt.Errorf("rejected review must not carry corrected rows: %w", ErrNotValid)
		}
		return nil
	}
	return fmt.Errorf("unknown review verdict %q: %w", d.Verdict, ErrNotValid)
}
