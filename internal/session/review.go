package session

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/edit"
	"github.com/sunshow/workgear/client/internal/model"
)

// ReviewDesk holds the corrections a user makes to the rows of a review
// checkpoint before deciding on them. Rows are addressed by their index.
type ReviewDesk struct {
	view    *TaskView
	tracker *edit.Tracker
}

func newReviewDesk(v *TaskView, interrupt *model.Interrupt, logger *zap.SugaredLogger) *ReviewDesk {
	records := make([]model.Record, len(interrupt.GeneratedBody))
	for i, row := range interrupt.GeneratedBody {
		records[i] = model.Record{ID: strconv.Itoa(i), Fields: row}
	}
	t := edit.New(edit.Config{
		SubjectID: v.machine.Task().CorrelationKey,
		Logger:    logger,
	})
	t.Reset(records)
	return &ReviewDesk{view: v, tracker: t}
}

// SetField corrects one field of row i
func (d *ReviewDesk) SetField(i int, field string, value any) error {
	return d.tracker.SetField(strconv.Itoa(i), field, value)
}

// Rows returns the rows with corrections applied
func (d *ReviewDesk) Rows() []map[string]any {
	records := d.tracker.Records()
	rows := make([]map[string]any, len(records))
	for i, r := range records {
		rows[i] = r.Fields
	}
	return rows
}

// Dirty reports whether any correction is pending
func (d *ReviewDesk) Dirty() bool { return d.tracker.Dirty() }

// DirtyFields returns the corrected fields of row i
func (d *ReviewDesk) DirtyFields(i int) []string {
	return d.tracker.DirtyFields(strconv.Itoa(i))
}

// Approve resumes the task. Without corrections the rows are approved as
// generated, otherwise the corrected rows are sent as a modification.
func (d *ReviewDesk) Approve(ctx context.Context, feedback string) error {
	decision := model.ReviewDecision{Verdict: model.VerdictApproved, Feedback: feedback}
	if d.tracker.Dirty() {
		decision.Verdict = model.VerdictModified
		decision.CorrectedBody = d.Rows()
	}
	if err := d.view.submit(ctx, decision); err != nil {
		return fmt.Errorf("approve review: %w", err)
	}
	d.tracker.Reset(nil)
	return nil
}

// Reject resumes the task with a rejection, which regenerates the rows.
// Pending corrections are never sent; when there are any, the caller must
// acknowledge that they will be lost.
func (d *ReviewDesk) Reject(ctx context.Context, feedback string, acknowledgeDiscard bool) error {
	if d.tracker.Dirty() && !acknowledgeDiscard {
		return fmt.Errorf("reject review: %w", model.ErrDiscardNotAcknowledged)
	}
	decision := model.ReviewDecision{Verdict: model.VerdictRejected, Feedback: feedback}
	if err := d.view.submit(ctx, decision); err != nil {
		return fmt.Errorf("reject review: %w", err)
	}
	d.tracker.Reset(nil)
	return nil
}
