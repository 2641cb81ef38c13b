package workflow

import (
	"github.com/google/go-cmp/cmp"

	"github.com/sunshow/workgear/client/internal/model"
)

// Merge folds one observation into task and reports whether anything changed.
// It is idempotent and never mutates its inputs. The rules:
//   - a terminal status is sticky; a later observation of the same terminal
//     status may refresh payload fields, any other status is ignored
//   - the status never moves down the lattice (pending after processing is stale)
//   - processing and reviewing replace each other, last observed wins
//   - progress never goes backwards within one processing stint
//   - an interrupt only lives while the task is reviewing
func Merge(task model.WorkflowTask, u model.Update) (model.WorkflowTask, bool) {
	status := u.Status
	if status == "" {
		status = task.Status
	}
	if !status.Valid() {
		return task, false
	}

	next := task.Clone()
	if next.ID == "" {
		next.ID = u.TaskID
	}
	if next.CorrelationKey == "" {
		next.CorrelationKey = u.CorrelationKey
	}

	switch {
	case task.Status.Terminal():
		if status != task.Status {
			return task, false
		}
		applyPayload(&next, u)

	case status.Rank() < task.Status.Rank():
		return task, false

	default:
		next.Status = status
		if u.Progress != nil {
			p := clamp(*u.Progress)
			if !(task.Status == model.StatusProcessing && status == model.StatusProcessing && p < task.Progress) {
				next.Progress = p
			}
		}
		if status == model.StatusCompleted && u.Progress == nil {
			next.Progress = 100
		}
		if u.StepLabel != "" {
			next.StepLabel = u.StepLabel
		}
		switch {
		case status != model.StatusReviewing:
			next.Interrupt = nil
		case u.Interrupt != nil:
			next.Interrupt = u.Interrupt.Clone()
		}
		applyPayload(&next, u)
	}

	if cmp.Equal(task, next) {
		return task, false
	}
	return next, true
}

func applyPayload(t *model.WorkflowTask, u model.Update) {
	if len(u.Result) > 0 {
		t.Result = append([]byte(nil), u.Result...)
	}
	if u.Error != "" {
		t.Error = u.Error
	}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
