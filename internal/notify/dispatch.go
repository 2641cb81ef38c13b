package notify

import (
	"github.com/sunshow/workgear/client/internal/event"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/notice"
)

// dispatch turns one push message into notices and bus signals
func (c *Channel) dispatch(env Envelope) {
	c.logger.Debugw("Push message received",
		"type", env.Type,
		"requirement_id", env.RequirementID,
		"test_point_id", env.TestPointID,
		"thread_id", env.ThreadID,
	)

	n := c.cfg.Notices
	bus := c.cfg.Bus

	switch env.Type {
	case TypeTestPointsGenerated:
		n.Report(notice.Key(event.ScopeRequirement, env.RequirementID), notice.LevelSuccess,
			messageOr(env, "Test points generated"))
		bus.Publish(&event.Signal{
			Type:      event.TypeTestPointsUpdated,
			Scope:     event.ScopeRequirement,
			SubjectID: env.RequirementID,
			Message:   env.Message,
			Data:      map[string]any{"count": env.Count},
		})

	case TypeTestPointsFailed:
		n.Report(notice.Key(event.ScopeRequirement, env.RequirementID), notice.LevelError,
			messageOr(env, "Test point generation failed"))
		bus.Publish(&event.Signal{
			Type:      event.TypeTestPointsFailed,
			Scope:     event.ScopeRequirement,
			SubjectID: env.RequirementID,
			Message:   firstNonEmpty(env.Error, env.Message),
		})

	case TypeTestCasesGenerated:
		n.Report(notice.Key(event.ScopeTestPoint, env.TestPointID), notice.LevelSuccess,
			messageOr(env, "Test cases generated"))
		bus.Publish(&event.Signal{
			Type:      event.TypeTestCasesUpdated,
			Scope:     event.ScopeTestPoint,
			SubjectID: env.TestPointID,
			Message:   env.Message,
			Data:      map[string]any{"count": env.Count},
		})

	case TypeWorkflowStarted:
		n.Show(notice.LevelInfo, messageOr(env, "Workflow started"))
		c.publishWorkflow(env, model.StatusProcessing)

	case TypeWorkflowNeedReview:
		n.Report(notice.Key(event.ScopeWorkflow, env.ThreadID, "review"), notice.LevelInfo,
			messageOr(env, "Generated data is waiting for review"))
		c.publishWorkflow(env, model.StatusReviewing)

	case TypeWorkflowFailed, TypeWorkflowError:
		n.Once(notice.Key(event.ScopeWorkflow, env.ThreadID), notice.LevelError,
			messageOr(env, "Workflow failed"))
		c.publishWorkflow(env, model.StatusFailed)

	case TypeProgress:
		if env.Message != "" {
			n.Show(notice.LevelInfo, env.Message)
		}
		if env.ThreadID != "" {
			c.publishWorkflow(env, "")
		}
		bus.Publish(&event.Signal{
			Type:      event.TypeProgress,
			Scope:     event.ScopeTaskType,
			SubjectID: env.TaskType,
			Message:   env.Message,
			Data:      map[string]any{"progress": env.Progress},
		})

	default:
		c.logger.Warnw("Ignoring unknown push message type", "type", env.Type)
	}
}

func (c *Channel) publishWorkflow(env Envelope, status model.Status) {
	if env.ThreadID == "" {
		c.logger.Warnw("Workflow push message without thread id", "type", env.Type)
		return
	}
	u := &model.Update{
		CorrelationKey: env.ThreadID,
		Status:         status,
		Progress:       env.Progress,
		Interrupt:      env.Interrupt,
		Message:        env.Message,
		Source:         model.SourcePush,
	}
	if status == model.StatusFailed {
		u.Error = firstNonEmpty(env.Error, env.Message)
	}
	c.cfg.Bus.Publish(&event.Signal{
		Type:      event.TypeWorkflowUpdated,
		Scope:     event.ScopeWorkflow,
		SubjectID: env.ThreadID,
		Message:   env.Message,
		Update:    u,
	})
}

func messageOr(env Envelope, fallback string) string {
	if env.Message != "" {
		return env.Message
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
