package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/event"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/poller"
	"github.com/sunshow/workgear/client/internal/workflow"
)

// TaskView follows one workflow task. Push signals and polls both feed its
// machine; the poller only runs while the task is outstanding and not
// waiting for review.
type TaskView struct {
	s       *Session
	logger  *zap.SugaredLogger
	machine *workflow.Machine
	poller  *poller.Poller

	unsubscribe func()
	unlisten    func()

	mu      sync.Mutex
	changed chan struct{}
	closed  bool
}

func (s *Session) openTask(task model.WorkflowTask) (*TaskView, error) {
	machine, err := workflow.New(workflow.Config{
		Task:    task,
		Scope:   event.ScopeWorkflow,
		Label:   "Workflow",
		Resumer: s.cfg.Gateway,
		Notices: s.notices,
		Logger:  s.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create task machine: %w", err)
	}

	v := &TaskView{
		s:       s,
		logger:  s.logger.With("thread_id", task.CorrelationKey),
		machine: machine,
		changed: make(chan struct{}),
	}
	v.poller, err = poller.New(poller.Config{
		Fetcher:        s.cfg.Gateway,
		Sink:           taskSink{v},
		Clock:          s.cfg.Clock,
		Interval:       s.cfg.TaskPollInterval,
		SafetyTimeout:  s.cfg.TaskPollSafety,
		RequestTimeout: s.cfg.RequestTimeout,
		Logger:         s.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create task poller: %w", err)
	}
	if err := s.track(v); err != nil {
		return nil, err
	}

	v.unlisten = machine.OnTransition(v.onTransition)
	v.unsubscribe = s.bus.Subscribe(event.Channel(event.ScopeWorkflow, task.CorrelationKey), v.onSignal)

	if !task.Status.Terminal() {
		machine.Begin("Generating, please wait")
		if task.Status != model.StatusReviewing {
			v.poller.Start(task.Ref(), 0, 0)
		}
	}
	return v, nil
}

// Task returns the current state of the task
func (v *TaskView) Task() model.WorkflowTask { return v.machine.Task() }

// Machine returns the task's state machine
func (v *TaskView) Machine() *workflow.Machine { return v.machine }

// Polling reports whether the fallback poller is running
func (v *TaskView) Polling() bool { return v.poller.Running() }

// Settled reports whether the task needs nothing more from the engine for now:
// it finished, waits for review or the client stopped waiting.
func (v *TaskView) Settled() bool {
	return settled(v.machine.Task(), v.machine.StoppedWaiting())
}

func settled(task model.WorkflowTask, stoppedWaiting bool) bool {
	return task.Status.Terminal() || task.Status == model.StatusReviewing || stoppedWaiting
}

// WaitSettled blocks until the task settles or ctx ends
func (v *TaskView) WaitSettled(ctx context.Context) (model.WorkflowTask, error) {
	for {
		v.mu.Lock()
		ch := v.changed
		v.mu.Unlock()

		task := v.machine.Task()
		if settled(task, v.machine.StoppedWaiting()) {
			return task, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return task, fmt.Errorf("wait for task %s: %w", task.CorrelationKey, ctx.Err())
		}
	}
}

// Review opens a review desk over the rows the task is waiting on
func (v *TaskView) Review() (*ReviewDesk, error) {
	task := v.machine.Task()
	if task.Status != model.StatusReviewing || task.Interrupt == nil {
		return nil, fmt.Errorf("review task %s: %w", task.CorrelationKey, model.ErrNotReviewing)
	}
	return newReviewDesk(v, task.Interrupt, v.s.cfg.Logger), nil
}

// Close stops polling and drops the view's subscriptions
func (v *TaskView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.unsubscribe()
	v.unlisten()
	v.poller.Stop()
	v.s.untrack(v)
	v.logger.Debugw("Task view closed")
}

func (v *TaskView) submit(ctx context.Context, d model.ReviewDecision) error {
	if err := v.machine.SubmitReview(ctx, d); err != nil {
		return err
	}
	v.ensurePolling()
	return nil
}

// ensurePolling restarts the poller once a resumed task is outstanding again
func (v *TaskView) ensurePolling() {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return
	}

	task := v.machine.Task()
	if settled(task, false) || v.poller.Running() {
		return
	}
	v.poller.Start(task.Ref(), 0, 0)
}

func (v *TaskView) onSignal(sig *event.Signal) {
	if sig.Type != event.TypeWorkflowUpdated || sig.Update == nil {
		return
	}
	u := *sig.Update
	u.Interrupt = sig.Update.Interrupt.Clone()
	v.machine.Observe(u)
}

func (v *TaskView) onTransition(t workflow.Transition) {
	switch {
	case t.GaveUp:
	case t.Next.Status.Terminal(), t.Next.Status == model.StatusReviewing:
		v.poller.Stop()
	case t.Source != model.SourceLocal:
		v.ensurePolling()
	}
	v.broadcast()
}

func (v *TaskView) broadcast() {
	v.mu.Lock()
	defer v.mu.Unlock()
	close(v.changed)
	v.changed = make(chan struct{})
}

// taskSink feeds polled updates into the view's machine
type taskSink struct {
	v *TaskView
}

func (s taskSink) Observe(u model.Update) bool {
	s.v.machine.Observe(u)
	return settled(s.v.machine.Task(), false)
}

func (s taskSink) TimedOut(model.TaskRef) {
	s.v.machine.GiveUp()
}
