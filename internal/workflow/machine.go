package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/notice"
)

// Resumer sends a review decision to the engine
type Resumer interface {
	Resume(ctx context.Context, correlationKey string, d model.ReviewDecision) (model.Update, error)
}

// Transition is what one observation did to a task
type Transition struct {
	Prev    model.WorkflowTask
	Next    model.WorkflowTask
	Applied bool
	Source  model.Source
	GaveUp  bool
}

// Entered reports whether the transition moved the task into s
func (t Transition) Entered(s model.Status) bool {
	return t.Applied && t.Prev.Status != s && t.Next.Status == s
}

// Config configures a Machine
type Config struct {
	Task    model.WorkflowTask
	Scope   string // notice scope, e.g. "workflow" or "requirement"
	Label   string // human name of the task kind
	Resumer Resumer
	Notices *notice.Center
	Logger  *zap.SugaredLogger
}

func (c *Config) defaults() error {
	if c.Task.CorrelationKey == "" {
		return fmt.Errorf("task correlation key is required: %w", model.ErrNotValid)
	}
	if c.Task.Status == "" {
		c.Task.Status = model.StatusPending
	}
	if !c.Task.Status.Valid() {
		return fmt.Errorf("task status %q: %w", c.Task.Status, model.ErrNotValid)
	}
	if c.Notices == nil {
		return fmt.Errorf("notice center is required: %w", model.ErrNotValid)
	}
	if c.Scope == "" {
		c.Scope = "workflow"
	}
	if c.Label == "" {
		c.Label = "Workflow"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return nil
}

// Machine owns one task's state. Push messages, polls and resume responses
// all funnel through Observe, so the order they arrive in does not matter.
type Machine struct {
	cfg     Config
	logger  *zap.SugaredLogger
	notices *notice.Center

	mu             sync.Mutex
	task           model.WorkflowTask
	busy           bool
	finalized      bool
	stoppedWaiting bool
	submitting     bool
	resumed        bool
	answered       *model.Interrupt
	rev            uint64
	listeners      map[uint64]func(Transition)
	nextID         uint64
}

// New creates a machine for cfg.Task
func New(cfg Config) (*Machine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid workflow machine config: %w", err)
	}
	return &Machine{
		cfg:       cfg,
		logger:    cfg.Logger.With("thread_id", cfg.Task.CorrelationKey, "kind", cfg.Task.Kind),
		notices:   cfg.Notices,
		task:      cfg.Task.Clone(),
		finalized: cfg.Task.Status.Terminal(),
		listeners: make(map[uint64]func(Transition)),
	}, nil
}

// ─── Notice keys ───

// TerminalKey dedupes the completion or failure notice
func (m *Machine) TerminalKey() string {
	return notice.Key(m.cfg.Scope, m.cfg.Task.CorrelationKey)
}

// ReviewKey dedupes the waiting-for-review notice
func (m *Machine) ReviewKey() string {
	return notice.Key(m.cfg.Scope, m.cfg.Task.CorrelationKey, "review")
}

func (m *Machine) loadingKey() string {
	return notice.Key(m.cfg.Scope, m.cfg.Task.CorrelationKey, "loading")
}

func (m *Machine) timeoutKey() string {
	return notice.Key(m.cfg.Scope, m.cfg.Task.CorrelationKey, "timeout")
}

// ─── Accessors ───

// Task returns a copy of the current state
func (m *Machine) Task() model.WorkflowTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.task.Clone()
}

// Busy reports whether the client is waiting on the engine for this task
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// StoppedWaiting reports whether the client gave up waiting. The task may
// still finish on the server.
func (m *Machine) StoppedWaiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stoppedWaiting
}

// OnTransition registers fn for every applied transition and returns its cancel func
func (m *Machine) OnTransition(fn func(Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// ─── Transitions ───

// Begin marks the task as outstanding: it re-arms the outcome notices and
// shows a loading notice until the task settles.
func (m *Machine) Begin(message string) {
	m.mu.Lock()
	if m.task.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.busy = m.task.Status != model.StatusReviewing
	m.stoppedWaiting = false
	busy := m.busy
	m.mu.Unlock()

	m.notices.Arm(m.TerminalKey())
	m.notices.Arm(m.ReviewKey())
	m.notices.Arm(m.timeoutKey())
	if busy {
		m.notices.Loading(m.loadingKey(), message)
	}
}

// Observe merges u into the task, posts the notices the transition calls
// for and notifies listeners.
func (m *Machine) Observe(u model.Update) Transition {
	m.mu.Lock()
	prev := m.task
	if m.answeredLocked(u) {
		m.mu.Unlock()
		m.logger.Debugw("Ignored review push for an answered checkpoint", "current", prev.Status)
		return Transition{Prev: prev.Clone(), Next: prev.Clone(), Source: u.Source}
	}
	next, changed := Merge(prev, u)
	if changed {
		next.UpdatedAt = time.Now()
	}
	t := Transition{Prev: prev.Clone(), Next: next.Clone(), Applied: changed, Source: u.Source}
	if !changed {
		m.mu.Unlock()
		m.logger.Debugw("Ignored stale observation", "status", u.Status, "current", prev.Status, "source", u.Source)
		return t
	}

	m.task = next
	m.rev++
	m.stoppedWaiting = false
	if next.Status != model.StatusProcessing {
		m.resumed = false
		m.answered = nil
	}

	var effects []func()
	if prev.Status == model.StatusReviewing && next.Status != model.StatusReviewing {
		effects = append(effects, func() { m.notices.Arm(m.ReviewKey()) })
	}
	if t.Entered(model.StatusReviewing) {
		m.busy = false
		msg := messageOr(u.Message, m.cfg.Label+" is waiting for review")
		effects = append(effects, func() {
			m.notices.Dismiss(m.loadingKey())
			m.notices.Once(m.ReviewKey(), notice.LevelInfo, msg)
		})
	}
	if next.Status.Terminal() && !m.finalized {
		m.finalized = true
		m.busy = false
		level, msg := notice.LevelSuccess, messageOr(u.Message, m.cfg.Label+" completed")
		if next.Status == model.StatusFailed {
			level = notice.LevelError
			msg = messageOr(u.Message, m.cfg.Label+" failed")
			if next.Error != "" && u.Message == "" {
				msg += ": " + next.Error
			}
		}
		effects = append(effects, func() {
			m.notices.Dismiss(m.loadingKey())
			m.notices.Once(m.TerminalKey(), level, msg)
		})
	}
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Infow("Task transition", "from", prev.Status, "to", next.Status, "progress", next.Progress, "source", u.Source)
	for _, fn := range effects {
		fn()
	}
	for _, fn := range listeners {
		fn(t)
	}
	return t
}

// Abort clears the waiting state of a task whose start request failed
func (m *Machine) Abort() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
	m.notices.Dismiss(m.loadingKey())
}

// GiveUp records that the client stopped waiting. This is not a failure: a
// later observation can still complete the task.
func (m *Machine) GiveUp() {
	m.mu.Lock()
	if m.task.Status.Terminal() || m.stoppedWaiting {
		m.mu.Unlock()
		return
	}
	m.stoppedWaiting = true
	m.busy = false
	task := m.task.Clone()
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Warnw("Stopped waiting for task", "status", task.Status)
	m.notices.Dismiss(m.loadingKey())
	m.notices.Once(m.timeoutKey(), notice.LevelWarning,
		m.cfg.Label+" is taking longer than expected, stopped waiting. Refresh later to see the result")
	t := Transition{Prev: task, Next: task, GaveUp: true, Source: model.SourceLocal}
	for _, fn := range listeners {
		fn(t)
	}
}

// SubmitReview resumes a reviewing task with d. The task moves to processing
// right away and rolls back to reviewing if the engine rejects the submission.
func (m *Machine) SubmitReview(ctx context.Context, d model.ReviewDecision) error {
	if m.cfg.Resumer == nil {
		return fmt.Errorf("submit review: no resumer configured: %w", model.ErrNotValid)
	}
	if d.Verdict == model.VerdictRejected {
		d.CorrectedBody = nil
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("submit review: %w", err)
	}

	m.mu.Lock()
	ck := m.task.CorrelationKey
	if m.task.Status != model.StatusReviewing {
		m.mu.Unlock()
		return fmt.Errorf("submit review for %s: %w", ck, model.ErrNotReviewing)
	}
	if m.submitting {
		m.mu.Unlock()
		return fmt.Errorf("submit review for %s: %w", ck, model.ErrReviewInFlight)
	}
	m.submitting = true
	prev, prevBusy := m.task, m.busy
	optimistic := prev.Clone()
	optimistic.Status = model.StatusProcessing
	optimistic.Interrupt = nil
	m.task = optimistic
	m.busy = true
	m.resumed = true
	m.answered = prev.Interrupt.Clone()
	m.rev++
	rev := m.rev
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.notices.Arm(m.ReviewKey())
	m.notices.Loading(m.loadingKey(), "Submitting review")
	m.notify(listeners, Transition{Prev: prev.Clone(), Next: optimistic.Clone(), Applied: true, Source: model.SourceLocal})

	m.logger.Infow("Submitting review", "verdict", d.Verdict, "corrected_rows", len(d.CorrectedBody))
	u, err := m.cfg.Resumer.Resume(ctx, ck, d)

	m.mu.Lock()
	m.submitting = false
	if err != nil {
		m.resumed = false
		m.answered = nil
		rolledBack := m.rev == rev
		if rolledBack {
			m.task = prev
			m.busy = prevBusy
			m.rev++
		}
		listeners = m.snapshotListenersLocked()
		m.mu.Unlock()

		m.logger.Warnw("Review submission failed", "verdict", d.Verdict, "rolled_back", rolledBack, "error", err)
		m.notices.Dismiss(m.loadingKey())
		m.notices.Show(notice.LevelError, "Review submission failed: "+err.Error())
		if rolledBack {
			m.notify(listeners, Transition{Prev: optimistic.Clone(), Next: prev.Clone(), Applied: true, Source: model.SourceLocal})
		}
		return fmt.Errorf("resume %s: %w", ck, err)
	}
	m.mu.Unlock()

	m.notices.Show(notice.LevelInfo, "Review submitted")
	u.Source = model.SourceResume
	if u.CorrelationKey == "" {
		u.CorrelationKey = ck
	}
	m.Observe(u)
	return nil
}

// answeredLocked reports whether u is a pushed review request for the
// checkpoint that was last answered. Such a push can arrive after the resume
// and must not move the task back to reviewing. Polls and resume responses
// are authoritative and always merged.
func (m *Machine) answeredLocked(u model.Update) bool {
	if !m.resumed || u.Source != model.SourcePush || u.Status != model.StatusReviewing {
		return false
	}
	return u.Interrupt == nil || cmp.Equal(u.Interrupt, m.answered)
}

func (m *Machine) snapshotListenersLocked() []func(Transition) {
	out := make([]func(Transition), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func (m *Machine) notify(listeners []func(Transition), t Transition) {
	for _, fn := range listeners {
		fn(t)
	}
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
