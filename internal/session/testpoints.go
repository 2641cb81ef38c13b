package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/edit"
	"github.com/sunshow/workgear/client/internal/engine"
	"github.com/sunshow/workgear/client/internal/event"
	"github.com/sunshow/workgear/client/internal/history"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/notice"
	"github.com/sunshow/workgear/client/internal/poller"
	"github.com/sunshow/workgear/client/internal/workflow"
)

// TestPointsView is an editing surface over the test points of one
// requirement. Edits survive background refreshes, and a past version can
// be shown read-only.
type TestPointsView struct {
	s         *Session
	subjectID string
	logger    *zap.SugaredLogger
	tracker   *edit.Tracker
	selection *history.Selection
	poller    *poller.Poller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribe func()

	mu       sync.Mutex
	regen    *workflow.Machine
	unlisten func()
	baseline string
	closed   bool
}

// OpenTestPoints loads the test points and versions of a requirement
func (s *Session) OpenTestPoints(ctx context.Context, subjectID string) (*TestPointsView, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("requirement id is required: %w", model.ErrNotValid)
	}

	v := &TestPointsView{
		s:         s,
		subjectID: subjectID,
		logger:    s.logger.With("requirement_id", subjectID),
		selection: &history.Selection{},
	}
	v.tracker = edit.New(edit.Config{
		SubjectID: subjectID,
		Updater:   s.cfg.Gateway,
		Guard:     v.selection.Writable,
		Logger:    s.cfg.Logger,
	})

	var err error
	v.poller, err = poller.New(poller.Config{
		Fetcher:        regenFetcher{v},
		Sink:           regenSink{v},
		Clock:          s.cfg.Clock,
		Interval:       s.cfg.RegenPollInterval,
		SafetyTimeout:  s.cfg.RegenPollSafety,
		RequestTimeout: s.cfg.RequestTimeout,
		Logger:         s.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create regeneration poller: %w", err)
	}

	records, err := v.list(ctx)
	if err != nil {
		return nil, err
	}
	v.tracker.Reset(records)
	if err := v.refreshVersions(ctx); err != nil {
		return nil, err
	}

	if err := s.track(v); err != nil {
		return nil, err
	}
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.unsubscribe = s.bus.Subscribe(event.Channel(event.ScopeRequirement, subjectID), v.onSignal)
	return v, nil
}

// ─── Editing ───

// Tracker returns the view's edit tracker
func (v *TestPointsView) Tracker() *edit.Tracker { return v.tracker }

// SetField edits one field of a test point
func (v *TestPointsView) SetField(recordID, field string, value any) error {
	return v.tracker.SetField(recordID, field, value)
}

// Discard drops every pending edit
func (v *TestPointsView) Discard() error {
	return v.tracker.Discard()
}

// Commit saves the pending edits and reloads the list as their confirmation
func (v *TestPointsView) Commit(ctx context.Context) (edit.Receipt, error) {
	receipt, err := v.tracker.Commit(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrReadOnlyVersion) && !errors.Is(err, model.ErrCommitInFlight) {
			v.s.notices.Show(notice.LevelError, "Save failed: "+err.Error())
		}
		return receipt, err
	}
	if len(receipt.Updates) == 0 {
		return receipt, nil
	}
	v.s.notices.Show(notice.LevelSuccess, fmt.Sprintf("Saved %d changes", len(receipt.Updates)))

	records, err := v.list(ctx)
	if err != nil {
		v.logger.Warnw("Could not reload test points after save", "error", err)
		return receipt, nil
	}
	v.tracker.LoadConfirmed(records, receipt)
	return receipt, nil
}

// Refresh reloads test points and versions in the background sense: pending
// edits are kept.
func (v *TestPointsView) Refresh(ctx context.Context) error {
	records, err := v.list(ctx)
	if err != nil {
		return err
	}
	report := v.tracker.Load(records)
	v.logger.Debugw("Test points refreshed", "records", len(records), "reconciled", report.Reconciled, "orphaned", len(report.Orphaned))
	return v.refreshVersions(ctx)
}

// ─── Versions ───

// Versions returns the known versions, newest first
func (v *TestPointsView) Versions() []model.HistoryVersion { return v.selection.Versions() }

// SelectVersion shows version. "" or the latest version returns to the live list.
func (v *TestPointsView) SelectVersion(version string) error {
	return v.selection.Select(version)
}

// ReadOnly reports whether a past version is shown
func (v *TestPointsView) ReadOnly() bool { return v.selection.ReadOnly() }

// Snapshot returns the frozen records of version
func (v *TestPointsView) Snapshot(ctx context.Context, version string) (*model.HistorySnapshot, error) {
	return v.s.history.Snapshot(ctx, v.subjectID, version)
}

// Visible returns what the view shows: the selected past version, or the
// live records with pending edits applied.
func (v *TestPointsView) Visible(ctx context.Context) ([]model.Record, error) {
	if !v.selection.ReadOnly() {
		return v.tracker.Records(), nil
	}
	snap, err := v.Snapshot(ctx, v.selection.Selected())
	if err != nil {
		return nil, err
	}
	return snap.Records(), nil
}

// ─── Regeneration ───

// Regenerate asks the engine to generate the test points again with
// feedback. Without force, a requirement whose test points already have
// test cases fails with ErrRecordsInUse.
func (v *TestPointsView) Regenerate(ctx context.Context, feedback string, force bool) error {
	if err := v.selection.Writable(); err != nil {
		return err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return fmt.Errorf("regenerate %s: %w", v.subjectID, model.ErrChannelClosed)
	}
	if v.regen != nil && v.regen.Busy() {
		v.mu.Unlock()
		return fmt.Errorf("regenerate %s: %w", v.subjectID, model.ErrTaskInFlight)
	}
	machine, err := workflow.New(workflow.Config{
		Task: model.WorkflowTask{
			ID:             uuid.NewString(),
			CorrelationKey: v.subjectID,
			Kind:           model.KindTestPointGeneration,
			Status:         model.StatusProcessing,
		},
		Scope:   event.ScopeRequirement,
		Label:   "Test point generation",
		Notices: v.s.notices,
		Logger:  v.s.cfg.Logger,
	})
	if err != nil {
		v.mu.Unlock()
		return fmt.Errorf("could not create regeneration machine: %w", err)
	}
	if v.unlisten != nil {
		v.unlisten()
	}
	v.poller.Stop()
	v.regen = machine
	v.unlisten = machine.OnTransition(v.onRegenTransition)
	v.baseline = fingerprint(v.tracker.Snapshot())
	machine.Begin("Regenerating test points")
	v.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, v.s.cfg.RequestTimeout)
	defer cancel()
	err = v.s.cfg.Gateway.Regenerate(rctx, v.subjectID, engine.RegenerateRequest{Feedback: feedback, Force: force})
	if err != nil {
		machine.Abort()
		v.mu.Lock()
		if v.regen == machine {
			v.unlisten()
			v.regen, v.unlisten = nil, nil
		}
		v.mu.Unlock()
		if errors.Is(err, model.ErrRecordsInUse) {
			v.s.notices.Show(notice.LevelWarning, "Test points already have test cases, regenerate with force to replace them")
		} else {
			v.s.notices.Show(notice.LevelError, "Failed to regenerate test points: "+err.Error())
		}
		return fmt.Errorf("regenerate %s: %w", v.subjectID, err)
	}

	v.logger.Infow("Regeneration started", "task_id", machine.Task().ID, "force", force)
	v.poller.Start(machine.Task().Ref(), 0, 0)
	return nil
}

// Regeneration returns the state machine of the latest regeneration, nil before the first
func (v *TestPointsView) Regeneration() *workflow.Machine {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.regen
}

// Polling reports whether a regeneration is being polled
func (v *TestPointsView) Polling() bool { return v.poller.Running() }

// Close stops polling, drops subscriptions and waits for background refreshes
func (v *TestPointsView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unlisten := v.unlisten
	v.mu.Unlock()

	v.unsubscribe()
	if unlisten != nil {
		unlisten()
	}
	v.poller.Stop()
	v.cancel()
	v.wg.Wait()
	v.s.untrack(v)
}

func (v *TestPointsView) onSignal(sig *event.Signal) {
	switch sig.Type {
	case event.TypeTestPointsUpdated:
		v.refreshAsync()
		if m := v.awaited(); m != nil {
			m.Observe(model.Update{Status: model.StatusCompleted, Message: sig.Message, Source: model.SourcePush})
		}
	case event.TypeTestPointsFailed:
		if m := v.awaited(); m != nil {
			m.Observe(model.Update{Status: model.StatusFailed, Error: sig.Message, Message: sig.Message, Source: model.SourcePush})
		}
	}
}

func (v *TestPointsView) onRegenTransition(t workflow.Transition) {
	if !t.Next.Status.Terminal() {
		return
	}
	v.poller.Stop()
	if t.Next.Status == model.StatusCompleted && t.Source != model.SourcePush {
		v.refreshAsync()
	}
}

// awaited returns the regeneration machine while the client waits on it
func (v *TestPointsView) awaited() *workflow.Machine {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.regen == nil || v.regen.Task().Status.Terminal() {
		return nil
	}
	return v.regen
}

func (v *TestPointsView) refreshAsync() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(v.ctx, v.s.cfg.RequestTimeout)
		defer cancel()
		if err := v.Refresh(ctx); err != nil {
			v.logger.Warnw("Background refresh failed", "error", err)
		}
	}()
}

func (v *TestPointsView) list(ctx context.Context) ([]model.Record, error) {
	rctx, cancel := context.WithTimeout(ctx, v.s.cfg.RequestTimeout)
	defer cancel()
	records, err := v.s.cfg.Gateway.ListRecords(rctx, v.subjectID)
	if err != nil {
		return nil, fmt.Errorf("list test points of %s: %w", v.subjectID, err)
	}
	return records, nil
}

func (v *TestPointsView) refreshVersions(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, v.s.cfg.RequestTimeout)
	defer cancel()
	vs, err := v.s.history.ListVersions(rctx, v.subjectID)
	if err != nil {
		return err
	}
	v.selection.SetVersions(vs)
	return nil
}

func fingerprint(records []model.Record) string {
	b, err := json.Marshal(records)
	if err != nil {
		return ""
	}
	return string(b)
}

// regenFetcher reports a regeneration as completed once the test point list
// is non-empty and differs from what it was when the regeneration started.
type regenFetcher struct {
	v *TestPointsView
}

func (f regenFetcher) Fetch(ctx context.Context, _ model.TaskRef) (model.Update, error) {
	records, err := f.v.s.cfg.Gateway.ListRecords(ctx, f.v.subjectID)
	if err != nil {
		return model.Update{}, err
	}
	f.v.mu.Lock()
	baseline := f.v.baseline
	f.v.mu.Unlock()

	if len(records) > 0 && fingerprint(records) != baseline {
		return model.Update{Status: model.StatusCompleted}, nil
	}
	return model.Update{Status: model.StatusProcessing}, nil
}

type regenSink struct {
	v *TestPointsView
}

func (s regenSink) Observe(u model.Update) bool {
	m := s.v.awaited()
	if m == nil {
		return true
	}
	m.Observe(u)
	return m.Task().Status.Terminal()
}

func (s regenSink) TimedOut(model.TaskRef) {
	if m := s.v.awaited(); m != nil {
		m.GiveUp()
	}
}
