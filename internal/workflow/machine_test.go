package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/notice"
	"github.com/sunshow/workgear/client/internal/workflow"
)

type fakeResumer struct {
	mu        sync.Mutex
	decisions []model.ReviewDecision
	update    model.Update
	err       error
	block     chan struct{}
}

func (r *fakeResumer) Resume(ctx context.Context, _ string, d model.ReviewDecision) (model.Update, error) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.Update{}, ctx.Err()
		}
	}
	return r.update, r.err
}

func (r *fakeResumer) calls() []model.ReviewDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ReviewDecision(nil), r.decisions...)
}

func newMachine(t *testing.T, status model.Status, r workflow.Resumer) (*workflow.Machine, *notice.Recorder) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	rec := notice.NewRecorder(nil)
	m, err := workflow.New(workflow.Config{
		Task:    model.WorkflowTask{ID: "1", CorrelationKey: "t1", Kind: model.KindAutomationCase, Status: status},
		Resumer: r,
		Notices: notice.NewCenter(logger, rec),
		Logger:  logger,
	})
	require.NoError(t, err)
	return m, rec
}

func reviewUpdate(src model.Source) model.Update {
	return model.Update{
		Status:    model.StatusReviewing,
		Progress:  model.Percent(80),
		Interrupt: &model.Interrupt{GeneratedBody: []map[string]any{{"name": "a"}, {"name": "b"}, {"name": "c"}}},
		Source:    src,
	}
}

func TestPushAndPollConverge(t *testing.T) {
	m, rec := newMachine(t, model.StatusPending, nil)
	m.Begin("Generating")
	assert.True(t, m.Busy())

	m.Observe(model.Update{Status: model.StatusProcessing, Progress: model.Percent(10), Source: model.SourcePush})
	m.Observe(model.Update{Status: model.StatusPending, Source: model.SourcePoll})
	m.Observe(model.Update{Status: model.StatusProcessing, Progress: model.Percent(40), Source: model.SourcePoll})
	assert.Equal(t, 40, m.Task().Progress)

	tr := m.Observe(reviewUpdate(model.SourcePoll))
	assert.True(t, tr.Entered(model.StatusReviewing))
	m.Observe(reviewUpdate(model.SourcePush))
	assert.False(t, m.Busy())
	assert.Len(t, m.Task().Interrupt.GeneratedBody, 3)

	assert.Equal(t, 1, rec.Count(notice.LevelInfo))
}

func TestTerminalNoticeFiresOnce(t *testing.T) {
	m, rec := newMachine(t, model.StatusProcessing, nil)
	m.Begin("Generating")

	m.Observe(model.Update{Status: model.StatusCompleted, Source: model.SourcePoll})
	m.Observe(model.Update{Status: model.StatusCompleted, Source: model.SourcePush})
	m.Observe(model.Update{Status: model.StatusFailed, Error: "late", Source: model.SourcePush})

	assert.Equal(t, model.StatusCompleted, m.Task().Status)
	assert.Equal(t, 1, rec.Count(notice.LevelSuccess))
	assert.Equal(t, 0, rec.Count(notice.LevelError))
	assert.False(t, m.Busy())
	assert.False(t, rec.Loading(m.TerminalKey()+"/loading"))
}

func TestListenersSeeAppliedTransitions(t *testing.T) {
	m, _ := newMachine(t, model.StatusPending, nil)

	var seen []model.Status
	cancel := m.OnTransition(func(tr workflow.Transition) { seen = append(seen, tr.Next.Status) })

	m.Observe(model.Update{Status: model.StatusProcessing})
	m.Observe(model.Update{Status: model.StatusPending})
	m.Observe(model.Update{Status: model.StatusCompleted})
	cancel()
	m.Observe(model.Update{Status: model.StatusCompleted, Result: []byte(`{}`)})

	assert.Equal(t, []model.Status{model.StatusProcessing, model.StatusCompleted}, seen)
}

func TestSubmitReview(t *testing.T) {
	r := &fakeResumer{update: model.Update{Status: model.StatusProcessing, Progress: model.Percent(90)}}
	m, rec := newMachine(t, model.StatusProcessing, r)
	m.Observe(reviewUpdate(model.SourcePush))

	err := m.SubmitReview(context.Background(), model.ReviewDecision{Verdict: model.VerdictApproved})
	require.NoError(t, err)

	task := m.Task()
	assert.Equal(t, model.StatusProcessing, task.Status)
	assert.Equal(t, 90, task.Progress)
	assert.Nil(t, task.Interrupt)
	assert.True(t, m.Busy())
	require.Len(t, r.calls(), 1)
	assert.Equal(t, model.VerdictApproved, r.calls()[0].Verdict)

	// A second checkpoint with regenerated rows notifies again.
	second := reviewUpdate(model.SourcePush)
	second.Interrupt = &model.Interrupt{GeneratedBody: []map[string]any{{"name": "d"}}}
	m.Observe(second)
	assert.Equal(t, model.StatusReviewing, m.Task().Status)
	assert.Equal(t, 2, rec.Count(notice.LevelInfo)-countMessages(rec, "Review submitted"))
}

func TestLateReviewPushAfterResumeIsIgnored(t *testing.T) {
	r := &fakeResumer{update: model.Update{Status: model.StatusProcessing}}
	m, _ := newMachine(t, model.StatusProcessing, r)
	m.Observe(reviewUpdate(model.SourcePush))
	require.NoError(t, m.SubmitReview(context.Background(), model.ReviewDecision{Verdict: model.VerdictApproved}))

	tests := map[string]model.Update{
		"Same checkpoint again.":   reviewUpdate(model.SourcePush),
		"Checkpoint without rows.": {Status: model.StatusReviewing, Source: model.SourcePush},
	}
	for name, u := range tests {
		t.Run(name, func(t *testing.T) {
			tr := m.Observe(u)
			assert.False(t, tr.Applied)
			assert.Equal(t, model.StatusProcessing, m.Task().Status)
			assert.True(t, m.Busy())
		})
	}

	tr := m.Observe(model.Update{Status: model.StatusCompleted, Source: model.SourcePoll})
	assert.True(t, tr.Entered(model.StatusCompleted))
}

func TestPolledReviewAfterResumeIsApplied(t *testing.T) {
	r := &fakeResumer{update: model.Update{Status: model.StatusProcessing}}
	m, _ := newMachine(t, model.StatusProcessing, r)
	m.Observe(reviewUpdate(model.SourcePush))
	require.NoError(t, m.SubmitReview(context.Background(), model.ReviewDecision{Verdict: model.VerdictRejected}))

	// the engine regenerated the same rows
	tr := m.Observe(reviewUpdate(model.SourcePoll))
	assert.True(t, tr.Entered(model.StatusReviewing))
	assert.NotNil(t, m.Task().Interrupt)
}

func TestSubmitReviewRollsBackOnError(t *testing.T) {
	boom := errors.New("503 service unavailable")
	r := &fakeResumer{err: boom}
	m, rec := newMachine(t, model.StatusProcessing, r)
	m.Observe(reviewUpdate(model.SourcePush))

	var statuses []model.Status
	m.OnTransition(func(tr workflow.Transition) { statuses = append(statuses, tr.Next.Status) })

	err := m.SubmitReview(context.Background(), model.ReviewDecision{
		Verdict:       model.VerdictModified,
		CorrectedBody: []map[string]any{{"name": "fixed"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	task := m.Task()
	assert.Equal(t, model.StatusReviewing, task.Status)
	require.NotNil(t, task.Interrupt)
	assert.Len(t, task.Interrupt.GeneratedBody, 3)
	assert.False(t, m.Busy())
	assert.Equal(t, []model.Status{model.StatusProcessing, model.StatusReviewing}, statuses)
	assert.Equal(t, 1, rec.Count(notice.LevelError))

	// The task can be reviewed again after the rollback.
	r.err = nil
	r.update = model.Update{Status: model.StatusProcessing}
	require.NoError(t, m.SubmitReview(context.Background(), model.ReviewDecision{Verdict: model.VerdictApproved}))
}

func TestSubmitReviewRequiresReviewing(t *testing.T) {
	m, _ := newMachine(t, model.StatusProcessing, &fakeResumer{})
	err := m.SubmitReview(context.Background(), model.ReviewDecision{Verdict: model.VerdictApproved})
	assert.ErrorIs(t, err, model.ErrNotReviewing)
}

func TestSubmitReviewInFlight(t *testing.T) {
	r := &fakeResumer{block: make(chan struct{}), update: model.Update{Status: model.StatusProcessing}}
	m, _ := newMachine(t, model.StatusProcessing, r)
	m.Observe(reviewUpdate(model.SourcePush))

	done := make(chan error, 1)
	go func() {
		done <- m.SubmitReview(context.Background(), model.ReviewDecision{Verdict: model.VerdictApproved})
	}()
	require.Eventually(t, func() bool { return len(r.calls()) == 1 }, time.Second, time.Millisecond)

	// The optimistic move already left reviewing.
	err := m.SubmitReview(context.Background(), model.ReviewDecision{Verdict: model.VerdictApproved})
	assert.ErrorIs(t, err, model.ErrNotReviewing)

	close(r.block)
	require.NoError(t, <-done)
	assert.Len(t, r.calls(), 1)
}

func TestRejectDropsCorrectedBody(t *testing.T) {
	r := &fakeResumer{update: model.Update{Status: model.StatusProcessing}}
	m, _ := newMachine(t, model.StatusProcessing, r)
	m.Observe(reviewUpdate(model.SourcePush))

	err := m.SubmitReview(context.Background(), model.ReviewDecision{
		Verdict:       model.VerdictRejected,
		CorrectedBody: []map[string]any{{"name": "fixed"}},
		Feedback:      "wrong module",
	})
	require.NoError(t, err)
	require.Len(t, r.calls(), 1)
	assert.Nil(t, r.calls()[0].CorrectedBody)
	assert.Equal(t, "wrong module", r.calls()[0].Feedback)
}

func TestGiveUpIsNotFailure(t *testing.T) {
	m, rec := newMachine(t, model.StatusProcessing, nil)
	m.Begin("Generating")

	var gaveUp int
	m.OnTransition(func(tr workflow.Transition) {
		if tr.GaveUp {
			gaveUp++
		}
	})

	m.GiveUp()
	m.GiveUp()
	assert.True(t, m.StoppedWaiting())
	assert.False(t, m.Busy())
	assert.Equal(t, model.StatusProcessing, m.Task().Status)
	assert.Equal(t, 1, rec.Count(notice.LevelWarning))
	assert.Equal(t, 0, rec.Count(notice.LevelError))
	assert.Equal(t, 1, gaveUp)

	m.Observe(model.Update{Status: model.StatusCompleted, Source: model.SourcePush})
	assert.False(t, m.StoppedWaiting())
	assert.Equal(t, 1, rec.Count(notice.LevelSuccess))
}

func countMessages(rec *notice.Recorder, msg string) int {
	n := 0
	for _, x := range rec.Notices() {
		if x.Message == msg {
			n++
		}
	}
	return n
}
