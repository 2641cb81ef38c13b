package edit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sunshow/workgear/client/internal/edit"
	"github.com/sunshow/workgear/client/internal/model"
)

type fakeUpdater struct {
	mu      sync.Mutex
	batches [][]model.FieldUpdate
	err     error
	started chan struct{}
	block   chan struct{}
}

func (u *fakeUpdater) BulkUpdate(ctx context.Context, _ string, updates []model.FieldUpdate) error {
	u.mu.Lock()
	u.batches = append(u.batches, updates)
	started, block, err := u.started, u.block, u.err
	u.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (u *fakeUpdater) calls() [][]model.FieldUpdate {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]model.FieldUpdate(nil), u.batches...)
}

func records() []model.Record {
	return []model.Record{
		{ID: "1", Fields: map[string]any{"title": "Login works", "priority": "high", "notes": nil}},
		{ID: "2", Fields: map[string]any{"title": "Logout works", "priority": "low"}},
	}
}

func newTracker(t *testing.T, u edit.Updater, guard edit.Guard) *edit.Tracker {
	t.Helper()
	tr := edit.New(edit.Config{SubjectID: "42", Updater: u, Guard: guard, Logger: zaptest.NewLogger(t).Sugar()})
	tr.Reset(records())
	return tr
}

func TestSetFieldTracksOnlyRealChanges(t *testing.T) {
	tr := newTracker(t, nil, nil)

	require.NoError(t, tr.SetField("1", "title", "Login fails"))
	assert.True(t, tr.Dirty())
	assert.Equal(t, []string{"title"}, tr.DirtyFields("1"))

	require.NoError(t, tr.SetField("1", "title", "Login works"))
	assert.False(t, tr.Dirty())

	// Blank and missing values are the same value.
	require.NoError(t, tr.SetField("1", "notes", ""))
	require.NoError(t, tr.SetField("2", "notes", "  "))
	assert.False(t, tr.Dirty())

	err := tr.SetField("9", "title", "x")
	assert.ErrorIs(t, err, model.ErrUnknownRecord)
}

func TestBackgroundLoadKeepsEdits(t *testing.T) {
	tr := newTracker(t, nil, nil)
	require.NoError(t, tr.SetField("1", "title", "Login with SSO works"))

	fresh := records()
	fresh[1].Fields["title"] = "Logout clears the session"
	report := tr.Load(fresh)

	assert.Zero(t, report.Reconciled)
	assert.Empty(t, report.Orphaned)
	v, _ := tr.Value("1", "title")
	assert.Equal(t, "Login with SSO works", v)
	v, _ = tr.Value("2", "title")
	assert.Equal(t, "Logout clears the session", v)
	assert.Equal(t, "Login works", tr.Snapshot()[0].Fields["title"])
}

func TestBackgroundLoadReconcilesAndDropsOrphans(t *testing.T) {
	tr := newTracker(t, nil, nil)
	require.NoError(t, tr.SetField("1", "title", "Login with SSO works"))
	require.NoError(t, tr.SetField("2", "priority", "high"))

	fresh := []model.Record{
		{ID: "1", Fields: map[string]any{"title": "Login with SSO works", "priority": "high"}},
	}
	report := tr.Load(fresh)

	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, []string{"2"}, report.Orphaned)
	assert.False(t, tr.Dirty())
	assert.Len(t, tr.Records(), 1)
}

func TestCommitClearsSentFields(t *testing.T) {
	u := &fakeUpdater{}
	tr := newTracker(t, u, nil)
	require.NoError(t, tr.SetField("2", "priority", "high"))
	require.NoError(t, tr.SetField("1", "title", "Login with SSO works"))

	receipt, err := tr.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.FieldUpdate{
		{RecordID: "1", Field: "title", Value: "Login with SSO works"},
		{RecordID: "2", Field: "priority", Value: "high"},
	}, receipt.Updates)
	assert.False(t, tr.Dirty())
	assert.Equal(t, "Login with SSO works", tr.Snapshot()[0].Fields["title"])

	// Nothing pending: no request.
	_, err = tr.Commit(context.Background())
	require.NoError(t, err)
	assert.Len(t, u.calls(), 1)
}

func TestCommitKeepsEditsMadeInFlight(t *testing.T) {
	u := &fakeUpdater{started: make(chan struct{}, 1), block: make(chan struct{})}
	tr := newTracker(t, u, nil)
	require.NoError(t, tr.SetField("1", "title", "first"))

	done := make(chan error, 1)
	go func() {
		_, err := tr.Commit(context.Background())
		done <- err
	}()
	<-u.started

	require.NoError(t, tr.SetField("1", "title", "second"))
	_, err := tr.Commit(context.Background())
	assert.ErrorIs(t, err, model.ErrCommitInFlight)

	close(u.block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit did not finish")
	}

	assert.Equal(t, []string{"title"}, tr.DirtyFields("1"))
	v, _ := tr.Value("1", "title")
	assert.Equal(t, "second", v)
	assert.Equal(t, "first", tr.Snapshot()[0].Fields["title"])
}

func TestCommitFailureKeepsEdits(t *testing.T) {
	boom := errors.New("500 internal server error")
	u := &fakeUpdater{err: boom}
	tr := newTracker(t, u, nil)
	require.NoError(t, tr.SetField("1", "title", "Login with SSO works"))

	_, err := tr.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, tr.Dirty())
	assert.Equal(t, "Login works", tr.Snapshot()[0].Fields["title"])
}

func TestLoadConfirmedClearsCommittedValues(t *testing.T) {
	tr := newTracker(t, nil, nil)
	require.NoError(t, tr.SetField("1", "title", "Login with SSO works"))

	// The server normalized the value, so a plain load would keep the edit.
	fresh := records()
	fresh[0].Fields["title"] = "Login with SSO works."
	receipt := edit.Receipt{Updates: []model.FieldUpdate{{RecordID: "1", Field: "title", Value: "Login with SSO works"}}}

	tr.LoadConfirmed(fresh, receipt)
	assert.False(t, tr.Dirty())
	v, _ := tr.Value("1", "title")
	assert.Equal(t, "Login with SSO works.", v)
}

func TestGuardBlocksMutations(t *testing.T) {
	readOnly := true
	guard := func() error {
		if readOnly {
			return model.ErrReadOnlyVersion
		}
		return nil
	}
	tr := newTracker(t, &fakeUpdater{}, guard)

	assert.ErrorIs(t, tr.SetField("1", "title", "x"), model.ErrReadOnlyVersion)
	_, err := tr.Commit(context.Background())
	assert.ErrorIs(t, err, model.ErrReadOnlyVersion)
	assert.ErrorIs(t, tr.Discard(), model.ErrReadOnlyVersion)

	readOnly = false
	require.NoError(t, tr.SetField("1", "title", "x"))
	require.NoError(t, tr.Discard())
	assert.False(t, tr.Dirty())
}

func TestFieldNormalizer(t *testing.T) {
	tr := edit.New(edit.Config{
		Normalizers: map[string]edit.Normalizer{
			"priority": func(v any) any { s, _ := v.(string); return strings.ToLower(s) },
		},
	})
	tr.Reset(records())

	require.NoError(t, tr.SetField("1", "priority", "HIGH"))
	assert.False(t, tr.Dirty())
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "", edit.Normalize(nil))
	assert.Equal(t, float64(3), edit.Normalize(3))
	assert.Equal(t, edit.Normalize(float64(3)), edit.Normalize(int64(3)))
}
