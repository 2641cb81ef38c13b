package history_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sunshow/workgear/client/internal/history"
	"github.com/sunshow/workgear/client/internal/model"
)

type fakeSource struct {
	versions  []model.HistoryVersion
	listCalls atomic.Int32
	snapCalls atomic.Int32
	release   chan struct{}
	err       error
}

func (s *fakeSource) ListVersions(context.Context, string) ([]model.HistoryVersion, error) {
	s.listCalls.Add(1)
	return s.versions, nil
}

func (s *fakeSource) FetchSnapshot(_ context.Context, _ string, version string) ([]model.Record, error) {
	s.snapCalls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	return []model.Record{{ID: "1", Fields: map[string]any{"title": "from " + version}}}, nil
}

func versions(vs ...string) []model.HistoryVersion {
	out := make([]model.HistoryVersion, len(vs))
	for i, v := range vs {
		out[i] = model.HistoryVersion{Version: v, Status: "completed", CreatedAt: time.Unix(int64(100-i), 0)}
	}
	return out
}

func TestSnapshotIsFetchedOnceAndStable(t *testing.T) {
	src := &fakeSource{}
	c := history.NewCache(src, zaptest.NewLogger(t).Sugar())

	a, err := c.Snapshot(context.Background(), "42", "v1")
	require.NoError(t, err)
	b, err := c.Snapshot(context.Background(), "42", "v1")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, int32(1), src.snapCalls.Load())
	assert.True(t, c.Cached("42", "v1"))
	assert.False(t, c.Cached("7", "v1"))

	// Mutating what a snapshot hands out does not change the snapshot.
	recs := a.Records()
	recs[0].Fields["title"] = "mutated"
	rec, ok := a.Record("1")
	require.True(t, ok)
	assert.Equal(t, "from v1", rec.Fields["title"])
}

func TestConcurrentFirstFetchesShareOneRequest(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	c := history.NewCache(src, zaptest.NewLogger(t).Sugar())

	var wg sync.WaitGroup
	results := make([]*model.HistorySnapshot, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Snapshot(context.Background(), "42", "v2")
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	require.Eventually(t, func() bool { return src.snapCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.snapCalls.Load())
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestFailedFetchIsNotCached(t *testing.T) {
	src := &fakeSource{err: errors.New("404")}
	c := history.NewCache(src, zaptest.NewLogger(t).Sugar())

	_, err := c.Snapshot(context.Background(), "42", "v1")
	require.Error(t, err)
	assert.False(t, c.Cached("42", "v1"))

	src.err = nil
	_, err = c.Snapshot(context.Background(), "42", "v1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.snapCalls.Load())
}

func TestVersionListIsAlwaysFresh(t *testing.T) {
	src := &fakeSource{versions: versions("v2", "v1")}
	c := history.NewCache(src, zaptest.NewLogger(t).Sugar())

	vs, err := c.ListVersions(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "v2", vs[0].Version)

	src.versions = versions("v3", "v2", "v1")
	vs, err = c.ListVersions(context.Background(), "42")
	require.NoError(t, err)
	assert.Len(t, vs, 3)
	assert.Equal(t, int32(2), src.listCalls.Load())
}

func TestSelection(t *testing.T) {
	var s history.Selection
	assert.NoError(t, s.Writable())

	s.SetVersions(versions("v3", "v2", "v1"))
	assert.Equal(t, "v3", s.Latest())
	assert.False(t, s.ReadOnly())

	require.NoError(t, s.Select("v1"))
	assert.True(t, s.ReadOnly())
	assert.ErrorIs(t, s.Writable(), model.ErrReadOnlyVersion)

	assert.ErrorIs(t, s.Select("v9"), model.ErrNotFound)
	assert.Equal(t, "v1", s.Selected())

	require.NoError(t, s.Select("v3"))
	assert.Equal(t, "", s.Selected())
	assert.NoError(t, s.Writable())

	// Following latest keeps following when a new generation lands.
	s.SetVersions(versions("v4", "v3", "v2", "v1"))
	assert.False(t, s.ReadOnly())

	// A selection that vanished falls back to latest.
	require.NoError(t, s.Select("v2"))
	s.SetVersions(versions("v4", "v3"))
	assert.Equal(t, "", s.Selected())
	assert.False(t, s.ReadOnly())
}
