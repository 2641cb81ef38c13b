package notice_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/sunshow/workgear/client/internal/notice"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "workflow:t1", notice.Key("workflow", "t1"))
	assert.Equal(t, "workflow:t1/review", notice.Key("workflow", "t1", "review"))
}

func TestOnceDeduplicatesUntilArmed(t *testing.T) {
	rec := notice.NewRecorder(nil)
	c := notice.NewCenter(zaptest.NewLogger(t).Sugar(), rec)
	key := notice.Key("requirement", "42")

	assert.True(t, c.Once(key, notice.LevelSuccess, "Test points generated"))
	assert.False(t, c.Once(key, notice.LevelSuccess, "Test points generated"))
	assert.True(t, c.Fired(key))
	assert.Equal(t, 1, rec.Count(notice.LevelSuccess))

	c.Arm(key)
	assert.False(t, c.Fired(key))
	assert.True(t, c.Once(key, notice.LevelError, "Generation failed"))
	assert.Equal(t, 1, rec.Count(notice.LevelError))
}

func TestReportDeduplicatesOnlyWhileArmed(t *testing.T) {
	rec := notice.NewRecorder(nil)
	c := notice.NewCenter(zaptest.NewLogger(t).Sugar(), rec)
	key := notice.Key("requirement", "42")

	// Unarmed reports are always shown.
	assert.True(t, c.Report(key, notice.LevelSuccess, "gen one"))
	assert.True(t, c.Report(key, notice.LevelSuccess, "gen two"))
	assert.Equal(t, 2, rec.Count(notice.LevelSuccess))

	// A poll saw the outcome first, the push for it is dropped.
	c.Arm(key)
	assert.True(t, c.Once(key, notice.LevelSuccess, "gen three"))
	assert.False(t, c.Report(key, notice.LevelSuccess, "gen three"))
	assert.Equal(t, 3, rec.Count(notice.LevelSuccess))

	// The push came first, the poll is dropped.
	c.Arm(key)
	assert.True(t, c.Report(key, notice.LevelError, "gen four failed"))
	assert.False(t, c.Once(key, notice.LevelError, "gen four failed"))
	assert.Equal(t, 1, rec.Count(notice.LevelError))

	assert.True(t, c.Report(key, notice.LevelSuccess, "gen five"))
	assert.Equal(t, 4, rec.Count(notice.LevelSuccess))
}

func TestUnkeyedNoticesAreNotDeduplicated(t *testing.T) {
	rec := notice.NewRecorder(nil)
	c := notice.NewCenter(zaptest.NewLogger(t).Sugar(), rec)

	c.Show(notice.LevelInfo, "Workflow started")
	c.Show(notice.LevelInfo, "Workflow started")
	assert.Equal(t, 2, rec.Count(notice.LevelInfo))

	notices := rec.Notices()
	assert.NotEqual(t, notices[0].ID, notices[1].ID)
}

func TestLoadingUntilDismissed(t *testing.T) {
	rec := notice.NewRecorder(nil)
	c := notice.NewCenter(zaptest.NewLogger(t).Sugar(), rec, notice.NewLogSink(zaptest.NewLogger(t).Sugar()))

	c.Loading("loading:t1", "Generating...")
	assert.True(t, rec.Loading("loading:t1"))

	c.Dismiss("loading:t1")
	assert.False(t, rec.Loading("loading:t1"))
}
