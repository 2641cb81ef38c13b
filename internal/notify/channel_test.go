package notify_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sunshow/workgear/client/internal/event"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/notice"
	"github.com/sunshow/workgear/client/internal/notify"
)

// ─── Test doubles ───

type pipeConn struct {
	frames chan notify.Frame
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{frames: make(chan notify.Frame, 16), closed: make(chan struct{})}
}

func (c *pipeConn) Receive() (notify.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return notify.Frame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return notify.Frame{}, net.ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *pipeConn) sendText(s string) {
	c.frames <- notify.Frame{Data: []byte(s)}
}

type stubDialer struct {
	mu       sync.Mutex
	failures int
	subjects []string
	conns    []*pipeConn
}

func (d *stubDialer) Dial(_ context.Context, subjectID string) (notify.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subjects = append(d.subjects, subjectID)
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := newPipeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subjects)
}

func (d *stubDialer) last() *pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// countingClock tracks how many AfterFunc timers are pending
type countingClock struct {
	*testingclock.FakeClock

	mu   sync.Mutex
	live int
	peak int
}

func newCountingClock() *countingClock {
	return &countingClock{FakeClock: testingclock.NewFakeClock(time.Unix(0, 0))}
}

func (c *countingClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	c.live++
	if c.live > c.peak {
		c.peak = c.live
	}
	c.mu.Unlock()

	ct := &countedTimer{c: c}
	ct.Timer = c.FakeClock.AfterFunc(d, func() {
		ct.release()
		f()
	})
	return ct
}

func (c *countingClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *countingClock) maxPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

type countedTimer struct {
	clock.Timer
	c    *countingClock
	once sync.Once
}

func (t *countedTimer) Stop() bool {
	stopped := t.Timer.Stop()
	if stopped {
		t.release()
	}
	return stopped
}

func (t *countedTimer) release() {
	t.once.Do(func() {
		t.c.mu.Lock()
		t.c.live--
		t.c.mu.Unlock()
	})
}

type harness struct {
	ch      *notify.Channel
	bus     *event.Bus
	rec     *notice.Recorder
	clock   *testingclock.FakeClock
	mu      sync.Mutex
	signals []*event.Signal
}

func newHarness(t *testing.T, d notify.Dialer) *harness {
	t.Helper()
	logger := zap.NewNop().Sugar()
	h := &harness{
		bus:   event.NewBus(logger),
		rec:   notice.NewRecorder(nil),
		clock: testingclock.NewFakeClock(time.Unix(0, 0)),
	}
	h.bus.Subscribe("*", func(sig *event.Signal) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.signals = append(h.signals, sig)
	})

	ch, err := notify.New(notify.Config{
		Dialer:  d,
		Bus:     h.bus,
		Notices: notice.NewCenter(logger, h.rec),
		Clock:   h.clock,
		Logger:  logger,
	})
	require.NoError(t, err)
	h.ch = ch
	t.Cleanup(ch.Disconnect)
	return h
}

func (h *harness) received() []*event.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*event.Signal(nil), h.signals...)
}

func (h *harness) waitSignals(t *testing.T, n int) []*event.Signal {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.received()) >= n }, time.Second, time.Millisecond)
	return h.received()
}

// ─── Tests ───

func TestConnectIsIdempotentPerSubject(t *testing.T) {
	d := &stubDialer{}
	h := newHarness(t, d)

	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))
	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))

	assert.Equal(t, 1, d.dials())
	assert.True(t, h.ch.Connected())
}

func TestConnectToAnotherSubjectReplacesConnection(t *testing.T) {
	d := &stubDialer{}
	h := newHarness(t, d)

	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))
	first := d.last()
	require.NoError(t, h.ch.Connect(context.Background(), "user-2"))

	assert.True(t, first.isClosed())
	assert.Equal(t, []string{"user-1", "user-2"}, d.subjects)
	// Tearing down the old connection must not schedule a reconnect.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.ch.ReconnectPending())
}

func TestDispatchTestPointsGenerated(t *testing.T) {
	d := &stubDialer{}
	h := newHarness(t, d)
	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))

	msg := `{"type":"test_points_generated","requirement_id":42,"count":3,"message":"3 test points ready"}`
	d.last().sendText(msg)
	d.last().sendText(msg)

	sigs := h.waitSignals(t, 2)
	assert.Equal(t, event.TypeTestPointsUpdated, sigs[0].Type)
	assert.Equal(t, event.ScopeRequirement, sigs[0].Scope)
	assert.Equal(t, "42", sigs[0].SubjectID)
	// Nothing is waiting on requirement 42, so every generation is shown.
	require.Eventually(t, func() bool { return h.rec.Count(notice.LevelSuccess) == 2 }, time.Second, time.Millisecond)
}

func TestDispatchWorkflowMessages(t *testing.T) {
	d := &stubDialer{}
	h := newHarness(t, d)
	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))

	conn := d.last()
	conn.sendText(`{"type":"workflow_started","thread_id":"t1"}`)
	conn.sendText(`{"type":"workflow_need_review","thread_id":"t1","interrupt_data":{"generated_body":[{"name":"a"},{"name":"b"}]}}`)
	conn.sendText(`{"type":"workflow_error","thread_id":"t1","error":"boom"}`)

	sigs := h.waitSignals(t, 3)
	require.NotNil(t, sigs[0].Update)
	assert.Equal(t, model.StatusProcessing, sigs[0].Update.Status)
	assert.Equal(t, model.SourcePush, sigs[0].Update.Source)

	require.NotNil(t, sigs[1].Update)
	assert.Equal(t, model.StatusReviewing, sigs[1].Update.Status)
	require.NotNil(t, sigs[1].Update.Interrupt)
	assert.Len(t, sigs[1].Update.Interrupt.GeneratedBody, 2)

	assert.Equal(t, model.StatusFailed, sigs[2].Update.Status)
	assert.Equal(t, "boom", sigs[2].Update.Error)
	assert.Equal(t, 1, h.rec.Count(notice.LevelError))
}

func TestMalformedAndUnknownMessagesAreDropped(t *testing.T) {
	d := &stubDialer{}
	h := newHarness(t, d)
	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))

	conn := d.last()
	conn.sendText(`{not json`)
	conn.sendText(`{"message":"no type"}`)
	conn.sendText(`{"type":"something_new"}`)
	conn.sendText(`{"type":"test_cases_generated","test_point_id":"7"}`)

	sigs := h.waitSignals(t, 1)
	assert.Equal(t, event.TypeTestCasesUpdated, sigs[0].Type)
	assert.True(t, h.ch.Connected())
	assert.False(t, conn.isClosed())
}

func TestReconnectAfterDialFailure(t *testing.T) {
	d := &stubDialer{failures: 1}
	h := newHarness(t, d)

	err := h.ch.Connect(context.Background(), "user-1")
	require.Error(t, err)
	assert.True(t, h.ch.ReconnectPending())
	assert.False(t, h.ch.Connected())

	h.clock.Step(3 * time.Second)
	require.Eventually(t, h.ch.Connected, time.Second, time.Millisecond)
	assert.Equal(t, 2, d.dials())
	assert.False(t, h.ch.ReconnectPending())
}

func TestReconnectAfterServerClose(t *testing.T) {
	d := &stubDialer{}
	h := newHarness(t, d)
	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))

	close(d.last().frames)
	require.Eventually(t, h.ch.ReconnectPending, time.Second, time.Millisecond)
	assert.False(t, h.ch.Connected())

	// Connecting again while a reconnect is pending dials once and cancels the timer.
	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))
	assert.False(t, h.ch.ReconnectPending())
	assert.Equal(t, 2, d.dials())

	h.clock.Step(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, d.dials())
}

func TestDisconnectIsFinal(t *testing.T) {
	d := &stubDialer{}
	h := newHarness(t, d)
	require.NoError(t, h.ch.Connect(context.Background(), "user-1"))
	conn := d.last()

	h.ch.Disconnect()
	assert.True(t, conn.isClosed())
	assert.False(t, h.ch.Connected())

	h.clock.Step(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.ch.ReconnectPending())
	assert.Equal(t, 1, d.dials())

	assert.ErrorIs(t, h.ch.Connect(context.Background(), "user-1"), model.ErrChannelClosed)
}

func newCountingChannel(t *testing.T, d notify.Dialer) (*notify.Channel, *countingClock) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	clk := newCountingClock()
	ch, err := notify.New(notify.Config{
		Dialer:  d,
		Bus:     event.NewBus(logger),
		Notices: notice.NewCenter(logger),
		Clock:   clk,
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(ch.Disconnect)
	return ch, clk
}

func TestRepeatedDialFailuresKeepOneTimer(t *testing.T) {
	d := &stubDialer{failures: 4}
	ch, clk := newCountingChannel(t, d)

	require.Error(t, ch.Connect(context.Background(), "user-1"))
	assert.Equal(t, 1, clk.pending())

	for want := 2; want <= 5; want++ {
		require.Eventually(t, ch.ReconnectPending, time.Second, time.Millisecond)
		clk.Step(3 * time.Second)

		require.Eventually(t, func() bool { return d.dials() == want }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, want, d.dials())
		assert.LessOrEqual(t, clk.pending(), 1)
	}

	require.Eventually(t, ch.Connected, time.Second, time.Millisecond)
	assert.Zero(t, clk.pending())
	assert.Equal(t, 1, clk.maxPending())
}

func TestReconnectCyclesKeepOneTimer(t *testing.T) {
	d := &stubDialer{}
	ch, clk := newCountingChannel(t, d)
	require.NoError(t, ch.Connect(context.Background(), "user-1"))

	for i := 0; i < 5; i++ {
		close(d.last().frames)
		require.Eventually(t, ch.ReconnectPending, time.Second, time.Millisecond)
		assert.Equal(t, 1, clk.pending())

		require.NoError(t, ch.Connect(context.Background(), "user-1"))
		assert.Zero(t, clk.pending())
	}
	assert.Equal(t, 6, d.dials())

	clk.Step(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 6, d.dials())
	assert.Equal(t, 1, clk.maxPending())
}
