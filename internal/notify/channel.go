package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/event"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/notice"
	"github.com/sunshow/workgear/client/internal/schedule"
)

// Conn is an open push connection
type Conn interface {
	// Receive blocks for the next frame. Any error ends the connection.
	Receive() (Frame, error)
	Close() error
}

// Dialer opens push connections for a subject
type Dialer interface {
	Dial(ctx context.Context, subjectID string) (Conn, error)
}

// Config configures a Channel
type Config struct {
	Dialer         Dialer
	Bus            *event.Bus
	Notices        *notice.Center
	Clock          schedule.Clock
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Logger         *zap.SugaredLogger
}

func (c *Config) defaults() error {
	if c.Dialer == nil {
		return fmt.Errorf("dialer is required: %w", model.ErrNotValid)
	}
	if c.Bus == nil {
		return fmt.Errorf("bus is required: %w", model.ErrNotValid)
	}
	if c.Notices == nil {
		return fmt.Errorf("notice center is required: %w", model.ErrNotValid)
	}
	if c.Clock == nil {
		c.Clock = schedule.Real()
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return nil
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
)

// Channel is the session's single push connection. It reconnects after an
// unexpected close and stays down for good once Disconnect is called.
type Channel struct {
	cfg       Config
	logger    *zap.SugaredLogger
	reconnect *schedule.Slot

	mu        sync.Mutex
	subjectID string
	state     connState
	closed    bool
	conn      Conn
	gen       uint64
}

// New creates a disconnected channel
func New(cfg Config) (*Channel, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid notification channel config: %w", err)
	}
	return &Channel{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "notify"),
		reconnect: schedule.NewSlot(cfg.Clock),
	}, nil
}

// Connect opens the connection for subjectID. It is a no-op while a
// connection for the same subject is open or being dialed. Connecting for a
// different subject replaces the current connection.
func (c *Channel) Connect(ctx context.Context, subjectID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.ErrChannelClosed
	}
	if c.subjectID == subjectID && c.state != stateIdle {
		c.mu.Unlock()
		return nil
	}
	if c.state != stateIdle {
		c.logger.Infow("Switching notification subject", "from", c.subjectID, "to", subjectID)
		c.teardownLocked()
	}
	c.subjectID = subjectID
	c.reconnect.Stop()
	gen := c.beginDialLocked()
	c.mu.Unlock()

	return c.dial(ctx, gen, subjectID)
}

// Disconnect closes the connection and cancels any pending reconnect. The
// channel cannot be connected again afterwards.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.reconnect.Stop()
	c.teardownLocked()
	c.logger.Infow("Notification channel closed", "subject_id", c.subjectID)
}

// Connected reports whether the connection is open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// ReconnectPending reports whether a reconnect attempt is scheduled
func (c *Channel) ReconnectPending() bool {
	return c.reconnect.Pending()
}

func (c *Channel) beginDialLocked() uint64 {
	c.gen++
	c.state = stateConnecting
	return c.gen
}

// teardownLocked drops the current connection without scheduling a reconnect
func (c *Channel) teardownLocked() {
	c.gen++
	c.state = stateIdle
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) dial(ctx context.Context, gen uint64, subjectID string) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.cfg.Dialer.Dial(dctx, subjectID)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		// Superseded by Disconnect or another Connect while dialing
		if conn != nil {
			_ = conn.Close()
		}
		if c.closed {
			return model.ErrChannelClosed
		}
		return nil
	}
	if err != nil {
		c.state = stateIdle
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warnw("Failed to open notification channel", "subject_id", subjectID, "error", err)
		return fmt.Errorf("dial notification channel: %w", err)
	}
	c.conn = conn
	c.state = stateOpen
	c.mu.Unlock()

	c.logger.Infow("Notification channel open", "subject_id", subjectID)
	go c.readLoop(conn, gen)
	return nil
}

func (c *Channel) scheduleReconnectLocked() {
	c.reconnect.Schedule(c.cfg.ReconnectDelay, c.reconnectNow)
}

func (c *Channel) reconnectNow() {
	c.mu.Lock()
	if c.closed || c.state != stateIdle {
		c.mu.Unlock()
		return
	}
	subjectID := c.subjectID
	gen := c.beginDialLocked()
	c.mu.Unlock()

	c.logger.Infow("Reconnecting notification channel", "subject_id", subjectID)
	_ = c.dial(context.Background(), gen, subjectID)
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.gen == gen
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		frame, err := conn.Receive()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}

		msg, err := DecodeFrame(frame)
		if err != nil {
			c.logger.Warnw("Dropping undecodable push message", "error", err)
			continue
		}
		env, err := ParseEnvelope(msg)
		if err != nil {
			c.logger.Warnw("Dropping malformed push message", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.gen {
		return
	}
	c.state = stateIdle
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.scheduleReconnectLocked()

	if errors.Is(err, io.EOF) {
		c.logger.Infow("Notification channel closed by server, reconnecting", "delay", c.cfg.ReconnectDelay)
	} else {
		c.logger.Warnw("Notification channel lost, reconnecting", "delay", c.cfg.ReconnectDelay, "error", err)
	}
}
