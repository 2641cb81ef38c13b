package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/engine"
	"github.com/sunshow/workgear/client/internal/event"
	"github.com/sunshow/workgear/client/internal/history"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/notice"
	"github.com/sunshow/workgear/client/internal/notify"
	"github.com/sunshow/workgear/client/internal/schedule"
	"github.com/sunshow/workgear/client/internal/workflow"
)

// Config configures a Session
type Config struct {
	Gateway engine.Gateway
	Dialer  notify.Dialer
	Clock   schedule.Clock
	Sinks   []notice.Sink
	// UserID is the subject of the push connection
	UserID string

	ReconnectDelay    time.Duration
	TaskPollInterval  time.Duration
	TaskPollSafety    time.Duration
	RegenPollInterval time.Duration
	RegenPollSafety   time.Duration
	RequestTimeout    time.Duration

	Logger *zap.SugaredLogger
}

func (c *Config) defaults() error {
	if c.Gateway == nil {
		return fmt.Errorf("engine gateway is required: %w", model.ErrNotValid)
	}
	if c.Dialer == nil {
		return fmt.Errorf("notification dialer is required: %w", model.ErrNotValid)
	}
	if c.Clock == nil {
		c.Clock = schedule.Real()
	}
	if c.UserID == "" {
		c.UserID = "anonymous"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.TaskPollInterval <= 0 {
		c.TaskPollInterval = 5 * time.Second
	}
	if c.TaskPollSafety <= 0 {
		c.TaskPollSafety = 10 * time.Minute
	}
	if c.RegenPollInterval <= 0 {
		c.RegenPollInterval = 4 * time.Second
	}
	if c.RegenPollSafety <= 0 {
		c.RegenPollSafety = 45 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return nil
}

type view interface {
	Close()
}

// Session owns what all views share: one push connection, the notice
// center, the signal bus and the history cache.
type Session struct {
	cfg     Config
	logger  *zap.SugaredLogger
	notices *notice.Center
	bus     *event.Bus
	channel *notify.Channel
	history *history.Cache

	mu     sync.Mutex
	views  map[view]struct{}
	closed bool
}

// New creates a session. Call Open to connect the push channel.
func New(cfg Config) (*Session, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	notices := notice.NewCenter(cfg.Logger, cfg.Sinks...)
	bus := event.NewBus(cfg.Logger)
	ch, err := notify.New(notify.Config{
		Dialer:         cfg.Dialer,
		Bus:            bus,
		Notices:        notices,
		Clock:          cfg.Clock,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create notification channel: %w", err)
	}

	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "session", "user_id", cfg.UserID),
		notices: notices,
		bus:     bus,
		channel: ch,
		history: history.NewCache(cfg.Gateway, cfg.Logger),
		views:   make(map[view]struct{}),
	}, nil
}

// Open connects the push channel. A failed dial is retried in the background,
// so the session is usable even when Open returns an error.
func (s *Session) Open(ctx context.Context) error {
	if err := s.channel.Connect(ctx, s.cfg.UserID); err != nil {
		return fmt.Errorf("connect notification channel: %w", err)
	}
	return nil
}

// Close releases every open view and closes the push channel for good
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := make([]view, 0, len(s.views))
	for v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	s.channel.Disconnect()
	s.logger.Infow("Session closed", "views", len(views))
}

// Notices returns the session's notice center
func (s *Session) Notices() *notice.Center { return s.notices }

// Bus returns the session's signal bus
func (s *Session) Bus() *event.Bus { return s.bus }

// Channel returns the session's push channel
func (s *Session) Channel() *notify.Channel { return s.channel }

// History returns the session's version history cache
func (s *Session) History() *history.Cache { return s.history }

func (s *Session) track(v view) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("open view: %w", model.ErrChannelClosed)
	}
	s.views[v] = struct{}{}
	return nil
}

func (s *Session) untrack(v view) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, v)
}

// StartTask starts a workflow and returns a view tracking it
func (s *Session) StartTask(ctx context.Context, req engine.StartRequest) (*TaskView, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	ref, err := s.cfg.Gateway.Start(rctx, req)
	if err != nil {
		s.notices.Show(notice.LevelError, "Failed to start workflow: "+err.Error())
		return nil, fmt.Errorf("start workflow: %w", err)
	}
	s.logger.Infow("Workflow started", "task_id", ref.ID, "thread_id", ref.CorrelationKey)

	return s.openTask(model.WorkflowTask{
		ID:             ref.ID,
		CorrelationKey: ref.CorrelationKey,
		Kind:           ref.Kind,
		Status:         model.StatusPending,
	})
}

// WatchTask fetches an existing workflow and returns a view tracking it
func (s *Session) WatchTask(ctx context.Context, ref model.TaskRef) (*TaskView, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	u, err := s.cfg.Gateway.Fetch(rctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch task %s: %w", ref.ID, err)
	}
	if ref.CorrelationKey == "" {
		ref.CorrelationKey = u.CorrelationKey
	}
	if ref.Kind == "" {
		ref.Kind = model.KindAutomationCase
	}

	task := model.WorkflowTask{
		ID:             ref.ID,
		CorrelationKey: ref.CorrelationKey,
		Kind:           ref.Kind,
		Status:         model.StatusPending,
	}
	task, _ = workflow.Merge(task, u)
	return s.openTask(task)
}
