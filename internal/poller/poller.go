package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/schedule"
)

// Fetcher reads the current remote state of a task
type Fetcher interface {
	Fetch(ctx context.Context, ref model.TaskRef) (model.Update, error)
}

// Sink receives what the poller learns
type Sink interface {
	// Observe applies a polled update and reports whether polling should end
	Observe(u model.Update) bool
	// TimedOut is called once when the safety budget runs out before the task settles
	TimedOut(ref model.TaskRef)
}

// Config configures a Poller
type Config struct {
	Fetcher        Fetcher
	Sink           Sink
	Clock          schedule.Clock
	Interval       time.Duration
	SafetyTimeout  time.Duration
	RequestTimeout time.Duration
	Logger         *zap.SugaredLogger
}

func (c *Config) defaults() error {
	if c.Fetcher == nil {
		return fmt.Errorf("fetcher is required: %w", model.ErrNotValid)
	}
	if c.Sink == nil {
		return fmt.Errorf("sink is required: %w", model.ErrNotValid)
	}
	if c.Clock == nil {
		c.Clock = schedule.Real()
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.SafetyTimeout <= 0 {
		c.SafetyTimeout = 10 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return nil
}

// Poller fetches a task's state on a fixed cadence until the sink is
// satisfied, the safety budget runs out or it is stopped. At most one tick
// timer, one safety timer and one request exist at any time.
type Poller struct {
	cfg    Config
	logger *zap.SugaredLogger
	tick   *schedule.Slot
	safety *schedule.Slot

	mu       sync.Mutex
	running  bool
	inflight bool
	gen      uint64
	ref      model.TaskRef
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates an idle poller
func New(cfg Config) (*Poller, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid poller config: %w", err)
	}
	return &Poller{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "poller"),
		tick:   schedule.NewSlot(cfg.Clock),
		safety: schedule.NewSlot(cfg.Clock),
	}, nil
}

// Start begins polling ref, replacing any previous run. A zero interval or
// safety timeout falls back to the configured default. The first fetch
// happens immediately.
func (p *Poller) Start(ref model.TaskRef, interval, safety time.Duration) {
	if interval <= 0 {
		interval = p.cfg.Interval
	}
	if safety <= 0 {
		safety = p.cfg.SafetyTimeout
	}

	p.mu.Lock()
	p.stopLocked()
	p.gen++
	gen := p.gen
	p.running = true
	p.ref = ref
	p.interval = interval
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.tick.Schedule(interval, func() { p.onTick(gen) })
	p.safety.Schedule(safety, func() { p.onSafety(gen) })
	p.mu.Unlock()

	p.logger.Debugw("Polling started", "task_id", ref.ID, "thread_id", ref.CorrelationKey, "interval", interval, "safety_timeout", safety)
	go p.poll(gen)
}

// Stop cancels both timers and any in-flight request. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Running reports whether polling is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// TickPending reports whether the next tick is scheduled
func (p *Poller) TickPending() bool { return p.tick.Pending() }

// SafetyPending reports whether the safety timer is armed
func (p *Poller) SafetyPending() bool { return p.safety.Pending() }

func (p *Poller) stopLocked() {
	if !p.running {
		return
	}
	p.running = false
	p.inflight = false
	p.gen++
	p.tick.Stop()
	p.safety.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Debugw("Polling stopped", "task_id", p.ref.ID, "thread_id", p.ref.CorrelationKey)
}

func (p *Poller) onTick(gen uint64) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	// Fixed cadence: the next tick is armed before this one fetches
	p.tick.Schedule(p.interval, func() { p.onTick(gen) })
	p.mu.Unlock()

	p.poll(gen)
}

func (p *Poller) poll(gen uint64) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	if p.inflight {
		p.mu.Unlock()
		p.logger.Debugw("Skipping poll, previous request still in flight", "task_id", p.ref.ID)
		return
	}
	p.inflight = true
	ctx, ref := p.ctx, p.ref
	p.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	u, err := p.cfg.Fetcher.Fetch(rctx, ref)
	cancel()

	p.mu.Lock()
	current := p.running && p.gen == gen
	if current {
		p.inflight = false
	}
	p.mu.Unlock()

	if !current {
		return
	}
	if err != nil {
		p.logger.Warnw("Poll failed, retrying on next tick", "task_id", ref.ID, "thread_id", ref.CorrelationKey, "error", err)
		return
	}

	u.Source = model.SourcePoll
	if u.TaskID == "" {
		u.TaskID = ref.ID
	}
	if u.CorrelationKey == "" {
		u.CorrelationKey = ref.CorrelationKey
	}
	if p.cfg.Sink.Observe(u) {
		p.stopGen(gen)
	}
}

func (p *Poller) onSafety(gen uint64) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	ref := p.ref
	p.stopLocked()
	p.mu.Unlock()

	p.logger.Warnw("Stopped waiting for task", "task_id", ref.ID, "thread_id", ref.CorrelationKey)
	p.cfg.Sink.TimedOut(ref)
}

func (p *Poller) stopGen(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen {
		p.stopLocked()
	}
}
