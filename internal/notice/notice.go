package notice

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level is the severity of a notice
type Level string

// Notice levels
const (
	LevelLoading Level = "loading"
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one user-facing message
type Notice struct {
	ID      string    `json:"id"`
	Key     string    `json:"key,omitempty"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Sink renders notices, e.g. a terminal or a log
type Sink interface {
	Show(n Notice)
	Dismiss(key string)
}

// Key builds a dedupe key such as "workflow:thread_1" or "workflow:thread_1/review"
func Key(scope, subjectID string, suffix ...string) string {
	k := scope + ":" + subjectID
	if len(suffix) > 0 {
		k += "/" + strings.Join(suffix, "/")
	}
	return k
}

// Center posts notices to its sinks. Keyed notices are delivered at most once
// until their key is armed again, so the same outcome reported by a push
// message and by a poll is shown once.
type Center struct {
	mu     sync.Mutex
	fired  map[string]struct{}
	armed  map[string]struct{}
	sinks  []Sink
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewCenter creates a notice center
func NewCenter(logger *zap.SugaredLogger, sinks ...Sink) *Center {
	return &Center{
		fired:  make(map[string]struct{}),
		armed:  make(map[string]struct{}),
		sinks:  sinks,
		now:    time.Now,
		logger: logger,
	}
}

// AddSink attaches another sink
func (c *Center) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Show posts an unkeyed notice. Unkeyed notices are never deduplicated.
func (c *Center) Show(level Level, message string) {
	c.deliver(Notice{Level: level, Message: message})
}

// Once posts a notice under key unless that key already fired since it was
// last armed. It reports whether the notice was delivered.
func (c *Center) Once(key string, level Level, message string) bool {
	c.mu.Lock()
	if _, ok := c.fired[key]; ok {
		c.mu.Unlock()
		c.logger.Debugw("Suppressed duplicate notice", "key", key, "level", level)
		return false
	}
	c.fired[key] = struct{}{}
	c.mu.Unlock()

	c.deliver(Notice{Key: key, Level: level, Message: message})
	return true
}

// Report posts a notice pushed by the engine. While key is armed the first
// report is deduplicated against Once and disarms the key. Any other report
// is always delivered.
func (c *Center) Report(key string, level Level, message string) bool {
	c.mu.Lock()
	if _, ok := c.armed[key]; !ok {
		c.mu.Unlock()
		c.deliver(Notice{Key: key, Level: level, Message: message})
		return true
	}
	delete(c.armed, key)
	if _, ok := c.fired[key]; ok {
		c.mu.Unlock()
		c.logger.Debugw("Suppressed duplicate notice", "key", key, "level", level)
		return false
	}
	c.fired[key] = struct{}{}
	c.mu.Unlock()

	c.deliver(Notice{Key: key, Level: level, Message: message})
	return true
}

// Arm allows key to fire again, e.g. when a new generation starts. The next
// Report for key is matched against it.
func (c *Center) Arm(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fired, key)
	c.armed[key] = struct{}{}
}

// Fired reports whether key fired since it was last armed
func (c *Center) Fired(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.fired[key]
	return ok
}

// Loading shows a persistent loading notice under key, replacing the previous one
func (c *Center) Loading(key, message string) {
	c.deliver(Notice{Key: key, Level: LevelLoading, Message: message})
}

// Dismiss removes the loading notice under key
func (c *Center) Dismiss(key string) {
	for _, s := range c.snapshotSinks() {
		s.Dismiss(key)
	}
}

func (c *Center) deliver(n Notice) {
	n.ID = uuid.NewString()
	n.Time = c.now()
	for _, s := range c.snapshotSinks() {
		s.Show(n)
	}
}

func (c *Center) snapshotSinks() []Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sink(nil), c.sinks...)
}
