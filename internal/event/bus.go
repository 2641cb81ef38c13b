package event

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/model"
)

// Signal types
const (
	TypeTestPointsUpdated = "test-points.updated"
	TypeTestPointsFailed  = "test-points.failed"
	TypeTestCasesUpdated  = "test-cases.updated"
	TypeWorkflowUpdated   = "workflow.updated"
	TypeProgress          = "progress"
)

// Scopes a signal's subject id lives in
const (
	ScopeRequirement = "requirement"
	ScopeTestPoint   = "test-point"
	ScopeWorkflow    = "workflow"
	ScopeTaskType    = "task-type"
)

// Signal is a domain broadcast derived from a push message
type Signal struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Update    *model.Update  `json:"-"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Channel returns the subscription channel for a scoped subject, e.g. "requirement:42"
func Channel(scope, subjectID string) string {
	return scope + ":" + subjectID
}

// Subscriber is a function that receives signals
type Subscriber func(sig *Signal)

// Bus is an in-memory bus fanning signals out to the views that care
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]Subscriber // channel → id → subscriber
	nextID      uint64
	logger      *zap.SugaredLogger
}

// NewBus creates a new signal bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[string]map[uint64]Subscriber),
		logger:      logger,
	}
}

// Subscribe registers a subscriber for a channel and returns its cancel func.
// channel can be "*" for all signals, or Channel(scope, id) for one subject
func (b *Bus) Subscribe(channel string, sub Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[uint64]Subscriber)
	}
	b.subscribers[channel][id] = sub

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers[channel], id)
			if len(b.subscribers[channel]) == 0 {
				delete(b.subscribers, channel)
			}
		})
	}
}

// Subscribers returns how many subscribers listen on channel
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

// Publish sends a signal to all matching subscribers
func (b *Bus) Publish(sig *Signal) {
	if sig.Timestamp == 0 {
		sig.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	var subs []Subscriber
	for _, sub := range b.subscribers["*"] {
		subs = append(subs, sub)
	}
	if sig.Scope != "" && sig.SubjectID != "" {
		for _, sub := range b.subscribers[Channel(sig.Scope, sig.SubjectID)] {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	b.logger.Debugw("Publishing signal",
		"type", sig.Type,
		"scope", sig.Scope,
		"subject_id", sig.SubjectID,
		"subscribers", len(subs),
	)

	// Subscribers run outside the lock so they may unsubscribe themselves
	for _, sub := range subs {
		sub(sig)
	}
}
