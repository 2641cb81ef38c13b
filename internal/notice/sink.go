package notice

import (
	"sync"

	"go.uber.org/zap"
)

// ─── Log Sink ───

// LogSink writes notices to a zap logger
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink logging through logger
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Show(n Notice) {
	kv := []any{"level", n.Level}
	if n.Key != "" {
		kv = append(kv, "key", n.Key)
	}
	switch n.Level {
	case LevelError:
		s.logger.Errorw(n.Message, kv...)
	case LevelWarning:
		s.logger.Warnw(n.Message, kv...)
	case LevelLoading:
		s.logger.Debugw(n.Message, kv...)
	default:
		s.logger.Infow(n.Message, kv...)
	}
}

func (s *LogSink) Dismiss(key string) {
	s.logger.Debugw("Dismissed notice", "key", key)
}

// ─── Recorder ───

// Recorder keeps every notice in memory. Loading notices stay active until dismissed.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
	active  map[string]Notice
	onShow  func(Notice)
}

// NewRecorder creates an empty recorder. onShow, if set, is called for every notice.
func NewRecorder(onShow func(Notice)) *Recorder {
	return &Recorder{active: make(map[string]Notice), onShow: onShow}
}

func (r *Recorder) Show(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	if n.Level == LevelLoading && n.Key != "" {
		r.active[n.Key] = n
	}
	fn := r.onShow
	r.mu.Unlock()

	if fn != nil {
		fn(n)
	}
}

func (r *Recorder) Dismiss(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}

// Notices returns every notice shown so far
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Count returns how many notices of level were shown
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notices {
		if x.Level == level {
			n++
		}
	}
	return n
}

// Loading reports whether a loading notice under key is still shown
func (r *Recorder) Loading(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[key]
	return ok
}
