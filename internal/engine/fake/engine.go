package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/engine"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/schedule"
)

// Operations counted by Calls and targeted by FailNext
const (
	OpStart         = "start"
	OpFetch         = "fetch"
	OpResume        = "resume"
	OpListRecords   = "list_records"
	OpRegenerate    = "regenerate"
	OpBulkUpdate    = "bulk_update"
	OpListVersions  = "list_versions"
	OpFetchSnapshot = "fetch_snapshot"
)

// Config configures the fake engine
type Config struct {
	// Autoplay drives started workflows and regenerations forward on its own
	Autoplay  bool
	StepDelay time.Duration
	// Rows is how many rows a generated review checkpoint carries
	Rows   int
	Clock  schedule.Clock
	Logger *zap.SugaredLogger
}

// Engine is an in-memory engine. Without autoplay, tests drive it through
// SetTask, Push and CompleteRegeneration.
type Engine struct {
	cfg    Config
	logger *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	seq       int
	tasks     map[string]*task
	byThread  map[string]string
	decisions []model.ReviewDecision
	calls     map[string]int
	failures  map[string]error
	subjects  map[string]*subject
	feeds     map[*feedConn]struct{}
}

type task struct {
	ref       model.TaskRef
	status    model.Status
	progress  int
	step      string
	interrupt *model.Interrupt
	result    json.RawMessage
	err       string
}

var _ engine.Gateway = (*Engine)(nil)

// New creates an empty fake engine
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = schedule.Real()
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 2 * time.Second
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "fake-engine"),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
		byThread: make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		subjects: make(map[string]*subject),
		feeds:    make(map[*feedConn]struct{}),
	}
}

// Close stops autoplay and ends every push connection
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	for f := range e.feeds {
		f.end()
	}
}

// ─── Test controls ───

// FailNext makes the next call of op return err
func (e *Engine) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
}

// Calls returns how often op was called
func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Decisions returns every review decision received
func (e *Engine) Decisions() []model.ReviewDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.ReviewDecision(nil), e.decisions...)
}

// SetTask overwrites the server-side state of the task with thread id ck
func (e *Engine) SetTask(ck string, u model.Update) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.taskByThreadLocked(ck)
	if !ok {
		return fmt.Errorf("task %s: %w", ck, model.ErrNotFound)
	}
	t.apply(u)
	return nil
}

func (e *Engine) enter(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[op]++
	if err, ok := e.failures[op]; ok {
		delete(e.failures, op)
		return err
	}
	return nil
}

// ─── Workflow ───

// Start creates a pending workflow
func (e *Engine) Start(_ context.Context, req engine.StartRequest) (model.TaskRef, error) {
	if err := e.enter(OpStart); err != nil {
		return model.TaskRef{}, err
	}

	e.mu.Lock()
	e.seq++
	ref := model.TaskRef{
		ID:             strconv.Itoa(e.seq),
		CorrelationKey: fmt.Sprintf("workflow_%d_%s", e.seq, uuid.NewString()[:8]),
		Kind:           model.KindAutomationCase,
	}
	e.tasks[ref.ID] = &task{ref: ref, status: model.StatusPending, step: "queued"}
	e.byThread[ref.CorrelationKey] = ref.ID
	e.mu.Unlock()

	e.logger.Infow("Workflow started", "task_id", ref.ID, "thread_id", ref.CorrelationKey, "test_case_id", req.TestCaseID)
	if e.cfg.Autoplay {
		go e.playGeneration(ref.CorrelationKey)
	}
	return ref, nil
}

// Fetch returns a task's current state
func (e *Engine) Fetch(_ context.Context, ref model.TaskRef) (model.Update, error) {
	if err := e.enter(OpFetch); err != nil {
		return model.Update{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[ref.ID]
	if !ok {
		return model.Update{}, &engine.APIError{Status: http.StatusNotFound, Detail: "task " + ref.ID + " not found"}
	}
	return t.snapshot(), nil
}

// Resume accepts a review decision for a reviewing task
func (e *Engine) Resume(_ context.Context, ck string, d model.ReviewDecision) (model.Update, error) {
	if err := e.enter(OpResume); err != nil {
		return model.Update{}, err
	}

	e.mu.Lock()
	t, ok := e.taskByThreadLocked(ck)
	if !ok {
		e.mu.Unlock()
		return model.Update{}, &engine.APIError{Status: http.StatusNotFound, Detail: "workflow " + ck + " not found"}
	}
	if t.status != model.StatusReviewing {
		e.mu.Unlock()
		return model.Update{}, &engine.APIError{Status: http.StatusBadRequest, Detail: "task status is " + string(t.status)}
	}
	e.decisions = append(e.decisions, d)

	rejected := d.Verdict == model.VerdictRejected
	if rejected {
		t.apply(model.Update{Status: model.StatusProcessing, Progress: model.Percent(30), StepLabel: "regenerating"})
	} else {
		t.apply(model.Update{Status: model.StatusProcessing, Progress: model.Percent(85), StepLabel: "processing_review"})
	}
	u := t.snapshot()
	e.mu.Unlock()

	e.logger.Infow("Review received", "thread_id", ck, "verdict", d.Verdict)
	if e.cfg.Autoplay {
		if rejected {
			go e.playGeneration(ck)
		} else {
			go e.playCompletion(ck, d)
		}
	}
	return u, nil
}

func (e *Engine) playGeneration(ck string) {
	steps := []int{10, 40, 80}
	for i, p := range steps {
		if !e.wait() {
			return
		}
		_ = e.SetTask(ck, model.Update{Status: model.StatusProcessing, Progress: model.Percent(p), StepLabel: "generating"})
		if i == 0 {
			e.Push(map[string]any{"type": "workflow_started", "thread_id": ck, "message": "Workflow started"})
		} else {
			e.Push(map[string]any{"type": "progress", "thread_id": ck, "task_type": model.KindAutomationCase, "progress": p})
		}
	}
	if !e.wait() {
		return
	}

	interrupt := e.generatedInterrupt()
	_ = e.SetTask(ck, model.Update{Status: model.StatusReviewing, StepLabel: "waiting_review", Interrupt: interrupt})
	e.Push(map[string]any{
		"type":           "workflow_need_review",
		"thread_id":      ck,
		"message":        "Generated data is waiting for review",
		"interrupt_data": interrupt,
	})
}

func (e *Engine) playCompletion(ck string, d model.ReviewDecision) {
	if !e.wait() {
		return
	}
	result, _ := json.Marshal(map[string]any{"thread_id": ck, "verdict": d.Verdict, "rows": len(d.CorrectedBody)})
	_ = e.SetTask(ck, model.Update{Status: model.StatusCompleted, Progress: model.Percent(100), StepLabel: "done", Result: result})
}

func (e *Engine) generatedInterrupt() *model.Interrupt {
	rows := make([]map[string]any, e.cfg.Rows)
	for i := range rows {
		rows[i] = map[string]any{
			"name":     fmt.Sprintf("generated case %d", i+1),
			"priority": "P1",
			"steps":    fmt.Sprintf("step %d", i+1),
		}
	}
	return &model.Interrupt{
		GeneratedBody: rows,
		Validation:    &model.Validation{Total: len(rows), ValidCount: len(rows)},
	}
}

func (e *Engine) wait() bool {
	select {
	case <-e.cfg.Clock.After(e.cfg.StepDelay):
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *Engine) taskByThreadLocked(ck string) (*task, bool) {
	id, ok := e.byThread[ck]
	if !ok {
		return nil, false
	}
	t, ok := e.tasks[id]
	return t, ok
}

func (t *task) apply(u model.Update) {
	if u.Status != "" {
		t.status = u.Status
	}
	if u.Progress != nil {
		t.progress = *u.Progress
	}
	if u.StepLabel != "" {
		t.step = u.StepLabel
	}
	if t.status == model.StatusReviewing {
		if u.Interrupt != nil {
			t.interrupt = u.Interrupt.Clone()
		}
	} else {
		t.interrupt = nil
	}
	if u.Result != nil {
		t.result = append(json.RawMessage(nil), u.Result...)
	}
	if u.Error != "" {
		t.err = u.Error
	}
}

func (t *task) snapshot() model.Update {
	return model.Update{
		TaskID:         t.ref.ID,
		CorrelationKey: t.ref.CorrelationKey,
		Status:         t.status,
		Progress:       model.Percent(t.progress),
		StepLabel:      t.step,
		Interrupt:      t.interrupt.Clone(),
		Result:         append(json.RawMessage(nil), t.result...),
		Error:          t.err,
	}
}
