package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a workflow task
type Status string

// Workflow task statuses
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReviewing  Status = "reviewing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReviewing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank places s on the merge lattice: pending < processing = reviewing < terminal.
// Unknown statuses rank below everything.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusProcessing, StatusReviewing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return 0
}

// Task kinds
const (
	KindAutomationCase      = "automation-case-creation"
	KindTestPointGeneration = "test-point-generation"
)

// TaskRef identifies a workflow task on the engine.
type TaskRef struct {
	ID             string `json:"task_id"`
	CorrelationKey string `json:"thread_id"`
	Kind           string `json:"kind,omitempty"`
}

// WorkflowTask is the client-side view of one remote workflow instance.
type WorkflowTask struct {
	ID             string          `json:"id"`
	CorrelationKey string          `json:"correlation_key"`
	Kind           string          `json:"kind"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	StepLabel      string          `json:"current_step,omitempty"`
	Interrupt      *Interrupt      `json:"interrupt,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Ref returns the engine reference of the task.
func (t WorkflowTask) Ref() TaskRef {
	return TaskRef{ID: t.ID, CorrelationKey: t.CorrelationKey, Kind: t.Kind}
}

// Clone returns a copy that shares no mutable state with t.
func (t WorkflowTask) Clone() WorkflowTask {
	c := t
	c.Interrupt = t.Interrupt.Clone()
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return c
}

// Interrupt is the payload a task hands over while it waits for review:
// the generated rows plus the validation diagnostics.
type Interrupt struct {
	GeneratedBody []map[string]any `json:"generated_body"`
	FieldMetadata json.RawMessage  `json:"field_metadata,omitempty"`
	Validation    *Validation      `json:"validation_result,omitempty"`
}

// Validation summarizes the engine's checks on the generated rows.
type Validation struct {
	Total        int               `json:"total"`
	ValidCount   int               `json:"valid_count"`
	InvalidCount int               `json:"invalid_count"`
	TotalErrors  int               `json:"total_errors"`
	Results      []json.RawMessage `json:"results,omitempty"`
}

// Clone deep copies the interrupt. A nil interrupt clones to nil.
func (i *Interrupt) Clone() *Interrupt {
	if i == nil {
		return nil
	}
	c := &Interrupt{}
	if i.GeneratedBody != nil {
		c.GeneratedBody = make([]map[string]any, len(i.GeneratedBody))
		for n, row := range i.GeneratedBody {
			c.GeneratedBody[n], _ = CloneValue(row).(map[string]any)
		}
	}
	if i.FieldMetadata != nil {
		c.FieldMetadata = append(json.RawMessage(nil), i.FieldMetadata...)
	}
	if i.Validation != nil {
		v := *i.Validation
		v.Results = append([]json.RawMessage(nil), i.Validation.Results...)
		c.Validation = &v
	}
	return c
}

// Source names the channel an update arrived through.
type Source string

// Update sources
const (
	SourcePush   Source = "push"
	SourcePoll   Source = "poll"
	SourceResume Source = "resume"
	SourceLocal  Source = "local"
)

// Update is one observation of a task's remote state. Zero values mean
// "not reported": an empty Status keeps the current one and a nil Progress
// leaves progress untouched.
type Update struct {
	TaskID         string
	CorrelationKey string
	Status         Status
	Progress       *int
	StepLabel      string
	Interrupt      *Interrupt
	Result         json.RawMessage
	Error          string
	Message        string
	Source         Source
}

// Percent returns a pointer to p, for Update.Progress.
func Percent(p int) *int { return &p }
