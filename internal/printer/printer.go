package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sunshow/workgear/client/internal/edit"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/notice"
)

// Output formats
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// Printer renders client state for the terminal
type Printer struct {
	w      io.Writer
	format string
}

// New creates a printer writing format ("yaml" or "json") to w
func New(w io.Writer, format string) (*Printer, error) {
	switch format {
	case "":
		format = FormatYAML
	case FormatYAML, FormatJSON:
	default:
		return nil, fmt.Errorf("output format %q: %w", format, model.ErrNotValid)
	}
	return &Printer{w: w, format: format}, nil
}

type taskDoc struct {
	ID             string           `json:"id" yaml:"id"`
	CorrelationKey string           `json:"thread_id" yaml:"thread_id"`
	Kind           string           `json:"kind" yaml:"kind"`
	Status         model.Status     `json:"status" yaml:"status"`
	Progress       int              `json:"progress" yaml:"progress"`
	Step           string           `json:"current_step,omitempty" yaml:"current_step,omitempty"`
	Rows           []map[string]any `json:"generated_rows,omitempty" yaml:"generated_rows,omitempty"`
	Validation     *validationDoc   `json:"validation,omitempty" yaml:"validation,omitempty"`
	Result         any              `json:"result,omitempty" yaml:"result,omitempty"`
	Error          string           `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt      *time.Time       `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

type validationDoc struct {
	Total   int `json:"total" yaml:"total"`
	Valid   int `json:"valid" yaml:"valid"`
	Invalid int `json:"invalid" yaml:"invalid"`
	Errors  int `json:"errors" yaml:"errors"`
}

type recordsDoc struct {
	Version  string           `json:"version,omitempty" yaml:"version,omitempty"`
	ReadOnly bool             `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Records  []map[string]any `json:"records" yaml:"records"`
}

type versionsDoc struct {
	Selected string                 `json:"selected,omitempty" yaml:"selected,omitempty"`
	Versions []model.HistoryVersion `json:"versions" yaml:"versions"`
}

type receiptDoc struct {
	Saved   int                 `json:"saved" yaml:"saved"`
	Updates []model.FieldUpdate `json:"updates,omitempty" yaml:"updates,omitempty"`
}

// Task prints one workflow task
func (p *Printer) Task(t model.WorkflowTask) error {
	doc := taskDoc{
		ID:             t.ID,
		CorrelationKey: t.CorrelationKey,
		Kind:           t.Kind,
		Status:         t.Status,
		Progress:       t.Progress,
		Step:           t.StepLabel,
		Error:          t.Error,
	}
	if !t.UpdatedAt.IsZero() {
		at := t.UpdatedAt
		doc.UpdatedAt = &at
	}
	if t.Interrupt != nil {
		doc.Rows = t.Interrupt.GeneratedBody
		if v := t.Interrupt.Validation; v != nil {
			doc.Validation = &validationDoc{Total: v.Total, Valid: v.ValidCount, Invalid: v.InvalidCount, Errors: v.TotalErrors}
		}
	}
	if len(t.Result) > 0 {
		var result any
		if err := json.Unmarshal(t.Result, &result); err != nil {
			return fmt.Errorf("decode task result: %w", err)
		}
		doc.Result = result
	}
	return p.write(doc)
}

// Records prints a record list. version is empty for the live list.
func (p *Printer) Records(version string, readOnly bool, records []model.Record) error {
	doc := recordsDoc{Version: version, ReadOnly: readOnly, Records: make([]map[string]any, 0, len(records))}
	for _, r := range records {
		doc.Records = append(doc.Records, flatten(r))
	}
	return p.write(doc)
}

// Snapshot prints the frozen records of a past version
func (p *Printer) Snapshot(s *model.HistorySnapshot) error {
	return p.Records(s.Version(), true, s.Records())
}

// Versions prints the version list and the current selection
func (p *Printer) Versions(versions []model.HistoryVersion, selected string) error {
	if versions == nil {
		versions = []model.HistoryVersion{}
	}
	return p.write(versionsDoc{Selected: selected, Versions: versions})
}

// Receipt prints what a commit saved
func (p *Printer) Receipt(r edit.Receipt) error {
	return p.write(receiptDoc{Saved: len(r.Updates), Updates: r.Updates})
}

func (p *Printer) write(doc any) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
	default:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
	}
	return nil
}

// flatten puts the record id next to its fields
func flatten(r model.Record) map[string]any {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	return out
}

// ─── Notice Sink ───

// NoticeSink writes notices as single terminal lines
type NoticeSink struct {
	mu      sync.Mutex
	w       io.Writer
	loading map[string]string
}

// NewNoticeSink creates a sink writing to w, usually stderr
func NewNoticeSink(w io.Writer) *NoticeSink {
	return &NoticeSink{w: w, loading: make(map[string]string)}
}

func (s *NoticeSink) Show(n notice.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.Level == notice.LevelLoading && n.Key != "" {
		s.loading[n.Key] = n.Message
	}
	fmt.Fprintf(s.w, "%-8s %s\n", strings.ToUpper(string(n.Level)), n.Message)
}

func (s *NoticeSink) Dismiss(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.loading[key]; ok {
		delete(s.loading, key)
		fmt.Fprintf(s.w, "%-8s %s\n", "DONE", msg)
	}
}

// Loading lists the messages of active loading notices, sorted
func (s *NoticeSink) Loading() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loading))
	for _, msg := range s.loading {
		out = append(out, msg)
	}
	sort.Strings(out)
	return out
}
