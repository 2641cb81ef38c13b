package edit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/sunshow/workgear/client/internal/model"
)

// Updater persists field changes in one batch
type Updater interface {
	BulkUpdate(ctx context.Context, subjectID string, updates []model.FieldUpdate) error
}

// Guard vetoes mutations, e.g. while a past version is shown
type Guard func() error

// Normalizer maps a field value to its comparable form
type Normalizer func(v any) any

// Config configures a Tracker
type Config struct {
	SubjectID   string
	Updater     Updater
	Guard       Guard
	Normalizers map[string]Normalizer
	Logger      *zap.SugaredLogger
}

// LoadReport describes what a background load did to pending edits
type LoadReport struct {
	// Reconciled counts dirty fields dropped because the server now agrees with them
	Reconciled int
	// Orphaned lists records with pending edits that disappeared from the server
	Orphaned []string
}

// Receipt lists the updates a successful commit sent
type Receipt struct {
	Updates []model.FieldUpdate
}

// Tracker keeps the last known server values of a record list apart from
// the user's pending edits. A field is dirty only while its edited value
// differs from the server value, so background refreshes never lose edits.
type Tracker struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu         sync.Mutex
	order      []string
	server     map[string]model.Record
	dirty      map[string]map[string]any
	committing bool
}

// New creates an empty tracker
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Tracker{
		cfg:    cfg,
		logger: cfg.Logger.With("subject_id", cfg.SubjectID),
		server: make(map[string]model.Record),
		dirty:  make(map[string]map[string]any),
	}
}

// ─── Loading ───

// Reset replaces the server snapshot and drops every pending edit
func (t *Tracker) Reset(records []model.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaceLocked(records)
	t.dirty = make(map[string]map[string]any)
}

// Load replaces the server snapshot from a background refresh. Pending edits
// survive unless the server now holds the same value or the record is gone.
func (t *Tracker) Load(records []model.Record) LoadReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.replaceLocked(records)
	report := t.reconcileLocked()
	if len(report.Orphaned) > 0 {
		t.logger.Warnw("Dropped pending edits of records removed on the server", "records", report.Orphaned)
	}
	return report
}

// LoadConfirmed is Load for the refresh that follows a successful commit.
// Fields still holding exactly what the commit sent are cleared as well.
func (t *Tracker) LoadConfirmed(records []model.Record, receipt Receipt) LoadReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.replaceLocked(records)
	for _, u := range receipt.Updates {
		if v, ok := t.dirty[u.RecordID][u.Field]; ok && t.equal(u.Field, v, u.Value) {
			t.clearLocked(u.RecordID, u.Field)
		}
	}
	return t.reconcileLocked()
}

func (t *Tracker) replaceLocked(records []model.Record) {
	t.order = make([]string, 0, len(records))
	t.server = make(map[string]model.Record, len(records))
	for _, r := range records {
		if _, dup := t.server[r.ID]; !dup {
			t.order = append(t.order, r.ID)
		}
		t.server[r.ID] = r.Clone()
	}
}

func (t *Tracker) reconcileLocked() LoadReport {
	var report LoadReport
	for id, fields := range t.dirty {
		rec, ok := t.server[id]
		if !ok {
			report.Orphaned = append(report.Orphaned, id)
			delete(t.dirty, id)
			continue
		}
		for f, v := range fields {
			if t.equal(f, rec.Fields[f], v) {
				t.clearLocked(id, f)
				report.Reconciled++
			}
		}
	}
	sort.Strings(report.Orphaned)
	return report
}

// ─── Editing ───

// SetField records an edit. Setting a field back to its server value clears it.
func (t *Tracker) SetField(recordID, field string, value any) error {
	if err := t.guard(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.server[recordID]
	if !ok {
		return fmt.Errorf("edit %s.%s: %w", recordID, field, model.ErrUnknownRecord)
	}
	if t.equal(field, rec.Fields[field], value) {
		t.clearLocked(recordID, field)
		return nil
	}
	if t.dirty[recordID] == nil {
		t.dirty[recordID] = make(map[string]any)
	}
	t.dirty[recordID][field] = model.CloneValue(value)
	return nil
}

// Discard drops every pending edit
func (t *Tracker) Discard() error {
	if err := t.guard(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = make(map[string]map[string]any)
	return nil
}

// Commit sends every pending edit in one batch. On success the sent values
// become the server snapshot and exactly the fields that still hold them are
// cleared; edits made while the request was in flight stay pending. On
// failure nothing changes.
func (t *Tracker) Commit(ctx context.Context) (Receipt, error) {
	if err := t.guard(); err != nil {
		return Receipt{}, err
	}
	if t.cfg.Updater == nil {
		return Receipt{}, fmt.Errorf("commit: no updater configured: %w", model.ErrNotValid)
	}

	t.mu.Lock()
	if t.committing {
		t.mu.Unlock()
		return Receipt{}, model.ErrCommitInFlight
	}
	updates := t.pendingLocked()
	if len(updates) == 0 {
		t.mu.Unlock()
		return Receipt{}, nil
	}
	t.committing = true
	t.mu.Unlock()

	err := t.cfg.Updater.BulkUpdate(ctx, t.cfg.SubjectID, updates)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.committing = false
	if err != nil {
		return Receipt{}, fmt.Errorf("commit %d field updates: %w", len(updates), err)
	}

	for _, u := range updates {
		rec, ok := t.server[u.RecordID]
		if !ok {
			continue
		}
		rec = rec.Clone()
		rec.Fields[u.Field] = model.CloneValue(u.Value)
		t.server[u.RecordID] = rec
		if v, ok := t.dirty[u.RecordID][u.Field]; ok && t.equal(u.Field, v, rec.Fields[u.Field]) {
			t.clearLocked(u.RecordID, u.Field)
		}
	}
	t.logger.Infow("Committed edits", "updates", len(updates))
	return Receipt{Updates: updates}, nil
}

// ─── Reading ───

// Records returns the visible records: server values overlaid with pending edits
func (t *Tracker) Records() []model.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.Record, 0, len(t.order))
	for _, id := range t.order {
		rec := t.server[id].Clone()
		for f, v := range t.dirty[id] {
			rec.Fields[f] = model.CloneValue(v)
		}
		out = append(out, rec)
	}
	return out
}

// Snapshot returns the last known server values
func (t *Tracker) Snapshot() []model.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.server[id].Clone())
	}
	return out
}

// Value returns the visible value of one field
func (t *Tracker) Value(recordID, field string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.dirty[recordID][field]; ok {
		return model.CloneValue(v), true
	}
	rec, ok := t.server[recordID]
	if !ok {
		return nil, false
	}
	return model.CloneValue(rec.Fields[field]), true
}

// Dirty reports whether any edit is pending
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty) > 0
}

// DirtyFields returns the pending fields of one record, sorted
func (t *Tracker) DirtyFields(recordID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := make([]string, 0, len(t.dirty[recordID]))
	for f := range t.dirty[recordID] {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Pending returns the updates a commit would send, in record order
func (t *Tracker) Pending() []model.FieldUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingLocked()
}

func (t *Tracker) pendingLocked() []model.FieldUpdate {
	var updates []model.FieldUpdate
	for _, id := range t.order {
		fields := make([]string, 0, len(t.dirty[id]))
		for f := range t.dirty[id] {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			updates = append(updates, model.FieldUpdate{RecordID: id, Field: f, Value: model.CloneValue(t.dirty[id][f])})
		}
	}
	return updates
}

func (t *Tracker) clearLocked(recordID, field string) {
	delete(t.dirty[recordID], field)
	if len(t.dirty[recordID]) == 0 {
		delete(t.dirty, recordID)
	}
}

func (t *Tracker) guard() error {
	if t.cfg.Guard == nil {
		return nil
	}
	return t.cfg.Guard()
}

func (t *Tracker) equal(field string, a, b any) bool {
	norm := Normalize
	if n, ok := t.cfg.Normalizers[field]; ok {
		norm = n
	}
	return cmp.Equal(norm(a), norm(b), cmpopts.EquateEmpty())
}

// Normalize is the default comparison form: nil and blank strings are equal
// to "", and numbers compare by value whatever their decoded type.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = Normalize(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = Normalize(vv)
		}
		return s
	default:
		return v
	}
}
