package fake

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sunshow/workgear/client/internal/engine"
	"github.com/sunshow/workgear/client/internal/model"
)

type subject struct {
	records  []model.Record
	versions []version // newest first
	inUse    bool
	pending  *engine.RegenerateRequest
	nextID   int
}

type version struct {
	meta    model.HistoryVersion
	records []model.Record
}

func (e *Engine) subjectLocked(id string) *subject {
	s, ok := e.subjects[id]
	if !ok {
		s = &subject{nextID: 1}
		e.subjects[id] = s
	}
	return s
}

// SetRecords replaces a subject's records
func (e *Engine) SetRecords(subjectID string, records []model.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.subjectLocked(subjectID)
	s.records = model.CloneRecords(records)
	for _, r := range records {
		if n, err := strconv.Atoi(r.ID); err == nil && n >= s.nextID {
			s.nextID = n + 1
		}
	}
}

// SetInUse marks a subject's records as used downstream
func (e *Engine) SetInUse(subjectID string, inUse bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subjectLocked(subjectID).inUse = inUse
}

// ListRecords returns a subject's records
func (e *Engine) ListRecords(_ context.Context, subjectID string) ([]model.Record, error) {
	if err := e.enter(OpListRecords); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.CloneRecords(e.subjectLocked(subjectID).records), nil
}

// Regenerate accepts a request. With autoplay it completes after one step,
// otherwise CompleteRegeneration finishes it.
func (e *Engine) Regenerate(_ context.Context, subjectID string, req engine.RegenerateRequest) error {
	if err := e.enter(OpRegenerate); err != nil {
		return err
	}

	e.mu.Lock()
	s := e.subjectLocked(subjectID)
	if s.inUse && !req.Force {
		e.mu.Unlock()
		return fmt.Errorf("regenerate %s: %w", subjectID, model.ErrRecordsInUse)
	}
	r := req
	s.pending = &r
	e.mu.Unlock()

	e.logger.Infow("Regeneration requested", "subject_id", subjectID, "force", req.Force)
	if e.cfg.Autoplay {
		go func() {
			if e.wait() {
				_ = e.CompleteRegeneration(subjectID)
			}
		}()
	}
	return nil
}

// CompleteRegeneration replaces a subject's records with freshly generated
// ones, records them as the newest version and pushes test_points_generated.
func (e *Engine) CompleteRegeneration(subjectID string) error {
	e.mu.Lock()
	s := e.subjectLocked(subjectID)
	if s.pending == nil {
		e.mu.Unlock()
		return fmt.Errorf("no regeneration pending for %s: %w", subjectID, model.ErrNotFound)
	}
	req := *s.pending
	s.pending = nil

	fresh := make([]model.Record, e.cfg.Rows)
	for i := range fresh {
		fresh[i] = model.Record{
			ID: strconv.Itoa(s.nextID),
			Fields: map[string]any{
				"title":    fmt.Sprintf("Generated test point %d", s.nextID),
				"priority": "medium",
				"feedback": req.Feedback,
			},
		}
		s.nextID++
	}
	s.records = fresh
	s.versions = append([]version{{
		meta: model.HistoryVersion{
			Version:       fmt.Sprintf("v%03d", len(s.versions)+1),
			Status:        "completed",
			PromptSummary: req.Feedback,
			CreatedAt:     e.cfg.Clock.Now(),
		},
		records: model.CloneRecords(fresh),
	}}, s.versions...)
	e.mu.Unlock()

	e.Push(map[string]any{
		"type":           "test_points_generated",
		"requirement_id": subjectID,
		"count":          len(fresh),
		"message":        fmt.Sprintf("%d test points generated", len(fresh)),
	})
	return nil
}

// BulkUpdate applies field edits to a subject's records
func (e *Engine) BulkUpdate(_ context.Context, subjectID string, updates []model.FieldUpdate) error {
	if err := e.enter(OpBulkUpdate); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.subjectLocked(subjectID)
	index := make(map[string]int, len(s.records))
	for i, r := range s.records {
		index[r.ID] = i
	}
	for _, u := range updates {
		i, ok := index[u.RecordID]
		if !ok {
			return &engine.APIError{Status: http.StatusNotFound, Detail: "test point " + u.RecordID + " not found"}
		}
		s.records[i].Fields[u.Field] = model.CloneValue(u.Value)
	}
	return nil
}

// ListVersions returns a subject's versions, newest first
func (e *Engine) ListVersions(_ context.Context, subjectID string) ([]model.HistoryVersion, error) {
	if err := e.enter(OpListVersions); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.subjectLocked(subjectID)
	out := make([]model.HistoryVersion, 0, len(s.versions))
	for _, v := range s.versions {
		out = append(out, v.meta)
	}
	return out, nil
}

// FetchSnapshot returns the records of one version
func (e *Engine) FetchSnapshot(_ context.Context, subjectID, ver string) ([]model.Record, error) {
	if err := e.enter(OpFetchSnapshot); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.subjectLocked(subjectID).versions {
		if v.meta.Version == ver {
			return model.CloneRecords(v.records), nil
		}
	}
	return nil, &engine.APIError{Status: http.StatusNotFound, Detail: "version " + ver + " not found"}
}

// AddVersion records a version directly, for seeding
func (e *Engine) AddVersion(subjectID, ver string, createdAt time.Time, records []model.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.subjectLocked(subjectID)
	s.versions = append([]version{{
		meta:    model.HistoryVersion{Version: ver, Status: "completed", CreatedAt: createdAt},
		records: model.CloneRecords(records),
	}}, s.versions...)
}
