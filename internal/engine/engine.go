package engine

import (
	"context"
	"fmt"

	"github.com/sunshow/workgear/client/internal/model"
)

// Gateway is everything the client asks of the generation engine
type Gateway interface {
	// Start launches a workflow and returns its reference
	Start(ctx context.Context, req StartRequest) (model.TaskRef, error)
	// Fetch reads a workflow's current state
	Fetch(ctx context.Context, ref model.TaskRef) (model.Update, error)
	// Resume submits a review decision for a workflow waiting at a checkpoint
	Resume(ctx context.Context, correlationKey string, d model.ReviewDecision) (model.Update, error)

	// ListRecords lists the records of a subject, e.g. a requirement's test points
	ListRecords(ctx context.Context, subjectID string) ([]model.Record, error)
	// Regenerate asks the engine to regenerate a subject's records
	Regenerate(ctx context.Context, subjectID string, req RegenerateRequest) error
	// BulkUpdate persists field edits in one batch
	BulkUpdate(ctx context.Context, subjectID string, updates []model.FieldUpdate) error

	// ListVersions lists past generations, newest first
	ListVersions(ctx context.Context, subjectID string) ([]model.HistoryVersion, error)
	// FetchSnapshot reads the records of one past generation
	FetchSnapshot(ctx context.Context, subjectID, version string) ([]model.Record, error)
}

// StartRequest starts an automation case creation workflow
type StartRequest struct {
	TestCaseID   int64  `json:"test_case_id"`
	ScenarioType string `json:"scenario_type,omitempty"`
	Name         string `json:"name,omitempty"`
	ModuleID     string `json:"module_id,omitempty"`
	SceneID      string `json:"scene_id,omitempty"`
	Description  string `json:"description,omitempty"`
}

// RegenerateRequest regenerates a subject's records
type RegenerateRequest struct {
	Feedback string
	// Force regenerates even when the records are already in use
	Force bool
}

// APIError is a non-2xx engine response
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine returned %d (%s): %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("engine returned %d: %s", e.Status, e.Detail)
}
