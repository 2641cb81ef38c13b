package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/sunshow/workgear/client/internal/engine"
	"github.com/sunshow/workgear/client/internal/model"
)

// CodeRecordsInUse is the conflict code returned when regeneration would wipe used records
const CodeRecordsInUse = "test_points_in_use"

// Config configures a Client
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RateLimit caps requests per second; 0 disables pacing
	RateLimit float64
	RateBurst int
	// Transport overrides the base round tripper, mainly for tests
	Transport http.RoundTripper
	Logger    *zap.SugaredLogger
}

// Client talks to the engine's REST API
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.SugaredLogger
}

var _ engine.Gateway = (*Client)(nil)

// New creates an engine API client
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse engine base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("engine base url %q: %w", cfg.BaseURL, model.ErrNotValid)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var rt http.RoundTripper = http.DefaultTransport
	if cfg.Transport != nil {
		rt = cfg.Transport
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		rt = &pacedTransport{next: rt, limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)}
	}

	hc := &http.Client{Transport: rt}
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}))
	}
	hc.Timeout = cfg.Timeout

	return &Client{
		base:   base,
		http:   hc,
		logger: cfg.Logger.With("component", "engine-api"),
	}, nil
}

// pacedTransport waits for the limiter before every request
type pacedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("wait for request slot: %w", err)
	}
	return t.next.RoundTrip(req)
}

// ─── Workflow ───

type startResponse struct {
	TaskID   flexID `json:"task_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// Start launches an automation case creation workflow
func (c *Client) Start(ctx context.Context, req engine.StartRequest) (model.TaskRef, error) {
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, "/automation/workflow/start", nil, req, &resp); err != nil {
		return model.TaskRef{}, fmt.Errorf("start workflow: %w", err)
	}
	if resp.ThreadID == "" {
		return model.TaskRef{}, fmt.Errorf("start workflow: response without thread id: %w", model.ErrNotValid)
	}
	c.logger.Infow("Workflow started", "task_id", resp.TaskID, "thread_id", resp.ThreadID)
	return model.TaskRef{ID: string(resp.TaskID), CorrelationKey: resp.ThreadID, Kind: model.KindAutomationCase}, nil
}

type taskResponse struct {
	ID            flexID           `json:"id"`
	ThreadID      string           `json:"thread_id"`
	TaskType      string           `json:"task_type"`
	Status        string           `json:"status"`
	Progress      *int             `json:"progress"`
	CurrentStep   string           `json:"current_step"`
	InterruptData *model.Interrupt `json:"interrupt_data"`
	ResultData    json.RawMessage  `json:"result_data"`
	ErrorMessage  string           `json:"error_message"`
}

// Fetch reads a workflow task's state
func (c *Client) Fetch(ctx context.Context, ref model.TaskRef) (model.Update, error) {
	if ref.ID == "" {
		return model.Update{}, fmt.Errorf("fetch task: empty task id: %w", model.ErrNotValid)
	}
	var resp taskResponse
	if err := c.do(ctx, http.MethodGet, "/automation/workflow/tasks/"+url.PathEscape(ref.ID), nil, nil, &resp); err != nil {
		return model.Update{}, fmt.Errorf("fetch task %s: %w", ref.ID, err)
	}

	u := model.Update{
		TaskID:         string(resp.ID),
		CorrelationKey: resp.ThreadID,
		Status:         model.Status(resp.Status),
		Progress:       resp.Progress,
		StepLabel:      resp.CurrentStep,
		Error:          resp.ErrorMessage,
	}
	if u.Status == model.StatusReviewing {
		u.Interrupt = resp.InterruptData
	}
	if !isJSONNull(resp.ResultData) {
		u.Result = resp.ResultData
	}
	return u, nil
}

type resumeResponse struct {
	ThreadID      string          `json:"thread_id"`
	Status        string          `json:"status"`
	CurrentStep   string          `json:"current_step"`
	CreatedCase   json.RawMessage `json:"created_case"`
	NewUsercaseID json.RawMessage `json:"new_usercase_id"`
	Error         string          `json:"error"`
}

// Resume submits a review decision and returns the workflow state it led to
func (c *Client) Resume(ctx context.Context, correlationKey string, d model.ReviewDecision) (model.Update, error) {
	var resp resumeResponse
	path := "/automation/workflow/" + url.PathEscape(correlationKey) + "/review"
	if err := c.do(ctx, http.MethodPost, path, nil, d, &resp); err != nil {
		return model.Update{}, fmt.Errorf("resume workflow %s: %w", correlationKey, err)
	}

	u := model.Update{
		CorrelationKey: firstNonEmpty(resp.ThreadID, correlationKey),
		Status:         model.Status(resp.Status),
		StepLabel:      resp.CurrentStep,
		Error:          resp.Error,
	}
	if !u.Status.Valid() {
		// The engine reports "unknown" when the graph ended without a verdict
		u.Status = ""
	}
	if !isJSONNull(resp.CreatedCase) {
		u.Result = resp.CreatedCase
	}
	return u, nil
}

// ─── Records ───

// ListRecords lists a requirement's test points
func (c *Client) ListRecords(ctx context.Context, requirementID string) ([]model.Record, error) {
	q := url.Values{"requirement_id": {requirementID}, "limit": {"500"}}
	var rows recordRows
	if err := c.do(ctx, http.MethodGet, "/test-points/", q, nil, &rows); err != nil {
		return nil, fmt.Errorf("list test points of %s: %w", requirementID, err)
	}
	return toRecords(rows), nil
}

// Regenerate asks the engine to regenerate a requirement's test points
func (c *Client) Regenerate(ctx context.Context, requirementID string, req engine.RegenerateRequest) error {
	q := url.Values{}
	if req.Feedback != "" {
		q.Set("feedback", req.Feedback)
	}
	if req.Force {
		q.Set("force", "true")
	}
	err := c.do(ctx, http.MethodPost, "/test-points/regenerate/"+url.PathEscape(requirementID), q, nil, nil)
	var apiErr *engine.APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeRecordsInUse {
		return fmt.Errorf("regenerate test points of %s: %w: %s", requirementID, model.ErrRecordsInUse, apiErr.Detail)
	}
	if err != nil {
		return fmt.Errorf("regenerate test points of %s: %w", requirementID, err)
	}
	return nil
}

type bulkUpdateRequest struct {
	RequirementID any              `json:"requirement_id"`
	Updates       []map[string]any `json:"updates"`
}

// BulkUpdate persists field edits, grouped per record
func (c *Client) BulkUpdate(ctx context.Context, requirementID string, updates []model.FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	body := bulkUpdateRequest{RequirementID: wireID(requirementID)}
	index := make(map[string]int)
	for _, u := range updates {
		i, ok := index[u.RecordID]
		if !ok {
			i = len(body.Updates)
			index[u.RecordID] = i
			body.Updates = append(body.Updates, map[string]any{"id": wireID(u.RecordID)})
		}
		body.Updates[i][u.Field] = u.Value
	}

	if err := c.do(ctx, http.MethodPost, "/test-points/bulk-update", nil, body, nil); err != nil {
		return fmt.Errorf("bulk update test points of %s: %w", requirementID, err)
	}
	return nil
}

// ─── History ───

type versionResponse struct {
	Version       string   `json:"version"`
	Status        string   `json:"status"`
	PromptSummary string   `json:"prompt_summary"`
	CreatedAt     flexTime `json:"created_at"`
}

// ListVersions lists past generations, newest first as the engine orders them
func (c *Client) ListVersions(ctx context.Context, requirementID string) ([]model.HistoryVersion, error) {
	var rows []versionResponse
	q := url.Values{"requirement_id": {requirementID}}
	if err := c.do(ctx, http.MethodGet, "/test-points/history", q, nil, &rows); err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", requirementID, err)
	}

	out := make([]model.HistoryVersion, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.HistoryVersion{
			Version:       r.Version,
			Status:        r.Status,
			PromptSummary: r.PromptSummary,
			CreatedAt:     time.Time(r.CreatedAt),
		})
	}
	return out, nil
}

type snapshotResponse struct {
	Version    string           `json:"version"`
	TestPoints recordRows `json:"test_points"`
}

// FetchSnapshot reads the test points of one past generation
func (c *Client) FetchSnapshot(ctx context.Context, requirementID, version string) ([]model.Record, error) {
	var resp snapshotResponse
	q := url.Values{"requirement_id": {requirementID}}
	if err := c.do(ctx, http.MethodGet, "/test-points/history/"+url.PathEscape(version), q, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch version %s of %s: %w", version, requirementID, err)
	}
	return toRecords(resp.TestPoints), nil
}

// ─── Plumbing ───

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debugw("Engine request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeAPIError reads FastAPI style errors: {"detail": "text"} or
// {"detail": {"code": "...", "message": "..."}}
func decodeAPIError(resp *http.Response) error {
	apiErr := &engine.APIError{Status: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &envelope) != nil || len(envelope.Detail) == 0 {
		if s := strings.TrimSpace(string(raw)); s != "" {
			apiErr.Detail = s
		}
		return apiErr
	}

	var text string
	if json.Unmarshal(envelope.Detail, &text) == nil {
		apiErr.Detail = text
		return apiErr
	}
	var structured struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(envelope.Detail, &structured) == nil {
		apiErr.Code = structured.Code
		if structured.Message != "" {
			apiErr.Detail = structured.Message
		}
		return apiErr
	}
	apiErr.Detail = string(envelope.Detail)
	return apiErr
}

// recordRows decodes rows with exact numbers, so large ids keep every digit
type recordRows []map[string]any

func (r *recordRows) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return err
	}
	*r = rows
	return nil
}

func toRecords(rows recordRows) []model.Record {
	out := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		id := idString(row["id"])
		fields := make(map[string]any, len(row))
		for k, v := range row {
			if k != "id" {
				fields[k] = plainNumbers(v)
			}
		}
		out = append(out, model.Record{ID: id, Fields: fields})
	}
	return out
}

// plainNumbers turns json.Number field values back into float64, the type
// every other decoded value uses
func plainNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = plainNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = plainNumbers(e)
		}
		return t
	default:
		return v
	}
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// wireID sends numeric ids as numbers, as the engine declares them
func wireID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func isJSONNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// flexID accepts ids sent as numbers or strings
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id %s: %w", s, err)
	}
	*f = flexID(n.String())
	return nil
}

// flexTime accepts RFC 3339 timestamps and the engine's zone-less ISO form
type flexTime time.Time

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		*f = flexTime{}
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*f = flexTime(t)
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
