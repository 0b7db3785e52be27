package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal caseline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Case is the API case model (partial).
type Case struct {
	CaseID       string `json:"case_id"`
	PersonID     string `json:"person_id"`
	CurrentStage string `json:"current_stage"`
	Stage1       struct {
		Status string `json:"status"`
		Result *struct {
			RiskScore  int      `json:"risk_score"`
			RiskBand   string   `json:"risk_band"`
			KeyFactors []string `json:"key_factors"`
		} `json:"result,omitempty"`
	} `json:"stage1"`
	Stage2 struct {
		Status         string `json:"status"`
		Labs           *Labs  `json:"labs,omitempty"`
		Classification *struct {
			Label         string             `json:"label"`
			Probabilities map[string]float64 `json:"probabilities"`
		} `json:"classification,omitempty"`
	} `json:"stage2"`
	Stage3 struct {
		Status          string `json:"status"`
		ConversionCurve []struct {
			Month int     `json:"month"`
			Risk  float64 `json:"risk"`
		} `json:"conversion_curve,omitempty"`
	} `json:"stage3"`
	Ops struct {
		ContactPriority string         `json:"contact_priority"`
		OwnerType       string         `json:"owner_type"`
		LoopStep        map[string]int `json:"loop_step"`
	} `json:"ops"`
	UpdatedAt string `json:"updated_at"`
}

// Labs is a stage 2 lab payload.
type Labs struct {
	AmyloidRatio float64 `json:"amyloid_ratio"`
	PTau217      float64 `json:"ptau217"`
	NfL          float64 `json:"nfl"`
	APOE4Alleles int     `json:"apoe4_alleles"`
	MMSE         int     `json:"mmse"`
}

// Job is a simulated model job.
type Job struct {
	JobID      string `json:"job_id"`
	CaseID     string `json:"case_id"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	ETASeconds int    `json:"eta_seconds"`
	CreatedAt  string `json:"created_at"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Terminal reports whether the job has finished.
func (j Job) Terminal() bool {
	return j.Status == "SUCCEEDED" || j.Status == "FAILED"
}

// Event is a timeline entry.
type Event struct {
	ID      string            `json:"id"`
	Seq     int64             `json:"seq"`
	TS      string            `json:"ts"`
	CaseID  string            `json:"case_id"`
	Type    string            `json:"type"`
	Summary string            `json:"summary"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Person is the pseudonymized subject of a case.
type Person struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Sex         string `json:"sex"`
	BirthYear   int    `json:"birth_year"`
	PhoneMasked string `json:"phone_masked"`
	Region      string `json:"region"`
}

// CaseDetail is the full view of one case.
type CaseDetail struct {
	Case     Case    `json:"case"`
	Person   Person  `json:"person"`
	Jobs     []Job   `json:"jobs"`
	Timeline []Event `json:"timeline"`
}

// TimelineFilter narrows a timeline listing.
type TimelineFilter struct {
	CaseID string
	Types  []string
	Limit  int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListCases lists cases, optionally only those on stage.
func (c *Client) ListCases(ctx context.Context, stage string) ([]Case, error) {
	endpoint := "cases"
	if stage != "" {
		endpoint += "?stage=" + url.QueryEscape(stage)
	}
	var resp struct {
		Items []Case `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetCase returns a case with its person, jobs and timeline.
func (c *Client) GetCase(ctx context.Context, caseID string) (CaseDetail, error) {
	var resp CaseDetail
	err := c.do(ctx, http.MethodGet, casePath(caseID, ""), nil, &resp)
	return resp, err
}

// RunStage requests the model job for stage 1, 2 or 3.
func (c *Client) RunStage(ctx context.Context, caseID string, stage int) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, casePath(caseID, fmt.Sprintf("stage%d/run", stage)), nil, &resp)
	return resp, err
}

// Promote moves a case to stage 2 or 3.
func (c *Client) Promote(ctx context.Context, caseID string, stage int) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, fmt.Sprintf("stage%d/promote", stage)), nil, &resp)
	return resp, err
}

// SubmitLabs submits stage 2 labs. A nil labs asks the server to generate them.
func (c *Client) SubmitLabs(ctx context.Context, caseID string, labs *Labs) (Case, error) {
	var body any
	if labs != nil {
		body = labs
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, "stage2/labs"), body, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// CompleteJob finishes the latest job of a stage immediately.
func (c *Client) CompleteJob(ctx context.Context, caseID, stage string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, casePath(caseID, "jobs/"+url.PathEscape(stage)+"/complete"), nil, &resp)
	return resp, err
}

// FailJob marks the latest job of a stage FAILED.
func (c *Client) FailJob(ctx context.Context, caseID, stage, reason string) (Job, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, casePath(caseID, "jobs/"+url.PathEscape(stage)+"/fail"), body, &resp)
	return resp, err
}

// Timeline returns events newest first.
func (c *Client) Timeline(ctx context.Context, f TimelineFilter) ([]Event, error) {
	q := url.Values{}
	if f.CaseID != "" {
		q.Set("case_id", f.CaseID)
	}
	if len(f.Types) > 0 {
		q.Set("type", strings.Join(f.Types, ","))
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	endpoint := "timeline"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ResetCase restores one case to its seeded state.
func (c *Client) ResetCase(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, "reset"), nil, &resp)
	return resp, err
}

// ResetAll reseeds every case and returns the case count.
func (c *Client) ResetAll(ctx context.Context) (int, error) {
	var resp struct {
		Cases int `json:"cases"`
	}
	err := c.do(ctx, http.MethodPost, "reset", nil, &resp)
	return resp.Cases, err
}

// WaitJob polls a job until it is terminal or ctx is done.
func (c *Client) WaitJob(ctx context.Context, jobID string, every time.Duration) (Job, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil || job.Terminal() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func casePath(caseID, rest string) string {
	p := "cases/" + url.PathEscape(caseID)
	if rest != "" {
		p += "/" + rest
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
