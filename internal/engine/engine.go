package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/jobs"
	"caseline/internal/store"
)

// Engine runs the case orchestration operations. Calls are serialized; job
// completion callbacks arrive through the runtime and only touch the store.
type Engine struct {
	Store   *store.Store
	Runtime *jobs.Runtime
	Events  events.Writer
	Config  *config.Config
	Clock   clock.Clock
	Log     *zap.Logger

	mu sync.Mutex
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.Clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.Log = l
		}
	}
}

func New(st *store.Store, rt *jobs.Runtime, cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		Store:   st,
		Runtime: rt,
		Config:  cfg,
		Clock:   clock.RealClock{},
		Log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Events = events.Writer{Store: st, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	return e.Clock.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// wait applies the configured API latency. It returns early with the context
// error when ctx is done first.
func (e *Engine) wait(ctx context.Context) error {
	d := e.Config.Simulation.APILatency()
	if d <= 0 {
		return ctx.Err()
	}
	t := e.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// CaseDetail is a case with everything recorded about it.
type CaseDetail struct {
	Case     domain.Case            `json:"case"`
	Person   domain.Person          `json:"person"`
	Jobs     []domain.ModelJob      `json:"jobs"`
	Timeline []domain.TimelineEvent `json:"timeline"`
}

// ListCases returns every case, or only those currently on stage.
func (e *Engine) ListCases(ctx context.Context, stage domain.Stage) ([]domain.Case, error) {
	if stage != "" && !stage.Valid() {
		return nil, invalidStage(stage)
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	return e.Store.ListCases(ctx, stage)
}

func (e *Engine) GetCaseDetail(ctx context.Context, caseID string) (CaseDetail, error) {
	if err := e.wait(ctx); err != nil {
		return CaseDetail{}, err
	}
	c, err := e.Store.GetCase(ctx, caseID)
	if err != nil {
		return CaseDetail{}, err
	}
	p, err := e.Store.GetPerson(ctx, c.PersonID)
	if err != nil {
		return CaseDetail{}, err
	}
	js, err := e.Store.ListJobs(ctx, caseID)
	if err != nil {
		return CaseDetail{}, err
	}
	tl, err := e.Store.ListTimeline(ctx, caseID)
	if err != nil {
		return CaseDetail{}, err
	}
	if js == nil {
		js = []domain.ModelJob{}
	}
	if tl == nil {
		tl = []domain.TimelineEvent{}
	}
	return CaseDetail{Case: c, Person: p, Jobs: js, Timeline: tl}, nil
}

// ListTimeline returns events newest first. An empty caseID lists every case.
func (e *Engine) ListTimeline(ctx context.Context, caseID string) ([]domain.TimelineEvent, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	if caseID != "" {
		if _, err := e.Store.GetCase(ctx, caseID); err != nil {
			return nil, err
		}
	}
	return e.Store.ListTimeline(ctx, caseID)
}

func (e *Engine) GetJob(ctx context.Context, jobID string) (domain.ModelJob, error) {
	if err := e.wait(ctx); err != nil {
		return domain.ModelJob{}, err
	}
	return e.Store.GetJob(ctx, jobID)
}

// ResetAll stops every simulated job and reseeds the store.
func (e *Engine) ResetAll(ctx context.Context) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.Runtime.CancelAll()
	if err := e.Store.ResetAll(ctx); err != nil {
		return err
	}
	e.Log.Info("all cases reset", zap.Int("cancelled_jobs", n))
	return nil
}

// ResetOneCase stops the case's jobs and restores it to its seeded state.
func (e *Engine) ResetOneCase(ctx context.Context, caseID string) (domain.Case, error) {
	if err := e.wait(ctx); err != nil {
		return domain.Case{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.Store.GetCase(ctx, caseID); err != nil {
		return domain.Case{}, err
	}
	n := e.Runtime.CancelCase(caseID)
	if err := e.Store.ResetCase(ctx, caseID); err != nil {
		return domain.Case{}, err
	}
	e.Log.Info("case reset", zap.String("case_id", caseID), zap.Int("cancelled_jobs", n))
	return e.Store.GetCase(ctx, caseID)
}

// Resume relaunches persisted QUEUED and RUNNING jobs that have no timers,
// typically after a restart. Running jobs continue from the time already
// spent since they started.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	all, err := e.Store.ListJobs(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range all {
		if !job.Active() || e.Runtime.Pending(job.JobID) {
			continue
		}
		if err := e.launch(ctx, job, e.elapsed(job)); err != nil {
			return n, fmt.Errorf("resume %s: %w", job.JobID, err)
		}
		n++
	}
	if n > 0 {
		e.Log.Info("resumed jobs", zap.Int("count", n))
	}
	return n, nil
}

func (e *Engine) elapsed(job domain.ModelJob) time.Duration {
	if job.Status != domain.JobRunning || job.StartedAt == "" {
		return 0
	}
	started, err := time.Parse(time.RFC3339, job.StartedAt)
	if err != nil {
		return 0
	}
	return e.now().Sub(started)
}

func (e *Engine) launch(ctx context.Context, job domain.ModelJob, elapsed time.Duration) error {
	return e.Runtime.Launch(ctx, job,
		e.Config.Simulation.StageDuration(job.Stage),
		e.completion(job.Stage),
		jobs.WithFailureHandler(e.jobFailed),
		jobs.WithElapsed(elapsed))
}

// InstantCompleteLatestJob finishes the active job of (caseID, stage) now.
// A latest job that already finished is returned unchanged.
func (e *Engine) InstantCompleteLatestJob(ctx context.Context, caseID string, stage domain.Stage) (domain.ModelJob, error) {
	return e.finishLatest(ctx, "complete job", caseID, stage, func(jobID string) (domain.ModelJob, bool, error) {
		return e.Runtime.Complete(ctx, jobID)
	})
}

// FailLatestJob marks the active job of (caseID, stage) FAILED. The stage
// status stays as it is so that the model can be requested again.
func (e *Engine) FailLatestJob(ctx context.Context, caseID string, stage domain.Stage, reason string) (domain.ModelJob, error) {
	return e.finishLatest(ctx, "fail job", caseID, stage, func(jobID string) (domain.ModelJob, bool, error) {
		return e.Runtime.Fail(ctx, jobID, reason)
	})
}

func (e *Engine) finishLatest(ctx context.Context, op, caseID string, stage domain.Stage, finish func(jobID string) (domain.ModelJob, bool, error)) (domain.ModelJob, error) {
	if !stage.Valid() {
		return domain.ModelJob{}, invalidStage(stage)
	}
	if err := e.wait(ctx); err != nil {
		return domain.ModelJob{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.Store.GetCase(ctx, caseID); err != nil {
		return domain.ModelJob{}, err
	}
	job, ok, err := e.Store.LatestJob(ctx, caseID, stage)
	if err != nil {
		return domain.ModelJob{}, err
	}
	if !ok {
		return domain.ModelJob{}, precondition(op, caseID, "no %s job has been requested", stage)
	}
	if !job.Active() {
		return job, nil
	}
	got, _, err := finish(job.JobID)
	if errors.Is(err, jobs.ErrNoRuntime) {
		if err := e.launch(ctx, job, e.elapsed(job)); err != nil {
			return domain.ModelJob{}, err
		}
		got, _, err = finish(job.JobID)
	}
	if err != nil {
		return got, err
	}
	return got, nil
}

func invalidStage(stage domain.Stage) error {
	return &ValidationError{
		Fields: map[string]string{"stage": "must be one of STAGE1, STAGE2, STAGE3"},
		Err:    fmt.Errorf("invalid stage %q", stage),
	}
}
