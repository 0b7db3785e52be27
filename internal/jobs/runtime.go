// Package jobs simulates model jobs on a clock. A launched job waits a short
// queue delay, turns RUNNING, advances its progress on a fixed tick and
// finally succeeds, running its completion callback exactly once.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/metrics"
)

// Store is the job persistence the runtime writes through.
type Store interface {
	GetJob(ctx context.Context, jobID string) (domain.ModelJob, error)
	MutateJob(ctx context.Context, jobID string, fn func(j *domain.ModelJob) error) (domain.ModelJob, error)
}

// CompleteFunc runs once after a job is stored as SUCCEEDED.
type CompleteFunc func(ctx context.Context, job domain.ModelJob) error

// FailFunc runs once after a job is stored as FAILED.
type FailFunc func(ctx context.Context, job domain.ModelJob, reason string) error

var (
	errTerminal  = errors.New("job already terminal")
	ErrNoRuntime = errors.New("job has no runtime")
)

type LaunchOption func(*run)

func WithFailureHandler(fn FailFunc) LaunchOption {
	return func(r *run) { r.onFail = fn }
}

// WithElapsed starts the simulation as if d had already passed. Used when
// resuming persisted jobs.
func WithElapsed(d time.Duration) LaunchOption {
	return func(r *run) {
		if d > 0 {
			r.elapsed = d
		}
	}
}

type run struct {
	jobID      string
	caseID     string
	stage      domain.Stage
	duration   time.Duration
	elapsed    time.Duration
	launchedAt time.Time
	startedAt  time.Time
	progress   int

	gen   int
	queue clock.Timer
	tick  clock.Timer

	onComplete CompleteFunc
	onFail     FailFunc
}

type Runtime struct {
	mu    sync.Mutex
	clock clock.WithDelayedExecution
	store Store
	sim   config.Simulation
	log   *zap.Logger

	metrics *metrics.Metrics
	runs    map[string]*run
}

type Option func(*Runtime)

func WithClock(c clock.WithDelayedExecution) Option {
	return func(r *Runtime) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

func New(store Store, sim config.Simulation, opts ...Option) *Runtime {
	r := &Runtime{
		clock: clock.RealClock{},
		store: store,
		sim:   sim,
		log:   zap.NewNop(),
		runs:  map[string]*run{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now is the runtime clock's current time.
func (r *Runtime) Now() time.Time {
	return r.clock.Now()
}

func (r *Runtime) stamp() string {
	return r.clock.Now().UTC().Format(time.RFC3339)
}

// Launch starts simulating job over duration. Launching a job that already
// has timers is a no-op. With simulation disabled the job is finalized before
// Launch returns.
func (r *Runtime) Launch(ctx context.Context, job domain.ModelJob, duration time.Duration, onComplete CompleteFunc, opts ...LaunchOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[job.JobID]; ok {
		return nil
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", job.JobID, job.Status)
	}
	ru := &run{
		jobID:      job.JobID,
		caseID:     job.CaseID,
		stage:      job.Stage,
		duration:   duration,
		launchedAt: r.clock.Now(),
		progress:   job.Progress,
		onComplete: onComplete,
	}
	for _, opt := range opts {
		opt(ru)
	}
	r.runs[job.JobID] = ru
	r.metrics.JobLaunched(string(job.Stage))
	r.log.Debug("job launched",
		zap.String("job_id", job.JobID),
		zap.String("stage", string(job.Stage)),
		zap.Duration("duration", duration))

	if !r.sim.Enabled {
		_, err := r.finishLocked(ctx, ru, domain.JobSucceeded, "")
		if errors.Is(err, errTerminal) {
			return nil
		}
		return err
	}
	if job.Status == domain.JobRunning {
		ru.startedAt = r.clock.Now().Add(-ru.elapsed)
		r.scheduleTickLocked(ru)
		return nil
	}
	gen := ru.gen
	ru.queue = r.clock.AfterFunc(r.sim.QueueDelay(), func() { go r.start(ru, gen) })
	return nil
}

// current reports whether ru is still registered and gen is its latest
// schedule. Stale callbacks fail this check and return.
func (r *Runtime) current(ru *run, gen int) bool {
	return r.runs[ru.jobID] == ru && ru.gen == gen
}

func (r *Runtime) start(ru *run, gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.current(ru, gen) {
		return
	}
	ru.queue = nil
	ru.startedAt = r.clock.Now().Add(-ru.elapsed)
	r.scheduleTickLocked(ru)

	eta := secondsCeil(ru.duration - ru.elapsed)
	_, err := r.store.MutateJob(context.Background(), ru.jobID, func(j *domain.ModelJob) error {
		if j.Status.Terminal() {
			return errTerminal
		}
		j.Status = domain.JobRunning
		j.StartedAt = r.stamp()
		j.ETASeconds = eta
		return nil
	})
	if err != nil {
		r.dropOnErrorLocked(ru, err)
	}
}

func (r *Runtime) scheduleTickLocked(ru *run) {
	ru.gen++
	gen := ru.gen
	ru.tick = r.clock.AfterFunc(r.sim.Tick(), func() { go r.advance(ru, gen) })
}

func (r *Runtime) advance(ru *run, gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.current(ru, gen) {
		return
	}
	elapsed := r.clock.Since(ru.startedAt)
	if ru.duration <= 0 || elapsed >= ru.duration {
		if _, err := r.finishLocked(context.Background(), ru, domain.JobSucceeded, ""); err != nil && !errors.Is(err, errTerminal) {
			r.log.Warn("job completion failed", zap.String("job_id", ru.jobID), zap.Error(err))
		}
		return
	}
	progress := int(math.Floor(float64(elapsed) / float64(ru.duration) * 100))
	if progress > 99 {
		progress = 99
	}
	if progress < ru.progress {
		progress = ru.progress
	}
	ru.progress = progress
	eta := secondsCeil(ru.duration - elapsed)
	r.scheduleTickLocked(ru)

	_, err := r.store.MutateJob(context.Background(), ru.jobID, func(j *domain.ModelJob) error {
		if j.Status.Terminal() {
			return errTerminal
		}
		if progress > j.Progress {
			j.Progress = progress
		}
		j.ETASeconds = eta
		return nil
	})
	if err != nil {
		r.dropOnErrorLocked(ru, err)
	}
}

// dropOnErrorLocked releases a run whose job vanished or finished elsewhere.
func (r *Runtime) dropOnErrorLocked(ru *run, err error) {
	if !errors.Is(err, errTerminal) {
		r.log.Warn("job update failed, dropping timers", zap.String("job_id", ru.jobID), zap.Error(err))
	}
	r.releaseLocked(ru)
}

// finishLocked stores the terminal status and runs the matching callback.
// It returns errTerminal when the store already held a terminal status.
func (r *Runtime) finishLocked(ctx context.Context, ru *run, status domain.JobStatus, reason string) (domain.ModelJob, error) {
	r.releaseLocked(ru)
	ts := r.stamp()
	job, err := r.store.MutateJob(ctx, ru.jobID, func(j *domain.ModelJob) error {
		if j.Status.Terminal() {
			return errTerminal
		}
		if j.StartedAt == "" {
			j.StartedAt = ts
		}
		j.Status = status
		j.ETASeconds = 0
		j.FinishedAt = ts
		if status == domain.JobSucceeded {
			j.Progress = 100
		} else {
			j.Error = reason
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errTerminal) {
			got, gerr := r.store.GetJob(ctx, ru.jobID)
			if gerr != nil {
				return domain.ModelJob{}, gerr
			}
			return got, errTerminal
		}
		return domain.ModelJob{}, err
	}
	r.metrics.JobFinished(string(ru.stage), string(status), r.clock.Since(ru.launchedAt))
	r.log.Debug("job finished", zap.String("job_id", ru.jobID), zap.String("status", string(status)))

	switch status {
	case domain.JobSucceeded:
		if ru.onComplete != nil {
			if err := ru.onComplete(ctx, job); err != nil {
				return job, fmt.Errorf("complete %s: %w", ru.jobID, err)
			}
		}
	case domain.JobFailed:
		if ru.onFail != nil {
			if err := ru.onFail(ctx, job, reason); err != nil {
				return job, fmt.Errorf("fail %s: %w", ru.jobID, err)
			}
		}
	case domain.JobQueued, domain.JobRunning:
	}
	return job, nil
}

func (r *Runtime) releaseLocked(ru *run) {
	if r.runs[ru.jobID] != ru {
		return
	}
	if ru.queue != nil {
		ru.queue.Stop()
	}
	if ru.tick != nil {
		ru.tick.Stop()
	}
	ru.gen++
	delete(r.runs, ru.jobID)
	r.metrics.JobReleased()
}

// Complete finalizes an active job now. It reports false, without error,
// when the job had already finished.
func (r *Runtime) Complete(ctx context.Context, jobID string) (domain.ModelJob, bool, error) {
	return r.terminate(ctx, jobID, domain.JobSucceeded, "")
}

// Fail marks an active job FAILED with reason. Nothing in the simulation
// calls it on its own.
func (r *Runtime) Fail(ctx context.Context, jobID, reason string) (domain.ModelJob, bool, error) {
	if reason == "" {
		reason = "failed by operator"
	}
	return r.terminate(ctx, jobID, domain.JobFailed, reason)
}

func (r *Runtime) terminate(ctx context.Context, jobID string, status domain.JobStatus, reason string) (domain.ModelJob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ru, ok := r.runs[jobID]
	if !ok {
		job, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			return domain.ModelJob{}, false, err
		}
		if job.Status.Terminal() {
			return job, false, nil
		}
		return job, false, fmt.Errorf("job %s: %w", jobID, ErrNoRuntime)
	}
	job, err := r.finishLocked(ctx, ru, status, reason)
	if errors.Is(err, errTerminal) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	return job, true, nil
}

// Cancel stops every timer of jobID without touching the stored job.
func (r *Runtime) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ru, ok := r.runs[jobID]
	if ok {
		r.releaseLocked(ru)
	}
	return ok
}

// CancelCase stops the timers of every job of caseID.
func (r *Runtime) CancelCase(caseID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ru := range r.runs {
		if ru.caseID == caseID {
			r.releaseLocked(ru)
			n++
		}
	}
	return n
}

func (r *Runtime) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ru := range r.runs {
		r.releaseLocked(ru)
		n++
	}
	return n
}

// Pending reports whether jobID has live timers.
func (r *Runtime) Pending(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[jobID]
	return ok
}

// Len is the number of jobs with live timers.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func secondsCeil(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
