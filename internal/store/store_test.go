package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
	"caseline/internal/metrics"
	"caseline/internal/seed"
	"caseline/internal/store"
)

var base = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store     *store.Store
	persister *store.MemoryPersister
	metrics   *metrics.Metrics
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{persister: store.NewMemoryPersister(nil), metrics: metrics.New(), now: base}
	env.store = store.New(env.persister, seed.Func(base),
		store.WithMetrics(env.metrics),
		store.WithNow(func() time.Time { return env.now }))
	return env
}

func TestLoadSeedsAndPersists(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Cases, 9)
	assert.Empty(t, st.Jobs)
	assert.Empty(t, st.Timeline)
	assert.Equal(t, 1, env.persister.Saves())
	assert.Equal(t, uint64(1), env.store.Version())
}

func TestMalformedSnapshotReseeds(t *testing.T) {
	for name, raw := range map[string]string{
		"missing jobs":  `{"persons":{},"cases":{},"timeline":[]}`,
		"null timeline": `{"persons":{},"cases":{},"jobs":{},"timeline":null}`,
		"not json":      `{{{`,
	} {
		t.Run(name, func(t *testing.T) {
			s := store.New(store.NewMemoryPersister([]byte(raw)), seed.Func(base))
			st, err := s.Load(context.Background())
			require.NoError(t, err)
			assert.Len(t, st.Cases, 9)
		})
	}
}

func TestReadsAreDeepCopies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, err := env.store.GetCase(ctx, "CASE-2025-0003")
	require.NoError(t, err)
	c.Stage1.Result.KeyFactors[0] = "tampered"
	c.Ops.LoopStep[domain.Stage1ID] = 99

	again, err := env.store.GetCase(ctx, "CASE-2025-0003")
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", again.Stage1.Result.KeyFactors[0])
	assert.Equal(t, 2, again.Ops.LoopStep[domain.Stage1ID])
}

func TestMutateCase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.now = base.Add(time.Hour)

	var changes []store.Change
	unsubscribe := env.store.Subscribe(func(ch store.Change) { changes = append(changes, ch) })

	c, err := env.store.MutateCase(ctx, seed.HeroCaseID, func(c *domain.Case) error {
		c.Stage1.Status = domain.Stage1InProgress
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Stage1InProgress, c.Stage1.Status)
	assert.Equal(t, "2025-03-03T10:00:00Z", c.UpdatedAt)
	require.Len(t, changes, 1)
	assert.Equal(t, store.ChangeCase, changes[0].Kind)
	assert.Equal(t, env.store.Version(), changes[0].Version)

	unsubscribe()
	_, err = env.store.MutateCase(ctx, seed.HeroCaseID, func(c *domain.Case) error { return nil })
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestMutateCaseErrorWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	before, err := env.store.Export(ctx)
	require.NoError(t, err)
	version := env.store.Version()

	boom := errors.New("precondition")
	_, err = env.store.MutateCase(ctx, seed.HeroCaseID, func(c *domain.Case) error {
		c.CurrentStage = domain.Stage3ID
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := env.store.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, version, env.store.Version())

	_, err = env.store.MutateCase(ctx, "CASE-NOPE", func(c *domain.Case) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJobsAndTimeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.now = base.Add(5 * time.Minute)

	job, err := env.store.InsertJob(ctx, domain.ModelJob{CaseID: seed.HeroCaseID, Stage: domain.Stage1ID, Status: domain.JobQueued})
	require.NoError(t, err)
	assert.Equal(t, "JOB-STAGE1-CASE-2025-0001-0001", job.JobID)

	env.now = base.Add(6 * time.Minute)
	_, err = env.store.MutateJob(ctx, job.JobID, func(j *domain.ModelJob) error {
		j.Status = domain.JobRunning
		j.CaseID = "CASE-OTHER"
		return nil
	})
	require.NoError(t, err)
	got, err := env.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, seed.HeroCaseID, got.CaseID)
	c, err := env.store.GetCase(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-03T09:06:00Z", c.UpdatedAt)

	active, ok, err := env.store.ActiveJob(ctx, seed.HeroCaseID, domain.Stage1ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.JobID, active.JobID)

	_, err = env.store.MutateJob(ctx, "JOB-NOPE", func(j *domain.ModelJob) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.store.InsertJob(ctx, domain.ModelJob{CaseID: "CASE-NOPE", Stage: domain.Stage1ID})
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, typ := range []domain.EventType{domain.EventStage1ModelRequested, domain.EventStage1ModelDone} {
		_, err := env.store.AppendTimelineEvent(ctx, domain.TimelineEvent{CaseID: seed.HeroCaseID, Type: typ, TS: "2025-03-03T09:07:00Z"})
		require.NoError(t, err)
	}
	_, err = env.store.AppendTimelineEvent(ctx, domain.TimelineEvent{CaseID: "CASE-2025-0002", Type: domain.EventStage1ModelRequested, TS: "2025-03-03T09:01:00Z"})
	require.NoError(t, err)

	tl, err := env.store.ListTimeline(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	require.Len(t, tl, 2)
	assert.Equal(t, domain.EventStage1ModelDone, tl[0].Type)
	assert.Equal(t, domain.EventStage1ModelRequested, tl[1].Type)

	all, err := env.store.ListTimeline(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "CASE-2025-0002", all[2].CaseID)

	since, err := env.store.TimelineSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, int64(2), since[0].Seq)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.TimelineEvents.WithLabelValues(string(domain.EventStage1ModelRequested))))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.TimelineEvents.WithLabelValues(string(domain.EventStage1ModelDone))))
}

func TestRoundTripPersistence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, err := env.store.InsertJob(ctx, domain.ModelJob{CaseID: seed.HeroCaseID, Stage: domain.Stage1ID, Status: domain.JobQueued})
	require.NoError(t, err)
	_, err = env.store.AppendTimelineEvent(ctx, domain.TimelineEvent{
		ID: "evt-1", CaseID: seed.HeroCaseID, Type: domain.EventStage1ModelRequested,
		Meta: map[string]string{"job_id": job.JobID},
	})
	require.NoError(t, err)

	first, err := env.store.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(env.persister.Snapshot()))

	reloaded := store.New(store.NewMemoryPersister(env.persister.Snapshot()), seed.Func(base.AddDate(1, 0, 0)))
	second, err := reloaded.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(first, &raw))
	for _, k := range []string{"persons", "cases", "jobs", "timeline", "initialized_at"} {
		assert.Contains(t, raw, k)
	}
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Load(ctx)
	require.NoError(t, err)

	env.persister.SetErr(errors.New("quota exceeded"))
	c, err := env.store.MutateCase(ctx, seed.HeroCaseID, func(c *domain.Case) error {
		c.Ops.ContactPriority = domain.PriorityP1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityP1, c.Ops.ContactPriority)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.PersistFailures))

	got, err := env.store.GetCase(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityP1, got.Ops.ContactPriority)
}

func TestResetCaseKeepsOtherCases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, err := env.store.InsertJob(ctx, domain.ModelJob{CaseID: seed.HeroCaseID, Stage: domain.Stage1ID, Status: domain.JobQueued})
	require.NoError(t, err)
	_, err = env.store.AppendTimelineEvent(ctx, domain.TimelineEvent{CaseID: seed.HeroCaseID, Type: domain.EventStage1ModelRequested})
	require.NoError(t, err)
	_, err = env.store.MutateCase(ctx, "CASE-2025-0002", func(c *domain.Case) error {
		c.Stage1.Status = domain.Stage1InProgress
		return nil
	})
	require.NoError(t, err)
	_, err = env.store.AppendTimelineEvent(ctx, domain.TimelineEvent{CaseID: "CASE-2025-0002", Type: domain.EventStage1ModelRequested})
	require.NoError(t, err)

	require.NoError(t, env.store.ResetCase(ctx, seed.HeroCaseID))

	_, err = env.store.GetJob(ctx, job.JobID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	hero, err := env.store.GetCase(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	assert.Equal(t, seed.Generate(base).Cases[seed.HeroCaseID], hero)

	other, err := env.store.GetCase(ctx, "CASE-2025-0002")
	require.NoError(t, err)
	assert.Equal(t, domain.Stage1InProgress, other.Stage1.Status)
	tl, err := env.store.ListTimeline(ctx, "")
	require.NoError(t, err)
	require.Len(t, tl, 1)
	assert.Equal(t, "CASE-2025-0002", tl[0].CaseID)

	assert.ErrorIs(t, env.store.ResetCase(ctx, "CASE-NOPE"), store.ErrNotFound)
}

func TestResetAllKeepsJobSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.InsertJob(ctx, domain.ModelJob{CaseID: seed.HeroCaseID, Stage: domain.Stage1ID, Status: domain.JobQueued})
	require.NoError(t, err)
	require.NoError(t, env.store.ResetAll(ctx))

	st, err := env.store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Jobs)
	job, err := env.store.InsertJob(ctx, domain.ModelJob{CaseID: seed.HeroCaseID, Stage: domain.Stage1ID, Status: domain.JobQueued})
	require.NoError(t, err)
	assert.Equal(t, "JOB-STAGE1-CASE-2025-0001-0002", job.JobID)
}

func TestListenersSeeCommitOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Load(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var versions []uint64
	env.store.Subscribe(func(ch store.Change) {
		mu.Lock()
		versions = append(versions, ch.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.store.MutateCase(ctx, seed.HeroCaseID, func(c *domain.Case) error { return nil })
		}()
	}
	wg.Wait()

	require.Len(t, versions, 20)
	for i := 1; i < len(versions); i++ {
		assert.Equal(t, versions[i-1]+1, versions[i])
	}
}

func TestListenerCanReadStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Load(ctx)
	require.NoError(t, err)

	var seen sync.Map
	env.store.Subscribe(func(ch store.Change) {
		time.Sleep(time.Millisecond)
		seen.Store(ch.Version, env.store.Version())
		_, _ = env.store.GetCase(ctx, seed.HeroCaseID)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					_, _ = env.store.MutateCase(ctx, seed.HeroCaseID, func(c *domain.Case) error { return nil })
				}
			}()
		}
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("mutations did not finish while a listener was reading the store")
	}

	n := 0
	seen.Range(func(k, v any) bool {
		n++
		assert.GreaterOrEqual(t, v.(uint64), k.(uint64))
		return true
	})
	assert.Equal(t, 100, n)
}

func TestMutateCaseWithEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Load(ctx)
	require.NoError(t, err)

	var changes []store.Change
	env.store.Subscribe(func(ch store.Change) {
		changes = append(changes, ch)
		c, err := env.store.GetCase(ctx, seed.HeroCaseID)
		require.NoError(t, err)
		tl, err := env.store.ListTimeline(ctx, seed.HeroCaseID)
		require.NoError(t, err)
		if c.Stage1.Status == domain.Stage1Done {
			assert.Len(t, tl, 2, "case change is visible before its events")
		}
	})

	env.now = base.Add(time.Minute)
	c, evts, err := env.store.MutateCaseWithEvents(ctx, seed.HeroCaseID, func(c *domain.Case) ([]domain.TimelineEvent, error) {
		c.Stage1.Status = domain.Stage1Done
		return []domain.TimelineEvent{
			{Type: domain.EventStage1ModelDone, Summary: "done"},
			{CaseID: seed.HeroCaseID, Type: domain.EventStage1ModelDone, Summary: "again"},
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Stage1Done, c.Stage1.Status)
	require.Len(t, evts, 2)
	assert.Equal(t, seed.HeroCaseID, evts[0].CaseID)
	assert.Equal(t, evts[0].Seq+1, evts[1].Seq)
	assert.Equal(t, "2025-03-03T09:01:00Z", evts[1].TS)

	require.Len(t, changes, 1)
	assert.Equal(t, store.ChangeTimeline, changes[0].Kind)
	require.NotNil(t, changes[0].Event)
	assert.Equal(t, "again", changes[0].Event.Summary)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.TimelineEvents.WithLabelValues(string(domain.EventStage1ModelDone))))

	version := env.store.Version()
	_, _, err = env.store.MutateCaseWithEvents(ctx, seed.HeroCaseID, func(c *domain.Case) ([]domain.TimelineEvent, error) {
		c.Stage1.Status = domain.Stage1NotStarted
		return []domain.TimelineEvent{{CaseID: "CASE-2025-0002", Type: domain.EventStage1ModelDone}}, nil
	})
	require.Error(t, err)
	assert.Equal(t, version, env.store.Version())
	got, err := env.store.GetCase(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.Stage1Done, got.Stage1.Status)

	_, _, err = env.store.MutateCaseWithEvents(ctx, "CASE-NOPE", func(c *domain.Case) ([]domain.TimelineEvent, error) { return nil, nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListCasesByStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	all, err := env.store.ListCases(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 9)
	assert.Equal(t, seed.HeroCaseID, all[0].CaseID)

	counts := map[domain.Stage]int{}
	for _, s := range domain.Stages {
		cs, err := env.store.ListCases(ctx, s)
		require.NoError(t, err)
		counts[s] = len(cs)
	}
	assert.Equal(t, map[domain.Stage]int{domain.Stage1ID: 3, domain.Stage2ID: 4, domain.Stage3ID: 2}, counts)
}
