// Package store holds the single in-process copy of persons, cases, jobs and
// the timeline. Every write goes through a mutate function, is persisted
// synchronously, bumps the version and notifies subscribers. Reads return deep
// copies.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"caseline/internal/domain"
	"caseline/internal/metrics"
)

var ErrNotFound = errors.New("not found")

// Persister is durable snapshot storage. LoadSnapshot returns nil, nil when
// nothing has been saved yet.
type Persister interface {
	LoadSnapshot(ctx context.Context) ([]byte, error)
	SaveSnapshot(ctx context.Context, data []byte) error
}

// SeedFunc builds the pristine state.
type SeedFunc func() State

type ChangeKind string

const (
	ChangeSeed     ChangeKind = "seed"
	ChangeReset    ChangeKind = "reset"
	ChangeCase     ChangeKind = "case"
	ChangeJob      ChangeKind = "job"
	ChangeTimeline ChangeKind = "timeline"
)

// Change describes one committed mutation.
type Change struct {
	Version uint64
	Kind    ChangeKind
	CaseID  string
	JobID   string
	// Event is the newest timeline event the change appended.
	Event   *domain.TimelineEvent
}

// Listener is called after every committed mutation, in commit order and
// outside the state lock. A listener must not mutate the store.
type Listener func(Change)

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type Store struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	state   *State
	version uint64

	persister Persister
	seed      SeedFunc
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	listeners    map[int]Listener
	nextListener int
}

func New(p Persister, seed SeedFunc, opts ...Option) *Store {
	s := &Store{
		persister: p,
		seed:      seed,
		log:       zap.NewNop(),
		now:       time.Now,
		listeners: map[int]Listener{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persister == nil {
		s.persister = NewMemoryPersister(nil)
	}
	return s
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Load returns the current state, initializing it from the persister or the
// seed on first use.
func (s *Store) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return State{}, err
	}
	return s.state.Clone(), nil
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	if s.state != nil {
		return nil
	}
	data, err := s.persister.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if data != nil {
		st, err := Decode(data)
		if err == nil {
			s.state = &st
			s.log.Debug("store loaded from snapshot",
				zap.Int("cases", len(st.Cases)),
				zap.Int("jobs", len(st.Jobs)),
				zap.Int("timeline", len(st.Timeline)))
			return nil
		}
		s.log.Warn("discarding malformed snapshot, reseeding", zap.Error(err))
	}
	st := s.freshSeed()
	s.state = &st
	s.version++
	s.persistLocked(ctx)
	s.metrics.StoreMutation(string(ChangeSeed), s.version)
	return nil
}

func (s *Store) freshSeed() State {
	var st State
	if s.seed != nil {
		st = s.seed()
	}
	st.normalize()
	if st.InitializedAt == "" {
		st.InitializedAt = s.stamp()
	}
	return st
}

func (s *Store) persistLocked(ctx context.Context) {
	data, err := s.state.Encode()
	if err == nil {
		err = s.persister.SaveSnapshot(ctx, data)
	}
	if err != nil {
		s.metrics.PersistFailure()
		s.log.Warn("snapshot write failed", zap.Uint64("version", s.version), zap.Error(err))
	}
}

// update runs fn against the live state under the lock. When fn succeeds the
// change is committed and listeners are notified before update returns.
func (s *Store) update(ctx context.Context, fn func(st *State) (Change, error)) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	if err := s.ensureLoaded(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	ch, err := fn(s.state)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.version++
	ch.Version = s.version
	s.persistLocked(ctx)
	s.metrics.StoreMutation(string(ch.Kind), s.version)
	listeners := s.listenerList()
	s.mu.Unlock()

	for _, l := range listeners {
		l(ch)
	}
	return nil
}

func (s *Store) listenerList() []Listener {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

// Subscribe registers l and returns a function removing it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func touch(st *State, caseID, ts string) {
	if c, ok := st.Cases[caseID]; ok {
		c.UpdatedAt = ts
		st.Cases[caseID] = c
	}
}

// MutateCase applies fn to a copy of the case and writes it back. Nothing is
// written when fn returns an error.
func (s *Store) MutateCase(ctx context.Context, caseID string, fn func(c *domain.Case) error) (domain.Case, error) {
	var out domain.Case
	err := s.update(ctx, func(st *State) (Change, error) {
		cur, ok := st.Cases[caseID]
		if !ok {
			return Change{}, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
		}
		next := cur.Clone()
		if err := fn(&next); err != nil {
			return Change{}, err
		}
		next.CaseID = caseID
		next.UpdatedAt = s.stamp()
		st.Cases[caseID] = next
		out = next.Clone()
		return Change{Kind: ChangeCase, CaseID: caseID}, nil
	})
	return out, err
}

// MutateJob applies fn to a copy of the job and touches the parent case.
func (s *Store) MutateJob(ctx context.Context, jobID string, fn func(j *domain.ModelJob) error) (domain.ModelJob, error) {
	var out domain.ModelJob
	err := s.update(ctx, func(st *State) (Change, error) {
		cur, ok := st.Jobs[jobID]
		if !ok {
			return Change{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		next := cur
		if err := fn(&next); err != nil {
			return Change{}, err
		}
		next.JobID, next.CaseID, next.Stage = cur.JobID, cur.CaseID, cur.Stage
		st.Jobs[jobID] = next
		touch(st, next.CaseID, s.stamp())
		out = next
		return Change{Kind: ChangeJob, CaseID: next.CaseID, JobID: jobID}, nil
	})
	return out, err
}

// InsertJob stores a new job. An empty JobID is filled from the store-wide
// job sequence.
func (s *Store) InsertJob(ctx context.Context, job domain.ModelJob) (domain.ModelJob, error) {
	err := s.update(ctx, func(st *State) (Change, error) {
		if _, ok := st.Cases[job.CaseID]; !ok {
			return Change{}, fmt.Errorf("case %s: %w", job.CaseID, ErrNotFound)
		}
		if !job.Stage.Valid() {
			return Change{}, fmt.Errorf("invalid job stage %q", job.Stage)
		}
		seq := st.JobSeq + 1
		if job.JobID == "" {
			job.JobID = domain.JobID(job.Stage, job.CaseID, seq)
		}
		if _, exists := st.Jobs[job.JobID]; exists {
			return Change{}, fmt.Errorf("job %s already exists", job.JobID)
		}
		st.JobSeq = seq
		ts := s.stamp()
		if job.CreatedAt == "" {
			job.CreatedAt = ts
		}
		st.Jobs[job.JobID] = job
		touch(st, job.CaseID, ts)
		return Change{Kind: ChangeJob, CaseID: job.CaseID, JobID: job.JobID}, nil
	})
	if err != nil {
		return domain.ModelJob{}, err
	}
	return job, nil
}

// MutateCaseWithEvents applies fn to a copy of the case and appends the
// events fn returns in the same commit. Nothing is written when fn returns
// an error. Events get the case id when theirs is empty.
func (s *Store) MutateCaseWithEvents(ctx context.Context, caseID string, fn func(c *domain.Case) ([]domain.TimelineEvent, error)) (domain.Case, []domain.TimelineEvent, error) {
	var out domain.Case
	var appended []domain.TimelineEvent
	err := s.update(ctx, func(st *State) (Change, error) {
		cur, ok := st.Cases[caseID]
		if !ok {
			return Change{}, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
		}
		next := cur.Clone()
		evts, err := fn(&next)
		if err != nil {
			return Change{}, err
		}
		for _, evt := range evts {
			if evt.CaseID != "" && evt.CaseID != caseID {
				return Change{}, fmt.Errorf("event %s belongs to case %s, not %s", evt.Type, evt.CaseID, caseID)
			}
		}
		next.CaseID = caseID
		next.UpdatedAt = s.stamp()
		st.Cases[caseID] = next
		ch := Change{Kind: ChangeCase, CaseID: caseID}
		appended = appended[:0]
		for _, evt := range evts {
			evt.CaseID = caseID
			stored := s.appendLocked(st, evt)
			appended = append(appended, stored)
			published := stored.Clone()
			ch.Kind = ChangeTimeline
			ch.Event = &published
		}
		out = st.Cases[caseID].Clone()
		return ch, nil
	})
	if err != nil {
		return domain.Case{}, nil, err
	}
	for i := range appended {
		s.metrics.TimelineEvent(string(appended[i].Type))
		appended[i] = appended[i].Clone()
	}
	return out, appended, nil
}

// AppendTimelineEvent assigns the next sequence number and prepends evt.
func (s *Store) AppendTimelineEvent(ctx context.Context, evt domain.TimelineEvent) (domain.TimelineEvent, error) {
	err := s.update(ctx, func(st *State) (Change, error) {
		if _, ok := st.Cases[evt.CaseID]; !ok {
			return Change{}, fmt.Errorf("case %s: %w", evt.CaseID, ErrNotFound)
		}
		evt = s.appendLocked(st, evt)
		published := evt.Clone()
		return Change{Kind: ChangeTimeline, CaseID: evt.CaseID, Event: &published}, nil
	})
	if err != nil {
		return domain.TimelineEvent{}, err
	}
	s.metrics.TimelineEvent(string(evt.Type))
	return evt.Clone(), nil
}

// appendLocked numbers evt, prepends it and touches its case.
func (s *Store) appendLocked(st *State, evt domain.TimelineEvent) domain.TimelineEvent {
	st.EventSeq++
	evt = evt.Clone()
	evt.Seq = st.EventSeq
	if evt.TS == "" {
		evt.TS = s.stamp()
	}
	st.Timeline = append([]domain.TimelineEvent{evt}, st.Timeline...)
	touch(st, evt.CaseID, evt.TS)
	return evt
}

// ResetAll replaces the state with a fresh seed. Sequences keep counting so
// that ids are never reused.
func (s *Store) ResetAll(ctx context.Context) error {
	return s.update(ctx, func(st *State) (Change, error) {
		fresh := s.freshSeed()
		fresh.InitializedAt = s.stamp()
		fresh.JobSeq = max(fresh.JobSeq, st.JobSeq)
		fresh.EventSeq = max(fresh.EventSeq, st.EventSeq)
		*st = fresh
		return Change{Kind: ChangeReset}, nil
	})
}

// ResetCase restores one case, its person and its timeline to the seed and
// drops its jobs. Everything else is kept.
func (s *Store) ResetCase(ctx context.Context, caseID string) error {
	return s.update(ctx, func(st *State) (Change, error) {
		if _, ok := st.Cases[caseID]; !ok {
			return Change{}, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
		}
		fresh := s.freshSeed()
		pristine, ok := fresh.Cases[caseID]
		if !ok {
			return Change{}, fmt.Errorf("case %s has no seed: %w", caseID, ErrNotFound)
		}
		st.Cases[caseID] = pristine
		if p, ok := fresh.Persons[pristine.PersonID]; ok {
			st.Persons[p.ID] = p
		}
		for id, j := range st.Jobs {
			if j.CaseID == caseID {
				delete(st.Jobs, id)
			}
		}
		kept := st.Timeline[:0:0]
		for _, e := range st.Timeline {
			if e.CaseID != caseID {
				kept = append(kept, e)
			}
		}
		for _, e := range fresh.Timeline {
			if e.CaseID == caseID {
				st.EventSeq++
				e.Seq = st.EventSeq
				kept = append(kept, e)
			}
		}
		st.Timeline = kept
		return Change{Kind: ChangeReset, CaseID: caseID}, nil
	})
}
