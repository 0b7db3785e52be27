package store

import (
	"context"
	"fmt"
	"sort"

	"caseline/internal/domain"
	"caseline/internal/events"
)

func (s *Store) read(ctx context.Context, fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	return fn(s.state)
}

func (s *Store) GetCase(ctx context.Context, caseID string) (domain.Case, error) {
	var out domain.Case
	err := s.read(ctx, func(st *State) error {
		c, ok := st.Cases[caseID]
		if !ok {
			return fmt.Errorf("case %s: %w", caseID, ErrNotFound)
		}
		out = c.Clone()
		return nil
	})
	return out, err
}

// ListCases returns cases ordered by id, optionally only those currently on
// stage.
func (s *Store) ListCases(ctx context.Context, stage domain.Stage) ([]domain.Case, error) {
	var out []domain.Case
	err := s.read(ctx, func(st *State) error {
		for _, c := range st.Cases {
			if stage != "" && c.CurrentStage != stage {
				continue
			}
			out = append(out, c.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, err
}

func (s *Store) GetPerson(ctx context.Context, personID string) (domain.Person, error) {
	var out domain.Person
	err := s.read(ctx, func(st *State) error {
		p, ok := st.Persons[personID]
		if !ok {
			return fmt.Errorf("person %s: %w", personID, ErrNotFound)
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.ModelJob, error) {
	var out domain.ModelJob
	err := s.read(ctx, func(st *State) error {
		j, ok := st.Jobs[jobID]
		if !ok {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		out = j
		return nil
	})
	return out, err
}

// ListJobs returns the jobs of caseID, or all jobs, oldest first.
func (s *Store) ListJobs(ctx context.Context, caseID string) ([]domain.ModelJob, error) {
	var out []domain.ModelJob
	err := s.read(ctx, func(st *State) error {
		for _, j := range st.Jobs {
			if caseID == "" || j.CaseID == caseID {
				out = append(out, j)
			}
		}
		return nil
	})
	sortJobs(out)
	return out, err
}

// LatestJob returns the most recently created job for (caseID, stage).
func (s *Store) LatestJob(ctx context.Context, caseID string, stage domain.Stage) (domain.ModelJob, bool, error) {
	jobs, err := s.ListJobs(ctx, caseID)
	if err != nil {
		return domain.ModelJob{}, false, err
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Stage == stage {
			return jobs[i], true, nil
		}
	}
	return domain.ModelJob{}, false, nil
}

// ActiveJob returns the queued or running job for (caseID, stage), if any.
func (s *Store) ActiveJob(ctx context.Context, caseID string, stage domain.Stage) (domain.ModelJob, bool, error) {
	jobs, err := s.ListJobs(ctx, caseID)
	if err != nil {
		return domain.ModelJob{}, false, err
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Stage == stage && jobs[i].Active() {
			return jobs[i], true, nil
		}
	}
	return domain.ModelJob{}, false, nil
}

// ListTimeline returns events newest first, for one case or all of them.
func (s *Store) ListTimeline(ctx context.Context, caseID string) ([]domain.TimelineEvent, error) {
	var out []domain.TimelineEvent
	err := s.read(ctx, func(st *State) error {
		for _, e := range events.Filter(st.Timeline, caseID) {
			out = append(out, e.Clone())
		}
		return nil
	})
	events.Sort(out)
	return out, err
}

// TimelineSince returns events with a sequence above seq in insertion order.
func (s *Store) TimelineSince(ctx context.Context, seq int64) ([]domain.TimelineEvent, error) {
	var out []domain.TimelineEvent
	err := s.read(ctx, func(st *State) error {
		for _, e := range st.Timeline {
			if e.Seq > seq {
				out = append(out, e.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, err
}

// Export encodes the current state in the snapshot format.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.read(ctx, func(st *State) error {
		var err error
		data, err = st.Encode()
		return err
	})
	return data, err
}

func sortJobs(jobs []domain.ModelJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].JobID < jobs[j].JobID
	})
}

// LastEventSeq is the highest timeline sequence ever assigned.
func (s *Store) LastEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.read(ctx, func(st *State) error {
		seq = st.EventSeq
		return nil
	})
	return seq, err
}
