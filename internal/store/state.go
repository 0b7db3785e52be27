package store

import (
	"encoding/json"
	"fmt"

	"caseline/internal/domain"
)

// State is the full store contents and the durable snapshot format.
type State struct {
	Persons       map[string]domain.Person   `json:"persons"`
	Cases         map[string]domain.Case     `json:"cases"`
	Jobs          map[string]domain.ModelJob `json:"jobs"`
	Timeline      []domain.TimelineEvent     `json:"timeline"`
	InitializedAt string                     `json:"initialized_at"`
	JobSeq        int64                      `json:"job_seq,omitempty"`
	EventSeq      int64                      `json:"event_seq,omitempty"`
}

var requiredKeys = []string{"persons", "cases", "jobs", "timeline"}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := State{
		Persons:       make(map[string]domain.Person, len(s.Persons)),
		Cases:         make(map[string]domain.Case, len(s.Cases)),
		Jobs:          make(map[string]domain.ModelJob, len(s.Jobs)),
		Timeline:      make([]domain.TimelineEvent, 0, len(s.Timeline)),
		InitializedAt: s.InitializedAt,
		JobSeq:        s.JobSeq,
		EventSeq:      s.EventSeq,
	}
	for k, v := range s.Persons {
		out.Persons[k] = v
	}
	for k, v := range s.Cases {
		out.Cases[k] = v.Clone()
	}
	for k, v := range s.Jobs {
		out.Jobs[k] = v
	}
	for _, e := range s.Timeline {
		out.Timeline = append(out.Timeline, e.Clone())
	}
	return out
}

// normalize replaces nil collections so that encoded snapshots always carry
// all four keys.
func (s *State) normalize() {
	if s.Persons == nil {
		s.Persons = map[string]domain.Person{}
	}
	if s.Cases == nil {
		s.Cases = map[string]domain.Case{}
	}
	if s.Jobs == nil {
		s.Jobs = map[string]domain.ModelJob{}
	}
	if s.Timeline == nil {
		s.Timeline = []domain.TimelineEvent{}
	}
}

// Encode renders the snapshot JSON.
func (s State) Encode() ([]byte, error) {
	s.normalize()
	return json.Marshal(s)
}

// Decode parses a snapshot. A payload missing any required collection is
// rejected.
func Decode(data []byte) (State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, fmt.Errorf("decode snapshot: %w", err)
	}
	for _, k := range requiredKeys {
		v, ok := raw[k]
		if !ok || string(v) == "null" {
			return State{}, fmt.Errorf("snapshot missing %q", k)
		}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode snapshot: %w", err)
	}
	st.normalize()
	return st, nil
}
