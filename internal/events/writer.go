package events

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
)

// Appender is the store surface the writer needs.
type Appender interface {
	AppendTimelineEvent(ctx context.Context, evt domain.TimelineEvent) (domain.TimelineEvent, error)
}

type Writer struct {
	Store Appender
	Now   func() time.Time
}

type Meta map[string]string

// Draft is an event that is not yet numbered by the store.
type Draft struct {
	Type    domain.EventType
	Summary string
	Meta    Meta
}

// Build stamps a new event for caseID without storing it.
func (w Writer) Build(caseID string, d Draft) (domain.TimelineEvent, error) {
	if !d.Type.Valid() {
		return domain.TimelineEvent{}, fmt.Errorf("unknown timeline event type %q", d.Type)
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	evt := domain.TimelineEvent{
		ID:      uuid.NewString(),
		TS:      now().UTC().Format(time.RFC3339),
		CaseID:  caseID,
		Type:    d.Type,
		Summary: d.Summary,
	}
	if len(d.Meta) > 0 {
		evt.Meta = make(map[string]string, len(d.Meta))
		for k, v := range d.Meta {
			evt.Meta[k] = v
		}
	}
	return evt, nil
}

// Append records one timeline event for caseID. The store assigns the
// insertion sequence.
func (w Writer) Append(ctx context.Context, caseID string, evtType domain.EventType, summary string, meta Meta) (domain.TimelineEvent, error) {
	evt, err := w.Build(caseID, Draft{Type: evtType, Summary: summary, Meta: meta})
	if err != nil {
		return domain.TimelineEvent{}, err
	}
	stored, err := w.Store.AppendTimelineEvent(ctx, evt)
	if err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("append %s: %w", evtType, err)
	}
	return stored, nil
}

// Sort orders events newest first. Equal timestamps fall back to insertion
// sequence so that events written in the same second keep call order.
func Sort(evts []domain.TimelineEvent) {
	sort.SliceStable(evts, func(i, j int) bool {
		ti, tj := parseTS(evts[i].TS), parseTS(evts[j].TS)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return evts[i].Seq > evts[j].Seq
	})
}

// Filter keeps the events of caseID, or every event when caseID is empty.
func Filter(evts []domain.TimelineEvent, caseID string) []domain.TimelineEvent {
	if caseID == "" {
		return evts
	}
	out := evts[:0:0]
	for _, e := range evts {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	return out
}

// Matches reports whether evt passes a type subscription. An empty list
// matches every type.
func Matches(types []string, evt domain.TimelineEvent) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == "*" || domain.EventType(t) == evt.Type {
			return true
		}
	}
	return false
}

func parseTS(ts string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}
