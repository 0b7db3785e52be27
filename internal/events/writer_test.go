package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
)

type recorder struct {
	got []domain.TimelineEvent
	err error
}

func (r *recorder) AppendTimelineEvent(_ context.Context, evt domain.TimelineEvent) (domain.TimelineEvent, error) {
	if r.err != nil {
		return domain.TimelineEvent{}, r.err
	}
	evt.Seq = int64(len(r.got) + 1)
	r.got = append(r.got, evt)
	return evt, nil
}

func TestWriterAppend(t *testing.T) {
	rec := &recorder{}
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.FixedZone("KST", 9*3600))
	w := Writer{Store: rec, Now: func() time.Time { return now }}

	meta := Meta{"job_id": "JOB-1"}
	evt, err := w.Append(context.Background(), "CASE-1", domain.EventStage1ModelRequested, "requested", meta)
	require.NoError(t, err)
	meta["job_id"] = "mutated"

	assert.Equal(t, "2025-03-03T00:00:00Z", evt.TS)
	assert.Equal(t, int64(1), evt.Seq)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "JOB-1", rec.got[0].Meta["job_id"])
}

func TestWriterRejectsUnknownType(t *testing.T) {
	rec := &recorder{}
	_, err := Writer{Store: rec}.Append(context.Background(), "CASE-1", "BOGUS", "", nil)
	require.Error(t, err)
	assert.Empty(t, rec.got)
}

func TestWriterBuildDoesNotStore(t *testing.T) {
	rec := &recorder{}
	w := Writer{Store: rec, Now: func() time.Time { return time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC) }}
	evt, err := w.Build("CASE-1", Draft{Type: domain.EventStage1ModelDone, Summary: "done", Meta: Meta{"risk_band": "HIGH"}})
	require.NoError(t, err)
	assert.Equal(t, "CASE-1", evt.CaseID)
	assert.Equal(t, "2025-03-03T09:30:00Z", evt.TS)
	assert.Zero(t, evt.Seq)
	assert.Equal(t, "HIGH", evt.Meta["risk_band"])
	assert.Empty(t, rec.got)

	_, err = w.Build("CASE-1", Draft{Type: "BOGUS"})
	assert.Error(t, err)
}

func TestWriterWrapsStoreError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Writer{Store: &recorder{err: boom}}.Append(context.Background(), "CASE-1", domain.EventCarePlanCreated, "", nil)
	assert.ErrorIs(t, err, boom)
}

func TestSortBreaksTiesBySeq(t *testing.T) {
	evts := []domain.TimelineEvent{
		{Seq: 1, TS: "2025-03-03T09:00:00Z"},
		{Seq: 3, TS: "2025-03-03T09:00:00Z"},
		{Seq: 2, TS: "2025-03-03T10:00:00Z"},
		{Seq: 4, TS: "2025-03-02T10:00:00Z"},
	}
	Sort(evts)
	var seqs []int64
	for _, e := range evts {
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{2, 3, 1, 4}, seqs)
}

func TestFilterAndMatches(t *testing.T) {
	evts := []domain.TimelineEvent{{CaseID: "A", Type: domain.EventStage1ModelDone}, {CaseID: "B"}}
	assert.Len(t, Filter(evts, ""), 2)
	assert.Len(t, Filter(evts, "A"), 1)
	assert.Len(t, evts, 2)

	assert.True(t, Matches(nil, evts[0]))
	assert.True(t, Matches([]string{"*"}, evts[0]))
	assert.True(t, Matches([]string{"STAGE1_MODEL_DONE"}, evts[0]))
	assert.False(t, Matches([]string{"CAREPLAN_CREATED"}, evts[0]))
}
