package caselinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/seed"
	"caseline/internal/server"
	caselinesdk "caseline/sdk/go"
)

func newClient(t *testing.T) (*caselinesdk.Client, *app.App) {
	t.Helper()
	cfg := config.Default()
	cfg.Simulation.Enabled = false
	a, err := app.Open(context.Background(), app.Options{Config: cfg, Memory: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	handler, err := server.New(server.Config{Engine: a.Engine, Metrics: a.Metrics})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return caselinesdk.New(srv.URL + "/"), a
}

func TestClientHeroFlow(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	job, err := c.RunStage(ctx, seed.HeroCaseID, 1)
	require.NoError(t, err)
	assert.Equal(t, "STAGE1", job.Stage)
	assert.True(t, job.Terminal())

	waited, err := c.WaitJob(ctx, job.JobID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", waited.Status)

	cs, err := c.Promote(ctx, seed.HeroCaseID, 2)
	require.NoError(t, err)
	assert.Equal(t, "STAGE2", cs.CurrentStage)

	cs, err = c.SubmitLabs(ctx, seed.HeroCaseID, nil)
	require.NoError(t, err)
	assert.Equal(t, "LABS_RECEIVED", cs.Stage2.Status)
	require.NotNil(t, cs.Stage2.Labs)

	_, err = c.RunStage(ctx, seed.HeroCaseID, 2)
	require.NoError(t, err)
	_, err = c.Promote(ctx, seed.HeroCaseID, 3)
	require.NoError(t, err)
	_, err = c.RunStage(ctx, seed.HeroCaseID, 3)
	require.NoError(t, err)

	detail, err := c.GetCase(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	assert.Equal(t, "DONE", detail.Case.Stage3.Status)
	assert.NotEmpty(t, detail.Case.Stage3.ConversionCurve)
	assert.Equal(t, "CENTRAL", detail.Case.Ops.OwnerType)
	assert.Equal(t, "P-0001", detail.Person.ID)
	assert.Len(t, detail.Jobs, 3)

	events, err := c.Timeline(ctx, caselinesdk.TimelineFilter{CaseID: seed.HeroCaseID, Types: []string{"STAGE3_MODEL_DONE"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, seed.HeroCaseID, events[0].CaseID)
}

func TestClientErrorsCarryEnvelope(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	_, err := c.Promote(ctx, seed.HeroCaseID, 2)
	var apiErr *caselinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "precondition_failed", apiErr.Code)
	assert.Equal(t, seed.HeroCaseID, apiErr.Details["case_id"])

	_, err = c.GetJob(ctx, "JOB-NOPE")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	_, err = c.SubmitLabs(ctx, "CASE-2025-0004", &caselinesdk.Labs{AmyloidRatio: 0.05, PTau217: 1, NfL: 500, MMSE: 20})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestClientFailCompleteAndReset(t *testing.T) {
	c, a := newClient(t)
	ctx := context.Background()

	_, err := c.FailJob(ctx, seed.HeroCaseID, "STAGE1", "")
	var apiErr *caselinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = c.RunStage(ctx, seed.HeroCaseID, 1)
	require.NoError(t, err)
	job, err := c.CompleteJob(ctx, seed.HeroCaseID, "stage1")
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", job.Status)

	cs, err := c.ResetCase(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	assert.Equal(t, "NOT_STARTED", cs.Stage1.Status)

	n, err := c.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	cases, err := c.ListCases(ctx, "STAGE3")
	require.NoError(t, err)
	stored, err := a.Store.ListCases(ctx, "STAGE3")
	require.NoError(t, err)
	assert.Len(t, cases, len(stored))
}
