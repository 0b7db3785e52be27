package seed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
)

var base = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func TestGenerateIsDeterministic(t *testing.T) {
	a, err := Generate(base).Encode()
	require.NoError(t, err)
	b, err := Generate(base).Encode()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestHeroCase(t *testing.T) {
	st := Generate(base)
	hero, ok := st.Cases[HeroCaseID]
	require.True(t, ok)
	assert.Equal(t, domain.Stage1ID, hero.CurrentStage)
	assert.Equal(t, domain.Stage1NotStarted, hero.Stage1.Status)
	assert.Nil(t, hero.Stage1.Result)
	assert.Equal(t, "P-0001", hero.PersonID)
	assert.Equal(t, "2025-03-03T07:00:00Z", hero.UpdatedAt)
	assert.Contains(t, st.Persons, hero.PersonID)
}

func TestNoiseCasesSpanStages(t *testing.T) {
	st := Generate(base)
	require.Len(t, st.Cases, 9)
	require.Len(t, st.Persons, 9)
	assert.Empty(t, st.Jobs)
	assert.Empty(t, st.Timeline)
	assert.Equal(t, "2025-03-03T09:00:00Z", st.InitializedAt)

	c := st.Cases["CASE-2025-0003"]
	assert.Equal(t, domain.Stage1Done, c.Stage1.Status)
	require.NotNil(t, c.Stage1.Result)

	c = st.Cases["CASE-2025-0005"]
	assert.Equal(t, domain.Stage2LabsReceived, c.Stage2.Status)
	require.NotNil(t, c.Stage2.Labs)
	assert.Equal(t, domain.OwnerRegional, c.Ops.OwnerType)

	c = st.Cases["CASE-2025-0006"]
	require.NotNil(t, c.Stage2.Classification)
	assert.Equal(t, domain.LabelMCIHighRisk, c.Stage2.Classification.Label)
	assert.Equal(t, domain.PriorityP1, c.Ops.ContactPriority)

	c = st.Cases["CASE-2025-0007"]
	assert.Equal(t, domain.LabelNormal, c.Stage2.Classification.Label)

	c = st.Cases["CASE-2025-0008"]
	assert.Equal(t, domain.Stage3NotStarted, c.Stage3.Status)
	assert.True(t, c.Stage2.Classification.Label.HighRisk())

	c = st.Cases["CASE-2025-0009"]
	assert.Equal(t, domain.Stage3Done, c.Stage3.Status)
	assert.NotEmpty(t, c.Stage3.ConversionCurve)
	assert.NotEmpty(t, c.Stage3.CarePlan)
	assert.Equal(t, domain.OwnerCentral, c.Ops.OwnerType)
}

func TestTimestampsFollowBase(t *testing.T) {
	later := Generate(base.AddDate(0, 1, 0))
	assert.Equal(t, "2025-04-03T07:00:00Z", later.Cases[HeroCaseID].UpdatedAt)
	assert.Equal(t, "2025-03-22T12:00:00Z", later.Cases["CASE-2025-0009"].UpdatedAt)
}
