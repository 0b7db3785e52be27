package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
)

var at = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func TestStage1IsDeterministic(t *testing.T) {
	c := domain.Case{CaseID: "CASE-2025-0001"}
	p := domain.Person{BirthYear: 1948}
	a, b := Stage1(c, p, at), Stage1(c, p, at)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a.RiskScore, 5)
	assert.LessOrEqual(t, a.RiskScore, 98)
	assert.Equal(t, Band(a.RiskScore), a.RiskBand)
	assert.NotEmpty(t, a.KeyFactors)
}

func TestBandAndPriority(t *testing.T) {
	assert.Equal(t, domain.RiskLow, Band(39))
	assert.Equal(t, domain.RiskModerate, Band(40))
	assert.Equal(t, domain.RiskHigh, Band(65))
	assert.Equal(t, domain.PriorityP1, Priority(domain.RiskHigh))
	assert.Equal(t, domain.PriorityP2, Priority(domain.RiskModerate))
	assert.Equal(t, domain.PriorityP3, Priority(domain.RiskLow))
}

func TestClassifyProbabilitiesSumToOne(t *testing.T) {
	for _, labs := range []domain.Labs{
		{AmyloidRatio: 0.061, PTau217: 1.38, NfL: 27.4, APOE4Alleles: 2, MMSE: 22},
		{AmyloidRatio: 0.112, PTau217: 0.21, NfL: 8.9, APOE4Alleles: 0, MMSE: 29},
		{AmyloidRatio: 0.09, PTau217: 0.5, NfL: 14, APOE4Alleles: 0, MMSE: 27},
	} {
		cl := Classify(labs)
		var sum float64
		for _, l := range domain.ClassLabels {
			p, ok := cl.Probabilities[l]
			require.True(t, ok)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
		for _, l := range domain.ClassLabels {
			assert.LessOrEqual(t, cl.Probabilities[l], cl.Probabilities[cl.Label])
		}
		assert.NotEmpty(t, cl.Reasons)
	}
}

func TestClassifyLabels(t *testing.T) {
	high := Classify(domain.Labs{AmyloidRatio: 0.061, PTau217: 1.38, NfL: 27.4, APOE4Alleles: 2, MMSE: 22})
	assert.Equal(t, domain.LabelMCIHighRisk, high.Label)
	normal := Classify(domain.Labs{AmyloidRatio: 0.112, PTau217: 0.21, NfL: 8.9, APOE4Alleles: 0, MMSE: 29})
	assert.Equal(t, domain.LabelNormal, normal.Label)
}

func TestGeneratedLabsForHeroAreHighRisk(t *testing.T) {
	c := domain.Case{CaseID: "CASE-2025-0001"}
	res := Stage1(c, domain.Person{BirthYear: 1948}, at)
	c.Stage1.Result = &res
	labs := GenerateLabs(c)
	assert.Equal(t, labs, GenerateLabs(c))
	assert.Equal(t, domain.LabelMCIHighRisk, Classify(labs).Label)
}

func TestConversionCurveIsMonotonic(t *testing.T) {
	curve := ConversionCurve(domain.ConversionInput{Age: 77, MCIProbability: 0.95, APOE4Alleles: 1, MMSE: 24})
	require.Len(t, curve, CurveMonths/3+1)
	assert.Equal(t, 0, curve[0].Month)
	assert.Equal(t, 0.0, curve[0].Risk)
	assert.Equal(t, CurveMonths, curve[len(curve)-1].Month)
	for i := 1; i < len(curve); i++ {
		assert.GreaterOrEqual(t, curve[i].Risk, curve[i-1].Risk)
		assert.Less(t, curve[i].Risk, 1.0)
	}
}

func TestCarePlanOrderedByDueDate(t *testing.T) {
	high := CarePlan([]domain.CurvePoint{{Month: 24, Risk: 0.5}}, at)
	low := CarePlan([]domain.CurvePoint{{Month: 24, Risk: 0.1}}, at)
	assert.Len(t, high, 5)
	assert.Len(t, low, 3)
	assert.Equal(t, "2025-03-10", high[0].DueDate)
	for i := 1; i < len(high); i++ {
		assert.LessOrEqual(t, high[i-1].DueDate, high[i].DueDate)
		assert.Equal(t, domain.CarePlanTodo, high[i].Status)
	}
}
