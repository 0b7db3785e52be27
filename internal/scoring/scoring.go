// Package scoring holds the deterministic stand-ins for the three screening
// models. Every function is pure: the same case and person always produce the
// same result.
package scoring

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"caseline/internal/domain"
)

// CurveMonths is the horizon of the stage 3 conversion curve.
const CurveMonths = 24

const curveStep = 3

// Age is the person's age in the year of at.
func Age(p domain.Person, at time.Time) int {
	if p.BirthYear == 0 {
		return 0
	}
	return at.UTC().Year() - p.BirthYear
}

// jitter maps key onto [0, n) using FNV-1a.
func jitter(key string, n uint32) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % n)
}

// Stage1 computes the initial risk screen.
func Stage1(c domain.Case, p domain.Person, at time.Time) domain.RiskResult {
	age := Age(p, at)
	score := int(math.Round(float64(age-55)*2.2)) + jitter(c.CaseID+"/stage1", 20)
	score = clampInt(score, 5, 98)

	var factors []string
	if age >= 75 {
		factors = append(factors, fmt.Sprintf("age %d", age))
	} else if age >= 65 {
		factors = append(factors, "age over 65")
	}
	if jitter(c.CaseID+"/memory", 3) != 0 {
		factors = append(factors, "self-reported memory decline")
	}
	if jitter(c.CaseID+"/vascular", 2) == 0 {
		factors = append(factors, "hypertension history")
	}
	if score >= 60 {
		factors = append(factors, "slowed recall in screening interview")
	}
	if len(factors) == 0 {
		factors = append(factors, "no notable factors")
	}
	return domain.RiskResult{RiskScore: score, RiskBand: Band(score), KeyFactors: factors}
}

// Band buckets a stage 1 risk score.
func Band(score int) domain.RiskBand {
	switch {
	case score >= 65:
		return domain.RiskHigh
	case score >= 40:
		return domain.RiskModerate
	default:
		return domain.RiskLow
	}
}

// Priority maps a risk band onto a contact priority.
func Priority(band domain.RiskBand) domain.ContactPriority {
	switch band {
	case domain.RiskHigh:
		return domain.PriorityP1
	case domain.RiskModerate:
		return domain.PriorityP2
	case domain.RiskLow:
		return domain.PriorityP3
	}
	return domain.PriorityP3
}

// GenerateLabs produces a plausible lab payload for a case with no submitted
// labs. Severity follows the stage 1 risk score when one exists.
func GenerateLabs(c domain.Case) domain.Labs {
	severity := 0.5
	if c.Stage1.Result != nil {
		severity = float64(c.Stage1.Result.RiskScore) / 100
	}
	noise := float64(jitter(c.CaseID+"/labs", 100)) / 100
	apoe := jitter(c.CaseID+"/apoe4", 3)
	if severity >= 0.45 && apoe == 0 {
		apoe = 1
	}
	return domain.Labs{
		AmyloidRatio: round(0.11-0.05*severity-0.004*noise, 3),
		PTau217:      round(0.2+1.2*severity+0.1*noise, 2),
		NfL:          round(8+20*severity+2*noise, 1),
		APOE4Alleles: apoe,
		MMSE:         clampInt(29-int(math.Round(8*severity)), 0, 30),
	}
}

// Classify runs the stage 2 classifier over the lab payload. Probabilities
// are rounded to four decimals and sum to exactly 1.
func Classify(labs domain.Labs) domain.Classification {
	z := (0.1-labs.AmyloidRatio)*40 +
		labs.PTau217*1.5 +
		labs.NfL/20 +
		float64(labs.APOE4Alleles)*0.6 +
		float64(28-labs.MMSE)*0.25

	logits := map[domain.ClassLabel]float64{
		domain.LabelNormal:      2.5 - z,
		domain.LabelMCILowRisk:  0.8,
		domain.LabelMCIHighRisk: z - 2.8,
	}
	var sum float64
	for _, l := range domain.ClassLabels {
		sum += math.Exp(logits[l])
	}
	probs := make(map[domain.ClassLabel]float64, len(domain.ClassLabels))
	best := domain.LabelNormal
	var rest float64
	for _, l := range domain.ClassLabels {
		probs[l] = round(math.Exp(logits[l])/sum, 4)
		if probs[l] > probs[best] {
			best = l
		}
	}
	for _, l := range domain.ClassLabels {
		if l != best {
			rest += probs[l]
		}
	}
	probs[best] = round(1-rest, 4)

	var reasons []string
	if labs.AmyloidRatio < 0.085 {
		reasons = append(reasons, fmt.Sprintf("low amyloid ratio %.3f", labs.AmyloidRatio))
	}
	if labs.PTau217 >= 0.8 {
		reasons = append(reasons, fmt.Sprintf("elevated p-tau217 %.2f", labs.PTau217))
	}
	if labs.NfL >= 18 {
		reasons = append(reasons, fmt.Sprintf("elevated NfL %.1f", labs.NfL))
	}
	if labs.APOE4Alleles > 0 {
		reasons = append(reasons, fmt.Sprintf("APOE4 carrier (%d allele)", labs.APOE4Alleles))
	}
	if labs.MMSE < 26 {
		reasons = append(reasons, fmt.Sprintf("MMSE %d below 26", labs.MMSE))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "biomarkers within reference range")
	}
	return domain.Classification{Label: best, Probabilities: probs, Reasons: reasons}
}

// Stage3Inputs collects the conversion model inputs from a classified case.
func Stage3Inputs(c domain.Case, p domain.Person, at time.Time) domain.ConversionInput {
	in := domain.ConversionInput{Age: Age(p, at)}
	if cl := c.Stage2.Classification; cl != nil {
		in.MCIProbability = round(cl.Probabilities[domain.LabelMCILowRisk]+cl.Probabilities[domain.LabelMCIHighRisk], 4)
	}
	if labs := c.Stage2.Labs; labs != nil {
		in.APOE4Alleles = labs.APOE4Alleles
		in.MMSE = labs.MMSE
	}
	return in
}

// ConversionCurve returns cumulative conversion risk every three months up to
// CurveMonths. The curve starts at 0 and never decreases.
func ConversionCurve(in domain.ConversionInput) []domain.CurvePoint {
	hazard := 0.012 * math.Exp(1.8*(in.MCIProbability-0.5)+
		0.35*float64(in.APOE4Alleles)+
		0.06*float64(26-in.MMSE)+
		0.03*float64(in.Age-70))
	points := make([]domain.CurvePoint, 0, CurveMonths/curveStep+1)
	for m := 0; m <= CurveMonths; m += curveStep {
		points = append(points, domain.CurvePoint{Month: m, Risk: round(1-math.Exp(-hazard*float64(m)), 3)})
	}
	return points
}

// CarePlan builds the follow-up plan for a stage 3 result, ordered by due date.
func CarePlan(curve []domain.CurvePoint, at time.Time) []domain.CarePlanItem {
	final := 0.0
	if len(curve) > 0 {
		final = curve[len(curve)-1].Risk
	}
	type draft struct {
		title string
		owner domain.OwnerType
		days  int
	}
	drafts := []draft{
		{"Neurology specialist referral", domain.OwnerCentral, 7},
		{"Caregiver counselling session", domain.OwnerLocal, 14},
		{"Follow-up cognitive assessment", domain.OwnerRegional, 90},
	}
	if final >= 0.3 {
		drafts = append(drafts,
			draft{"Medication review", domain.OwnerCentral, 10},
			draft{"Home safety visit", domain.OwnerLocal, 21},
		)
	}
	sort.SliceStable(drafts, func(i, j int) bool { return drafts[i].days < drafts[j].days })
	out := make([]domain.CarePlanItem, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, domain.CarePlanItem{
			Title:   d.title,
			Owner:   d.owner,
			DueDate: at.UTC().AddDate(0, 0, d.days).Format(time.DateOnly),
			Status:  domain.CarePlanTodo,
		})
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
