// Package seed builds the deterministic demo population: one hero case used
// for narration and eight noise cases spread across all three stages.
package seed

import (
	"fmt"
	"time"

	"caseline/internal/domain"
	"caseline/internal/scoring"
	"caseline/internal/store"
)

const HeroCaseID = "CASE-2025-0001"

// Offsets of seeded timestamps before the base date.
type offset struct {
	days  int
	hours int
}

func (o offset) at(base time.Time) time.Time {
	return base.AddDate(0, 0, -o.days).Add(time.Duration(o.hours) * time.Hour)
}

type fixture struct {
	person  domain.Person
	stage   domain.Stage
	updated offset
	build   func(c *domain.Case, p domain.Person, at time.Time)
}

var highRiskLabs = domain.Labs{AmyloidRatio: 0.061, PTau217: 1.38, NfL: 27.4, APOE4Alleles: 2, MMSE: 22}

var normalLabs = domain.Labs{AmyloidRatio: 0.112, PTau217: 0.21, NfL: 8.9, APOE4Alleles: 0, MMSE: 29}

var fixtures = []fixture{
	{
		person:  domain.Person{Name: "Kim Young-hee", Sex: "F", BirthYear: 1948, PhoneMasked: "010-****-2231", Region: "Seoul Gangnam-gu"},
		stage:   domain.Stage1ID,
		updated: offset{days: 0, hours: -2},
	},
	{
		person:  domain.Person{Name: "Lee Jae-won", Sex: "M", BirthYear: 1956, PhoneMasked: "010-****-8120", Region: "Seoul Mapo-gu"},
		stage:   domain.Stage1ID,
		updated: offset{days: 1, hours: 3},
	},
	{
		person:  domain.Person{Name: "Park Soon-ja", Sex: "F", BirthYear: 1944, PhoneMasked: "010-****-4409", Region: "Busan Haeundae-gu"},
		stage:   domain.Stage1ID,
		updated: offset{days: 2, hours: 1},
		build:   stage1Done,
	},
	{
		person:  domain.Person{Name: "Choi Min-ho", Sex: "M", BirthYear: 1950, PhoneMasked: "010-****-7763", Region: "Incheon Namdong-gu"},
		stage:   domain.Stage2ID,
		updated: offset{days: 3, hours: 5},
		build:   stage2Ready,
	},
	{
		person:  domain.Person{Name: "Jung Hye-sook", Sex: "F", BirthYear: 1946, PhoneMasked: "010-****-0915", Region: "Daegu Suseong-gu"},
		stage:   domain.Stage2ID,
		updated: offset{days: 4, hours: 2},
		build: func(c *domain.Case, p domain.Person, at time.Time) {
			stage2Ready(c, p, at)
			labs := scoring.GenerateLabs(*c)
			labs.ReceivedAt = stamp(at)
			c.Stage2.Status = domain.Stage2LabsReceived
			c.Stage2.Labs = &labs
			c.Ops.LoopStep[domain.Stage2ID] = 1
		},
	},
	{
		person:  domain.Person{Name: "Kang Dong-soo", Sex: "M", BirthYear: 1943, PhoneMasked: "010-****-5582", Region: "Gwangju Buk-gu"},
		stage:   domain.Stage2ID,
		updated: offset{days: 5, hours: 4},
		build:   stage2Classified(highRiskLabs),
	},
	{
		person:  domain.Person{Name: "Yoon Mi-kyung", Sex: "F", BirthYear: 1961, PhoneMasked: "010-****-3307", Region: "Daejeon Yuseong-gu"},
		stage:   domain.Stage2ID,
		updated: offset{days: 6, hours: 6},
		build:   stage2Classified(normalLabs),
	},
	{
		person:  domain.Person{Name: "Han Sang-chul", Sex: "M", BirthYear: 1945, PhoneMasked: "010-****-6641", Region: "Suwon Paldal-gu"},
		stage:   domain.Stage3ID,
		updated: offset{days: 8, hours: 1},
		build: func(c *domain.Case, p domain.Person, at time.Time) {
			stage2Classified(highRiskLabs)(c, p, at)
			c.CurrentStage = domain.Stage3ID
			c.Stage3.Status = domain.Stage3NotStarted
			c.Ops.OwnerType = domain.OwnerCentral
		},
	},
	{
		person:  domain.Person{Name: "Seo Jin-ah", Sex: "F", BirthYear: 1940, PhoneMasked: "010-****-1198", Region: "Ulsan Nam-gu"},
		stage:   domain.Stage3ID,
		updated: offset{days: 12, hours: 3},
		build: func(c *domain.Case, p domain.Person, at time.Time) {
			stage2Classified(highRiskLabs)(c, p, at)
			c.CurrentStage = domain.Stage3ID
			in := scoring.Stage3Inputs(*c, p, at)
			curve := scoring.ConversionCurve(in)
			c.Stage3 = domain.Stage3{
				Status:          domain.Stage3Done,
				Inputs:          &in,
				ConversionCurve: curve,
				CarePlan:        scoring.CarePlan(curve, at),
			}
			c.Stage3.CarePlan[0].Status = domain.CarePlanInProgress
			c.Ops.OwnerType = domain.OwnerCentral
			c.Ops.LoopStep[domain.Stage3ID] = 2
		},
	},
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func stage1Done(c *domain.Case, p domain.Person, at time.Time) {
	res := scoring.Stage1(*c, p, at)
	c.Stage1 = domain.Stage1{Status: domain.Stage1Done, Result: &res}
	c.Ops.ContactPriority = scoring.Priority(res.RiskBand)
	c.Ops.LoopStep[domain.Stage1ID] = 2
}

func stage2Ready(c *domain.Case, p domain.Person, at time.Time) {
	stage1Done(c, p, at)
	c.CurrentStage = domain.Stage2ID
	c.Stage2.Status = domain.Stage2NotReady
	c.Ops.OwnerType = domain.OwnerRegional
}

func stage2Classified(labs domain.Labs) func(c *domain.Case, p domain.Person, at time.Time) {
	return func(c *domain.Case, p domain.Person, at time.Time) {
		stage2Ready(c, p, at)
		l := labs
		l.ReceivedAt = stamp(at.Add(-24 * time.Hour))
		cl := scoring.Classify(l)
		c.Stage2 = domain.Stage2{Status: domain.Stage2Done, Labs: &l, Classification: &cl}
		if cl.Label.HighRisk() {
			c.Ops.ContactPriority = domain.PriorityP1
		}
		c.Ops.LoopStep[domain.Stage2ID] = 2
	}
}

// Generate builds the pristine state relative to base.
func Generate(base time.Time) store.State {
	base = base.UTC()
	st := store.State{
		Persons:       make(map[string]domain.Person, len(fixtures)),
		Cases:         make(map[string]domain.Case, len(fixtures)),
		Jobs:          map[string]domain.ModelJob{},
		Timeline:      []domain.TimelineEvent{},
		InitializedAt: stamp(base),
	}
	for i, f := range fixtures {
		p := f.person
		p.ID = fmt.Sprintf("P-%04d", i+1)
		at := f.updated.at(base)
		c := domain.Case{
			CaseID:       fmt.Sprintf("CASE-2025-%04d", i+1),
			PersonID:     p.ID,
			CurrentStage: domain.Stage1ID,
			Stage1:       domain.Stage1{Status: domain.Stage1NotStarted},
			Stage2:       domain.Stage2{Status: domain.Stage2NotReady},
			Stage3:       domain.Stage3{Status: domain.Stage3NotStarted},
			Ops: domain.Ops{
				ContactPriority: domain.PriorityP2,
				OwnerType:       domain.OwnerLocal,
				LoopStep:        map[domain.Stage]int{domain.Stage1ID: 0, domain.Stage2ID: 0, domain.Stage3ID: 0},
			},
			UpdatedAt: stamp(at),
		}
		if f.build != nil {
			f.build(&c, p, at)
		}
		if c.CurrentStage != f.stage {
			panic(fmt.Sprintf("seed fixture %s ended on %s, want %s", c.CaseID, c.CurrentStage, f.stage))
		}
		st.Persons[p.ID] = p
		st.Cases[c.CaseID] = c
	}
	return st
}

// Func adapts Generate to store.SeedFunc.
func Func(base time.Time) store.SeedFunc {
	return func() store.State { return Generate(base) }
}
