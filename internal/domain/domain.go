package domain

import "fmt"

type Person struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Sex         string `json:"sex" enum:"M,F"`
	BirthYear   int    `json:"birth_year"`
	PhoneMasked string `json:"phone_masked"`
	Region      string `json:"region"`
}

// Case is the aggregate tracking one subject through the screening pipeline.
type Case struct {
	CaseID       string `json:"case_id"`
	PersonID     string `json:"person_id"`
	CurrentStage Stage  `json:"current_stage" enum:"STAGE1,STAGE2,STAGE3"`
	Stage1       Stage1 `json:"stage1"`
	Stage2       Stage2 `json:"stage2"`
	Stage3       Stage3 `json:"stage3"`
	Ops          Ops    `json:"ops"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type Stage1 struct {
	Status Stage1Status `json:"status" enum:"NOT_STARTED,IN_PROGRESS,DONE"`
	Result *RiskResult  `json:"result,omitempty"`
}

type RiskResult struct {
	RiskScore  int      `json:"risk_score"`
	RiskBand   RiskBand `json:"risk_band" enum:"LOW,MODERATE,HIGH"`
	KeyFactors []string `json:"key_factors,omitempty"`
}

type Stage2 struct {
	Status         Stage2Status    `json:"status" enum:"NOT_READY,LABS_RECEIVED,MODEL_RUNNING,DONE"`
	Labs           *Labs           `json:"labs,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}

// Labs is the biomarker and cognitive test payload received for stage 2.
type Labs struct {
	AmyloidRatio float64 `json:"amyloid_ratio" validate:"gt=0,lte=1"`
	PTau217      float64 `json:"ptau217" validate:"gte=0,lte=10"`
	NfL          float64 `json:"nfl" validate:"gte=0,lte=200"`
	APOE4Alleles int     `json:"apoe4_alleles" validate:"gte=0,lte=2"`
	MMSE         int     `json:"mmse" validate:"gte=0,lte=30"`
	ReceivedAt   string  `json:"received_at,omitempty" format:"date-time"`
}

type Classification struct {
	Label         ClassLabel             `json:"label" enum:"NORMAL,MCI_LOW_RISK,MCI_HIGH_RISK"`
	Probabilities map[ClassLabel]float64 `json:"probabilities"`
	Reasons       []string               `json:"reasons,omitempty"`
}

type Stage3 struct {
	Status          Stage3Status     `json:"status" enum:"NOT_STARTED,MODEL_RUNNING,DONE"`
	Inputs          *ConversionInput `json:"inputs,omitempty"`
	ConversionCurve []CurvePoint     `json:"conversion_curve,omitempty"`
	CarePlan        []CarePlanItem   `json:"care_plan,omitempty"`
}

// ConversionInput is what the stage 3 model was run with.
type ConversionInput struct {
	Age            int     `json:"age"`
	MCIProbability float64 `json:"mci_probability"`
	APOE4Alleles   int     `json:"apoe4_alleles"`
	MMSE           int     `json:"mmse"`
}

// CurvePoint is the cumulative conversion risk at Month.
type CurvePoint struct {
	Month int     `json:"month"`
	Risk  float64 `json:"risk"`
}

type CarePlanItem struct {
	Title   string         `json:"title"`
	Owner   OwnerType      `json:"owner" enum:"LOCAL,REGIONAL,CENTRAL"`
	DueDate string         `json:"due_date" format:"date"`
	Status  CarePlanStatus `json:"status" enum:"TODO,IN_PROGRESS,DONE"`
}

type Ops struct {
	ContactPriority ContactPriority `json:"contact_priority" enum:"P1,P2,P3"`
	OwnerType       OwnerType       `json:"owner_type" enum:"LOCAL,REGIONAL,CENTRAL"`
	LoopStep        map[Stage]int   `json:"loop_step"`
}

// ModelJob is one simulated model run for a case and stage.
type ModelJob struct {
	JobID      string    `json:"job_id"`
	CaseID     string    `json:"case_id"`
	Stage      Stage     `json:"stage" enum:"STAGE1,STAGE2,STAGE3"`
	Status     JobStatus `json:"status" enum:"QUEUED,RUNNING,SUCCEEDED,FAILED"`
	Progress   int       `json:"progress"`
	ETASeconds int       `json:"eta_seconds"`
	CreatedAt  string    `json:"created_at" format:"date-time"`
	StartedAt  string    `json:"started_at,omitempty" format:"date-time"`
	FinishedAt string    `json:"finished_at,omitempty" format:"date-time"`
	Error      string    `json:"error,omitempty"`
}

// JobID formats the id of the seq-th job ever created.
func JobID(stage Stage, caseID string, seq int64) string {
	return fmt.Sprintf("JOB-%s-%s-%04d", stage, caseID, seq)
}

// Active reports whether the job is still queued or running.
func (j ModelJob) Active() bool {
	return !j.Status.Terminal()
}

type TimelineEvent struct {
	ID      string            `json:"id"`
	Seq     int64             `json:"seq"`
	TS      string            `json:"ts" format:"date-time"`
	CaseID  string            `json:"case_id"`
	Type    EventType         `json:"type"`
	Summary string            `json:"summary"`
	Meta    map[string]string `json:"meta,omitempty"`
}
