package domain

import "fmt"

type Stage string

const (
	Stage1ID Stage = "STAGE1"
	Stage2ID Stage = "STAGE2"
	Stage3ID Stage = "STAGE3"
)

// Stages lists the pipeline stages in order.
var Stages = []Stage{Stage1ID, Stage2ID, Stage3ID}

func (s Stage) Valid() bool {
	switch s {
	case Stage1ID, Stage2ID, Stage3ID:
		return true
	}
	return false
}

// Index returns the 1-based position of the stage, or 0 for unknown values.
func (s Stage) Index() int {
	switch s {
	case Stage1ID:
		return 1
	case Stage2ID:
		return 2
	case Stage3ID:
		return 3
	}
	return 0
}

// Next returns the stage that follows s.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case Stage1ID:
		return Stage2ID, true
	case Stage2ID:
		return Stage3ID, true
	}
	return "", false
}

// ParseStage accepts STAGE1 style names as well as bare numbers ("1").
func ParseStage(v string) (Stage, error) {
	switch v {
	case "1", "stage1", string(Stage1ID):
		return Stage1ID, nil
	case "2", "stage2", string(Stage2ID):
		return Stage2ID, nil
	case "3", "stage3", string(Stage3ID):
		return Stage3ID, nil
	}
	return "", fmt.Errorf("invalid stage %q", v)
}

type Stage1Status string

const (
	Stage1NotStarted Stage1Status = "NOT_STARTED"
	Stage1InProgress Stage1Status = "IN_PROGRESS"
	Stage1Done       Stage1Status = "DONE"
)

func (s Stage1Status) rank() int {
	switch s {
	case Stage1NotStarted:
		return 0
	case Stage1InProgress:
		return 1
	case Stage1Done:
		return 2
	}
	return -1
}

type Stage2Status string

const (
	Stage2NotReady     Stage2Status = "NOT_READY"
	Stage2LabsReceived Stage2Status = "LABS_RECEIVED"
	Stage2ModelRunning Stage2Status = "MODEL_RUNNING"
	Stage2Done         Stage2Status = "DONE"
)

func (s Stage2Status) rank() int {
	switch s {
	case Stage2NotReady:
		return 0
	case Stage2LabsReceived:
		return 1
	case Stage2ModelRunning:
		return 2
	case Stage2Done:
		return 3
	}
	return -1
}

type Stage3Status string

const (
	Stage3NotStarted   Stage3Status = "NOT_STARTED"
	Stage3ModelRunning Stage3Status = "MODEL_RUNNING"
	Stage3Done         Stage3Status = "DONE"
)

func (s Stage3Status) rank() int {
	switch s {
	case Stage3NotStarted:
		return 0
	case Stage3ModelRunning:
		return 1
	case Stage3Done:
		return 2
	}
	return -1
}

// Stage1Advances reports whether moving from old to next keeps the ordering.
func Stage1Advances(old, next Stage1Status) bool {
	return old.rank() >= 0 && next.rank() >= old.rank()
}

func Stage2Advances(old, next Stage2Status) bool {
	return old.rank() >= 0 && next.rank() >= old.rank()
}

func Stage3Advances(old, next Stage3Status) bool {
	return old.rank() >= 0 && next.rank() >= old.rank()
}

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed:
		return true
	case JobQueued, JobRunning:
		return false
	}
	return false
}

type RiskBand string

const (
	RiskLow      RiskBand = "LOW"
	RiskModerate RiskBand = "MODERATE"
	RiskHigh     RiskBand = "HIGH"
)

type ClassLabel string

const (
	LabelNormal      ClassLabel = "NORMAL"
	LabelMCILowRisk  ClassLabel = "MCI_LOW_RISK"
	LabelMCIHighRisk ClassLabel = "MCI_HIGH_RISK"
)

// ClassLabels lists every stage 2 label in a stable order.
var ClassLabels = []ClassLabel{LabelNormal, LabelMCILowRisk, LabelMCIHighRisk}

// HighRisk reports whether the label qualifies a case for stage 3 modelling.
func (l ClassLabel) HighRisk() bool {
	return l == LabelMCIHighRisk
}

type ContactPriority string

const (
	PriorityP1 ContactPriority = "P1"
	PriorityP2 ContactPriority = "P2"
	PriorityP3 ContactPriority = "P3"
)

type OwnerType string

const (
	OwnerLocal    OwnerType = "LOCAL"
	OwnerRegional OwnerType = "REGIONAL"
	OwnerCentral  OwnerType = "CENTRAL"
)

type CarePlanStatus string

const (
	CarePlanTodo       CarePlanStatus = "TODO"
	CarePlanInProgress CarePlanStatus = "IN_PROGRESS"
	CarePlanDone       CarePlanStatus = "DONE"
)

type EventType string

const (
	EventStage1ModelRequested EventType = "STAGE1_MODEL_REQUESTED"
	EventStage1ModelDone      EventType = "STAGE1_MODEL_DONE"
	EventPromotedToStage2     EventType = "PROMOTED_TO_STAGE2"
	EventStage2LabsReceived   EventType = "STAGE2_LABS_RECEIVED"
	EventStage2ModelRequested EventType = "STAGE2_MODEL_REQUESTED"
	EventStage2ModelDone      EventType = "STAGE2_MODEL_DONE"
	EventPromotedToStage3     EventType = "PROMOTED_TO_STAGE3"
	EventStage3ModelRequested EventType = "STAGE3_MODEL_REQUESTED"
	EventStage3ModelDone      EventType = "STAGE3_MODEL_DONE"
	EventCarePlanCreated      EventType = "CAREPLAN_CREATED"
	EventModelJobFailed       EventType = "MODEL_JOB_FAILED"
)

func (t EventType) Valid() bool {
	switch t {
	case EventStage1ModelRequested, EventStage1ModelDone,
		EventPromotedToStage2, EventStage2LabsReceived,
		EventStage2ModelRequested, EventStage2ModelDone,
		EventPromotedToStage3, EventStage3ModelRequested,
		EventStage3ModelDone, EventCarePlanCreated, EventModelJobFailed:
		return true
	}
	return false
}

// ModelRequestedEvent returns the request event type for a stage.
func ModelRequestedEvent(s Stage) EventType {
	switch s {
	case Stage1ID:
		return EventStage1ModelRequested
	case Stage2ID:
		return EventStage2ModelRequested
	case Stage3ID:
		return EventStage3ModelRequested
	}
	return ""
}

// ModelDoneEvent returns the completion event type for a stage.
func ModelDoneEvent(s Stage) EventType {
	switch s {
	case Stage1ID:
		return EventStage1ModelDone
	case Stage2ID:
		return EventStage2ModelDone
	case Stage3ID:
		return EventStage3ModelDone
	}
	return ""
}
