package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/jobs"
	"caseline/internal/scoring"
)

// stageRun describes one model request. prepare checks the case and moves
// the stage status; it runs inside the store mutation and must not call the
// store.
type stageRun struct {
	op      string
	stage   domain.Stage
	summary string
	prepare func(c *domain.Case, p domain.Person) error
}

func (e *Engine) RunStage1Model(ctx context.Context, caseID string) (domain.ModelJob, error) {
	return e.runStage(ctx, caseID, stageRun{
		op:      "run stage 1 model",
		stage:   domain.Stage1ID,
		summary: "Stage 1 risk screen requested",
		prepare: func(c *domain.Case, p domain.Person) error {
			if c.CurrentStage != domain.Stage1ID {
				return precondition("run stage 1 model", c.CaseID, "case is on %s, not STAGE1", c.CurrentStage)
			}
			if c.Stage1.Status == domain.Stage1Done {
				return precondition("run stage 1 model", c.CaseID, "stage 1 is already DONE")
			}
			return setStage1(c, domain.Stage1InProgress)
		},
	})
}

func (e *Engine) RunStage2Model(ctx context.Context, caseID string) (domain.ModelJob, error) {
	return e.runStage(ctx, caseID, stageRun{
		op:      "run stage 2 model",
		stage:   domain.Stage2ID,
		summary: "Stage 2 classification requested",
		prepare: func(c *domain.Case, p domain.Person) error {
			if c.CurrentStage != domain.Stage2ID {
				return precondition("run stage 2 model", c.CaseID, "case is on %s, not STAGE2", c.CurrentStage)
			}
			if c.Stage2.Status == domain.Stage2Done {
				return precondition("run stage 2 model", c.CaseID, "stage 2 is already DONE")
			}
			if c.Stage2.Labs == nil {
				return precondition("run stage 2 model", c.CaseID, "labs must be received before the stage 2 model can run")
			}
			return setStage2(c, domain.Stage2ModelRunning)
		},
	})
}

func (e *Engine) RunStage3Model(ctx context.Context, caseID string) (domain.ModelJob, error) {
	at := e.now()
	return e.runStage(ctx, caseID, stageRun{
		op:      "run stage 3 model",
		stage:   domain.Stage3ID,
		summary: "Stage 3 conversion model requested",
		prepare: func(c *domain.Case, p domain.Person) error {
			if c.CurrentStage != domain.Stage3ID {
				return precondition("run stage 3 model", c.CaseID, "case is on %s, not STAGE3", c.CurrentStage)
			}
			if c.Stage3.Status == domain.Stage3Done {
				return precondition("run stage 3 model", c.CaseID, "stage 3 is already DONE")
			}
			cl := c.Stage2.Classification
			if cl == nil || !cl.Label.HighRisk() {
				label := "missing"
				if cl != nil {
					label = string(cl.Label)
				}
				return precondition("run stage 3 model", c.CaseID, "stage 2 classification is %s; stage 3 requires %s", label, domain.LabelMCIHighRisk)
			}
			if err := setStage3(c, domain.Stage3ModelRunning); err != nil {
				return err
			}
			in := scoring.Stage3Inputs(*c, p, at)
			c.Stage3.Inputs = &in
			return nil
		},
	})
}

func (e *Engine) runStage(ctx context.Context, caseID string, sr stageRun) (domain.ModelJob, error) {
	if err := e.wait(ctx); err != nil {
		return domain.ModelJob{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.Store.GetCase(ctx, caseID)
	if err != nil {
		return domain.ModelJob{}, err
	}
	person, err := e.Store.GetPerson(ctx, cur.PersonID)
	if err != nil {
		return domain.ModelJob{}, err
	}
	active, ok, err := e.Store.ActiveJob(ctx, caseID, sr.stage)
	if err != nil {
		return domain.ModelJob{}, err
	}
	if ok {
		return active, nil
	}
	if _, err := e.Store.MutateCase(ctx, caseID, func(c *domain.Case) error {
		if err := sr.prepare(c, person); err != nil {
			return err
		}
		bumpLoop(c, sr.stage)
		return nil
	}); err != nil {
		return domain.ModelJob{}, err
	}

	sim := e.Config.Simulation
	job, err := e.Store.InsertJob(ctx, domain.ModelJob{
		CaseID:     caseID,
		Stage:      sr.stage,
		Status:     domain.JobQueued,
		ETASeconds: secondsCeil(sim.QueueDelay().Seconds() + sim.StageDuration(sr.stage).Seconds()),
	})
	if err != nil {
		return domain.ModelJob{}, fmt.Errorf("%s %s: %w", sr.op, caseID, err)
	}
	if _, err := e.Events.Append(ctx, caseID, domain.ModelRequestedEvent(sr.stage), sr.summary, events.Meta{
		"job_id": job.JobID,
		"stage":  string(sr.stage),
	}); err != nil {
		return domain.ModelJob{}, err
	}
	e.Log.Info("model job requested",
		zap.String("case_id", caseID),
		zap.String("stage", string(sr.stage)),
		zap.String("job_id", job.JobID))
	if err := e.launch(ctx, job, 0); err != nil {
		return domain.ModelJob{}, err
	}
	return e.Store.GetJob(ctx, job.JobID)
}

func (e *Engine) PromoteToStage2(ctx context.Context, caseID string) (domain.Case, error) {
	if err := e.wait(ctx); err != nil {
		return domain.Case{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "promote to stage 2"
	c, err := e.record(ctx, caseID, func(c *domain.Case) ([]events.Draft, error) {
		if c.CurrentStage != domain.Stage1ID {
			return nil, precondition(op, caseID, "case is already on %s", c.CurrentStage)
		}
		if c.Stage1.Status != domain.Stage1Done {
			return nil, precondition(op, caseID, "stage 1 is %s; it must be DONE before promotion", c.Stage1.Status)
		}
		c.CurrentStage = domain.Stage2ID
		c.Stage2 = domain.Stage2{Status: domain.Stage2NotReady}
		c.Ops.OwnerType = domain.OwnerRegional
		bumpLoop(c, domain.Stage2ID)
		return []events.Draft{{
			Type:    domain.EventPromotedToStage2,
			Summary: "Promoted to stage 2 and handed to the regional centre",
			Meta: events.Meta{
				"from":  string(domain.Stage1ID),
				"to":    string(domain.Stage2ID),
				"owner": string(domain.OwnerRegional),
			},
		}}, nil
	})
	if err != nil {
		return domain.Case{}, err
	}
	e.Log.Info("case promoted", zap.String("case_id", caseID), zap.String("stage", string(domain.Stage2ID)))
	return c, nil
}

// SubmitStage2Labs records lab results. A nil labs generates a deterministic
// payload for the case.
func (e *Engine) SubmitStage2Labs(ctx context.Context, caseID string, labs *domain.Labs) (domain.Case, error) {
	source := "submitted"
	if labs != nil {
		if err := validateStruct(labs); err != nil {
			return domain.Case{}, err
		}
	} else {
		source = "generated"
	}
	if err := e.wait(ctx); err != nil {
		return domain.Case{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "submit stage 2 labs"
	ts := e.stamp()
	return e.record(ctx, caseID, func(c *domain.Case) ([]events.Draft, error) {
		if c.CurrentStage != domain.Stage2ID {
			return nil, precondition(op, caseID, "case is on %s, not STAGE2", c.CurrentStage)
		}
		switch c.Stage2.Status {
		case domain.Stage2NotReady, domain.Stage2LabsReceived:
		case domain.Stage2ModelRunning, domain.Stage2Done:
			return nil, precondition(op, caseID, "stage 2 is %s; labs can no longer change", c.Stage2.Status)
		default:
			return nil, precondition(op, caseID, "stage 2 status %q is unknown", c.Stage2.Status)
		}
		var got domain.Labs
		if labs != nil {
			got = *labs
		} else {
			got = scoring.GenerateLabs(*c)
		}
		got.ReceivedAt = ts
		if err := setStage2(c, domain.Stage2LabsReceived); err != nil {
			return nil, err
		}
		c.Stage2.Labs = &got
		bumpLoop(c, domain.Stage2ID)
		return []events.Draft{{
			Type:    domain.EventStage2LabsReceived,
			Summary: "Stage 2 lab results received",
			Meta: events.Meta{
				"source": source,
				"mmse":   strconv.Itoa(got.MMSE),
			},
		}}, nil
	})
}

func (e *Engine) PromoteToStage3(ctx context.Context, caseID string) (domain.Case, error) {
	if err := e.wait(ctx); err != nil {
		return domain.Case{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "promote to stage 3"
	c, err := e.record(ctx, caseID, func(c *domain.Case) ([]events.Draft, error) {
		if c.CurrentStage != domain.Stage2ID {
			if c.CurrentStage == domain.Stage3ID {
				return nil, precondition(op, caseID, "case is already on STAGE3")
			}
			return nil, precondition(op, caseID, "case is on %s, not STAGE2", c.CurrentStage)
		}
		if c.Stage2.Status != domain.Stage2Done {
			return nil, precondition(op, caseID, "stage 2 is %s; it must be DONE before promotion", c.Stage2.Status)
		}
		c.CurrentStage = domain.Stage3ID
		c.Stage3 = domain.Stage3{Status: domain.Stage3NotStarted}
		c.Ops.OwnerType = domain.OwnerCentral
		bumpLoop(c, domain.Stage3ID)
		return []events.Draft{{
			Type:    domain.EventPromotedToStage3,
			Summary: "Promoted to stage 3 and handed to the central centre",
			Meta: events.Meta{
				"from":  string(domain.Stage2ID),
				"to":    string(domain.Stage3ID),
				"owner": string(domain.OwnerCentral),
			},
		}}, nil
	})
	if err != nil {
		return domain.Case{}, err
	}
	e.Log.Info("case promoted", zap.String("case_id", caseID), zap.String("stage", string(domain.Stage3ID)))
	return c, nil
}

func (e *Engine) completion(stage domain.Stage) jobs.CompleteFunc {
	switch stage {
	case domain.Stage1ID:
		return e.finishStage1
	case domain.Stage2ID:
		return e.finishStage2
	case domain.Stage3ID:
		return e.finishStage3
	}
	return nil
}

// finishStage1 and its siblings run from the runtime with its lock held.
// They must not take the engine lock.
func (e *Engine) finishStage1(ctx context.Context, job domain.ModelJob) error {
	cur, err := e.Store.GetCase(ctx, job.CaseID)
	if err != nil {
		return err
	}
	p, err := e.Store.GetPerson(ctx, cur.PersonID)
	if err != nil {
		return err
	}
	result := scoring.Stage1(cur, p, e.now())
	_, err = e.record(ctx, job.CaseID, func(c *domain.Case) ([]events.Draft, error) {
		if err := setStage1(c, domain.Stage1Done); err != nil {
			return nil, err
		}
		r := result
		c.Stage1.Result = &r
		c.Ops.ContactPriority = scoring.Priority(result.RiskBand)
		bumpLoop(c, domain.Stage1ID)
		return []events.Draft{{
			Type:    domain.EventStage1ModelDone,
			Summary: fmt.Sprintf("Stage 1 risk screen done: score %d (%s)", result.RiskScore, result.RiskBand),
			Meta: events.Meta{
				"job_id":     job.JobID,
				"risk_score": strconv.Itoa(result.RiskScore),
				"risk_band":  string(result.RiskBand),
			},
		}}, nil
	})
	return err
}

func (e *Engine) finishStage2(ctx context.Context, job domain.ModelJob) error {
	_, err := e.record(ctx, job.CaseID, func(c *domain.Case) ([]events.Draft, error) {
		if c.Stage2.Labs == nil {
			return nil, fmt.Errorf("case %s has no labs to classify", c.CaseID)
		}
		if err := setStage2(c, domain.Stage2Done); err != nil {
			return nil, err
		}
		cl := scoring.Classify(*c.Stage2.Labs)
		c.Stage2.Classification = &cl
		if cl.Label.HighRisk() {
			c.Ops.ContactPriority = domain.PriorityP1
		}
		bumpLoop(c, domain.Stage2ID)
		return []events.Draft{{
			Type:    domain.EventStage2ModelDone,
			Summary: fmt.Sprintf("Stage 2 classification done: %s", cl.Label),
			Meta: events.Meta{
				"job_id":      job.JobID,
				"label":       string(cl.Label),
				"probability": strconv.FormatFloat(cl.Probabilities[cl.Label], 'f', 4, 64),
			},
		}}, nil
	})
	return err
}

func (e *Engine) finishStage3(ctx context.Context, job domain.ModelJob) error {
	cur, err := e.Store.GetCase(ctx, job.CaseID)
	if err != nil {
		return err
	}
	in := cur.Stage3.Inputs
	if in == nil {
		p, err := e.Store.GetPerson(ctx, cur.PersonID)
		if err != nil {
			return err
		}
		computed := scoring.Stage3Inputs(cur, p, e.now())
		in = &computed
	}
	curve := scoring.ConversionCurve(*in)
	plan := scoring.CarePlan(curve, e.now())
	final := curve[len(curve)-1].Risk
	_, err = e.record(ctx, job.CaseID, func(c *domain.Case) ([]events.Draft, error) {
		if err := setStage3(c, domain.Stage3Done); err != nil {
			return nil, err
		}
		inputs := *in
		c.Stage3.Inputs = &inputs
		c.Stage3.ConversionCurve = append([]domain.CurvePoint(nil), curve...)
		c.Stage3.CarePlan = append([]domain.CarePlanItem(nil), plan...)
		bumpLoop(c, domain.Stage3ID)
		return []events.Draft{
			{
				Type:    domain.EventStage3ModelDone,
				Summary: fmt.Sprintf("Stage 3 conversion model done: %.0f%% risk at %d months", final*100, scoring.CurveMonths),
				Meta: events.Meta{
					"job_id":   job.JobID,
					"risk_24m": strconv.FormatFloat(final, 'f', 3, 64),
				},
			},
			{
				Type:    domain.EventCarePlanCreated,
				Summary: fmt.Sprintf("Care plan created with %d items", len(plan)),
				Meta: events.Meta{
					"job_id": job.JobID,
					"items":  strconv.Itoa(len(plan)),
					"first":  plan[0].DueDate,
				},
			},
		}, nil
	})
	return err
}

// record applies fn to the case and appends the events it drafts in one
// store commit.
func (e *Engine) record(ctx context.Context, caseID string, fn func(c *domain.Case) ([]events.Draft, error)) (domain.Case, error) {
	c, _, err := e.Store.MutateCaseWithEvents(ctx, caseID, func(c *domain.Case) ([]domain.TimelineEvent, error) {
		drafts, err := fn(c)
		if err != nil {
			return nil, err
		}
		out := make([]domain.TimelineEvent, 0, len(drafts))
		for _, d := range drafts {
			evt, err := e.Events.Build(caseID, d)
			if err != nil {
				return nil, err
			}
			out = append(out, evt)
		}
		return out, nil
	})
	return c, err
}

func (e *Engine) jobFailed(ctx context.Context, job domain.ModelJob, reason string) error {
	e.Log.Warn("model job failed",
		zap.String("case_id", job.CaseID),
		zap.String("job_id", job.JobID),
		zap.String("reason", reason))
	summary := fmt.Sprintf("%s model job failed: %s", job.Stage, reason)
	_, err := e.Events.Append(ctx, job.CaseID, domain.EventModelJobFailed, summary, events.Meta{
		"job_id": job.JobID,
		"stage":  string(job.Stage),
		"reason": reason,
	})
	return err
}

func setStage1(c *domain.Case, next domain.Stage1Status) error {
	if err := ensureStage1Transition(c.Stage1.Status, next); err != nil {
		return err
	}
	c.Stage1.Status = next
	return nil
}

func setStage2(c *domain.Case, next domain.Stage2Status) error {
	if err := ensureStage2Transition(c.Stage2.Status, next); err != nil {
		return err
	}
	c.Stage2.Status = next
	return nil
}

func setStage3(c *domain.Case, next domain.Stage3Status) error {
	if err := ensureStage3Transition(c.Stage3.Status, next); err != nil {
		return err
	}
	c.Stage3.Status = next
	return nil
}

// Re-entering a running status is allowed: a failed job leaves the stage
// where it was and the model may be requested again.
func ensureStage1Transition(oldStatus, newStatus domain.Stage1Status) error {
	switch oldStatus {
	case domain.Stage1NotStarted:
		if newStatus == domain.Stage1InProgress {
			return nil
		}
	case domain.Stage1InProgress:
		if newStatus == domain.Stage1InProgress || newStatus == domain.Stage1Done {
			return nil
		}
	case domain.Stage1Done:
	}
	return fmt.Errorf("invalid stage1 transition %s -> %s", oldStatus, newStatus)
}

func ensureStage2Transition(oldStatus, newStatus domain.Stage2Status) error {
	switch oldStatus {
	case domain.Stage2NotReady:
		if newStatus == domain.Stage2LabsReceived {
			return nil
		}
	case domain.Stage2LabsReceived:
		if newStatus == domain.Stage2LabsReceived || newStatus == domain.Stage2ModelRunning {
			return nil
		}
	case domain.Stage2ModelRunning:
		if newStatus == domain.Stage2ModelRunning || newStatus == domain.Stage2Done {
			return nil
		}
	case domain.Stage2Done:
	}
	return fmt.Errorf("invalid stage2 transition %s -> %s", oldStatus, newStatus)
}

func ensureStage3Transition(oldStatus, newStatus domain.Stage3Status) error {
	switch oldStatus {
	case domain.Stage3NotStarted:
		if newStatus == domain.Stage3ModelRunning {
			return nil
		}
	case domain.Stage3ModelRunning:
		if newStatus == domain.Stage3ModelRunning || newStatus == domain.Stage3Done {
			return nil
		}
	case domain.Stage3Done:
	}
	return fmt.Errorf("invalid stage3 transition %s -> %s", oldStatus, newStatus)
}

func bumpLoop(c *domain.Case, stage domain.Stage) {
	if c.Ops.LoopStep == nil {
		c.Ops.LoopStep = map[domain.Stage]int{}
	}
	c.Ops.LoopStep[stage]++
}

func secondsCeil(secs float64) int {
	if secs <= 0 {
		return 0
	}
	return int(math.Ceil(secs))
}
