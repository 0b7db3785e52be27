package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"caseline/internal/app"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/events"
)

func casesCmd() *cobra.Command {
	cs := &cobra.Command{
		Use:   "cases",
		Short: "Inspect cases",
		Long:  "A case follows one person through the three screening stages. Its ops block says who should call and how urgently.",
	}
	cs.AddCommand(casesListCmd())
	cs.AddCommand(casesShowCmd())
	return cs
}

func casesListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter domain.Stage
			if stage != "" {
				s, err := domain.ParseStage(stage)
				if err != nil {
					return err
				}
				filter = s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListCases(ctx, filter)
				if err != nil {
					return err
				}
				return printJSONOrText(items, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"Case", "Person", "Stage", "Stage 1", "Stage 2", "Stage 3", "Priority", "Owner"})
					for _, c := range items {
						tw.AppendRow(table.Row{
							c.CaseID, c.PersonID, c.CurrentStage,
							c.Stage1.Status, c.Stage2.Status, c.Stage3.Status,
							c.Ops.ContactPriority, c.Ops.OwnerType,
						})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "only cases currently on this stage")
	return cmd
}

func casesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its jobs and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				detail, err := a.Engine.GetCaseDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(detail, func() { renderDetail(detail) })
			})
		},
	}
}

func renderDetail(d engine.CaseDetail) {
	c := d.Case
	fmt.Printf("%s  %s (%s, born %d, %s)\n", c.CaseID, d.Person.Name, d.Person.Sex, d.Person.BirthYear, d.Person.Region)
	fmt.Printf("stage %s  priority %s  owner %s\n", c.CurrentStage, c.Ops.ContactPriority, c.Ops.OwnerType)
	if r := c.Stage1.Result; r != nil {
		fmt.Printf("stage1 %s: risk %d %s (%s)\n", c.Stage1.Status, r.RiskScore, r.RiskBand, strings.Join(r.KeyFactors, ", "))
	} else {
		fmt.Printf("stage1 %s\n", c.Stage1.Status)
	}
	if cl := c.Stage2.Classification; cl != nil {
		fmt.Printf("stage2 %s: %s (p=%.2f)\n", c.Stage2.Status, cl.Label, cl.Probabilities[cl.Label])
	} else {
		fmt.Printf("stage2 %s\n", c.Stage2.Status)
	}
	fmt.Printf("stage3 %s\n", c.Stage3.Status)
	if len(c.Stage3.CarePlan) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Care plan", "Owner", "Due", "Status"})
		for _, item := range c.Stage3.CarePlan {
			tw.AppendRow(table.Row{item.Title, item.Owner, item.DueDate, item.Status})
		}
		tw.Render()
	}
	if len(d.Jobs) > 0 {
		renderJobs(d.Jobs)
	}
	if len(d.Timeline) > 0 {
		renderTimeline(d.Timeline)
	}
}

func renderJobs(items []domain.ModelJob) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Job", "Stage", "Status", "Progress", "ETA", "Error"})
	for _, j := range items {
		tw.AppendRow(table.Row{j.JobID, j.Stage, j.Status, fmt.Sprintf("%d%%", j.Progress), fmt.Sprintf("%ds", j.ETASeconds), j.Error})
	}
	tw.Render()
}

func renderTimeline(items []domain.TimelineEvent) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "Time", "Case", "Type", "Summary"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.Seq, evt.TS, evt.CaseID, evt.Type, evt.Summary})
	}
	tw.Render()
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func timelineCmd() *cobra.Command {
	var caseID string
	var types []string
	var n int
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show timeline events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				all, err := a.Engine.ListTimeline(ctx, caseID)
				if err != nil {
					return err
				}
				items := make([]domain.TimelineEvent, 0, n)
				for _, evt := range all {
					if !events.Matches(types, evt) {
						continue
					}
					if n > 0 && len(items) == n {
						break
					}
					items = append(items, evt)
				}
				return printJSONOrText(items, func() { renderTimeline(items) })
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "only events of this case")
	cmd.Flags().StringSliceVar(&types, "type", nil, "event types (repeatable or comma separated)")
	cmd.Flags().IntVar(&n, "n", 20, "number of events; 0 for all")
	return cmd
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a model job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(job, func() { renderJobs([]domain.ModelJob{job}) })
			})
		},
	}
}

func runCmd() *cobra.Command {
	var stage string
	var wait bool
	cmd := &cobra.Command{
		Use:   "run <case-id>",
		Short: "Request the model job of a stage",
		Long:  "Run queues the stage model. With simulation on the job finishes on a timer; --wait keeps the process alive until it does.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseStage(stage)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var job domain.ModelJob
				switch s {
				case domain.Stage1ID:
					job, err = a.Engine.RunStage1Model(ctx, args[0])
				case domain.Stage2ID:
					job, err = a.Engine.RunStage2Model(ctx, args[0])
				case domain.Stage3ID:
					job, err = a.Engine.RunStage3Model(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if wait {
					job, err = waitJob(ctx, a, job)
					if err != nil {
						return err
					}
				}
				return printJSONOrText(job, func() { renderJobs([]domain.ModelJob{job}) })
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "1", "stage to run (1, 2, 3 or STAGE1..STAGE3)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	return cmd
}

func waitJob(ctx context.Context, a *app.App, job domain.ModelJob) (domain.ModelJob, error) {
	interval := a.Config.Simulation.Tick()
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !job.Status.Terminal() {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
		var err error
		if job, err = a.Store.GetJob(ctx, job.JobID); err != nil {
			return job, err
		}
		a.Log.Debug("waiting", zap.String("job_id", job.JobID), zap.Int("progress", job.Progress))
	}
	return job, nil
}

func promoteCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "promote <case-id>",
		Short: "Promote a case to stage 2 or 3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseStage(stage)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var c domain.Case
				switch s {
				case domain.Stage2ID:
					c, err = a.Engine.PromoteToStage2(ctx, args[0])
				case domain.Stage3ID:
					c, err = a.Engine.PromoteToStage3(ctx, args[0])
				default:
					return fmt.Errorf("cases start on %s; promote to STAGE2 or STAGE3", domain.Stage1ID)
				}
				if err != nil {
					return err
				}
				return printJSONOrText(c, func() {
					fmt.Printf("%s now on %s\n", c.CaseID, c.CurrentStage)
				})
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "2", "target stage (2 or 3)")
	return cmd
}

func labsCmd() *cobra.Command {
	var labs domain.Labs
	cmd := &cobra.Command{
		Use:   "labs <case-id>",
		Short: "Submit stage 2 lab results",
		Long:  "Without any lab flag a deterministic lab payload is generated for the case.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload *domain.Labs
			for _, name := range []string{"amyloid-ratio", "ptau217", "nfl", "apoe4", "mmse"} {
				if cmd.Flags().Changed(name) {
					payload = &labs
					break
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.SubmitStage2Labs(ctx, args[0], payload)
				if err != nil {
					return err
				}
				return printJSONOrText(c, func() {
					l := c.Stage2.Labs
					fmt.Printf("%s stage2 %s: amyloid %.3f ptau217 %.2f nfl %.1f apoe4 %d mmse %d\n",
						c.CaseID, c.Stage2.Status, l.AmyloidRatio, l.PTau217, l.NfL, l.APOE4Alleles, l.MMSE)
				})
			})
		},
	}
	cmd.Flags().Float64Var(&labs.AmyloidRatio, "amyloid-ratio", 0, "CSF amyloid beta 42/40 ratio")
	cmd.Flags().Float64Var(&labs.PTau217, "ptau217", 0, "plasma p-tau217 (pg/mL)")
	cmd.Flags().Float64Var(&labs.NfL, "nfl", 0, "neurofilament light chain (pg/mL)")
	cmd.Flags().IntVar(&labs.APOE4Alleles, "apoe4", 0, "APOE4 allele count")
	cmd.Flags().IntVar(&labs.MMSE, "mmse", 0, "MMSE score")
	return cmd
}

func completeCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "complete <case-id>",
		Short: "Finish the latest job of a stage now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseStage(stage)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.InstantCompleteLatestJob(ctx, args[0], s)
				if err != nil {
					return err
				}
				return printJSONOrText(job, func() { renderJobs([]domain.ModelJob{job}) })
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "1", "stage of the job")
	return cmd
}

func failCmd() *cobra.Command {
	var stage, reason string
	cmd := &cobra.Command{
		Use:   "fail <case-id>",
		Short: "Mark the latest job of a stage FAILED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseStage(stage)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.FailLatestJob(ctx, args[0], s, reason)
				if err != nil {
					return err
				}
				return printJSONOrText(job, func() { renderJobs([]domain.ModelJob{job}) })
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "1", "stage of the job")
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [case-id]",
		Short: "Reseed every case, or restore one case",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					c, err := a.Engine.ResetOneCase(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrText(c, func() { fmt.Printf("%s restored\n", c.CaseID) })
				}
				if err := a.Engine.ResetAll(ctx); err != nil {
					return err
				}
				cases, err := a.Engine.ListCases(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"status": "reset", "cases": len(cases)}, func() {
					fmt.Printf("reseeded %d cases\n", len(cases))
				})
			})
		},
	}
}
