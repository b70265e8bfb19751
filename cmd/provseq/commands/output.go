package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/stores"
)

// runReport is the --json form of a run result.
type runReport struct {
	*engine.WorkflowResult
	Failure        string   `json:"failure,omitempty"`
	FailureCode    string   `json:"failure_code,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	RollbackErrors []string `json:"rollback_errors,omitempty"`
	Duration       string   `json:"duration"`
}

func newRunReport(res *engine.WorkflowResult) runReport {
	report := runReport{
		WorkflowResult: res,
		RollbackErrors: res.RollbackErrorStrings(),
		Duration:       res.Duration().Round(time.Millisecond).String(),
	}
	if res.Failure != nil {
		report.Failure = res.Failure.Error()
		report.FailureCode = engine.CodeOf(res.Failure)
	}
	for _, w := range res.Warnings {
		report.Warnings = append(report.Warnings, w.Error())
	}
	return report
}

func printPlan(w io.Writer, workflow string, steps []engine.Step) {
	fmt.Fprintf(w, "Workflow %s will create %d steps:\n", workflow, len(steps))
	for i, step := range steps {
		fmt.Fprintf(w, "  %d. %s%s\n", i+1, step.Name, stepFlags(step))
		for _, member := range step.Group {
			fmt.Fprintf(w, "       - %s%s\n", member.Name, stepFlags(member))
		}
	}
}

func stepFlags(step engine.Step) string {
	flags := ""
	if step.Kind != "" {
		flags += " [" + string(step.Kind) + "]"
	}
	if step.DependsOnReadiness {
		flags += " (wait)"
	}
	if step.Optional {
		flags += " (optional)"
	}
	return flags
}

func printResult(w io.Writer, res *engine.WorkflowResult) {
	fmt.Fprintf(w, "\nRun %s: %s (%d/%d steps, %s)\n",
		res.RunID, res.State, res.CompletedSteps, res.TotalSteps, res.Duration().Round(time.Millisecond))

	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  ! %v\n", warn)
	}
	if res.Failure != nil {
		fmt.Fprintf(w, "  ✗ %v\n", res.Failure)
	}

	if !res.RollbackPerformed {
		if len(res.LedgerSnapshot) > 0 {
			fmt.Fprintln(w, "Resources:")
			for _, h := range res.LedgerSnapshot {
				fmt.Fprintf(w, "  %s (%s)\n", h.String(), h.Step)
			}
		}
		return
	}

	if len(res.RollbackErrors) == 0 {
		fmt.Fprintf(w, "Rolled back %d resources.\n", len(res.LedgerSnapshot))
		return
	}
	fmt.Fprintf(w, "Rollback left %d resources that need manual cleanup:\n", len(res.RollbackErrors))
	for _, err := range res.RollbackErrors {
		fmt.Fprintf(w, "  ✗ %v\n", err)
	}
}

func printRunsTable(w io.Writer, runs []*stores.RunRecord) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Workflow", "State", "Steps", "Started", "Duration"})
	table.SetAutoWrapText(false)

	for _, run := range runs {
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.Duration().Round(time.Second).String()
		}
		table.Append([]string{
			run.ID,
			run.Workflow,
			run.State,
			fmt.Sprintf("%d/%d", run.CompletedSteps, run.TotalSteps),
			run.StartedAt.Local().Format(time.DateTime),
			duration,
		})
	}
	table.Render()
}

func printRunDetail(w io.Writer, detail *stores.RunDetail) {
	run := detail.Run
	fmt.Fprintf(w, "Run:       %s\n", run.ID)
	fmt.Fprintf(w, "Workflow:  %s\n", run.Workflow)
	fmt.Fprintf(w, "State:     %s\n", run.State)
	fmt.Fprintf(w, "Steps:     %d/%d\n", run.CompletedSteps, run.TotalSteps)
	fmt.Fprintf(w, "Started:   %s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "Duration:  %s\n", run.Duration().Round(time.Millisecond))
	}
	if run.FailedStep != nil {
		fmt.Fprintf(w, "Failed at: %s\n", *run.FailedStep)
	}
	if run.Failure != nil {
		code := ""
		if run.FailureCode != nil {
			code = *run.FailureCode + ": "
		}
		fmt.Fprintf(w, "Failure:   %s%s\n", code, *run.Failure)
	}

	if len(detail.Resources) > 0 {
		fmt.Fprintln(w, "\nResources:")
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"#", "Step", "Kind", "ID", "Status", "Delete Attempts"})
		table.SetAutoWrapText(false)
		for _, res := range detail.Resources {
			table.Append([]string{
				strconv.Itoa(res.Position),
				res.Step,
				res.Kind,
				res.ResourceID,
				string(res.Status),
				strconv.Itoa(res.DeleteAttempts),
			})
		}
		table.Render()
	}

	if len(detail.RollbackErrors) > 0 {
		fmt.Fprintln(w, "\nNeeds manual cleanup:")
		for _, e := range detail.RollbackErrors {
			fmt.Fprintf(w, "  %s %s after %d attempts: %s\n", e.Step, e.ResourceID, e.Attempts, e.Message)
		}
	}

	if len(detail.Events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, ev := range detail.Events {
			fmt.Fprintf(w, "  %s  %-5s  %s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Level, ev.Message)
		}
	}
}
