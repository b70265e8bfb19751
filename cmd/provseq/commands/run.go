package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/providers"
	"github.com/openfroyo/provseq/pkg/providers/awsec2"
	"github.com/openfroyo/provseq/pkg/stores"
	"github.com/openfroyo/provseq/pkg/telemetry"
	"github.com/spf13/cobra"
)

// Cleanup modes for a run that succeeded.
const (
	cleanupAsk    = "ask"
	cleanupAlways = "always"
	cleanupNever  = "never"
)

type runOptions struct {
	file        string
	policyPaths []string
	cleanup     string
	journalPath string
	region      string
	autoApprove bool
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision a workflow, rolling back on failure",
		Long: `Create every resource of a workflow in order.

This command:
  - Loads and validates the workflow definition
  - Evaluates it against the built-in and user policies
  - Prompts for approval (unless --auto-approve)
  - Creates each step, waiting for readiness where the step asks for it
  - Deletes everything created, newest first, when a step fails
  - Optionally tears down a successful run (--cleanup)`,
		Example: `  # Provision and ask whether to clean up afterwards
  provseq run -f vpc.yaml

  # Tutorial mode: provision, then always tear down
  provseq run -f vpc.yaml --cleanup always --auto-approve

  # Keep an audit trail of the run
  provseq run -f vpc.yaml --journal provseq.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts, nil)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "workflow definition (YAML, CUE or a CUE package directory)")
	cmd.Flags().StringSliceVar(&opts.policyPaths, "policy", nil, "additional policy files or directories")
	cmd.Flags().StringVar(&opts.cleanup, "cleanup", cleanupAsk, "tear down after success: ask, always or never")
	cmd.Flags().StringVar(&opts.journalPath, "journal", "", "record the run in this SQLite journal")
	cmd.Flags().StringVar(&opts.region, "region", "", "AWS region (defaults to the SDK configuration)")
	cmd.Flags().BoolVar(&opts.autoApprove, "auto-approve", false, "skip the approval prompt")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// runWorkflow executes one run. A nil registry registers the AWS providers.
func runWorkflow(ctx context.Context, in io.Reader, out io.Writer, opts *runOptions, registry *providers.Registry) error {
	switch opts.cleanup {
	case cleanupAsk, cleanupAlways, cleanupNever:
	default:
		return fmt.Errorf("invalid --cleanup %q: must be ask, always or never", opts.cleanup)
	}

	ctx, tel, stop, err := startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stop()
	logger := tel.Logger.NewComponentLogger("cli")

	checked, err := loadAndCheck(ctx, *logger.Zerolog(), opts.file, opts.policyPaths)
	if err != nil {
		return err
	}
	wf := checked.Workflow
	if len(checked.Policy.Warnings) > 0 || !checked.Policy.Allowed {
		printPolicyResult(out, checked.Policy)
	}
	if err := checked.Policy.Err(); err != nil {
		return err
	}

	if registry == nil {
		registry = providers.NewRegistry()
		if err := awsec2.Register(registry, awsec2.DefaultClient(opts.region)); err != nil {
			return err
		}
	}
	steps, err := providers.NewBuilder(registry).Build(ctx, wf)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(in)
	if !opts.autoApprove {
		printPlan(out, wf.Name, steps)
		if !confirm(reader, out, "Provision these resources?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	sinks := engine.MultiSink{}
	if opts.journalPath != "" {
		store, err := stores.Open(ctx, opts.journalPath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer store.Close()

		journal := stores.NewJournal(store)
		defer func() {
			if err := journal.Err(); err != nil {
				logger.Warn().Err(err).Msg("Run journal is incomplete")
			}
		}()
		// The journal creates the run row the observer's events refer to,
		// so it goes first.
		sinks = append(sinks, journal)
		tel.Events.Subscribe(journal.Subscriber(), nil)
	}
	sinks = append(sinks, telemetry.NewObserver(tel))

	res := engine.Run(ctx, steps, sinks,
		engine.WithWorkflowName(wf.Name),
		engine.WithRollbackPolicy(wf.Defaults.Rollback.Policy()),
		engine.WithCleanupDecider(cleanupDecider(opts.cleanup, reader, out)))

	if jsonOutput {
		if err := printJSON(out, newRunReport(res)); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}
	return runError(res)
}

// cleanupDecider implements --cleanup for runs that succeeded.
func cleanupDecider(mode string, in *bufio.Reader, out io.Writer) engine.CleanupDecider {
	return func(_ context.Context, res *engine.WorkflowResult) bool {
		switch mode {
		case cleanupAlways:
			return true
		case cleanupNever:
			return false
		}
		if len(res.LedgerSnapshot) == 0 {
			return false
		}
		fmt.Fprintf(out, "\nAll %d steps succeeded. %d resources were created:\n", res.CompletedSteps, len(res.LedgerSnapshot))
		for _, h := range res.LedgerSnapshot {
			fmt.Fprintf(out, "  %s (%s)\n", h.String(), h.Step)
		}
		return confirm(in, out, "Clean up these resources now?")
	}
}

// confirm asks a yes/no question; anything but y or yes, including EOF, is no.
func confirm(in *bufio.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, _ := in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// runError turns a result into the command's error, if any.
func runError(res *engine.WorkflowResult) error {
	if len(res.RollbackErrors) > 0 {
		return &exitError{code: 2, err: fmt.Errorf("run %s left resources behind: %w", res.RunID, res.Err())}
	}
	if res.Failure != nil && res.RollbackPerformed {
		return &exitError{code: 1, err: fmt.Errorf("run %s failed and was rolled back: %w", res.RunID, res.Failure)}
	}
	if res.Failure != nil {
		return &exitError{code: 1, err: fmt.Errorf("run %s failed: %w", res.RunID, res.Failure)}
	}
	return nil
}
