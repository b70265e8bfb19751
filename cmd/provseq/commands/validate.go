package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/provseq/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var (
		file        string
		policyPaths []string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow definition",
		Long: `Validate a workflow definition without creating anything.

This command checks:
  - YAML or CUE syntax and the workflow schema
  - Field rules and unique step names
  - Policy compliance (built-in and user Rego policies)

With --watch it keeps running and re-validates whenever the workflow or a
policy file changes.`,
		Example: `  # Validate a workflow
  provseq validate -f vpc.yaml

  # Include team policies
  provseq validate -f vpc.yaml --policy ./policies

  # Re-validate on every save
  provseq validate -f vpc.yaml --policy ./policies --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			err := validateOnce(ctx, out, file, policyPaths)
			if !watch {
				return err
			}

			paths := append([]string{file}, policyPaths...)
			log.Info().Strs("paths", paths).Msg("Watching for changes")
			watcher := policy.NewWatcher(log.Logger, policy.DefaultDebounce)
			return watcher.Watch(ctx, paths, func() {
				fmt.Fprintln(out)
				_ = validateOnce(ctx, out, file, policyPaths)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition (YAML, CUE or a CUE package directory)")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional policy files or directories")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-validate when the workflow or policies change")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// validateOnce loads and checks the workflow and reports the outcome to out.
func validateOnce(ctx context.Context, out io.Writer, file string, policyPaths []string) error {
	checked, err := loadAndCheck(ctx, log.Logger, file, policyPaths)
	if err != nil {
		if !jsonOutput {
			fmt.Fprintf(out, "✗ %s is invalid:\n%v\n", file, err)
		}
		return err
	}

	if jsonOutput {
		if err := printJSON(out, checked); err != nil {
			return err
		}
		return checked.Policy.Err()
	}

	result := checked.Policy
	if result.Allowed {
		fmt.Fprintf(out, "✓ %s: workflow %s is valid (%d steps, %d policies evaluated)\n",
			file, checked.Workflow.Name, checked.Workflow.StepCount(), len(result.EvaluatedPolicies))
	} else {
		fmt.Fprintf(out, "✗ %s: workflow %s violates policy:\n", file, checked.Workflow.Name)
	}
	printPolicyResult(out, result)
	return result.Err()
}
