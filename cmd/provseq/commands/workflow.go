package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/provseq/pkg/config"
	"github.com/openfroyo/provseq/pkg/policy"
	"github.com/rs/zerolog"
)

// checkedWorkflow is a loaded workflow together with its policy verdict.
type checkedWorkflow struct {
	Workflow *config.Workflow `json:"workflow"`
	Policy   *policy.Result   `json:"policy"`
}

// loadAndCheck loads the workflow at path and evaluates it against the
// built-in policies plus those found under policyPaths.
func loadAndCheck(ctx context.Context, logger zerolog.Logger, path string, policyPaths []string) (*checkedWorkflow, error) {
	wf, err := config.NewLoader().LoadFile(path)
	if err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(policyPaths) > 0 {
		if err := engine.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, err
		}
	}

	result, err := engine.Evaluate(ctx, wf)
	if err != nil {
		return nil, err
	}
	return &checkedWorkflow{Workflow: wf, Policy: result}, nil
}

// printPolicyResult writes violations and warnings in human readable form.
func printPolicyResult(w io.Writer, result *policy.Result) {
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  ✗ %s\n", v)
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  ! %s\n", v)
	}
}
