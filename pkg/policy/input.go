package policy

import (
	"time"

	"github.com/openfroyo/provseq/pkg/config"
	"github.com/openfroyo/provseq/pkg/engine"
)

// BuildInput flattens wf into the document policies see.
func BuildInput(wf *config.Workflow) *Input {
	in := &Input{
		Workflow: wf.Name,
		Names:    []string{},
		Steps:    []StepInput{},
	}

	for _, spec := range wf.Steps {
		in.Names = append(in.Names, spec.Name)
		if !spec.IsGroup() {
			in.Steps = append(in.Steps, stepInput(wf, spec, ""))
			continue
		}
		for _, member := range spec.Group {
			in.Names = append(in.Names, member.Name)
			in.Steps = append(in.Steps, stepInput(wf, member, spec.Name))
		}
	}
	return in
}

func stepInput(wf *config.Workflow, spec config.StepSpec, group string) StepInput {
	s := StepInput{
		Name:      spec.Name,
		Kind:      spec.Kind,
		Provider:  spec.Provider,
		Exec:      spec.Exec != nil,
		Group:     group,
		Wait:      spec.Wait,
		Optional:  spec.Optional,
		Pollable:  true,
		Deletable: true,
	}
	if spec.Exec != nil {
		s.Pollable = spec.Exec.Poll != ""
		s.Deletable = spec.Exec.Delete != ""
	}

	declared := wf.Defaults.Readiness.Success
	if spec.Readiness != nil && len(spec.Readiness.Success) > 0 {
		declared = spec.Readiness.Success
	}

	policy := wf.ReadinessFor(spec)
	budget := time.Duration(policy.MaxAttempts) * policy.Interval
	s.Readiness = ReadinessInput{
		Declared:      nonNil(declared),
		Success:       statusStrings(policy.SuccessStates),
		Failure:       statusStrings(policy.FailureStates),
		MaxAttempts:   policy.MaxAttempts,
		Interval:      policy.Interval.String(),
		Budget:        budget.String(),
		BudgetSeconds: budget.Seconds(),
	}
	return s
}

func statusStrings(states []engine.Status) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
