package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity prevent a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module producing a "deny" set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with provseq.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Step     string   `json:"step,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Step != "" {
		return fmt.Sprintf("[%s] %s: step %s: %s", v.Severity, v.Policy, v.Step, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are findings that do not block a run.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the policies that ran, sorted.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns nil when the workflow is allowed, otherwise an error listing
// the blocking violations.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	lines := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		lines[i] = "  " + v.String()
	}
	return fmt.Errorf("workflow rejected by %d policy violation(s):\n%s", len(r.Violations), strings.Join(lines, "\n"))
}

// Input is the document policies are evaluated against.
type Input struct {
	// Workflow is the workflow name.
	Workflow string `json:"workflow"`

	// Names lists every step and group name, in declaration order.
	Names []string `json:"names"`

	// Steps lists the resource steps; group members carry their group name.
	Steps []StepInput `json:"steps"`
}

// StepInput describes one resource step.
type StepInput struct {
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Provider  string         `json:"provider,omitempty"`
	Exec      bool           `json:"exec"`
	Group     string         `json:"group,omitempty"`
	Wait      bool           `json:"wait"`
	Optional  bool           `json:"optional"`
	Pollable  bool           `json:"pollable"`
	Deletable bool           `json:"deletable"`
	Readiness ReadinessInput `json:"readiness"`
}

// ReadinessInput is the effective readiness policy of a step.
type ReadinessInput struct {
	// Declared are the success states written in the definition, either on
	// the step or in the workflow defaults.
	Declared      []string `json:"declared_success"`
	Success       []string `json:"success"`
	Failure       []string `json:"failure"`
	MaxAttempts   int      `json:"max_attempts"`
	Interval      string   `json:"interval"`
	Budget        string   `json:"budget"`
	BudgetSeconds float64  `json:"budget_seconds"`
}
