package policy

// Names of the built-in policies.
const (
	PolicyDeletable       = "deletable"
	PolicyNaming          = "step-naming"
	PolicySuccessStates   = "success-states"
	PolicyReadinessBudget = "readiness-budget"
)

// BuiltinPolicies returns the policies every workflow is checked against.
func BuiltinPolicies() []Policy {
	return []Policy{
		deletablePolicy(),
		namingPolicy(),
		successStatesPolicy(),
		readinessBudgetPolicy(),
	}
}

// deletablePolicy rejects steps that rollback could not undo.
func deletablePolicy() Policy {
	return Policy{
		Name:        PolicyDeletable,
		Description: "Every step must have a delete operation so a failed run can be rolled back",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provseq.policies.deletable

import rego.v1

deny contains violation if {
	some step in input.steps
	not step.deletable
	violation := {
		"step": step.name,
		"message": "no delete operation, the resource would leak on rollback",
	}
}
`,
	}
}

// namingPolicy enforces lowercase kebab-case names, which end up in resource
// tags and journal rows.
func namingPolicy() Policy {
	return Policy{
		Name:        PolicyNaming,
		Description: "Step and group names must be lowercase kebab-case",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provseq.policies.naming

import rego.v1

deny contains violation if {
	some name in input.names
	not regex.match("^[a-z0-9]+(-[a-z0-9]+)*$", name)
	violation := {
		"step": name,
		"message": sprintf("name %q must be lowercase letters, digits and single hyphens", [name]),
	}
}
`,
	}
}

// successStatesPolicy checks what a waiting step is waiting for.
func successStatesPolicy() Policy {
	return Policy{
		Name:        PolicySuccessStates,
		Description: "Waiting steps must be pollable and have a well-formed set of success states",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provseq.policies.success

import rego.v1

deny contains violation if {
	some step in input.steps
	step.wait
	not step.pollable
	violation := {
		"step": step.name,
		"message": "waits for readiness but has no poll command",
	}
}

# Exec commands print arbitrary output, so the default "available" is a guess.
deny contains violation if {
	some step in input.steps
	step.wait
	step.exec
	count(step.readiness.declared_success) == 0
	violation := {
		"step": step.name,
		"message": "waits for readiness but declares no success states",
	}
}

deny contains violation if {
	some step in input.steps
	step.wait
	some state in step.readiness.success
	state in step.readiness.failure
	violation := {
		"step": step.name,
		"message": sprintf("state %q is both a success and a failure state", [state]),
	}
}
`,
	}
}

// readinessBudgetPolicy warns about polls that may block a run for hours.
func readinessBudgetPolicy() Policy {
	return Policy{
		Name:        PolicyReadinessBudget,
		Description: "Readiness budgets (max_attempts x interval) above two hours are suspicious",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provseq.policies.budget

import rego.v1

max_budget_seconds := 7200

deny contains violation if {
	some step in input.steps
	step.wait
	step.readiness.budget_seconds > max_budget_seconds
	violation := {
		"step": step.name,
		"message": sprintf("may poll for up to %s (%d x %s)", [step.readiness.budget, step.readiness.max_attempts, step.readiness.interval]),
	}
}
`,
	}
}
