// Package policy checks workflow definitions against Open Policy Agent (OPA)
// Rego policies before anything is provisioned.
//
// Every policy is a Rego module with a "deny" set. Each entry is either a
// message string or an object:
//
//	{"step": "vpc", "message": "...", "severity": "warning"}
//
// Entries without a severity take the policy's. Error and critical entries
// block a run; the others are reported as warnings.
//
// # Built-in policies
//
//   - deletable: every step has a delete operation (error)
//   - step-naming: step and group names are lowercase kebab-case (error)
//   - success-states: waiting steps are pollable, exec steps declare their
//     success states, and no state is both success and failure (error)
//   - readiness-budget: max_attempts x interval stays under two hours (warning)
//
// # Input
//
// Policies see the document built by BuildInput:
//
//	{
//	  "workflow": "vpc-tutorial",
//	  "names": ["vpc", "subnets", "subnet-a"],
//	  "steps": [{
//	    "name": "vpc", "kind": "vpc", "provider": "aws.vpc",
//	    "exec": false, "group": "", "wait": true, "optional": false,
//	    "pollable": true, "deletable": true,
//	    "readiness": {
//	      "declared_success": [], "success": ["available"], "failure": [],
//	      "max_attempts": 30, "interval": "10s",
//	      "budget": "5m0s", "budget_seconds": 300
//	    }
//	  }]
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, wf)
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err
//	}
//
// Policy files are .rego modules, named after the file, or .json documents
// holding a Policy. A leading "# severity: error" comment in a .rego file
// sets its severity; the default is warning.
package policy
