// Package config loads provisioning workflow definitions.
//
// # Overview
//
// A workflow is written in YAML (or JSON) or CUE. Both go through the same
// pipeline:
//
//  1. The document is unified with the built-in #Workflow CUE schema, which
//     rejects unknown fields, malformed durations and empty step lists.
//  2. It is decoded into Workflow with yaml.v3 (CUE is exported to JSON first).
//  3. Struct rules are checked with validator/v10: every non-group step has a
//     kind and exactly one of provider or exec, groups do not nest, names are
//     unique across the workflow.
//
// Problems are returned as ValidationErrors carrying the file, the position
// when CUE knows it, and the field path.
//
// # Example
//
//	name: vpc-tutorial
//	defaults:
//	  readiness: {max_attempts: 30, interval: 10s}
//	steps:
//	  - name: vpc
//	    kind: vpc
//	    provider: aws.vpc
//	    params: {cidr: 10.0.0.0/16}
//	    wait: true
//
// Loading:
//
//	wf, err := config.NewLoader().LoadFile("workflow.yaml")
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        // report each problem
//	    }
//	    return err
//	}
//	policy := wf.ReadinessFor(wf.Steps[0])
//
// Template expressions in params and exec commands are not evaluated here;
// the providers package renders them when the step runs.
package config
