package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/provseq/pkg/engine"
	"gopkg.in/yaml.v3"
)

// Workflow is a provisioning workflow definition as written by users.
type Workflow struct {
	// Name identifies the workflow in logs, metrics and the journal.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Description is free text shown by `runs show`.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Defaults apply to every step that does not override them.
	Defaults Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Steps are executed in order.
	Steps []StepSpec `yaml:"steps" json:"steps" validate:"required,min=1,dive"`

	// Source is the file the workflow was loaded from.
	Source string `yaml:"-" json:"-"`
}

// Defaults holds workflow-wide readiness and rollback settings.
type Defaults struct {
	Readiness ReadinessSpec `yaml:"readiness,omitempty" json:"readiness,omitempty"`
	Rollback  RollbackSpec  `yaml:"rollback,omitempty" json:"rollback,omitempty"`
}

// StepSpec is one step of a workflow definition.
type StepSpec struct {
	// Name must be unique across the workflow, group members included.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Kind is the resource kind. Required unless the step is a group.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`

	// Provider names a registered provider such as "aws.vpc".
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Params are passed to the provider after template rendering.
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`

	// Exec runs shell commands instead of a registered provider.
	Exec *ExecSpec `yaml:"exec,omitempty" json:"exec,omitempty"`

	// Wait makes the run wait for readiness before the next step.
	Wait bool `yaml:"wait,omitempty" json:"wait,omitempty"`

	// Readiness overrides the workflow readiness defaults.
	Readiness *ReadinessSpec `yaml:"readiness,omitempty" json:"readiness,omitempty"`

	// Optional steps may fail without failing the run.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`

	// Group lists sub-steps created concurrently.
	Group []StepSpec `yaml:"group,omitempty" json:"group,omitempty" validate:"omitempty,dive"`
}

// IsGroup reports whether the step fans out into sub-steps.
func (s StepSpec) IsGroup() bool {
	return len(s.Group) > 0
}

// ExecSpec describes a resource managed through shell commands.
type ExecSpec struct {
	// Create prints the new resource on stdout.
	Create string `yaml:"create" json:"create" validate:"required"`

	// ID is a jq query extracting the id from Create's output.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Poll prints the resource status on stdout.
	Poll string `yaml:"poll,omitempty" json:"poll,omitempty"`

	// Status is a jq query extracting the status from Poll's output.
	Status string `yaml:"status,omitempty" json:"status,omitempty"`

	// Delete removes the resource.
	Delete string `yaml:"delete,omitempty" json:"delete,omitempty"`

	// Retryable lists stderr substrings that make a failure worth retrying.
	Retryable []string `yaml:"retryable,omitempty" json:"retryable,omitempty"`

	// NotFound lists poll stderr substrings meaning "not visible yet".
	NotFound []string `yaml:"not_found,omitempty" json:"not_found,omitempty"`

	// Env is added to the inherited environment.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Dir is the working directory of every command.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// ReadinessSpec is the user-facing form of engine.ReadinessPolicy. Zero
// fields inherit from the enclosing defaults.
type ReadinessSpec struct {
	Success              []string `yaml:"success,omitempty" json:"success,omitempty"`
	Failure              []string `yaml:"failure,omitempty" json:"failure,omitempty"`
	MaxAttempts          int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" validate:"gte=0"`
	Interval             Duration `yaml:"interval,omitempty" json:"interval,omitempty" validate:"gte=0"`
	MaxConsecutiveErrors *int     `yaml:"max_consecutive_errors,omitempty" json:"max_consecutive_errors,omitempty" validate:"omitempty,gte=0"`
}

// RollbackSpec is the user-facing form of engine.RollbackPolicy.
type RollbackSpec struct {
	MaxRetries *int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty" validate:"omitempty,gte=0"`
	RetryDelay Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty" validate:"gte=0"`
	MaxDelay   Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty" validate:"gte=0"`
	Timeout    Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
}

// Built-in readiness defaults, used when neither the step nor the workflow
// sets a value.
const (
	DefaultMaxAttempts          = 30
	DefaultInterval             = 10 * time.Second
	DefaultMaxConsecutiveErrors = 3
)

// DefaultSuccessStates are used for waiting steps that name none.
var DefaultSuccessStates = []string{"available"}

// Merge returns r with zero fields filled from base.
func (r ReadinessSpec) Merge(base ReadinessSpec) ReadinessSpec {
	if len(r.Success) == 0 {
		r.Success = base.Success
	}
	if len(r.Failure) == 0 {
		r.Failure = base.Failure
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = base.MaxAttempts
	}
	if r.Interval == 0 {
		r.Interval = base.Interval
	}
	if r.MaxConsecutiveErrors == nil {
		r.MaxConsecutiveErrors = base.MaxConsecutiveErrors
	}
	return r
}

// Policy converts r, filling anything still unset with the built-in
// defaults.
func (r ReadinessSpec) Policy() engine.ReadinessPolicy {
	p := engine.ReadinessPolicy{
		SuccessStates:        toStatuses(r.Success),
		FailureStates:        toStatuses(r.Failure),
		MaxAttempts:          r.MaxAttempts,
		Interval:             r.Interval.Duration(),
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
	}
	if len(p.SuccessStates) == 0 {
		p.SuccessStates = toStatuses(DefaultSuccessStates)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Interval == 0 {
		p.Interval = DefaultInterval
	}
	if r.MaxConsecutiveErrors != nil {
		p.MaxConsecutiveErrors = *r.MaxConsecutiveErrors
	}
	return p
}

// ReadinessFor returns the effective readiness policy of a step.
func (w *Workflow) ReadinessFor(s StepSpec) engine.ReadinessPolicy {
	spec := w.Defaults.Readiness
	if s.Readiness != nil {
		spec = s.Readiness.Merge(spec)
	}
	return spec.Policy()
}

// Policy converts r on top of engine.DefaultRollbackPolicy.
func (r RollbackSpec) Policy() engine.RollbackPolicy {
	p := engine.DefaultRollbackPolicy()
	if r.MaxRetries != nil {
		p.MaxRetries = *r.MaxRetries
	}
	if r.RetryDelay > 0 {
		p.RetryDelay = r.RetryDelay.Duration()
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay.Duration()
	}
	if r.Timeout > 0 {
		p.Timeout = r.Timeout.Duration()
	}
	return p
}

// StepCount counts steps the way the engine does: a group is one step.
func (w *Workflow) StepCount() int {
	return len(w.Steps)
}

// AllSteps returns every step, group members following their group.
func (w *Workflow) AllSteps() []StepSpec {
	var out []StepSpec
	for _, s := range w.Steps {
		out = append(out, s)
		out = append(out, s.Group...)
	}
	return out
}

func toStatuses(in []string) []engine.Status {
	if len(in) == 0 {
		return nil
	}
	out := make([]engine.Status, len(in))
	for i, s := range in {
		out[i] = engine.Status(s)
	}
	return out
}

// Duration is a time.Duration written as "10s" or as a number of seconds.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// MarshalText implements encoding.TextMarshaler so JSON output stays readable.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ValidationError is a problem found in a workflow definition.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "steps[1].exec.create").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

// String formats the error as file:line:col: path: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned by the loader when a definition is invalid.
type ValidationErrors []ValidationError

// Error implements error.
func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("invalid workflow definition:\n  %s", strings.Join(msgs, "\n  "))
}
