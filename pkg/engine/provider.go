package engine

import (
	"context"
	"fmt"
)

// Params are provider-specific creation parameters.
type Params map[string]interface{}

// String returns the named parameter as a string, or "" when absent.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Provider creates, inspects and deletes resources of one kind.
//
// PollStatus distinguishes transient check failures from definitive ones
// through the error class: return a NewTransientError for "not found yet"
// style answers and a NewPermanentError when the resource is known to be
// unusable. Unclassified errors are treated as transient by the poller.
//
// Delete should return a retryable error (transient, throttled or conflict)
// when trying again shortly may succeed, e.g. the resource still has dependents.
type Provider interface {
	// Create provisions a resource and returns its identifier.
	Create(ctx context.Context, params Params) (string, error)

	// PollStatus reports the current status of a resource.
	PollStatus(ctx context.Context, id string) (Status, error)

	// Delete removes a resource.
	Delete(ctx context.Context, id string) error
}

// ParamsFunc computes creation parameters from the resources created so far.
type ParamsFunc func(refs Refs) (Params, error)

// StaticParams returns a ParamsFunc that always yields p.
func StaticParams(p Params) ParamsFunc {
	return func(Refs) (Params, error) { return p, nil }
}

// StepOption customizes a Step built by NewProviderStep.
type StepOption func(*Step)

// WithReadiness makes the step wait for readiness under the given policy.
func WithReadiness(policy ReadinessPolicy) StepOption {
	return func(s *Step) {
		s.DependsOnReadiness = true
		s.Readiness = policy
	}
}

// AsOptional marks the step as non-fatal.
func AsOptional() StepOption {
	return func(s *Step) {
		s.Optional = true
	}
}

// NewProviderStep adapts a Provider to a Step. Steps built without
// WithReadiness are fire-and-forget.
func NewProviderStep(name string, kind ResourceKind, provider Provider, params ParamsFunc, opts ...StepOption) Step {
	if params == nil {
		params = StaticParams(nil)
	}
	s := Step{
		Name: name,
		Kind: kind,
		Create: func(ctx context.Context, refs Refs) (string, error) {
			p, err := params(refs)
			if err != nil {
				return "", fmt.Errorf("resolve params: %w", err)
			}
			return provider.Create(ctx, p)
		},
		Poll:   provider.PollStatus,
		Delete: provider.Delete,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
