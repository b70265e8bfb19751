package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/provseq/pkg/config"
	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/providers/exec"
	"github.com/openfroyo/provseq/pkg/telemetry"
)

// ExecProviderName labels exec steps in metrics and spans.
const ExecProviderName = "exec"

// Builder turns workflow definitions into engine steps.
type Builder struct {
	registry *Registry
}

// NewBuilder creates a builder resolving provider names through registry.
func NewBuilder(registry *Registry) *Builder {
	return &Builder{registry: registry}
}

// Build converts every step of wf. Templates are rendered when the step
// runs, so they may refer to ids created earlier in the same run.
func (b *Builder) Build(ctx context.Context, wf *config.Workflow) ([]engine.Step, error) {
	steps := make([]engine.Step, 0, len(wf.Steps))
	for _, spec := range wf.Steps {
		step, err := b.buildStep(ctx, wf, spec)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (b *Builder) buildStep(ctx context.Context, wf *config.Workflow, spec config.StepSpec) (engine.Step, error) {
	if spec.IsGroup() {
		group := make([]engine.Step, 0, len(spec.Group))
		for _, member := range spec.Group {
			step, err := b.buildStep(ctx, wf, member)
			if err != nil {
				return engine.Step{}, err
			}
			group = append(group, step)
		}
		return engine.Step{Name: spec.Name, Kind: engine.ResourceKind(spec.Kind), Group: group, Optional: spec.Optional}, nil
	}

	state := &stepState{data: templateData(wf, spec)}

	var (
		provider     engine.Provider
		providerName = spec.Provider
	)
	if spec.Exec != nil {
		p, err := exec.New(execConfig(spec.Exec), state.renderCommand)
		if err != nil {
			return engine.Step{}, fmt.Errorf("step %s: %w", spec.Name, err)
		}
		provider, providerName = p, ExecProviderName
	} else {
		p, err := b.registry.Get(ctx, spec.Provider)
		if err != nil {
			return engine.Step{}, fmt.Errorf("step %s: %w", spec.Name, err)
		}
		provider = p
	}

	var opts []engine.StepOption
	if spec.Wait {
		opts = append(opts, engine.WithReadiness(wf.ReadinessFor(spec)))
	}
	if spec.Optional {
		opts = append(opts, engine.AsOptional())
	}

	step := engine.NewProviderStep(
		spec.Name,
		engine.ResourceKind(spec.Kind),
		&instrumented{name: providerName, provider: provider},
		func(refs engine.Refs) (engine.Params, error) {
			data := state.bind(refs)
			return RenderParams(spec.Params, data)
		},
		opts...,
	)

	if spec.Exec != nil && spec.Exec.Delete == "" {
		step.Delete = nil
	}
	return step, nil
}

func templateData(wf *config.Workflow, spec config.StepSpec) TemplateData {
	return TemplateData{Workflow: wf.Name, Step: spec.Name, Kind: spec.Kind}
}

func execConfig(spec *config.ExecSpec) exec.Config {
	return exec.Config{
		Create:    spec.Create,
		ID:        spec.ID,
		Poll:      spec.Poll,
		Status:    spec.Status,
		Delete:    spec.Delete,
		Retryable: spec.Retryable,
		NotFound:  spec.NotFound,
		Env:       spec.Env,
		Dir:       spec.Dir,
	}
}

// stepState keeps the refs seen at create time so poll and delete templates
// can use them too.
type stepState struct {
	mu   sync.Mutex
	data TemplateData
}

func (s *stepState) bind(refs engine.Refs) TemplateData {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(engine.Refs, len(refs))
	for k, v := range refs {
		snapshot[k] = v
	}
	s.data.Refs = snapshot
	return s.data
}

func (s *stepState) renderCommand(command, id string) (string, error) {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()

	data.ID = id
	return Render(data.Step, command, data)
}

// instrumented records metrics and spans around every provider call.
type instrumented struct {
	name     string
	provider engine.Provider
}

func (i *instrumented) Create(ctx context.Context, params engine.Params) (string, error) {
	var id string
	err := telemetry.RecordProviderOperation(ctx, i.name, "create", func(ctx context.Context) error {
		var err error
		id, err = i.provider.Create(ctx, params)
		return err
	})
	return id, err
}

func (i *instrumented) PollStatus(ctx context.Context, id string) (engine.Status, error) {
	var status engine.Status
	err := telemetry.RecordProviderOperation(ctx, i.name, "poll", func(ctx context.Context) error {
		var err error
		status, err = i.provider.PollStatus(ctx, id)
		return err
	})
	return status, err
}

func (i *instrumented) Delete(ctx context.Context, id string) error {
	return telemetry.RecordProviderOperation(ctx, i.name, "delete", func(ctx context.Context) error {
		return i.provider.Delete(ctx, id)
	})
}
