package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is the syntax of a workflow definition.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatOf picks the format from a file extension. JSON is read as YAML.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported workflow file extension %q (want .yaml, .yml, .json or .cue)", filepath.Ext(path))
	}
}

// Loader reads workflow definitions and validates them against the CUE
// schema and the struct rules.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a new workflow loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	return &Loader{
		ctx:       ctx,
		schemas:   NewSchemaRegistry(ctx),
		validator: newValidator(),
	}
}

// Schemas returns the schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// LoadFile loads a workflow from a file, or from a directory holding a CUE
// package.
func (l *Loader) LoadFile(path string) (*Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workflow %s: %w", path, err)
	}

	if info.IsDir() {
		val, errs := l.loadDirectory(path)
		if len(errs) > 0 {
			return nil, errs
		}
		return l.fromCUE(path, val)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	return l.Load(path, data)
}

// Load parses data, picking the format from name's extension.
func (l *Loader) Load(name string, data []byte) (*Workflow, error) {
	format, err := FormatOf(name)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatCUE:
		val := l.ctx.CompileBytes(data, cue.Filename(name))
		if err := val.Err(); err != nil {
			return nil, convertCUEErrors(name, err)
		}
		return l.fromCUE(name, val)
	default:
		return l.fromYAML(name, data)
	}
}

func (l *Loader) fromYAML(name string, data []byte) (*Workflow, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error(), Severity: "error"}}
	}
	if raw == nil {
		return nil, ValidationErrors{{File: name, Message: "empty workflow definition", Severity: "error"}}
	}

	val := l.ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(name, err)
	}
	if _, err := l.schemas.Unify(SchemaWorkflow, val); err != nil {
		return nil, convertCUEErrors(name, err)
	}

	return l.decode(name, data)
}

func (l *Loader) fromCUE(name string, val cue.Value) (*Workflow, error) {
	unified, err := l.schemas.Unify(SchemaWorkflow, val)
	if err != nil {
		return nil, convertCUEErrors(name, err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", name, err)
	}
	return l.decode(name, data)
}

// decode is shared by both formats: CUE is exported to JSON, which YAML reads.
func (l *Loader) decode(name string, data []byte) (*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error(), Severity: "error"}}
	}
	wf.Source = name

	if err := l.Validate(&wf); err != nil {
		var ve ValidationErrors
		if errors.As(err, &ve) {
			for i := range ve {
				ve[i].File = name
			}
			return nil, ve
		}
		return nil, err
	}
	return &wf, nil
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, ValidationErrors) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, ValidationErrors{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(dir, inst.Err)
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(dir, err)
	}
	return val, nil
}

// Validate applies the struct rules and cross-step checks to wf.
func (l *Loader) Validate(wf *Workflow) error {
	var errs ValidationErrors

	if err := l.validator.Struct(wf); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate workflow: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:     fieldPath(fe.Namespace()),
				Message:  fieldMessage(fe),
				Severity: "error",
			})
		}
	}

	seen := make(map[string]string)
	checkName := func(path, name string) {
		if name == "" {
			return
		}
		if first, ok := seen[name]; ok {
			errs = append(errs, ValidationError{
				Path:     path + ".name",
				Message:  fmt.Sprintf("duplicate step name %q (first used at %s)", name, first),
				Severity: "error",
			})
			return
		}
		seen[name] = path
	}
	for i, s := range wf.Steps {
		checkName(fmt.Sprintf("steps[%d]", i), s.Name)
		for j, member := range s.Group {
			checkName(fmt.Sprintf("steps[%d].group[%d]", i, j), member.Name)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateStep, StepSpec{})
	return v
}

// validateStep enforces the rules between step fields.
func validateStep(sl validator.StructLevel) {
	s := sl.Current().Interface().(StepSpec)

	if s.IsGroup() {
		if s.Provider != "" || s.Exec != nil || len(s.Params) > 0 {
			sl.ReportError(s.Group, "group", "Group", "groupexclusive", "")
		}
		for _, member := range s.Group {
			if member.IsGroup() {
				sl.ReportError(s.Group, "group", "Group", "nonested", "")
				break
			}
		}
		for _, member := range s.Group {
			if member.Optional {
				sl.ReportError(s.Group, "group", "Group", "memberoptional", "")
				break
			}
		}
		return
	}

	if s.Kind == "" {
		sl.ReportError(s.Kind, "kind", "Kind", "required", "")
	}
	switch {
	case s.Provider == "" && s.Exec == nil:
		sl.ReportError(s.Provider, "provider", "Provider", "provider_or_exec", "")
	case s.Provider != "" && s.Exec != nil:
		sl.ReportError(s.Exec, "exec", "Exec", "provider_or_exec", "")
	case s.Exec != nil && len(s.Params) > 0:
		sl.ReportError(s.Params, "params", "Params", "excluded_with_exec", "")
	}
	if s.Wait && s.Exec != nil && s.Exec.Poll == "" {
		sl.ReportError(s.Exec.Poll, "poll", "Poll", "required_with_wait", "")
	}
}

// fieldPath turns "Workflow.steps[1].exec.create" into "steps[1].exec.create".
func fieldPath(namespace string) string {
	_, rest, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return rest
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "groupexclusive":
		return "a group step cannot set provider, exec or params"
	case "nonested":
		return "group members cannot be groups"
	case "memberoptional":
		return "group members cannot be optional; mark the group step instead"
	case "provider_or_exec":
		return "exactly one of provider or exec is required"
	case "excluded_with_exec":
		return "params are not used by exec steps"
	case "required_with_wait":
		return "exec.poll is required when wait is set"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(file string, err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:     file,
			Path:     strings.Join(e.Path(), "."),
			Message:  strings.TrimSpace(cueerrors.Details(e, nil)),
			Severity: "error",
		}

		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == "" || strings.HasPrefix(pos.Filename(), schemaFilePrefix) {
				continue
			}
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			break
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = ValidationErrors{{File: file, Message: err.Error(), Severity: "error"}}
	}
	return validationErrors
}
