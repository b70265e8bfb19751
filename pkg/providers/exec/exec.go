// Package exec implements a provider driven by shell commands, for
// resources that only have a CLI.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/telemetry"
)

// DefaultShell runs every command.
const DefaultShell = "/bin/sh"

// Config describes one resource managed through commands.
type Config struct {
	// Create prints the new resource on stdout.
	Create string

	// ID is a jq query extracting the id from Create's output. Empty means
	// the trimmed output is the id.
	ID string

	// Poll prints the resource status on stdout.
	Poll string

	// Status is a jq query extracting the status from Poll's output. Empty
	// means the trimmed output is the status.
	Status string

	// Delete removes the resource.
	Delete string

	// Retryable lists stderr substrings that make a failure transient.
	Retryable []string

	// NotFound lists poll stderr substrings meaning "not visible yet".
	NotFound []string

	// Env is added to the inherited environment.
	Env map[string]string

	// Dir is the working directory.
	Dir string

	// Shell defaults to DefaultShell.
	Shell string
}

// RenderFunc expands a command template. id is empty for Create.
type RenderFunc func(command, id string) (string, error)

// Result is the outcome of one command.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Provider runs the configured commands. It implements engine.Provider.
type Provider struct {
	cfg         Config
	render      RenderFunc
	idQuery     *gojq.Code
	statusQuery *gojq.Code
}

var _ engine.Provider = (*Provider)(nil)

// New compiles the jq queries of cfg. A nil render runs commands verbatim.
func New(cfg Config, render RenderFunc) (*Provider, error) {
	if cfg.Create == "" {
		return nil, fmt.Errorf("exec provider: create command is required")
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if render == nil {
		render = func(command, _ string) (string, error) { return command, nil }
	}

	p := &Provider{cfg: cfg, render: render}

	var err error
	if p.idQuery, err = compileQuery("id", cfg.ID); err != nil {
		return nil, err
	}
	if p.statusQuery, err = compileQuery("status", cfg.Status); err != nil {
		return nil, err
	}
	return p, nil
}

func compileQuery(field, expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, nil
	}
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("exec provider: invalid %s query %q: %w", field, expression, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("exec provider: failed to compile %s query %q: %w", field, expression, err)
	}
	return code, nil
}

// HasPoll reports whether a poll command is configured.
func (p *Provider) HasPoll() bool {
	return p.cfg.Poll != ""
}

// HasDelete reports whether a delete command is configured.
func (p *Provider) HasDelete() bool {
	return p.cfg.Delete != ""
}

// Create runs the create command and extracts the resource id.
func (p *Provider) Create(ctx context.Context, _ engine.Params) (string, error) {
	res, err := p.runTemplate(ctx, "create", p.cfg.Create, "", p.cfg.Retryable)
	if err != nil {
		return "", err
	}

	id, err := extract(ctx, p.idQuery, res.Stdout)
	if err != nil {
		return "", engine.NewPermanentError("could not extract resource id", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("create").
			WithDetail("stdout", truncate(res.Stdout))
	}
	return id, nil
}

// PollStatus runs the poll command and extracts the status.
func (p *Provider) PollStatus(ctx context.Context, id string) (engine.Status, error) {
	if p.cfg.Poll == "" {
		return "", engine.NewPermanentError("no poll command configured", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(id)
	}

	res, err := p.runTemplate(ctx, "poll", p.cfg.Poll, id, p.cfg.Retryable)
	if err != nil {
		if res != nil && matchesAny(res.Stderr, p.cfg.NotFound) {
			return "", engine.NewTransientError("resource not visible yet", err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(id)
		}
		return "", err
	}

	status, err := extract(ctx, p.statusQuery, res.Stdout)
	if err != nil {
		return "", engine.NewTransientError("could not extract status", err).
			WithCode(engine.ErrCodeCheckFailed).
			WithResource(id)
	}
	return engine.Status(status), nil
}

// Delete runs the delete command.
func (p *Provider) Delete(ctx context.Context, id string) error {
	if p.cfg.Delete == "" {
		return engine.NewPermanentError("no delete command configured", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(id)
	}
	_, err := p.runTemplate(ctx, "delete", p.cfg.Delete, id, p.cfg.Retryable)
	return err
}

// runTemplate renders and runs a command. On a non-zero exit the result is
// returned along with a classified error.
func (p *Provider) runTemplate(ctx context.Context, operation, command, id string, retryable []string) (*Result, error) {
	rendered, err := p.render(command, id)
	if err != nil {
		return nil, engine.NewPermanentError("failed to render command", err).
			WithCode(engine.ErrCodeValidation).
			WithOperation(operation).
			WithResource(id)
	}

	res, err := p.Run(ctx, rendered)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s command interrupted: %w", operation, ctxErr)
		}
		return nil, engine.NewPermanentError("failed to start command", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation(operation).
			WithResource(id)
	}

	if res.ExitCode == 0 {
		return res, nil
	}

	cause := fmt.Errorf("exit status %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	var classified *engine.EngineError
	if matchesAny(res.Stderr, retryable) {
		classified = engine.NewTransientError(operation+" command failed", cause)
	} else {
		classified = engine.NewPermanentError(operation+" command failed", cause)
	}
	return res, classified.
		WithCode(engine.ErrCodeProviderFailed).
		WithOperation(operation).
		WithResource(id).
		WithDetail("exit_code", res.ExitCode).
		WithDetail("stderr", truncate(res.Stderr))
}

// Run executes command through the shell. A non-zero exit is reported in the
// result, not as an error.
func (p *Provider) Run(ctx context.Context, command string) (*Result, error) {
	cmd := osexec.CommandContext(ctx, p.cfg.Shell, "-c", command)
	// Children of the shell may keep the output pipes open after a kill.
	cmd.WaitDelay = time.Second
	if p.cfg.Dir != "" {
		cmd.Dir = p.cfg.Dir
	}
	if len(p.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range p.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := telemetry.FromContext(ctx)
	logger.Debug().Str("command", command).Msg("Running command")

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *osexec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	logger.Debug().
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Command finished")
	return result, nil
}

// extract applies query to output. Without a query the trimmed output is
// used. The result must be a non-empty scalar.
func extract(ctx context.Context, query *gojq.Code, output string) (string, error) {
	if query == nil {
		value := strings.TrimSpace(output)
		if value == "" {
			return "", errors.New("command printed nothing")
		}
		return value, nil
	}

	var input interface{}
	if err := json.Unmarshal([]byte(output), &input); err != nil {
		return "", fmt.Errorf("output is not JSON: %w", err)
	}

	iter := query.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return "", errors.New("query produced no result")
	}
	if err, isErr := v.(error); isErr {
		return "", fmt.Errorf("query failed: %w", err)
	}

	switch value := v.(type) {
	case nil:
		return "", errors.New("query result is null")
	case string:
		if value == "" {
			return "", errors.New("query result is empty")
		}
		return value, nil
	case map[string]interface{}, []interface{}:
		return "", fmt.Errorf("query result is not a scalar: %v", value)
	default:
		return fmt.Sprint(value), nil
	}
}

func matchesAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	const limit = 512
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
