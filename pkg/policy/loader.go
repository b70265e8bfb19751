package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads policies from files and directories.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directories are walked recursively for .rego and .json files.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range policies {
			if prev, dup := seen[p.Name]; dup {
				return nil, fmt.Errorf("policy %s defined in both %s and %s", p.Name, prev, p.Source)
			}
			seen[p.Name] = p.Source
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	policy, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, path := range files {
		policy, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

func (l *Loader) loadFromFile(filePath string) (*Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policy = parseRegoFile(filePath, data)
	case ".json":
		policy, err = parseJSONFile(filePath, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")

	return policy, nil
}

// parseRegoFile names the policy after the file. Leading comments form the
// description; a "# severity: <level>" comment sets the severity.
func parseRegoFile(filePath string, data []byte) *Policy {
	description, severity := parseHeader(string(data))
	if severity == "" {
		severity = SeverityWarning
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Source:      filePath,
	}
}

// parseJSONFile reads a Policy document with the Rego source inline.
func parseJSONFile(filePath string, data []byte) (*Policy, error) {
	policy := Policy{Enabled: true}
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", filePath, err)
	}
	if policy.Name == "" {
		policy.Name = strings.TrimSuffix(filepath.Base(filePath), ".json")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	policy.Builtin = false
	policy.Source = filePath
	return &policy, nil
}

func parseHeader(content string) (string, Severity) {
	var (
		description []string
		severity    Severity
	)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(description) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
			continue
		}
		if comment != "" {
			description = append(description, comment)
		}
	}
	return strings.Join(description, " "), severity
}
