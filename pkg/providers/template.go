package providers

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/openfroyo/provseq/pkg/engine"
)

// TemplateData is what params and exec commands can refer to.
type TemplateData struct {
	// Workflow is the workflow name.
	Workflow string

	// Step is the name of the step being executed.
	Step string

	// Kind is the step's resource kind.
	Kind string

	// ID is the step's own resource id. Empty during create.
	ID string

	// Refs holds the ids created by earlier steps.
	Refs engine.Refs
}

// Render executes text as a Go template with the sprig functions and
// `ref "<step>"`. Text without actions is returned unchanged.
func Render(name, text string, data TemplateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	funcs := sprig.TxtFuncMap()
	funcs["ref"] = func(step string) (string, error) {
		return data.Refs.MustGet(step)
	}

	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(funcs).
		Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// RenderParams renders every string found in params, descending into
// nested maps and lists. The input is not modified.
func RenderParams(params map[string]interface{}, data TemplateData) (engine.Params, error) {
	if params == nil {
		return nil, nil
	}

	out := make(engine.Params, len(params))
	for key, value := range params {
		rendered, err := renderValue(data.Step+".params."+key, value, data)
		if err != nil {
			return nil, err
		}
		out[key] = rendered
	}
	return out, nil
}

func renderValue(name string, value interface{}, data TemplateData) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return Render(name, v, data)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			rendered, err := renderValue(name+"."+key, item, data)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := renderValue(fmt.Sprintf("%s[%d]", name, i), item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}
