// Package workflow handles opaque parameterized workflow graphs for image
// jobs. A template is a JSON graph whose string values may carry {{name}}
// placeholders; rendering substitutes caller parameters and rejects graphs
// with unresolved placeholders.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sylvanlabs/maestro-go/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Template is one parameterized workflow graph. The graph structure is
// opaque to the orchestration layer; only placeholder strings are touched.
type Template struct {
	Name  string
	Graph json.RawMessage
}

// Parse validates that raw is a JSON object and wraps it as a template.
func Parse(name string, raw json.RawMessage) (Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Template{}, errors.New("template name is required")
	}
	var graph map[string]json.RawMessage
	if err := json.Unmarshal(raw, &graph); err != nil {
		return Template{}, fmt.Errorf("template %s: %w", name, err)
	}
	if len(graph) == 0 {
		return Template{}, fmt.Errorf("template %s: graph is empty", name)
	}
	return Template{Name: name, Graph: raw}, nil
}

// Placeholders lists the parameter names the template requires, sorted and
// de-duplicated.
func (t Template) Placeholders() []string {
	seen := make(map[string]struct{})
	for _, match := range placeholderPattern.FindAllStringSubmatch(string(t.Graph), -1) {
		seen[match[1]] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes params into the graph. A string value that is exactly
// one placeholder takes the parameter's JSON form, so numbers and objects
// survive with their types; placeholders embedded in longer strings render
// as text. Every placeholder must resolve.
func (t Template) Render(params map[string]any) (json.RawMessage, error) {
	if len(t.Graph) == 0 {
		return nil, errors.New("template graph is empty")
	}
	var missing []string
	for _, name := range t.Placeholders() {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &domain.InvalidInputError{
			Field:  "params",
			Detail: fmt.Sprintf("template %s: missing parameters: %s", t.Name, strings.Join(missing, ", ")),
		}
	}

	var decoded any
	if err := json.Unmarshal(t.Graph, &decoded); err != nil {
		return nil, fmt.Errorf("template %s: %w", t.Name, err)
	}
	substituted, err := substitute(decoded, params)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.Name, err)
	}
	rendered, err := json.Marshal(substituted)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.Name, err)
	}
	return rendered, nil
}

func substitute(node any, params map[string]any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			replaced, err := substitute(child, params)
			if err != nil {
				return nil, err
			}
			out[key] = replaced
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			replaced, err := substitute(child, params)
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil
	case string:
		return substituteString(v, params)
	default:
		return v, nil
	}
}

func substituteString(value string, params map[string]any) (any, error) {
	match := placeholderPattern.FindStringSubmatch(value)
	if match == nil {
		return value, nil
	}
	// whole-value placeholder keeps the parameter's native JSON type
	if strings.TrimSpace(value) == match[0] {
		return params[match[1]], nil
	}
	var substErr error
	replaced := placeholderPattern.ReplaceAllStringFunc(value, func(raw string) string {
		name := placeholderPattern.FindStringSubmatch(raw)[1]
		param := params[name]
		switch typed := param.(type) {
		case string:
			return typed
		case nil:
			substErr = fmt.Errorf("parameter %s resolves to null inside string %q", name, value)
			return raw
		default:
			return fmt.Sprint(typed)
		}
	})
	if substErr != nil {
		return nil, substErr
	}
	return replaced, nil
}
