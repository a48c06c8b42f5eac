// Package resolver expands an experiment template plus caller-supplied
// parameter bindings into a concrete, executable specification. Resolution
// is a pure function: identical inputs always produce a structurally
// identical ConcreteSpec, which downstream deduplication relies on.
package resolver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/helix-labs/helix-go/internal/domain"
)

// ParseTemplateDocument decodes a YAML template definition and validates it,
// including the step-graph checks performed by ValidateTemplate.
func ParseTemplateDocument(raw []byte) (domain.ExperimentTemplate, error) {
	var doc domain.TemplateDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		issues := &TemplateError{}
		issues.Add(fmt.Sprintf("malformed template document: %v", err))
		return domain.ExperimentTemplate{}, issues
	}
	tmpl := domain.ExperimentTemplate{
		Name:       doc.Metadata.Name,
		Version:    doc.Metadata.Version,
		Parameters: doc.Spec.Parameters,
		Steps:      doc.Spec.Steps,
	}
	if err := ValidateTemplate(tmpl); err != nil {
		return domain.ExperimentTemplate{}, err
	}
	return tmpl, nil
}

// ValidateTemplate checks the template's structural shape and its step
// dependency graph: every dependency must reference a declared step, no
// self-edges, no duplicate steps, and no cycles.
func ValidateTemplate(tmpl domain.ExperimentTemplate) error {
	issues := &TemplateError{}

	if err := tmpl.ValidateBasicShape(); err != nil {
		issues.Add(err.Error())
		return issues.OrNil()
	}

	stepNames := make(map[string]struct{}, len(tmpl.Steps))
	for i, step := range tmpl.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("step[%d] name is required", i))
			continue
		}
		if _, exists := stepNames[name]; exists {
			issues.Add(fmt.Sprintf("duplicate step name %q", name))
		}
		stepNames[name] = struct{}{}
		if strings.TrimSpace(step.Image) == "" {
			issues.Add(fmt.Sprintf("step[%s] image is required", name))
		}
		if len(step.Command) == 0 {
			issues.Add(fmt.Sprintf("step[%s] command is required", name))
		}
	}

	adj := make(map[string][]string, len(stepNames))
	for _, step := range tmpl.Steps {
		for _, dep := range step.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				issues.Add(fmt.Sprintf("step[%s] has an empty dependency", step.Name))
				continue
			}
			if dep == step.Name {
				issues.Add(fmt.Sprintf("step[%s] depends on itself", step.Name))
				continue
			}
			if _, ok := stepNames[dep]; !ok {
				issues.Add(fmt.Sprintf("step[%s] depends on unknown step %q", step.Name, dep))
				continue
			}
			adj[dep] = append(adj[dep], step.Name)
		}
	}

	if len(issues.Issues) == 0 && hasCycle(adj, stepNames) {
		issues.Add("step dependency graph contains a cycle")
	}

	return issues.OrNil()
}

// Resolve binds parameters against the template's declared schema and
// produces the concrete specification. Steps are emitted in a deterministic
// topological order with lexicographic tie-breaking; parameter references of
// the form {{param}} are substituted in image, command, args and env values.
func Resolve(tmpl domain.ExperimentTemplate, parameters map[string]string) (domain.ConcreteSpec, error) {
	if err := ValidateTemplate(tmpl); err != nil {
		return domain.ConcreteSpec{}, err
	}

	bound, err := bindParameters(tmpl, parameters)
	if err != nil {
		return domain.ConcreteSpec{}, err
	}

	ordered, err := topoSortSteps(tmpl)
	if err != nil {
		return domain.ConcreteSpec{}, err
	}

	steps := make([]domain.ConcreteStep, 0, len(ordered))
	for _, step := range ordered {
		resolved := domain.ConcreteStep{
			Name:      step.Name,
			Image:     substitute(step.Image, bound),
			Command:   substituteAll(step.Command, bound),
			Args:      substituteAll(step.Args, bound),
			Resources: step.Resources,
		}
		if len(step.DependsOn) > 0 {
			deps := append([]string(nil), step.DependsOn...)
			sort.Strings(deps)
			resolved.DependsOn = deps
		}
		if len(step.Env) > 0 {
			env := make(map[string]string, len(step.Env))
			for k, v := range step.Env {
				env[k] = substitute(v, bound)
			}
			resolved.Env = env
		}
		steps = append(steps, resolved)
	}

	return domain.ConcreteSpec{
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Parameters:      bound,
		Steps:           steps,
	}, nil
}

func bindParameters(tmpl domain.ExperimentTemplate, parameters map[string]string) (map[string]string, error) {
	issues := &ValidationError{}

	declared := make(map[string]domain.ParameterSpec, len(tmpl.Parameters))
	for _, p := range tmpl.Parameters {
		declared[p.Name] = p
	}

	supplied := make([]string, 0, len(parameters))
	for name := range parameters {
		supplied = append(supplied, name)
	}
	sort.Strings(supplied)
	for _, name := range supplied {
		if _, ok := declared[name]; !ok {
			issues.Add(fmt.Sprintf("unknown parameter %q", name))
		}
	}

	bound := make(map[string]string, len(declared))
	for _, p := range tmpl.Parameters {
		value, ok := parameters[p.Name]
		if !ok {
			if p.Required {
				issues.Add(fmt.Sprintf("missing required parameter %q", p.Name))
				continue
			}
			if p.Default == "" {
				// Optional with no default stays unbound rather than
				// binding "" and tripping the type check.
				continue
			}
			value = p.Default
		}
		if err := checkParameterValue(p, value); err != nil {
			issues.Add(err.Error())
			continue
		}
		bound[p.Name] = value
	}

	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return bound, nil
}

func checkParameterValue(spec domain.ParameterSpec, value string) error {
	switch spec.Type {
	case domain.ParameterTypeInt:
		if _, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err != nil {
			return fmt.Errorf("parameter %q expects an int, got %q", spec.Name, value)
		}
	case domain.ParameterTypeFloat:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return fmt.Errorf("parameter %q expects a float, got %q", spec.Name, value)
		}
	case domain.ParameterTypeBool:
		if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("parameter %q expects a bool, got %q", spec.Name, value)
		}
	}
	if len(spec.Domain) > 0 {
		for _, allowed := range spec.Domain {
			if value == allowed {
				return nil
			}
		}
		return fmt.Errorf("parameter %q value %q outside declared domain", spec.Name, value)
	}
	return nil
}

// substitute replaces {{name}} references in a single left-to-right pass.
// Substituted values are emitted verbatim and never re-scanned, so a bound
// value that itself contains {{other}} stays literal and the result cannot
// depend on evaluation order. Unknown references are kept as written.
func substitute(value string, bound map[string]string) string {
	if !strings.Contains(value, "{{") {
		return value
	}
	var out strings.Builder
	rest := value
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end += start
		name := rest[start+2 : end]
		if v, ok := bound[name]; ok {
			out.WriteString(rest[:start])
			out.WriteString(v)
		} else {
			out.WriteString(rest[:end+2])
		}
		rest = rest[end+2:]
	}
}

func substituteAll(values []string, bound map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = substitute(v, bound)
	}
	return out
}

func topoSortSteps(tmpl domain.ExperimentTemplate) ([]domain.TemplateStep, error) {
	stepMap := make(map[string]domain.TemplateStep, len(tmpl.Steps))
	for _, step := range tmpl.Steps {
		stepMap[step.Name] = step
	}

	inDegree := make(map[string]int, len(stepMap))
	adj := make(map[string][]string, len(stepMap))
	for name := range stepMap {
		inDegree[name] = 0
	}
	for _, step := range tmpl.Steps {
		for _, dep := range step.DependsOn {
			adj[dep] = append(adj[dep], step.Name)
			inDegree[step.Name]++
		}
	}

	ready := make([]string, 0, len(stepMap))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]domain.TemplateStep, 0, len(stepMap))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, stepMap[name])
		for _, neighbor := range adj[name] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(stepMap) {
		issues := &TemplateError{}
		issues.Add("step dependency graph contains a cycle")
		return nil, issues
	}
	return ordered, nil
}

func hasCycle(adj map[string][]string, nodes map[string]struct{}) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adj[node] {
			if visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}

	for node := range nodes {
		if state[node] == unvisited {
			if visit(node) {
				return true
			}
		}
	}
	return false
}
