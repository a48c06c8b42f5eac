package resolver

import "strings"

// ValidationError aggregates caller-input problems found while binding
// parameters to a template. No state is created when it is returned.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "parameter validation failed"
	}
	return "parameter validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// TemplateError aggregates defects in the template document itself:
// malformed shape, unresolved step references, or dependency cycles.
type TemplateError struct {
	Issues []string
}

func (e *TemplateError) Error() string {
	if len(e.Issues) == 0 {
		return "template validation failed"
	}
	return "template validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *TemplateError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *TemplateError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
