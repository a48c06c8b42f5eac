package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExperimentTemplate is an immutable, versioned description of a
// parameterized multi-step workflow. Templates are owned by the catalog;
// the orchestrator only reads them.
type ExperimentTemplate struct {
	ID         string
	Name       string
	Version    string
	Parameters []ParameterSpec
	Steps      []TemplateStep
	CreatedAt  time.Time
	CreatedBy  string
}

// ParameterType constrains the values a template parameter accepts.
type ParameterType string

const (
	ParameterTypeString ParameterType = "string"
	ParameterTypeInt    ParameterType = "int"
	ParameterTypeFloat  ParameterType = "float"
	ParameterTypeBool   ParameterType = "bool"
)

// ParameterSpec declares one bindable template parameter.
type ParameterSpec struct {
	Name     string        `yaml:"name"`
	Type     ParameterType `yaml:"type"`
	Required bool          `yaml:"required"`
	Default  string        `yaml:"default,omitempty"`
	// Domain restricts string parameters to an enumerated value set.
	Domain []string `yaml:"domain,omitempty"`
}

// TemplateStep is one node of the workflow step graph. DependsOn entries
// reference other step names and form the dependency edges.
type TemplateStep struct {
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	Command   []string          `yaml:"command"`
	Args      []string          `yaml:"args,omitempty"`
	DependsOn []string          `yaml:"dependsOn,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Resources StepResources     `yaml:"resources,omitempty"`
}

// StepResources carries scheduling hints passed through to the backend.
type StepResources struct {
	CPU    string `yaml:"cpu,omitempty"`
	Memory string `yaml:"memory,omitempty"`
	GPU    int    `yaml:"gpu,omitempty"`
}

// TemplateDocument is the YAML wire form of a template definition.
type TemplateDocument struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"metadata"`
	Spec struct {
		Parameters []ParameterSpec `yaml:"parameters"`
		Steps      []TemplateStep  `yaml:"steps"`
	} `yaml:"spec"`
}

// ValidateBasicShape performs lightweight structural checks without
// traversing the step graph.
func (t ExperimentTemplate) ValidateBasicShape() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	if strings.TrimSpace(t.Version) == "" {
		return errors.New("template version is required")
	}
	if len(t.Steps) == 0 {
		return errors.New("template declares no steps")
	}
	for i, p := range t.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("parameter[%d] name is required", i)
		}
		switch p.Type {
		case ParameterTypeString, ParameterTypeInt, ParameterTypeFloat, ParameterTypeBool:
		default:
			return fmt.Errorf("parameter %q has unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}
