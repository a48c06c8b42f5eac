package k8s

import "time"

const (
	WorkflowAPIVersion = "helix.dev/v1alpha1"
	WorkflowKind       = "Workflow"
)

type ObjectMeta struct {
	Name      string            `json:"name,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type ResourceRequirements struct {
	Limits   map[string]string `json:"limits,omitempty"`
	Requests map[string]string `json:"requests,omitempty"`
}

// WorkflowStep is one node of the step graph handed to the workflow operator.
type WorkflowStep struct {
	Name      string               `json:"name"`
	Image     string               `json:"image"`
	Command   []string             `json:"command"`
	Args      []string             `json:"args,omitempty"`
	DependsOn []string             `json:"dependsOn,omitempty"`
	Env       []EnvVar             `json:"env,omitempty"`
	Resources ResourceRequirements `json:"resources,omitempty"`
}

type WorkflowSpec struct {
	Steps []WorkflowStep `json:"steps"`
}

// WorkflowStatus is filled in by the operator as execution progresses.
type WorkflowStatus struct {
	Phase          string     `json:"phase,omitempty"`
	Message        string     `json:"message,omitempty"`
	CurrentStep    string     `json:"currentStep,omitempty"`
	TotalProgress  float64    `json:"totalProgress,omitempty"`
	ExitStatus     string     `json:"exitStatus,omitempty"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
}

type Workflow struct {
	APIVersion string         `json:"apiVersion,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Metadata   ObjectMeta     `json:"metadata"`
	Spec       WorkflowSpec   `json:"spec"`
	Status     WorkflowStatus `json:"status,omitempty"`
}
