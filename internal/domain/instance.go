package domain

import (
	"errors"
	"strings"
	"time"
)

// ExperimentInstance is one concrete, submitted execution of a resolved
// template. The record is mutated only through revision-checked writes;
// the revision strictly increases on every accepted mutation.
type ExperimentInstance struct {
	ID              string
	Caller          string
	Namespace       string
	TemplateID      string
	TemplateVersion string
	IdempotencyKey  string
	Parameters      map[string]string
	Spec            ConcreteSpec
	State           InstanceState
	StateReason     TransitionReason
	// Handle is the backend-assigned execution token. Absent until the
	// backend accepts the submission, immutable after first write.
	Handle           string
	LastBackendPhase string
	Revision         int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HistoryEntry is one element of an instance's ordered transition history.
type HistoryEntry struct {
	InstanceID   string
	Revision     int64
	State        InstanceState
	Reason       TransitionReason
	BackendPhase string
	Message      string
	OccurredAt   time.Time
}

// ConcreteSpec is the fully expanded, executable form of a template with
// all parameter references substituted. Structurally identical inputs
// always resolve to a structurally identical ConcreteSpec.
type ConcreteSpec struct {
	TemplateID      string            `json:"templateId"`
	TemplateVersion string            `json:"templateVersion"`
	Parameters      map[string]string `json:"parameters"`
	Steps           []ConcreteStep    `json:"steps"`
}

// ConcreteStep is a resolved workflow step in deterministic execution order.
type ConcreteStep struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Command   []string          `json:"command"`
	Args      []string          `json:"args,omitempty"`
	DependsOn []string          `json:"dependsOn,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Resources StepResources     `json:"resources,omitempty"`
}

func (i ExperimentInstance) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return errors.New("instance id is required")
	}
	if strings.TrimSpace(i.Caller) == "" {
		return errors.New("caller is required")
	}
	if strings.TrimSpace(i.Namespace) == "" {
		return errors.New("namespace is required")
	}
	if strings.TrimSpace(i.TemplateID) == "" {
		return errors.New("template id is required")
	}
	if strings.TrimSpace(i.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	if NormalizeInstanceState(string(i.State)) == "" {
		return errors.New("instance state is invalid")
	}
	return nil
}
