package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/platform/k8s"
)

// KubernetesWorkflowBackend submits resolved specifications as Workflow
// custom resources and reads execution state from the operator-maintained
// status subresource. The workflow object name is the idempotency token, so
// duplicate submissions collapse onto the existing object.
type KubernetesWorkflowBackend struct {
	client    *k8s.Client
	namespace string
}

func NewKubernetesWorkflowBackend(client *k8s.Client, namespace string) (*KubernetesWorkflowBackend, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("workflow namespace is required")
	}
	return &KubernetesWorkflowBackend{client: client, namespace: namespace}, nil
}

func (b *KubernetesWorkflowBackend) Submit(ctx context.Context, sub Submission) (string, error) {
	token := strings.TrimSpace(sub.Token)
	if token == "" {
		return "", errors.New("idempotency token is required")
	}
	if len(sub.Spec.Steps) == 0 {
		return "", fmt.Errorf("%w: specification has no steps", ErrRejected)
	}

	name := workflowName(token)
	workflow := k8s.Workflow{
		Metadata: k8s.ObjectMeta{
			Name:      name,
			Namespace: b.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name":      "helix-orchestrator",
				"app.kubernetes.io/component": "experiment-workflow",
				"helix.dev/instance_id":       token,
				"helix.dev/caller_namespace":  strings.TrimSpace(sub.Namespace),
			},
		},
		Spec: k8s.WorkflowSpec{Steps: workflowSteps(sub.Spec)},
	}

	err := b.client.CreateWorkflow(ctx, b.namespace, workflow)
	switch {
	case err == nil, errors.Is(err, k8s.ErrAlreadyExists):
		// Already-exists means an earlier attempt with the same token got
		// through; the existing object is the execution.
		return name, nil
	case errors.Is(err, k8s.ErrInvalid), errors.Is(err, k8s.ErrForbidden):
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	default:
		return "", &TransientError{Err: err}
	}
}

func (b *KubernetesWorkflowBackend) Status(ctx context.Context, handle string) (Observation, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Observation{}, errors.New("handle is required")
	}
	workflow, err := b.client.GetWorkflow(ctx, b.namespace, handle)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{}, ErrHandleUnknown
		}
		return Observation{}, &TransientError{Err: err}
	}

	obs := Observation{
		Message:  workflow.Status.Message,
		Progress: workflow.Status.TotalProgress,
	}
	switch strings.ToLower(strings.TrimSpace(workflow.Status.Phase)) {
	case "", "pending", "initialising":
		obs.Phase = PhasePending
	case "running", "suspended":
		obs.Phase = PhaseRunning
		if step := strings.TrimSpace(workflow.Status.CurrentStep); step != "" && obs.Message == "" {
			obs.Message = "running step " + step
		}
	case "succeeded", "finished":
		obs.Phase = PhaseSucceeded
	case "failed", "error":
		obs.Phase = PhaseFailed
		if obs.Message == "" && strings.TrimSpace(workflow.Status.ExitStatus) != "" {
			obs.Message = "exit status " + strings.TrimSpace(workflow.Status.ExitStatus)
		}
	default:
		return Observation{}, &TransientError{
			Err: fmt.Errorf("unexpected workflow phase %q", workflow.Status.Phase),
		}
	}
	return obs, nil
}

func (b *KubernetesWorkflowBackend) Cancel(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return errors.New("handle is required")
	}
	workflow, err := b.client.GetWorkflow(ctx, b.namespace, handle)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return ErrHandleUnknown
		}
		return &TransientError{Err: err}
	}
	switch strings.ToLower(strings.TrimSpace(workflow.Status.Phase)) {
	case "succeeded", "finished", "failed", "error":
		return ErrAlreadyTerminal
	}

	if err := b.client.DeleteWorkflow(ctx, b.namespace, handle); err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return ErrHandleUnknown
		}
		return &TransientError{Err: err}
	}
	return nil
}

func workflowName(token string) string {
	return "helix-" + strings.ToLower(strings.TrimSpace(token))
}

func workflowSteps(spec domain.ConcreteSpec) []k8s.WorkflowStep {
	steps := make([]k8s.WorkflowStep, 0, len(spec.Steps))
	for _, step := range spec.Steps {
		out := k8s.WorkflowStep{
			Name:      step.Name,
			Image:     step.Image,
			Command:   step.Command,
			Args:      step.Args,
			DependsOn: step.DependsOn,
		}
		if len(step.Env) > 0 {
			keys := make([]string, 0, len(step.Env))
			for k := range step.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				out.Env = append(out.Env, k8s.EnvVar{Name: key, Value: step.Env[key]})
			}
		}
		if step.Resources.CPU != "" || step.Resources.Memory != "" {
			out.Resources.Requests = map[string]string{}
			if step.Resources.CPU != "" {
				out.Resources.Requests["cpu"] = step.Resources.CPU
			}
			if step.Resources.Memory != "" {
				out.Resources.Requests["memory"] = step.Resources.Memory
			}
		}
		if step.Resources.GPU > 0 {
			out.Resources.Limits = map[string]string{
				"nvidia.com/gpu": fmt.Sprintf("%d", step.Resources.GPU),
			}
		}
		steps = append(steps, out)
	}
	return steps
}

var _ ExecutionBackend = (*KubernetesWorkflowBackend)(nil)
