// Package backend defines the boundary to the external cluster execution
// backend. The orchestrator never runs workflow steps itself; it submits
// specifications and observes status through this interface.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/helix-labs/helix-go/internal/domain"
)

var (
	// ErrRejected reports a confirmed, non-transient rejection of the
	// submitted specification.
	ErrRejected = errors.New("backend rejected specification")
	// ErrHandleUnknown reports that the backend no longer tracks the
	// execution behind a previously issued handle.
	ErrHandleUnknown = errors.New("backend handle unknown")
	// ErrAlreadyTerminal reports that the execution already finished and
	// cannot be cancelled.
	ErrAlreadyTerminal = errors.New("backend execution already terminal")
)

// TransientError wraps failures that the caller should retry: timeouts,
// connection errors, backend 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried rather than recorded.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Phase is the backend-reported execution phase.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// Submission carries a concrete specification plus the idempotency token
// under which the backend deduplicates repeated submissions. The token is
// the instance identifier and never changes across retries.
type Submission struct {
	Token     string
	Namespace string
	Spec      domain.ConcreteSpec
}

// Observation is one backend status sample for a submitted execution.
type Observation struct {
	Phase    Phase
	Message  string
	Progress float64
}

// ExecutionBackend is implemented by cluster backends able to run resolved
// experiment specifications.
type ExecutionBackend interface {
	// Submit dispatches the specification. Submitting the same token twice
	// must return the same handle without starting duplicate work.
	Submit(ctx context.Context, sub Submission) (handle string, err error)
	// Status polls the execution behind handle. A lost execution yields
	// ErrHandleUnknown, not an Observation.
	Status(ctx context.Context, handle string) (Observation, error)
	// Cancel stops the execution. Finished executions yield
	// ErrAlreadyTerminal.
	Cancel(ctx context.Context, handle string) error
}
