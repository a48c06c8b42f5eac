package instances

import (
	"context"
	"errors"

	"github.com/helix-labs/helix-go/internal/backend"
	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/repo"
)

// ReconcileOnce runs a single reconciliation pass over the oldest
// non-terminal instances. Each instance costs at most one backend call and
// one store write; passes for distinct instances are independent, and a
// pass that loses a compare-and-set simply leaves the instance for the next
// iteration.
func (s *Service) ReconcileOnce(ctx context.Context) {
	batch, err := s.instances.ListNonTerminal(ctx, s.cfg.ReconcileBatch)
	if err != nil {
		s.log("list non-terminal instances failed", "error", err)
		return
	}
	for _, instance := range batch {
		if ctx.Err() != nil {
			return
		}
		s.reconcileInstance(ctx, instance)
	}
}

func (s *Service) reconcileInstance(ctx context.Context, instance domain.ExperimentInstance) {
	backendCtx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
	defer cancel()

	switch instance.State {
	case domain.InstanceStatePending:
		// A pending instance never carries a handle: the handle is written
		// in the same compare-and-set as the transition to submitted. Drive
		// the submission again under the original token.
		s.dispatch(backendCtx, instance)
	case domain.InstanceStateSubmitted:
		s.pollSubmitted(backendCtx, instance)
	}
}

func (s *Service) pollSubmitted(ctx context.Context, instance domain.ExperimentInstance) {
	if s.backend == nil {
		return
	}

	obs, err := s.backend.Status(ctx, instance.Handle)
	if err != nil {
		if errors.Is(err, backend.ErrHandleUnknown) {
			// The backend lost the execution (eviction, operator restart
			// without state). Fail the instance instead of polling forever;
			// resubmission would duplicate completed work.
			s.applyChange(ctx, instance, repo.StateChange{
				State:   domain.InstanceStateFailed,
				Reason:  domain.ReasonBackendHandleLost,
				Message: "backend no longer tracks execution handle",
			})
			return
		}
		if backend.IsTransient(err) {
			s.log("transient poll failure", "instance_id", instance.ID, "error", err)
			return
		}
		s.log("poll failed", "instance_id", instance.ID, "error", err)
		return
	}

	switch obs.Phase {
	case backend.PhaseSucceeded:
		s.applyChange(ctx, instance, repo.StateChange{
			State:        domain.InstanceStateSucceeded,
			Reason:       domain.ReasonBackendSucceeded,
			BackendPhase: string(obs.Phase),
			Message:      obs.Message,
		})
	case backend.PhaseFailed:
		s.applyChange(ctx, instance, repo.StateChange{
			State:        domain.InstanceStateFailed,
			Reason:       domain.ReasonBackendFailed,
			BackendPhase: string(obs.Phase),
			Message:      obs.Message,
		})
	case backend.PhasePending, backend.PhaseRunning:
		// No logical transition. Record a history entry only when the
		// observed phase changed, so callers see progress without the
		// history growing on every pass.
		if string(obs.Phase) == instance.LastBackendPhase {
			return
		}
		s.applyChange(ctx, instance, repo.StateChange{
			State:        domain.InstanceStateSubmitted,
			Reason:       domain.ReasonBackendProgress,
			BackendPhase: string(obs.Phase),
			Message:      obs.Message,
		})
	default:
		s.log("unexpected backend phase", "instance_id", instance.ID, "phase", string(obs.Phase))
	}
}

func (s *Service) applyChange(ctx context.Context, instance domain.ExperimentInstance, change repo.StateChange) {
	if !domain.CanTransitionInstanceState(instance.State, change.State) {
		s.log("transition not allowed",
			"instance_id", instance.ID,
			"from", string(instance.State),
			"to", string(change.State),
		)
		return
	}
	_, err := s.instances.UpdateState(ctx, instance.ID, instance.Revision, change)
	if err == nil {
		return
	}
	if errors.Is(err, repo.ErrConflict) {
		// Another writer (a cancel request or a concurrent pass) got there
		// first; the next pass re-reads.
		return
	}
	s.log("apply state change failed",
		"instance_id", instance.ID,
		"to", string(change.State),
		"error", err,
	)
}
