package instances

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/helix-labs/helix-go/internal/backend"
	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/repo"
	"github.com/helix-labs/helix-go/internal/resolver"
)

// ErrAlreadyTerminal reports a cancellation against an instance that has
// already reached a terminal state. The record is left unchanged.
var ErrAlreadyTerminal = errors.New("instance already terminal")

// casRetries bounds retries of revision-conflicted writes before the
// operation is surfaced to the caller. Contention per instance is low, so a
// small bound without backoff is enough.
const casRetries = 3

// SpecArchive persists resolved specifications outside the state store.
// Archive failures never block admission.
type SpecArchive interface {
	Put(ctx context.Context, instanceID string, spec domain.ConcreteSpec) error
}

type Config struct {
	// QuotaCeiling is the per-(caller, namespace) limit on concurrently
	// active, non-terminal instances.
	QuotaCeiling int
	// BackendTimeout bounds every backend call; exceeding it is transient.
	BackendTimeout time.Duration
	// ReconcileBatch caps the instances examined per reconciliation pass.
	ReconcileBatch int
}

func (c *Config) applyDefaults() {
	if c.QuotaCeiling <= 0 {
		c.QuotaCeiling = 10
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 15 * time.Second
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 50
	}
}

type Service struct {
	logger    *slog.Logger
	instances repo.InstanceRepository
	templates repo.TemplateRepository
	backend   backend.ExecutionBackend
	archive   SpecArchive
	cfg       Config
}

// New wires the orchestration service. backend may be nil, in which case
// submissions stay pending (local development); archive may be nil.
func New(logger *slog.Logger, instanceRepo repo.InstanceRepository, templateRepo repo.TemplateRepository, exec backend.ExecutionBackend, archive SpecArchive, cfg Config) *Service {
	if instanceRepo == nil || templateRepo == nil {
		return nil
	}
	cfg.applyDefaults()
	return &Service{
		logger:    logger,
		instances: instanceRepo,
		templates: templateRepo,
		backend:   exec,
		archive:   archive,
		cfg:       cfg,
	}
}

type SubmitRequest struct {
	TemplateID     string
	Parameters     map[string]string
	Caller         string
	Namespace      string
	IdempotencyKey string
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.TemplateID) == "" {
		return errors.New("template id is required")
	}
	if strings.TrimSpace(r.Caller) == "" {
		return errors.New("caller is required")
	}
	if strings.TrimSpace(r.Namespace) == "" {
		return errors.New("namespace is required")
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	return nil
}

// Submit resolves, admits and dispatches a new experiment instance. Replays
// under a known (caller, idempotency key) return the existing instance with
// created=false and mutate nothing. Resolution and quota failures surface
// synchronously with no state created; everything after admission is
// recorded as instance state, never returned here.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.ExperimentInstance, bool, error) {
	if err := req.validate(); err != nil {
		return domain.ExperimentInstance{}, false, err
	}

	tmpl, _, err := s.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return domain.ExperimentInstance{}, false, err
	}
	spec, err := resolver.Resolve(tmpl, req.Parameters)
	if err != nil {
		return domain.ExperimentInstance{}, false, err
	}

	caller := strings.TrimSpace(req.Caller)
	key := strings.TrimSpace(req.IdempotencyKey)
	if existing, err := s.instances.GetByIdempotencyKey(ctx, caller, key); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ExperimentInstance{}, false, err
	}

	instance := domain.ExperimentInstance{
		ID:              uuid.NewString(),
		Caller:          caller,
		Namespace:       strings.TrimSpace(req.Namespace),
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		IdempotencyKey:  key,
		Parameters:      spec.Parameters,
		Spec:            spec,
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		stored, created, err := s.instances.Create(ctx, instance, s.cfg.QuotaCeiling)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.ExperimentInstance{}, false, err
		}
		if created {
			s.archiveSpec(ctx, stored)
			s.dispatchAsync(stored)
		}
		return stored, created, nil
	}
	// The quota row kept moving under us; treat exhausted admission retries
	// as a quota rejection rather than blocking the caller.
	return domain.ExperimentInstance{}, false, repo.ErrQuotaExceeded
}

// Get returns the instance and its ordered transition history.
func (s *Service) Get(ctx context.Context, id string) (domain.ExperimentInstance, []domain.HistoryEntry, error) {
	instance, err := s.instances.Get(ctx, id)
	if err != nil {
		return domain.ExperimentInstance{}, nil, err
	}
	history, err := s.instances.History(ctx, id)
	if err != nil {
		return domain.ExperimentInstance{}, nil, err
	}
	return instance, history, nil
}

func (s *Service) List(ctx context.Context, filter repo.InstanceFilter) ([]domain.ExperimentInstance, error) {
	return s.instances.List(ctx, filter)
}

// Cancel requests termination of an instance. The cancellation write
// competes with reconciliation writes through the same compare-and-set path.
func (s *Service) Cancel(ctx context.Context, id string) (domain.ExperimentInstance, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		instance, err := s.instances.Get(ctx, id)
		if err != nil {
			return domain.ExperimentInstance{}, err
		}
		if instance.State.IsTerminal() {
			return instance, ErrAlreadyTerminal
		}

		change := repo.StateChange{
			State:  domain.InstanceStateCancelled,
			Reason: domain.ReasonCancelRequested,
		}

		if instance.State == domain.InstanceStateSubmitted && s.backend != nil {
			backendCtx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
			err := s.backend.Cancel(backendCtx, instance.Handle)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, backend.ErrAlreadyTerminal):
				// The execution finished first; the reconciler applies the
				// real terminal state on its next pass.
				return instance, ErrAlreadyTerminal
			case errors.Is(err, backend.ErrHandleUnknown):
				change.State = domain.InstanceStateFailed
				change.Reason = domain.ReasonBackendHandleLost
			default:
				return domain.ExperimentInstance{}, err
			}
		}

		updated, err := s.instances.UpdateState(ctx, id, instance.Revision, change)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.ExperimentInstance{}, err
		}
		return updated, nil
	}
	return domain.ExperimentInstance{}, repo.ErrConflict
}

// ActiveCount exposes the quota guard's speculative admission read.
func (s *Service) ActiveCount(ctx context.Context, caller, namespace string) (int, error) {
	return s.instances.ActiveCount(ctx, caller, namespace)
}

func (s *Service) QuotaCeiling() int {
	return s.cfg.QuotaCeiling
}

// dispatchAsync performs the backend submission outside the request
// transaction. The request context is deliberately not inherited: the
// submission must not be torn down by the client disconnecting.
func (s *Service) dispatchAsync(instance domain.ExperimentInstance) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BackendTimeout)
		defer cancel()
		s.dispatch(ctx, instance)
	}()
}

// dispatch submits the instance's specification under its identifier as the
// backend idempotency token: one backend call, at most one store write.
// Transient failures leave the instance pending for the reconciler, which
// retries with the SAME token.
func (s *Service) dispatch(ctx context.Context, instance domain.ExperimentInstance) {
	if s.backend == nil {
		return
	}

	handle, err := s.backend.Submit(ctx, backend.Submission{
		Token:     instance.ID,
		Namespace: instance.Namespace,
		Spec:      instance.Spec,
	})
	switch {
	case err == nil:
		_, uerr := s.instances.UpdateState(ctx, instance.ID, instance.Revision, repo.StateChange{
			State:  domain.InstanceStateSubmitted,
			Reason: domain.ReasonBackendAccepted,
			Handle: handle,
		})
		if uerr != nil && !errors.Is(uerr, repo.ErrConflict) {
			s.log("record submission failed", "instance_id", instance.ID, "error", uerr)
		}
	case errors.Is(err, backend.ErrRejected):
		_, uerr := s.instances.UpdateState(ctx, instance.ID, instance.Revision, repo.StateChange{
			State:   domain.InstanceStateFailed,
			Reason:  domain.ReasonBackendRejected,
			Message: err.Error(),
		})
		if uerr != nil && !errors.Is(uerr, repo.ErrConflict) {
			s.log("record rejection failed", "instance_id", instance.ID, "error", uerr)
		}
	case backend.IsTransient(err):
		s.log("transient submit failure", "instance_id", instance.ID, "error", err)
	default:
		s.log("submit failed", "instance_id", instance.ID, "error", err)
	}
}

func (s *Service) archiveSpec(ctx context.Context, instance domain.ExperimentInstance) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Put(ctx, instance.ID, instance.Spec); err != nil {
		s.log("archive spec failed", "instance_id", instance.ID, "error", err)
	}
}

func (s *Service) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	fields := []any{"component", "instances"}
	fields = append(fields, attrs...)
	s.logger.Warn(msg, fields...)
}
