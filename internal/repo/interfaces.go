package repo

import (
	"context"
	"errors"

	"github.com/helix-labs/helix-go/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a revision-checked write lost against a
	// concurrent writer. Callers re-read and retry within a bounded limit.
	ErrConflict = errors.New("revision conflict")
	// ErrQuotaExceeded is returned when creating an instance would push the
	// caller's active-instance count past the configured ceiling.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// InstanceFilter scopes instance listings.
type InstanceFilter struct {
	Caller    string
	Namespace string
	State     domain.InstanceState
	Limit     int
	Offset    int
}

// StateChange describes one revision-checked mutation of an instance.
// Handle, when non-empty, is written only if the stored handle is still
// absent; the stored value is never overwritten.
type StateChange struct {
	State        domain.InstanceState
	Reason       domain.TransitionReason
	Handle       string
	BackendPhase string
	Message      string
}

// InstanceRepository is the state store adapter for experiment instances.
// All mutations are serialized per instance by compare-and-set on the
// revision column.
type InstanceRepository interface {
	// Create inserts the instance in state pending with revision 1 and
	// increments the caller's quota row in the same transaction, conditioned
	// on the quota ceiling. It returns the stored instance and whether a new
	// record was created; an existing record for the same
	// (caller, idempotency key) is returned unchanged with created=false.
	Create(ctx context.Context, instance domain.ExperimentInstance, ceiling int) (domain.ExperimentInstance, bool, error)
	Get(ctx context.Context, id string) (domain.ExperimentInstance, error)
	GetByIdempotencyKey(ctx context.Context, caller, key string) (domain.ExperimentInstance, error)
	List(ctx context.Context, filter InstanceFilter) ([]domain.ExperimentInstance, error)
	// ListNonTerminal returns the oldest instances still owned by the
	// reconciliation loop, bounded by limit.
	ListNonTerminal(ctx context.Context, limit int) ([]domain.ExperimentInstance, error)
	// UpdateState applies change iff the stored revision equals
	// expectedRevision, bumps the revision, appends a history entry, and
	// decrements the quota row when the new state is terminal. A stale
	// revision yields ErrConflict.
	UpdateState(ctx context.Context, id string, expectedRevision int64, change StateChange) (domain.ExperimentInstance, error)
	History(ctx context.Context, id string) ([]domain.HistoryEntry, error)
	// ActiveCount reports the caller's current non-terminal instance count.
	ActiveCount(ctx context.Context, caller, namespace string) (int, error)
}

// TemplateRepository is the read (and catalog write) surface over stored
// experiment templates.
type TemplateRepository interface {
	CreateTemplate(ctx context.Context, tmpl domain.ExperimentTemplate, definition []byte) error
	GetTemplate(ctx context.Context, id string) (domain.ExperimentTemplate, []byte, error)
	ListTemplates(ctx context.Context, limit int) ([]domain.ExperimentTemplate, error)
}
