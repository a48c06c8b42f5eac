package instances

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/helix-labs/helix-go/internal/backend"
	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/repo"
)

type fakeInstanceRepo struct {
	mu      sync.Mutex
	records map[string]domain.ExperimentInstance
	byKey   map[string]string
	history map[string][]domain.HistoryEntry
	active  map[string]int

	createCalls int
	updateCalls int
}

func newFakeInstanceRepo() *fakeInstanceRepo {
	return &fakeInstanceRepo{
		records: map[string]domain.ExperimentInstance{},
		byKey:   map[string]string{},
		history: map[string][]domain.HistoryEntry{},
		active:  map[string]int{},
	}
}

func quotaKey(caller, namespace string) string {
	return caller + "\x00" + namespace
}

func idemKey(caller, key string) string {
	return caller + "\x00" + key
}

func (r *fakeInstanceRepo) Create(ctx context.Context, instance domain.ExperimentInstance, ceiling int) (domain.ExperimentInstance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++

	if id, ok := r.byKey[idemKey(instance.Caller, instance.IdempotencyKey)]; ok {
		return r.records[id], false, nil
	}
	if r.active[quotaKey(instance.Caller, instance.Namespace)] >= ceiling {
		return domain.ExperimentInstance{}, false, repo.ErrQuotaExceeded
	}

	instance.State = domain.InstanceStatePending
	instance.StateReason = domain.ReasonCreated
	instance.Revision = 1
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now().UTC()
	}
	instance.UpdatedAt = instance.CreatedAt

	r.records[instance.ID] = instance
	r.byKey[idemKey(instance.Caller, instance.IdempotencyKey)] = instance.ID
	r.active[quotaKey(instance.Caller, instance.Namespace)]++
	r.history[instance.ID] = append(r.history[instance.ID], domain.HistoryEntry{
		InstanceID: instance.ID,
		Revision:   1,
		State:      instance.State,
		Reason:     instance.StateReason,
		OccurredAt: instance.CreatedAt,
	})
	return instance, true, nil
}

func (r *fakeInstanceRepo) Get(ctx context.Context, id string) (domain.ExperimentInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.records[id]
	if !ok {
		return domain.ExperimentInstance{}, repo.ErrNotFound
	}
	return instance, nil
}

func (r *fakeInstanceRepo) GetByIdempotencyKey(ctx context.Context, caller, key string) (domain.ExperimentInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[idemKey(caller, key)]
	if !ok {
		return domain.ExperimentInstance{}, repo.ErrNotFound
	}
	return r.records[id], nil
}

func (r *fakeInstanceRepo) List(ctx context.Context, filter repo.InstanceFilter) ([]domain.ExperimentInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ExperimentInstance, 0, len(r.records))
	for _, instance := range r.records {
		if filter.Namespace != "" && instance.Namespace != filter.Namespace {
			continue
		}
		if filter.Caller != "" && instance.Caller != filter.Caller {
			continue
		}
		if filter.State != "" && instance.State != filter.State {
			continue
		}
		out = append(out, instance)
	}
	return out, nil
}

func (r *fakeInstanceRepo) ListNonTerminal(ctx context.Context, limit int) ([]domain.ExperimentInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ExperimentInstance, 0)
	for _, instance := range r.records {
		if instance.State.IsTerminal() {
			continue
		}
		out = append(out, instance)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeInstanceRepo) UpdateState(ctx context.Context, id string, expectedRevision int64, change repo.StateChange) (domain.ExperimentInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++

	instance, ok := r.records[id]
	if !ok {
		return domain.ExperimentInstance{}, repo.ErrNotFound
	}
	if instance.State.IsTerminal() || instance.Revision != expectedRevision {
		return domain.ExperimentInstance{}, repo.ErrConflict
	}

	instance.State = change.State
	instance.StateReason = change.Reason
	if instance.Handle == "" && change.Handle != "" {
		instance.Handle = change.Handle
	}
	if change.BackendPhase != "" {
		instance.LastBackendPhase = change.BackendPhase
	}
	instance.Revision++
	instance.UpdatedAt = time.Now().UTC()
	r.records[id] = instance
	r.history[id] = append(r.history[id], domain.HistoryEntry{
		InstanceID:   id,
		Revision:     instance.Revision,
		State:        change.State,
		Reason:       change.Reason,
		BackendPhase: change.BackendPhase,
		Message:      change.Message,
		OccurredAt:   instance.UpdatedAt,
	})
	if change.State.IsTerminal() {
		key := quotaKey(instance.Caller, instance.Namespace)
		if r.active[key] > 0 {
			r.active[key]--
		}
	}
	return instance, nil
}

func (r *fakeInstanceRepo) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.HistoryEntry(nil), r.history[id]...), nil
}

func (r *fakeInstanceRepo) ActiveCount(ctx context.Context, caller, namespace string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[quotaKey(caller, namespace)], nil
}

type fakeTemplateRepo struct {
	templates map[string]domain.ExperimentTemplate
}

func newFakeTemplateRepo(templates ...domain.ExperimentTemplate) *fakeTemplateRepo {
	r := &fakeTemplateRepo{templates: map[string]domain.ExperimentTemplate{}}
	for _, tmpl := range templates {
		r.templates[tmpl.ID] = tmpl
	}
	return r
}

func (r *fakeTemplateRepo) CreateTemplate(ctx context.Context, tmpl domain.ExperimentTemplate, definition []byte) error {
	r.templates[tmpl.ID] = tmpl
	return nil
}

func (r *fakeTemplateRepo) GetTemplate(ctx context.Context, id string) (domain.ExperimentTemplate, []byte, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return domain.ExperimentTemplate{}, nil, repo.ErrNotFound
	}
	return tmpl, nil, nil
}

func (r *fakeTemplateRepo) ListTemplates(ctx context.Context, limit int) ([]domain.ExperimentTemplate, error) {
	out := make([]domain.ExperimentTemplate, 0, len(r.templates))
	for _, tmpl := range r.templates {
		out = append(out, tmpl)
	}
	return out, nil
}

type fakeBackend struct {
	mu sync.Mutex

	submitErr    error
	submitCalls  int
	submitTokens []string

	statusObs   backend.Observation
	statusErr   error
	statusCalls int

	cancelErr   error
	cancelCalls int
}

func (b *fakeBackend) Submit(ctx context.Context, sub backend.Submission) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitCalls++
	b.submitTokens = append(b.submitTokens, sub.Token)
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "wf-" + sub.Token, nil
}

func (b *fakeBackend) Status(ctx context.Context, handle string) (backend.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	if b.statusErr != nil {
		return backend.Observation{}, b.statusErr
	}
	return b.statusObs, nil
}

func (b *fakeBackend) Cancel(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return b.cancelErr
}

type fakeArchive struct {
	mu   sync.Mutex
	puts map[string]domain.ConcreteSpec
	err  error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{puts: map[string]domain.ConcreteSpec{}}
}

func (a *fakeArchive) Put(ctx context.Context, instanceID string, spec domain.ConcreteSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.puts[instanceID] = spec
	return nil
}

var errBoom = errors.New("boom")

func screeningTemplate() domain.ExperimentTemplate {
	return domain.ExperimentTemplate{
		ID:      "tmpl-band-gap",
		Name:    "band-gap-screen",
		Version: "3",
		Parameters: []domain.ParameterSpec{
			{Name: "molecule", Type: domain.ParameterTypeString, Required: true},
			{Name: "basis", Type: domain.ParameterTypeString, Default: "6-31g", Domain: []string{"6-31g", "sto-3g"}},
		},
		Steps: []domain.TemplateStep{
			{Name: "optimize", Image: "helix/qc:1.2", Command: []string{"optimize", "--molecule", "{{molecule}}"}},
			{Name: "score", Image: "helix/qc:1.2", Command: []string{"score", "--basis", "{{basis}}"}, DependsOn: []string{"optimize"}},
		},
	}
}
