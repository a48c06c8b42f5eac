package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/repo"
	"github.com/helix-labs/helix-go/internal/service/instances"
)

// memInstanceRepo mirrors the postgres store semantics in memory: pending
// inserts at revision 1, idempotency replay, quota ceiling on create,
// revision-checked updates with terminal rows immutable.
type memInstanceRepo struct {
	mu      sync.Mutex
	records map[string]domain.ExperimentInstance
	byKey   map[string]string
	history map[string][]domain.HistoryEntry
	active  map[string]int
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{
		records: make(map[string]domain.ExperimentInstance),
		byKey:   make(map[string]string),
		history: make(map[string][]domain.HistoryEntry),
		active:  make(map[string]int),
	}
}

func quotaKey(caller, namespace string) string { return caller + "/" + namespace }

func (m *memInstanceRepo) Create(ctx context.Context, instance domain.ExperimentInstance, ceiling int) (domain.ExperimentInstance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idemKey := instance.Caller + "/" + instance.IdempotencyKey
	if id, ok := m.byKey[idemKey]; ok {
		return m.records[id], false, nil
	}
	qk := quotaKey(instance.Caller, instance.Namespace)
	if m.active[qk] >= ceiling {
		return domain.ExperimentInstance{}, false, repo.ErrQuotaExceeded
	}
	now := time.Now().UTC()
	instance.State = domain.InstanceStatePending
	instance.StateReason = domain.ReasonCreated
	instance.Revision = 1
	instance.CreatedAt = now
	instance.UpdatedAt = now
	m.records[instance.ID] = instance
	m.byKey[idemKey] = instance.ID
	m.active[qk]++
	m.history[instance.ID] = append(m.history[instance.ID], domain.HistoryEntry{
		InstanceID: instance.ID, Revision: 1,
		State: instance.State, Reason: instance.StateReason, OccurredAt: now,
	})
	return instance, true, nil
}

func (m *memInstanceRepo) Get(ctx context.Context, id string) (domain.ExperimentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.records[id]
	if !ok {
		return domain.ExperimentInstance{}, repo.ErrNotFound
	}
	return instance, nil
}

func (m *memInstanceRepo) GetByIdempotencyKey(ctx context.Context, caller, key string) (domain.ExperimentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[caller+"/"+key]
	if !ok {
		return domain.ExperimentInstance{}, repo.ErrNotFound
	}
	return m.records[id], nil
}

func (m *memInstanceRepo) List(ctx context.Context, filter repo.InstanceFilter) ([]domain.ExperimentInstance, error) {
	if strings.TrimSpace(filter.Caller) == "" {
		return nil, fmt.Errorf("caller is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ExperimentInstance
	for _, instance := range m.records {
		if filter.Namespace != "" && instance.Namespace != filter.Namespace {
			continue
		}
		if instance.Caller != filter.Caller {
			continue
		}
		if filter.State != "" && instance.State != filter.State {
			continue
		}
		out = append(out, instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memInstanceRepo) ListNonTerminal(ctx context.Context, limit int) ([]domain.ExperimentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ExperimentInstance
	for _, instance := range m.records {
		if !instance.State.IsTerminal() {
			out = append(out, instance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memInstanceRepo) UpdateState(ctx context.Context, id string, expectedRevision int64, change repo.StateChange) (domain.ExperimentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.records[id]
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
	m.records[id] = instance
	m.history[id] = append(m.history[id], domain.HistoryEntry{
		InstanceID: id, Revision: instance.Revision,
		State: change.State, Reason: change.Reason,
		BackendPhase: change.BackendPhase, Message: change.Message,
		OccurredAt: instance.UpdatedAt,
	})
	if change.State.IsTerminal() {
		m.active[quotaKey(instance.Caller, instance.Namespace)]--
	}
	return instance, nil
}

func (m *memInstanceRepo) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return nil, repo.ErrNotFound
	}
	return append([]domain.HistoryEntry(nil), m.history[id]...), nil
}

func (m *memInstanceRepo) ActiveCount(ctx context.Context, caller, namespace string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[quotaKey(caller, namespace)], nil
}

type memTemplateRepo struct {
	mu          sync.Mutex
	templates   map[string]domain.ExperimentTemplate
	definitions map[string][]byte
	byName      map[string]string
}

func newMemTemplateRepo() *memTemplateRepo {
	return &memTemplateRepo{
		templates:   make(map[string]domain.ExperimentTemplate),
		definitions: make(map[string][]byte),
		byName:      make(map[string]string),
	}
}

func (m *memTemplateRepo) CreateTemplate(ctx context.Context, tmpl domain.ExperimentTemplate, definition []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nameKey := tmpl.Name + "/" + tmpl.Version
	if _, ok := m.byName[nameKey]; ok {
		return &pgconn.PgError{Code: "23505", ConstraintName: "experiment_templates_name_version_key"}
	}
	m.templates[tmpl.ID] = tmpl
	m.definitions[tmpl.ID] = definition
	m.byName[nameKey] = tmpl.ID
	return nil
}

func (m *memTemplateRepo) GetTemplate(ctx context.Context, id string) (domain.ExperimentTemplate, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmpl, ok := m.templates[id]
	if !ok {
		return domain.ExperimentTemplate{}, nil, repo.ErrNotFound
	}
	return tmpl, m.definitions[id], nil
}

func (m *memTemplateRepo) ListTemplates(ctx context.Context, limit int) ([]domain.ExperimentTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ExperimentTemplate, 0, len(m.templates))
	for _, tmpl := range m.templates {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func catalogTemplate() domain.ExperimentTemplate {
	return domain.ExperimentTemplate{
		ID:      "tmpl-band-gap",
		Name:    "band-gap-screen",
		Version: "1.4.0",
		Parameters: []domain.ParameterSpec{
			{Name: "molecule", Type: domain.ParameterTypeString, Required: true},
			{Name: "basis", Type: domain.ParameterTypeString, Default: "6-31g", Domain: []string{"6-31g", "sto-3g"}},
		},
		Steps: []domain.TemplateStep{
			{Name: "optimize", Image: "registry.local/dft:1.4", Command: []string{"dft", "optimize", "{{molecule}}"}},
			{Name: "score", Image: "registry.local/dft:1.4", Command: []string{"dft", "score", "--basis", "{{basis}}"}, DependsOn: []string{"optimize"}},
		},
	}
}

type apiHarness struct {
	mux          *http.ServeMux
	instanceRepo *memInstanceRepo
	templateRepo *memTemplateRepo
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	instanceRepo := newMemInstanceRepo()
	templateRepo := newMemTemplateRepo()
	if err := templateRepo.CreateTemplate(context.Background(), catalogTemplate(), []byte("definition")); err != nil {
		t.Fatalf("seed template: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := instances.New(logger, instanceRepo, templateRepo, nil, nil, instances.Config{QuotaCeiling: 2})
	api := newOrchestratorAPI(logger, svc, templateRepo, nil, nil)

	mux := http.NewServeMux()
	api.register(mux)
	return &apiHarness{mux: mux, instanceRepo: instanceRepo, templateRepo: templateRepo}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (h *apiHarness) do(t *testing.T, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: non-JSON body %q", method, path, rec.Body.String())
		}
	}
	return rec, decoded
}

func (h *apiHarness) submit(t *testing.T, key string) map[string]any {
	t.Helper()
	body := fmt.Sprintf(`{"template_id":"tmpl-band-gap","parameters":{"molecule":"h2o"},"idempotency_key":%q}`, key)
	rec, decoded := h.do(t, http.MethodPost, "/namespaces/team-a/instances", body, map[string]string{"X-Helix-Subject": "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status=%d body=%s", rec.Code, rec.Body.String())
	}
	return decoded
}

func TestSubmitInstance_Created(t *testing.T) {
	h := newAPIHarness(t)

	created := h.submit(t, "key-1")
	if created["state"] != "pending" {
		t.Fatalf("state=%v, want pending", created["state"])
	}
	if created["namespace"] != "team-a" || created["caller"] != "alice" {
		t.Fatalf("identity=%v/%v", created["namespace"], created["caller"])
	}
	if created["template_version"] != "1.4.0" {
		t.Fatalf("template_version=%v", created["template_version"])
	}
	params, _ := created["parameters"].(map[string]any)
	if params["basis"] != "6-31g" {
		t.Fatalf("parameters=%v, want defaulted basis", params)
	}
	if created["revision"] != float64(1) {
		t.Fatalf("revision=%v", created["revision"])
	}
}

func TestSubmitInstance_IdempotentReplay(t *testing.T) {
	h := newAPIHarness(t)

	created := h.submit(t, "key-1")

	body := `{"template_id":"tmpl-band-gap","parameters":{"molecule":"h2o"},"idempotency_key":"key-1"}`
	rec, replayed := h.do(t, http.MethodPost, "/namespaces/team-a/instances", body, map[string]string{"X-Helix-Subject": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status=%d, want 200", rec.Code)
	}
	if replayed["instance_id"] != created["instance_id"] {
		t.Fatalf("replay returned %v, want %v", replayed["instance_id"], created["instance_id"])
	}
}

func TestSubmitInstance_IdempotencyKeyHeader(t *testing.T) {
	h := newAPIHarness(t)

	body := `{"template_id":"tmpl-band-gap","parameters":{"molecule":"h2o"}}`
	rec, _ := h.do(t, http.MethodPost, "/namespaces/team-a/instances", body, map[string]string{"Idempotency-Key": "key-h"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, decoded := h.do(t, http.MethodPost, "/namespaces/team-a/instances", body, nil)
	if rec.Code != http.StatusBadRequest || decoded["error"] != "idempotency_key_required" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}
}

func TestSubmitInstance_BadRequests(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name      string
		path      string
		body      string
		status    int
		errorCode string
	}{
		{"invalid namespace", "/namespaces/Team_A/instances", `{}`, http.StatusBadRequest, "namespace_invalid"},
		{"invalid json", "/namespaces/team-a/instances", `{"template_id":`, http.StatusBadRequest, "invalid_json"},
		{"unknown field", "/namespaces/team-a/instances", `{"template":"x"}`, http.StatusBadRequest, "invalid_json"},
		{"missing template id", "/namespaces/team-a/instances", `{"idempotency_key":"k"}`, http.StatusBadRequest, "template_id_required"},
		{"unknown template", "/namespaces/team-a/instances", `{"template_id":"ghost","idempotency_key":"k"}`, http.StatusNotFound, "template_not_found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, decoded := h.do(t, http.MethodPost, tc.path, tc.body, nil)
			if rec.Code != tc.status || decoded["error"] != tc.errorCode {
				t.Fatalf("status=%d error=%v, want %d %s", rec.Code, decoded["error"], tc.status, tc.errorCode)
			}
		})
	}
}

func TestSubmitInstance_ValidationIssues(t *testing.T) {
	h := newAPIHarness(t)

	body := `{"template_id":"tmpl-band-gap","parameters":{"basis":"cc-pvdz"},"idempotency_key":"k"}`
	rec, decoded := h.do(t, http.MethodPost, "/namespaces/team-a/instances", body, nil)
	if rec.Code != http.StatusBadRequest || decoded["error"] != "parameter_validation_failed" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}
	issues, _ := decoded["issues"].([]any)
	if len(issues) != 2 {
		t.Fatalf("issues=%v, want missing molecule and basis domain violation", issues)
	}
}

func TestSubmitInstance_QuotaExceeded(t *testing.T) {
	h := newAPIHarness(t)

	h.submit(t, "key-1")
	h.submit(t, "key-2")

	body := `{"template_id":"tmpl-band-gap","parameters":{"molecule":"h2o"},"idempotency_key":"key-3"}`
	rec, decoded := h.do(t, http.MethodPost, "/namespaces/team-a/instances", body, map[string]string{"X-Helix-Subject": "alice"})
	if rec.Code != http.StatusTooManyRequests || decoded["error"] != "quota_exceeded" {
		t.Fatalf("status=%d error=%v, want 429 quota_exceeded", rec.Code, decoded["error"])
	}
}

func TestGetInstance(t *testing.T) {
	h := newAPIHarness(t)

	created := h.submit(t, "key-1")
	id := created["instance_id"].(string)

	rec, decoded := h.do(t, http.MethodGet, "/instances/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	instance, _ := decoded["instance"].(map[string]any)
	if instance["instance_id"] != id {
		t.Fatalf("instance=%v", instance)
	}
	history, _ := decoded["history"].([]any)
	if len(history) != 1 {
		t.Fatalf("history=%v, want the creation entry", history)
	}

	rec, decoded = h.do(t, http.MethodGet, "/instances/ghost", "", nil)
	if rec.Code != http.StatusNotFound || decoded["error"] != "not_found" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}
}

func TestListInstances(t *testing.T) {
	h := newAPIHarness(t)

	h.submit(t, "key-1")
	h.submit(t, "key-2")

	rec, decoded := h.do(t, http.MethodGet, "/namespaces/team-a/instances?state=pending&caller=alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	list, _ := decoded["instances"].([]any)
	if len(list) != 2 {
		t.Fatalf("instances=%d, want 2", len(list))
	}

	rec, decoded = h.do(t, http.MethodGet, "/namespaces/team-b/instances", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	list, _ = decoded["instances"].([]any)
	if len(list) != 0 {
		t.Fatalf("instances=%d, want 0 in other namespace", len(list))
	}

	rec, decoded = h.do(t, http.MethodGet, "/namespaces/team-a/instances?state=bogus", "", nil)
	if rec.Code != http.StatusBadRequest || decoded["error"] != "state_invalid" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}
}

func TestListInstances_DefaultsCallerToIdentity(t *testing.T) {
	h := newAPIHarness(t)

	h.submit(t, "key-1")
	h.submit(t, "key-2")

	// No caller query: the filter falls back to the request identity,
	// which the store requires to be non-empty.
	rec, decoded := h.do(t, http.MethodGet, "/namespaces/team-a/instances", "", map[string]string{"X-Helix-Subject": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	list, _ := decoded["instances"].([]any)
	if len(list) != 2 {
		t.Fatalf("instances=%d, want 2 for the request identity", len(list))
	}

	rec, decoded = h.do(t, http.MethodGet, "/namespaces/team-a/instances", "", map[string]string{"X-Helix-Subject": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	list, _ = decoded["instances"].([]any)
	if len(list) != 0 {
		t.Fatalf("instances=%d, want 0 for another identity", len(list))
	}
}

func TestCancelInstance(t *testing.T) {
	h := newAPIHarness(t)

	created := h.submit(t, "key-1")
	id := created["instance_id"].(string)

	rec, decoded := h.do(t, http.MethodPost, "/instances/"+id+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decoded["state"] != "cancelled" || decoded["state_reason"] != "CancelRequested" {
		t.Fatalf("state=%v reason=%v", decoded["state"], decoded["state_reason"])
	}

	// Second cancel hits a terminal instance.
	rec, decoded = h.do(t, http.MethodPost, "/instances/"+id+"/cancel", "", nil)
	if rec.Code != http.StatusConflict || decoded["error"] != "already_terminal" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}
	instance, _ := decoded["instance"].(map[string]any)
	if instance["state"] != "cancelled" {
		t.Fatalf("conflict body instance=%v", instance)
	}

	rec, decoded = h.do(t, http.MethodPost, "/instances/ghost/cancel", "", nil)
	if rec.Code != http.StatusNotFound || decoded["error"] != "not_found" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}
}

func TestGetSpecification_FallsBackToStoredSpec(t *testing.T) {
	h := newAPIHarness(t)

	created := h.submit(t, "key-1")
	id := created["instance_id"].(string)

	rec, decoded := h.do(t, http.MethodGet, "/instances/"+id+"/specification", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if decoded["templateId"] != "tmpl-band-gap" {
		t.Fatalf("spec=%v", decoded)
	}
	steps, _ := decoded["steps"].([]any)
	if len(steps) != 2 {
		t.Fatalf("steps=%v", steps)
	}
}

func TestGetSpecification_PresignNeedsArchive(t *testing.T) {
	h := newAPIHarness(t)

	created := h.submit(t, "key-1")
	id := created["instance_id"].(string)

	rec, decoded := h.do(t, http.MethodGet, "/instances/"+id+"/specification?presign=1", "", nil)
	if rec.Code != http.StatusServiceUnavailable || decoded["error"] != "archive_unavailable" {
		t.Fatalf("status=%d error=%v, want 503 archive_unavailable", rec.Code, decoded["error"])
	}
}

func TestCreateTemplate(t *testing.T) {
	h := newAPIHarness(t)

	definition := `
apiVersion: helix/v1
kind: ExperimentTemplate
metadata:
  name: docking
  version: 0.1.0
spec:
  parameters:
    - name: ligand
      type: string
      required: true
  steps:
    - name: dock
      image: registry.local/dock:v3
      command: [dock, "{{ligand}}"]
`
	rec, decoded := h.do(t, http.MethodPost, "/templates", definition, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	templateID, _ := decoded["template_id"].(string)
	if templateID == "" || decoded["name"] != "docking" {
		t.Fatalf("response=%v", decoded)
	}

	// Same name and version again conflicts.
	rec, decoded = h.do(t, http.MethodPost, "/templates", definition, nil)
	if rec.Code != http.StatusConflict || decoded["error"] != "template_exists" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}

	rec, decoded = h.do(t, http.MethodGet, "/templates/"+templateID, "", nil)
	if rec.Code != http.StatusOK || decoded["definition"] == "" {
		t.Fatalf("status=%d definition=%v", rec.Code, decoded["definition"])
	}
}

func TestCreateTemplate_Invalid(t *testing.T) {
	h := newAPIHarness(t)

	definition := `
metadata:
  name: cyclic
  version: 1.0.0
spec:
  steps:
    - name: a
      image: img
      command: [a]
      dependsOn: [b]
    - name: b
      image: img
      command: [b]
      dependsOn: [a]
`
	rec, decoded := h.do(t, http.MethodPost, "/templates", definition, nil)
	if rec.Code != http.StatusBadRequest || decoded["error"] != "template_invalid" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}
	issues, _ := decoded["issues"].([]any)
	if len(issues) != 1 || !strings.Contains(issues[0].(string), "cycle") {
		t.Fatalf("issues=%v", issues)
	}

	rec, decoded = h.do(t, http.MethodPost, "/templates", "   ", nil)
	if rec.Code != http.StatusBadRequest || decoded["error"] != "definition_required" {
		t.Fatalf("status=%d error=%v", rec.Code, decoded["error"])
	}
}

func TestListTemplates(t *testing.T) {
	h := newAPIHarness(t)

	rec, decoded := h.do(t, http.MethodGet, "/templates?limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	list, _ := decoded["templates"].([]any)
	if len(list) != 1 {
		t.Fatalf("templates=%d, want the seeded catalog entry", len(list))
	}
	if decoded["limit"] != float64(10) {
		t.Fatalf("limit=%v", decoded["limit"])
	}
}
