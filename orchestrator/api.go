package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/platform/auditlog"
	"github.com/helix-labs/helix-go/internal/repo"
	"github.com/helix-labs/helix-go/internal/service/instances"
	"github.com/helix-labs/helix-go/internal/storage/specarchive"
)

type orchestratorAPI struct {
	logger    *slog.Logger
	svc       *instances.Service
	templates repo.TemplateRepository
	archive   *specarchive.Archive
	audit     *auditlog.Recorder
}

func newOrchestratorAPI(logger *slog.Logger, svc *instances.Service, templates repo.TemplateRepository, archive *specarchive.Archive, audit *auditlog.Recorder) *orchestratorAPI {
	return &orchestratorAPI{
		logger:    logger,
		svc:       svc,
		templates: templates,
		archive:   archive,
		audit:     audit,
	}
}

// auditInstanceAction records the operation best-effort; a failed audit write
// never fails the request that already succeeded.
func (api *orchestratorAPI) auditInstanceAction(r *http.Request, action string, instance domain.ExperimentInstance, actor string) {
	if api.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 750*time.Millisecond)
	defer cancel()
	err := api.audit.InstanceAction(ctx, action, instance.ID, actor, r.Header.Get("X-Request-Id"), map[string]any{
		"namespace":   instance.Namespace,
		"template_id": instance.TemplateID,
		"state":       string(instance.State),
	})
	if err != nil {
		api.logger.Warn("audit write failed", "action", action, "instance_id", instance.ID, "error", err.Error())
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /namespaces/{namespace}/instances", api.handleSubmitInstance)
	mux.HandleFunc("GET /namespaces/{namespace}/instances", api.handleListInstances)
	mux.HandleFunc("GET /instances/{instance_id}", api.handleGetInstance)
	mux.HandleFunc("POST /instances/{instance_id}/cancel", api.handleCancelInstance)
	mux.HandleFunc("GET /instances/{instance_id}/specification", api.handleGetSpecification)

	mux.HandleFunc("POST /templates", api.handleCreateTemplate)
	mux.HandleFunc("GET /templates", api.handleListTemplates)
	mux.HandleFunc("GET /templates/{template_id}", api.handleGetTemplate)
}

type instanceResponse struct {
	InstanceID       string            `json:"instance_id"`
	Caller           string            `json:"caller"`
	Namespace        string            `json:"namespace"`
	TemplateID       string            `json:"template_id"`
	TemplateVersion  string            `json:"template_version,omitempty"`
	Parameters       map[string]string `json:"parameters,omitempty"`
	State            string            `json:"state"`
	StateReason      string            `json:"state_reason,omitempty"`
	Handle           string            `json:"handle,omitempty"`
	LastBackendPhase string            `json:"last_backend_phase,omitempty"`
	Revision         int64             `json:"revision"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type historyEntryResponse struct {
	Revision     int64     `json:"revision"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	BackendPhase string    `json:"backend_phase,omitempty"`
	Message      string    `json:"message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func instanceToResponse(instance domain.ExperimentInstance) instanceResponse {
	return instanceResponse{
		InstanceID:       instance.ID,
		Caller:           instance.Caller,
		Namespace:        instance.Namespace,
		TemplateID:       instance.TemplateID,
		TemplateVersion:  instance.TemplateVersion,
		Parameters:       instance.Parameters,
		State:            string(instance.State),
		StateReason:      string(instance.StateReason),
		Handle:           instance.Handle,
		LastBackendPhase: instance.LastBackendPhase,
		Revision:         instance.Revision,
		CreatedAt:        instance.CreatedAt,
		UpdatedAt:        instance.UpdatedAt,
	}
}

func historyToResponse(entries []domain.HistoryEntry) []historyEntryResponse {
	out := make([]historyEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, historyEntryResponse{
			Revision:     entry.Revision,
			State:        string(entry.State),
			Reason:       string(entry.Reason),
			BackendPhase: entry.BackendPhase,
			Message:      entry.Message,
			OccurredAt:   entry.OccurredAt,
		})
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *orchestratorAPI) writeErrorDetail(w http.ResponseWriter, r *http.Request, status int, code string, issues []string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"issues":     issues,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
