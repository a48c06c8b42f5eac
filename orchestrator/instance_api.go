package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/helix-labs/helix-go/internal/backend"
	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/platform/auth"
	"github.com/helix-labs/helix-go/internal/repo"
	"github.com/helix-labs/helix-go/internal/resolver"
	"github.com/helix-labs/helix-go/internal/service/instances"
)

type submitInstanceRequest struct {
	TemplateID     string            `json:"template_id"`
	Parameters     map[string]string `json:"parameters"`
	IdempotencyKey string            `json:"idempotency_key"`
}

func callerSubject(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && !identity.IsZero() {
		return strings.TrimSpace(identity.Subject)
	}
	// Auth disabled (local development); fall back to the trusted header
	// so quota accounting still has a stable key.
	if v := strings.TrimSpace(r.Header.Get(auth.HeaderSubject)); v != "" {
		return v
	}
	return "anonymous"
}

func (api *orchestratorAPI) handleSubmitInstance(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.PathValue("namespace"))
	if err := auth.ValidateNamespace(namespace); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "namespace_invalid")
		return
	}

	var req submitInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "template_id_required")
		return
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if idempotencyKey == "" {
		api.writeError(w, r, http.StatusBadRequest, "idempotency_key_required")
		return
	}

	caller := callerSubject(r)
	instance, created, err := api.svc.Submit(r.Context(), instances.SubmitRequest{
		TemplateID:     req.TemplateID,
		Parameters:     req.Parameters,
		Caller:         caller,
		Namespace:      namespace,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		var validationErr *resolver.ValidationError
		var templateErr *resolver.TemplateError
		switch {
		case errors.As(err, &validationErr):
			api.writeErrorDetail(w, r, http.StatusBadRequest, "parameter_validation_failed", validationErr.Issues)
		case errors.As(err, &templateErr):
			api.writeErrorDetail(w, r, http.StatusBadRequest, "template_invalid", templateErr.Issues)
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "template_not_found")
		case errors.Is(err, repo.ErrQuotaExceeded):
			api.writeError(w, r, http.StatusTooManyRequests, "quota_exceeded")
		default:
			api.logger.Error("submit instance failed", "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		api.auditInstanceAction(r, "instance.submit", instance, caller)
	}
	api.writeJSON(w, status, instanceToResponse(instance))
}

func (api *orchestratorAPI) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimSpace(r.PathValue("instance_id"))
	if instanceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "instance_id_required")
		return
	}

	instance, history, err := api.svc.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"instance": instanceToResponse(instance),
		"history":  historyToResponse(history),
	})
}

func (api *orchestratorAPI) handleListInstances(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.PathValue("namespace"))
	if err := auth.ValidateNamespace(namespace); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "namespace_invalid")
		return
	}

	filter := repo.InstanceFilter{
		Namespace: namespace,
		Limit:     clampInt(parseIntQuery(r, "limit", 50), 1, 200),
		Offset:    clampInt(parseIntQuery(r, "offset", 0), 0, 1<<30),
	}
	if state := strings.TrimSpace(r.URL.Query().Get("state")); state != "" {
		normalized := domain.NormalizeInstanceState(state)
		if normalized == "" {
			api.writeError(w, r, http.StatusBadRequest, "state_invalid")
			return
		}
		filter.State = normalized
	}
	// The store scopes every list to a caller; default to the
	// authenticated identity when the query does not name one.
	filter.Caller = callerSubject(r)
	if caller := strings.TrimSpace(r.URL.Query().Get("caller")); caller != "" {
		filter.Caller = caller
	}

	list, err := api.svc.List(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]instanceResponse, 0, len(list))
	for _, instance := range list {
		out = append(out, instanceToResponse(instance))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"instances": out,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

func (api *orchestratorAPI) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimSpace(r.PathValue("instance_id"))
	if instanceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "instance_id_required")
		return
	}

	instance, err := api.svc.Cancel(r.Context(), instanceID)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, instances.ErrAlreadyTerminal):
			api.writeJSON(w, http.StatusConflict, map[string]any{
				"error":      "already_terminal",
				"instance":   instanceToResponse(instance),
				"request_id": r.Header.Get("X-Request-Id"),
			})
		case backend.IsTransient(err):
			api.writeError(w, r, http.StatusBadGateway, "backend_unavailable")
		default:
			api.logger.Error("cancel instance failed", "request_id", r.Header.Get("X-Request-Id"), "instance_id", instanceID, "error", err.Error())
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	api.auditInstanceAction(r, "instance.cancel", instance, callerSubject(r))
	api.writeJSON(w, http.StatusOK, instanceToResponse(instance))
}

func (api *orchestratorAPI) handleGetSpecification(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimSpace(r.PathValue("instance_id"))
	if instanceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "instance_id_required")
		return
	}

	instance, _, err := api.svc.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	// presign=1 hands back a short-lived download URL instead of the body,
	// so large documents are fetched from the object store directly.
	if presign, _ := strconv.ParseBool(r.URL.Query().Get("presign")); presign {
		if api.archive == nil {
			api.writeError(w, r, http.StatusServiceUnavailable, "archive_unavailable")
			return
		}
		const ttl = 10 * time.Minute
		url, err := api.archive.PresignGet(r.Context(), instanceID, ttl)
		if err != nil {
			api.writeError(w, r, http.StatusBadGateway, "archive_unavailable")
			return
		}
		api.writeJSON(w, http.StatusOK, map[string]any{
			"url":                url,
			"expires_in_seconds": int(ttl.Seconds()),
		})
		return
	}

	// Prefer the archived document; fall back to the stored spec so the
	// endpoint still answers when the object store lags behind.
	if api.archive != nil {
		if body, err := api.archive.Get(r.Context(), instanceID); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
	}
	api.writeJSON(w, http.StatusOK, instance.Spec)
}
