package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/platform/auth"
	"github.com/helix-labs/helix-go/internal/repo"
	"github.com/helix-labs/helix-go/internal/resolver"
)

type templateResponse struct {
	TemplateID string    `json:"template_id"`
	Name       string    `json:"name"`
	Version    string    `json:"version,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Definition string    `json:"definition,omitempty"`
}

func templateToResponse(tmpl domain.ExperimentTemplate, definition []byte) templateResponse {
	return templateResponse{
		TemplateID: tmpl.ID,
		Name:       tmpl.Name,
		Version:    tmpl.Version,
		CreatedAt:  tmpl.CreatedAt,
		CreatedBy:  tmpl.CreatedBy,
		Definition: string(definition),
	}
}

// handleCreateTemplate registers a template document. The body is the raw
// YAML definition; it is validated structurally, including the step
// dependency cycle check, before it is stored.
func (api *orchestratorAPI) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	definition, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(strings.TrimSpace(string(definition))) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "definition_required")
		return
	}

	tmpl, err := resolver.ParseTemplateDocument(definition)
	if err != nil {
		var templateErr *resolver.TemplateError
		if errors.As(err, &templateErr) {
			api.writeErrorDetail(w, r, http.StatusBadRequest, "template_invalid", templateErr.Issues)
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "template_invalid")
		return
	}

	tmpl.ID = uuid.NewString()
	tmpl.CreatedAt = time.Now().UTC()
	tmpl.CreatedBy = "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && !identity.IsZero() {
		tmpl.CreatedBy = identity.Subject
	}

	if err := api.templates.CreateTemplate(r.Context(), tmpl, definition); err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "template_exists")
			return
		}
		api.logger.Error("create template failed", "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if api.audit != nil {
		auditCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 750*time.Millisecond)
		if err := api.audit.TemplateCreated(auditCtx, tmpl.ID, tmpl.CreatedBy, r.Header.Get("X-Request-Id")); err != nil {
			api.logger.Warn("audit write failed", "action", "template.create", "template_id", tmpl.ID, "error", err.Error())
		}
		cancel()
	}

	api.writeJSON(w, http.StatusCreated, templateToResponse(tmpl, nil))
}

func (api *orchestratorAPI) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := strings.TrimSpace(r.PathValue("template_id"))
	if templateID == "" {
		api.writeError(w, r, http.StatusBadRequest, "template_id_required")
		return
	}

	tmpl, definition, err := api.templates.GetTemplate(r.Context(), templateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusOK, templateToResponse(tmpl, definition))
}

func (api *orchestratorAPI) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)

	list, err := api.templates.ListTemplates(r.Context(), limit)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]templateResponse, 0, len(list))
	for _, tmpl := range list {
		out = append(out, templateToResponse(tmpl, nil))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"templates": out,
		"limit":     limit,
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
