package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/repo"
	"github.com/helix-labs/helix-go/internal/resolver"
)

// TemplateStore reads (and, for the catalog surface, writes) versioned
// experiment template documents. Definitions are stored verbatim as YAML.
type TemplateStore struct {
	db *sql.DB
}

func NewTemplateStore(db *sql.DB) *TemplateStore {
	if db == nil {
		return nil
	}
	return &TemplateStore{db: db}
}

func (s *TemplateStore) CreateTemplate(ctx context.Context, tmpl domain.ExperimentTemplate, definition []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("template store not initialized")
	}
	if strings.TrimSpace(tmpl.ID) == "" {
		return fmt.Errorf("template id is required")
	}
	if err := tmpl.ValidateBasicShape(); err != nil {
		return err
	}
	if len(definition) == 0 {
		return fmt.Errorf("template definition is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO experiment_templates (template_id, name, version, definition, created_at, created_by)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		strings.TrimSpace(tmpl.ID),
		strings.TrimSpace(tmpl.Name),
		strings.TrimSpace(tmpl.Version),
		definition,
		normalizeTime(tmpl.CreatedAt),
		nullIfEmpty(tmpl.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *TemplateStore) GetTemplate(ctx context.Context, id string) (domain.ExperimentTemplate, []byte, error) {
	if s == nil || s.db == nil {
		return domain.ExperimentTemplate{}, nil, fmt.Errorf("template store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ExperimentTemplate{}, nil, fmt.Errorf("template id is required")
	}
	var definition []byte
	var name, version string
	var createdBy sql.NullString
	var tmpl domain.ExperimentTemplate
	row := s.db.QueryRowContext(
		ctx,
		`SELECT template_id, name, version, definition, created_at, created_by
		 FROM experiment_templates WHERE template_id = $1`,
		id,
	)
	if err := row.Scan(&tmpl.ID, &name, &version, &definition, &tmpl.CreatedAt, &createdBy); err != nil {
		return domain.ExperimentTemplate{}, nil, handleNotFound(err)
	}
	parsed, err := resolver.ParseTemplateDocument(definition)
	if err != nil {
		return domain.ExperimentTemplate{}, nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	parsed.ID = tmpl.ID
	parsed.Name = name
	parsed.Version = version
	parsed.CreatedAt = tmpl.CreatedAt.UTC()
	if createdBy.Valid {
		parsed.CreatedBy = createdBy.String
	}
	return parsed, definition, nil
}

func (s *TemplateStore) ListTemplates(ctx context.Context, limit int) ([]domain.ExperimentTemplate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("template store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT template_id, name, version, created_at, created_by
		 FROM experiment_templates
		 ORDER BY created_at DESC, template_id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := make([]domain.ExperimentTemplate, 0)
	for rows.Next() {
		var tmpl domain.ExperimentTemplate
		var createdBy sql.NullString
		if err := rows.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Version, &tmpl.CreatedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if createdBy.Valid {
			tmpl.CreatedBy = createdBy.String
		}
		templates = append(templates, tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

var _ repo.TemplateRepository = (*TemplateStore)(nil)
var _ repo.InstanceRepository = (*InstanceStore)(nil)
