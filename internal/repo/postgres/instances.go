package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/repo"
)

// InstanceStore persists experiment instances with optimistic concurrency:
// every mutation is conditioned on the expected revision and the quota row
// version, so racing writers fail with repo.ErrConflict instead of losing
// updates.
type InstanceStore struct {
	db *sql.DB
}

func NewInstanceStore(db *sql.DB) *InstanceStore {
	if db == nil {
		return nil
	}
	return &InstanceStore{db: db}
}

const instanceColumns = `instance_id, caller, namespace, template_id, template_version, idempotency_key,
	parameters, spec, state, state_reason, COALESCE(handle,''), COALESCE(last_backend_phase,''),
	revision, created_at, updated_at`

func (s *InstanceStore) Create(ctx context.Context, instance domain.ExperimentInstance, ceiling int) (domain.ExperimentInstance, bool, error) {
	if s == nil || s.db == nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("instance store not initialized")
	}
	instance.State = domain.InstanceStatePending
	instance.StateReason = domain.ReasonCreated
	instance.Revision = 1
	instance.CreatedAt = normalizeTime(instance.CreatedAt)
	instance.UpdatedAt = instance.CreatedAt
	if err := instance.Validate(); err != nil {
		return domain.ExperimentInstance{}, false, err
	}
	if ceiling < 1 {
		return domain.ExperimentInstance{}, false, fmt.Errorf("quota ceiling must be >= 1")
	}

	paramsJSON, err := encodeStringMap(instance.Parameters)
	if err != nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("encode parameters: %w", err)
	}
	specJSON, err := encodeSpec(instance.Spec)
	if err != nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("encode spec: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO submission_quotas (caller, namespace, active_count, version)
		 VALUES ($1, $2, 0, 1)
		 ON CONFLICT (caller, namespace) DO NOTHING`,
		instance.Caller,
		instance.Namespace,
	); err != nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("ensure quota row: %w", err)
	}

	var active int
	var version int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT active_count, version FROM submission_quotas WHERE caller = $1 AND namespace = $2`,
		instance.Caller,
		instance.Namespace,
	).Scan(&active, &version); err != nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("read quota row: %w", err)
	}
	if active >= ceiling {
		return domain.ExperimentInstance{}, false, repo.ErrQuotaExceeded
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE submission_quotas
		 SET active_count = active_count + 1, version = version + 1
		 WHERE caller = $1 AND namespace = $2 AND version = $3`,
		instance.Caller,
		instance.Namespace,
		version,
	)
	if err != nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("increment quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("increment quota: %w", err)
	}
	if affected == 0 {
		return domain.ExperimentInstance{}, false, repo.ErrConflict
	}

	row := tx.QueryRowContext(
		ctx,
		`INSERT INTO experiment_instances (
			instance_id, caller, namespace, template_id, template_version, idempotency_key,
			parameters, spec, state, state_reason, revision, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (caller, idempotency_key) DO NOTHING
		RETURNING `+instanceColumns,
		instance.ID,
		instance.Caller,
		instance.Namespace,
		instance.TemplateID,
		nullIfEmpty(instance.TemplateVersion),
		instance.IdempotencyKey,
		paramsJSON,
		specJSON,
		string(instance.State),
		string(instance.StateReason),
		instance.Revision,
		instance.CreatedAt,
	)
	stored, err := scanInstance(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.ExperimentInstance{}, false, fmt.Errorf("insert instance: %w", err)
		}
		// A racing request holds this idempotency key; the quota increment
		// rolls back with the transaction.
		_ = tx.Rollback()
		existing, err := s.GetByIdempotencyKey(ctx, instance.Caller, instance.IdempotencyKey)
		if err != nil {
			return domain.ExperimentInstance{}, false, err
		}
		return existing, false, nil
	}

	if err := insertHistory(ctx, tx, domain.HistoryEntry{
		InstanceID: stored.ID,
		Revision:   stored.Revision,
		State:      stored.State,
		Reason:     stored.StateReason,
		OccurredAt: stored.CreatedAt,
	}); err != nil {
		return domain.ExperimentInstance{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return domain.ExperimentInstance{}, false, fmt.Errorf("commit: %w", err)
	}
	return stored, true, nil
}

func (s *InstanceStore) Get(ctx context.Context, id string) (domain.ExperimentInstance, error) {
	if s == nil || s.db == nil {
		return domain.ExperimentInstance{}, fmt.Errorf("instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ExperimentInstance{}, fmt.Errorf("instance id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+instanceColumns+` FROM experiment_instances WHERE instance_id = $1`,
		id,
	)
	instance, err := scanInstance(row)
	if err != nil {
		return domain.ExperimentInstance{}, handleNotFound(err)
	}
	return instance, nil
}

func (s *InstanceStore) GetByIdempotencyKey(ctx context.Context, caller, key string) (domain.ExperimentInstance, error) {
	if s == nil || s.db == nil {
		return domain.ExperimentInstance{}, fmt.Errorf("instance store not initialized")
	}
	caller = strings.TrimSpace(caller)
	key = strings.TrimSpace(key)
	if caller == "" {
		return domain.ExperimentInstance{}, fmt.Errorf("caller is required")
	}
	if key == "" {
		return domain.ExperimentInstance{}, fmt.Errorf("idempotency key is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+instanceColumns+` FROM experiment_instances WHERE caller = $1 AND idempotency_key = $2`,
		caller,
		key,
	)
	instance, err := scanInstance(row)
	if err != nil {
		return domain.ExperimentInstance{}, handleNotFound(err)
	}
	return instance, nil
}

func (s *InstanceStore) List(ctx context.Context, filter repo.InstanceFilter) ([]domain.ExperimentInstance, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("instance store not initialized")
	}
	if strings.TrimSpace(filter.Caller) == "" {
		return nil, fmt.Errorf("caller is required")
	}

	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)

	args = append(args, strings.TrimSpace(filter.Caller))
	clauses = append(clauses, fmt.Sprintf("caller = $%d", len(args)))
	if strings.TrimSpace(filter.Namespace) != "" {
		args = append(args, strings.TrimSpace(filter.Namespace))
		clauses = append(clauses, fmt.Sprintf("namespace = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT ` + instanceColumns + ` FROM experiment_instances WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, instance_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *InstanceStore) ListNonTerminal(ctx context.Context, limit int) ([]domain.ExperimentInstance, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("instance store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+instanceColumns+` FROM experiment_instances
		 WHERE state IN ('pending','submitted')
		 ORDER BY created_at ASC, instance_id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *InstanceStore) UpdateState(ctx context.Context, id string, expectedRevision int64, change repo.StateChange) (domain.ExperimentInstance, error) {
	if s == nil || s.db == nil {
		return domain.ExperimentInstance{}, fmt.Errorf("instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ExperimentInstance{}, fmt.Errorf("instance id is required")
	}
	if expectedRevision < 1 {
		return domain.ExperimentInstance{}, fmt.Errorf("expected revision must be >= 1")
	}
	next := domain.NormalizeInstanceState(string(change.State))
	if next == "" {
		return domain.ExperimentInstance{}, fmt.Errorf("target state is invalid")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExperimentInstance{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Terminal rows never match: they are immutable history.
	row := tx.QueryRowContext(
		ctx,
		`UPDATE experiment_instances
		 SET state = $1,
		     state_reason = $2,
		     handle = COALESCE(handle, $3),
		     last_backend_phase = COALESCE($4, last_backend_phase),
		     revision = revision + 1,
		     updated_at = now()
		 WHERE instance_id = $5 AND revision = $6 AND state IN ('pending','submitted')
		 RETURNING `+instanceColumns,
		string(next),
		string(change.Reason),
		nullIfEmpty(change.Handle),
		nullIfEmpty(change.BackendPhase),
		id,
		expectedRevision,
	)
	updated, err := scanInstance(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.ExperimentInstance{}, fmt.Errorf("update instance: %w", err)
		}
		_ = tx.Rollback()
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return domain.ExperimentInstance{}, getErr
		}
		return domain.ExperimentInstance{}, repo.ErrConflict
	}

	if err := insertHistory(ctx, tx, domain.HistoryEntry{
		InstanceID:   updated.ID,
		Revision:     updated.Revision,
		State:        updated.State,
		Reason:       updated.StateReason,
		BackendPhase: change.BackendPhase,
		Message:      change.Message,
		OccurredAt:   updated.UpdatedAt,
	}); err != nil {
		return domain.ExperimentInstance{}, err
	}

	if next.IsTerminal() {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE submission_quotas
			 SET active_count = GREATEST(active_count - 1, 0), version = version + 1
			 WHERE caller = $1 AND namespace = $2`,
			updated.Caller,
			updated.Namespace,
		); err != nil {
			return domain.ExperimentInstance{}, fmt.Errorf("decrement quota: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.ExperimentInstance{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

func (s *InstanceStore) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT instance_id, revision, state, reason, COALESCE(backend_phase,''), COALESCE(message,''), occurred_at
		 FROM experiment_instance_history
		 WHERE instance_id = $1
		 ORDER BY revision ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var entry domain.HistoryEntry
		var state, reason string
		if err := rows.Scan(&entry.InstanceID, &entry.Revision, &state, &reason, &entry.BackendPhase, &entry.Message, &entry.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.State = domain.InstanceState(state)
		entry.Reason = domain.TransitionReason(reason)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

func (s *InstanceStore) ActiveCount(ctx context.Context, caller, namespace string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("instance store not initialized")
	}
	var active int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT active_count FROM submission_quotas WHERE caller = $1 AND namespace = $2`,
		strings.TrimSpace(caller),
		strings.TrimSpace(namespace),
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota row: %w", err)
	}
	return active, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (domain.ExperimentInstance, error) {
	var instance domain.ExperimentInstance
	var templateVersion sql.NullString
	var paramsJSON, specJSON []byte
	var state, reason string
	if err := row.Scan(
		&instance.ID,
		&instance.Caller,
		&instance.Namespace,
		&instance.TemplateID,
		&templateVersion,
		&instance.IdempotencyKey,
		&paramsJSON,
		&specJSON,
		&state,
		&reason,
		&instance.Handle,
		&instance.LastBackendPhase,
		&instance.Revision,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	); err != nil {
		return domain.ExperimentInstance{}, err
	}
	if templateVersion.Valid {
		instance.TemplateVersion = templateVersion.String
	}
	instance.State = domain.InstanceState(state)
	instance.StateReason = domain.TransitionReason(reason)
	params, err := decodeStringMap(paramsJSON)
	if err != nil {
		return domain.ExperimentInstance{}, fmt.Errorf("decode parameters: %w", err)
	}
	instance.Parameters = params
	spec, err := decodeSpec(specJSON)
	if err != nil {
		return domain.ExperimentInstance{}, fmt.Errorf("decode spec: %w", err)
	}
	instance.Spec = spec
	return instance, nil
}

func scanInstances(rows *sql.Rows) ([]domain.ExperimentInstance, error) {
	instances := make([]domain.ExperimentInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, entry domain.HistoryEntry) error {
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO experiment_instance_history (
			instance_id, revision, state, reason, backend_phase, message, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.InstanceID,
		entry.Revision,
		string(entry.State),
		string(entry.Reason),
		nullIfEmpty(entry.BackendPhase),
		nullIfEmpty(entry.Message),
		normalizeTime(entry.OccurredAt),
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}
