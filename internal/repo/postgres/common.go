package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/helix-labs/helix-go/internal/domain"
	"github.com/helix-labs/helix-go/internal/repo"
)

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeStringMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func decodeStringMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeSpec(spec domain.ConcreteSpec) ([]byte, error) {
	return json.Marshal(spec)
}

func decodeSpec(raw []byte) (domain.ConcreteSpec, error) {
	var spec domain.ConcreteSpec
	if len(raw) == 0 {
		return spec, nil
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return domain.ConcreteSpec{}, err
	}
	return spec, nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
