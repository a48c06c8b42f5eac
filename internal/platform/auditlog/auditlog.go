// Package auditlog writes security-relevant events to the audit_events
// table. Each row carries a SHA-256 over its canonical form so after-the-fact
// tampering is detectable.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Event is one audit record. Detail is marshalled to JSON and included in
// the integrity hash.
type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Detail       any
}

func (e Event) validate() error {
	switch {
	case e.OccurredAt.IsZero():
		return errors.New("OccurredAt is required")
	case strings.TrimSpace(e.Actor) == "":
		return errors.New("Actor is required")
	case strings.TrimSpace(e.Action) == "":
		return errors.New("Action is required")
	case strings.TrimSpace(e.ResourceType) == "":
		return errors.New("ResourceType is required")
	case strings.TrimSpace(e.ResourceID) == "":
		return errors.New("ResourceID is required")
	}
	return nil
}

// QueryRower is the slice of *sql.DB the recorder needs; tests substitute it.
type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Recorder binds audit writes to one database and originating service.
type Recorder struct {
	db      QueryRower
	service string
}

func NewRecorder(db QueryRower, service string) *Recorder {
	return &Recorder{db: db, service: service}
}

// Record validates, hashes and inserts the event, returning the row ID.
func (r *Recorder) Record(ctx context.Context, event Event) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("audit recorder is not configured")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.validate(); err != nil {
		return 0, err
	}

	detail := event.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return 0, fmt.Errorf("marshal detail: %w", err)
	}

	integrity, err := ComputeIntegritySHA256(r.service, event, detailJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.db.QueryRowContext(
		ctx,
		`INSERT INTO audit_events (
			occurred_at,
			service,
			actor,
			action,
			resource_type,
			resource_id,
			request_id,
			ip,
			user_agent,
			detail,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING event_id`,
		event.OccurredAt.UTC(),
		r.service,
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.ResourceType),
		strings.TrimSpace(event.ResourceID),
		nullString(event.RequestID),
		nullString(ipString(event.IP)),
		nullString(event.UserAgent),
		detailJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

// ComputeIntegritySHA256 hashes the canonical JSON form of the event. The
// same inputs always produce the same digest.
func ComputeIntegritySHA256(service string, event Event, detailJSON []byte) (string, error) {
	canonical := struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Service      string          `json:"service"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		IP           string          `json:"ip,omitempty"`
		UserAgent    string          `json:"user_agent,omitempty"`
		Detail       json.RawMessage `json:"detail"`
	}{
		OccurredAt:   event.OccurredAt.UTC(),
		Service:      service,
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		RequestID:    strings.TrimSpace(event.RequestID),
		IP:           ipString(event.IP),
		UserAgent:    strings.TrimSpace(event.UserAgent),
		Detail:       detailJSON,
	}

	blob, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	s := strings.TrimSpace(ip.String())
	if s == "<nil>" {
		return ""
	}
	return s
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
