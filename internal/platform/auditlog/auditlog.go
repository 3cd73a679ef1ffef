// Package auditlog appends tamper-evident run lifecycle events to SQL storage.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/esmda-go/internal/platform/auth"
	"github.com/animus-labs/esmda-go/internal/platform/sqldb"
)

type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Payload      any
}

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("ResourceType is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("ResourceID is required")
	}
	return nil
}

// EnsureSchema creates the events table when it does not exist.
func EnsureSchema(ctx context.Context, db DB, dialect sqldb.Dialect) error {
	idColumn := "event_id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == sqldb.Postgres {
		idColumn = "event_id BIGSERIAL PRIMARY KEY"
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_events (
		%s,
		occurred_at TIMESTAMP NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		payload %s NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`, idColumn, dialect.JSONType())
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create audit_events: %w", err)
	}
	return nil
}

const insertEventQuery = `INSERT INTO audit_events (
	occurred_at,
	actor,
	action,
	resource_type,
	resource_id,
	payload,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING event_id`

func Insert(ctx context.Context, db DB, dialect sqldb.Dialect, event Event) (int64, error) {
	if db == nil {
		return 0, errors.New("db is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = db.QueryRowContext(
		ctx,
		dialect.Rebind(insertEventQuery),
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.ResourceType),
		strings.TrimSpace(event.ResourceID),
		string(payloadJSON),
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		Payload      json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		Payload:      payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Recorder writes ensemble run events.
type Recorder struct {
	DB      DB
	Dialect sqldb.Dialect
	Actor   string
	Now     func() time.Time
}

func (r *Recorder) RecordEvent(ctx context.Context, action, runID string, payload map[string]any) error {
	if r == nil || r.DB == nil {
		return errors.New("audit recorder is not configured")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	actor := strings.TrimSpace(r.Actor)
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.Subject != "" {
		actor = identity.Subject
	}
	if actor == "" {
		actor = "esmda"
	}
	_, err := Insert(ctx, r.DB, r.Dialect, Event{
		OccurredAt:   now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "ensemble_run",
		ResourceID:   runID,
		Payload:      payload,
	})
	return err
}
