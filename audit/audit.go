// Package audit persists an append-only trail of registry mutations and
// provisioning events in a local sqlite database. Events are only ever
// inserted; nothing in the schema or the API updates or deletes them.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Actions recorded by the provisioning service. Handlers share this
// vocabulary so the trail stays queryable by action.
const (
	ActionDeploymentCreate = "deployment.create"
	ActionIdentityAllow    = "identity.allow"
	ActionIdentityRevoke   = "identity.revoke"
	ActionComponentAdd     = "component.add"
	ActionComponentRemove  = "component.remove"
	ActionComponentReplace = "component.replace"
	ActionArtifactUpload   = "artifact.upload"
	ActionBackendAdd       = "backend.add"
	ActionBackendRemove    = "backend.remove"
	ActionGateSet          = "gate.set"
	ActionAdminKeyAdd      = "adminkey.add"
	ActionDeviceRegister   = "device.register"
)

// DefaultRecentLimit caps Recent queries that pass a non-positive limit.
const DefaultRecentLimit = 100

// Event is one audit trail entry.
type Event struct {
	// ID uniquely identifies the event. Record fills a zero ID.
	ID uuid.UUID
	// Time is when the event happened. Record fills a zero Time.
	Time time.Time
	// Deployment is the deployment the event concerns, in hex form.
	Deployment string
	// Actor identifies who caused the event: an admin public key or a
	// device identity, hex encoded.
	Actor string
	// Action is one of the Action constants.
	Action string
	// Subject is what the action applied to: a component ID, an
	// identity, a content ID, a backend URI.
	Subject string
	// Detail carries free-form context.
	Detail string
}

// Log is a sqlite-backed audit trail.
type Log struct {
	db *sql.DB
}

// Open opens or creates the audit database at path, creating parent
// directories as needed.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// WAL keeps Recent readers unblocked while handlers append; the busy
	// timeout covers concurrent appends from server goroutines.
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure audit database: %w", err)
		}
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		time INTEGER NOT NULL,
		deployment TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_deployment ON events(deployment, seq);
	CREATE INDEX IF NOT EXISTS idx_events_action ON events(action);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends an event to the trail. A zero ID and Time are filled
// in; the action is required.
func (l *Log) Record(ctx context.Context, e Event) error {
	if e.Action == "" {
		return errors.New("audit event without action")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (id, time, deployment, actor, action, subject, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Time.UnixMicro(), e.Deployment, e.Actor, e.Action, e.Subject, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// Recent returns the latest events for a deployment, newest first. An
// empty deployment selects across all deployments. A non-positive limit
// falls back to DefaultRecentLimit.
func (l *Log) Recent(ctx context.Context, deployment string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	query := `SELECT id, time, deployment, actor, action, subject, detail FROM events WHERE deployment = ? ORDER BY seq DESC LIMIT ?`
	args := []any{deployment, limit}
	if deployment == "" {
		query = `SELECT id, time, deployment, actor, action, subject, detail FROM events ORDER BY seq DESC LIMIT ?`
		args = []any{limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var id string
		var us int64
		if err := rows.Scan(&id, &us, &e.Deployment, &e.Actor, &e.Action, &e.Subject, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("corrupt audit event id %q: %w", id, err)
		}
		e.Time = time.UnixMicro(us)
		events = append(events, e)
	}
	return events, rows.Err()
}
