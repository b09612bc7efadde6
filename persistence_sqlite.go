package agenda

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eljojo/agenda/types"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrPersistenceClosed is returned after Close.
var ErrPersistenceClosed = errors.New("persistence closed")

// SQLitePersistence stores raw events in a SQLite file.
// The path may be ":memory:" for tests.
type SQLitePersistence struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLitePersistence, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logrus.Debugf("💾 opened %s", path)
	return &SQLitePersistence{db: db}, nil
}

// Close closes the database.
func (p *SQLitePersistence) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Save upserts the event and adds any relays not stored yet.
func (p *SQLitePersistence) Save(ctx context.Context, event types.Event, relays []string) error {
	if p.db == nil {
		return ErrPersistenceClosed
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.ID, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, pubkey, kind, created_at, raw)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, event.ID, event.PubKey, int(event.Kind), event.CreatedAt, string(raw)); err != nil {
		return fmt.Errorf("save event %s: %w", event.ID, err)
	}
	for _, relay := range relays {
		if relay == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_relays (event_id, relay) VALUES (?, ?)
		`, event.ID, relay); err != nil {
			return fmt.Errorf("save relay for %s: %w", event.ID, err)
		}
	}
	return tx.Commit()
}

// Delete removes the event and its relay rows.
func (p *SQLitePersistence) Delete(ctx context.Context, id string) error {
	if p.db == nil {
		return ErrPersistenceClosed
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_relays WHERE event_id = ?`, id); err != nil {
		return fmt.Errorf("delete relays for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return tx.Commit()
}

// LoadAll returns every stored event with its relays, oldest first.
func (p *SQLitePersistence) LoadAll(ctx context.Context) ([]PersistedEvent, error) {
	if p.db == nil {
		return nil, ErrPersistenceClosed
	}

	relays := make(map[string][]string)
	rows, err := p.db.QueryContext(ctx, `SELECT event_id, relay FROM event_relays ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("load relays: %w", err)
	}
	for rows.Next() {
		var id, relay string
		if err := rows.Scan(&id, &relay); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		relays[id] = append(relays[id], relay)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relays: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, `SELECT id, raw FROM events ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []PersistedEvent
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var event types.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			logrus.Warnf("💾 skipping unreadable row %s: %v", types.ShortID(id), err)
			continue
		}
		out = append(out, PersistedEvent{Event: event, Relays: relays[id]})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
