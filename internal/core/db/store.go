package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/consultant-1379/sc-envoy-sub001/internal/engine"
)

var _ engine.EventSink = (*Store)(nil)

// KvtEntry is one row of a key-value table.
type KvtEntry struct {
	Table     string    `db:"table_name"`
	Key       string    `db:"entry_key"`
	Value     string    `db:"entry_value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// EventRecord is a stored screening event.
type EventRecord struct {
	ID         string    `db:"event_id"`
	MessageID  string    `db:"message_id"`
	Type       string    `db:"event_type"`
	Category   string    `db:"category"`
	Severity   string    `db:"severity"`
	Action     string    `db:"action"`
	FilterCase string    `db:"filter_case"`
	Network    string    `db:"network"`
	Message    string    `db:"message"`
	CreatedAt  time.Time `db:"created_at"`
}

// Store reads key-value tables and records screening events.
type Store struct {
	db *sqlx.DB
	q  *Queries
}

// NewStore wraps an open database.
func NewStore(db *sqlx.DB, q *Queries) *Store {
	return &Store{db: db, q: q}
}

// LoadTables returns all key-value tables, keyed by table then entry key.
func (s *Store) LoadTables(ctx context.Context) (map[string]map[string]string, error) {
	var rows []KvtEntry
	if err := s.q.Select(ctx, s.db, "list-kvt-entries", &rows); err != nil {
		return nil, fmt.Errorf("failed to load kvt entries: %w", err)
	}
	tables := make(map[string]map[string]string)
	for _, r := range rows {
		t, ok := tables[r.Table]
		if !ok {
			t = make(map[string]string)
			tables[r.Table] = t
		}
		t[r.Key] = r.Value
	}
	return tables, nil
}

// ListEntries returns the entries of one table, or of all tables when table
// is empty.
func (s *Store) ListEntries(ctx context.Context, table string) ([]KvtEntry, error) {
	var rows []KvtEntry
	var err error
	if table == "" {
		err = s.q.Select(ctx, s.db, "list-kvt-entries", &rows)
	} else {
		err = s.q.Select(ctx, s.db, "list-kvt-table", &rows, table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list kvt entries: %w", err)
	}
	return rows, nil
}

// PutEntry inserts or replaces one entry.
func (s *Store) PutEntry(ctx context.Context, table, key, value string) error {
	if table == "" || key == "" {
		return fmt.Errorf("kvt entry needs a table and a key")
	}
	if _, err := s.q.Exec(ctx, s.db, "upsert-kvt-entry", table, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store kvt entry %s/%s: %w", table, key, err)
	}
	return nil
}

// DeleteEntry removes one entry. Deleting an absent entry is not an error.
func (s *Store) DeleteEntry(ctx context.Context, table, key string) error {
	if _, err := s.q.Exec(ctx, s.db, "delete-kvt-entry", table, key); err != nil {
		return fmt.Errorf("failed to delete kvt entry %s/%s: %w", table, key, err)
	}
	return nil
}

// ReportEvent stores a screening event.
func (s *Store) ReportEvent(ctx context.Context, ev engine.Event) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate event id: %w", err)
	}
	_, err = s.q.Exec(ctx, s.db, "insert-screening-event",
		id.String(),
		string(ev.MessageID),
		ev.Type.String(),
		ev.Category.String(),
		ev.Severity.String(),
		ev.Action.String(),
		ev.FilterCase,
		ev.Network,
		ev.Text,
		ev.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// Events returns the events stored for one message.
func (s *Store) Events(ctx context.Context, messageID string) ([]EventRecord, error) {
	var rows []EventRecord
	if err := s.q.Select(ctx, s.db, "list-screening-events", &rows, messageID); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return rows, nil
}

// PruneEvents deletes events older than before and returns their count.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q.Exec(ctx, s.db, "delete-screening-events-before", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
