package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/orgmail-gateway/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every pooled connection to :memory: would get its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// RecordSentMail appends an entry to the outbound audit log.
// If the record has no ID, a new UUID is generated.
func (s *SQLiteStore) RecordSentMail(ctx context.Context, rec model.SentMailRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = "sent"
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	rec.SentAt = rec.SentAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sent_mail_log (
			id, transport, from_name, reply_to, recipients, subject,
			attachment_count, attachment_bytes, status, sent_at
		) VALUES (
			:id, :transport, :from_name, :reply_to, :recipients, :subject,
			:attachment_count, :attachment_bytes, :status, :sent_at
		)`, rec)
	if err != nil {
		return fmt.Errorf("recording sent mail %s: %w", rec.ID, err)
	}
	return nil
}

// ListSentMail returns audit log entries, newest first.
func (s *SQLiteStore) ListSentMail(
	ctx context.Context,
	filter SentMailFilter,
) ([]model.SentMailRecord, error) {
	query := "SELECT * FROM sent_mail_log"
	var args []interface{}

	if filter.ReplyTo != nil && *filter.ReplyTo != "" {
		query += " WHERE reply_to = ? COLLATE NOCASE"
		args = append(args, *filter.ReplyTo)
	}

	query += " ORDER BY sent_at DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	records := []model.SentMailRecord{}
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("querying sent mail: %w", err)
	}
	return records, nil
}
