package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteMigrations is applied in order; the 1-based index is the schema
// version recorded in schema_migrations.
var sqliteMigrations = [][]string{
	{
		`CREATE TABLE fallback_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			tenant_id TEXT NOT NULL,
			invoice_id TEXT NOT NULL DEFAULT '',
			recipient TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			html TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			failures TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_fallback_log_tenant ON fallback_log(tenant_id, seq)`,
		`CREATE TABLE sync_links (
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			billing_id TEXT NOT NULL,
			crm_id TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, kind, billing_id)
		)`,
		`CREATE TABLE processed_events (
			tenant_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			processed_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, event_id)
		)`,
		`CREATE INDEX idx_processed_events_at ON processed_events(processed_at)`,
	},
}

type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn with WAL, foreign keys and a busy
// timeout, then applies pending migrations.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for i, stmts := range sqliteMigrations {
		version := i + 1

		var exists int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) AppendFallback(ctx context.Context, entry FallbackEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	failures, err := json.Marshal(nonNilStrings(entry.Failures))
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO fallback_log
		(id, tenant_id, invoice_id, recipient, subject, html, text, failures, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.InvoiceID, entry.Recipient, entry.Subject,
		entry.HTML, entry.Text, string(failures), entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert fallback entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ListFallback(ctx context.Context, tenantID string, limit int) ([]FallbackEntry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, tenant_id, invoice_id, recipient, subject, html, text, failures, created_at
		FROM fallback_log WHERE tenant_id = ? ORDER BY seq DESC LIMIT ?`, tenantID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list fallback entries: %w", err)
	}
	defer rows.Close()

	out := []FallbackEntry{}
	for rows.Next() {
		var (
			entry     FallbackEntry
			failures  string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.InvoiceID, &entry.Recipient,
			&entry.Subject, &entry.HTML, &entry.Text, &failures, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(failures), &entry.Failures); err != nil {
			return nil, fmt.Errorf("decode failures for %s: %w", entry.ID, err)
		}
		if len(entry.Failures) == 0 {
			entry.Failures = nil
		}
		entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("decode created_at for %s: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) GetLink(ctx context.Context, tenantID, kind, billingID string) (string, error) {
	var crmID string
	err := b.db.QueryRowContext(ctx,
		"SELECT crm_id FROM sync_links WHERE tenant_id = ? AND kind = ? AND billing_id = ?",
		tenantID, kind, billingID,
	).Scan(&crmID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get link: %w", err)
	}
	return crmID, nil
}

func (b *SQLiteBackend) PutLink(ctx context.Context, link Link) error {
	if err := validateLink(link); err != nil {
		return err
	}
	if link.UpdatedAt.IsZero() {
		link.UpdatedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, `INSERT INTO sync_links (tenant_id, kind, billing_id, crm_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, kind, billing_id) DO UPDATE SET crm_id = excluded.crm_id, updated_at = excluded.updated_at`,
		link.TenantID, link.Kind, link.BillingID, link.CRMID, link.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put link: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Seen(ctx context.Context, tenantID, eventID string) (bool, error) {
	var count int
	if err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_events WHERE tenant_id = ? AND event_id = ?",
		tenantID, eventID,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return count > 0, nil
}

func (b *SQLiteBackend) MarkProcessed(ctx context.Context, tenantID, eventID string, at time.Time) error {
	if eventID == "" {
		return ErrInvalidInput
	}
	_, err := b.db.ExecContext(ctx, `INSERT INTO processed_events (tenant_id, event_id, processed_at) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, event_id) DO UPDATE SET processed_at = excluded.processed_at`,
		tenantID, eventID, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("mark event: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, "DELETE FROM processed_events WHERE processed_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
