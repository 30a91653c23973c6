package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDefaultPrefix    = "billbridge"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend creates its tables lazily on first use.
type PostgresBackend struct {
	dsn    string
	prefix string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:    dsn,
		prefix: postgresDefaultPrefix,
		openDB: sql.Open,
	}, nil
}

func (b *PostgresBackend) fallbackTable() string { return postgresQuoteIdentifier(b.prefix + "_fallback_log") }
func (b *PostgresBackend) linksTable() string    { return postgresQuoteIdentifier(b.prefix + "_sync_links") }
func (b *PostgresBackend) eventsTable() string   { return postgresQuoteIdentifier(b.prefix + "_processed_events") }

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					id TEXT UNIQUE NOT NULL,
					tenant_id TEXT NOT NULL,
					invoice_id TEXT NOT NULL DEFAULT '',
					recipient TEXT NOT NULL DEFAULT '',
					subject TEXT NOT NULL DEFAULT '',
					html TEXT NOT NULL DEFAULT '',
					text TEXT NOT NULL DEFAULT '',
					failures TEXT NOT NULL DEFAULT '[]',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, b.fallbackTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					tenant_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					billing_id TEXT NOT NULL,
					crm_id TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, kind, billing_id)
				)`, b.linksTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					tenant_id TEXT NOT NULL,
					event_id TEXT NOT NULL,
					processed_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (tenant_id, event_id)
				)`, b.eventsTable()),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) AppendFallback(ctx context.Context, entry FallbackEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	failures, err := json.Marshal(nonNilStrings(entry.Failures))
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, invoice_id, recipient, subject, html, text, failures, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, b.fallbackTable())
	_, err = b.db.ExecContext(ctx, query,
		entry.ID, entry.TenantID, entry.InvoiceID, entry.Recipient, entry.Subject,
		entry.HTML, entry.Text, string(failures), entry.CreatedAt.UTC(),
	)
	return err
}

func (b *PostgresBackend) ListFallback(ctx context.Context, tenantID string, limit int) ([]FallbackEntry, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, tenant_id, invoice_id, recipient, subject, html, text, failures, created_at
		FROM %s WHERE tenant_id = $1 ORDER BY seq DESC LIMIT $2`, b.fallbackTable())
	rows, err := b.db.QueryContext(ctx, query, tenantID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []FallbackEntry{}
	for rows.Next() {
		var (
			entry    FallbackEntry
			failures string
		)
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.InvoiceID, &entry.Recipient,
			&entry.Subject, &entry.HTML, &entry.Text, &failures, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(failures), &entry.Failures); err != nil {
			return nil, err
		}
		if len(entry.Failures) == 0 {
			entry.Failures = nil
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) GetLink(ctx context.Context, tenantID, kind, billingID string) (string, error) {
	if err := b.ensureReady(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT crm_id FROM %s WHERE tenant_id = $1 AND kind = $2 AND billing_id = $3", b.linksTable())
	var crmID string
	err := b.db.QueryRowContext(ctx, query, tenantID, kind, billingID).Scan(&crmID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return crmID, nil
}

func (b *PostgresBackend) PutLink(ctx context.Context, link Link) error {
	if err := validateLink(link); err != nil {
		return err
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	if link.UpdatedAt.IsZero() {
		link.UpdatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, kind, billing_id, crm_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, kind, billing_id)
		DO UPDATE SET crm_id = EXCLUDED.crm_id, updated_at = EXCLUDED.updated_at`, b.linksTable())
	_, err := b.db.ExecContext(ctx, query, link.TenantID, link.Kind, link.BillingID, link.CRMID, link.UpdatedAt.UTC())
	return err
}

func (b *PostgresBackend) Seen(ctx context.Context, tenantID, eventID string) (bool, error) {
	if err := b.ensureReady(ctx); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND event_id = $2", b.eventsTable())
	var count int
	if err := b.db.QueryRowContext(ctx, query, tenantID, eventID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (b *PostgresBackend) MarkProcessed(ctx context.Context, tenantID, eventID string, at time.Time) error {
	if strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, event_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, event_id)
		DO UPDATE SET processed_at = EXCLUDED.processed_at`, b.eventsTable())
	_, err := b.db.ExecContext(ctx, query, tenantID, eventID, at.UTC())
	return err
}

func (b *PostgresBackend) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := b.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE processed_at < $1", b.eventsTable())
	res, err := b.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
