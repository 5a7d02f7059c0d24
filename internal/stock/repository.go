package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Schema is the DDL for the stock tables. EnsureSchema applies it at
// startup; all statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS trays (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT trays_tenant_name_key UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS stocks (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	stock_id TEXT NOT NULL,
	genotype TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL DEFAULT 'internal',
	repository TEXT NOT NULL DEFAULT '',
	repository_stock_id TEXT NOT NULL DEFAULT '',
	external_source TEXT NOT NULL DEFAULT '',
	original_genotype TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	tray_id UUID REFERENCES trays(id),
	position TEXT NOT NULL DEFAULT '',
	external_metadata JSONB NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	modified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT stocks_tenant_stock_id_key UNIQUE (tenant_id, stock_id)
);

CREATE INDEX IF NOT EXISTS stocks_tenant_active_idx ON stocks (tenant_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS tags (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	CONSTRAINT tags_tenant_name_key UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS stock_tags (
	stock_id UUID NOT NULL REFERENCES stocks(id) ON DELETE CASCADE,
	tag_id UUID NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (stock_id, tag_id)
);

CREATE TABLE IF NOT EXISTS import_counters (
	tenant_id TEXT PRIMARY KEY,
	next_value BIGINT NOT NULL DEFAULT 0
);
`

// Repository persists stocks in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a stock repository backed by the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the stock tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure stock schema: %w", err)
	}
	return nil
}

// Create inserts one stock and its tags in a single transaction.
// When params carry no stock ID, the next generated ID for the tenant
// is assigned. A per-tenant duplicate stock ID maps to ErrDuplicateStockID.
func (r *Repository) Create(ctx context.Context, p CreateParams) (*Stock, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	stockID := strings.TrimSpace(p.StockID)
	if stockID == "" {
		stockID, err = nextStockID(ctx, tx, p.TenantID)
		if err != nil {
			return nil, err
		}
	}

	origin := p.Origin
	if origin == "" {
		origin = OriginInternal
	}
	meta := p.ExternalMetadata
	if meta == nil {
		meta = map[string]string{}
	}

	var trayID *uuid.UUID
	if p.Tray != "" && p.AutoCreateTray {
		id, err := upsertTray(ctx, tx, p.TenantID, p.Tray)
		if err != nil {
			return nil, err
		}
		trayID = &id
	}

	st := &Stock{
		ID:                uuid.New().String(),
		TenantID:          p.TenantID,
		StockID:           stockID,
		Genotype:          p.Genotype,
		Origin:            origin,
		Repository:        p.Repository,
		RepositoryStockID: p.RepositoryStockID,
		ExternalSource:    p.ExternalSource,
		OriginalGenotype:  p.OriginalGenotype,
		Notes:             p.Notes,
		Tags:              p.Tags,
		Tray:              p.Tray,
		Position:          p.Position,
		ExternalMetadata:  meta,
		IsActive:          true,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO stocks (id, tenant_id, stock_id, genotype, origin, repository,
			repository_stock_id, external_source, original_genotype, notes,
			tray_id, position, external_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, modified_at`,
		st.ID, st.TenantID, st.StockID, st.Genotype, st.Origin, st.Repository,
		st.RepositoryStockID, st.ExternalSource, st.OriginalGenotype, st.Notes,
		trayID, st.Position, meta,
	).Scan(&st.CreatedAt, &st.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, wrapDuplicate(st.StockID)
		}
		return nil, fmt.Errorf("insert stock: %w", err)
	}

	for _, tag := range p.Tags {
		if err := attachTag(ctx, tx, p.TenantID, st.ID, tag); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return st, nil
}

// ExistingStockIDs returns the set of active stock IDs for a tenant.
func (r *Repository) ExistingStockIDs(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT stock_id FROM stocks WHERE tenant_id = $1 AND is_active`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query stock ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stock id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// nextStockID reserves the next generated import ID for the tenant.
func nextStockID(ctx context.Context, tx DBTX, tenantID string) (string, error) {
	var n int64
	err := tx.QueryRow(ctx, `
		INSERT INTO import_counters (tenant_id, next_value) VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET next_value = import_counters.next_value + 1
		RETURNING next_value`, tenantID).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("reserve stock id: %w", err)
	}
	return fmt.Sprintf("IMP-%04d", n), nil
}

// upsertTray returns the ID of the named tray, creating it if needed.
func upsertTray(ctx context.Context, tx DBTX, tenantID, name string) (uuid.UUID, error) {
	id := uuid.New()
	err := tx.QueryRow(ctx, `
		INSERT INTO trays (id, tenant_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, id, tenantID, name).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert tray %q: %w", name, err)
	}
	return id, nil
}

// attachTag links a named tag to a stock, creating the tag if needed.
func attachTag(ctx context.Context, tx DBTX, tenantID, stockRowID, name string) error {
	tagID := uuid.New()
	err := tx.QueryRow(ctx, `
		INSERT INTO tags (id, tenant_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, tagID, tenantID, name).Scan(&tagID)
	if err != nil {
		return fmt.Errorf("upsert tag %q: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_tags (stock_id, tag_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, stockRowID, tagID); err != nil {
		return fmt.Errorf("attach tag %q: %w", name, err)
	}
	return nil
}

// wrapDuplicate builds the user-facing duplicate error for a stock ID.
func wrapDuplicate(stockID string) error {
	return fmt.Errorf("stock ID %q %w", stockID, ErrDuplicateStockID)
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
