package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

// ManifestRepository stores the source manifest in Postgres so several
// indexer processes sharing one vector directory agree on what is indexed.
type ManifestRepository struct {
	db *sql.DB
}

func NewManifestRepository(db *sql.DB) *ManifestRepository {
	return &ManifestRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *ManifestRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across indexer/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS source_manifest (
	source TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	entries INTEGER NOT NULL DEFAULT 0,
	origin TEXT NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_source_manifest_origin ON source_manifest(origin);

CREATE TABLE IF NOT EXISTS index_meta (
	id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	model TEXT NOT NULL DEFAULT '',
	dimension INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *ManifestRepository) Load(ctx context.Context) (domain.Manifest, error) {
	manifest := domain.NewManifest()

	row := r.db.QueryRowContext(ctx, `SELECT model, dimension FROM index_meta WHERE id = 1`)
	if err := row.Scan(&manifest.Model, &manifest.Dimension); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Manifest{}, fmt.Errorf("scan index meta: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT source, fingerprint, entries, origin, indexed_at
FROM source_manifest
`)
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("query source manifest: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source, origin string
		var entry domain.ManifestEntry
		if err := rows.Scan(&source, &entry.Fingerprint, &entry.Entries, &origin, &entry.IndexedAt); err != nil {
			return domain.Manifest{}, fmt.Errorf("scan source manifest: %w", err)
		}
		entry.Origin = domain.Origin(origin)
		manifest.Sources[source] = entry
	}
	if err := rows.Err(); err != nil {
		return domain.Manifest{}, fmt.Errorf("iterate source manifest: %w", err)
	}
	return manifest, nil
}

// Save replaces the stored manifest in one transaction.
func (r *ManifestRepository) Save(ctx context.Context, manifest domain.Manifest) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin manifest tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_manifest`); err != nil {
		return fmt.Errorf("clear source manifest: %w", err)
	}

	sources := make([]string, 0, len(manifest.Sources))
	for source := range manifest.Sources {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		entry := manifest.Sources[source]
		if _, err := tx.ExecContext(ctx, `
INSERT INTO source_manifest (source, fingerprint, entries, origin, indexed_at)
VALUES ($1,$2,$3,$4,$5)
`, source, entry.Fingerprint, entry.Entries, string(entry.Origin), entry.IndexedAt); err != nil {
			return fmt.Errorf("insert source manifest %s: %w", source, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO index_meta (id, model, dimension, updated_at)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET model = EXCLUDED.model, dimension = EXCLUDED.dimension, updated_at = EXCLUDED.updated_at
`, manifest.Model, manifest.Dimension, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert index meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit manifest tx: %w", err)
	}
	return nil
}
