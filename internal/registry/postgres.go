package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore persists the registry in Postgres for shared production
// deployments. Writes are single-row upserts, so per-hash single-writer
// semantics hold at the database.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS approved_agents (
	code_hash    TEXT PRIMARY KEY,
	image_tag    TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	risk_level   TEXT NOT NULL,
	capabilities JSONB NOT NULL DEFAULT '[]',
	metadata     JSONB NOT NULL DEFAULT '{}',
	approved_at  TIMESTAMPTZ NOT NULL
)`

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: connect postgres: %w", err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: ensure schema: %w", err)
	}
	return &PostgresStore{db: db, timeout: 10 * time.Second}, nil
}

// Close releases the connection pool.
func (ps *PostgresStore) Close() error { return ps.db.Close() }

type agentRow struct {
	Record
	CapabilitiesJSON []byte `db:"capabilities"`
	MetadataJSON     []byte `db:"metadata"`
}

func (row *agentRow) toRecord() (Record, error) {
	rec := row.Record
	if len(row.CapabilitiesJSON) > 0 {
		if err := json.Unmarshal(row.CapabilitiesJSON, &rec.Capabilities); err != nil {
			return rec, fmt.Errorf("registry: decode capabilities: %w", err)
		}
	}
	if len(row.MetadataJSON) > 0 {
		if err := json.Unmarshal(row.MetadataJSON, &rec.Metadata); err != nil {
			return rec, fmt.Errorf("registry: decode metadata: %w", err)
		}
	}
	return rec, nil
}

func (ps *PostgresStore) Get(ctx context.Context, codeHash string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, ps.timeout)
	defer cancel()

	var row agentRow
	query := `SELECT code_hash, image_tag, name, description, status, risk_level,
	                 capabilities, metadata, approved_at
	          FROM approved_agents WHERE code_hash = $1`
	if err := ps.db.GetContext(ctx, &row, query, codeHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get %s: %w", codeHash, err)
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (ps *PostgresStore) Put(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, ps.timeout)
	defer cancel()

	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("registry: marshal metadata: %w", err)
	}

	query := `
		INSERT INTO approved_agents
		(code_hash, image_tag, name, description, status, risk_level, capabilities, metadata, approved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code_hash) DO UPDATE SET
			image_tag = EXCLUDED.image_tag,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			risk_level = EXCLUDED.risk_level,
			capabilities = EXCLUDED.capabilities,
			metadata = EXCLUDED.metadata,
			approved_at = EXCLUDED.approved_at`

	if _, err := ps.db.ExecContext(ctx, query,
		rec.CodeHash, rec.ImageTag, rec.Name, rec.Description,
		rec.Status, rec.RiskLevel, caps, meta, rec.ApprovedAt); err != nil {
		return fmt.Errorf("registry: upsert %s: %w", rec.CodeHash, err)
	}
	return nil
}

func (ps *PostgresStore) UpdateStatus(ctx context.Context, codeHash string, status Status) error {
	ctx, cancel := context.WithTimeout(ctx, ps.timeout)
	defer cancel()

	res, err := ps.db.ExecContext(ctx,
		`UPDATE approved_agents SET status = $2 WHERE code_hash = $1`, codeHash, status)
	if err != nil {
		return fmt.Errorf("registry: update status %s: %w", codeHash, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) List(ctx context.Context) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, ps.timeout)
	defer cancel()

	var rows []agentRow
	query := `SELECT code_hash, image_tag, name, description, status, risk_level,
	                 capabilities, metadata, approved_at
	          FROM approved_agents ORDER BY name`
	if err := ps.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
