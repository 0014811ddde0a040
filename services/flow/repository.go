package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned by mutating operations on a flow that does not exist.
	ErrNotFound = errors.New("flow not found")

	// ErrVersionConflict is returned when an update carries a stale version.
	ErrVersionConflict = errors.New("flow was modified concurrently")

	// ErrAlreadyExists is returned by Create when the tenant already has a flow with the same id.
	ErrAlreadyExists = errors.New("flow already exists")
)

// Repository persists flows. Get and GetActive return nil, nil when nothing matches.
type Repository interface {
	Get(ctx context.Context, tenantID, id string) (*Flow, error)
	GetActive(ctx context.Context, tenantID string) (*Flow, error)
	List(ctx context.Context, tenantID string) ([]Flow, error)
	Create(ctx context.Context, f *Flow) error
	Update(ctx context.Context, f *Flow) error
	Delete(ctx context.Context, tenantID, id string) error
	SetActive(ctx context.Context, tenantID, id string, active bool) error
}

// PostgresRepository stores flows in PostgreSQL with the node graph in JSONB columns.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a repository backed by the given connection pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

// InitSchema creates the flows table if it does not exist.
func (r *PostgresRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flows (
			id            UUID PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			business_type TEXT NOT NULL DEFAULT '',
			is_active     BOOLEAN NOT NULL DEFAULT FALSE,
			is_template   BOOLEAN NOT NULL DEFAULT FALSE,
			version       INTEGER NOT NULL DEFAULT 1,
			entry_node_id TEXT NOT NULL DEFAULT '',
			variables     JSONB NOT NULL DEFAULT '[]',
			nodes         JSONB NOT NULL DEFAULT '[]',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS flows_tenant_idx ON flows (tenant_id);
		CREATE UNIQUE INDEX IF NOT EXISTS flows_active_tenant_idx ON flows (tenant_id) WHERE is_active;
	`)
	if err != nil {
		return fmt.Errorf("init flow schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

const selectFlow = `
	SELECT id, tenant_id, name, description, business_type, is_active, is_template,
	       version, entry_node_id, variables, nodes, created_at, updated_at
	FROM flows`

func scanFlow(row pgx.Row) (*Flow, error) {
	var f Flow
	var varsJSON, nodesJSON []byte
	err := row.Scan(&f.ID, &f.TenantID, &f.Name, &f.Description, &f.BusinessType, &f.IsActive,
		&f.IsTemplate, &f.Version, &f.EntryNodeID, &varsJSON, &nodesJSON, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(varsJSON, &f.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := json.Unmarshal(nodesJSON, &f.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	return &f, nil
}

// Get retrieves a tenant's flow by ID. Returns nil, nil if not found.
func (r *PostgresRepository) Get(ctx context.Context, tenantID, id string) (*Flow, error) {
	f, err := scanFlow(r.db.QueryRow(ctx, selectFlow+` WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return f, nil
}

// GetActive retrieves the tenant's active flow. Returns nil, nil if none is active.
func (r *PostgresRepository) GetActive(ctx context.Context, tenantID string) (*Flow, error) {
	f, err := scanFlow(r.db.QueryRow(ctx, selectFlow+` WHERE tenant_id = $1 AND is_active`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active flow: %w", err)
	}
	return f, nil
}

// List returns every flow owned by the tenant, newest first.
func (r *PostgresRepository) List(ctx context.Context, tenantID string) ([]Flow, error) {
	rows, err := r.db.Query(ctx, selectFlow+` WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	flows := []Flow{}
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	return flows, nil
}

// Create inserts a new flow at version 1.
func (r *PostgresRepository) Create(ctx context.Context, f *Flow) error {
	varsJSON, nodesJSON, err := marshalGraph(f)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	f.Version = 1
	f.CreatedAt, f.UpdatedAt = now, now

	_, err = r.db.Exec(ctx, `
		INSERT INTO flows (id, tenant_id, name, description, business_type, is_active, is_template,
		                   version, entry_node_id, variables, nodes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, f.ID, f.TenantID, f.Name, f.Description, f.BusinessType, f.IsActive, f.IsTemplate,
		f.Version, f.EntryNodeID, varsJSON, nodesJSON, f.CreatedAt, f.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create flow: %w", err)
	}
	return nil
}

// Update replaces a flow's definition when f.Version matches the stored version,
// then bumps the version.
func (r *PostgresRepository) Update(ctx context.Context, f *Flow) error {
	varsJSON, nodesJSON, err := marshalGraph(f)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := r.db.Exec(ctx, `
		UPDATE flows
		SET name = $3, description = $4, business_type = $5, is_template = $6,
		    entry_node_id = $7, variables = $8, nodes = $9, version = version + 1, updated_at = $10
		WHERE tenant_id = $1 AND id = $2 AND version = $11
	`, f.TenantID, f.ID, f.Name, f.Description, f.BusinessType, f.IsTemplate,
		f.EntryNodeID, varsJSON, nodesJSON, now, f.Version)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.Get(ctx, f.TenantID, f.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	f.Version++
	f.UpdatedAt = now
	return nil
}

// Delete removes a flow.
func (r *PostgresRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM flows WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips a flow's active flag. Activating a flow deactivates the tenant's other flows
// in the same transaction.
func (r *PostgresRepository) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set active: %w", err)
	}
	defer tx.Rollback(ctx)

	if active {
		if _, err := tx.Exec(ctx, `
			UPDATE flows SET is_active = FALSE, updated_at = NOW()
			WHERE tenant_id = $1 AND is_active AND id <> $2
		`, tenantID, id); err != nil {
			return fmt.Errorf("deactivate flows: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE flows SET is_active = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, active)
	if err != nil {
		return fmt.Errorf("set flow active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit set active: %w", err)
	}
	return nil
}

func marshalGraph(f *Flow) (varsJSON, nodesJSON []byte, err error) {
	vars := f.Variables
	if vars == nil {
		vars = []Variable{}
	}
	nodes := f.Nodes
	if nodes == nil {
		nodes = []Node{}
	}
	if varsJSON, err = json.Marshal(vars); err != nil {
		return nil, nil, fmt.Errorf("marshal variables: %w", err)
	}
	if nodesJSON, err = json.Marshal(nodes); err != nil {
		return nil, nil, fmt.Errorf("marshal nodes: %w", err)
	}
	return varsJSON, nodesJSON, nil
}
