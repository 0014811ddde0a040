package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// sqliteTime keeps a fixed width so created_at sorts as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteRepository stores flows in SQLite with the node graph in JSON text columns.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an open database; see db.OpenSQLite.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// InitSchema creates the flows table and its indexes.
func (r *SQLiteRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS flows (
			id            TEXT NOT NULL,
			tenant_id     TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			business_type TEXT NOT NULL DEFAULT '',
			is_active     INTEGER NOT NULL DEFAULT 0,
			is_template   INTEGER NOT NULL DEFAULT 0,
			version       INTEGER NOT NULL DEFAULT 1,
			entry_node_id TEXT NOT NULL DEFAULT '',
			variables     TEXT NOT NULL DEFAULT '[]',
			nodes         TEXT NOT NULL DEFAULT '[]',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS flows_active_tenant_idx ON flows (tenant_id) WHERE is_active = 1;
	`)
	if err != nil {
		return fmt.Errorf("init flow schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteFlow(row rowScanner) (*Flow, error) {
	var (
		f                    Flow
		varsJSON, nodesJSON  string
		createdAt, updatedAt string
	)
	err := row.Scan(&f.ID, &f.TenantID, &f.Name, &f.Description, &f.BusinessType, &f.IsActive,
		&f.IsTemplate, &f.Version, &f.EntryNodeID, &varsJSON, &nodesJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(varsJSON), &f.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := json.Unmarshal([]byte(nodesJSON), &f.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if f.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if f.UpdatedAt, err = time.Parse(sqliteTime, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &f, nil
}

// Get retrieves a tenant's flow by ID. Returns nil, nil if not found.
func (r *SQLiteRepository) Get(ctx context.Context, tenantID, id string) (*Flow, error) {
	f, err := scanSQLiteFlow(r.db.QueryRowContext(ctx, selectFlow+` WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return f, nil
}

// GetActive retrieves the tenant's active flow. Returns nil, nil if none is active.
func (r *SQLiteRepository) GetActive(ctx context.Context, tenantID string) (*Flow, error) {
	f, err := scanSQLiteFlow(r.db.QueryRowContext(ctx, selectFlow+` WHERE tenant_id = ? AND is_active = 1`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active flow: %w", err)
	}
	return f, nil
}

// List returns every flow owned by the tenant, newest first.
func (r *SQLiteRepository) List(ctx context.Context, tenantID string) ([]Flow, error) {
	rows, err := r.db.QueryContext(ctx, selectFlow+` WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	flows := []Flow{}
	for rows.Next() {
		f, err := scanSQLiteFlow(rows)
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
func (r *SQLiteRepository) Create(ctx context.Context, f *Flow) error {
	varsJSON, nodesJSON, err := marshalGraph(f)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO flows (id, tenant_id, name, description, business_type, is_active, is_template,
		                   version, entry_node_id, variables, nodes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`, f.ID, f.TenantID, f.Name, f.Description, f.BusinessType, f.IsActive, f.IsTemplate,
		f.EntryNodeID, string(varsJSON), string(nodesJSON), now.Format(sqliteTime), now.Format(sqliteTime))
	if err != nil {
		return fmt.Errorf("create flow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create flow: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	f.Version = 1
	f.CreatedAt, f.UpdatedAt = now, now
	return nil
}

// Update replaces a flow's definition when f.Version matches the stored version,
// then bumps the version.
func (r *SQLiteRepository) Update(ctx context.Context, f *Flow) error {
	varsJSON, nodesJSON, err := marshalGraph(f)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE flows
		SET name = ?, description = ?, business_type = ?, is_template = ?,
		    entry_node_id = ?, variables = ?, nodes = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`, f.Name, f.Description, f.BusinessType, f.IsTemplate, f.EntryNodeID,
		string(varsJSON), string(nodesJSON), now.Format(sqliteTime), f.TenantID, f.ID, f.Version)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if n == 0 {
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
func (r *SQLiteRepository) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM flows WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips a flow's active flag. Activating a flow deactivates the tenant's other flows
// in the same transaction.
func (r *SQLiteRepository) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set active: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(sqliteTime)
	if active {
		if _, err := tx.ExecContext(ctx, `
			UPDATE flows SET is_active = 0, updated_at = ?
			WHERE tenant_id = ? AND is_active = 1 AND id <> ?
		`, now, tenantID, id); err != nil {
			return fmt.Errorf("deactivate flows: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE flows SET is_active = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`, active, now, tenantID, id)
	if err != nil {
		return fmt.Errorf("set flow active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set flow active: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set active: %w", err)
	}
	return nil
}
