package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps execution contexts in PostgreSQL. Completed contexts remain in
// the table with status "completed".
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// InitSchema creates the executions table and its indexes.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id               UUID PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			conversation_id  TEXT NOT NULL,
			channel_identity TEXT NOT NULL DEFAULT '',
			flow_id          TEXT NOT NULL,
			current_node_id  TEXT NOT NULL,
			status           TEXT NOT NULL,
			variables        JSONB NOT NULL DEFAULT '{}',
			session_data     JSONB NOT NULL DEFAULT '{}',
			history          JSONB NOT NULL DEFAULT '[]',
			version          INTEGER NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at     TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS executions_active_idx
			ON executions (tenant_id, conversation_id) WHERE status = 'active';
	`)
	if err != nil {
		return fmt.Errorf("init execution schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, conversationID string) (*ExecutionContext, error) {
	var (
		ec                     ExecutionContext
		vars, session, history []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, conversation_id, channel_identity, flow_id, current_node_id, status,
		       variables, session_data, history, version, created_at, updated_at, completed_at
		FROM executions
		WHERE tenant_id = $1 AND conversation_id = $2 AND status = 'active'
	`, tenantID, conversationID).Scan(&ec.ID, &ec.TenantID, &ec.ConversationID, &ec.ChannelIdentity,
		&ec.FlowID, &ec.CurrentNodeID, &ec.Status, &vars, &session, &history, &ec.Version,
		&ec.CreatedAt, &ec.UpdatedAt, &ec.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if err := decodeState(&ec, vars, session, history); err != nil {
		return nil, err
	}
	return &ec, nil
}

func (s *PostgresStore) Create(ctx context.Context, ec *ExecutionContext) error {
	vars, session, history, err := encodeState(ec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
		INSERT INTO executions (id, tenant_id, conversation_id, channel_identity, flow_id, current_node_id,
		                        status, variables, session_data, history, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $11)
		ON CONFLICT (tenant_id, conversation_id) WHERE status = 'active' DO NOTHING
	`, ec.ID, ec.TenantID, ec.ConversationID, ec.ChannelIdentity, ec.FlowID, ec.CurrentNodeID,
		string(ec.Status), vars, session, history, now)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return newError(CodeExecutionAlreadyActive, "create execution", nil, "conversation %s", ec.ConversationID)
	}
	ec.Version = 1
	ec.CreatedAt, ec.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, ec *ExecutionContext) error {
	vars, session, history, err := encodeState(ec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
		UPDATE executions
		SET current_node_id = $2, status = $3, variables = $4, session_data = $5, history = $6,
		    version = version + 1, updated_at = $7, completed_at = $8
		WHERE id = $1 AND version = $9 AND status = 'active'
	`, ec.ID, ec.CurrentNodeID, string(ec.Status), vars, session, history, now, ec.CompletedAt, ec.Version)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return newError(CodeConcurrentUpdate, "update execution", nil, "execution %s at version %d", ec.ID, ec.Version)
	}
	ec.Version++
	ec.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID, conversationID string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM executions WHERE tenant_id = $1 AND conversation_id = $2 AND status = 'active'
	`, tenantID, conversationID)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return newError(CodeExecutionNotFound, "delete execution", nil, "conversation %s", conversationID)
	}
	return nil
}
