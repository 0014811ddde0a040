package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore keeps execution contexts in a SQLite database. Completed contexts stay
// in the table with status "completed".
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database; see db.OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// InitSchema creates the executions table and its indexes.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			conversation_id  TEXT NOT NULL,
			channel_identity TEXT NOT NULL DEFAULT '',
			flow_id          TEXT NOT NULL,
			current_node_id  TEXT NOT NULL,
			status           TEXT NOT NULL,
			variables        TEXT NOT NULL DEFAULT '{}',
			session_data     TEXT NOT NULL DEFAULT '{}',
			history          TEXT NOT NULL DEFAULT '[]',
			version          INTEGER NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			completed_at     TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS executions_active_idx
			ON executions (tenant_id, conversation_id) WHERE status = 'active';
	`)
	if err != nil {
		return fmt.Errorf("init execution schema: %w", err)
	}
	return nil
}

const selectExecution = `
	SELECT id, tenant_id, conversation_id, channel_identity, flow_id, current_node_id, status,
	       variables, session_data, history, version, created_at, updated_at, completed_at
	FROM executions`

func (s *SQLiteStore) Get(ctx context.Context, tenantID, conversationID string) (*ExecutionContext, error) {
	row := s.db.QueryRowContext(ctx, selectExecution+`
		WHERE tenant_id = ? AND conversation_id = ? AND status = 'active'`, tenantID, conversationID)

	var (
		ec                     ExecutionContext
		vars, session, history string
		createdAt, updatedAt   string
		completedAt            sql.NullString
	)
	err := row.Scan(&ec.ID, &ec.TenantID, &ec.ConversationID, &ec.ChannelIdentity, &ec.FlowID,
		&ec.CurrentNodeID, &ec.Status, &vars, &session, &history, &ec.Version,
		&createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	if err := decodeState(&ec, []byte(vars), []byte(session), []byte(history)); err != nil {
		return nil, err
	}
	if ec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if ec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		ec.CompletedAt = &t
	}
	return &ec, nil
}

func (s *SQLiteStore) Create(ctx context.Context, ec *ExecutionContext) error {
	vars, session, history, err := encodeState(ec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, tenant_id, conversation_id, channel_identity, flow_id, current_node_id,
		                        status, variables, session_data, history, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT DO NOTHING
	`, ec.ID, ec.TenantID, ec.ConversationID, ec.ChannelIdentity, ec.FlowID, ec.CurrentNodeID,
		string(ec.Status), string(vars), string(session), string(history),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if n == 0 {
		return newError(CodeExecutionAlreadyActive, "create execution", nil, "conversation %s", ec.ConversationID)
	}
	ec.Version = 1
	ec.CreatedAt, ec.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, ec *ExecutionContext) error {
	vars, session, history, err := encodeState(ec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var completedAt sql.NullString
	if ec.CompletedAt != nil {
		completedAt = sql.NullString{String: ec.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET current_node_id = ?, status = ?, variables = ?, session_data = ?, history = ?,
		    version = version + 1, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ? AND status = 'active'
	`, ec.CurrentNodeID, string(ec.Status), string(vars), string(session), string(history),
		now.Format(time.RFC3339Nano), completedAt, ec.ID, ec.Version)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n == 0 {
		return newError(CodeConcurrentUpdate, "update execution", nil, "execution %s at version %d", ec.ID, ec.Version)
	}
	ec.Version++
	ec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tenantID, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE tenant_id = ? AND conversation_id = ? AND status = 'active'
	`, tenantID, conversationID)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if n == 0 {
		return newError(CodeExecutionNotFound, "delete execution", nil, "conversation %s", conversationID)
	}
	return nil
}

func encodeState(ec *ExecutionContext) (vars, session, history []byte, err error) {
	v, s, h := ec.Variables, ec.SessionData, ec.History
	if v == nil {
		v = map[string]any{}
	}
	if s == nil {
		s = map[string]any{}
	}
	if h == nil {
		h = []HistoryEntry{}
	}
	if vars, err = json.Marshal(v); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal variables: %w", err)
	}
	if session, err = json.Marshal(s); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal session data: %w", err)
	}
	if history, err = json.Marshal(h); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return vars, session, history, nil
}

func decodeState(ec *ExecutionContext, vars, session, history []byte) error {
	if err := json.Unmarshal(vars, &ec.Variables); err != nil {
		return fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := json.Unmarshal(session, &ec.SessionData); err != nil {
		return fmt.Errorf("unmarshal session data: %w", err)
	}
	if err := json.Unmarshal(history, &ec.History); err != nil {
		return fmt.Errorf("unmarshal history: %w", err)
	}
	if ec.Variables == nil {
		ec.Variables = map[string]any{}
	}
	if ec.SessionData == nil {
		ec.SessionData = map[string]any{}
	}
	return nil
}
