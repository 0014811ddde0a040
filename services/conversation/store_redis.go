package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the active context of each conversation under one key. Completed
// contexts move to an archive key that expires after the archive TTL.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	archiveTTL time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix (default "chatflow:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithArchiveTTL sets how long completed contexts are kept (default 30 days; 0 keeps them forever).
func WithArchiveTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.archiveTTL = ttl }
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     "chatflow:",
		archiveTTL: 30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(tenantID, conversationID string) string {
	return s.prefix + "execution:" + tenantID + ":" + conversationID
}

func (s *RedisStore) archiveKey(ec *ExecutionContext) string {
	return s.prefix + "archive:" + ec.TenantID + ":" + ec.ConversationID + ":" + ec.ID
}

func (s *RedisStore) Get(ctx context.Context, tenantID, conversationID string) (*ExecutionContext, error) {
	val, err := s.client.Get(ctx, s.key(tenantID, conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return unmarshalExecution(val)
}

func (s *RedisStore) Create(ctx context.Context, ec *ExecutionContext) error {
	now := time.Now().UTC()
	created := *ec
	created.Version = 1
	created.CreatedAt, created.UpdatedAt = now, now

	data, err := json.Marshal(&created)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(ec.TenantID, ec.ConversationID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if !ok {
		return newError(CodeExecutionAlreadyActive, "create execution", nil, "conversation %s", ec.ConversationID)
	}
	ec.Version, ec.CreatedAt, ec.UpdatedAt = created.Version, created.CreatedAt, created.UpdatedAt
	return nil
}

// Update uses WATCH so a write racing with another replica aborts instead of overwriting.
func (s *RedisStore) Update(ctx context.Context, ec *ExecutionContext) error {
	key := s.key(ec.TenantID, ec.ConversationID)
	next := *ec
	next.Version = ec.Version + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	conflict := newError(CodeConcurrentUpdate, "update execution", nil, "execution %s at version %d", ec.ID, ec.Version)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return conflict
		}
		if err != nil {
			return err
		}
		current, err := unmarshalExecution(raw)
		if err != nil {
			return err
		}
		if current.ID != ec.ID || current.Version != ec.Version {
			return conflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next.Status == StatusCompleted {
				pipe.Del(ctx, key)
				pipe.Set(ctx, s.archiveKey(&next), data, s.archiveTTL)
				return nil
			}
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return conflict
	case err != nil:
		var coded *Error
		if errors.As(err, &coded) {
			return err
		}
		return fmt.Errorf("update execution: %w", err)
	}
	ec.Version, ec.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, tenantID, conversationID string) error {
	n, err := s.client.Del(ctx, s.key(tenantID, conversationID)).Result()
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if n == 0 {
		return newError(CodeExecutionNotFound, "delete execution", nil, "conversation %s", conversationID)
	}
	return nil
}

func unmarshalExecution(data []byte) (*ExecutionContext, error) {
	var ec ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	if ec.Variables == nil {
		ec.Variables = map[string]any{}
	}
	if ec.SessionData == nil {
		ec.SessionData = map[string]any{}
	}
	return &ec, nil
}
