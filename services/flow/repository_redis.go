package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository keeps each flow as a JSON document. A sorted set per tenant indexes the
// flows by creation time and a separate key holds the id of the active flow, which is
// the only source of IsActive.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRepository creates a repository on an existing client. Keys start with prefix.
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) flowKey(tenantID, id string) string {
	return r.prefix + "flow:" + tenantID + ":" + id
}

func (r *RedisRepository) indexKey(tenantID string) string {
	return r.prefix + "flows:" + tenantID
}

func (r *RedisRepository) activeKey(tenantID string) string {
	return r.prefix + "active-flow:" + tenantID
}

func (r *RedisRepository) activeID(ctx context.Context, c redis.StringCmdable, tenantID string) (string, error) {
	id, err := c.Get(ctx, r.activeKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func decodeFlow(data []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &f, nil
}

// Get retrieves a tenant's flow by ID. Returns nil, nil if not found.
func (r *RedisRepository) Get(ctx context.Context, tenantID, id string) (*Flow, error) {
	data, err := r.client.Get(ctx, r.flowKey(tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	f, err := decodeFlow(data)
	if err != nil {
		return nil, err
	}
	active, err := r.activeID(ctx, r.client, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get active flow id: %w", err)
	}
	f.IsActive = active == f.ID
	return f, nil
}

// GetActive retrieves the tenant's active flow. Returns nil, nil if none is active.
func (r *RedisRepository) GetActive(ctx context.Context, tenantID string) (*Flow, error) {
	id, err := r.activeID(ctx, r.client, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get active flow id: %w", err)
	}
	if id == "" {
		return nil, nil
	}
	return r.Get(ctx, tenantID, id)
}

// List returns every flow owned by the tenant, newest first.
func (r *RedisRepository) List(ctx context.Context, tenantID string) ([]Flow, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	active, err := r.activeID(ctx, r.client, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get active flow id: %w", err)
	}

	flows := []Flow{}
	if len(ids) == 0 {
		return flows, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.flowKey(tenantID, id)
	}
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Get(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	for _, cmd := range cmds {
		data, err := cmd.(*redis.StringCmd).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list flows: %w", err)
		}
		f, err := decodeFlow(data)
		if err != nil {
			return nil, err
		}
		f.IsActive = active == f.ID
		flows = append(flows, *f)
	}
	return flows, nil
}

// Create stores a new flow at version 1.
func (r *RedisRepository) Create(ctx context.Context, f *Flow) error {
	now := time.Now().UTC()
	created := *f
	created.Version = 1
	created.CreatedAt, created.UpdatedAt = now, now
	data, err := json.Marshal(&created)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	key := r.flowKey(f.TenantID, f.ID)
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("create flow: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.indexKey(f.TenantID), redis.Z{Score: float64(now.UnixNano()), Member: f.ID})
		if f.IsActive {
			pipe.Set(ctx, r.activeKey(f.TenantID), f.ID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index flow: %w", err)
	}
	f.Version, f.CreatedAt, f.UpdatedAt = created.Version, created.CreatedAt, created.UpdatedAt
	return nil
}

// Update replaces a flow when f.Version matches the stored version. WATCH aborts a write
// racing with another replica, which surfaces as ErrVersionConflict.
func (r *RedisRepository) Update(ctx context.Context, f *Flow) error {
	key := r.flowKey(f.TenantID, f.ID)
	now := time.Now().UTC()
	var next Flow

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := decodeFlow(raw)
		if err != nil {
			return err
		}
		if current.Version != f.Version {
			return ErrVersionConflict
		}

		next = *f
		next.Version = current.Version + 1
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = now
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal flow: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionConflict):
		return err
	case err != nil:
		return fmt.Errorf("update flow: %w", err)
	}
	f.Version, f.CreatedAt, f.UpdatedAt = next.Version, next.CreatedAt, next.UpdatedAt
	return nil
}

// Delete removes a flow, clearing the active pointer when it named this flow.
func (r *RedisRepository) Delete(ctx context.Context, tenantID, id string) error {
	key, activeKey := r.flowKey(tenantID, id), r.activeKey(tenantID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		active, err := r.activeID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, r.indexKey(tenantID), id)
			if active == id {
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		return err
	}, key, activeKey)

	switch {
	case errors.Is(err, ErrNotFound):
		return err
	case err != nil:
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

// SetActive points the tenant's active key at the flow, which deactivates any other flow.
// Deactivating clears the key only when it names this flow.
func (r *RedisRepository) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	key, activeKey := r.flowKey(tenantID, id), r.activeKey(tenantID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		f, err := decodeFlow(raw)
		if err != nil {
			return err
		}
		current, err := r.activeID(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		f.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal flow: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			switch {
			case active:
				pipe.Set(ctx, activeKey, id, 0)
			case current == id:
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		return err
	}, key, activeKey)

	switch {
	case errors.Is(err, ErrNotFound):
		return err
	case err != nil:
		return fmt.Errorf("set flow active: %w", err)
	}
	return nil
}
