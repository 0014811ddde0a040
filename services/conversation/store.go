package conversation

import (
	"context"
	"sync"
	"time"
)

// Store persists execution contexts. At most one active context exists per
// tenant and conversation; completed contexts are archived and no longer returned by Get.
type Store interface {
	// Get returns the active context, or nil, nil when there is none.
	Get(ctx context.Context, tenantID, conversationID string) (*ExecutionContext, error)
	// Create inserts a new active context at version 1. It fails with
	// ErrExecutionAlreadyActive when the conversation already has one.
	Create(ctx context.Context, ec *ExecutionContext) error
	// Update writes ec when ec.Version matches the stored version, then bumps ec.Version.
	// A stale version fails with ErrConcurrentUpdate. Writing a completed context archives it.
	Update(ctx context.Context, ec *ExecutionContext) error
	// Delete discards the active context. It fails with ErrExecutionNotFound when there is none.
	Delete(ctx context.Context, tenantID, conversationID string) error
}

// MemoryStore keeps contexts in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	active   map[string]*ExecutionContext
	archived []*ExecutionContext
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{active: make(map[string]*ExecutionContext)}
}

func conversationKey(tenantID, conversationID string) string {
	return tenantID + ":" + conversationID
}

func (s *MemoryStore) Get(_ context.Context, tenantID, conversationID string) (*ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ec, ok := s.active[conversationKey(tenantID, conversationID)]
	if !ok {
		return nil, nil
	}
	return ec.Clone()
}

func (s *MemoryStore) Create(_ context.Context, ec *ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationKey(ec.TenantID, ec.ConversationID)
	if _, exists := s.active[key]; exists {
		return newError(CodeExecutionAlreadyActive, "create execution", nil, "conversation %s", ec.ConversationID)
	}
	now := time.Now().UTC()
	ec.Version = 1
	ec.CreatedAt, ec.UpdatedAt = now, now

	stored, err := ec.Clone()
	if err != nil {
		return err
	}
	s.active[key] = stored
	return nil
}

func (s *MemoryStore) Update(_ context.Context, ec *ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationKey(ec.TenantID, ec.ConversationID)
	current, ok := s.active[key]
	if !ok || current.ID != ec.ID || current.Version != ec.Version {
		return newError(CodeConcurrentUpdate, "update execution", nil, "execution %s at version %d", ec.ID, ec.Version)
	}

	ec.Version++
	ec.UpdatedAt = time.Now().UTC()
	stored, err := ec.Clone()
	if err != nil {
		ec.Version--
		return err
	}
	if ec.Status == StatusCompleted {
		delete(s.active, key)
		s.archived = append(s.archived, stored)
		return nil
	}
	s.active[key] = stored
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationKey(tenantID, conversationID)
	if _, ok := s.active[key]; !ok {
		return newError(CodeExecutionNotFound, "delete execution", nil, "conversation %s", conversationID)
	}
	delete(s.active, key)
	return nil
}

// Archived returns copies of the completed contexts of a conversation, oldest first.
func (s *MemoryStore) Archived(tenantID, conversationID string) []*ExecutionContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ExecutionContext
	for _, ec := range s.archived {
		if ec.TenantID == tenantID && ec.ConversationID == conversationID {
			if c, err := ec.Clone(); err == nil {
				out = append(out, c)
			}
		}
	}
	return out
}
