package flow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps flows in process memory. It is used for local runs
// and tests; every read and write goes through a deep copy.
type MemoryRepository struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{flows: make(map[string]*Flow)}
}

func memoryKey(tenantID, id string) string {
	return tenantID + "/" + id
}

// Get retrieves a tenant's flow by ID. Returns nil, nil if not found.
func (r *MemoryRepository) Get(_ context.Context, tenantID, id string) (*Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.flows[memoryKey(tenantID, id)]
	if !ok {
		return nil, nil
	}
	return f.Clone()
}

// GetActive retrieves the tenant's active flow. Returns nil, nil if none is active.
func (r *MemoryRepository) GetActive(_ context.Context, tenantID string) (*Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range r.flows {
		if f.TenantID == tenantID && f.IsActive {
			return f.Clone()
		}
	}
	return nil, nil
}

// List returns every flow owned by the tenant, newest first.
func (r *MemoryRepository) List(_ context.Context, tenantID string) ([]Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flows := []Flow{}
	for _, f := range r.flows {
		if f.TenantID != tenantID {
			continue
		}
		c, err := f.Clone()
		if err != nil {
			return nil, err
		}
		flows = append(flows, *c)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].CreatedAt.After(flows[j].CreatedAt) })
	return flows, nil
}

// Create stores a new flow at version 1.
func (r *MemoryRepository) Create(_ context.Context, f *Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memoryKey(f.TenantID, f.ID)
	if _, exists := r.flows[key]; exists {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	f.Version = 1
	f.CreatedAt, f.UpdatedAt = now, now

	stored, err := f.Clone()
	if err != nil {
		return err
	}
	r.flows[key] = stored
	return nil
}

// Update replaces a flow when f.Version matches the stored version. The active
// flag is owned by SetActive and is preserved.
func (r *MemoryRepository) Update(_ context.Context, f *Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memoryKey(f.TenantID, f.ID)
	current, ok := r.flows[key]
	if !ok {
		return ErrNotFound
	}
	if current.Version != f.Version {
		return ErrVersionConflict
	}

	f.Version++
	f.IsActive = current.IsActive
	f.CreatedAt = current.CreatedAt
	f.UpdatedAt = time.Now().UTC()

	stored, err := f.Clone()
	if err != nil {
		return err
	}
	r.flows[key] = stored
	return nil
}

// Delete removes a flow.
func (r *MemoryRepository) Delete(_ context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memoryKey(tenantID, id)
	if _, ok := r.flows[key]; !ok {
		return ErrNotFound
	}
	delete(r.flows, key)
	return nil
}

// SetActive flips a flow's active flag, deactivating the tenant's other flows on activation.
func (r *MemoryRepository) SetActive(_ context.Context, tenantID, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.flows[memoryKey(tenantID, id)]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	if active {
		for _, f := range r.flows {
			if f.TenantID == tenantID && f.IsActive && f.ID != id {
				f.IsActive = false
				f.UpdatedAt = now
			}
		}
	}
	target.IsActive = active
	target.UpdatedAt = now
	return nil
}
