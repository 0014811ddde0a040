package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

var (
	ErrInvalidID    = errors.New("invalid flow id")
	ErrNodeNotFound = errors.New("node not found")
	ErrNodeExists   = errors.New("node already exists")

	// ErrFlowActive refuses deleting the tenant's active flow; it must be deactivated first.
	ErrFlowActive = errors.New("flow is active")
)

// InvalidFlowError rejects activating (or editing an active) flow with blocking validation errors.
type InvalidFlowError struct {
	Result ValidationResult
}

func (e *InvalidFlowError) Error() string {
	codes := make([]string, len(e.Result.Errors))
	for i, issue := range e.Result.Errors {
		codes[i] = issue.Code
	}
	return fmt.Sprintf("flow has %d validation error(s): %s", len(codes), strings.Join(codes, ", "))
}

// Service wires flow persistence, validation and the flow-management HTTP API.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService creates a Service over the given repository.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Get returns a tenant's flow, or nil, nil when it does not exist.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Flow, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// GetActive returns the tenant's active flow, or nil, nil when none is active.
func (s *Service) GetActive(ctx context.Context, tenantID string) (*Flow, error) {
	return s.repo.GetActive(ctx, tenantID)
}

// List returns the tenant's flows.
func (s *Service) List(ctx context.Context, tenantID string) ([]Flow, error) {
	return s.repo.List(ctx, tenantID)
}

// Create stores a new, inactive flow for the tenant. Drafts may be invalid; the
// validation result is returned so the builder can highlight problems.
func (s *Service) Create(ctx context.Context, tenantID string, f *Flow) (ValidationResult, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	} else if _, err := uuid.Parse(f.ID); err != nil {
		return ValidationResult{}, ErrInvalidID
	}
	f.TenantID = tenantID
	f.IsActive = false
	assignNodeIDs(f)
	f.DeriveEntryNode()

	result := Validate(f)
	if err := s.repo.Create(ctx, f); err != nil {
		return result, err
	}
	s.logger.Info("Flow created", "tenant_id", tenantID, "flow_id", f.ID, "valid", result.IsValid)
	return result, nil
}

// Update replaces a flow's definition. f.Version must match the stored version.
func (s *Service) Update(ctx context.Context, tenantID string, f *Flow) (ValidationResult, error) {
	existing, err := s.repo.Get(ctx, tenantID, f.ID)
	if err != nil {
		return ValidationResult{}, err
	}
	if existing == nil {
		return ValidationResult{}, ErrNotFound
	}
	f.TenantID = tenantID
	f.IsActive = existing.IsActive
	assignNodeIDs(f)
	return s.save(ctx, f)
}

// Delete removes an inactive flow. Conversations still running on a deleted flow are
// restarted on the tenant's active flow by the message processor.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	f, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if f == nil {
		return ErrNotFound
	}
	if f.IsActive {
		return ErrFlowActive
	}
	if err := s.repo.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.logger.Info("Flow deleted", "tenant_id", tenantID, "flow_id", id)
	return nil
}

// Validate runs the validator over a stored flow.
func (s *Service) Validate(ctx context.Context, tenantID, id string) (ValidationResult, error) {
	f, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return ValidationResult{}, err
	}
	if f == nil {
		return ValidationResult{}, ErrNotFound
	}
	return Validate(f), nil
}

// Activate makes the flow the tenant's active flow. Flows with blocking validation
// errors are refused with an *InvalidFlowError.
func (s *Service) Activate(ctx context.Context, tenantID, id string) (ValidationResult, error) {
	result, err := s.Validate(ctx, tenantID, id)
	if err != nil {
		return result, err
	}
	if !result.IsValid {
		return result, &InvalidFlowError{Result: result}
	}
	if err := s.repo.SetActive(ctx, tenantID, id, true); err != nil {
		return result, err
	}
	s.logger.Info("Flow activated", "tenant_id", tenantID, "flow_id", id, "warnings", len(result.Warnings))
	return result, nil
}

// Deactivate clears the flow's active flag.
func (s *Service) Deactivate(ctx context.Context, tenantID, id string) error {
	if err := s.repo.SetActive(ctx, tenantID, id, false); err != nil {
		return err
	}
	s.logger.Info("Flow deactivated", "tenant_id", tenantID, "flow_id", id)
	return nil
}

// AddNode appends a node to a stored flow.
func (s *Service) AddNode(ctx context.Context, tenantID, flowID string, node Node) (*Flow, ValidationResult, error) {
	return s.mutate(ctx, tenantID, flowID, func(f *Flow) error {
		if node.ID == "" {
			node.ID = uuid.NewString()
		}
		if _, exists := f.NodeByID(node.ID); exists {
			return ErrNodeExists
		}
		f.Nodes = append(f.Nodes, node)
		return nil
	})
}

// UpdateNode replaces a node of a stored flow, keeping its id.
func (s *Service) UpdateNode(ctx context.Context, tenantID, flowID, nodeID string, node Node) (*Flow, ValidationResult, error) {
	return s.mutate(ctx, tenantID, flowID, func(f *Flow) error {
		existing, ok := f.NodeByID(nodeID)
		if !ok {
			return ErrNodeNotFound
		}
		node.ID = nodeID
		*existing = node
		return nil
	})
}

// DeleteNode removes a node and every connection that pointed at it.
func (s *Service) DeleteNode(ctx context.Context, tenantID, flowID, nodeID string) (*Flow, ValidationResult, error) {
	return s.mutate(ctx, tenantID, flowID, func(f *Flow) error {
		kept := f.Nodes[:0]
		found := false
		for _, n := range f.Nodes {
			if n.ID == nodeID {
				found = true
				continue
			}
			conns := n.Connections[:0]
			for _, c := range n.Connections {
				if c.TargetNodeID != nodeID {
					conns = append(conns, c)
				}
			}
			n.Connections = conns
			kept = append(kept, n)
		}
		if !found {
			return ErrNodeNotFound
		}
		f.Nodes = kept
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, tenantID, flowID string, fn func(f *Flow) error) (*Flow, ValidationResult, error) {
	f, err := s.repo.Get(ctx, tenantID, flowID)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	if f == nil {
		return nil, ValidationResult{}, ErrNotFound
	}
	if err := fn(f); err != nil {
		return nil, ValidationResult{}, err
	}
	result, err := s.save(ctx, f)
	if err != nil {
		return nil, result, err
	}
	return f, result, nil
}

// save validates and persists an existing flow. An active flow must stay valid.
func (s *Service) save(ctx context.Context, f *Flow) (ValidationResult, error) {
	f.DeriveEntryNode()
	result := Validate(f)
	if f.IsActive && !result.IsValid {
		return result, &InvalidFlowError{Result: result}
	}
	if err := s.repo.Update(ctx, f); err != nil {
		return result, err
	}
	s.logger.Debug("Flow saved", "tenant_id", f.TenantID, "flow_id", f.ID, "version", f.Version)
	return result, nil
}

func assignNodeIDs(f *Flow) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == "" {
			f.Nodes[i].ID = uuid.NewString()
		}
	}
}

// LoadRoutes registers flow-management HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/tenants/{tenantId}/flows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("", s.HandleListFlows).Methods("GET")
	router.HandleFunc("", s.HandleCreateFlow).Methods("POST")
	router.HandleFunc("/{id}", s.HandleGetFlow).Methods("GET")
	router.HandleFunc("/{id}", s.HandleUpdateFlow).Methods("PUT")
	router.HandleFunc("/{id}", s.HandleDeleteFlow).Methods("DELETE")
	router.HandleFunc("/{id}/validate", s.HandleValidateFlow).Methods("POST")
	router.HandleFunc("/{id}/activate", s.HandleActivateFlow).Methods("POST")
	router.HandleFunc("/{id}/deactivate", s.HandleDeactivateFlow).Methods("POST")
	router.HandleFunc("/{id}/nodes", s.HandleAddNode).Methods("POST")
	router.HandleFunc("/{id}/nodes/{nodeId}", s.HandleUpdateNode).Methods("PUT")
	router.HandleFunc("/{id}/nodes/{nodeId}", s.HandleDeleteNode).Methods("DELETE")
}
