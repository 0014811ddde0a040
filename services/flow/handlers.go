package flow

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// flowResponse pairs a saved flow with its validation findings.
type flowResponse struct {
	Flow       *Flow            `json:"flow"`
	Validation ValidationResult `json:"validation"`
}

// HandleListFlows returns every flow of the tenant.
func (s *Service) HandleListFlows(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	flows, err := s.List(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("Failed to list flows", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// HandleCreateFlow stores a new flow from the request body.
func (s *Service) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	var f Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.Create(r.Context(), tenantID, &f)
	if err != nil {
		s.writeServiceError(w, "create flow", err)
		return
	}
	writeJSON(w, http.StatusCreated, flowResponse{Flow: &f, Validation: result})
}

// HandleGetFlow loads a flow definition and returns it as JSON.
func (s *Service) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}
	s.logger.Debug("Getting flow", "tenant_id", tenantID, "id", id)

	f, err := s.Get(r.Context(), tenantID, id)
	if err != nil {
		s.logger.Error("Failed to get flow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// HandleUpdateFlow replaces a flow definition. The body must carry the current version.
func (s *Service) HandleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}

	var f Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f.ID = id

	result, err := s.Update(r.Context(), tenantID, &f)
	if err != nil {
		s.writeServiceError(w, "update flow", err)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{Flow: &f, Validation: result})
}

// HandleDeleteFlow removes a flow.
func (s *Service) HandleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}
	if err := s.Delete(r.Context(), tenantID, id); err != nil {
		s.writeServiceError(w, "delete flow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleValidateFlow runs the validator over a stored flow.
func (s *Service) HandleValidateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}
	result, err := s.Validate(r.Context(), tenantID, id)
	if err != nil {
		s.writeServiceError(w, "validate flow", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleActivateFlow makes the flow the tenant's active flow.
func (s *Service) HandleActivateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}
	result, err := s.Activate(r.Context(), tenantID, id)
	if err != nil {
		s.writeServiceError(w, "activate flow", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleDeactivateFlow clears the flow's active flag.
func (s *Service) HandleDeactivateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}
	if err := s.Deactivate(r.Context(), tenantID, id); err != nil {
		s.writeServiceError(w, "deactivate flow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddNode appends a node to a flow.
func (s *Service) HandleAddNode(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}
	var node Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f, result, err := s.AddNode(r.Context(), tenantID, id, node)
	if err != nil {
		s.writeServiceError(w, "add node", err)
		return
	}
	writeJSON(w, http.StatusCreated, flowResponse{Flow: f, Validation: result})
}

// HandleUpdateNode replaces a node of a flow.
func (s *Service) HandleUpdateNode(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}
	var node Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f, result, err := s.UpdateNode(r.Context(), tenantID, id, mux.Vars(r)["nodeId"], node)
	if err != nil {
		s.writeServiceError(w, "update node", err)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{Flow: f, Validation: result})
}

// HandleDeleteNode removes a node from a flow.
func (s *Service) HandleDeleteNode(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := flowParams(w, r)
	if !ok {
		return
	}
	f, result, err := s.DeleteNode(r.Context(), tenantID, id, mux.Vars(r)["nodeId"])
	if err != nil {
		s.writeServiceError(w, "delete node", err)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{Flow: f, Validation: result})
}

// flowParams extracts the tenant and flow id, rejecting ids that are not UUIDs.
func flowParams(w http.ResponseWriter, r *http.Request) (tenantID, id string, ok bool) {
	vars := mux.Vars(r)
	id = vars["id"]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid flow id")
		return "", "", false
	}
	return vars["tenantId"], id, true
}

func (s *Service) writeServiceError(w http.ResponseWriter, op string, err error) {
	var invalid *InvalidFlowError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message":    invalid.Error(),
			"validation": invalid.Result,
		})
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "flow not found")
	case errors.Is(err, ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, ErrNodeExists):
		writeError(w, http.StatusConflict, "node already exists")
	case errors.Is(err, ErrVersionConflict):
		writeError(w, http.StatusConflict, "flow was modified concurrently")
	case errors.Is(err, ErrAlreadyExists):
		writeError(w, http.StatusConflict, "flow already exists")
	case errors.Is(err, ErrFlowActive):
		writeError(w, http.StatusConflict, "flow is active; deactivate it before deleting")
	case errors.Is(err, ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid flow id")
	default:
		s.logger.Error("Flow operation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
