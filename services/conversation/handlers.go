package conversation

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

type messageRequest struct {
	ConversationID  string `json:"conversationId"`
	ChannelIdentity string `json:"channelIdentity"`
	Message         string `json:"message"`
}

// HandleMessage processes one inbound message and returns the bot's reply.
func (s *Service) HandleMessage(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	s.logger.Debug("Processing message", "tenant_id", tenantID, "conversation_id", req.ConversationID)

	result, err := s.processor.ProcessMessage(r.Context(), tenantID, req.ConversationID, req.ChannelIdentity, req.Message)
	if err != nil {
		s.writeConversationError(w, "process message", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleGetConversation returns the active execution context of a conversation.
func (s *Service) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ec, err := s.processor.engine.Execution(r.Context(), vars["tenantId"], vars["conversationId"])
	if err != nil {
		s.writeConversationError(w, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, ec)
}

// HandleResetConversation discards the active execution context.
func (s *Service) HandleResetConversation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.processor.ResetConversation(r.Context(), vars["tenantId"], vars["conversationId"]); err != nil {
		s.writeConversationError(w, "reset conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps the innermost error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case CodeExecutionNotFound, CodeFlowNotFound:
		return http.StatusNotFound
	case CodeExecutionAlreadyActive, CodeConcurrentUpdate:
		return http.StatusConflict
	case CodeNoStartNode, CodeMultipleStartNodes, CodeNodeNotFound, CodeDeadEnd, CodeStepLimitExceeded,
		CodeUnknownActionType, CodeUnknownIntegrationType:
		return http.StatusUnprocessableEntity
	case CodeActionFailed, CodeIntegrationFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Service) writeConversationError(w http.ResponseWriter, op string, err error) {
	root := RootCode(err)
	status := statusFor(root)
	if status == http.StatusInternalServerError {
		s.logger.Error("Conversation operation failed", "op", op, "error", err)
		writeJSON(w, status, map[string]string{"message": "internal server error", "code": CodeOf(err)})
		return
	}
	writeJSON(w, status, map[string]string{
		"message": err.Error(),
		"code":    CodeOf(err),
		"cause":   root,
	})
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
