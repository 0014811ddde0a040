package conversation

import (
	"log/slog"

	"github.com/gorilla/mux"
)

// Service exposes the message processor and conversation state over HTTP.
type Service struct {
	processor *Processor
	logger    *slog.Logger
}

func NewService(processor *Processor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{processor: processor, logger: logger}
}

// LoadRoutes registers the messaging and conversation handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/tenants/{tenantId}").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/messages", s.HandleMessage).Methods("POST")
	router.HandleFunc("/conversations/{conversationId}", s.HandleGetConversation).Methods("GET")
	router.HandleFunc("/conversations/{conversationId}", s.HandleResetConversation).Methods("DELETE")
}
