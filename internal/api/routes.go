package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) registerRoutes() {
	r := mux.NewRouter()
	r.Use(s.requestContext)

	r.Handle("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/health-check", s.handleHealthCheck).Methods(http.MethodGet)

	r.HandleFunc("/device/{alias}/stats", s.handleDeviceStats).Methods(http.MethodGet)
	r.HandleFunc("/device/{alias}/pending", s.handleDevicePending).Methods(http.MethodGet)
	r.HandleFunc("/device/{id}/reconnect", s.handleReconnect).Methods(http.MethodPost)
	r.HandleFunc("/device/{id}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/device/{id}/coordinates", s.handleSetCoordinates).Methods(http.MethodPut)

	r.HandleFunc("/task", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/task/{taskID}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/message/sendText/{alias}", s.handleSendText).Methods(http.MethodPost)

	r.HandleFunc("/queue/{alias}", s.handleQueueSummary).Methods(http.MethodGet)
	r.HandleFunc("/queue/{alias}", s.handleClearQueue).Methods(http.MethodDelete)
	r.HandleFunc("/queue/{alias}/tasks", s.handleListPending).Methods(http.MethodGet)
	r.HandleFunc("/queue/{alias}/history", s.handleHistory).Methods(http.MethodGet)

	r.HandleFunc("/events/logs", s.handleEventLogs).Methods(http.MethodGet)

	s.mux = r
}
