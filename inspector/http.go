package inspector

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaonanln/canvasgov/governor"
)

// Handler returns the HTTP API of the inspector
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/nodes", s.handleNodes)
	r.Get("/nodes/{id}", s.handleNode)
	r.Post("/nodes/{id}/isolate", s.handleIsolate)
	r.Post("/nodes/{id}/restore", s.handleRestore)
	r.Get("/isolated", s.handleIsolated)
	r.Post("/restore-all", s.handleRestoreAll)
	r.Post("/enable", s.handleSetEnabled(true))
	r.Post("/disable", s.handleSetEnabled(false))
	r.Get("/config", s.handleGetConfig)
	r.Patch("/config", s.handlePatchConfig)

	// SSE endpoint for push-based updates
	r.Get("/events/stream", s.handleEventsStream)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStatusView(s.gov.Snapshot()))
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nodeViews(s.gov))
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	st, err := s.gov.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleIsolate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.gov.ForceIsolate(id); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.gov.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	restored := s.gov.ForceRestore(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"restored": restored})
}

func (s *Server) handleIsolated(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReasons(r.URL.Query().Get("reason"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.gov.ListIsolated(filter...))
}

func (s *Server) handleRestoreAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"restored": s.gov.RestoreAll()})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.gov.SetEnabled(enabled)
		writeJSON(w, http.StatusOK, newConfigView(s.gov.Config()))
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newConfigView(s.gov.Config()))
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigPatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid config patch: %v", err), http.StatusBadRequest)
		return
	}
	patch, err := req.Patch()
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.gov.SetConfig(patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newConfigView(cfg))
}

// handleEventsStream handles GET /events/stream for Server-Sent Events (SSE)
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	// Verify the response writer supports flushing (required for SSE)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported by server", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sub := s.subscribe("sse")
	defer s.unsubscribe(sub)

	// Send initial full state
	initialData := struct {
		Type     string                    `json:"type"`
		Status   StatusView                `json:"status"`
		Nodes    []NodeView                `json:"nodes"`
		Isolated []governor.IsolationEntry `json:"isolated"`
	}{
		Type:     "initial",
		Status:   newStatusView(s.gov.Snapshot()),
		Nodes:    nodeViews(s.gov),
		Isolated: s.gov.ListIsolated(),
	}
	if err := writeSSEEvent(w, flusher, "initial", initialData); err != nil {
		s.logger.Warnf("Failed to send initial state to SSE client %s: %v", sub.id, err)
		return
	}

	// Create heartbeat ticker
	heartbeatTicker := time.NewTicker(sseHeartbeatInterval)
	defer heartbeatTicker.Stop()

	// Stream events to the client
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		case <-heartbeatTicker.C:
			if err := writeSSEEvent(w, flusher, "heartbeat", struct{}{}); err != nil {
				s.logger.Warnf("Failed to send heartbeat to SSE client %s: %v", sub.id, err)
				return
			}
		case ev := <-sub.eventChan:
			if err := writeSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				s.logger.Warnf("Failed to send event to SSE client %s: %v", sub.id, err)
				return
			}
		}
	}
}

// writeSSEEvent writes a Server-Sent Event to the response writer
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	// Write SSE format: event: <type>\ndata: <json>\n\n
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}

	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps governor errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, governor.ErrUnknownID):
		code = http.StatusNotFound
	case errors.Is(err, governor.ErrCriticalNodeProtected):
		code = http.StatusConflict
	case errors.Is(err, governor.ErrInvalidConfig), errors.Is(err, governor.ErrInvalidTier), errors.Is(err, governor.ErrInvalidNode):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
