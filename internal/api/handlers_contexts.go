package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/piiguard/internal/detect"
)

// ContextActivateHandler handles POST /v1/contexts/{id}/activate. Activating
// an existing context resyncs its caches.
func (s *Server) ContextActivateHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.contexts.Activate(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"locked": s.vault.LockState().IsLocked(),
	})
}

// ContextEventHandler handles POST /v1/contexts/{id}/events
func (s *Server) ContextEventHandler(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.contexts.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "context is not active")
		return
	}

	var ev detect.FieldEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeErr(w, r, err)
		return
	}
	results, err := engine.Observe(r.Context(), ev)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if ev.Kind == detect.EventValueChanged && results == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"pending": true})
		return
	}
	if results == nil {
		results = []detect.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ContextCloseHandler handles DELETE /v1/contexts/{id}
func (s *Server) ContextCloseHandler(w http.ResponseWriter, r *http.Request) {
	if !s.contexts.Close(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "context is not active")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
