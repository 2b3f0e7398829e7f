package api

import (
	"errors"
	"net/http"

	"github.com/org/piiguard/internal/errs"
)

// ProfileListHandler handles GET /v1/profile
func (s *Server) ProfileListHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := s.profiles.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": recs})
}

// ProfileAddHandler handles POST /v1/profile
func (s *Server) ProfileAddHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
		Type  string `json:"type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	rec, err := s.profiles.Add(r.Context(), req.Value, req.Type)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
		"type":         rec.Type,
		"shortDisplay": rec.ShortDisplay,
		"addedAtMs":    rec.AddedAtMs,
	}})
}

// ProfileDeleteHandler handles DELETE /v1/profile/{index}
func (s *Server) ProfileDeleteHandler(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	rec, err := s.profiles.Remove(r.Context(), index)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"type":         rec.Type,
		"shortDisplay": rec.ShortDisplay,
	}})
}

// IndexHandler handles GET /v1/index. Only hashes and short displays leave
// the process.
func (s *Server) IndexHandler(w http.ResponseWriter, r *http.Request) {
	hashes, err := s.profiles.Hashes(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": hashes})
}

// IndexCompactHandler handles POST /v1/index/compact
func (s *Server) IndexCompactHandler(w http.ResponseWriter, r *http.Request) {
	repair, err := s.vault.CompactIndex(r.Context())
	if err != nil {
		// An unreadable entry aborts compaction; that is a conflict, not a bad login.
		if errors.Is(err, errs.ErrAuthentication) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repair)
}
