package api

import (
	"net/http"

	"github.com/org/piiguard/internal/audit"
)

const defaultRecentLimit = 10

// EntriesListHandler handles GET /v1/entries
func (s *Server) EntriesListHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.vault.ListEntries(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": res})
}

// EntrySaveHandler handles POST /v1/entries
func (s *Server) EntrySaveHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
		Type  string `json:"type"`
		Site  string `json:"site"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	meta, err := s.vault.SaveEntry(r.Context(), req.Value, req.Type, req.Site)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": meta})
}

// EntriesRecentHandler handles GET /v1/entries/recent. It returns metadata
// only and works while locked.
func (s *Server) EntriesRecentHandler(w http.ResponseWriter, r *http.Request) {
	metas, err := s.vault.RecentEntries(r.Context(), limitParam(r, defaultRecentLimit))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": metas})
}

// EntryDeleteHandler handles DELETE /v1/entries/{index}
func (s *Server) EntryDeleteHandler(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	meta, err := s.vault.RemoveEntry(r.Context(), index)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": meta})
}

// UsageLogHandler handles GET /v1/logs
func (s *Server) UsageLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.usage.Query(r.Context(), audit.Filter{
		Type:  q.Get("type"),
		Site:  q.Get("site"),
		Limit: limitParam(r, 0),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": recs})
}
