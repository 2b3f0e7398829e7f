package api

import "net/http"

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.vault.Status(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	code := http.StatusOK
	switch {
	case !st.Initialized:
		code = http.StatusNotImplemented
	case st.Locked:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"initialized": st.Initialized,
		"locked":      st.Locked,
	})
}

// StatusHandler handles GET /v1/sys/status
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.vault.Status(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// InitHandler handles POST /v1/sys/init
func (s *Server) InitHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
		Confirm  string `json:"confirm"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.vault.Create(r.Context(), req.Password, req.Confirm); err != nil {
		writeErr(w, r, err)
		return
	}
	s.writeSessionToken(w, r)
}

// UnlockHandler handles POST /v1/sys/unlock
func (s *Server) UnlockHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.vault.Unlock(r.Context(), req.Password); err != nil {
		writeErr(w, r, err)
		return
	}
	s.writeSessionToken(w, r)
}

func (s *Server) writeSessionToken(w http.ResponseWriter, r *http.Request) {
	plaintext, tok, err := s.issuePrivilegedToken()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locked": false,
		"auth":   authResponse(plaintext, tok),
	})
}

// LockHandler handles PUT /v1/sys/lock
func (s *Server) LockHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Lock(r.Context()); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": true})
}

// SessionForgetHandler handles DELETE /v1/sys/session. The running session
// stays open; only the copy that would survive a restart is dropped.
func (s *Server) SessionForgetHandler(w http.ResponseWriter, r *http.Request) {
	if !s.vault.PreservationEnabled() {
		writeJSON(w, http.StatusOK, map[string]any{"forgotten": false})
		return
	}
	if err := s.vault.ForgetSession(r.Context()); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forgotten": true})
}
