package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/org/piiguard/pkg/models"
)

// RestrictedTokenHandler handles POST /v1/auth/restricted. The minted token
// carries only the restricted policy and never reaches decrypted data.
func (s *Server) RestrictedTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
		TTL         string `json:"ttl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl < 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl format")
			return
		}
	}
	if req.DisplayName == "" {
		req.DisplayName = "restricted"
	}

	tok, plaintext, err := s.tokens.CreateToken(req.DisplayName, []string{models.PolicyRestricted}, ttl)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth": authResponse(plaintext, tok)})
}

// TokenRevokeHandler handles POST /v1/auth/revoke
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accessor string `json:"accessor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.tokens.RevokeToken(req.Accessor); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TokenLookupSelfHandler handles GET /v1/auth/lookup-self. With ?path= it
// also reports the capabilities the token holds on that path.
func (s *Server) TokenLookupSelfHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	data := map[string]any{
		"accessor":      token.ID,
		"display_name":  token.DisplayName,
		"policies":      token.Policies,
		"ttl":           int(token.TTL.Seconds()),
		"creation_time": token.CreatedAt.Unix(),
	}
	if !token.ExpiresAt.IsZero() {
		data["expire_time"] = token.ExpiresAt.Unix()
	}
	if p := strings.Trim(r.URL.Query().Get("path"), "/"); p != "" {
		data["path"] = p
		data["capabilities"] = s.policy.EffectiveCapabilities(r.Context(), token.Policies, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}
