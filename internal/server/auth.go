package server

import (
	"net/http"

	"github.com/mcp-suite/gitlab-mcp-proxy/internal/logging"
	"github.com/mcp-suite/gitlab-mcp-proxy/internal/store"
)

// authenticate resolves the bearer token to an OAuth session and records the
// association between the protocol-level MCP session and the OAuth session,
// so tool handlers can later resolve which GitLab identity backs a given
// live connection.
func authenticate(next http.Handler, storage store.Storage) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondUnauthorized(w)
			return
		}
		session, ok := storage.GetSessionByAccessToken(token)
		if !ok {
			logging.FromRequest(r).Debug("bearer token does not match any session")
			respondUnauthorized(w)
			return
		}
		if mcpSessionID := r.Header.Get(headerMCPSessionID); mcpSessionID != "" {
			storage.PutSessionMapping(mcpSessionID, session.ID)
		}
		r = logging.IntoRequest(r, logging.FromRequest(r).WithField("gitlabUserId", session.GitLabUserID))
		next.ServeHTTP(w, r)
	})
}
