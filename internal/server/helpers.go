package server

import (
	"net/http"
	"strings"
)

const headerMCPSessionID = "Mcp-Session-Id"

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func respondUnauthorized(w http.ResponseWriter) {
	const status = http.StatusUnauthorized
	http.Error(w, http.StatusText(status), status)
}
