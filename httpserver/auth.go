package httpserver

import (
	"context"
	"net/http"

	"github.com/ruteri/tee-agent-proxy/interfaces"
)

// APIKeyHeader carries the bearer token for protected routes.
const APIKeyHeader = "X-API-Key"

type contextKey string

const agentContextKey contextKey = "agent-address"

// requireAPIKey gates protected routes. A missing, empty or unknown key is
// always a 401; authorization never shadows other error classes.
func (srv *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := interfaces.APIKey(r.Header.Get(APIKeyHeader))

		agent, err := srv.handler.sessions.Resolve(key)
		if err != nil {
			srv.log.Warn("Rejected request with invalid API key", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}

		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// agentFromContext returns the agent resolved by the auth gate.
func agentFromContext(ctx context.Context) (interfaces.AgentAddress, bool) {
	agent, ok := ctx.Value(agentContextKey).(interfaces.AgentAddress)
	return agent, ok
}
