package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// WorkspaceKey is the context key for the tenant workspace.
const WorkspaceKey contextKey = "workspace"

// WorkspaceExtractor resolves the tenant workspace for the request. It
// checks the X-Workspace header, then the workspace query parameter, and
// falls back to "default".
func WorkspaceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workspace := ""

		if h := r.Header.Get("X-Workspace"); h != "" {
			workspace = strings.TrimSpace(h)
		}
		if workspace == "" {
			if q := r.URL.Query().Get("workspace"); q != "" {
				workspace = strings.TrimSpace(q)
			}
		}
		if workspace == "" {
			workspace = "default"
		}

		ctx := context.WithValue(r.Context(), WorkspaceKey, workspace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetWorkspace retrieves the workspace from the request context.
func GetWorkspace(ctx context.Context) string {
	if v, ok := ctx.Value(WorkspaceKey).(string); ok {
		return v
	}
	return "default"
}
