package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Middleware wires authorization guards for host HTTP handlers. The actor
// identity is taken from the X-Actor-ID header set by the fronting
// authentication layer; a missing or malformed identity denies.
type Middleware struct {
	Gate   *Gate
	Logger *slog.Logger
}

// RequireAny ensures the current actor holds at least one of the privileges.
func (m Middleware) RequireAny(privileges ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(privileges) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := m.Gate.HasAnyPrivilege(r.Context(), m.principal(r), privileges)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("require any privilege", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAll ensures the current actor holds every privilege.
func (m Middleware) RequireAll(privileges ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(privileges) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := m.Gate.HasAllPrivileges(r.Context(), m.principal(r), privileges)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("require all privileges", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) principal(r *http.Request) Principal {
	raw := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if raw == "" {
		return Guest{}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		if m.Logger != nil {
			m.Logger.Error("parse actor id", slog.String("value", raw))
		}
		return Guest{}
	}
	return UserRef(id)
}
