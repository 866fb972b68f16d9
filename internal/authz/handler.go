package authz

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-id/gatehouse/internal/shared"
)

// Handler exposes the engine over a JSON admin API. The surrounding
// application is expected to front these routes with its own
// authentication; the handler only deals in actor identifiers.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	gate     *Gate
	resolver *Resolver
	validate *validator.Validate
}

// NewHandler builds the admin API handler.
func NewHandler(logger *slog.Logger, service *Service, gate *Gate, resolver *Resolver) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		gate:     gate,
		resolver: resolver,
		validate: validator.New(),
	}
}

// MountRoutes registers all admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)

	r.Route("/roles", func(r chi.Router) {
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Delete("/{slug}", h.deleteRole)
		r.Post("/{slug}/privileges", h.grantPrivilege)
		r.Delete("/{slug}/privileges/{privilege}", h.revokePrivilege)
	})

	r.Route("/privileges", func(r chi.Router) {
		r.Get("/", h.listPrivileges)
		r.Post("/", h.createPrivilege)
	})

	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/roles", h.resolvedRoles)
		r.Get("/privileges", h.resolvedPrivileges)
		r.Post("/roles", h.assignRole)
		r.Put("/roles", h.syncRoles)
		r.Delete("/roles/{slug}", h.removeRole)
		r.Post("/suspension", h.suspend)
		r.Delete("/suspension", h.unsuspend)
	})
}

type checkRequest struct {
	UserID     int64    `json:"user_id" validate:"required"`
	Privilege  string   `json:"privilege" validate:"required_without=Privileges"`
	Privileges []string `json:"privileges"`
	Mode       string   `json:"mode" validate:"omitempty,oneof=any all"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	var allowed bool
	var err error
	switch {
	case len(req.Privileges) > 0 && req.Mode == "all":
		allowed, err = h.gate.HasAllPrivileges(r.Context(), UserRef(req.UserID), req.Privileges)
	case len(req.Privileges) > 0:
		allowed, err = h.gate.HasAnyPrivilege(r.Context(), UserRef(req.UserID), req.Privileges)
	default:
		allowed, err = h.gate.HasPrivilege(r.Context(), UserRef(req.UserID), req.Privilege)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

type createRoleRequest struct {
	Slug      string `json:"slug" validate:"required"`
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Priority  int    `json:"priority"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), Role{
		Slug:      req.Slug,
		Name:      req.Name,
		Protected: req.Protected,
		Priority:  req.Priority,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, role)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, roles)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	override := r.URL.Query().Get("override") == "true"
	if err := h.service.DeleteRole(r.Context(), chi.URLParam(r, "slug"), override); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPrivilegeRequest struct {
	Slug     string `json:"slug" validate:"required"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
}

func (h *Handler) createPrivilege(w http.ResponseWriter, r *http.Request) {
	var req createPrivilegeRequest
	if !h.decode(w, r, &req) {
		return
	}
	priv, err := h.service.CreatePrivilege(r.Context(), Privilege{
		Slug:     req.Slug,
		Category: req.Category,
		Priority: req.Priority,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, priv)
}

func (h *Handler) listPrivileges(w http.ResponseWriter, r *http.Request) {
	privs, err := h.service.ListPrivileges(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, privs)
}

type grantPrivilegeRequest struct {
	Privilege  string         `json:"privilege" validate:"required"`
	Reason     string         `json:"reason"`
	Conditions map[string]any `json:"conditions"`
	ExpiresAt  *time.Time     `json:"expires_at"`
}

func (h *Handler) grantPrivilege(w http.ResponseWriter, r *http.Request) {
	var req grantPrivilegeRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.GrantPrivilege(r.Context(), chi.URLParam(r, "slug"), req.Privilege, GrantPrivilegeOptions{
		ActorID:    actingAdmin(r),
		Reason:     req.Reason,
		Conditions: req.Conditions,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokePrivilege(w http.ResponseWriter, r *http.Request) {
	err := h.service.RevokePrivilege(r.Context(), chi.URLParam(r, "slug"), chi.URLParam(r, "privilege"), actingAdmin(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	Role      string     `json:"role" validate:"required"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.AssignRole(r.Context(), userID, req.Role, AssignRoleOptions{
		ActorID:   actingAdmin(r),
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncRolesRequest struct {
	Roles  []string `json:"roles" validate:"required"`
	Detach *bool    `json:"detach"`
	Reason string   `json:"reason"`
}

func (h *Handler) syncRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req syncRolesRequest
	if !h.decode(w, r, &req) {
		return
	}
	detach := true
	if req.Detach != nil {
		detach = *req.Detach
	}
	err := h.service.SyncRoles(r.Context(), userID, req.Roles, detach, RemoveRoleOptions{
		ActorID: actingAdmin(r),
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	err := h.service.RemoveRole(r.Context(), userID, chi.URLParam(r, "slug"), RemoveRoleOptions{
		ActorID:  actingAdmin(r),
		Override: r.URL.Query().Get("override") == "true",
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type suspendRequest struct {
	Reason          string `json:"reason" validate:"required"`
	Details         string `json:"details"`
	DurationSeconds int64  `json:"duration_seconds" validate:"gte=0"`
}

func (h *Handler) suspend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req suspendRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.Suspend(r.Context(), userID, req.Reason, SuspendOptions{
		ActorID:  actingAdmin(r),
		Details:  req.Details,
		Duration: time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unsuspend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.Unsuspend(r.Context(), userID, actingAdmin(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resolvedRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	slugs, err := h.resolver.ResolveRoles(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"roles": slugs})
}

func (h *Handler) resolvedPrivileges(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	slugs, err := h.resolver.ResolvePrivileges(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"privileges": slugs})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && h.logger != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, shared.ErrAlreadyExists):
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, shared.ErrProtected):
		h.writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	case errors.Is(err, shared.ErrInvariant):
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		if h.logger != nil {
			h.logger.Error("admin api", slog.Any("error", err))
		}
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

// actingAdmin extracts the administrator performing the mutation from the
// identity header injected by the fronting auth layer.
func actingAdmin(r *http.Request) *int64 {
	raw := r.Header.Get("X-Actor-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}
