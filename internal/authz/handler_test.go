package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, repo *mockRepo) http.Handler {
	t.Helper()
	service, _ := newTestService(t, repo)
	resolver := NewResolver(repo, nil, slog.Default())
	gate := NewGate(resolver, repo, GateConfig{}, nil, nil, slog.Default())
	handler := NewHandler(slog.Default(), service, gate, resolver)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCheckEndpoint(t *testing.T) {
	repo := newMockRepo()
	grantTo(t, repo, 7, "editor", "content.publish", "reports.*")
	router := newTestHandler(t, repo)

	rec := doJSON(t, router, http.MethodPost, "/check", map[string]any{
		"user_id":   7,
		"privilege": "reports.export",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out["allowed"])

	rec = doJSON(t, router, http.MethodPost, "/check", map[string]any{
		"user_id":    7,
		"privileges": []string{"content.publish", "billing.view"},
		"mode":       "all",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.False(t, out["allowed"])
}

func TestHandlerCheckValidation(t *testing.T) {
	router := newTestHandler(t, newMockRepo())

	rec := doJSON(t, router, http.MethodPost, "/check", map[string]any{"privilege": "content.publish"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/check", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRoleLifecycle(t *testing.T) {
	repo := newMockRepo()
	router := newTestHandler(t, repo)

	rec := doJSON(t, router, http.MethodPost, "/roles", map[string]any{"slug": "editor", "name": "Editor"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/roles", map[string]any{"slug": "editor"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/privileges", map[string]any{"slug": "content.publish"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/roles/editor/privileges", map[string]any{"privilege": "content.publish"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/users/7/roles", map[string]any{"role": "editor"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/users/7/privileges", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	require.Equal(t, []string{"content.publish"}, resolved["privileges"])

	rec = doJSON(t, router, http.MethodDelete, "/roles/editor/privileges/content.publish", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/users/7/roles/editor", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerUnknownRoleIs404(t *testing.T) {
	router := newTestHandler(t, newMockRepo())
	rec := doJSON(t, router, http.MethodPost, "/users/7/roles", map[string]any{"role": "ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerProtectedRoleIs403(t *testing.T) {
	repo := newMockRepo()
	router := newTestHandler(t, repo)
	seedRole(t, repo, "owner", true)
	ctx := context.Background()
	role, err := repo.GetRoleBySlug(ctx, "owner")
	require.NoError(t, err)
	_, err = repo.UpsertAssignment(ctx, RoleAssignment{UserID: 7, RoleID: role.ID})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodDelete, "/users/7/roles/owner", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/users/7/roles/owner?override=true", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerSuspensionFlow(t *testing.T) {
	repo := newMockRepo()
	router := newTestHandler(t, repo)

	rec := doJSON(t, router, http.MethodPost, "/users/7/suspension", map[string]any{"reason": "abuse"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Double suspension conflicts.
	rec = doJSON(t, router, http.MethodPost, "/users/7/suspension", map[string]any{"reason": "abuse"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/users/7/suspension", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Unsuspending a non-suspended actor conflicts too.
	rec = doJSON(t, router, http.MethodDelete, "/users/7/suspension", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerInvalidUserID(t *testing.T) {
	router := newTestHandler(t, newMockRepo())
	rec := doJSON(t, router, http.MethodGet, "/users/abc/roles", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
