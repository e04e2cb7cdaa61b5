package branchpad_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchpad/branchpad/pkg/branchpadtesting"
	"github.com/branchpad/branchpad/pkg/models"
)

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestBootstrapWorkspaceFlow(t *testing.T) {
	h := branchpadtesting.NewHarness(t)
	router := h.App.Router()

	rec, resp := doJSON(t, router, "POST", "/api/workspaces", "", map[string]any{
		"name":        "acme",
		"owner_name":  "ada",
		"owner_email": "ada@example.test",
		"space_name":  "engineering",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	workspace := resp["workspace"].(map[string]any)
	workspaceID := workspace["id"].(string)
	spaceID := resp["space_id"].(string)
	require.NotEmpty(t, workspaceID)
	require.NotEmpty(t, spaceID)

	// The seeded space went through the normal pipeline: it is in the log
	// and carries the owner grant.
	nodeID, err := models.ParseNodeID(spaceID)
	require.NoError(t, err)
	node, err := h.Store.GetNode(h.Context(), nodeID)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "engineering", node.Attributes.Payload.(models.SpaceAttributes).Name)

	// Register a device and use its token against an authenticated route.
	rec, resp = doJSON(t, router, "POST", "/api/devices", "", map[string]any{
		"workspace_id": workspaceID,
		"email":        "ada@example.test",
		"device_name":  "laptop",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := resp["token"].(string)
	require.NotEmpty(t, token)

	rec, resp = doJSON(t, router, "GET", "/api/nodes/"+spaceID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, spaceID, resp["id"])
}

func TestDeviceRegistrationUnknownUser(t *testing.T) {
	h := branchpadtesting.NewHarness(t)
	ws := h.CreateWorkspace("acme")

	rec, _ := doJSON(t, h.App.Router(), "POST", "/api/devices", "", map[string]any{
		"workspace_id": ws.ID.String(),
		"email":        "nobody@example.test",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInviteUserRequiresAdmin(t *testing.T) {
	h := branchpadtesting.NewHarness(t)
	router := h.App.Router()
	ws := h.CreateWorkspace("acme")
	owner := h.CreateUser(ws, "owner", models.RoleOwner)
	editor := h.CreateUser(ws, "editor", models.RoleEditor)

	tokenFor := func(u *models.User) string {
		rec, resp := doJSON(t, router, "POST", "/api/devices", "", map[string]any{
			"workspace_id": ws.ID.String(),
			"email":        u.Email,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return resp["token"].(string)
	}

	rec, _ := doJSON(t, router, "POST", "/api/users", tokenFor(editor), map[string]any{
		"email": "new@example.test", "name": "new", "role": "viewer",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := doJSON(t, router, "POST", "/api/users", tokenFor(owner), map[string]any{
		"email": "new@example.test", "name": "new", "role": "viewer",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "viewer", resp["role"])

	// Duplicate invite conflicts.
	rec, _ = doJSON(t, router, "POST", "/api/users", tokenFor(owner), map[string]any{
		"email": "new@example.test",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetNodeMasksUnauthorized(t *testing.T) {
	h := branchpadtesting.NewHarness(t)
	router := h.App.Router()
	ws := h.CreateWorkspace("acme")
	owner := h.CreateUser(ws, "owner", models.RoleOwner)
	stranger := h.CreateUser(ws, "stranger", models.RoleViewer)
	spaceID := h.CreateSpace(owner, "eng", nil)

	rec, resp := doJSON(t, router, "POST", "/api/devices", "", map[string]any{
		"workspace_id": ws.ID.String(),
		"email":        stranger.Email,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	token := resp["token"].(string)

	rec, _ = doJSON(t, router, "GET", fmt.Sprintf("/api/nodes/%s", spaceID), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// No token at all is unauthorized, not masked.
	rec, _ = doJSON(t, router, "GET", fmt.Sprintf("/api/nodes/%s", spaceID), "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	h := branchpadtesting.NewHarness(t)
	rec, resp := doJSON(t, h.App.Router(), "GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
}
