package branchpad

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/transport"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"code": code, "message": message})
}

// respondFailure maps rejections to their protocol status and everything
// else to a logged 500.
func (a *App) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := AsRejection(err); ok {
		respondError(w, statusForCode(rej.Code), rej.Code, rej.Message)
		return
	}
	a.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	respondError(w, http.StatusInternalServerError, "internal", "internal error")
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBootstrapWorkspace creates a workspace with its owning user and root
// space in one call. This is the only unauthenticated write; everything after
// it flows through device tokens and sync.
func (a *App) handleBootstrapWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		OwnerName  string `json:"owner_name"`
		OwnerEmail string `json:"owner_email"`
		SpaceName  string `json:"space_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid request payload")
		return
	}
	if req.Name == "" || req.OwnerEmail == "" {
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, "name and owner_email are required")
		return
	}
	if req.SpaceName == "" {
		req.SpaceName = req.Name
	}
	ctx := r.Context()

	workspace := &models.Workspace{Name: req.Name}
	if err := a.store.CreateWorkspace(ctx, workspace); err != nil {
		a.respondFailure(w, r, err)
		return
	}

	userVersion, err := a.store.NextVersion(ctx, workspace.ID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	owner := &models.User{
		WorkspaceID: workspace.ID,
		Email:       req.OwnerEmail,
		Name:        req.OwnerName,
		Role:        models.RoleOwner,
		Version:     userVersion,
	}
	if err := a.store.CreateUser(ctx, owner); err != nil {
		a.respondFailure(w, r, err)
		return
	}

	// Seed the root space through the normal mutation pipeline so the log,
	// merge document and grant fan-out all see it.
	spaceID := models.NewNodeID(models.NodeTypeSpace)
	_, err = a.Submit(ctx, owner, &Mutation{
		NodeID:    spaceID,
		Operation: models.OperationCreate,
		Data: models.JSONMap{
			"attributes": map[string]any{
				"type": string(models.NodeTypeSpace),
				"name": req.SpaceName,
				"collaborators": map[string]any{
					owner.ID.String(): string(models.RoleOwner),
				},
			},
		},
	})
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"workspace": workspace,
		"owner":     owner,
		"space_id":  spaceID,
	})
}

// handleRegisterDevice issues a device token for an existing workspace user.
// Lookup is by email; upstream identity verification sits in front of this
// service.
func (a *App) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		Email       string `json:"email"`
		DeviceName  string `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid request payload")
		return
	}
	workspaceID, err := models.ParseWorkspaceID(req.WorkspaceID)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid workspace id")
		return
	}
	ctx := r.Context()

	user, err := a.store.GetUserByEmail(ctx, workspaceID, req.Email)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, CodeNotFound, "user not found")
		return
	}

	device := &models.Device{
		UserID:      user.ID,
		WorkspaceID: workspaceID,
		Name:        req.DeviceName,
	}
	if err := a.store.CreateDevice(ctx, device); err != nil {
		a.respondFailure(w, r, err)
		return
	}
	token, err := a.auth.MintDeviceToken(device)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"device_id": device.ID,
		"user_id":   user.ID,
		"token":     token,
	})
}

// handleInviteUser adds a member to the caller's workspace. Requires the
// caller to hold at least admin as their base workspace role.
func (a *App) handleInviteUser(w http.ResponseWriter, r *http.Request) {
	id, err := a.authenticate(r.Context(), r)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	if !models.NormalizeRole(string(id.User.Role)).AtLeast(models.RoleAdmin) {
		respondError(w, http.StatusForbidden, CodeUnauthorized, "inviting users requires admin")
		return
	}

	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid request payload")
		return
	}
	if req.Email == "" {
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, "email is required")
		return
	}
	ctx := r.Context()

	existing, err := a.store.GetUserByEmail(ctx, id.User.WorkspaceID, req.Email)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, CodeConflict, "user already exists")
		return
	}

	version, err := a.store.NextVersion(ctx, id.User.WorkspaceID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	user := &models.User{
		WorkspaceID: id.User.WorkspaceID,
		Email:       req.Email,
		Name:        req.Name,
		Role:        models.NormalizeRole(req.Role),
		Version:     version,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		a.respondFailure(w, r, err)
		return
	}
	a.bus.Publish(Event{
		WorkspaceID: id.User.WorkspaceID,
		Version:     version,
		Streams:     []string{transport.StreamUsers},
	})

	respondJSON(w, http.StatusCreated, user)
}

// handleGetNode serves one node snapshot. Clients use it to re-base after a
// revert when the local replica has diverged too far.
func (a *App) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, err := a.authenticate(r.Context(), r)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	nodeID, err := models.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid node id")
		return
	}
	node, role, err := a.loadAuthorized(r.Context(), id.User, nodeID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	if !role.AtLeast(models.RoleViewer) {
		respondError(w, http.StatusNotFound, CodeNotFound, "node not found")
		return
	}
	respondJSON(w, http.StatusOK, node)
}

// fileNodeForRequest authorizes a files endpoint call and returns the file
// node.
func (a *App) fileNodeForRequest(r *http.Request, min models.Role) (*Identity, *models.Node, error) {
	id, err := a.authenticate(r.Context(), r)
	if err != nil {
		return nil, nil, err
	}
	nodeID, err := models.ParseNodeID(mux.Vars(r)["id"])
	if err != nil || nodeID.Type() != models.NodeTypeFile {
		return nil, nil, reject(CodeInvalidPayload, "invalid file id")
	}
	node, role, err := a.loadAuthorized(r.Context(), id.User, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if !role.AtLeast(min) {
		return nil, nil, reject(CodeUnauthorized, "insufficient role")
	}
	return id, node, nil
}

// handleUploadURL presigns a PUT for a file node's bytes and records pending
// metadata in the files stream.
func (a *App) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	if a.files == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "file storage is not configured")
		return
	}
	_, node, err := a.fileNodeForRequest(r, models.RoleEditor)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	ctx := r.Context()

	attrs, _ := node.Attributes.Payload.(models.FileAttributes)
	file, err := a.store.GetFile(ctx, node.ID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	version, err := a.store.NextVersion(ctx, node.WorkspaceID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	if file == nil {
		file = &models.File{
			ID:          node.ID,
			WorkspaceID: node.WorkspaceID,
			RootID:      node.RootID,
			Name:        attrs.Name,
			Size:        attrs.Size,
			MimeType:    attrs.MimeType,
			Status:      models.FileStatusPending,
			Version:     version,
			CreatedBy:   node.CreatedBy,
		}
		err = a.store.CreateFile(ctx, file)
	} else {
		file.Status = models.FileStatusPending
		file.Version = version
		err = a.store.UpdateFile(ctx, file)
	}
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}

	url, err := a.files.UploadURL(ctx, node.WorkspaceID, node.ID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	a.publishFileEvent(node, version)
	respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int(presignExpiry / time.Second),
	})
}

// handleMarkUploaded flips a file to uploaded after the client finished its
// PUT, making it fetchable by everyone on the root.
func (a *App) handleMarkUploaded(w http.ResponseWriter, r *http.Request) {
	_, node, err := a.fileNodeForRequest(r, models.RoleEditor)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	ctx := r.Context()

	file, err := a.store.GetFile(ctx, node.ID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	if file == nil {
		respondError(w, http.StatusNotFound, CodeNotFound, "file not found")
		return
	}
	version, err := a.store.NextVersion(ctx, node.WorkspaceID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	file.Status = models.FileStatusUploaded
	file.Version = version
	if err := a.store.UpdateFile(ctx, file); err != nil {
		a.respondFailure(w, r, err)
		return
	}
	a.publishFileEvent(node, version)
	respondJSON(w, http.StatusOK, file)
}

// handleDownloadURL presigns a GET for an uploaded file.
func (a *App) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	if a.files == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "file storage is not configured")
		return
	}
	_, node, err := a.fileNodeForRequest(r, models.RoleViewer)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	ctx := r.Context()

	file, err := a.store.GetFile(ctx, node.ID)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	if file == nil || file.Status != models.FileStatusUploaded {
		respondError(w, http.StatusNotFound, CodeNotFound, "file not uploaded")
		return
	}
	url, err := a.files.DownloadURL(ctx, node.WorkspaceID, node.ID, file.Name)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int(presignExpiry / time.Second),
	})
}

func (a *App) publishFileEvent(node *models.Node, version int64) {
	a.bus.Publish(Event{
		WorkspaceID: node.WorkspaceID,
		RootID:      node.RootID,
		NodeID:      node.ID,
		Version:     version,
		Streams:     []string{transport.RootStream(transport.StreamFiles, node.RootID)},
	})
}

// handleSync upgrades to the websocket sync protocol.
func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	id, err := a.authenticate(r.Context(), r)
	if err != nil {
		a.respondFailure(w, r, err)
		return
	}
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		a.log.Debug().Err(err).Msg("sync upgrade failed")
		return
	}
	go NewSession(a, conn, id).Run()
}
