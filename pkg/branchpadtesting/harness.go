// Package branchpadtesting wires a full server core around the in-memory
// store so tests can drive the sync protocol end to end: real sessions, real
// consumers, real fan-out, but no HTTP, no websockets and no database.
package branchpadtesting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/branchpad/branchpad/pkg/branchpad"
	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/store/memory"
	"github.com/branchpad/branchpad/pkg/transport"
)

// Harness owns one running application instance for the duration of a test.
type Harness struct {
	T     *testing.T
	App   *branchpad.App
	Store *memory.Store

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHarness starts the application over a fresh in-memory store. Everything
// is torn down through t.Cleanup.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	st := memory.New()
	app, err := branchpad.New(st, &branchpad.Config{
		JWTSecret: "harness-secret",
		LogLevel:  "error",
	})
	if err != nil {
		t.Fatalf("start application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.Bus().Start(ctx)

	h := &Harness{T: t, App: app, Store: st, ctx: ctx, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		app.Bus().Wait()
	})
	return h
}

// Context returns the harness lifetime context.
func (h *Harness) Context() context.Context { return h.ctx }

// CreateWorkspace registers a workspace.
func (h *Harness) CreateWorkspace(name string) *models.Workspace {
	h.T.Helper()
	ws := &models.Workspace{ID: models.NewWorkspaceID(), Name: name}
	if err := h.Store.CreateWorkspace(h.ctx, ws); err != nil {
		h.T.Fatalf("create workspace: %v", err)
	}
	return ws
}

// CreateUser registers a workspace member with the given base role.
func (h *Harness) CreateUser(ws *models.Workspace, name string, role models.Role) *models.User {
	h.T.Helper()
	version, err := h.Store.NextVersion(h.ctx, ws.ID)
	if err != nil {
		h.T.Fatalf("allocate version: %v", err)
	}
	user := &models.User{
		ID:          models.NewUserID(),
		WorkspaceID: ws.ID,
		Email:       fmt.Sprintf("%s@example.test", name),
		Name:        name,
		Role:        role,
		Version:     version,
	}
	if err := h.Store.CreateUser(h.ctx, user); err != nil {
		h.T.Fatalf("create user: %v", err)
	}
	return user
}

// CreateDevice registers a device for the user.
func (h *Harness) CreateDevice(user *models.User) *models.Device {
	h.T.Helper()
	device := &models.Device{
		ID:          models.NewDeviceID(),
		UserID:      user.ID,
		WorkspaceID: user.WorkspaceID,
		Name:        "test device",
	}
	if err := h.Store.CreateDevice(h.ctx, device); err != nil {
		h.T.Fatalf("create device: %v", err)
	}
	return device
}

// Submit runs a mutation through the server pipeline on the user's behalf.
func (h *Harness) Submit(user *models.User, m *branchpad.Mutation) *models.Transaction {
	h.T.Helper()
	txn, err := h.App.Submit(h.ctx, user, m)
	if err != nil {
		h.T.Fatalf("submit %s %s: %v", m.Operation, m.NodeID, err)
	}
	return txn
}

// CreateSpace creates a root space owned by the user, with optional extra
// collaborators, and returns its id.
func (h *Harness) CreateSpace(owner *models.User, name string, collaborators map[models.UserID]models.Role) models.NodeID {
	h.T.Helper()
	grants := map[string]any{owner.ID.String(): string(models.RoleOwner)}
	for id, role := range collaborators {
		grants[id.String()] = string(role)
	}
	id := models.NewNodeID(models.NodeTypeSpace)
	h.Submit(owner, &branchpad.Mutation{
		NodeID:    id,
		Operation: models.OperationCreate,
		Data: models.JSONMap{
			"attributes": map[string]any{
				"type":          string(models.NodeTypeSpace),
				"name":          name,
				"collaborators": grants,
			},
		},
	})
	h.Settle()
	return id
}

// Settle blocks until every event published so far has been drained, so
// fan-out and broadcasts from earlier mutations are visible.
func (h *Harness) Settle() {
	h.T.Helper()
	done := make(chan struct{})
	go func() {
		h.App.Bus().Drained()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.T.Fatal("event bus did not settle")
	}
}

// Connect opens a sync session for the user over an in-process pipe and
// returns the client end.
func (h *Harness) Connect(user *models.User) *TestConn {
	h.T.Helper()
	device := h.CreateDevice(user)
	serverEnd, clientEnd := Pipe()
	session := branchpad.NewSession(h.App, serverEnd, &branchpad.Identity{User: user, Device: device})
	go session.Run()
	h.T.Cleanup(func() { session.Close() })
	return &TestConn{t: h.T, Conn: clientEnd}
}

// TestConn wraps the client end of a pipe with read helpers.
type TestConn struct {
	t    *testing.T
	Conn *PipeConn
}

// Send writes one message, failing the test on error.
func (c *TestConn) Send(m *transport.Message) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Conn.Write(ctx, m); err != nil {
		c.t.Fatalf("write %s: %v", m.Type, err)
	}
}

// Consume requests a batch for the stream from the given cursor.
func (c *TestConn) Consume(stream string, cursor int64) {
	c.t.Helper()
	c.Send(&transport.Message{
		Type:   transport.MessageConsume,
		Stream: stream,
		Cursor: transport.FormatCursor(cursor),
	})
}

// Next reads one message, failing the test on timeout.
func (c *TestConn) Next() *transport.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := c.Conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read message: %v", err)
	}
	return msg
}

// Expect reads messages until one of the wanted type arrives, skipping wake
// hints, and fails the test on anything else.
func (c *TestConn) Expect(want transport.MessageType) *transport.Message {
	c.t.Helper()
	for {
		msg := c.Next()
		if msg.Type == want {
			return msg
		}
		if msg.Type == transport.MessageWake {
			continue
		}
		c.t.Fatalf("expected %s, got %s (code=%s reason=%q)", want, msg.Type, msg.Code, msg.Reason)
	}
}
