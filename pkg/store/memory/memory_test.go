package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchpad/branchpad/pkg/models"
)

func testNode(t models.NodeType, workspaceID models.WorkspaceID, parent *models.Node) *models.Node {
	id := models.NewNodeID(t)
	node := &models.Node{
		ID:          id,
		WorkspaceID: workspaceID,
		RootID:      id,
		Type:        t,
		Attributes:  models.NewAttributes(models.FolderAttributes{Name: "n"}),
		CreatedBy:   models.NewUserID(),
		CreatedAt:   time.Now().UTC(),
	}
	if parent != nil {
		pid := parent.ID
		node.ParentID = &pid
		node.RootID = parent.RootID
	}
	return node
}

func appendCreate(t *testing.T, s *Store, node *models.Node) int64 {
	t.Helper()
	version, err := s.AppendTransaction(context.Background(), &models.Transaction{
		ID:          models.NewTransactionID(),
		WorkspaceID: node.WorkspaceID,
		RootID:      node.RootID,
		NodeID:      node.ID,
		Operation:   models.OperationCreate,
		CreatedBy:   node.CreatedBy,
		CreatedAt:   time.Now().UTC(),
	}, node)
	require.NoError(t, err)
	return version
}

func TestNextVersionPerWorkspace(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := models.NewWorkspaceID()
	b := models.NewWorkspaceID()

	var last int64
	for i := 0; i < 5; i++ {
		v, err := s.NextVersion(ctx, a)
		require.NoError(t, err)
		assert.Greater(t, v, last)
		last = v
	}

	// Workspaces do not share a sequence.
	v, err := s.NextVersion(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestAppendTransactionStampsVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws := models.NewWorkspaceID()

	space := testNode(models.NodeTypeSpace, ws, nil)
	v1 := appendCreate(t, s, space)
	folder := testNode(models.NodeTypeFolder, ws, space)
	v2 := appendCreate(t, s, folder)
	assert.Greater(t, v2, v1)

	// The log entry and the node carry the same allocated version.
	node, err := s.GetNode(ctx, folder.ID)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, v2, node.Version)

	txns, err := s.ListTransactionsAfter(ctx, space.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, v1, txns[0].Version)
	assert.Equal(t, v2, txns[1].Version)
	assert.False(t, txns[0].ServerCreatedAt.IsZero())
}

func TestListTransactionsAfterPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws := models.NewWorkspaceID()

	space := testNode(models.NodeTypeSpace, ws, nil)
	versions := []int64{appendCreate(t, s, space)}
	for i := 0; i < 5; i++ {
		versions = append(versions, appendCreate(t, s, testNode(models.NodeTypeFolder, ws, space)))
	}

	page, err := s.ListTransactionsAfter(ctx, space.ID, versions[1], 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Strictly greater than the cursor, ascending.
	assert.Equal(t, versions[2], page[0].Version)
	assert.Equal(t, versions[3], page[1].Version)

	empty, err := s.ListTransactionsAfter(ctx, space.ID, versions[len(versions)-1], 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAncestorsAndDescendants(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws := models.NewWorkspaceID()

	space := testNode(models.NodeTypeSpace, ws, nil)
	appendCreate(t, s, space)
	folder := testNode(models.NodeTypeFolder, ws, space)
	appendCreate(t, s, folder)
	page := testNode(models.NodeTypePage, ws, folder)
	appendCreate(t, s, page)

	chain, err := s.GetAncestors(ctx, page.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, page.ID, chain[0].ID)
	assert.Equal(t, folder.ID, chain[1].ID)
	assert.Equal(t, space.ID, chain[2].ID)
	assert.True(t, chain[2].IsRoot())

	subtree, err := s.GetDescendants(ctx, space.ID)
	require.NoError(t, err)
	require.Len(t, subtree, 3)
	assert.Equal(t, space.ID, subtree[0].ID, "parents precede children")
}

func TestDeleteTruncatesAncestorChain(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws := models.NewWorkspaceID()

	space := testNode(models.NodeTypeSpace, ws, nil)
	appendCreate(t, s, space)
	folder := testNode(models.NodeTypeFolder, ws, space)
	appendCreate(t, s, folder)
	page := testNode(models.NodeTypePage, ws, folder)
	appendCreate(t, s, page)

	_, err := s.AppendTransaction(ctx, &models.Transaction{
		ID:          models.NewTransactionID(),
		WorkspaceID: ws,
		RootID:      space.ID,
		NodeID:      folder.ID,
		Operation:   models.OperationDelete,
		CreatedBy:   folder.CreatedBy,
		CreatedAt:   time.Now().UTC(),
	}, folder)
	require.NoError(t, err)

	gone, err := s.GetNode(ctx, folder.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// The orphaned page's chain stops short of the root.
	chain, err := s.GetAncestors(ctx, page.ID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.False(t, chain[0].IsRoot())
}

func TestCollaborationLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws := models.NewWorkspaceID()
	nodeID := models.NewNodeID(models.NodeTypeSpace)
	userID := models.NewUserID()

	require.NoError(t, s.UpsertCollaboration(ctx, &models.Collaboration{
		NodeID: nodeID, UserID: userID, WorkspaceID: ws, Role: models.RoleViewer, Version: 1,
	}))
	require.NoError(t, s.SoftDeleteCollaboration(ctx, nodeID, userID, 2))

	live, err := s.ListNodeCollaborations(ctx, nodeID)
	require.NoError(t, err)
	assert.Empty(t, live)

	// The per-user stream still carries the row, flagged deleted, past the
	// revocation's version.
	stream, err := s.ListUserCollaborationsAfter(ctx, userID, 1, 10)
	require.NoError(t, err)
	require.Len(t, stream, 1)
	assert.True(t, stream[0].Deleted)
	assert.Equal(t, int64(2), stream[0].Version)

	// A re-grant revives the row with a fresh role and version.
	require.NoError(t, s.UpsertCollaboration(ctx, &models.Collaboration{
		NodeID: nodeID, UserID: userID, WorkspaceID: ws, Role: models.RoleEditor, Version: 3,
	}))
	live, err = s.ListNodeCollaborations(ctx, nodeID)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, models.RoleEditor, live[0].Role)
}

func TestGetUserByEmail(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws := models.NewWorkspaceID()

	user := &models.User{
		ID: models.NewUserID(), WorkspaceID: ws,
		Email: "a@example.test", Name: "a", Role: models.RoleEditor, Version: 1,
	}
	require.NoError(t, s.CreateUser(ctx, user))

	got, err := s.GetUserByEmail(ctx, ws, "a@example.test")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, user.ID, got.ID)

	// Same email in another workspace is a different account.
	got, err = s.GetUserByEmail(ctx, models.NewWorkspaceID(), "a@example.test")
	require.NoError(t, err)
	assert.Nil(t, got)
}
