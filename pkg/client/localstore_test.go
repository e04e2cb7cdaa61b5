package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchpad/branchpad/pkg/models"
	"github.com/branchpad/branchpad/pkg/transport"
)

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTxn(nodeID models.NodeID, rootID models.NodeID, version int64, attrs map[string]any) *models.Transaction {
	return &models.Transaction{
		ID:          models.NewTransactionID(),
		WorkspaceID: models.NewWorkspaceID(),
		RootID:      rootID,
		NodeID:      nodeID,
		Operation:   models.OperationCreate,
		Data:        models.JSONMap{"attributes": attrs},
		Version:     version,
		CreatedBy:   models.NewUserID(),
		CreatedAt:   time.Now().UTC(),
	}
}

func updateTxn(nodeID models.NodeID, rootID models.NodeID, version int64, fields map[string]any) *models.Transaction {
	return &models.Transaction{
		ID:          models.NewTransactionID(),
		WorkspaceID: models.NewWorkspaceID(),
		RootID:      rootID,
		NodeID:      nodeID,
		Operation:   models.OperationUpdate,
		Data:        models.JSONMap{"fields": fields},
		Version:     version,
		CreatedBy:   models.NewUserID(),
		CreatedAt:   time.Now().UTC(),
	}
}

func TestApplyTransactionsAdvancesCursor(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	spaceID := models.NewNodeID(models.NodeTypeSpace)
	stream := transport.RootStream(transport.StreamTransactions, spaceID)

	cursor, err := store.CursorValue(ctx, stream)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	batch := []*models.Transaction{
		createTxn(spaceID, spaceID, 1, map[string]any{"type": "space", "name": "eng"}),
	}
	require.NoError(t, store.ApplyTransactions(ctx, stream, batch, 1))

	cursor, err = store.CursorValue(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)

	node, err := store.GetNode(ctx, spaceID)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "eng", node.Attributes.Payload.(models.SpaceAttributes).Name)
	assert.Equal(t, int64(1), node.Version)
}

func TestApplyTransactionsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	spaceID := models.NewNodeID(models.NodeTypeSpace)
	pageID := models.NewNodeID(models.NodeTypePage)
	stream := transport.RootStream(transport.StreamTransactions, spaceID)

	batch := []*models.Transaction{
		createTxn(pageID, spaceID, 1, map[string]any{"type": "page", "name": "v1"}),
		updateTxn(pageID, spaceID, 2, map[string]any{
			"name": map[string]any{"value": "v2", "clock": float64(2), "actor": "u1"},
		}),
	}
	require.NoError(t, store.ApplyTransactions(ctx, stream, batch, 2))

	// Redelivery after a crash replays the same batch; records at or below
	// the node's version are skipped and state is unchanged.
	require.NoError(t, store.ApplyTransactions(ctx, stream, batch, 2))

	node, err := store.GetNode(ctx, pageID)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "v2", node.Attributes.Payload.(models.PageAttributes).Name)
	assert.Equal(t, int64(2), node.Version)
}

func TestApplyTransactionsDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	spaceID := models.NewNodeID(models.NodeTypeSpace)
	pageID := models.NewNodeID(models.NodeTypePage)
	stream := transport.RootStream(transport.StreamTransactions, spaceID)

	require.NoError(t, store.ApplyTransactions(ctx, stream, []*models.Transaction{
		createTxn(pageID, spaceID, 1, map[string]any{"type": "page", "name": "doomed"}),
	}, 1))
	require.NoError(t, store.ApplyTransactions(ctx, stream, []*models.Transaction{
		{
			ID:        models.NewTransactionID(),
			RootID:    spaceID,
			NodeID:    pageID,
			Operation: models.OperationDelete,
			Version:   2,
			CreatedBy: models.NewUserID(),
			CreatedAt: time.Now().UTC(),
		},
	}, 2))

	node, err := store.GetNode(ctx, pageID)
	require.NoError(t, err)
	assert.Nil(t, node)

	// An update for a node that never arrived is a skip, not an error.
	require.NoError(t, store.ApplyTransactions(ctx, stream, []*models.Transaction{
		updateTxn(models.NewNodeID(models.NodeTypePage), spaceID, 3, map[string]any{
			"name": map[string]any{"value": "x", "clock": float64(3), "actor": "u1"},
		}),
	}, 3))
}

func TestApplyCollaborations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	spaceID := models.NewNodeID(models.NodeTypeSpace)
	userID := models.NewUserID()
	grant := &models.Collaboration{
		NodeID: spaceID, UserID: userID, WorkspaceID: models.NewWorkspaceID(),
		Role: models.RoleEditor, Version: 5,
	}

	require.NoError(t, store.ApplyCollaborations(ctx, transport.StreamCollaborations, []*models.Collaboration{grant}, 5))
	grants, err := store.ListSpaceGrants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, models.RoleEditor, grants[0].Role)

	// A revocation removes the local row.
	revoked := &models.Collaboration{NodeID: spaceID, UserID: userID, Deleted: true, Version: 6}
	require.NoError(t, store.ApplyCollaborations(ctx, transport.StreamCollaborations, []*models.Collaboration{revoked}, 6))
	grants, err = store.ListSpaceGrants(ctx)
	require.NoError(t, err)
	assert.Empty(t, grants)

	cursor, err := store.CursorValue(ctx, transport.StreamCollaborations)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cursor)
}

func TestPendingMutationLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	m := &PendingMutation{
		ID:        "m-1",
		NodeID:    models.NewNodeID(models.NodeTypePage),
		Operation: models.OperationCreate,
		Data:      models.JSONMap{"attributes": map[string]any{"type": "page", "name": "x"}},
		Status:    StatusPending,
	}
	require.NoError(t, store.EnqueueMutation(ctx, m))

	pending, err := store.ListMutations(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.BumpRetry(ctx, m.ID))
	got, err := store.GetMutation(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	require.NoError(t, store.FailMutation(ctx, m.ID))
	failed, err := store.ListMutations(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, store.ResolveMutation(ctx, m.ID))
	got, err = store.GetMutation(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
