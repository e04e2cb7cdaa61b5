package client

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchpad/branchpad/pkg/models"
)

func seedNode(t *testing.T, store *LocalStore, name string, version int64) *models.Node {
	t.Helper()
	attrs := models.NewAttributes(models.PageAttributes{Name: name})
	merge, err := models.MergeDocFromAttributes(attrs, version, "u1")
	require.NoError(t, err)
	node := &models.Node{
		ID:          models.NewNodeID(models.NodeTypePage),
		WorkspaceID: models.NewWorkspaceID(),
		Type:        models.NodeTypePage,
		Attributes:  attrs,
		Merge:       merge,
		Version:     version,
		CreatedBy:   models.NewUserID(),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	node.RootID = node.ID
	require.NoError(t, store.PutNode(context.Background(), node))
	return node
}

func TestRevertFailedUpdateRestoresSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	node := seedNode(t, store, "original", 5)

	snapshot := models.JSONMap{
		"attributes": node.Attributes,
		"merge":      node.Merge,
		"version":    node.Version,
	}

	// Optimistic local edit that the server will never accept.
	changed, err := node.Attributes.SetField("name", "optimistic")
	require.NoError(t, err)
	node.Attributes = changed
	require.NoError(t, store.PutNode(ctx, node))

	require.NoError(t, store.EnqueueMutation(ctx, &PendingMutation{
		ID:        "m-1",
		NodeID:    node.ID,
		Operation: models.OperationUpdate,
		Snapshot:  snapshot,
		Status:    StatusFailed,
	}))

	job := NewRevertJob(store, zerolog.Nop())
	require.NoError(t, job.Sweep(ctx))

	restored, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, "original", restored.Attributes.Payload.(models.PageAttributes).Name)
	assert.Equal(t, int64(5), restored.Version)

	gone, err := store.GetMutation(ctx, "m-1")
	require.NoError(t, err)
	assert.Nil(t, gone, "reverted mutation leaves the queue")
}

func TestRevertFailedCreateRemovesNode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	node := seedNode(t, store, "phantom", 0)

	require.NoError(t, store.EnqueueMutation(ctx, &PendingMutation{
		ID:        "m-2",
		NodeID:    node.ID,
		Operation: models.OperationCreate,
		Status:    StatusFailed,
	}))

	job := NewRevertJob(store, zerolog.Nop())
	require.NoError(t, job.Sweep(ctx))

	gone, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRevertFailedDeleteRestoresNode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	node := seedNode(t, store, "kept", 3)

	snapshot := models.JSONMap{
		"attributes": node.Attributes,
		"merge":      node.Merge,
		"version":    node.Version,
	}

	node.DeletedAt.Time = time.Now().UTC()
	node.DeletedAt.Valid = true
	require.NoError(t, store.PutNode(ctx, node))

	missing, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, store.EnqueueMutation(ctx, &PendingMutation{
		ID:        "m-3",
		NodeID:    node.ID,
		Operation: models.OperationDelete,
		Snapshot:  snapshot,
		Status:    StatusFailed,
	}))

	job := NewRevertJob(store, zerolog.Nop())
	require.NoError(t, job.Sweep(ctx))

	restored, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, "kept", restored.Attributes.Payload.(models.PageAttributes).Name)
}

func TestRevertLeavesFreshPendingAlone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	node := seedNode(t, store, "inflight", 1)

	require.NoError(t, store.EnqueueMutation(ctx, &PendingMutation{
		ID:        "m-4",
		NodeID:    node.ID,
		Operation: models.OperationUpdate,
		Status:    StatusPending,
	}))

	job := NewRevertJob(store, zerolog.Nop())
	require.NoError(t, job.Sweep(ctx))

	still, err := store.GetMutation(ctx, "m-4")
	require.NoError(t, err)
	require.NotNil(t, still, "recent pending mutations are not reverted")
	assert.Equal(t, StatusPending, still.Status)
}

func TestRevertOutOfRetriesPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	node := seedNode(t, store, "stuck", 1)

	require.NoError(t, store.EnqueueMutation(ctx, &PendingMutation{
		ID:         "m-5",
		NodeID:     node.ID,
		Operation:  models.OperationCreate,
		Status:     StatusPending,
		RetryCount: maxRetries,
	}))

	job := NewRevertJob(store, zerolog.Nop())
	require.NoError(t, job.Sweep(ctx))

	gone, err := store.GetMutation(ctx, "m-5")
	require.NoError(t, err)
	assert.Nil(t, gone)
	missing, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
